package task

import (
	"sync"

	"github.com/bazelment/yoloswe/taskengine/event"
)

// Registry maps task ids to tasks. Lookups and inserts never take a lock
// shared by all tasks; each task guards its own state.
type Registry struct {
	hooks Hooks
	tasks sync.Map // map[string]*Task
}

// NewRegistry creates an empty registry whose tasks report to hooks.
func NewRegistry(hooks Hooks) *Registry {
	return &Registry{hooks: hooks}
}

// Create registers a task for req. When the id already exists the existing
// task is returned with created=false and nothing else happens. A new task
// starts submitted and its initial status event, carrying the user message,
// is appended before Create returns.
func (r *Registry) Create(req Request) (t *Task, created bool) {
	fresh := newTask(req, r.hooks)
	actual, loaded := r.tasks.LoadOrStore(req.TaskID, fresh)
	if loaded {
		return actual.(*Task), false
	}
	// A fresh task is never final, so the append cannot fail.
	_, _ = fresh.Append(event.NewStatus(req.TaskID, req.ContextID, event.StateSubmitted,
		event.RoleUser, req.UserMessageID, req.Text, false))
	return fresh, true
}

// Get returns the task for id.
func (r *Registry) Get(id string) (*Task, bool) {
	v, ok := r.tasks.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Task), true
}

// Range calls fn for every task until fn returns false.
func (r *Registry) Range(fn func(t *Task) bool) {
	r.tasks.Range(func(_, v any) bool {
		return fn(v.(*Task))
	})
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	n := 0
	r.tasks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
