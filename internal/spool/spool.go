// Package spool is a file-drop intake for the daemon. A JSON start request
// written to the spool directory starts a task; the task's events are
// appended to <taskId>.events.jsonl next to it. An empty <taskId>.cancel
// file cancels the task.
//
// Writers should create files under a temporary name (leading "." or a
// ".tmp" suffix) and rename them into place; partial files are then never
// read.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/bazelment/yoloswe/taskengine/task"
)

const (
	requestExt  = ".json"
	cancelExt   = ".cancel"
	eventsExt   = ".events.jsonl"
	acceptedExt = ".accepted"
	rejectedExt = ".rejected"
)

// Tasks is the orchestrator surface the spool drives.
type Tasks interface {
	Start(ctx context.Context, req task.Request) (bool, error)
	Stream(ctx context.Context, taskID string, afterID int64) (iter.Seq2[task.StoredEvent, error], error)
	Cancel(ctx context.Context, taskID string) (bool, error)
}

// Option configures a Spool.
type Option func(*Spool)

// WithLogger sets the spool logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Spool) { s.logger = l }
}

// WithPrepare adjusts each request before it is started.
func WithPrepare(fn func(req *task.Request) error) Option {
	return func(s *Spool) { s.prepare = fn }
}

// Spool watches one directory.
type Spool struct {
	tasks   Tasks
	logger  *slog.Logger
	prepare func(req *task.Request) error
	dir     string
	writers sync.WaitGroup
}

// New returns a spool over dir.
func New(dir string, tasks Tasks, opts ...Option) *Spool {
	s := &Spool{dir: dir, tasks: tasks, logger: nopLogger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes files already in the directory, then new ones as they
// appear, until ctx is done. It returns after every event writer has
// stopped.
func (s *Spool) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create spool watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	defer s.writers.Wait()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read spool dir: %w", err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			s.handle(ctx, filepath.Join(s.dir, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				s.handle(ctx, ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("spool watcher error", "error", err)
		}
	}
}

func (s *Spool) handle(ctx context.Context, path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return
	}
	switch {
	case strings.HasSuffix(name, eventsExt):
	case strings.HasSuffix(name, cancelExt):
		s.cancel(ctx, path, strings.TrimSuffix(name, cancelExt))
	case strings.HasSuffix(name, requestExt):
		s.start(ctx, path, strings.TrimSuffix(name, requestExt))
	}
}

func (s *Spool) start(ctx context.Context, path, stem string) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Already claimed by an earlier event for the same file.
		return
	}
	if err != nil {
		s.logger.Warn("spool read failed", "file", path, "error", err)
		return
	}

	var req task.Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.reject(path, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.TaskID == "" {
		req.TaskID = stem
	}
	if s.prepare != nil {
		if err := s.prepare(&req); err != nil {
			s.reject(path, err)
			return
		}
	}
	started, err := s.tasks.Start(ctx, req)
	if err != nil {
		s.reject(path, err)
		return
	}
	if err := os.Rename(path, path+acceptedExt); err != nil {
		s.logger.Warn("spool rename failed", "file", path, "error", err)
	}
	if !started {
		s.logger.Info("spool request for existing task ignored", "task", req.TaskID)
		return
	}
	s.logger.Info("spool task started", "task", req.TaskID, "file", path)

	s.writers.Add(1)
	go func() {
		defer s.writers.Done()
		if err := s.writeEvents(ctx, req.TaskID); err != nil {
			s.logger.Warn("spool event writer stopped", "task", req.TaskID, "error", err)
		}
	}()
}

func (s *Spool) reject(path string, cause error) {
	s.logger.Warn("spool request rejected", "file", path, "error", cause)
	if err := os.Rename(path, path+rejectedExt); err != nil {
		s.logger.Warn("spool rename failed", "file", path, "error", err)
	}
	_ = os.WriteFile(path+rejectedExt+".err", []byte(cause.Error()+"\n"), 0o644)
}

func (s *Spool) cancel(ctx context.Context, path, taskID string) {
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("spool remove failed", "file", path, "error", err)
		}
		return
	}
	ok, err := s.tasks.Cancel(ctx, taskID)
	if err != nil {
		s.logger.Warn("spool cancel failed", "task", taskID, "error", err)
		return
	}
	s.logger.Info("spool cancel", "task", taskID, "cancelled", ok)
}

// EventsPath returns where the events of taskID are written.
func (s *Spool) EventsPath(taskID string) string {
	return filepath.Join(s.dir, taskID+eventsExt)
}

func (s *Spool) writeEvents(ctx context.Context, taskID string) error {
	seq, err := s.tasks.Stream(ctx, taskID, 0)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.EventsPath(taskID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for ev, err := range seq {
		if err != nil {
			return err
		}
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("write event %d: %w", ev.ID, err)
		}
	}
	return f.Sync()
}
