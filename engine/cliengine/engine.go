// Package cliengine runs task turns through a CLI that speaks line-delimited
// JSON on its standard streams. Each turn is one subprocess; turns of one
// session are serialized and may resume the session or start it fresh.
package cliengine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bazelment/yoloswe/taskengine/event"
	"github.com/bazelment/yoloswe/taskengine/internal/procattr"
	"github.com/bazelment/yoloswe/taskengine/protocol"
	"github.com/bazelment/yoloswe/taskengine/sessionlock"
	"github.com/bazelment/yoloswe/taskengine/task"
)

// maxLineSize bounds one stdout line. Tool results can be large.
const maxLineSize = 16 * 1024 * 1024

// Engine is the CLI engine adapter. It is safe for concurrent use.
type Engine struct {
	cfg      config
	logger   *slog.Logger
	locks    *sessionlock.Manager
	sessions map[string]struct{}
	mu       sync.Mutex
}

// New returns an Engine.
func New(opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = nopLogger
	}
	locks := cfg.locks
	if locks == nil {
		locks = sessionlock.NewManager()
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		locks:    locks,
		sessions: make(map[string]struct{}),
	}
}

// Name identifies the engine.
func (e *Engine) Name() task.Engine { return task.EngineCLI }

// attemptResult is the outcome of one CLI invocation.
type attemptResult struct {
	dec            *decoder
	err            error
	sessionMissing bool
}

func (r attemptResult) failed() bool {
	return r.err != nil || r.dec.result == nil || r.dec.result.IsError
}

// retryReason says why a failed resume should be retried fresh, or "".
func (r attemptResult) retryReason(t *task.Task) string {
	if !r.failed() {
		return ""
	}
	switch {
	case r.sessionMissing:
		return RetrySessionNotFound
	case t.Text() == "":
		return RetryNoOutput
	default:
		return ""
	}
}

// Run drives one turn for t while holding the lock of its session. The
// task is final when Run returns nil.
func (e *Engine) Run(ctx context.Context, t *task.Task, req task.Request) error {
	sessionID := sessionlock.SessionID(req.ContextID)
	release, ok := e.locks.TryAcquire(sessionID)
	if !ok {
		e.logger.Info("session busy, queueing turn", "task", t.ID, "session", sessionID)
		var err error
		release, err = e.locks.Acquire(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("wait for session %s: %w", sessionID, err)
		}
	}
	defer release()
	if t.CancelRequested() {
		t.Finalize(event.StateCancelled, "", nil)
		return nil
	}

	resume := e.knownSession(ctx, sessionID)
	res := e.attempt(ctx, t, req, sessionID, resume)
	if resume && !t.CancelRequested() && ctx.Err() == nil {
		if reason := res.retryReason(t); reason != "" {
			e.logger.Info("resume failed, retrying with a fresh session",
				"task", t.ID, "session", sessionID, "reason", reason)
			if e.cfg.onRetry != nil {
				e.cfg.onRetry(reason)
			}
			t.ResetBuffers()
			res = e.attempt(ctx, t, req, sessionID, false)
		}
	}
	if res.dec.result != nil || res.dec.sessionID != "" {
		e.rememberSession(ctx, sessionID, req.ContextID)
	}
	return e.finish(t, res)
}

func (e *Engine) finish(t *task.Task, res attemptResult) error {
	if res.dec.result == nil {
		if res.err != nil {
			return res.err
		}
		return &ProcessError{Cause: ErrNoResult, Message: ErrNoResult.Error()}
	}
	if err := res.dec.resultError(); err != nil {
		if res.sessionMissing {
			err = fmt.Errorf("%w: %w", ErrSessionNotFound, err)
		}
		t.Finalize(event.StateFailed, "", err)
		return nil
	}
	t.Finalize(event.StateCompleted, "", nil)
	return nil
}

func (e *Engine) attempt(ctx context.Context, t *task.Task, req task.Request, sessionID string, resume bool) attemptResult {
	dec := newDecoder(t, e.logger)
	res := attemptResult{dec: dec}

	cmd := exec.CommandContext(ctx, e.cfg.binary, e.buildArgs(req.Model, sessionID, resume)...)
	cmd.Dir = req.Cwd
	cmd.Env = e.environ()
	procattr.Set(cmd)
	cmd.Cancel = func() error { return procattr.KillGroup(cmd.Process) }
	cmd.WaitDelay = e.cfg.waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		res.err = &ProcessError{Cause: err, Message: "stdin pipe"}
		return res
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		res.err = &ProcessError{Cause: err, Message: "stdout pipe"}
		return res
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		res.err = &ProcessError{Cause: err, Message: "stderr pipe"}
		return res
	}
	if err := cmd.Start(); err != nil {
		res.err = &ProcessError{Cause: err, Message: "start " + e.cfg.binary}
		return res
	}
	e.logger.Info("cli attempt started", "task", t.ID, "session", sessionID,
		"resume", resume, "pid", cmd.Process.Pid)

	if err := t.AttachProcess(cmd.Process, stdin); err != nil {
		_ = procattr.KillGroup(cmd.Process)
	}
	if err := e.writePrompt(t, req); err != nil {
		e.logger.Warn("writing cli prompt", "task", t.ID, "error", err)
	}

	tail := newLineTail(stderrTailLines)
	var missing atomic.Bool
	var g errgroup.Group
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			dec.handleLine(scanner.Bytes())
		}
		if err := scanner.Err(); err != nil {
			_, _ = io.Copy(io.Discard, stdout)
			return fmt.Errorf("read cli stdout: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			tail.add(line)
			if mentionsMissingSession(line) {
				missing.Store(true)
			}
			e.logger.Debug("cli stderr", "task", t.ID, "line", line)
		}
		return nil
	})
	readErr := g.Wait()
	waitErr := cmd.Wait()
	t.DetachProcess()

	res.sessionMissing = missing.Load() || dec.sessionMissing
	if dec.result != nil {
		return res
	}
	cause := waitErr
	if cause == nil {
		cause = readErr
	}
	if cause == nil {
		cause = ErrNoResult
	}
	if res.sessionMissing {
		cause = errors.Join(ErrSessionNotFound, cause)
	}
	perr := &ProcessError{Cause: cause, Message: "cli exited without a result", Stderr: tail.String()}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		perr.ExitCode = exitErr.ExitCode()
	}
	res.err = perr
	e.logger.Info("cli attempt ended without result", "task", t.ID, "session", sessionID,
		"exit_code", perr.ExitCode, "session_missing", res.sessionMissing)
	return res
}

func (e *Engine) writePrompt(t *task.Task, req task.Request) error {
	line, err := protocol.NewPromptMessage(req.Text, e.imageRefs(req.Images)).Marshal()
	if err != nil {
		return err
	}
	return t.WriteInput(line)
}

// imageRefs lists images for the prompt: the local path of a resolvable
// upload, else the remote URL.
func (e *Engine) imageRefs(images []task.ImageRef) []string {
	refs := make([]string, 0, len(images))
	for _, img := range images {
		if img.UploadID != "" && e.cfg.resolver != nil {
			if path, ok := e.cfg.resolver.Resolve(img.UploadID); ok {
				refs = append(refs, path)
				continue
			}
		}
		if img.URL != "" {
			refs = append(refs, img.URL)
		}
	}
	return refs
}

func (e *Engine) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(e.cfg.env))
	for k := range e.cfg.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+e.cfg.env[k])
	}
	return env
}

func (e *Engine) knownSession(ctx context.Context, sessionID string) bool {
	e.mu.Lock()
	_, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if ok || e.cfg.registry == nil {
		return ok
	}
	found, err := e.cfg.registry.HasSession(ctx, sessionID)
	if err != nil {
		e.logger.Warn("session lookup failed", "session", sessionID, "error", err)
		return false
	}
	return found
}

func (e *Engine) rememberSession(ctx context.Context, sessionID, contextID string) {
	e.mu.Lock()
	_, had := e.sessions[sessionID]
	e.sessions[sessionID] = struct{}{}
	e.mu.Unlock()
	if had || e.cfg.registry == nil {
		return
	}
	if err := e.cfg.registry.SaveSession(context.WithoutCancel(ctx), sessionID, contextID); err != nil {
		e.logger.Warn("session save failed", "session", sessionID, "error", err)
	}
}

// Cancel kills t's process tree. There is no graceful interrupt.
func (e *Engine) Cancel(_ context.Context, t *task.Task) error {
	return t.SignalProcess(procattr.KillGroup)
}

// SubmitAnswer answers an in-turn question by writing a tool_result line
// for toolUseID to the live CLI input stream.
func (e *Engine) SubmitAnswer(t *task.Task, toolUseID string, answers map[string]string) error {
	if t.Engine != task.EngineCLI {
		return ErrNotCLITask
	}
	if strings.TrimSpace(toolUseID) == "" {
		return errors.New("tool use id is required")
	}
	line, err := protocol.NewToolResultMessage(toolUseID, FormatAnswers(answers), false).Marshal()
	if err != nil {
		return err
	}
	return t.WriteInput(line)
}

// FormatAnswers renders answers as "key: value" lines sorted by key.
func FormatAnswers(answers map[string]string) string {
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+answers[k])
	}
	return strings.Join(lines, "\n")
}

// Close implements the engine contract. CLI processes live only for a turn.
func (e *Engine) Close(context.Context) error { return nil }

// lineTail keeps the last n lines written to it.
type lineTail struct {
	lines []string
	n     int
	mu    sync.Mutex
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (l *lineTail) add(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
	if len(l.lines) > l.n {
		l.lines = l.lines[len(l.lines)-l.n:]
	}
}

func (l *lineTail) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.TrimSpace(strings.Join(l.lines, "\n"))
}
