package codex

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/bazelment/yoloswe/taskengine/internal/procattr"
)

// Spawn starts the app-server subprocess, connects a client to its stdio
// and performs the handshake. The process lives until Close, independent
// of ctx, which only bounds the handshake.
func Spawn(ctx context.Context, opts ...ClientOption) (*Client, error) {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}

	cmd := exec.Command(cfg.Binary, cfg.Args...)
	procattr.Set(cmd)
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ProcessError{Message: "failed to get stdin pipe", Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessError{Message: "failed to get stdout pipe", Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ProcessError{Message: "failed to get stderr pipe", Cause: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Message: "failed to start app-server", Cause: err}
	}
	logger.Info("codex app-server started", "binary", cfg.Binary, "pid", cmd.Process.Pid)

	p := &process{cmd: cmd, stdin: stdin, exited: make(chan struct{})}
	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 16*1024), 1024*1024)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				logger.Debug("codex stderr", "line", line)
			}
		}
	}()

	client := NewClient(stdout, stdin, p.stop, opts...)
	go func() {
		<-client.readDone
		stderrDone.Wait()
		p.waitErr = cmd.Wait()
		close(p.exited)
		code := 0
		var exitErr *exec.ExitError
		if errors.As(p.waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		logger.Info("codex app-server exited", "pid", cmd.Process.Pid, "exit_code", code)
	}()

	if _, err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

type process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	exited  chan struct{}
	waitErr error
}

// stop closes stdin and escalates to SIGINT and then SIGKILL on the
// process group if the app-server does not exit.
func (p *process) stop() error {
	_ = p.stdin.Close()
	select {
	case <-p.exited:
		return nil
	case <-time.After(500 * time.Millisecond):
	}
	_ = procattr.InterruptGroup(p.cmd.Process)
	select {
	case <-p.exited:
		return nil
	case <-time.After(500 * time.Millisecond):
	}
	if err := procattr.KillGroup(p.cmd.Process); err != nil {
		return &ProcessError{Message: "failed to kill app-server", Cause: err}
	}
	select {
	case <-p.exited:
	case <-time.After(200 * time.Millisecond):
	}
	return nil
}
