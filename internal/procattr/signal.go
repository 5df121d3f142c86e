package procattr

import (
	"errors"
	"os"
	"syscall"
	"time"
)

// SignalGroup delivers sig to every process in p's group. A group that
// already exited is not an error.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	if err := syscall.Kill(-p.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// KillGroup sends SIGKILL to p's group.
func KillGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGKILL)
}

// InterruptGroup sends SIGINT to p's group.
func InterruptGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGINT)
}

// Terminate sends SIGTERM to p's group and escalates to SIGKILL when done
// is not closed within grace.
func Terminate(p *os.Process, done <-chan struct{}, grace time.Duration) error {
	if p == nil {
		return nil
	}
	if err := SignalGroup(p, syscall.SIGTERM); err != nil {
		return err
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return KillGroup(p)
	}
}
