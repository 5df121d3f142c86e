//go:build !linux

// Package procattr places engine subprocesses in their own process group
// so a task's whole process tree can be signalled at once.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set gives cmd its own process group.
func Set(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
