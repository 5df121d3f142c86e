package cliengine

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNotCLITask is returned by SubmitAnswer for tasks run by another
	// engine.
	ErrNotCLITask = errors.New("task is not a CLI task")

	// ErrSessionNotFound marks an attempt that tried to resume a session the
	// CLI does not know.
	ErrSessionNotFound = errors.New("cli session not found")

	// ErrNoResult is returned when the CLI exited without a result line.
	ErrNoResult = errors.New("cli exited without a result")
)

// sessionMissingPattern matches what the CLI prints when a --resume session
// id does not exist.
var sessionMissingPattern = regexp.MustCompile(`(?i)no conversation found|\bsession\b[^.;]*\bnot found\b`)

// mentionsMissingSession reports whether an output line says the resumed
// session does not exist.
func mentionsMissingSession(line string) bool {
	return sessionMissingPattern.MatchString(line)
}

// ProcessError describes a CLI attempt that failed at the process level.
type ProcessError struct {
	Cause    error
	Message  string
	Stderr   string
	ExitCode int
}

func (e *ProcessError) Error() string {
	msg := "cli process error: " + e.Message
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// ResultError is a result line flagged is_error.
type ResultError struct {
	Subtype string
	Message string
}

func (e *ResultError) Error() string {
	if e.Message == "" {
		return "cli turn failed: " + e.Subtype
	}
	return e.Message
}

// IsSessionNotFound reports whether err says the resumed session is gone.
func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}
