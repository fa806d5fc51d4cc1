package pipe

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Caller-misuse errors. These are raised before any state change; the
// command and its endpoints are untouched.
var (
	ErrPipeSetTwice      = errors.New("pipe: endpoint already bound")
	ErrPipeNotSet        = errors.New("pipe: endpoint not bound")
	ErrCommandAlreadyRun = errors.New("pipe: command has already run")
	ErrCommandNotRunning = errors.New("pipe: command is not running")
)

// NotFoundError reports that the program path handed to execve does
// not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("pipe: command not found: %s", e.Path)
}

func (e *NotFoundError) Unwrap() error { return unix.ENOENT }

// LaunchError reports a child-side failure between fork and a
// successful execve, decoded from the error channel. Reason is the
// step that failed ("dup3" or "execve").
type LaunchError struct {
	Errno  unix.Errno
	Reason string
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("pipe: launch failed during %s: %v", e.Reason, e.Errno)
}

func (e *LaunchError) Unwrap() error { return e.Errno }
