package pipe

import (
	"errors"
	"fmt"
	"syscall"
)

// State is a command's run state. A command moves StateFresh →
// StateRunning → StateDone and is launched at most once.
type State int

const (
	StateFresh State = iota
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Command is a named executable with arguments and two maps of
// endpoints keyed by child-side descriptor number. The argument vector
// is copied and converted to its NUL-terminated execve form at
// construction; no kernel objects are allocated until Run.
type Command struct {
	args  []string
	argv0 *byte
	argv  []*byte // NUL-terminated, trailing nil entry

	inPipes  map[int]*InPipe
	outPipes map[int]*OutPipe

	state   State
	ranOnce bool
	pid     int
}

// NewCommand builds a command from a non-empty argument vector.
// args[0] is the path passed to execve. Arguments containing NUL bytes
// are rejected.
func NewCommand(args ...string) (*Command, error) {
	if len(args) == 0 {
		return nil, errors.New("pipe: command needs at least a program path")
	}
	argv := make([]*byte, 0, len(args)+1)
	for _, a := range args {
		p, err := syscall.BytePtrFromString(a)
		if err != nil {
			return nil, fmt.Errorf("pipe: argument %q: %w", a, err)
		}
		argv = append(argv, p)
	}
	argv = append(argv, nil)

	owned := make([]string, len(args))
	copy(owned, args)

	return &Command{
		args:     owned,
		argv0:    argv[0],
		argv:     argv,
		inPipes:  make(map[int]*InPipe),
		outPipes: make(map[int]*OutPipe),
	}, nil
}

// Path returns the program path (args[0]).
func (c *Command) Path() string { return c.args[0] }

// Args returns a copy of the argument vector.
func (c *Command) Args() []string {
	out := make([]string, len(c.args))
	copy(out, c.args)
	return out
}

// State returns the command's run state.
func (c *Command) State() State { return c.state }

// Pid returns the child's process id. Valid only once the command has
// entered StateRunning.
func (c *Command) Pid() int { return c.pid }

// PipeInFd returns the input endpoint at child descriptor fd, creating
// a fresh unbound peer endpoint if none exists.
func (c *Command) PipeInFd(fd int) *InPipe {
	if p, ok := c.inPipes[fd]; ok {
		return p
	}
	p := &InPipe{kind: inPeer, owner: c, fd: fd, writeEnd: -1, memfd: -1}
	c.inPipes[fd] = p
	return p
}

// PipeOutFd returns the output endpoint at child descriptor fd,
// creating a fresh unbound peer endpoint if none exists.
func (c *Command) PipeOutFd(fd int) *OutPipe {
	if p, ok := c.outPipes[fd]; ok {
		return p
	}
	p := &OutPipe{kind: outPeer, owner: c, fd: fd, readEnd: -1}
	c.outPipes[fd] = p
	return p
}

// PipeInFdFrom ensures an input endpoint at fd and binds it to take
// its data from src. Fails with ErrPipeSetTwice if either endpoint is
// already bound. The edge is symmetric: binding from either side is
// equivalent.
func (c *Command) PipeInFdFrom(fd int, src *OutPipe) (*InPipe, error) {
	if p, ok := c.inPipes[fd]; (ok && p.src != nil) || src.dst != nil {
		return nil, ErrPipeSetTwice
	}
	p := c.PipeInFd(fd)
	p.src = src
	src.dst = p
	return p, nil
}

// PipeOutFdTo ensures an output endpoint at fd and binds it to deliver
// its data to dst. Fails with ErrPipeSetTwice if either endpoint is
// already bound.
func (c *Command) PipeOutFdTo(fd int, dst *InPipe) (*OutPipe, error) {
	if p, ok := c.outPipes[fd]; (ok && p.dst != nil) || dst.src != nil {
		return nil, ErrPipeSetTwice
	}
	p := c.PipeOutFd(fd)
	p.dst = dst
	dst.src = p
	return p, nil
}
