//go:build linux

package pipe

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/farberbrodsky/pipeweld/internal/forkexec"
)

// errReportMax bounds the single read from the error channel. The
// child's report is a short fixed-vocabulary message; anything longer
// would be truncated, which the decoder tolerates.
const errReportMax = 512

// launchPlan is the transient result of plan construction for one
// launch: the descriptor remap, the descriptors that must survive the
// child-side purge, the ends the parent gives up after a successful
// fork, and the rollback actions that undo the plan's side effects
// (created pipes, stashes installed on this command's endpoints or
// taken from peers' endpoints) if the
// launch fails before the fork.
type launchPlan struct {
	mappings      []forkexec.Mapping
	dontClose     map[int]bool
	closeInParent []int
	undo          []func()
}

func (p *launchPlan) add(target, current int) {
	p.mappings = append(p.mappings, forkexec.Mapping{Target: target, Current: current})
	p.dontClose[current] = true
}

func (p *launchPlan) rollback() {
	for i := len(p.undo) - 1; i >= 0; i-- {
		p.undo[i]()
	}
}

// buildPlan walks the command's endpoint maps and produces the launch
// plan, creating kernel pipes for edges whose peer has not launched
// yet and consuming pipe ends stashed by peers that launched first.
// Unbound endpoints are rejected before any side effect.
func (c *Command) buildPlan() (*launchPlan, error) {
	for _, op := range c.outPipes {
		if op.dst == nil {
			return nil, ErrPipeNotSet
		}
	}
	for _, ip := range c.inPipes {
		if ip.src == nil {
			return nil, ErrPipeNotSet
		}
	}

	plan := &launchPlan{dontClose: make(map[int]bool)}

	for fd, op := range c.outPipes {
		in := op.dst
		switch in.kind {
		case inFd:
			plan.add(fd, in.realFd)
		case inStream:
			plan.add(fd, in.memfd)
		case inPeer:
			if in.owner.state != StateFresh {
				// The reader launched first and stashed the write end
				// of its pipe for us. Take ownership.
				w := in.writeEnd
				in.writeEnd = -1
				plan.add(fd, w)
				plan.closeInParent = append(plan.closeInParent, w)
				plan.undo = append(plan.undo, func() { in.writeEnd = w })
			} else {
				// We launch first: create the pipe, keep the write end
				// for our child and stash the read end on our own
				// endpoint for the reader's later launch.
				var pf [2]int
				if err := unix.Pipe2(pf[:], 0); err != nil {
					plan.rollback()
					return nil, fmt.Errorf("pipe: creating pipe: %w", err)
				}
				op.readEnd = pf[0]
				plan.add(fd, pf[1])
				plan.closeInParent = append(plan.closeInParent, pf[1])
				plan.undo = append(plan.undo, func() {
					unix.Close(pf[0])
					unix.Close(pf[1])
					op.readEnd = -1
				})
			}
		}
	}

	for fd, ip := range c.inPipes {
		out := ip.src
		switch out.kind {
		case outFd:
			plan.add(fd, out.realFd)
		case outPeer:
			if out.owner.state != StateFresh {
				// The writer launched first and stashed the read end.
				r := out.readEnd
				out.readEnd = -1
				plan.add(fd, r)
				plan.closeInParent = append(plan.closeInParent, r)
				plan.undo = append(plan.undo, func() { out.readEnd = r })
			} else {
				var pf [2]int
				if err := unix.Pipe2(pf[:], 0); err != nil {
					plan.rollback()
					return nil, fmt.Errorf("pipe: creating pipe: %w", err)
				}
				ip.writeEnd = pf[1]
				plan.add(fd, pf[0])
				plan.closeInParent = append(plan.closeInParent, pf[0])
				plan.undo = append(plan.undo, func() {
					unix.Close(pf[0])
					unix.Close(pf[1])
					ip.writeEnd = -1
				})
			}
		}
	}

	return plan, nil
}

// launch builds the plan, creates the error channel and forks the
// child, returning the plan, the error channel's read end and the
// child pid. The fork lock is held exclusively from before the first
// inheritable pipe end is created until the clone has happened, so no
// concurrent fork/exec path can inherit the ends destined for this
// child.
func (c *Command) launch() (*launchPlan, int, int, error) {
	syscall.ForkLock.Lock()
	defer syscall.ForkLock.Unlock()

	plan, err := c.buildPlan()
	if err != nil {
		return nil, 0, 0, err
	}

	// Error channel: close-on-exec on both ends, never visible to the
	// executed program. Zero bytes at the read end means exec succeeded.
	var ep [2]int
	if err := unix.Pipe2(ep[:], unix.O_CLOEXEC); err != nil {
		plan.rollback()
		return nil, 0, 0, fmt.Errorf("pipe: creating error channel: %w", err)
	}

	open, err := openDescriptors()
	if err != nil {
		unix.Close(ep[0])
		unix.Close(ep[1])
		plan.rollback()
		return nil, 0, 0, err
	}
	ops := forkexec.Compile(plan.mappings, plan.dontClose, open, ep[1])

	envv, err := syscall.SlicePtrFromStrings(os.Environ())
	if err != nil {
		unix.Close(ep[0])
		unix.Close(ep[1])
		plan.rollback()
		return nil, 0, 0, fmt.Errorf("pipe: environment: %w", err)
	}

	pid, err := forkexec.ForkExec(c.argv0, c.argv, envv, ops, ep[1])
	if err != nil {
		unix.Close(ep[0])
		unix.Close(ep[1])
		plan.rollback()
		return nil, 0, 0, fmt.Errorf("pipe: fork: %w", err)
	}

	// The child has its copy of the write end; ours closes now, still
	// under the lock.
	unix.Close(ep[1])
	return plan, ep[0], pid, nil
}

// Run materializes the command's part of the endpoint graph and
// launches the child. On success the command is StateRunning with all
// redirections installed; on failure the command's state and the
// parent's descriptor table are unchanged, except that a command whose
// child died before execve cannot be relaunched.
func (c *Command) Run() error {
	if c.ranOnce || c.state != StateFresh {
		return ErrCommandAlreadyRun
	}

	plan, errRead, pid, err := c.launch()
	if err != nil {
		return err
	}
	c.ranOnce = true
	c.pid = pid
	logger.Printf("forked %s as pid %d", c.args[0], pid)

	// The ends handed to the child now belong to it.
	for _, fd := range plan.closeInParent {
		unix.Close(fd)
	}

	report := make([]byte, errReportMax)
	n, rerr := readRetry(errRead, report)
	unix.Close(errRead)
	if rerr != nil {
		// The channel itself failed; the child may have exec'd. Kill it
		// so the reap below cannot block on a live child.
		unix.Kill(c.pid, unix.SIGKILL)
		c.reapAfterFailedLaunch()
		return fmt.Errorf("pipe: reading launch report: %w", rerr)
	}
	if n == 0 {
		c.state = StateRunning
		return nil
	}

	// The child reported a pre-exec failure and has already exited;
	// reap it before surfacing the decoded error.
	c.reapAfterFailedLaunch()
	return c.decodeLaunchReport(string(report[:n]))
}

func (c *Command) decodeLaunchReport(msg string) error {
	code, reason, _ := strings.Cut(msg, " ")
	n, err := strconv.Atoi(code)
	if err != nil {
		return fmt.Errorf("pipe: malformed launch report %q", msg)
	}
	errno := unix.Errno(n)
	if errno == unix.ENOENT && reason == "execve" {
		return &NotFoundError{Path: c.args[0]}
	}
	return &LaunchError{Errno: errno, Reason: reason}
}

// reapAfterFailedLaunch collects the child that exited before execve
// so that launch errors surface only after the child is gone. The
// command stays out of StateRunning; ranOnce keeps it from being
// launched again.
func (c *Command) reapAfterFailedLaunch() {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(c.pid, &ws, 0, nil)
		if err != unix.EINTR {
			break
		}
	}
	c.pid = 0
}

func readRetry(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// openDescriptors lists the process's open descriptors. The listing's
// own directory handle may show up in the result; it is gone by replay
// time and the child ignores failed closes.
func openDescriptors() ([]int, error) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return nil, fmt.Errorf("pipe: listing open descriptors: %w", err)
	}
	fds := make([]int, 0, len(entries))
	for _, e := range entries {
		fd, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		fds = append(fds, fd)
	}
	return fds, nil
}
