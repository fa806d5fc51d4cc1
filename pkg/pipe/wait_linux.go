//go:build linux

package pipe

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Wait blocks until the child terminates, drains any capture sinks
// bound to this command's output endpoints, and returns the raw wait
// status. A non-zero exit is not an error; callers interpret the
// status themselves.
//
// A stopped status is classified as terminal even though a stopped
// child could later resume; this library does not track resumption.
// In practice Wait passes no WUNTRACED, so only exits and signals are
// observed.
func (c *Command) Wait() (unix.WaitStatus, error) {
	if c.state != StateRunning {
		return 0, ErrCommandNotRunning
	}

	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(c.pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("pipe: wait4: %w", err)
		}
		break
	}
	if ws.Exited() || ws.Signaled() || ws.Stopped() {
		c.state = StateDone
		logger.Printf("pid %d finished with status %#x", c.pid, int(ws))
	}

	if err := c.drain(); err != nil {
		return ws, err
	}
	return ws, nil
}

// drain copies every capture sink bound to an output endpoint of this
// command into its destination writer, from the start of the backing
// anonymous file.
func (c *Command) drain() error {
	buf := make([]byte, 4096)
	for _, op := range c.outPipes {
		sink := op.dst
		if sink == nil || sink.kind != inStream {
			continue
		}
		if _, err := unix.Seek(sink.memfd, 0, unix.SEEK_SET); err != nil {
			return fmt.Errorf("pipe: seeking capture file: %w", err)
		}
		for {
			n, err := readRetry(sink.memfd, buf)
			if err != nil {
				return fmt.Errorf("pipe: reading capture file: %w", err)
			}
			if n == 0 {
				break
			}
			if _, err := sink.w.Write(buf[:n]); err != nil {
				return fmt.Errorf("pipe: writing capture: %w", err)
			}
		}
	}
	return nil
}

// Signal delivers sig to the running child.
func (c *Command) Signal(sig unix.Signal) error {
	if c.state != StateRunning {
		return ErrCommandNotRunning
	}
	if err := unix.Kill(c.pid, sig); err != nil {
		return fmt.Errorf("pipe: kill: %w", err)
	}
	return nil
}

// Close tears the command down. A still-running child is killed with
// SIGKILL and reaped (draining sinks along the way); afterwards every
// descriptor still owned by the command's endpoints is released.
// Idempotent.
func (c *Command) Close() error {
	for c.state == StateRunning {
		unix.Kill(c.pid, unix.SIGKILL)
		if _, err := c.Wait(); err != nil {
			break
		}
	}
	for _, p := range c.inPipes {
		p.Close()
	}
	for _, p := range c.outPipes {
		p.Close()
	}
	return nil
}
