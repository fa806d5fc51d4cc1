//go:build linux

package forkexec

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Reason tokens for the error-channel wire format. Kept whitespace-free
// so the parent can split the report on its first space.
var (
	tokDup3   = []byte("dup3")
	tokExecve = []byte("execve")
)

// reportLen bounds the child's failure report. The parent reads at most
// 512 bytes; an errno plus a reason token is far below either limit.
const reportLen = 64

// ForkExec forks and replays ops in the child, then executes argv0.
// argv and envv must be NUL-terminated pointer vectors ending in a nil
// entry. errFd is the error channel's write end at fork time; a child
// that fails before execve writes "<errno> <reason>" to it and exits
// with status 1, and a relocation op in ops keeps the channel alive if
// a mapping targets its slot.
//
// The caller must hold syscall.ForkLock exclusively, from the moment
// it creates the first inheritable descriptor destined for the child
// until this call returns. Otherwise a concurrent fork/exec path could
// inherit those ends.
func ForkExec(argv0 *byte, argv, envv []*byte, ops []Op, errFd int) (int, error) {
	pid, errno := forkAndExec(argv0, &argv[0], &envv[0], ops, errFd)
	if errno != 0 {
		return 0, errno
	}
	return int(pid), nil
}

// forkAndExec is the post-clone half. The child half runs with the
// runtime in a single-threaded, possibly inconsistent state, so it is
// restricted to raw syscalls over memory that was allocated before the
// clone: no allocation, no non-raw syscalls, no runtime services.
// nosplit keeps the prologue from growing the stack in the child,
// where morestack would touch shared runtime state.
//
//go:norace
//go:nosplit
func forkAndExec(argv0 *byte, argv, envv **byte, ops []Op, errFd int) (uintptr, unix.Errno) {
	var report [reportLen]byte

	pid, _, errno := syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(unix.SIGCHLD), 0, 0, 0, 0, 0)
	if errno != 0 {
		return 0, unix.Errno(errno)
	}
	if pid != 0 {
		// Parent.
		return pid, 0
	}

	// Child.
	for i := 0; i < len(ops); i++ {
		op := ops[i]
		switch op.Kind {
		case OpClose:
			syscall.RawSyscall(syscall.SYS_CLOSE, uintptr(op.Fd), 0, 0)
		case OpDup:
			_, _, errno = syscall.RawSyscall(syscall.SYS_DUP3, uintptr(op.Fd), uintptr(op.To), 0)
			if errno != 0 {
				childFail(errFd, unix.Errno(errno), tokDup3, &report)
			}
		case OpDupCloexec:
			_, _, errno = syscall.RawSyscall(syscall.SYS_DUP3, uintptr(op.Fd), uintptr(op.To), uintptr(unix.O_CLOEXEC))
			if errno != 0 {
				childFail(errFd, unix.Errno(errno), tokDup3, &report)
			}
			errFd = op.To
		}
	}

	_, _, errno = syscall.RawSyscall(syscall.SYS_EXECVE,
		uintptr(unsafe.Pointer(argv0)),
		uintptr(unsafe.Pointer(argv)),
		uintptr(unsafe.Pointer(envv)))
	childFail(errFd, unix.Errno(errno), tokExecve, &report)
	return 0, 0 // unreachable
}

// childFail writes "<errno> <reason>" to the error channel and exits.
// Child-side only; must obey the same restrictions as forkAndExec.
//
//go:norace
//go:nosplit
func childFail(errFd int, errno unix.Errno, reason []byte, report *[reportLen]byte) {
	var digits [20]byte
	e := uint64(errno)
	i := len(digits)
	for {
		i--
		digits[i] = byte('0' + e%10)
		e /= 10
		if e == 0 {
			break
		}
	}
	n := copy(report[:], digits[i:])
	report[n] = ' '
	n++
	n += copy(report[n:], reason)
	syscall.RawSyscall(syscall.SYS_WRITE, uintptr(errFd), uintptr(unsafe.Pointer(&report[0])), uintptr(n))
	syscall.RawSyscall(syscall.SYS_EXIT_GROUP, 1, 0, 0)
}
