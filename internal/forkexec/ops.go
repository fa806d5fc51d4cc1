// Package forkexec provides the low-level launch primitive: a
// deterministic compiler from a descriptor remap plan to the sequence
// of operations a child performs between fork and execve, and the raw
// fork/exec call that replays that sequence.
//
// Because fork clones the descriptor table, the whole remap can be
// computed in the parent; the child only replays precomputed syscalls
// and never allocates.
package forkexec

// Mapping is one descriptor redirection: after the remap, Target in
// the child refers to the kernel object Current referred to in the
// parent at plan time.
type Mapping struct {
	Target  int
	Current int
}

// OpKind selects the syscall an Op performs in the child.
type OpKind uint8

const (
	// OpClose closes Fd. Failures are ignored; the descriptor census
	// may contain entries that are already gone by replay time.
	OpClose OpKind = iota
	// OpDup duplicates Fd to To with dup3 (no flags). The compiler
	// never emits Fd == To, which dup3 rejects.
	OpDup
	// OpDupCloexec duplicates Fd to To with dup3(O_CLOEXEC). Only used
	// to move the error channel out of the way of a mapping target;
	// the child updates its record of the channel on success.
	OpDupCloexec
)

// Op is a single child-side descriptor operation.
type Op struct {
	Kind OpKind
	Fd   int
	To   int
}

// Compile turns a remap plan into the operation sequence the child
// replays. open is the census of currently-open descriptors; dontClose
// marks descriptors that must survive the purge (every mapping's
// Current must be in it); errFd is the error channel's write end.
//
// The sequence first purges every inherited descriptor outside
// dontClose, then relocates every non-identity mapping to a fresh slot
// above all observed descriptors so that no install can clobber a
// still-needed source, then installs each mapping at its target and
// closes the relocation slots. The error channel itself is relocated
// (keeping close-on-exec) if some mapping targets its slot.
func Compile(mappings []Mapping, dontClose map[int]bool, open []int, errFd int) []Op {
	maxFd := errFd
	for _, fd := range open {
		if fd > maxFd {
			maxFd = fd
		}
	}
	for _, m := range mappings {
		if m.Target > maxFd {
			maxFd = m.Target
		}
		if m.Current > maxFd {
			maxFd = m.Current
		}
	}

	var ops []Op

	// Purge inherited descriptors. The error channel is kept here and
	// closed by exec itself (close-on-exec).
	for _, fd := range open {
		if fd != errFd && !dontClose[fd] {
			ops = append(ops, Op{Kind: OpClose, Fd: fd})
		}
	}

	// Relocate every non-identity mapping to a fresh slot. Identity
	// mappings keep their descriptor as-is and must not be closed when
	// some other mapping's relocation frees the same number.
	selfMapped := make(map[int]bool)
	relocated := make([]Mapping, len(mappings))
	copy(relocated, mappings)
	var freed []int
	for i := range relocated {
		m := &relocated[i]
		if m.Current == m.Target {
			selfMapped[m.Current] = true
			continue
		}
		if m.Target == errFd {
			maxFd++
			ops = append(ops, Op{Kind: OpDupCloexec, Fd: errFd, To: maxFd})
			errFd = maxFd
		}
		maxFd++
		ops = append(ops, Op{Kind: OpDup, Fd: m.Current, To: maxFd})
		freed = append(freed, m.Current)
		m.Current = maxFd
	}
	for _, fd := range freed {
		if !selfMapped[fd] {
			ops = append(ops, Op{Kind: OpClose, Fd: fd})
		}
	}

	// Install each mapping at its target and drop the relocation slot.
	for _, m := range relocated {
		if m.Current == m.Target {
			continue
		}
		ops = append(ops, Op{Kind: OpDup, Fd: m.Current, To: m.Target})
		if !selfMapped[m.Current] {
			ops = append(ops, Op{Kind: OpClose, Fd: m.Current})
		}
	}

	return ops
}
