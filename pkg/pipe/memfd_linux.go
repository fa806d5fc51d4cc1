//go:build linux

package pipe

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// InToStream creates a capture sink: an input endpoint backed by an
// anonymous memory file. A child whose output is bound to it writes
// into the file; Wait on that command copies the file's contents into
// w. The endpoint's Close releases the file.
//
// The file is created without close-on-exec: it must be inheritable so
// the launch can hand it to the child.
func InToStream(w io.Writer) (*InPipe, error) {
	fd, err := unix.MemfdCreate("pipeweld", 0)
	if err != nil {
		return nil, fmt.Errorf("pipe: memfd_create: %w", err)
	}
	return &InPipe{kind: inStream, memfd: fd, w: w, writeEnd: -1}, nil
}
