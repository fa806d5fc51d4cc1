// Package pipe builds and launches chains of child processes, wiring
// arbitrary file descriptors between them and between the parent and
// its children.
//
// The caller composes a graph whose nodes are commands and whose edges
// are typed pipe endpoints. Launching a command materializes its part
// of the graph as kernel pipes, descriptor redirections and a
// fork/exec transition; waiting reaps the child and copies any
// in-memory capture into its destination stream.
//
// The library performs no internal synchronization: all operations on
// one Command must come from a single goroutine. Concurrency comes
// from the child processes themselves.
package pipe

import (
	"io"
	"log"

	"golang.org/x/sys/unix"
)

var logger = log.New(io.Discard, "pipe: ", log.LstdFlags)

type inKind uint8

const (
	inPeer inKind = iota
	inFd
	inStream
)

type outKind uint8

const (
	outPeer outKind = iota
	outFd
)

// InPipe is an input endpoint: a description of where the data a
// command reads at one of its descriptors comes from. It is either a
// borrowed parent descriptor (InFromFd), an in-memory capture sink
// (InToStream), or one end of an edge to another command's OutPipe
// (created implicitly by Command.PipeInFd).
//
// Peer endpoints are owned by their command; free-standing endpoints
// are owned by the caller, who must keep them alive until every
// command bound to them has finished.
type InPipe struct {
	src  *OutPipe // bound edge, nil until bound
	kind inKind

	// peer variant
	owner *Command
	fd    int
	// Parent-side write end of the kernel pipe, stashed here when the
	// owning command launches before its peer. -1 when absent.
	writeEnd int

	// borrowed variant
	realFd int

	// stream variant
	memfd int
	w     io.Writer
}

// OutPipe is an output endpoint: where the data a command writes at
// one of its descriptors goes. It is either a borrowed parent
// descriptor (OutFromFd) or one end of an edge to another command's
// InPipe. There is no direct-stream output variant; capture sinks
// exist on input endpoints only.
type OutPipe struct {
	dst  *InPipe // bound edge, nil until bound
	kind outKind

	// peer variant
	owner *Command
	fd    int
	// Parent-side read end of the kernel pipe, stashed here when the
	// owning command launches before its peer. -1 when absent.
	readEnd int

	// borrowed variant
	realFd int
}

// InFromFd borrows a parent-owned descriptor as an input endpoint.
// The library never closes a borrowed descriptor.
func InFromFd(fd int) *InPipe {
	return &InPipe{kind: inFd, realFd: fd, writeEnd: -1, memfd: -1}
}

// OutFromFd borrows a parent-owned descriptor as an output endpoint.
func OutFromFd(fd int) *OutPipe {
	return &OutPipe{kind: outFd, realFd: fd, readEnd: -1}
}

// Close releases any kernel descriptor the endpoint still owns:
// a stashed pipe end or a capture sink's anonymous file. Borrowed
// descriptors are left alone. Safe to call more than once.
func (p *InPipe) Close() error {
	switch p.kind {
	case inPeer:
		if p.writeEnd != -1 {
			unix.Close(p.writeEnd)
			p.writeEnd = -1
		}
	case inStream:
		if p.memfd != -1 {
			unix.Close(p.memfd)
			p.memfd = -1
		}
	}
	return nil
}

// Close releases a stashed pipe end, if any.
func (p *OutPipe) Close() error {
	if p.kind == outPeer && p.readEnd != -1 {
		unix.Close(p.readEnd)
		p.readEnd = -1
	}
	return nil
}
