//go:build linux

package pipe

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Pipeline chains commands left to right, each command's stdout feeding
// the next command's stdin. It is a convenience layer over Command and
// the endpoint model; the commands remain accessible for extra wiring
// before Run.
type Pipeline struct {
	id   string
	cmds []*Command
	sink *InPipe
}

// NewPipeline builds a pipeline from one argument vector per command
// and connects the interior stdout→stdin edges.
func NewPipeline(argvs ...[]string) (*Pipeline, error) {
	if len(argvs) == 0 {
		return nil, errors.New("pipe: pipeline needs at least one command")
	}
	p := &Pipeline{id: uuid.NewString()}
	for _, argv := range argvs {
		c, err := NewCommand(argv...)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", p.id, err)
		}
		p.cmds = append(p.cmds, c)
	}
	for i := 0; i+1 < len(p.cmds); i++ {
		if _, err := p.cmds[i+1].PipeInFdFrom(0, p.cmds[i].PipeOutFd(1)); err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", p.id, err)
		}
	}
	return p, nil
}

// ID returns the pipeline's identifier, used in wrapped errors.
func (p *Pipeline) ID() string { return p.id }

// Commands returns the pipeline's commands in chain order.
func (p *Pipeline) Commands() []*Command { return p.cmds }

// Capture binds the last command's stdout to an in-memory sink whose
// contents are copied into w when that command is waited on.
func (p *Pipeline) Capture(w io.Writer) error {
	sink, err := InToStream(w)
	if err != nil {
		return fmt.Errorf("pipeline %s: %w", p.id, err)
	}
	last := p.cmds[len(p.cmds)-1]
	if _, err := last.PipeOutFdTo(1, sink); err != nil {
		sink.Close()
		return fmt.Errorf("pipeline %s: %w", p.id, err)
	}
	p.sink = sink
	return nil
}

// BindInput feeds the first command's stdin from a borrowed parent
// descriptor.
func (p *Pipeline) BindInput(fd int) error {
	if _, err := p.cmds[0].PipeInFdFrom(0, OutFromFd(fd)); err != nil {
		return fmt.Errorf("pipeline %s: %w", p.id, err)
	}
	return nil
}

// BindOutput sends the last command's stdout to a borrowed parent
// descriptor.
func (p *Pipeline) BindOutput(fd int) error {
	last := p.cmds[len(p.cmds)-1]
	if _, err := last.PipeOutFdTo(1, InFromFd(fd)); err != nil {
		return fmt.Errorf("pipeline %s: %w", p.id, err)
	}
	return nil
}

// Run launches every command. Launch order does not matter for the
// interior edges; a launch failure kills and reaps the already-running
// prefix so no child outlives the error.
func (p *Pipeline) Run() error {
	for i, c := range p.cmds {
		if err := c.Run(); err != nil {
			for _, started := range p.cmds[:i] {
				started.Close()
			}
			return fmt.Errorf("pipeline %s: %w", p.id, err)
		}
	}
	return nil
}

// Wait reaps every command in chain order, draining capture sinks, and
// returns the raw wait statuses.
func (p *Pipeline) Wait() ([]unix.WaitStatus, error) {
	statuses := make([]unix.WaitStatus, 0, len(p.cmds))
	for _, c := range p.cmds {
		ws, err := c.Wait()
		if err != nil {
			return statuses, fmt.Errorf("pipeline %s: %w", p.id, err)
		}
		statuses = append(statuses, ws)
	}
	return statuses, nil
}

// Close tears down every command (killing still-running children) and
// releases the capture sink, if any.
func (p *Pipeline) Close() error {
	for _, c := range p.cmds {
		c.Close()
	}
	if p.sink != nil {
		p.sink.Close()
	}
	return nil
}
