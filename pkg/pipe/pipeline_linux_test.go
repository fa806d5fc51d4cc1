//go:build linux

package pipe

import (
	"bytes"
	"errors"
	"testing"
)

func TestPipelineSingle(t *testing.T) {
	p, err := NewPipeline([]string{"/usr/bin/echo", "hi"})
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	defer p.Close()

	var out bytes.Buffer
	if err := p.Capture(&out); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if err := p.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	statuses, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(statuses) != 1 || !statuses[0].Exited() || statuses[0].ExitStatus() != 0 {
		t.Fatalf("statuses %v", statuses)
	}
	if out.String() != "hi\n" {
		t.Fatalf("got %q", out.String())
	}
}

func TestPipelineChain(t *testing.T) {
	p, err := NewPipeline(
		[]string{"/usr/bin/echo", "-e", "abc\nworld\nthis\nworks\nhello world\nasdf"},
		[]string{"/usr/bin/grep", "hello"},
	)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	defer p.Close()

	var out bytes.Buffer
	if err := p.Capture(&out); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if err := p.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	statuses, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	for i, ws := range statuses {
		if !ws.Exited() || ws.ExitStatus() != 0 {
			t.Fatalf("command %d status %#x", i, int(ws))
		}
	}
	if out.String() != "hello world\n" {
		t.Fatalf("got %q", out.String())
	}
}

func TestPipelineEmpty(t *testing.T) {
	if _, err := NewPipeline(); err == nil {
		t.Fatal("expected error for empty pipeline")
	}
}

func TestPipelineLaunchFailureKillsPrefix(t *testing.T) {
	p, err := NewPipeline(
		[]string{"/usr/bin/sleep", "60"},
		[]string{"/does/not/exist"},
	)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	defer p.Close()

	err = p.Run()
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("got %v, want NotFoundError", err)
	}
	if st := p.Commands()[0].State(); st != StateDone {
		t.Fatalf("prefix command state %v, want StateDone", st)
	}
}
