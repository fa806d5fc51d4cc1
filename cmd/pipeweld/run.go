//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/farberbrodsky/pipeweld/pkg/capture"
	"github.com/farberbrodsky/pipeweld/pkg/pipe"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run -- <path> [args...] [| <path> [args...]]...",
		Short: "Run a pipeline of commands and print its output",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return errors.New("a command to execute is required; use -- to separate CLI flags from the command")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			argvs, err := splitPipeline(args)
			if err != nil {
				return err
			}

			p, err := pipe.NewPipeline(argvs...)
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.BindInput(0); err != nil {
				return err
			}
			buf := capture.NewBuffer()
			if err := p.Capture(buf); err != nil {
				return err
			}

			if err := p.Run(); err != nil {
				return err
			}
			statuses, err := p.Wait()
			if err != nil {
				return err
			}
			buf.Stop()

			if _, err := os.Stdout.Write(buf.Bytes()); err != nil {
				return err
			}

			// Shell convention: the pipeline's status is the last
			// command's status.
			last := statuses[len(statuses)-1]
			switch {
			case last.Exited() && last.ExitStatus() != 0:
				os.Exit(last.ExitStatus())
			case last.Signaled():
				os.Exit(128 + int(last.Signal()))
			}
			return nil
		},
	}
	return cmd
}

// splitPipeline cuts the argument list on "|" tokens into one argument
// vector per command.
func splitPipeline(args []string) ([][]string, error) {
	var argvs [][]string
	cur := []string{}
	for _, a := range args {
		if a == "|" {
			if len(cur) == 0 {
				return nil, fmt.Errorf("empty command before %q", a)
			}
			argvs = append(argvs, cur)
			cur = []string{}
			continue
		}
		cur = append(cur, a)
	}
	if len(cur) == 0 {
		return nil, errors.New("empty command at end of pipeline")
	}
	argvs = append(argvs, cur)
	return argvs, nil
}
