//go:build linux

package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pipeweld: %v\n", err)
		os.Exit(1)
	}
}
