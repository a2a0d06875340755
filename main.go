// Package main is the entry point for the opte packet transformation daemon and CLI.
package main

import (
	"fmt"
	"os"

	"github.com/jmpesp/opte/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
