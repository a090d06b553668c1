// Package main is the entry point for the codecmux application.
package main

import (
	"os"

	"github.com/jmylchreest/codecmux/cmd/codecmux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
