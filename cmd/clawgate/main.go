// Package main provides the entry point for the clawgate CLI.
package main

import (
	"os"

	"github.com/liteclaw/clawgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
