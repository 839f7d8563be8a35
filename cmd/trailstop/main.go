package main

import (
	"os"

	"github.com/tradekit/trailstop/cmd/trailstop/commands"
)

// main is the entry point for the trailstop CLI
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
