// cmd/recall is the command-line entry point for the Recall memory
// engine. It wires the configured item store, vector index, and model
// gateway into an engine and exposes the engine's operations as
// subcommands: retrieve, write, compact, and the inspection and repair
// tooling around them.
package main

import (
	"log"
	"os"
)

func main() {
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
