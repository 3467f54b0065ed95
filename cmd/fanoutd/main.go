package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCommand().Execute(); err != nil {
		// Signal-driven shutdown surfaces as context.Canceled; nothing to print.
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "fanoutd: %v\n", err)
		}
		return 1
	}
	return 0
}
