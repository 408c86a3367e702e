package main

import (
	"os"
)

// Operator CLI for a running gateway.
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
