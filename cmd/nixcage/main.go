package main

import "os"

// Build metadata, overridden via -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(Run(os.Stdout, os.Stderr, os.Args))
}
