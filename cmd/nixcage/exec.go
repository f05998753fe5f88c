package main

import (
	"github.com/nixcage/nixcage/cage"
	"golang.org/x/sys/unix"
)

// execve replaces the current process image with the launcher invocation.
// It only returns on failure.
//
// Declared as a variable so tests can intercept the handoff.
var execve = func(invocation *cage.Invocation) error {
	return unix.Exec(invocation.Path, invocation.Args, invocation.Env)
}
