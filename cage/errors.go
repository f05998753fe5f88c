//go:build linux

package cage

import "errors"

// Error kinds surfaced by the pipeline.
//
// None of these are caught or retried inside this package; every failure
// propagates unmodified (wrapped with %w) to the caller, which is expected to
// report it and terminate with a non-zero status.
var (
	// ErrMissingConfig is returned by LoadLayers when no config file with the
	// requested name exists anywhere in the directory hierarchy. It is
	// recoverable: callers may substitute [DefaultConfig] as a fallback.
	ErrMissingConfig = errors.New("no config file found")

	// ErrInvalidMountRecord is returned when a mount record's option field is
	// neither a structured option set nor a legacy flag token.
	ErrInvalidMountRecord = errors.New("invalid mount record")

	// ErrNonAbsolutePath is returned when the sandbox working directory does
	// not resolve to an absolute path.
	ErrNonAbsolutePath = errors.New("sandbox working directory is not absolute")

	// ErrNoCommand is returned when no command was resolved from any source.
	ErrNoCommand = errors.New("no command specified")

	// ErrLauncherNotFound is returned when the bwrap executable is absent.
	ErrLauncherNotFound = errors.New("bwrap not found in PATH (try installing with: nix-env -iA nixpkgs.bubblewrap)")

	// ErrWorkingDirectoryNotFound is returned when an explicitly requested
	// starting directory does not exist.
	ErrWorkingDirectoryNotFound = errors.New("working directory does not exist")
)
