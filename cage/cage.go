//go:build linux

// Package cage builds bubblewrap (bwrap) invocations from declarative,
// layered configuration.
//
// The package does not implement any isolation itself; it resolves a stack of
// config layers into one concrete launcher invocation and leaves the actual
// process replacement to the caller.
//
// # Pipeline
//
// The stages run in a fixed order, each consuming only the previous stage's
// output:
//
//	LoadLayers -> Expand -> Plan -> Build
//
// LoadLayers discovers config files across the directory hierarchy and folds
// them into one Config via [Merge]. Expand resolves $NAME, ${NAME} and "~"
// references in place. Plan orders the bind mounts so parents are always
// established before children. Build assembles the final bwrap argv.
//
// # Platform / Dependencies
//
// This package is Linux-only (see the build tag above) and requires the
// `bwrap` executable to be available in PATH when Build runs.
package cage

import (
	"fmt"
	"os"
	"strings"
)

// Environment is a snapshot of the host process environment.
//
// All stages take an explicit Environment instead of reading ambient global
// state, which keeps them deterministic and independently testable.
type Environment struct {
	// HomeDir is the host home directory.
	HomeDir string
	// WorkDir is the host working directory. Layer discovery walks its
	// ancestors, and relative host paths are resolved against it.
	WorkDir string
	// UID is the numeric user id, used to construct per-user runtime paths
	// such as /run/user/<uid>/pulse.
	UID int
	// HostEnv is a snapshot of environment variables (e.g. HOME, SHELL, TERM).
	//
	// It seeds variable expansion and becomes the environment of the bwrap
	// process itself. If nil, an empty environment is used.
	HostEnv map[string]string
}

// DefaultEnvironment returns an Environment derived from the current process.
//
// HomeDir is resolved from os.UserHomeDir(), WorkDir from os.Getwd(), UID from
// os.Getuid(). HostEnv is populated from os.Environ(); invalid KEY=VALUE
// entries are ignored.
func DefaultEnvironment() (Environment, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return Environment{}, fmt.Errorf("get working directory: %w", err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Environment{}, fmt.Errorf("get home directory: %w", err)
	}

	hostEnv := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}

		hostEnv[key] = value
	}

	return Environment{
		HomeDir: homeDir,
		WorkDir: workDir,
		UID:     os.Getuid(),
		HostEnv: hostEnv,
	}, nil
}

// runtimeDir returns the per-user runtime directory for this environment.
//
// A UID value from the environment snapshot takes precedence so containers
// that export UID explicitly keep working.
func (e Environment) runtimeDir() string {
	if uid := e.HostEnv["UID"]; uid != "" {
		return "/run/user/" + uid
	}

	return fmt.Sprintf("/run/user/%d", e.UID)
}

// Debugf receives debug messages from layer loading, planning and command
// construction.
//
// The function should be safe to call from any goroutine.
type Debugf func(format string, args ...any)
