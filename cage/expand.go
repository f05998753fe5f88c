//go:build linux

package cage

import (
	"maps"
	"os"
	"strings"
)

// Expand resolves all variable references in cfg in place.
//
// It runs in two steps, strictly ordered because paths may reference
// environment values:
//
//  1. The config environment is expanded to a fixed point against the union
//     of the host snapshot and the config's own entries (config entries take
//     precedence per key). cfg.Environment is replaced with the result.
//  2. Every bind's host-side and sandbox-side path and the sandbox working
//     directory are expanded against the union from step one. Identity binds
//     get their host side materialized here.
//
// Token forms are $NAME, ${NAME}, and a bare "~" (only when the whole token
// is "~", not as a path-interior character). Host-side "~" resolves to the
// real host home directory; sandbox-side "~" resolves to the HOME value of
// the expanded environment, falling back to the host home. Unknown variables
// expand to the empty string.
//
// A mutually or self-referential set of environment variables never
// converges; that is a caller-input hazard this function does not guard
// against.
func Expand(cfg *Config, env Environment) {
	expanded, union := expandEnvironment(cfg.Environment, env)
	cfg.Environment = expanded

	sandboxHome := union["HOME"]
	if sandboxHome == "" {
		sandboxHome = env.HomeDir
	}

	for _, binds := range []([]Bind){cfg.Mounts.ReadWrite, cfg.Mounts.ReadOnly, cfg.Mounts.Dev} {
		for i := range binds {
			from := binds[i].From
			if from == "" {
				from = binds[i].To
			}

			binds[i].From = expandString(from, union, env.HomeDir)
			binds[i].To = expandString(binds[i].To, union, sandboxHome)
		}
	}

	// A tmpfs has no host source; only the sandbox side is expanded.
	for i := range cfg.Mounts.Tmpfs {
		cfg.Mounts.Tmpfs[i].To = expandString(cfg.Mounts.Tmpfs[i].To, union, sandboxHome)
	}

	if cfg.SandboxCwd != "" {
		cfg.SandboxCwd = expandString(cfg.SandboxCwd, union, sandboxHome)
	}
}

// expandEnvironment expands cfgEnv to a fixed point and returns the expanded
// config entries plus the full union they were resolved against.
//
// The per-pass iteration order does not matter: passes repeat until a full
// pass produces no change, so the result is order-independent.
func expandEnvironment(cfgEnv map[string]string, env Environment) (map[string]string, map[string]string) {
	union := make(map[string]string, len(env.HostEnv)+len(cfgEnv))
	maps.Copy(union, env.HostEnv)

	out := make(map[string]string, len(cfgEnv))
	maps.Copy(out, cfgEnv)
	maps.Copy(union, out)

	for {
		changed := false

		for key, value := range out {
			expanded := expandString(value, union, env.HomeDir)
			if expanded != value {
				out[key] = expanded
				union[key] = expanded
				changed = true
			}
		}

		if !changed {
			return out, union
		}
	}
}

// expandString substitutes $NAME / ${NAME} references from vars and resolves
// a leading whole-token "~" against home.
func expandString(s string, vars map[string]string, home string) string {
	switch {
	case s == "~":
		s = home
	case strings.HasPrefix(s, "~/"):
		s = home + s[1:]
	}

	return os.Expand(s, func(name string) string {
		return vars[name]
	})
}
