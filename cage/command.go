//go:build linux

package cage

import (
	"fmt"
	"os/exec"
	"sort"
)

// Invocation is the final launcher invocation: the resolved bwrap executable,
// its full argument vector (argv[0] included), and the process environment to
// hand it.
//
// Producing an Invocation is the pipeline's terminal transformation; actually
// replacing the process image is left to the caller.
type Invocation struct {
	Path string
	Args []string
	Env  []string
}

// Build assembles the launcher invocation from a fully merged and expanded
// config.
//
// Capability-driven mounts are appended before planning:
//   - X11 enabled: a read-only bind of $XAUTHORITY (when present in the
//     environment) and a read-write bind of the X11 socket directory.
//   - Wayland / Pulseaudio enabled: a read-only bind of the per-user runtime
//     socket path.
//   - DRI enabled: a read-only bind of /dev/dri. DRI not enabled: a tmpfs
//     over /dev/dri, stripping the GPU out of an otherwise broad device bind
//     (the tmpfs is deeper than /dev, so the depth rule orders it after).
//
// Build fails with an error wrapping [ErrLauncherNotFound] when bwrap is
// absent from PATH, and [ErrNoCommand] when no command was resolved from any
// source.
func Build(cfg *Config, env Environment, debugf Debugf) (*Invocation, error) {
	bwrapPath, err := exec.LookPath("bwrap")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLauncherNotFound, err)
	}

	mounts := cloneMounts(cfg.Mounts)
	appendCapabilityMounts(&mounts, cfg, env, debugf)

	instructions, err := Plan(mounts, cfg.SandboxCwd, env, debugf)
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, len(instructions)*3+len(cfg.Environment)*3+len(cfg.Arguments.ExtraFlags)+len(cfg.Arguments.Command)+8)
	args = append(args, bwrapPath)

	for _, instruction := range instructions {
		if instruction.Perms != 0 {
			// Full 12 bits: bwrap's --perms accepts up to 07777, and tmpfs
			// modes like 1777 carry the sticky bit.
			args = append(args, "--perms", fmt.Sprintf("%04o", uint32(instruction.Perms)&0o7777))
		}

		switch instruction.Kind {
		case BindReadWrite:
			args = append(args, "--bind", instruction.Src, instruction.Dst)
		case BindReadOnly:
			args = append(args, "--ro-bind", instruction.Src, instruction.Dst)
		case BindDev:
			args = append(args, "--dev-bind", instruction.Src, instruction.Dst)
		case BindTmpfs:
			args = append(args, "--tmpfs", instruction.Dst)
		default:
			return nil, fmt.Errorf("unknown bind kind %d (dst=%q)", instruction.Kind, instruction.Dst)
		}
	}

	// Sorted keys keep the argv deterministic across runs.
	envKeys := make([]string, 0, len(cfg.Environment))
	for key := range cfg.Environment {
		envKeys = append(envKeys, key)
	}

	sort.Strings(envKeys)

	for _, key := range envKeys {
		args = append(args, "--setenv", key, cfg.Environment[key])
	}

	args = append(args, "--chdir", cfg.SandboxCwd)
	args = append(args, cfg.Arguments.ExtraFlags...)

	if len(cfg.Arguments.Command) == 0 {
		return nil, ErrNoCommand
	}

	args = append(args, "--")
	args = append(args, cfg.Arguments.Command...)

	if debugf != nil {
		debugf("cage(command): bwrap=%q args=%d command=%q", bwrapPath, len(args), cfg.Arguments.Command)
	}

	return &Invocation{
		Path: bwrapPath,
		Args: args,
		Env:  envMapToSliceSorted(env.HostEnv),
	}, nil
}

// appendCapabilityMounts translates the tri-state capability flags into
// concrete binds. This is the only place where "unset" collapses into a
// concrete decision.
func appendCapabilityMounts(mounts *Mounts, cfg *Config, env Environment, debugf Debugf) {
	runtime := env.runtimeDir()

	if enabled(cfg.X11) {
		if xauth := lookupVar(cfg, env, "XAUTHORITY"); xauth != "" {
			mounts.ReadOnly = append(mounts.ReadOnly, Bind{To: xauth})
		}

		mounts.ReadWrite = append(mounts.ReadWrite, Bind{To: "/tmp/.X11-unix"})
	}

	if enabled(cfg.Wayland) {
		display := lookupVar(cfg, env, "WAYLAND_DISPLAY")
		if display == "" {
			display = "wayland-0"
		}

		mounts.ReadOnly = append(mounts.ReadOnly, Bind{To: runtime + "/" + display})
	}

	if enabled(cfg.Pulseaudio) {
		mounts.ReadOnly = append(mounts.ReadOnly, Bind{To: runtime + "/pulse"})
	}

	if enabled(cfg.DRI) {
		mounts.ReadOnly = append(mounts.ReadOnly, Bind{To: "/dev/dri"})
	} else {
		// Without the GPU capability, mask /dev/dri so a broad /dev device
		// bind does not leak it.
		mounts.Tmpfs = append(mounts.Tmpfs, Bind{To: "/dev/dri"})
	}

	if debugf != nil {
		debugf("cage(command): capabilities x11=%s wayland=%s pulseaudio=%s dri=%s", flagName(cfg.X11), flagName(cfg.Wayland), flagName(cfg.Pulseaudio), flagName(cfg.DRI))
	}
}

func enabled(flag *bool) bool {
	return flag != nil && *flag
}

func flagName(flag *bool) string {
	if flag == nil {
		return "unset"
	}

	return fmt.Sprintf("%t", *flag)
}

// lookupVar resolves a variable from the expanded config environment first,
// then from the host snapshot.
func lookupVar(cfg *Config, env Environment, name string) string {
	if value, ok := cfg.Environment[name]; ok {
		return value
	}

	return env.HostEnv[name]
}

// envMapToSliceSorted converts a map env to a sorted KEY=VALUE slice.
//
// Sorting improves determinism in tests and makes debug output stable.
func envMapToSliceSorted(env map[string]string) []string {
	if len(env) == 0 {
		return []string{}
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}

	return out
}
