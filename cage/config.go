//go:build linux

package cage

import (
	"maps"
	"os"
	"slices"
)

// Mode selects the merge policy a config applies when later layers are folded
// into it.
type Mode string

const (
	// ModeExpand accumulates mounts and flags across layers.
	ModeExpand Mode = "expand"
	// ModeReplace discards accumulated mounts and arguments; the incoming
	// layer's values replace them wholesale.
	ModeReplace Mode = "replace"
)

// Bind is one mount declaration.
type Bind struct {
	// To is the sandbox-side path. Required.
	To string

	// From is the host-side path. Empty means "same as To" (an identity
	// bind); the expander materializes it before planning.
	//
	// Invariant: tmpfs binds never carry a From (a tmpfs has no host source).
	From string

	// Create requests that From is created on the host if missing.
	Create bool

	// Perms is an optional file-mode override emitted as a --perms flag
	// immediately before the bind. Zero means no override.
	Perms os.FileMode
}

// Mounts holds the four distinct, ordered bind lists. Order within each list
// is insertion order and is semantically significant: the planner uses it as
// the tie-break between destinations of equal depth.
type Mounts struct {
	ReadWrite []Bind
	ReadOnly  []Bind
	Dev       []Bind
	Tmpfs     []Bind
}

// Arguments holds launcher passthrough flags and the in-sandbox command.
type Arguments struct {
	// ExtraFlags are raw bwrap flags passed through verbatim, in declaration
	// order.
	ExtraFlags []string

	// Command is the program and its arguments to run inside the sandbox.
	// It is always a vector: the deserialization boundary normalizes a
	// single-string command into a one-element vector, so nothing downstream
	// branches on the original shape.
	Command []string
}

// Config is the top-level configuration unit.
//
// A Config is created as a host-derived default ([DefaultConfig]), an empty
// skeleton, or a deserialized layer. Layers are combined with [Merge] in a
// strict left-to-right fold, and the fully merged Config is consumed exactly
// once by the Expand/Plan/Build pipeline.
type Config struct {
	// Mode selects the merge policy applied when further layers are folded
	// into this config. Empty behaves like ModeExpand.
	Mode Mode

	Mounts      Mounts
	Environment map[string]string
	Arguments   Arguments

	// SandboxCwd is the working directory inside the sandbox.
	SandboxCwd string

	// Capability flags. Each is tri-state: nil means no layer has expressed
	// an opinion, which is distinct from an explicit false. The distinction
	// is collapsed only at final use, in Build.
	X11        *bool
	Wayland    *bool
	Pulseaudio *bool
	DRI        *bool
}

// DefaultConfig returns the host-derived default configuration: a writable
// working directory and /nix/store plus /etc visible read-only, all devices
// bound, and a fresh tmpfs over the home directory. The command defaults to
// the host shell.
func DefaultConfig(env Environment) Config {
	cfg := Config{
		Mode: ModeExpand,
		Mounts: Mounts{
			ReadWrite: []Bind{{To: env.WorkDir}},
			ReadOnly:  []Bind{{To: "/nix/store"}, {To: "/etc"}},
			Dev:       []Bind{{To: "/dev"}},
			Tmpfs:     []Bind{{To: "~"}},
		},
		Environment: map[string]string{},
		SandboxCwd:  env.WorkDir,
	}

	for _, key := range []string{"HOME", "TERM", "SHELL"} {
		if value, ok := env.HostEnv[key]; ok {
			cfg.Environment[key] = value
		}
	}

	// Nix-store related variables keep nix-built software working inside the
	// cage (NIX_PATH, NIX_PROFILES, NIX_SSL_CERT_FILE, ...).
	for key, value := range env.HostEnv {
		if len(key) > 4 && key[:4] == "NIX_" {
			cfg.Environment[key] = value
		}
	}

	if shell := env.HostEnv["SHELL"]; shell != "" {
		cfg.Arguments.Command = []string{shell}
	}

	return cfg
}

// Merge combines incoming into base according to base's merge mode and
// returns the result. Neither input is modified, and the result shares no
// slices or maps with either.
//
// In expand mode (the default), mount lists and extra flags are concatenated
// base-first, the command is replaced only when incoming specifies one, and
// each capability flag becomes the logical AND of both sides when both are
// set, otherwise whichever side is set. A distant layer can therefore allow a
// capability and any nearer layer can still revoke it, but no merge ever
// grants a capability neither side declared.
//
// In replace mode, incoming's mounts and arguments wholly replace base's, and
// capability flags from incoming override base's wherever incoming defines
// them.
//
// In both modes the environment is merged as a plain key union with incoming
// taking precedence per key, and the sandbox working directory is replaced
// when incoming provides one.
//
// Merge is left-associative and not commutative; layers must be folded in
// strict eldest-to-nearest order.
func Merge(base, incoming *Config) Config {
	var out Config

	switch base.Mode {
	case ModeReplace:
		out.Mounts = cloneMounts(incoming.Mounts)
		out.Arguments.ExtraFlags = slices.Clone(incoming.Arguments.ExtraFlags)
		out.Arguments.Command = slices.Clone(incoming.Arguments.Command)

		out.X11 = overrideFlag(base.X11, incoming.X11)
		out.Wayland = overrideFlag(base.Wayland, incoming.Wayland)
		out.Pulseaudio = overrideFlag(base.Pulseaudio, incoming.Pulseaudio)
		out.DRI = overrideFlag(base.DRI, incoming.DRI)

	default: // ModeExpand and the zero value
		out.Mounts = Mounts{
			ReadWrite: concatBinds(base.Mounts.ReadWrite, incoming.Mounts.ReadWrite),
			ReadOnly:  concatBinds(base.Mounts.ReadOnly, incoming.Mounts.ReadOnly),
			Dev:       concatBinds(base.Mounts.Dev, incoming.Mounts.Dev),
			Tmpfs:     concatBinds(base.Mounts.Tmpfs, incoming.Mounts.Tmpfs),
		}

		out.Arguments.ExtraFlags = append(slices.Clone(base.Arguments.ExtraFlags), incoming.Arguments.ExtraFlags...)

		out.Arguments.Command = slices.Clone(base.Arguments.Command)
		if len(incoming.Arguments.Command) > 0 {
			out.Arguments.Command = slices.Clone(incoming.Arguments.Command)
		}

		out.X11 = combineFlag(base.X11, incoming.X11)
		out.Wayland = combineFlag(base.Wayland, incoming.Wayland)
		out.Pulseaudio = combineFlag(base.Pulseaudio, incoming.Pulseaudio)
		out.DRI = combineFlag(base.DRI, incoming.DRI)
	}

	out.Environment = make(map[string]string, len(base.Environment)+len(incoming.Environment))
	maps.Copy(out.Environment, base.Environment)
	maps.Copy(out.Environment, incoming.Environment)

	out.SandboxCwd = base.SandboxCwd
	if incoming.SandboxCwd != "" {
		out.SandboxCwd = incoming.SandboxCwd
	}

	// The incoming layer's mode governs how the next layer is folded in.
	out.Mode = base.Mode
	if incoming.Mode != "" {
		out.Mode = incoming.Mode
	}

	return out
}

func concatBinds(base, incoming []Bind) []Bind {
	if len(base)+len(incoming) == 0 {
		return nil
	}

	out := make([]Bind, 0, len(base)+len(incoming))
	out = append(out, base...)
	out = append(out, incoming...)

	return out
}

// combineFlag implements the expand-mode tri-state combination:
// both set -> AND, one set -> that side, neither -> unset.
func combineFlag(base, incoming *bool) *bool {
	if base == nil {
		return cloneFlag(incoming)
	}

	if incoming == nil {
		return cloneFlag(base)
	}

	v := *base && *incoming

	return &v
}

// overrideFlag implements the replace-mode combination: incoming wins
// wherever it is set.
func overrideFlag(base, incoming *bool) *bool {
	if incoming != nil {
		return cloneFlag(incoming)
	}

	return cloneFlag(base)
}

func cloneFlag(flag *bool) *bool {
	if flag == nil {
		return nil
	}

	v := *flag

	return &v
}

func cloneMounts(mounts Mounts) Mounts {
	return Mounts{
		ReadWrite: slices.Clone(mounts.ReadWrite),
		ReadOnly:  slices.Clone(mounts.ReadOnly),
		Dev:       slices.Clone(mounts.Dev),
		Tmpfs:     slices.Clone(mounts.Tmpfs),
	}
}
