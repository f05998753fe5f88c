//go:build linux

package cage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BindKind tags a planned bind instruction.
type BindKind int

const (
	// BindReadWrite maps to bwrap's --bind.
	BindReadWrite BindKind = iota + 1
	// BindReadOnly maps to bwrap's --ro-bind.
	BindReadOnly
	// BindDev maps to bwrap's --dev-bind.
	BindDev
	// BindTmpfs maps to bwrap's --tmpfs (a fresh empty filesystem, no host
	// source).
	BindTmpfs
)

func bindKindName(kind BindKind) string {
	switch kind {
	case BindReadWrite:
		return "rw"
	case BindReadOnly:
		return "ro"
	case BindDev:
		return "dev"
	case BindTmpfs:
		return "tmpfs"
	default:
		return fmt.Sprintf("unknown(%d)", kind)
	}
}

// BindInstruction is one concrete, ordered bind operation.
type BindInstruction struct {
	Kind BindKind

	// Src is the absolute host source path. Empty for tmpfs mounts.
	Src string

	// Dst is the absolute destination path inside the sandbox.
	Dst string

	// Perms is an optional permission override, emitted as a --perms flag
	// immediately before the bind flag. Zero means no override.
	Perms os.FileMode
}

// Plan converts the four expanded mount lists into a correctly ordered
// sequence of bind instructions.
//
// Relative sandbox-side paths are resolved against sandboxCwd (which must be
// absolute, otherwise an error wrapping [ErrNonAbsolutePath] is returned);
// relative host-side paths are resolved against env.WorkDir. Binds marked
// Create get their host path created before the invocation is built; an
// already-existing path is left untouched.
//
// Instructions are sorted by ascending path-segment depth of the destination,
// and instructions at equal depth keep the accumulation order from merge
// (read-write, read-only, device, tmpfs lists in that order, each in
// insertion order). A mount target must be established before any mount
// nested underneath it, otherwise a later shallow mount would silently shadow
// an already-placed deeper bind. This is a correctness invariant, not an
// optimization.
func Plan(mounts Mounts, sandboxCwd string, env Environment, debugf Debugf) ([]BindInstruction, error) {
	if !filepath.IsAbs(sandboxCwd) {
		return nil, fmt.Errorf("%w: %q", ErrNonAbsolutePath, sandboxCwd)
	}

	total := len(mounts.ReadWrite) + len(mounts.ReadOnly) + len(mounts.Dev) + len(mounts.Tmpfs)
	instructions := make([]BindInstruction, 0, total)

	appendBinds := func(kind BindKind, binds []Bind) error {
		for _, bind := range binds {
			instruction, err := bindInstruction(kind, bind, sandboxCwd, env)
			if err != nil {
				return err
			}

			instructions = append(instructions, instruction)
		}

		return nil
	}

	for _, group := range []struct {
		kind  BindKind
		binds []Bind
	}{
		{BindReadWrite, mounts.ReadWrite},
		{BindReadOnly, mounts.ReadOnly},
		{BindDev, mounts.Dev},
		{BindTmpfs, mounts.Tmpfs},
	} {
		err := appendBinds(group.kind, group.binds)
		if err != nil {
			return nil, err
		}
	}

	// Stable: destinations of equal depth keep accumulation order.
	sort.SliceStable(instructions, func(i, j int) bool {
		return pathDepth(instructions[i].Dst) < pathDepth(instructions[j].Dst)
	})

	if debugf != nil {
		for _, instruction := range instructions {
			debugf("cage(planning): %s src=%q dst=%q perms=%#o", bindKindName(instruction.Kind), instruction.Src, instruction.Dst, uint32(instruction.Perms)&0o7777)
		}
	}

	return instructions, nil
}

func bindInstruction(kind BindKind, bind Bind, sandboxCwd string, env Environment) (BindInstruction, error) {
	if strings.TrimSpace(bind.To) == "" {
		return BindInstruction{}, fmt.Errorf("%s mount has empty destination", bindKindName(kind))
	}

	dst := bind.To
	if !filepath.IsAbs(dst) {
		dst = filepath.Join(sandboxCwd, dst)
	}

	instruction := BindInstruction{Kind: kind, Dst: filepath.Clean(dst), Perms: bind.Perms}

	if kind == BindTmpfs {
		return instruction, nil
	}

	src := bind.From
	if src == "" {
		src = bind.To
	}

	if !filepath.IsAbs(src) {
		src = filepath.Join(env.WorkDir, src)
	}

	instruction.Src = filepath.Clean(src)

	if bind.Create {
		err := ensureHostDir(instruction.Src)
		if err != nil {
			return BindInstruction{}, err
		}
	}

	return instruction, nil
}

// ensureHostDir creates a missing host source directory. Existing paths are
// left untouched, whatever their type.
func ensureHostDir(path string) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}

	if !os.IsNotExist(err) {
		return fmt.Errorf("stat mount source %q: %w", path, err)
	}

	err = os.MkdirAll(path, 0o755)
	if err != nil {
		return fmt.Errorf("create mount source %q: %w", path, err)
	}

	return nil
}

// pathDepth returns the number of path segments in a cleaned absolute path;
// "/" has depth zero.
func pathDepth(path string) int {
	cleaned := filepath.Clean(path)
	if cleaned == "/" {
		return 0
	}

	return strings.Count(cleaned, "/")
}
