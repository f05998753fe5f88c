//go:build linux

package cage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// DefaultConfigName is the layer filename searched for when the caller does
// not override it.
const DefaultConfigName = "nix-cage.json"

// LoadLayers discovers every config file named filename in the ancestor
// directories of env.WorkDir (from the filesystem root down to WorkDir) and
// folds them, eldest-first, into the host-derived default config.
//
// Outer/ancestor layers are applied first, so nearer/inner layers take
// precedence per the [Merge] rules.
//
// If no layer exists anywhere, LoadLayers returns an error wrapping
// [ErrMissingConfig]; callers may substitute [DefaultConfig] as a fallback
// policy.
func LoadLayers(filename string, env Environment, debugf Debugf) (Config, error) {
	layerPaths := make([]string, 0, 2)

	for _, dir := range ancestorDirs(env.WorkDir) {
		path := filepath.Join(dir, filename)

		ok, err := fileExists(path)
		if err != nil {
			return Config{}, err
		}

		if ok {
			layerPaths = append(layerPaths, path)
		}
	}

	if len(layerPaths) == 0 {
		return Config{}, fmt.Errorf("%w: no %s in %s or any ancestor directory", ErrMissingConfig, filename, env.WorkDir)
	}

	if debugf != nil {
		debugf("cage(loading): layers=%q", layerPaths)
	}

	cfg := DefaultConfig(env)

	for _, path := range layerPaths {
		layer, err := LoadLayerFile(path)
		if err != nil {
			return Config{}, err
		}

		cfg = Merge(&cfg, &layer)
	}

	return cfg, nil
}

// ancestorDirs returns every ancestor of dir from the filesystem root down to
// dir itself, in root-to-dir order.
func ancestorDirs(dir string) []string {
	dir = filepath.Clean(dir)

	dirs := []string{"/"}
	if dir == "/" || !filepath.IsAbs(dir) {
		return dirs
	}

	current := ""
	for _, part := range strings.Split(strings.TrimPrefix(dir, "/"), "/") {
		current += "/" + part
		dirs = append(dirs, current)
	}

	return dirs
}

// fileExists checks if a file exists and is not a directory.
// Returns (true, nil) if the file exists, (false, nil) if not found,
// or (false, error) for other errors (e.g. permission denied).
func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("checking file %s: %w", path, err)
	}

	return !info.IsDir(), nil
}

// LoadLayerFile reads and deserializes a single config layer.
//
// Layers named *.yaml / *.yml are parsed as YAML; everything else is parsed
// as JSON with comments and trailing commas allowed (JWCC via hujson). Both
// formats feed the same compatibility adapter, so legacy shorthands behave
// identically regardless of format.
func LoadLayerFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := standardizeLayer(path, data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var raw rawConfig

	err = json.Unmarshal(standardized, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg, err := raw.toConfig()
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// standardizeLayer converts layer bytes to plain JSON.
func standardizeLayer(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any

		err := yaml.Unmarshal(data, &doc)
		if err != nil {
			return nil, err
		}

		return json.Marshal(doc)
	default:
		return hujson.Standardize(data)
	}
}

// EncodeConfig serializes cfg in the canonical layer schema, suitable for
// --show-config output and for writing a starter config file.
func EncodeConfig(cfg *Config) ([]byte, error) {
	raw := rawFromConfig(cfg)

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	return append(data, '\n'), nil
}

// ----------------------------------------------------------------------------
// Compatibility adapter.
//
// Everything below isolates legacy deserialization shorthands (variable-length
// mount records, field-name aliases, nested legacy flag locations) so the
// canonical entity types stay free of version-compatibility branching.

type rawConfig struct {
	Mode        string            `json:"mode,omitempty"`
	Mounts      rawMounts         `json:"mounts"`
	Environment map[string]string `json:"environment,omitempty"`
	Arguments   rawArguments      `json:"arguments"`
	SandboxCwd  string            `json:"sandbox-cwd,omitempty"`

	X11        *bool `json:"x11,omitempty"`
	Wayland    *bool `json:"wayland,omitempty"`
	Pulseaudio *bool `json:"pulseaudio,omitempty"`
	DRI        *bool `json:"dri,omitempty"`

	// Flags is the legacy nested location for the capability flags. A
	// top-level flag always wins over its nested counterpart.
	Flags *rawFlags `json:"flags,omitempty"`
}

type rawFlags struct {
	X11        *bool `json:"x11,omitempty"`
	Wayland    *bool `json:"wayland,omitempty"`
	Pulseaudio *bool `json:"pulseaudio,omitempty"`
	DRI        *bool `json:"dri,omitempty"`
}

type rawMounts struct {
	RW    []rawBind `json:"rw,omitempty"`
	RO    []rawBind `json:"ro,omitempty"`
	Dev   []rawBind `json:"dev,omitempty"`
	Tmpfs []string  `json:"tmpfs,omitempty"`
}

type rawArguments struct {
	// Run and Command are equivalent; Command wins when both are present.
	Run     stringOrList `json:"run,omitempty"`
	Command stringOrList `json:"command,omitempty"`

	// Bwrap and ExtraFlags are equivalent; Bwrap wins when both are present.
	Bwrap      []string `json:"bwrap,omitempty"`
	ExtraFlags []string `json:"extra-flags,omitempty"`
}

// rawBind is a mount record of 1, 2, or 3-and-more elements.
//
//	"path"                      -> identity bind
//	["host"]                    -> identity bind
//	["host", "sandbox"]         -> bind
//	["host", "sandbox", {...}]  -> bind with named options (create, perms)
//	["host", "sandbox", "create", ...] -> legacy bare flag markers
type rawBind struct {
	From   string
	To     string
	Create bool
	Perms  os.FileMode
}

func (b *rawBind) UnmarshalJSON(data []byte) error {
	var single string

	if err := json.Unmarshal(data, &single); err == nil {
		*b = rawBind{To: single}

		return nil
	}

	var parts []json.RawMessage

	err := json.Unmarshal(data, &parts)
	if err != nil {
		return fmt.Errorf("%w: expected a path string or array, got %s", ErrInvalidMountRecord, data)
	}

	if len(parts) == 0 {
		return fmt.Errorf("%w: empty record", ErrInvalidMountRecord)
	}

	var from string

	err = json.Unmarshal(parts[0], &from)
	if err != nil {
		return fmt.Errorf("%w: host path must be a string, got %s", ErrInvalidMountRecord, parts[0])
	}

	if len(parts) == 1 {
		*b = rawBind{To: from}

		return nil
	}

	var to string

	err = json.Unmarshal(parts[1], &to)
	if err != nil {
		return fmt.Errorf("%w: sandbox path must be a string, got %s", ErrInvalidMountRecord, parts[1])
	}

	out := rawBind{From: from, To: to}

	for _, part := range parts[2:] {
		err = out.applyOption(part)
		if err != nil {
			return err
		}
	}

	*b = out

	return nil
}

// applyOption consumes one trailing record element: either a structured
// option set or a legacy bare flag marker.
func (b *rawBind) applyOption(data json.RawMessage) error {
	var legacy string

	if err := json.Unmarshal(data, &legacy); err == nil {
		switch legacy {
		case "create":
			b.Create = true

			return nil
		default:
			return fmt.Errorf("%w: unknown flag marker %q", ErrInvalidMountRecord, legacy)
		}
	}

	var opts struct {
		Create bool            `json:"create"`
		Perms  json.RawMessage `json:"perms"`
	}

	err := json.Unmarshal(data, &opts)
	if err != nil {
		return fmt.Errorf("%w: option field must be a structured set, got %s", ErrInvalidMountRecord, data)
	}

	if opts.Create {
		b.Create = true
	}

	if len(opts.Perms) > 0 {
		perms, err := parsePerms(opts.Perms)
		if err != nil {
			return err
		}

		b.Perms = perms
	}

	return nil
}

// parsePerms accepts an octal mode, written either as a string ("0755",
// "1777") or as a bare number. Bare numbers are read digit-for-digit as
// octal too, so an unquoted YAML `perms: 1777` means mode 1777, not decimal.
func parsePerms(data json.RawMessage) (os.FileMode, error) {
	var s string

	if err := json.Unmarshal(data, &s); err == nil {
		mode, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: permissions %q are not octal", ErrInvalidMountRecord, s)
		}

		return os.FileMode(mode), nil
	}

	var n json.Number

	err := json.Unmarshal(data, &n)
	if err != nil {
		return 0, fmt.Errorf("%w: permissions must be an octal string or number, got %s", ErrInvalidMountRecord, data)
	}

	mode, err := strconv.ParseUint(n.String(), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: permissions %s are not octal", ErrInvalidMountRecord, n)
	}

	return os.FileMode(mode), nil
}

func (b rawBind) MarshalJSON() ([]byte, error) {
	if b.From == "" && !b.Create && b.Perms == 0 {
		return json.Marshal(b.To)
	}

	from := b.From
	if from == "" {
		from = b.To
	}

	record := []any{from, b.To}

	if b.Create || b.Perms != 0 {
		opts := map[string]any{}
		if b.Create {
			opts["create"] = true
		}

		if b.Perms != 0 {
			opts["perms"] = fmt.Sprintf("%04o", uint32(b.Perms)&0o7777)
		}

		record = append(record, opts)
	}

	return json.Marshal(record)
}

// stringOrList accepts either a single string or an ordered sequence of
// strings, and always yields the normalized vector form.
type stringOrList []string

func (s *stringOrList) UnmarshalJSON(data []byte) error {
	var one string

	if err := json.Unmarshal(data, &one); err == nil {
		*s = stringOrList{one}

		return nil
	}

	var many []string

	err := json.Unmarshal(data, &many)
	if err != nil {
		return fmt.Errorf("command must be a string or an array of strings: %w", err)
	}

	*s = stringOrList(many)

	return nil
}

func (rc *rawConfig) toConfig() (Config, error) {
	mode := Mode(rc.Mode)

	switch mode {
	case "", ModeExpand, ModeReplace:
	default:
		return Config{}, fmt.Errorf("unknown mode %q", rc.Mode)
	}

	cfg := Config{
		Mode: mode,
		Mounts: Mounts{
			ReadWrite: bindsFromRaw(rc.Mounts.RW),
			ReadOnly:  bindsFromRaw(rc.Mounts.RO),
			Dev:       bindsFromRaw(rc.Mounts.Dev),
		},
		Environment: rc.Environment,
		SandboxCwd:  rc.SandboxCwd,
	}

	for _, path := range rc.Mounts.Tmpfs {
		cfg.Mounts.Tmpfs = append(cfg.Mounts.Tmpfs, Bind{To: path})
	}

	cfg.Arguments.Command = rc.Arguments.Command
	if len(cfg.Arguments.Command) == 0 {
		cfg.Arguments.Command = rc.Arguments.Run
	}

	cfg.Arguments.ExtraFlags = rc.Arguments.Bwrap
	if len(cfg.Arguments.ExtraFlags) == 0 {
		cfg.Arguments.ExtraFlags = rc.Arguments.ExtraFlags
	}

	var legacy rawFlags
	if rc.Flags != nil {
		legacy = *rc.Flags
	}

	cfg.X11 = firstFlag(rc.X11, legacy.X11)
	cfg.Wayland = firstFlag(rc.Wayland, legacy.Wayland)
	cfg.Pulseaudio = firstFlag(rc.Pulseaudio, legacy.Pulseaudio)
	cfg.DRI = firstFlag(rc.DRI, legacy.DRI)

	return cfg, nil
}

func firstFlag(flags ...*bool) *bool {
	for _, flag := range flags {
		if flag != nil {
			return flag
		}
	}

	return nil
}

func bindsFromRaw(raws []rawBind) []Bind {
	if len(raws) == 0 {
		return nil
	}

	binds := make([]Bind, 0, len(raws))
	for _, raw := range raws {
		binds = append(binds, Bind{To: raw.To, From: raw.From, Create: raw.Create, Perms: raw.Perms})
	}

	return binds
}

func rawFromConfig(cfg *Config) rawConfig {
	raw := rawConfig{
		Mode:        string(cfg.Mode),
		Environment: cfg.Environment,
		SandboxCwd:  cfg.SandboxCwd,
		X11:         cfg.X11,
		Wayland:     cfg.Wayland,
		Pulseaudio:  cfg.Pulseaudio,
		DRI:         cfg.DRI,
	}

	raw.Mounts.RW = rawFromBinds(cfg.Mounts.ReadWrite)
	raw.Mounts.RO = rawFromBinds(cfg.Mounts.ReadOnly)
	raw.Mounts.Dev = rawFromBinds(cfg.Mounts.Dev)

	for _, bind := range cfg.Mounts.Tmpfs {
		raw.Mounts.Tmpfs = append(raw.Mounts.Tmpfs, bind.To)
	}

	raw.Arguments.Command = stringOrList(cfg.Arguments.Command)
	raw.Arguments.Bwrap = cfg.Arguments.ExtraFlags

	return raw
}

func rawFromBinds(binds []Bind) []rawBind {
	if len(binds) == 0 {
		return nil
	}

	raws := make([]rawBind, 0, len(binds))
	for _, bind := range binds {
		raws = append(raws, rawBind{From: bind.From, To: bind.To, Create: bind.Create, Perms: bind.Perms})
	}

	return raws
}
