//go:build linux

package cage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// layerFileName is deliberately test-specific so stray nix-cage.json files in
// /tmp or / cannot leak into layer discovery.
const layerFileName = "cage-layer-test.json"

func TestLoadLayers_FoldsAncestorLayersEldestFirst(t *testing.T) {
	root := t.TempDir()
	workDir := filepath.Join(root, "a", "b")
	mustCreateDir(t, workDir)

	// Outer layer at the root, inner layer in the working directory.
	mustWriteFile(t, filepath.Join(root, layerFileName), `{"mounts": {"ro": ["/"]}}`)
	mustWriteFile(t, filepath.Join(workDir, layerFileName), `{"mounts": {"ro": ["/etc/x"]}}`)

	env := Environment{HomeDir: "/home/alice", WorkDir: workDir, HostEnv: map[string]string{}}

	cfg, err := LoadLayers(layerFileName, env, nil)
	if err != nil {
		t.Fatalf("LoadLayers: %v", err)
	}

	// Default config mounts come first, then layers in root-to-current order.
	want := []Bind{{To: "/nix/store"}, {To: "/etc"}, {To: "/"}, {To: "/etc/x"}}
	if diff := cmp.Diff(want, cfg.Mounts.ReadOnly); diff != "" {
		t.Fatalf("read-only mounts mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadLayers_InnerLayerWinsPerKey(t *testing.T) {
	root := t.TempDir()
	workDir := filepath.Join(root, "proj")
	mustCreateDir(t, workDir)

	mustWriteFile(t, filepath.Join(root, layerFileName), `{
		"environment": {"EDITOR": "vi", "PAGER": "less"},
		"sandbox-cwd": "/outer",
		"x11": true
	}`)
	mustWriteFile(t, filepath.Join(workDir, layerFileName), `{
		"environment": {"EDITOR": "nvim"},
		"sandbox-cwd": "/inner",
		"x11": false
	}`)

	env := Environment{HomeDir: "/home/alice", WorkDir: workDir, HostEnv: map[string]string{}}

	cfg, err := LoadLayers(layerFileName, env, nil)
	if err != nil {
		t.Fatalf("LoadLayers: %v", err)
	}

	if cfg.Environment["EDITOR"] != "nvim" {
		t.Errorf("EDITOR: got %q, want %q", cfg.Environment["EDITOR"], "nvim")
	}

	if cfg.Environment["PAGER"] != "less" {
		t.Errorf("PAGER: got %q, want %q", cfg.Environment["PAGER"], "less")
	}

	if cfg.SandboxCwd != "/inner" {
		t.Errorf("SandboxCwd: got %q, want %q", cfg.SandboxCwd, "/inner")
	}

	// Outer allowed x11, the nearer layer revoked it.
	if cfg.X11 == nil || *cfg.X11 {
		t.Errorf("X11: got %v, want explicit false", cfg.X11)
	}
}

func TestLoadLayers_MissingConfigIsRecoverableSignal(t *testing.T) {
	env := Environment{HomeDir: "/home/alice", WorkDir: t.TempDir(), HostEnv: map[string]string{}}

	_, err := LoadLayers(layerFileName, env, nil)
	if !errors.Is(err, ErrMissingConfig) {
		t.Fatalf("expected ErrMissingConfig, got %v", err)
	}
}

func TestLoadLayers_ReplaceLayerDiscardsAccumulatedMounts(t *testing.T) {
	root := t.TempDir()
	workDir := filepath.Join(root, "proj")
	mustCreateDir(t, workDir)

	// The outer layer switches to replace mode, so the inner layer's mounts
	// and arguments displace everything accumulated so far.
	mustWriteFile(t, filepath.Join(root, layerFileName), `{"mode": "replace", "mounts": {"ro": ["/outer"]}}`)
	mustWriteFile(t, filepath.Join(workDir, layerFileName), `{"mounts": {"ro": ["/inner"]}, "arguments": {"run": "sh"}}`)

	env := Environment{HomeDir: "/home/alice", WorkDir: workDir, HostEnv: map[string]string{}}

	cfg, err := LoadLayers(layerFileName, env, nil)
	if err != nil {
		t.Fatalf("LoadLayers: %v", err)
	}

	if diff := cmp.Diff([]Bind{{To: "/inner"}}, cfg.Mounts.ReadOnly); diff != "" {
		t.Fatalf("read-only mounts mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"sh"}, cfg.Arguments.Command); diff != "" {
		t.Fatalf("command mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadLayerFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		content string
		want    Config
		wantErr error
	}{
		{
			name:    "single string record is an identity bind",
			file:    "cfg.json",
			content: `{"mounts": {"ro": ["/nix/store"]}}`,
			want:    Config{Mounts: Mounts{ReadOnly: []Bind{{To: "/nix/store"}}}},
		},
		{
			name:    "one element array is an identity bind",
			file:    "cfg.json",
			content: `{"mounts": {"rw": [["/data"]]}}`,
			want:    Config{Mounts: Mounts{ReadWrite: []Bind{{To: "/data"}}}},
		},
		{
			name:    "two elements are host and sandbox paths",
			file:    "cfg.json",
			content: `{"mounts": {"rw": [["/host/data", "/data"]]}}`,
			want:    Config{Mounts: Mounts{ReadWrite: []Bind{{From: "/host/data", To: "/data"}}}},
		},
		{
			name:    "structured option set",
			file:    "cfg.json",
			content: `{"mounts": {"rw": [["/host/cache", "/cache", {"create": true, "perms": "0700"}]]}}`,
			want:    Config{Mounts: Mounts{ReadWrite: []Bind{{From: "/host/cache", To: "/cache", Create: true, Perms: 0o700}}}},
		},
		{
			name:    "perms beyond 0777 keep the sticky bit",
			file:    "cfg.json",
			content: `{"mounts": {"rw": [["/host/tmp", "/tmp2", {"perms": "1777"}]]}}`,
			want:    Config{Mounts: Mounts{ReadWrite: []Bind{{From: "/host/tmp", To: "/tmp2", Perms: 0o1777}}}},
		},
		{
			name:    "bare number perms read as octal",
			file:    "cfg.json",
			content: `{"mounts": {"rw": [["/host/tmp", "/tmp2", {"perms": 1777}]]}}`,
			want:    Config{Mounts: Mounts{ReadWrite: []Bind{{From: "/host/tmp", To: "/tmp2", Perms: 0o1777}}}},
		},
		{
			name:    "non-octal bare number perms are rejected",
			file:    "cfg.json",
			content: `{"mounts": {"rw": [["/host/tmp", "/tmp2", {"perms": 1998}]]}}`,
			wantErr: ErrInvalidMountRecord,
		},
		{
			name:    "legacy bare flag markers",
			file:    "cfg.json",
			content: `{"mounts": {"rw": [["/host/cache", "/cache", "create"]]}}`,
			want:    Config{Mounts: Mounts{ReadWrite: []Bind{{From: "/host/cache", To: "/cache", Create: true}}}},
		},
		{
			name:    "invalid option field",
			file:    "cfg.json",
			content: `{"mounts": {"rw": [["/host", "/dst", 42]]}}`,
			wantErr: ErrInvalidMountRecord,
		},
		{
			name:    "unknown flag marker",
			file:    "cfg.json",
			content: `{"mounts": {"ro": [["/host", "/dst", "frobnicate"]]}}`,
			wantErr: ErrInvalidMountRecord,
		},
		{
			name:    "tmpfs mounts are plain path strings",
			file:    "cfg.json",
			content: `{"mounts": {"tmpfs": ["~", "/scratch"]}}`,
			want:    Config{Mounts: Mounts{Tmpfs: []Bind{{To: "~"}, {To: "/scratch"}}}},
		},
		{
			name:    "single string command normalizes to a vector",
			file:    "cfg.json",
			content: `{"arguments": {"run": "bash"}}`,
			want:    Config{Arguments: Arguments{Command: []string{"bash"}}},
		},
		{
			name:    "command field alias",
			file:    "cfg.json",
			content: `{"arguments": {"command": ["python", "-i"]}}`,
			want:    Config{Arguments: Arguments{Command: []string{"python", "-i"}}},
		},
		{
			name:    "command alias wins over run",
			file:    "cfg.json",
			content: `{"arguments": {"run": "bash", "command": "zsh"}}`,
			want:    Config{Arguments: Arguments{Command: []string{"zsh"}}},
		},
		{
			name:    "bwrap passthrough flags",
			file:    "cfg.json",
			content: `{"arguments": {"bwrap": ["--unshare-net", "--hostname", "cage"]}}`,
			want:    Config{Arguments: Arguments{ExtraFlags: []string{"--unshare-net", "--hostname", "cage"}}},
		},
		{
			name:    "capability flags at the top level",
			file:    "cfg.json",
			content: `{"x11": true, "dri": false}`,
			want:    Config{X11: boolPtr(true), DRI: boolPtr(false)},
		},
		{
			name:    "legacy nested flags location",
			file:    "cfg.json",
			content: `{"flags": {"wayland": true, "pulseaudio": false}}`,
			want:    Config{Wayland: boolPtr(true), Pulseaudio: boolPtr(false)},
		},
		{
			name:    "top-level flag wins over nested",
			file:    "cfg.json",
			content: `{"x11": false, "flags": {"x11": true}}`,
			want:    Config{X11: boolPtr(false)},
		},
		{
			name: "jsonc comments and trailing commas",
			file: "cfg.jsonc",
			content: `{
				// project layer
				"mode": "expand",
				"mounts": {
					"ro": ["/nix/store",],
				},
			}`,
			want: Config{Mode: ModeExpand, Mounts: Mounts{ReadOnly: []Bind{{To: "/nix/store"}}}},
		},
		{
			name: "yaml layer",
			file: "cfg.yaml",
			content: `
mode: expand
mounts:
  rw:
    - [/host/data, /data]
  tmpfs:
    - /scratch
environment:
  EDITOR: nvim
arguments:
  run: bash
x11: true
`,
			want: Config{
				Mode: ModeExpand,
				Mounts: Mounts{
					ReadWrite: []Bind{{From: "/host/data", To: "/data"}},
					Tmpfs:     []Bind{{To: "/scratch"}},
				},
				Environment: map[string]string{"EDITOR": "nvim"},
				Arguments:   Arguments{Command: []string{"bash"}},
				X11:         boolPtr(true),
			},
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), tt.file)
			mustWriteFile(t, path, tt.content)

			got, err := LoadLayerFile(path)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}

				return
			}

			if err != nil {
				t.Fatalf("LoadLayerFile: %v", err)
			}

			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadLayerFile_RejectsUnknownMode(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cfg.json")
	mustWriteFile(t, path, `{"mode": "sideways"}`)

	_, err := LoadLayerFile(path)
	if err == nil || !strings.Contains(err.Error(), "unknown mode") {
		t.Fatalf("expected unknown mode error, got %v", err)
	}
}

func TestEncodeConfig_RoundTrips(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Mode: ModeExpand,
		Mounts: Mounts{
			ReadWrite: []Bind{
				{From: "/host/cache", To: "/cache", Create: true, Perms: 0o700},
				{From: "/host/tmp", To: "/tmp2", Perms: 0o1777},
			},
			ReadOnly: []Bind{{To: "/nix/store"}},
			Dev:       []Bind{{To: "/dev"}},
			Tmpfs:     []Bind{{To: "~"}},
		},
		Environment: map[string]string{"TERM": "xterm"},
		Arguments: Arguments{
			ExtraFlags: []string{"--unshare-net"},
			Command:    []string{"bash", "-l"},
		},
		SandboxCwd: "~/project",
		X11:        boolPtr(true),
		DRI:        boolPtr(false),
	}

	data, err := EncodeConfig(&cfg)
	if err != nil {
		t.Fatalf("EncodeConfig: %v", err)
	}

	path := filepath.Join(t.TempDir(), "cfg.json")
	mustWriteFile(t, path, string(data))

	got, err := LoadLayerFile(path)
	if err != nil {
		t.Fatalf("LoadLayerFile: %v", err)
	}

	if diff := cmp.Diff(cfg, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestAncestorDirs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dir  string
		want []string
	}{
		{dir: "/", want: []string{"/"}},
		{dir: "/a", want: []string{"/", "/a"}},
		{dir: "/a/b/c", want: []string{"/", "/a", "/a/b", "/a/b/c"}},
	}

	for _, tt := range tests {
		got := ancestorDirs(tt.dir)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ancestorDirs(%q) mismatch (-want +got):\n%s", tt.dir, diff)
		}
	}
}

func mustCreateDir(t *testing.T, path string) {
	t.Helper()

	err := os.MkdirAll(path, 0o755)
	if err != nil {
		t.Fatalf("create dir %s: %v", path, err)
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()

	err := os.WriteFile(path, []byte(content), 0o600)
	if err != nil {
		t.Fatalf("write file %s: %v", path, err)
	}
}
