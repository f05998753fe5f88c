package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/nixcage/nixcage/cage"
)

// Run is the main entry point. Returns the exit code for error paths; on
// success the process image is replaced by bwrap and Run never returns.
func Run(stdout, stderr io.Writer, args []string) int {
	flags := flag.NewFlagSet("nixcage", flag.ContinueOnError)
	flags.SortFlags = false
	flags.Usage = func() {}
	flags.SetOutput(&strings.Builder{})

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagVersion := flags.Bool("version", false, "Show version and exit")
	flagVerbose := flags.BoolP("verbose", "v", false, "Log pipeline details to stderr")
	flagConfig := flags.String("config", cage.DefaultConfigName, "Config layer file `name` searched for in ancestor directories")
	flags.StringP("command", "c", "", "Command to run inside the sandbox")
	flagCwd := flags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagShow := flags.Bool("show-config", false, "Print the merged config and exit")
	flagWriteDefault := flags.Bool("write-default-config", false, "Write the default config and exit")
	flags.Bool("x11", false, "Expose the X11 socket and authority file")
	flags.Bool("wayland", false, "Expose the wayland socket")
	flags.Bool("pulseaudio", false, "Expose the pulseaudio socket")
	flags.Bool("dri", false, "Expose the GPU (/dev/dri)")

	err := flags.Parse(args[1:])
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		printUsage(stderr)

		return 1
	}

	if *flagVersion {
		if commit == "none" && date == "unknown" {
			fprintf(stdout, "nixcage %s (built from source)\n", version)
		} else {
			fprintf(stdout, "nixcage %s (%s, %s)\n", version, commit, date)
		}

		return 0
	}

	if *flagHelp {
		printUsage(stdout)

		return 0
	}

	debugf := newDebugf(stderr, *flagVerbose)

	env, err := cage.DefaultEnvironment()
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	if *flagCwd != "" {
		workDir, err := resolveWorkDir(*flagCwd, env.WorkDir)
		if err != nil {
			fprintError(stderr, err)

			return 1
		}

		env.WorkDir = workDir
	}

	if *flagWriteDefault {
		err = writeDefaultConfig(env, *flagConfig, debugf)
		if err != nil {
			fprintError(stderr, err)

			return 1
		}

		return 0
	}

	cfg, err := cage.LoadLayers(*flagConfig, env, debugf)
	if errors.Is(err, cage.ErrMissingConfig) {
		// Recoverable: fall back to the host-derived default policy.
		debugf("no %s found, using the default config", *flagConfig)

		cfg = cage.DefaultConfig(env)
	} else if err != nil {
		fprintError(stderr, err)

		return 1
	}

	overlay, err := overlayFromFlags(flags)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	merged := cage.Merge(&cfg, &overlay)

	if *flagShow {
		data, err := cage.EncodeConfig(&merged)
		if err != nil {
			fprintError(stderr, err)

			return 1
		}

		_, _ = stdout.Write(data)

		return 0
	}

	cage.Expand(&merged, env)

	invocation, err := cage.Build(&merged, env, debugf)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	// Terminal action: replace the current process image. Never returns on
	// success.
	err = execve(invocation)
	fprintError(stderr, fmt.Errorf("exec %s: %w", invocation.Path, err))

	return 1
}

// overlayFromFlags builds the CLI overlay config, merged after all file
// layers: ad-hoc positional mounts, the in-sandbox command, and explicit
// capability toggles.
func overlayFromFlags(flags *flag.FlagSet) (cage.Config, error) {
	overlay := cage.Config{Mode: cage.ModeExpand}

	positional := flags.Args()

	commandArgs := []string(nil)
	if dash := flags.ArgsLenAtDash(); dash >= 0 {
		commandArgs = positional[dash:]
		positional = positional[:dash]
	}

	for _, arg := range positional {
		path, kind := parseMountArg(arg)

		bind := cage.Bind{To: path}

		switch kind {
		case "rw":
			overlay.Mounts.ReadWrite = append(overlay.Mounts.ReadWrite, bind)
		case "tmpfs":
			overlay.Mounts.Tmpfs = append(overlay.Mounts.Tmpfs, bind)
		default:
			overlay.Mounts.ReadOnly = append(overlay.Mounts.ReadOnly, bind)
		}
	}

	switch {
	case len(commandArgs) > 0:
		overlay.Arguments.Command = commandArgs
	default:
		raw, _ := flags.GetString("command")
		if raw != "" {
			command, err := shlex.Split(raw)
			if err != nil {
				return cage.Config{}, fmt.Errorf("parsing --command: %w", err)
			}

			overlay.Arguments.Command = command
		}
	}

	// A capability toggle only expresses an opinion when explicitly set, so
	// --x11=false is an explicit off rather than the default.
	for name, target := range map[string]**bool{
		"x11":        &overlay.X11,
		"wayland":    &overlay.Wayland,
		"pulseaudio": &overlay.Pulseaudio,
		"dri":        &overlay.DRI,
	} {
		if flags.Changed(name) {
			value, _ := flags.GetBool(name)
			*target = &value
		}
	}

	return overlay, nil
}

// parseMountArg splits an ad-hoc mount argument into its path and
// classification suffix. The default classification is read-only.
func parseMountArg(arg string) (string, string) {
	for _, kind := range []string{"ro", "rw", "tmpfs"} {
		if path, ok := strings.CutSuffix(arg, ":"+kind); ok && path != "" {
			return path, kind
		}
	}

	return arg, "ro"
}

// resolveWorkDir resolves and validates the --cwd override.
func resolveWorkDir(dir, fallbackBase string) (string, error) {
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(fallbackBase, dir)
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", cage.ErrWorkingDirectoryNotFound, dir)
		}

		return "", fmt.Errorf("checking working directory %s: %w", dir, err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", cage.ErrWorkingDirectoryNotFound, dir)
	}

	return filepath.Clean(dir), nil
}

func writeDefaultConfig(env cage.Environment, filename string, debugf cage.Debugf) error {
	cfg := cage.DefaultConfig(env)

	data, err := cage.EncodeConfig(&cfg)
	if err != nil {
		return err
	}

	path := filepath.Join(env.WorkDir, filename)

	_, statErr := os.Stat(path)
	if statErr == nil {
		return fmt.Errorf("refusing to overwrite existing %s", path)
	}

	err = os.WriteFile(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	debugf("wrote default config to %s", path)

	return nil
}

// newDebugf bridges the library's Debugf onto a tint-backed slog handler.
// When verbose logging is off, messages are discarded.
func newDebugf(stderr io.Writer, verbose bool) cage.Debugf {
	if !verbose {
		return func(string, ...any) {}
	}

	logger := slog.New(tint.NewHandler(stderr, &tint.Options{
		Level:   slog.LevelDebug,
		NoColor: !IsTerminal(),
	}))

	return func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	}
}

func fprintln(output io.Writer, a ...any) {
	_, _ = fmt.Fprintln(output, a...)
}

func fprintf(output io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(output, format, a...)
}

// ANSI color codes for terminal output.
const (
	colorRed   = "\033[31m"
	colorReset = "\033[0m"
)

// fprintError prints an error message with optional red coloring for TTY.
func fprintError(output io.Writer, err error) {
	if IsTerminal() {
		fprintln(output, colorRed+"error:"+colorReset, err)
	} else {
		fprintln(output, "error:", err)
	}
}

const usageText = `nixcage - run a command inside a bubblewrap cage built from layered configs

Usage: nixcage [flags] [path[:ro|:rw|:tmpfs]...] [-- command [args...]]

Every nix-cage.json from the filesystem root down to the working directory
contributes one config layer; nearer layers take precedence. Positional paths
become ad-hoc mounts (default :ro). Everything after "--" runs inside the
sandbox, overriding the configured command.

Flags:
  -h, --help                  Show help
      --version               Show version and exit
  -v, --verbose               Log pipeline details to stderr
      --config <name>         Config layer file name (default nix-cage.json)
  -c, --command <cmd>         Command to run inside the sandbox
  -C, --cwd <dir>             Run as if started in <dir>
      --show-config           Print the merged config and exit
      --write-default-config  Write the default config and exit
      --x11                   Expose the X11 socket and authority file
      --wayland               Expose the wayland socket
      --pulseaudio            Expose the pulseaudio socket
      --dri                   Expose the GPU (/dev/dri)`

func printUsage(output io.Writer) {
	fprintln(output, usageText)
}

// isTerminal is a function variable that returns true if stdin is a terminal.
// It can be overridden in tests to control TTY behavior.
var isTerminal = func() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}

	return (stat.Mode() & os.ModeCharDevice) != 0
}

// IsTerminal returns true if stdin is a terminal.
func IsTerminal() bool {
	return isTerminal()
}
