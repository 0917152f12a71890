// Chargelight drives the connectivity status light of a networked
// charge point.
//
// It brings up the Wi-Fi and Ethernet interfaces, keeps a TLS MQTT
// session to the cloud broker alive across link changes, publishes
// periodic heartbeats and reflects the charge point's status on the
// indicator. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); the cloud identity
// lives in the device store and is written with `chargelight provision`.
//
// Usage:
//
//	chargelight serve [-ephemeral]   Run the device
//	chargelight init [dir]           Write an example config.yaml
//	chargelight provision [flags]    Store broker address and TLS material
//	chargelight pair true|false      Set the station pairing flag
//	chargelight status               Show the stored identity and settings
//	chargelight version              Print version and build information
//	chargelight -o json version      Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/chargelight/internal/buildinfo"
	"github.com/nugget/chargelight/internal/config"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the chargelight command. ctx controls
// the process lifetime, structured logs go to stdout and args is
// os.Args[1:]. Arguments are parsed by hand so tests can call run
// concurrently without flag.CommandLine.
//
// run returns nil on clean shutdown. A reboot requested by a recovery
// policy is returned as an error so the supervisor restarts the service.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to it.
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		ephemeral := false
		for _, a := range cmdArgs {
			switch a {
			case "-ephemeral", "--ephemeral":
				ephemeral = true
			default:
				return fmt.Errorf("usage: chargelight serve [-ephemeral]")
			}
		}
		return runServe(ctx, stdout, stderr, configPath, ephemeral)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "provision":
		return runProvision(stdout, stderr, configPath, cmdArgs)
	case "pair":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: chargelight pair true|false")
		}
		return runPair(stdout, configPath, cmdArgs[0])
	case "status":
		return runStatus(stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	d := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}
	fmt.Fprintln(w, buildinfo.String())
	fmt.Fprintf(w, "  commit:   %s\n", d.GitCommit)
	fmt.Fprintf(w, "  built:    %s\n", d.BuildTime)
	fmt.Fprintf(w, "  go:       %s\n", d.GoVersion)
	fmt.Fprintf(w, "  platform: %s\n", d.Platform)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Chargelight - charge point connectivity indicator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: chargelight [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve [-ephemeral]   Run the device (-ephemeral keeps state in memory)")
	fmt.Fprintln(w, "  init [dir]           Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  provision [flags]    Store the broker address and TLS material (-reset to clear)")
	fmt.Fprintln(w, "  pair true|false      Set the station pairing flag")
	fmt.Fprintln(w, "  status               Show the stored identity and settings")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// newLogger builds the process logger. format is "text" or "json".
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. When
// nothing is found and no path was given, defaults are used so a freshly
// flashed device can still run and be provisioned.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
