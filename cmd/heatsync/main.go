// HeatSync samples a temperature/humidity sensor and publishes each
// reading to a broker, keeping the network link and broker session
// alive across drops.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	heatsync serve            Run the sampling loop and status server
//	heatsync read             Take one reading and print its payload
//	heatsync init [dir]       Write an example config.yaml
//	heatsync version          Print version and build information
//	heatsync -o json read     Print the raw payload document
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/nugget/heatsync/internal/buildinfo"
	"github.com/nugget/heatsync/internal/config"
)

func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "heatsync:", err)
		os.Exit(1)
	}
}

// invocation is a parsed command line.
type invocation struct {
	configPath string
	output     string // "text" or "json"
	command    string
	args       []string
	help       bool
}

// parseArgs reads flags and the command. Flags may appear before or
// after the command; anything after the command that is not a known
// flag is a command argument. The flag package is not used because its
// global state rules out parallel tests of run.
func parseArgs(args []string) (invocation, error) {
	inv := invocation{output: "text"}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "-h", "-help", "--help":
			inv.help = true
			continue
		case "-config", "--config", "-o", "--output":
			if !hasValue {
				if i+1 >= len(args) {
					return inv, fmt.Errorf("flag %s needs a value", name)
				}
				i++
				value = args[i]
			}
			if name == "-config" || name == "--config" {
				inv.configPath = value
			} else {
				inv.output = value
			}
			continue
		}
		switch {
		case strings.HasPrefix(arg, "-"):
			return inv, fmt.Errorf("unknown flag: %s", arg)
		case inv.command == "":
			inv.command = arg
		default:
			inv.args = append(inv.args, arg)
		}
	}
	if inv.output != "text" && inv.output != "json" {
		return inv, fmt.Errorf("unknown output format: %q (expected text or json)", inv.output)
	}
	return inv, nil
}

// run dispatches one command line. ctx bounds the process lifetime and
// logs go to stdout.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	inv, err := parseArgs(args)
	if err != nil {
		return err
	}
	if inv.help {
		return printUsage(stdout)
	}

	switch inv.command {
	case "", "serve":
		return runServe(ctx, stdout, stderr, inv.configPath)
	case "read":
		return runRead(ctx, stdout, inv.configPath, inv.output)
	case "init":
		dir := "."
		if len(inv.args) > 0 {
			dir = inv.args[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, inv.output)
	case "help":
		return printUsage(stdout)
	}
	return fmt.Errorf("unknown command: %s (see heatsync help)", inv.command)
}

func runVersion(w io.Writer, output string) error {
	info := buildinfo.Info()
	if output == "json" {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	fmt.Fprintln(w, buildinfo.String())
	keys := make([]string, 0, len(info))
	for k := range info {
		if k != "uptime" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-11s %s\n", k+":", info[k])
	}
	return nil
}

const usage = `HeatSync samples a temperature sensor and publishes each reading.

Usage: heatsync [flags] [command] [args]

Commands:
  serve         sample, publish, and serve the status page (default)
  read          take one reading and print it
  init [dir]    write an example config.yaml into dir (default .)
  version       print build information
  help          print this text

Flags:
  -config path  config file (default: first of ./config.yaml,
                ~/.config/heatsync/config.yaml, /etc/heatsync/config.yaml)
  -o, --output  text or json (read, version)
`

func printUsage(w io.Writer) error {
	_, err := io.WriteString(w, usage)
	return err
}

// loadConfig finds, parses, and validates the config. It also returns
// the path it loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, path, nil
}

func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}
