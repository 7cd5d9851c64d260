// Command trackle-log is a tool for viewing and analyzing trackle protocol
// log files.
//
// Log files are created by the protocol logging infrastructure when running
// trackle-device with the -protocol-log flag.
//
// Usage:
//
//	trackle-log <command> [flags] <file.tlog>
//
// Commands:
//
//	view     View log file in human-readable format
//	export   Export log file to JSON or CSV format
//	filter   Filter log file and write to new file
//	stats    Show statistics about the log file
//
// Examples:
//
//	# View all events
//	trackle-log view device.tlog
//
//	# View only CoAP-layer events
//	trackle-log view --layer coap device.tlog
//
//	# View only outgoing messages
//	trackle-log view --direction out device.tlog
//
//	# Export to JSONL
//	trackle-log export --format jsonl device.tlog
//
//	# Filter by connection and save to new file
//	trackle-log filter --conn-id abc12345 -o filtered.tlog device.tlog
//
//	# Show statistics
//	trackle-log stats device.tlog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/trackle-iot/trackle-go/cmd/trackle-log/commands"
)

const usage = `trackle-log - Trackle Protocol Log Analyzer

Usage:
  trackle-log <command> [flags] <file.tlog>

Commands:
  view     View log file in human-readable format
  export   Export log file to JSON or CSV format
  filter   Filter log file and write to new file
  stats    Show statistics about the log file

Use "trackle-log <command> -help" for more information about a command.
`

// subcommands maps each verb to its runner.
var subcommands = map[string]func(args []string) error{
	"view":   runView,
	"export": runExport,
	"filter": runFilter,
	"stats":  runStats,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	verb := os.Args[1]
	switch verb {
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	}

	run, ok := subcommands[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", verb)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err := run(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet builds a subcommand FlagSet with a standard usage header.
func newFlagSet(name, oneLiner string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "trackle-log %s - %s\n\nUsage:\n  trackle-log %s [flags] <file.tlog>\n\nFlags:\n", name, oneLiner, name)
		fs.PrintDefaults()
	}
	return fs
}

// capturePath parses args and returns the positional capture-file path.
func capturePath(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return "", fmt.Errorf("log file path required")
	}
	return fs.Arg(0), nil
}

func runView(args []string) error {
	fs := newFlagSet("view", "View log file in human-readable format")
	layer := fs.String("layer", "", "Filter by layer (transport, dtls, coap, protocol)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	category := fs.String("category", "", "Filter by category (message, control, state, error, diagnostic)")

	path, err := capturePath(fs, args)
	if err != nil {
		return err
	}

	var filter commands.ViewFilter
	if *layer != "" {
		l, err := commands.ParseLayerFlag(*layer)
		if err != nil {
			return err
		}
		filter.Layer = &l
	}
	if *direction != "" {
		d, err := commands.ParseDirectionFlag(*direction)
		if err != nil {
			return err
		}
		filter.Direction = &d
	}
	if *category != "" {
		c, err := commands.ParseCategoryFlag(*category)
		if err != nil {
			return err
		}
		filter.Category = &c
	}

	return commands.RunView(path, filter, os.Stdout)
}

func runExport(args []string) error {
	fs := newFlagSet("export", "Export log file to JSON or CSV format")
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")

	path, err := capturePath(fs, args)
	if err != nil {
		return err
	}
	return commands.RunExport(path, *format, *output)
}

func runFilter(args []string) error {
	fs := newFlagSet("filter", "Filter log file and write to new file")
	opts := commands.FilterOptions{}
	fs.StringVar(&opts.Output, "o", "", "Output file (required)")
	fs.StringVar(&opts.ConnID, "conn-id", "", "Filter by connection ID")
	fs.StringVar(&opts.DeviceID, "device-id", "", "Filter by device ID")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	fs.StringVar(&opts.Layer, "layer", "", "Filter by layer (transport, dtls, coap, protocol)")
	fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&opts.Category, "category", "", "Filter by category (message, control, state, error, diagnostic)")

	path, err := capturePath(fs, args)
	if err != nil {
		return err
	}
	if opts.Output == "" {
		fs.Usage()
		return fmt.Errorf("output file (-o) required")
	}
	return commands.RunFilter(path, opts)
}

func runStats(args []string) error {
	fs := newFlagSet("stats", "Show statistics about the log file")
	path, err := capturePath(fs, args)
	if err != nil {
		return err
	}
	return commands.RunStats(path, os.Stdout)
}
