// Command cellcount loads immune-cell-count datasets into a relational store
// and answers cohort questions over them.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hurttlocker/cellcount/internal/config"
	"github.com/hurttlocker/cellcount/internal/logging"
	"github.com/hurttlocker/cellcount/internal/metrics"
	"github.com/hurttlocker/cellcount/internal/store"
)

var version = "0.1.0-dev"

// Global flags, stripped from the argument list before dispatch.
var (
	globalDBPath     string
	globalConfigPath string
	globalVerbose    bool
)

func main() {
	args := parseGlobalFlags(os.Args[1:])
	if err := run(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseGlobalFlags extracts --db, --config and --verbose from anywhere in args.
func parseGlobalFlags(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--db" && i+1 < len(args):
			i++
			globalDBPath = args[i]
		case strings.HasPrefix(args[i], "--db="):
			globalDBPath = strings.TrimPrefix(args[i], "--db=")
		case args[i] == "--config" && i+1 < len(args):
			i++
			globalConfigPath = args[i]
		case strings.HasPrefix(args[i], "--config="):
			globalConfigPath = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--verbose" || args[i] == "-V":
			globalVerbose = true
		default:
			out = append(out, args[i])
		}
	}
	return out
}

type command func(a *app, args []string) error

var commands = map[string]command{
	"init":        runInit,
	"load":        runLoad,
	"frequencies": runFrequencies,
	"average":     runAverage,
	"counts":      runCounts,
	"crosstab":    runCrossTab,
	"summary":     runSummary,
	"compare":     runCompare,
	"verify":      runVerify,
	"stats":       runStats,
	"mcp":         runMCP,
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("cellcount %s\n", version)
		return nil
	case "help", "--help", "-h":
		printUsage()
		return nil
	}

	cmd, ok := commands[args[0]]
	if !ok {
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	err = cmd(a, args[1:])
	if werr := a.writeMetrics(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// app carries the resolved configuration into commands.
type app struct {
	cfg     config.ResolvedConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newApp() (*app, error) {
	opts := config.ResolveOptions{ConfigPath: globalConfigPath, CLIDBPath: globalDBPath}
	if globalVerbose {
		opts.CLILogLevel = "debug"
	}
	cfg, err := config.ResolveConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.New(cfg.LoggingConfig(), os.Stderr)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, metrics: metrics.New()}, nil
}

func (a *app) openStore() (*store.Store, error) {
	s, err := store.NewStore(a.cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

func (a *app) writeMetrics() error {
	path := a.cfg.MetricsTextfile.Value
	if path == "" {
		return nil
	}
	if err := a.metrics.WriteTextfile(path); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}

func printUsage() {
	fmt.Printf(`cellcount %s: immune cell count loader and cohort analytics

Usage:
  cellcount [--db PATH] [--config PATH] [--verbose] <command> [arguments]

Commands:
  init                  Create the schema and check foreign key support
  load <path|s3://...>  Load a dataset (csv, tsv, xlsx)
  frequencies           Relative frequency of each population per sample
  average               Mean cell count over the cohort (2 dp)
  counts --by ATTR      Samples or subjects per attribute value
  crosstab              Subjects by two attributes
  summary               Baseline cohort summary
  compare               Compare populations between two groups (Mann-Whitney U)
  verify <path>         Check both frequency paths agree and the store is closed
  stats                 Table row counts and recent loads
  mcp                   Serve the analytics as MCP tools on stdio
  version               Print version

Query Flags:
  --where k=v           Restrict the cohort (repeatable)
  --format FORMAT       table (default), json or csv

Load Flags:
  --sheet NAME          Worksheet of an xlsx source
  --cell-types a,b,...  Expected cell-type columns
  --dry-run             Validate the source without writing

Compare Flags:
  --group ATTR          Grouping attribute (default response)
  --a VALUE --b VALUE   Group values (default yes, no)
  --alpha N             Significance threshold (default 0.05)
  --correction none|bh  Multiple-comparison correction
  --min-group-size N    Minimum samples per group (default 2)

Flags:
  --db PATH             Database path (env CELLCOUNT_DB)
  --config PATH         Config file (default ~/.cellcount/config.yaml)
  --verbose             Debug logging
  -h, --help            Show this help message
`, version)
}
