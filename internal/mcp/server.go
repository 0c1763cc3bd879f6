// Package mcp provides a Model Context Protocol server for cellcount.
//
// It exposes the cohort analytics (frequencies, averages, grouped counts,
// cross-tabs, summaries and group comparisons) as read-only MCP tools, and
// store statistics as an MCP resource. Served over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/cellcount/internal/cohort"
	"github.com/hurttlocker/cellcount/internal/compare"
	"github.com/hurttlocker/cellcount/internal/filter"
	"github.com/hurttlocker/cellcount/internal/frequency"
	"github.com/hurttlocker/cellcount/internal/logging"
	"github.com/hurttlocker/cellcount/internal/metrics"
	"github.com/hurttlocker/cellcount/internal/store"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store    *store.Store
	Version  string          // version string for MCP server info
	Analysis compare.Options // defaults for cellcount_compare
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// dbMu serializes all MCP tool calls that touch the database.
// The mcp-go library dispatches handlers concurrently via goroutines and the
// SQLite store runs on a single connection.
var dbMu sync.Mutex

const whereDescription = "Comma-separated attribute=value filters, e.g. 'condition=melanoma,sample_type=PBMC'. Empty = whole store."

// NewServer creates a configured MCP server with all cellcount tools and resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}
	logger := logging.OrDiscard(cfg.Logger).With("component", "mcp")

	s := server.NewMCPServer(
		"cellcount",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerFrequenciesTool(s, cfg.Store, logger, cfg.Metrics)
	registerAverageTool(s, cfg.Store)
	registerCountsTool(s, cfg.Store)
	registerCrossTabTool(s, cfg.Store)
	registerSummaryTool(s, cfg.Store)
	registerCompareTool(s, cfg.Store, cfg.Analysis, logger, cfg.Metrics)

	registerStatsResource(s, cfg.Store)

	return s
}

// --- Tools ---

func registerFrequenciesTool(s *server.MCPServer, st *store.Store, logger *slog.Logger, m *metrics.Metrics) {
	tool := mcp.NewTool("cellcount_frequencies",
		mcp.WithDescription("Relative frequency of every cell population in every sample of the cohort: total count, count and percentage (2 dp). Zero-total samples are flagged."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("where", mcp.Description(whereDescription)),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		f, err := whereFilter(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		table, err := frequency.FromStore(ctx, st, f)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("frequency error: %v", err)), nil
		}
		table.Report(logger, m)
		return jsonResult(table)
	})
}

func registerAverageTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("cellcount_average",
		mcp.WithDescription("Mean cell_count over the cell-count facts of the cohort, rounded to 2 decimals. Filter on cell_type to average one population."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("where", mcp.Description(whereDescription)),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		f, err := whereFilter(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		avg, err := cohort.AverageCount(ctx, st, f)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("average error: %v", err)), nil
		}
		return jsonResult(map[string]any{"filter": f.String(), "average": avg.Value, "n": avg.N})
	})
}

func registerCountsTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("cellcount_counts",
		mcp.WithDescription("Count samples or distinct subjects per value of one attribute within the cohort."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("by",
			mcp.Required(),
			mcp.Description("Grouping attribute: project, condition, sex, treatment, response, sample_type or cell_type"),
		),
		mcp.WithString("unit",
			mcp.Description("What to count (default: samples)"),
			mcp.Enum("samples", "subjects"),
		),
		mcp.WithString("where", mcp.Description(whereDescription)),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		by, err := req.RequireString("by")
		if err != nil {
			return mcp.NewToolResultError("by is required"), nil
		}
		unit, err := cohort.ParseUnit(optionalString(req, "unit"))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		f, err := whereFilter(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		groups, err := cohort.GroupCount(ctx, st, f, by, unit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("count error: %v", err)), nil
		}
		return jsonResult(map[string]any{"filter": f.String(), "by": by, "unit": unit, "groups": groups})
	})
}

func registerCrossTabTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("cellcount_crosstab",
		mcp.WithDescription("Cross-tabulate distinct subjects of the cohort by two attributes, with row, column and grand totals."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("rows", mcp.Required(), mcp.Description("Row attribute, e.g. sex")),
		mcp.WithString("cols", mcp.Required(), mcp.Description("Column attribute, e.g. response")),
		mcp.WithString("where", mcp.Description(whereDescription)),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		rows, err := req.RequireString("rows")
		if err != nil {
			return mcp.NewToolResultError("rows is required"), nil
		}
		cols, err := req.RequireString("cols")
		if err != nil {
			return mcp.NewToolResultError("cols is required"), nil
		}
		f, err := whereFilter(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		ct, err := cohort.CrossTabulate(ctx, st, f, rows, cols)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("crosstab error: %v", err)), nil
		}
		return jsonResult(ct)
	})
}

func registerSummaryTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("cellcount_summary",
		mcp.WithDescription("Baseline cohort summary: samples, subjects, samples per project, subjects per response and sex, and the sex by response cross-tab."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("where", mcp.Description(whereDescription)),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		f, err := whereFilter(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sum, err := cohort.Summarize(ctx, st, f)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("summary error: %v", err)), nil
		}
		return jsonResult(sum)
	})
}

func registerCompareTool(s *server.MCPServer, st *store.Store, defaults compare.Options, logger *slog.Logger, m *metrics.Metrics) {
	tool := mcp.NewTool("cellcount_compare",
		mcp.WithDescription("Compare relative frequencies of every population between two groups of the cohort (default responders vs non-responders) with a two-sided Mann-Whitney U test."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("where", mcp.Description(whereDescription)),
		mcp.WithString("group", mcp.Description("Grouping attribute (default: response)")),
		mcp.WithString("a", mcp.Description("Value of the first group (default: yes)")),
		mcp.WithString("b", mcp.Description("Value of the second group (default: no)")),
		mcp.WithNumber("alpha", mcp.Description("Significance threshold (default: 0.05)")),
		mcp.WithString("correction",
			mcp.Description("Multiple-comparison correction (default: none)"),
			mcp.Enum("none", "bh"),
		),
		mcp.WithNumber("min_group_size", mcp.Description("Minimum samples per group before testing (default: 2)")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		f, err := whereFilter(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		opts := defaults
		if v := optionalString(req, "group"); v != "" {
			opts.GroupAttribute = v
		}
		if v := optionalString(req, "a"); v != "" {
			opts.GroupA = v
		}
		if v := optionalString(req, "b"); v != "" {
			opts.GroupB = v
		}
		if v, err := req.RequireFloat("alpha"); err == nil {
			opts.Alpha = v
		}
		if v := optionalString(req, "correction"); v != "" {
			c, err := compare.ParseCorrection(v)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			opts.Correction = c
		}
		if v, err := req.RequireFloat("min_group_size"); err == nil {
			opts.MinGroupSize = int(v)
		}

		report, err := compare.FromStore(ctx, st, f, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("compare error: %v", err)), nil
		}
		report.Record(logger, m)
		return jsonResult(report)
	})
}

// whereFilter parses the optional "where" argument.
func whereFilter(req mcp.CallToolRequest) (filter.Filter, error) {
	where := optionalString(req, "where")
	if where == "" {
		return filter.Filter{}, nil
	}
	var exprs []string
	for _, part := range strings.Split(where, ",") {
		if part = strings.TrimSpace(part); part != "" {
			exprs = append(exprs, part)
		}
	}
	return filter.Parse(exprs...)
}

func optionalString(req mcp.CallToolRequest, name string) string {
	v, err := req.RequireString(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
