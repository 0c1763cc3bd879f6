package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/cellcount/internal/store"
)

// StatsURI names the store statistics resource.
const StatsURI = "cellcount://store/stats"

// storeStats is the payload of the stats resource.
type storeStats struct {
	Tables    *store.TableCounts     `json:"tables"`
	Integrity *store.IntegrityReport `json:"integrity"`
	Closed    bool                   `json:"referentially_closed"`
	LoadRuns  []store.LoadRun        `json:"recent_loads"`
}

func registerStatsResource(s *server.MCPServer, st *store.Store) {
	resource := mcp.NewResource(
		StatsURI,
		"Store Statistics",
		mcp.WithResourceDescription("Row counts of the five cellcount tables, the referential integrity report and the most recent loads."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		tables, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}
		integrity, err := st.CheckIntegrity(ctx)
		if err != nil {
			return nil, fmt.Errorf("checking integrity: %w", err)
		}
		runs, err := st.ListLoadRuns(ctx, 5)
		if err != nil {
			return nil, err
		}

		data, _ := json.MarshalIndent(storeStats{
			Tables:    tables,
			Integrity: integrity,
			Closed:    integrity.Closed(),
			LoadRuns:  runs,
		}, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
