package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/cellcount/internal/cohort"
	"github.com/hurttlocker/cellcount/internal/compare"
	"github.com/hurttlocker/cellcount/internal/dataset"
	"github.com/hurttlocker/cellcount/internal/filter"
	"github.com/hurttlocker/cellcount/internal/frequency"
	"github.com/hurttlocker/cellcount/internal/ingest"
	"github.com/hurttlocker/cellcount/internal/mcp"
	"github.com/hurttlocker/cellcount/internal/store"
)

func runInit(a *app, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("usage: cellcount init")
	}
	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	where := s.Path()
	if s.Dialect().Name == store.DriverPostgres {
		where = "postgres"
	}
	fmt.Printf("Initialized %s (%s, foreign keys enforced)\n", where, s.Dialect().Name)
	return nil
}

func runLoad(a *app, args []string) error {
	f, err := parseFlags(args, []string{"--sheet", "--cell-types"}, []string{"--dry-run"})
	if err != nil {
		return err
	}
	if len(f.positional) != 1 {
		return fmt.Errorf("usage: cellcount load <path|s3://bucket/key> [--sheet NAME] [--cell-types a,b] [--dry-run]")
	}
	location := f.positional[0]

	opts := a.cfg.DatasetOptions()
	opts.Sheet = f.values["--sheet"]
	if v := f.values["--cell-types"]; v != "" {
		opts.CellTypes = strings.Split(v, ",")
	}
	ctx := context.Background()

	if f.bools["--dry-run"] {
		ds, err := dataset.Open(ctx, location, opts)
		if err != nil {
			return err
		}
		fmt.Printf("Dry run: %s is valid (%d samples, %d duplicate rows, %d cell types)\n",
			location, len(ds.Rows), ds.Duplicates, len(ds.CellTypes))
		if len(ds.IgnoredColumns) > 0 {
			fmt.Printf("  ignored columns (not in cell-type catalog): %s\n", strings.Join(ds.IgnoredColumns, ", "))
		}
		return nil
	}

	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	loader := ingest.NewLoader(s, ingest.LoaderConfig{Logger: a.logger, Metrics: a.metrics})
	res, err := loader.LoadSource(ctx, location, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %s (run %s)\n", res.Source, res.RunID)
	fmt.Printf("  rows:        %d (%d duplicate)\n", res.Rows, res.Duplicates)
	fmt.Printf("  new:         %d projects, %d subjects, %d samples, %d cell types\n",
		res.ProjectsNew, res.SubjectsNew, res.SamplesNew, res.CellTypesNew)
	fmt.Printf("  cell counts: %d\n", res.CellCounts)
	if len(res.Ignored) > 0 {
		fmt.Printf("  ignored:     %s (not in cell-type catalog)\n", strings.Join(res.Ignored, ", "))
	}
	return nil
}

func runFrequencies(a *app, args []string) error {
	f, err := parseFlags(args, []string{"--source"}, nil)
	if err != nil {
		return err
	}
	if len(f.positional) > 0 {
		return fmt.Errorf("unexpected argument: %s", f.positional[0])
	}
	cohortFilter, err := filter.Parse(f.where...)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var table *frequency.Table
	if src := f.values["--source"]; src != "" {
		ds, err := dataset.Open(ctx, src, a.cfg.DatasetOptions())
		if err != nil {
			return err
		}
		table = frequency.FromDataset(ds, cohortFilter)
	} else {
		s, err := a.openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		if table, err = frequency.FromStore(ctx, s, cohortFilter); err != nil {
			return err
		}
	}
	table.Report(a.logger, a.metrics)

	out := result{value: table, header: []string{"sample", "total_count", "population", "count", "percentage"}}
	for _, r := range table.Rows {
		out.rows = append(out.rows, []string{r.Sample, fmtInt(r.TotalCount), r.Population, fmtInt(r.Count), fmtFloat(r.Percentage)})
	}
	out.footer = append(out.footer, fmt.Sprintf("\n%d samples, %d populations, %d issues",
		len(table.Samples()), len(table.Populations()), len(table.Issues)))
	return render(os.Stdout, f.format, out)
}

// storeQuery parses query flags, opens the store and runs fn.
func storeQuery(a *app, args, valueFlags []string, fn func(ctx context.Context, s *store.Store, f *flags, cohortFilter filter.Filter) (result, error)) error {
	f, err := parseFlags(args, valueFlags, nil)
	if err != nil {
		return err
	}
	if len(f.positional) > 0 {
		return fmt.Errorf("unexpected argument: %s", f.positional[0])
	}
	cohortFilter, err := filter.Parse(f.where...)
	if err != nil {
		return err
	}
	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	out, err := fn(context.Background(), s, f, cohortFilter)
	if err != nil {
		return err
	}
	return render(os.Stdout, f.format, out)
}

func runAverage(a *app, args []string) error {
	return storeQuery(a, args, nil, func(ctx context.Context, s *store.Store, _ *flags, cf filter.Filter) (result, error) {
		avg, err := cohort.AverageCount(ctx, s, cf)
		if err != nil {
			return result{}, err
		}
		return result{
			value:  map[string]any{"filter": cf.String(), "average": avg.Value, "n": avg.N},
			header: []string{"filter", "average", "n"},
			rows:   [][]string{{cf.String(), fmtFloat(avg.Value), fmtInt(avg.N)}},
		}, nil
	})
}

func runCounts(a *app, args []string) error {
	return storeQuery(a, args, []string{"--by", "--unit"}, func(ctx context.Context, s *store.Store, f *flags, cf filter.Filter) (result, error) {
		by := f.values["--by"]
		if by == "" {
			return result{}, fmt.Errorf("usage: cellcount counts --by ATTR [--unit samples|subjects] [--where k=v]...")
		}
		unit, err := cohort.ParseUnit(f.values["--unit"])
		if err != nil {
			return result{}, err
		}
		groups, err := cohort.GroupCount(ctx, s, cf, by, unit)
		if err != nil {
			return result{}, err
		}
		out := result{
			value:  map[string]any{"filter": cf.String(), "by": by, "unit": unit, "groups": groups},
			header: []string{by, string(unit)},
		}
		for _, g := range groups {
			out.rows = append(out.rows, []string{g.Value, fmtInt(g.Count)})
		}
		return out, nil
	})
}

func runCrossTab(a *app, args []string) error {
	return storeQuery(a, args, []string{"--rows", "--cols"}, func(ctx context.Context, s *store.Store, f *flags, cf filter.Filter) (result, error) {
		rows, cols := f.values["--rows"], f.values["--cols"]
		if rows == "" || cols == "" {
			return result{}, fmt.Errorf("usage: cellcount crosstab --rows ATTR --cols ATTR [--where k=v]...")
		}
		ct, err := cohort.CrossTabulate(ctx, s, cf, rows, cols)
		if err != nil {
			return result{}, err
		}
		return crossTabResult(ct), nil
	})
}

func crossTabResult(ct *cohort.CrossTab) result {
	out := result{value: ct, header: []string{ct.RowAttr + `\` + ct.ColAttr}}
	out.header = append(out.header, ct.Cols...)
	out.header = append(out.header, "total")
	for i, r := range ct.Rows {
		row := []string{r}
		for _, n := range ct.Cells[i] {
			row = append(row, fmtInt(n))
		}
		out.rows = append(out.rows, append(row, fmtInt(ct.RowTotals[i])))
	}
	totals := []string{"total"}
	for _, n := range ct.ColTotals {
		totals = append(totals, fmtInt(n))
	}
	out.rows = append(out.rows, append(totals, fmtInt(ct.Total)))
	return out
}

func runSummary(a *app, args []string) error {
	return storeQuery(a, args, nil, func(ctx context.Context, s *store.Store, _ *flags, cf filter.Filter) (result, error) {
		sum, err := cohort.Summarize(ctx, s, cf)
		if err != nil {
			return result{}, err
		}
		out := result{value: sum, header: []string{"measure", "value", "count"}}
		add := func(measure string, groups []cohort.Group) {
			for _, g := range groups {
				out.rows = append(out.rows, []string{measure, g.Value, fmtInt(g.Count)})
			}
		}
		out.rows = append(out.rows,
			[]string{"samples", "", fmtInt(sum.Samples)},
			[]string{"subjects", "", fmtInt(sum.Subjects)},
		)
		add("samples_per_project", sum.SamplesPerProject)
		add("subjects_per_response", sum.SubjectsPerResponse)
		add("subjects_per_sex", sum.SubjectsPerSex)
		if ct := sum.SexByResponse; ct != nil {
			for i, r := range ct.Rows {
				for j, c := range ct.Cols {
					out.rows = append(out.rows, []string{"sex_by_response", r + "/" + c, fmtInt(ct.Cells[i][j])})
				}
			}
		}
		return out, nil
	})
}

func runCompare(a *app, args []string) error {
	valueFlags := []string{"--group", "--a", "--b", "--alpha", "--correction", "--min-group-size"}
	return storeQuery(a, args, valueFlags, func(ctx context.Context, s *store.Store, f *flags, cf filter.Filter) (result, error) {
		opts, err := a.cfg.AnalysisOptions()
		if err != nil {
			return result{}, err
		}
		opts.GroupAttribute = f.values["--group"]
		opts.GroupA = f.values["--a"]
		opts.GroupB = f.values["--b"]
		if v := f.values["--alpha"]; v != "" {
			if opts.Alpha, err = strconv.ParseFloat(v, 64); err != nil {
				return result{}, fmt.Errorf("invalid --alpha %q", v)
			}
		}
		if v := f.values["--correction"]; v != "" {
			if opts.Correction, err = compare.ParseCorrection(v); err != nil {
				return result{}, err
			}
		}
		if v := f.values["--min-group-size"]; v != "" {
			if opts.MinGroupSize, err = strconv.Atoi(v); err != nil {
				return result{}, fmt.Errorf("invalid --min-group-size %q", v)
			}
		}

		report, err := compare.FromStore(ctx, s, cf, opts)
		if err != nil {
			return result{}, err
		}
		report.Record(a.logger, a.metrics)

		out := result{value: report, header: []string{
			"cell_type", report.GroupA + "_mean", report.GroupA + "_median", report.GroupB + "_mean", report.GroupB + "_median",
			"difference", "u", "p_value", "adjusted_p", "significant", "n_" + report.GroupA, "n_" + report.GroupB, "status",
		}}
		for _, r := range report.Results {
			out.rows = append(out.rows, []string{
				r.CellType,
				fmtFloat(r.GroupAMean), fmtFloat(r.GroupAMedian),
				fmtFloat(r.GroupBMean), fmtFloat(r.GroupBMedian),
				fmtFloat(r.Difference),
				fmtOptFloat(r.Statistic, -1), fmtOptFloat(r.PValue, 4), fmtOptFloat(r.AdjustedPValue, 4),
				fmtOptBool(r.Significant),
				strconv.Itoa(r.NA), strconv.Itoa(r.NB),
				r.Status,
			})
		}
		if sig := report.Significant(); len(sig) > 0 {
			names := make([]string, len(sig))
			for i, r := range sig {
				names[i] = r.CellType
			}
			out.footer = append(out.footer, fmt.Sprintf("\nSignificant at alpha %s: %s", fmtOptFloat(&report.Alpha, -1), strings.Join(names, ", ")))
		} else {
			out.footer = append(out.footer, fmt.Sprintf("\nNo population differs significantly at alpha %s", fmtOptFloat(&report.Alpha, -1)))
		}
		return out, nil
	})
}

// runVerify loads a source into a scratch in-memory store and checks that
// the relational and in-memory frequency paths agree, the load is closed
// under its references and a second load changes nothing.
func runVerify(a *app, args []string) error {
	f, err := parseFlags(args, nil, nil)
	if err != nil {
		return err
	}
	if len(f.positional) != 1 {
		return fmt.Errorf("usage: cellcount verify <path> [--where k=v]...")
	}
	cohortFilter, err := filter.Parse(f.where...)
	if err != nil {
		return err
	}
	ctx := context.Background()

	ds, err := dataset.Open(ctx, f.positional[0], a.cfg.DatasetOptions())
	if err != nil {
		return err
	}
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		return err
	}
	defer s.Close()

	loader := ingest.NewLoader(s, ingest.LoaderConfig{Logger: a.logger, Metrics: a.metrics})
	if _, err := loader.Load(ctx, ds); err != nil {
		return err
	}
	before, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	if _, err := loader.Load(ctx, ds); err != nil {
		return err
	}
	after, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	if *before != *after {
		return fmt.Errorf("reload changed the store: %+v -> %+v", *before, *after)
	}

	integrity, err := s.CheckIntegrity(ctx)
	if err != nil {
		return err
	}
	if !integrity.Closed() {
		return fmt.Errorf("store is not referentially closed: %+v", *integrity)
	}

	relational, err := frequency.FromStore(ctx, s, cohortFilter)
	if err != nil {
		return err
	}
	if m := frequency.Diff(relational, frequency.FromDataset(ds, cohortFilter)); m != nil {
		return fmt.Errorf("frequency paths disagree: %w", m)
	}

	fmt.Printf("OK: %d samples, %d frequency rows, both paths agree, store closed, reload idempotent\n",
		len(ds.Rows), len(relational.Rows))
	return nil
}

func runStats(a *app, args []string) error {
	return storeQuery(a, args, nil, func(ctx context.Context, s *store.Store, _ *flags, _ filter.Filter) (result, error) {
		tc, err := s.Stats(ctx)
		if err != nil {
			return result{}, err
		}
		runs, err := s.ListLoadRuns(ctx, 5)
		if err != nil {
			return result{}, err
		}
		return result{
			value:  map[string]any{"tables": tc, "recent_loads": runs},
			header: []string{"table", "rows"},
			rows: [][]string{
				{"projects", fmtInt(tc.Projects)},
				{"subjects", fmtInt(tc.Subjects)},
				{"samples", fmtInt(tc.Samples)},
				{"cell_types", fmtInt(tc.CellTypes)},
				{"cell_counts", fmtInt(tc.CellCounts)},
			},
		}, nil
	})
}

func runMCP(a *app, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("usage: cellcount mcp")
	}
	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	analysis, err := a.cfg.AnalysisOptions()
	if err != nil {
		return err
	}
	srv := mcp.NewServer(mcp.ServerConfig{
		Store:    s,
		Version:  version,
		Analysis: analysis,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	return server.ServeStdio(srv)
}
