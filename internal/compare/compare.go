// Package compare runs the per-population two-group comparison of relative
// frequencies: descriptive statistics for both groups plus a two-sided
// Mann-Whitney U test.
package compare

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hurttlocker/cellcount/internal/cohort"
	"github.com/hurttlocker/cellcount/internal/dataset"
	"github.com/hurttlocker/cellcount/internal/filter"
	"github.com/hurttlocker/cellcount/internal/frequency"
	"github.com/hurttlocker/cellcount/internal/metrics"
	"github.com/hurttlocker/cellcount/internal/stats"
	"github.com/hurttlocker/cellcount/internal/store"
)

// Correction names a multiple-comparison adjustment.
type Correction string

const (
	CorrectionNone Correction = "none"
	CorrectionBH   Correction = "bh"
)

// ParseCorrection validates a correction name. Empty means none.
func ParseCorrection(s string) (Correction, error) {
	switch Correction(s) {
	case "", CorrectionNone:
		return CorrectionNone, nil
	case CorrectionBH, "benjamini-hochberg", "fdr":
		return CorrectionBH, nil
	default:
		return "", fmt.Errorf("unknown correction %q (want none or bh)", s)
	}
}

// Result statuses.
const (
	StatusOK               = "ok"
	StatusInsufficientData = "insufficient_data"
	StatusEmptyGroup       = "empty_group"
)

// Defaults.
const (
	DefaultAlpha        = 0.05
	DefaultMinGroupSize = 2
)

// Options configures a comparison. Zero fields take defaults: response,
// yes vs no, alpha 0.05, no correction, at least 2 samples per group.
type Options struct {
	GroupAttribute string
	GroupA         string
	GroupB         string
	Alpha          float64
	Correction     Correction
	MinGroupSize   int
}

func (o Options) withDefaults() Options {
	if o.GroupAttribute == "" {
		o.GroupAttribute = filter.Response
	}
	if o.GroupA == "" && o.GroupB == "" {
		o.GroupA, o.GroupB = "yes", "no"
	}
	if o.Alpha == 0 {
		o.Alpha = DefaultAlpha
	}
	if o.Correction == "" {
		o.Correction = CorrectionNone
	}
	if o.MinGroupSize == 0 {
		o.MinGroupSize = DefaultMinGroupSize
	}
	return o
}

// Validate reports option errors after defaults are applied.
func (o Options) Validate() error {
	o = o.withDefaults()
	a, ok := filter.Lookup(o.GroupAttribute)
	if !ok {
		return fmt.Errorf("unknown group attribute %q", o.GroupAttribute)
	}
	if a.Level == filter.LevelFact {
		return fmt.Errorf("group attribute %q is not a sample attribute", a.Name)
	}
	if o.GroupA == "" || o.GroupB == "" || o.GroupA == o.GroupB {
		return fmt.Errorf("need two different group values, got %q and %q", o.GroupA, o.GroupB)
	}
	if o.Alpha <= 0 || o.Alpha >= 1 {
		return fmt.Errorf("alpha must be in (0, 1), got %v", o.Alpha)
	}
	if _, err := ParseCorrection(string(o.Correction)); err != nil {
		return err
	}
	if o.MinGroupSize < 1 {
		return fmt.Errorf("min group size must be at least 1, got %d", o.MinGroupSize)
	}
	return nil
}

// Result is the comparison of one population. PValue, Statistic and
// Significant are nil unless Status is ok.
type Result struct {
	CellType       string   `json:"cell_type_name"`
	GroupAMean     float64  `json:"group_a_mean"`
	GroupAMedian   float64  `json:"group_a_median"`
	GroupBMean     float64  `json:"group_b_mean"`
	GroupBMedian   float64  `json:"group_b_median"`
	Difference     float64  `json:"difference_in_means"`
	Statistic      *float64 `json:"u_statistic,omitempty"`
	PValue         *float64 `json:"p_value"`
	AdjustedPValue *float64 `json:"adjusted_p_value,omitempty"`
	Significant    *bool    `json:"significant"`
	Method         string   `json:"method,omitempty"`
	NA             int      `json:"n_a"`
	NB             int      `json:"n_b"`
	Status         string   `json:"status"`
	Message        string   `json:"message,omitempty"`
}

// Report is a full comparison, one result per population in table order.
type Report struct {
	Filter         string     `json:"filter"`
	GroupAttribute string     `json:"group_attribute"`
	GroupA         string     `json:"group_a"`
	GroupB         string     `json:"group_b"`
	Alpha          float64    `json:"alpha"`
	Correction     Correction `json:"correction"`
	MinGroupSize   int        `json:"min_group_size"`
	Excluded       []string   `json:"excluded_samples,omitempty"`
	Results        []Result   `json:"results"`
}

// Compare tests every population of table between the two groups. groups
// maps each sample to its value of the group attribute; samples in neither
// group are ignored. Zero-total samples are excluded.
func Compare(table *frequency.Table, groups map[string]string, opts Options) (*Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	report := &Report{
		GroupAttribute: opts.GroupAttribute,
		GroupA:         opts.GroupA,
		GroupB:         opts.GroupB,
		Alpha:          opts.Alpha,
		Correction:     opts.Correction,
		MinGroupSize:   opts.MinGroupSize,
	}
	for _, is := range table.Issues {
		if is.Kind == frequency.IssueZeroTotal {
			report.Excluded = append(report.Excluded, is.Sample)
		}
	}

	type sampleSet struct{ a, b []float64 }
	byPopulation := make(map[string]*sampleSet)
	for _, r := range table.Rows {
		set := byPopulation[r.Population]
		if set == nil {
			set = &sampleSet{}
			byPopulation[r.Population] = set
		}
		if r.ZeroTotal {
			continue
		}
		switch groups[r.Sample] {
		case opts.GroupA:
			set.a = append(set.a, r.Percentage)
		case opts.GroupB:
			set.b = append(set.b, r.Percentage)
		}
	}

	var tested []int
	for _, population := range table.Populations() {
		set := byPopulation[population]
		res := Result{
			CellType:     population,
			GroupAMean:   stats.Mean(set.a),
			GroupAMedian: stats.Median(set.a),
			GroupBMean:   stats.Mean(set.b),
			GroupBMedian: stats.Median(set.b),
			NA:           len(set.a),
			NB:           len(set.b),
		}
		res.Difference = res.GroupAMean - res.GroupBMean

		switch {
		case res.NA == 0 || res.NB == 0:
			res.Status = StatusEmptyGroup
			res.Message = fmt.Sprintf("no samples with %s=%s", opts.GroupAttribute, emptyGroup(res, opts))
		case res.NA < opts.MinGroupSize || res.NB < opts.MinGroupSize:
			res.Status = StatusInsufficientData
			res.Message = fmt.Sprintf("need at least %d samples per group, have %d and %d", opts.MinGroupSize, res.NA, res.NB)
		default:
			mw, err := stats.MannWhitneyU(set.a, set.b)
			if err != nil {
				return nil, fmt.Errorf("testing %s: %w", population, err)
			}
			res.Status = StatusOK
			res.Statistic = ptr(mw.U)
			res.PValue = ptr(mw.PValue)
			res.Method = string(mw.Method)
			tested = append(tested, len(report.Results))
		}
		report.Results = append(report.Results, res)
	}

	if opts.Correction == CorrectionBH && len(tested) > 0 {
		pvals := make([]float64, len(tested))
		for i, idx := range tested {
			pvals[i] = *report.Results[idx].PValue
		}
		for i, adj := range stats.BenjaminiHochberg(pvals) {
			report.Results[tested[i]].AdjustedPValue = ptr(adj)
		}
	}
	for _, idx := range tested {
		r := &report.Results[idx]
		p := *r.PValue
		if r.AdjustedPValue != nil {
			p = *r.AdjustedPValue
		}
		r.Significant = ptr(p < opts.Alpha)
	}
	return report, nil
}

// FromStore compares the cohort selected by f in the relational store.
func FromStore(ctx context.Context, q store.Querier, f filter.Filter, opts Options) (*Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	table, err := frequency.FromStore(ctx, q, f)
	if err != nil {
		return nil, err
	}
	groups, err := cohort.SampleValues(ctx, q, f, opts.GroupAttribute)
	if err != nil {
		return nil, err
	}
	report, err := Compare(table, groups, opts)
	if err != nil {
		return nil, err
	}
	report.Filter = f.String()
	return report, nil
}

// FromDataset compares the cohort selected by f in a parsed source.
func FromDataset(ds *dataset.Dataset, f filter.Filter, opts Options) (*Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	groups := make(map[string]string, len(ds.Rows))
	for _, r := range ds.Rows {
		groups[r.Sample] = r.Values()[opts.GroupAttribute]
	}
	report, err := Compare(frequency.FromDataset(ds, f), groups, opts)
	if err != nil {
		return nil, err
	}
	report.Filter = f.String()
	return report, nil
}

// Significant returns the results judged significant.
func (r *Report) Significant() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Significant != nil && *res.Significant {
			out = append(out, res)
		}
	}
	return out
}

// Record logs populations that could not be tested and counts every status.
func (r *Report) Record(logger *slog.Logger, m *metrics.Metrics) {
	for _, res := range r.Results {
		m.Comparison(res.Status)
		if res.Status != StatusOK && logger != nil {
			logger.Warn("comparison not tested", "population", res.CellType, "status", res.Status, "reason", res.Message)
		}
	}
}

func emptyGroup(res Result, opts Options) string {
	if res.NA == 0 {
		return opts.GroupA
	}
	return opts.GroupB
}

func ptr[T any](v T) *T { return &v }
