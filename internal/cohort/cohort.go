// Package cohort answers descriptive questions about a filtered cohort:
// scalar averages, grouped counts and cross-tabulations.
//
// Every query takes a structured filter. A cohort that matches nothing
// yields empty or zero results, never an error.
package cohort

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/hurttlocker/cellcount/internal/filter"
	"github.com/hurttlocker/cellcount/internal/stats"
	"github.com/hurttlocker/cellcount/internal/store"
)

// Unit selects what grouped counts count.
type Unit string

const (
	UnitSamples  Unit = "samples"
	UnitSubjects Unit = "subjects"
)

// ParseUnit validates a unit name. Empty means samples.
func ParseUnit(s string) (Unit, error) {
	switch Unit(s) {
	case "", UnitSamples:
		return UnitSamples, nil
	case UnitSubjects:
		return UnitSubjects, nil
	default:
		return "", fmt.Errorf("unknown unit %q (want samples or subjects)", s)
	}
}

func (u Unit) level() filter.Level {
	if u == UnitSubjects {
		return filter.LevelSubject
	}
	return filter.LevelSample
}

func (u Unit) countExpr() string {
	if u == UnitSubjects {
		return "COUNT(DISTINCT sub.subject_id)"
	}
	return "COUNT(DISTINCT s.sample_id)"
}

// fromClause picks the narrowest join covering lvl.
func fromClause(lvl filter.Level) string {
	switch lvl {
	case filter.LevelFact:
		return store.FactJoin
	case filter.LevelSample:
		return store.SampleJoin
	default:
		return store.SubjectJoin
	}
}

// levelOf returns the deepest of the filter's level and levels.
func levelOf(f filter.Filter, levels ...filter.Level) filter.Level {
	lvl := f.Level()
	for _, l := range levels {
		if l > lvl {
			lvl = l
		}
	}
	return lvl
}

// scope builds "FROM ... [WHERE ...]" for a cohort touching the given levels.
func scope(f filter.Filter, levels ...filter.Level) (string, []any, error) {
	lvl := levelOf(f, levels...)
	where, args, err := f.SQL(store.FilterColumns)
	if err != nil {
		return "", nil, err
	}
	clause := "FROM " + fromClause(lvl)
	if where != "" {
		clause += "\nWHERE " + where
	}
	return clause, args, nil
}

// Average is a rounded mean of cell counts with the number of facts behind it.
type Average struct {
	Value float64 `json:"average"`
	N     int64   `json:"n"`
}

// AverageCount returns the mean cell_count over the facts selected by f,
// rounded to 2 decimals.
func AverageCount(ctx context.Context, q store.Querier, f filter.Filter) (Average, error) {
	from, args, err := scope(f, filter.LevelFact)
	if err != nil {
		return Average{}, err
	}
	var n int64
	var avg sql.NullFloat64
	query := "SELECT COUNT(cc.cell_count), AVG(CAST(cc.cell_count AS DOUBLE PRECISION))\n" + from
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n, &avg); err != nil {
		return Average{}, fmt.Errorf("averaging cell counts: %w", err)
	}
	if n == 0 || !avg.Valid {
		return Average{}, nil
	}
	return Average{Value: stats.Round(avg.Float64, 2), N: n}, nil
}

// Count returns the number of distinct samples or subjects in the cohort.
func Count(ctx context.Context, q store.Querier, f filter.Filter, unit Unit) (int64, error) {
	return count(ctx, q, f, unit, unit.level())
}

func count(ctx context.Context, q store.Querier, f filter.Filter, unit Unit, lvl filter.Level) (int64, error) {
	from, args, err := scope(f, unit.level(), lvl)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.QueryRowContext(ctx, "SELECT "+unit.countExpr()+"\n"+from, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", unit, err)
	}
	return n, nil
}

// Group is one value of a grouping attribute and its count. A missing
// attribute value groups under "".
type Group struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// GroupCount counts samples or distinct subjects per value of attr.
// Groups are ordered by value.
func GroupCount(ctx context.Context, q store.Querier, f filter.Filter, attr string, unit Unit) ([]Group, error) {
	a, err := filter.GroupableAttribute(attr)
	if err != nil {
		return nil, err
	}
	return groupCount(ctx, q, f, a, unit, a.Level)
}

func groupCount(ctx context.Context, q store.Querier, f filter.Filter, a filter.Attribute, unit Unit, lvl filter.Level) ([]Group, error) {
	col := store.FilterColumns[a.Name]
	from, args, err := scope(f, unit.level(), lvl)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s, %s\n%s\nGROUP BY %s", col, unit.countExpr(), from, col)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("grouping %s by %s: %w", unit, a.Name, err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var v sql.NullString
		var n int64
		if err := rows.Scan(&v, &n); err != nil {
			return nil, fmt.Errorf("scanning group: %w", err)
		}
		out = append(out, Group{Value: v.String, Count: n})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out, nil
}

// SampleValues maps every sample in the cohort to its value of attr.
// Samples with no value for attr map to "".
func SampleValues(ctx context.Context, q store.Querier, f filter.Filter, attr string) (map[string]string, error) {
	a, ok := filter.Lookup(attr)
	if !ok {
		return nil, fmt.Errorf("unknown attribute %q", attr)
	}
	if a.Level == filter.LevelFact {
		return nil, fmt.Errorf("attribute %q is not a sample attribute", a.Name)
	}
	col := store.FilterColumns[a.Name]
	from, args, err := scope(f, filter.LevelSample)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT s.sample_id, %s\n%s", col, from), args...)
	if err != nil {
		return nil, fmt.Errorf("reading sample %s: %w", a.Name, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var sample string
		var v sql.NullString
		if err := rows.Scan(&sample, &v); err != nil {
			return nil, fmt.Errorf("scanning sample %s: %w", a.Name, err)
		}
		out[sample] = v.String
	}
	return out, rows.Err()
}
