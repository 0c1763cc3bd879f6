package cohort

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/hurttlocker/cellcount/internal/filter"
	"github.com/hurttlocker/cellcount/internal/store"
)

// CrossTab counts distinct subjects by two attributes. Totals are distinct
// counts of their own over the same joined set, so a subject spanning
// several cells of a row is counted once in that row's total.
type CrossTab struct {
	RowAttr   string    `json:"row_attribute"`
	ColAttr   string    `json:"column_attribute"`
	Rows      []string  `json:"rows"`
	Cols      []string  `json:"columns"`
	Cells     [][]int64 `json:"cells"`
	RowTotals []int64   `json:"row_totals"`
	ColTotals []int64   `json:"column_totals"`
	Total     int64     `json:"total"`
}

// Cell returns the count at (row, col), 0 when absent.
func (c *CrossTab) Cell(row, col string) int64 {
	i, j := indexOf(c.Rows, row), indexOf(c.Cols, col)
	if i < 0 || j < 0 {
		return 0
	}
	return c.Cells[i][j]
}

// RowTotal returns the total of row, 0 when absent.
func (c *CrossTab) RowTotal(row string) int64 {
	if i := indexOf(c.Rows, row); i >= 0 {
		return c.RowTotals[i]
	}
	return 0
}

// ColTotal returns the total of col, 0 when absent.
func (c *CrossTab) ColTotal(col string) int64 {
	if j := indexOf(c.Cols, col); j >= 0 {
		return c.ColTotals[j]
	}
	return 0
}

func indexOf(sorted []string, v string) int {
	i := sort.SearchStrings(sorted, v)
	if i < len(sorted) && sorted[i] == v {
		return i
	}
	return -1
}

// CrossTabulate builds the subject cross-tab of rowAttr × colAttr.
func CrossTabulate(ctx context.Context, q store.Querier, f filter.Filter, rowAttr, colAttr string) (*CrossTab, error) {
	return crossTabAt(ctx, q, f, rowAttr, colAttr, filter.LevelSubject)
}

// crossTabAt joins at least down to minLevel.
func crossTabAt(ctx context.Context, q store.Querier, f filter.Filter, rowAttr, colAttr string, minLevel filter.Level) (*CrossTab, error) {
	ra, err := filter.GroupableAttribute(rowAttr)
	if err != nil {
		return nil, err
	}
	ca, err := filter.GroupableAttribute(colAttr)
	if err != nil {
		return nil, err
	}
	if ra.Name == ca.Name {
		return nil, fmt.Errorf("cross-tab needs two different attributes, got %q twice", ra.Name)
	}
	lvl := levelOf(f, ra.Level, ca.Level, minLevel)

	ct := &CrossTab{RowAttr: ra.Name, ColAttr: ca.Name}
	rowTotals, err := groupCount(ctx, q, f, ra, UnitSubjects, lvl)
	if err != nil {
		return nil, err
	}
	colTotals, err := groupCount(ctx, q, f, ca, UnitSubjects, lvl)
	if err != nil {
		return nil, err
	}
	if ct.Total, err = count(ctx, q, f, UnitSubjects, lvl); err != nil {
		return nil, err
	}
	for _, g := range rowTotals {
		ct.Rows = append(ct.Rows, g.Value)
		ct.RowTotals = append(ct.RowTotals, g.Count)
	}
	for _, g := range colTotals {
		ct.Cols = append(ct.Cols, g.Value)
		ct.ColTotals = append(ct.ColTotals, g.Count)
	}
	ct.Cells = make([][]int64, len(ct.Rows))
	for i := range ct.Cells {
		ct.Cells[i] = make([]int64, len(ct.Cols))
	}

	rowCol, colCol := store.FilterColumns[ra.Name], store.FilterColumns[ca.Name]
	from, args, err := scope(f, lvl)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s, %s, COUNT(DISTINCT sub.subject_id)\n%s\nGROUP BY %s, %s",
		rowCol, colCol, from, rowCol, colCol)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cross-tabulating %s by %s: %w", ra.Name, ca.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var r, c sql.NullString
		var n int64
		if err := rows.Scan(&r, &c, &n); err != nil {
			return nil, fmt.Errorf("scanning cross-tab cell: %w", err)
		}
		i, j := indexOf(ct.Rows, r.String), indexOf(ct.Cols, c.String)
		if i >= 0 && j >= 0 {
			ct.Cells[i][j] = n
		}
	}
	return ct, rows.Err()
}
