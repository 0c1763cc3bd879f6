package frequency

import "fmt"

// Mismatch describes the first difference between two tables.
type Mismatch struct {
	Index int
	Left  *Row
	Right *Row
}

func (m *Mismatch) Error() string {
	switch {
	case m.Left == nil:
		return fmt.Sprintf("row %d: only right has (%s, %s, %.2f)", m.Index, m.Right.Sample, m.Right.Population, m.Right.Percentage)
	case m.Right == nil:
		return fmt.Sprintf("row %d: only left has (%s, %s, %.2f)", m.Index, m.Left.Sample, m.Left.Population, m.Left.Percentage)
	default:
		return fmt.Sprintf("row %d: (%s, %s, %.2f) != (%s, %s, %.2f)", m.Index,
			m.Left.Sample, m.Left.Population, m.Left.Percentage,
			m.Right.Sample, m.Right.Population, m.Right.Percentage)
	}
}

// Diff compares the (sample, population, percentage) triples of a and b in
// order and returns the first mismatch, or nil when they are identical.
func Diff(a, b *Table) *Mismatch {
	n := max(len(a.Rows), len(b.Rows))
	for i := 0; i < n; i++ {
		switch {
		case i >= len(a.Rows):
			return &Mismatch{Index: i, Right: &b.Rows[i]}
		case i >= len(b.Rows):
			return &Mismatch{Index: i, Left: &a.Rows[i]}
		}
		l, r := a.Rows[i], b.Rows[i]
		if l.Sample != r.Sample || l.Population != r.Population || l.Percentage != r.Percentage {
			return &Mismatch{Index: i, Left: &a.Rows[i], Right: &b.Rows[i]}
		}
	}
	return nil
}
