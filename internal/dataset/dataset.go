// Package dataset reads the wide, one-row-per-sample source dataset and
// validates it before anything touches the store.
package dataset

import (
	"fmt"
	"strconv"

	"github.com/hurttlocker/cellcount/internal/filter"
)

// Fixed source columns, in source order.
const (
	ColProject                = "project"
	ColSubject                = "subject"
	ColCondition              = "condition"
	ColAge                    = "age"
	ColSex                    = "sex"
	ColTreatment              = "treatment"
	ColResponse               = "response"
	ColSample                 = "sample"
	ColSampleType             = "sample_type"
	ColTimeFromTreatmentStart = "time_from_treatment_start"
)

// FixedColumns are required in every source.
var FixedColumns = []string{
	ColProject, ColSubject, ColCondition, ColAge, ColSex, ColTreatment,
	ColResponse, ColSample, ColSampleType, ColTimeFromTreatmentStart,
}

// DefaultCellTypes is the catalog used when none is configured.
var DefaultCellTypes = []string{"b_cell", "cd8_t_cell", "cd4_t_cell", "nk_cell", "monocyte"}

// Row is one validated source row. Counts is parallel to Dataset.CellTypes.
type Row struct {
	Line                   int      `col:"-"`
	Project                string   `col:"project"`
	Subject                string   `col:"subject" validate:"required"`
	Condition              string   `col:"condition"`
	Age                    *int64   `col:"age" validate:"omitempty,gte=0"`
	Sex                    string   `col:"sex"`
	Treatment              string   `col:"treatment"`
	Response               string   `col:"response" validate:"omitempty,oneof=yes no"`
	Sample                 string   `col:"sample" validate:"required"`
	SampleType             string   `col:"sample_type"`
	TimeFromTreatmentStart *float64 `col:"time_from_treatment_start"`
	Counts                 []int64  `col:"counts" validate:"dive,gte=0"`
}

// Values exposes the row's attributes for in-memory filter evaluation.
func (r Row) Values() map[string]string {
	v := map[string]string{
		filter.Project:    r.Project,
		filter.Subject:    r.Subject,
		filter.Condition:  r.Condition,
		filter.Sex:        r.Sex,
		filter.Treatment:  r.Treatment,
		filter.Response:   r.Response,
		filter.Sample:     r.Sample,
		filter.SampleType: r.SampleType,
	}
	if r.Age != nil {
		v[filter.Age] = strconv.FormatInt(*r.Age, 10)
	}
	if r.TimeFromTreatmentStart != nil {
		v[filter.TimeFromTreatmentStart] = strconv.FormatFloat(*r.TimeFromTreatmentStart, 'g', -1, 64)
	}
	return v
}

// Dataset is a parsed source. Rows hold one entry per distinct sample, in
// source order; identical duplicate rows are dropped and counted.
// IgnoredColumns lists header columns that are neither fixed nor in the
// cell-type catalog; their values contribute to no total.
type Dataset struct {
	Source         string
	CellTypes      []string
	Rows           []Row
	Duplicates     int
	IgnoredColumns []string
}

// Projects returns the distinct non-empty project names in source order.
func (d *Dataset) Projects() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range d.Rows {
		if r.Project == "" || seen[r.Project] {
			continue
		}
		seen[r.Project] = true
		out = append(out, r.Project)
	}
	return out
}

// ValidationError reports a malformed or out-of-range source field.
type ValidationError struct {
	Line   int
	Column string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	if e.Value != "" {
		return fmt.Sprintf("line %d, column %s: %s (value %q)", e.Line, e.Column, e.Reason, e.Value)
	}
	return fmt.Sprintf("line %d, column %s: %s", e.Line, e.Column, e.Reason)
}
