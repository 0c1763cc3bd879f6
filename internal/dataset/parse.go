package dataset

import (
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("col")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Read parses a source stream. name selects the format by extension.
// cellTypes is the expected catalog; when empty it is inferred from the header.
func Read(name string, r io.Reader, cellTypes []string) (*Dataset, error) {
	records, err := readerFor(name).Records(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	ds, err := Parse(records, cellTypes)
	if err != nil {
		return nil, err
	}
	ds.Source = name
	return ds, nil
}

// Parse validates header + data records into a Dataset. Line numbers in
// errors are 1-based with the header on line 1.
func Parse(records [][]string, cellTypes []string) (*Dataset, error) {
	if len(records) == 0 {
		return nil, &ValidationError{Line: 1, Reason: "empty source, no header"}
	}

	index, err := headerIndex(records[0])
	if err != nil {
		return nil, err
	}
	for _, col := range FixedColumns {
		if _, ok := index[col]; !ok {
			return nil, &ValidationError{Line: 1, Column: col, Reason: "missing column"}
		}
	}

	if len(cellTypes) == 0 {
		cellTypes = inferCellTypes(records[0])
		if len(cellTypes) == 0 {
			return nil, &ValidationError{Line: 1, Reason: "no cell-type columns"}
		}
	}
	for _, ct := range cellTypes {
		if _, ok := index[ct]; !ok {
			return nil, &ValidationError{Line: 1, Column: ct, Reason: "missing cell-type column"}
		}
	}

	ds := &Dataset{CellTypes: append([]string(nil), cellTypes...)}
	for _, col := range inferCellTypes(records[0]) {
		if !slices.Contains(cellTypes, col) {
			ds.IgnoredColumns = append(ds.IgnoredColumns, col)
		}
	}
	bySample := make(map[string]int)

	for i, rec := range records[1:] {
		line := i + 2
		if blank(rec) {
			continue
		}
		row, err := parseRow(line, rec, index, cellTypes)
		if err != nil {
			return nil, err
		}

		if at, seen := bySample[row.Sample]; seen {
			prev := ds.Rows[at]
			if !sameRow(prev, row) {
				return nil, &ValidationError{
					Line:   line,
					Column: ColSample,
					Value:  row.Sample,
					Reason: fmt.Sprintf("conflicts with line %d", prev.Line),
				}
			}
			ds.Duplicates++
			continue
		}
		bySample[row.Sample] = len(ds.Rows)
		ds.Rows = append(ds.Rows, row)
	}
	return ds, nil
}

func headerIndex(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for j, h := range header {
		name := normalizeHeader(h, j)
		if name == "" {
			continue
		}
		if _, dup := index[name]; dup {
			return nil, &ValidationError{Line: 1, Column: name, Reason: "duplicate column"}
		}
		index[name] = j
	}
	return index, nil
}

func normalizeHeader(h string, pos int) string {
	if pos == 0 {
		h = strings.TrimPrefix(h, "\ufeff")
	}
	return strings.ToLower(strings.TrimSpace(h))
}

func inferCellTypes(header []string) []string {
	var out []string
	for j, h := range header {
		name := normalizeHeader(h, j)
		if name == "" || slices.Contains(FixedColumns, name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

func parseRow(line int, rec []string, index map[string]int, cellTypes []string) (Row, error) {
	get := func(col string) string {
		j := index[col]
		if j >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[j])
	}

	row := Row{
		Line:       line,
		Project:    get(ColProject),
		Subject:    get(ColSubject),
		Condition:  get(ColCondition),
		Sex:        get(ColSex),
		Treatment:  get(ColTreatment),
		Response:   get(ColResponse),
		Sample:     get(ColSample),
		SampleType: get(ColSampleType),
		Counts:     make([]int64, len(cellTypes)),
	}

	if v := get(ColAge); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Row{}, &ValidationError{Line: line, Column: ColAge, Value: v, Reason: "not an integer"}
		}
		row.Age = &n
	}

	if v := get(ColTimeFromTreatmentStart); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return Row{}, &ValidationError{Line: line, Column: ColTimeFromTreatmentStart, Value: v, Reason: "not a finite number"}
		}
		row.TimeFromTreatmentStart = &f
	}

	for k, ct := range cellTypes {
		v := get(ct)
		if v == "" {
			return Row{}, &ValidationError{Line: line, Column: ct, Reason: "missing count"}
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Row{}, &ValidationError{Line: line, Column: ct, Value: v, Reason: "not an integer count"}
		}
		row.Counts[k] = n
	}

	if err := validate.Struct(row); err != nil {
		return Row{}, fromValidator(line, err, cellTypes)
	}
	return row, nil
}

// fromValidator reports the first failing field as a ValidationError.
func fromValidator(line int, err error, cellTypes []string) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("line %d: %w", line, err)
	}
	fe := verrs[0]

	column := fe.Field()
	if base, idx, ok := strings.Cut(column, "["); ok && base == "counts" {
		if k, err := strconv.Atoi(strings.TrimSuffix(idx, "]")); err == nil && k < len(cellTypes) {
			column = cellTypes[k]
		}
	}

	var reason string
	switch fe.Tag() {
	case "required":
		reason = "required"
	case "gte":
		reason = "must not be negative"
	case "oneof":
		reason = "must be one of: " + fe.Param()
	default:
		reason = "failed " + fe.Tag()
	}
	return &ValidationError{Line: line, Column: column, Value: valueString(fe.Value()), Reason: reason}
}

func valueString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case *int64:
		if x != nil {
			return strconv.FormatInt(*x, 10)
		}
	}
	return ""
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func sameRow(a, b Row) bool {
	return a.Project == b.Project &&
		a.Subject == b.Subject &&
		a.Condition == b.Condition &&
		equalPtr(a.Age, b.Age) &&
		a.Sex == b.Sex &&
		a.Treatment == b.Treatment &&
		a.Response == b.Response &&
		a.Sample == b.Sample &&
		a.SampleType == b.SampleType &&
		equalPtr(a.TimeFromTreatmentStart, b.TimeFromTreatmentStart) &&
		slices.Equal(a.Counts, b.Counts)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
