// Package filter implements the structured cohort filter: an exact-match
// conjunction of attribute=value clauses that compiles to SQL for the
// relational paths and evaluates in memory for the source-dataset path.
package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind tells how a value is compared.
type Kind int

const (
	Categorical Kind = iota
	Numeric
)

// Level is the entity an attribute belongs to. Higher levels need more joins.
type Level int

const (
	LevelSubject Level = iota
	LevelSample
	LevelFact
)

// Attribute describes one filterable column of the joined model.
type Attribute struct {
	Name      string
	Kind      Kind
	Level     Level
	Groupable bool
}

// Attribute names.
const (
	Project                = "project"
	Subject                = "subject"
	Condition              = "condition"
	Age                    = "age"
	Sex                    = "sex"
	Treatment              = "treatment"
	Response               = "response"
	Sample                 = "sample"
	SampleType             = "sample_type"
	TimeFromTreatmentStart = "time_from_treatment_start"
	CellType               = "cell_type"
)

var attributes = map[string]Attribute{
	Project:                {Name: Project, Groupable: true},
	Subject:                {Name: Subject},
	Condition:              {Name: Condition, Groupable: true},
	Age:                    {Name: Age, Kind: Numeric},
	Sex:                    {Name: Sex, Groupable: true},
	Treatment:              {Name: Treatment, Groupable: true},
	Response:               {Name: Response, Groupable: true},
	Sample:                 {Name: Sample, Level: LevelSample},
	SampleType:             {Name: SampleType, Level: LevelSample, Groupable: true},
	TimeFromTreatmentStart: {Name: TimeFromTreatmentStart, Kind: Numeric, Level: LevelSample},
	CellType:               {Name: CellType, Level: LevelFact, Groupable: true},
}

// Lookup returns the attribute registered under name.
func Lookup(name string) (Attribute, bool) {
	a, ok := attributes[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// Names returns all attribute names, sorted.
func Names() []string {
	out := make([]string, 0, len(attributes))
	for n := range attributes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// GroupableAttribute validates an attribute used for grouping.
func GroupableAttribute(name string) (Attribute, error) {
	a, ok := Lookup(name)
	if !ok {
		return Attribute{}, fmt.Errorf("unknown attribute %q", name)
	}
	if !a.Groupable {
		return Attribute{}, fmt.Errorf("attribute %q cannot be grouped by", name)
	}
	return a, nil
}

// clause is one attribute=value condition.
type clause struct {
	Attr  string
	Value string
	num   float64
}

// Filter is an ordered conjunction of clauses. The zero value matches everything.
type Filter struct {
	clauses []clause
}

// New builds a filter from an attribute→value mapping.
func New(pairs map[string]string) (Filter, error) {
	var f Filter
	for k, v := range pairs {
		var err error
		if f, err = f.With(k, v); err != nil {
			return Filter{}, err
		}
	}
	return f, nil
}

// MustNew is New for static filters; it panics on invalid input.
func MustNew(pairs map[string]string) Filter {
	f, err := New(pairs)
	if err != nil {
		panic(err)
	}
	return f
}

// Parse builds a filter from "attribute=value" expressions.
func Parse(exprs ...string) (Filter, error) {
	var f Filter
	for _, expr := range exprs {
		k, v, ok := strings.Cut(expr, "=")
		if !ok {
			return Filter{}, fmt.Errorf("invalid filter %q (want attribute=value)", expr)
		}
		var err error
		if f, err = f.With(k, v); err != nil {
			return Filter{}, err
		}
	}
	return f, nil
}

// With returns a copy of f with one more clause.
func (f Filter) With(attr, value string) (Filter, error) {
	a, ok := Lookup(attr)
	if !ok {
		return Filter{}, fmt.Errorf("unknown filter attribute %q (known: %s)", attr, strings.Join(Names(), ", "))
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return Filter{}, fmt.Errorf("empty value for filter attribute %q", a.Name)
	}
	c := clause{Attr: a.Name, Value: value}
	if a.Kind == Numeric {
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Filter{}, fmt.Errorf("filter %s=%q: not a number", a.Name, value)
		}
		c.num = n
	}

	out := Filter{clauses: make([]clause, 0, len(f.clauses)+1)}
	out.clauses = append(out.clauses, f.clauses...)
	out.clauses = append(out.clauses, c)
	sort.SliceStable(out.clauses, func(i, j int) bool {
		return out.clauses[i].Attr < out.clauses[j].Attr
	})
	return out, nil
}

// Level returns the highest entity level any clause touches.
func (f Filter) Level() Level {
	lvl := LevelSubject
	for _, c := range f.clauses {
		if a, _ := Lookup(c.Attr); a.Level > lvl {
			lvl = a.Level
		}
	}
	return lvl
}

// IsEmpty reports whether f has no clauses.
func (f Filter) IsEmpty() bool { return len(f.clauses) == 0 }

// Has reports whether f constrains attr.
func (f Filter) Has(attr string) bool {
	for _, c := range f.clauses {
		if c.Attr == attr {
			return true
		}
	}
	return false
}

// Without returns a copy of f with every clause on attr removed.
func (f Filter) Without(attr string) Filter {
	out := Filter{}
	for _, c := range f.clauses {
		if c.Attr != attr {
			out.clauses = append(out.clauses, c)
		}
	}
	return out
}

func (f Filter) String() string {
	if f.IsEmpty() {
		return "(all)"
	}
	parts := make([]string, len(f.clauses))
	for i, c := range f.clauses {
		parts[i] = c.Attr + "=" + c.Value
	}
	return strings.Join(parts, " AND ")
}

// SQL compiles f against a attribute→column mapping. It returns an empty
// string when f has no clauses. Every constrained attribute must be mapped.
func (f Filter) SQL(columns map[string]string) (string, []any, error) {
	if f.IsEmpty() {
		return "", nil, nil
	}
	parts := make([]string, 0, len(f.clauses))
	args := make([]any, 0, len(f.clauses))
	for _, c := range f.clauses {
		col, ok := columns[c.Attr]
		if !ok {
			return "", nil, fmt.Errorf("attribute %q is not available in this query", c.Attr)
		}
		parts = append(parts, col+" = ?")
		if a, _ := Lookup(c.Attr); a.Kind == Numeric {
			args = append(args, c.num)
		} else {
			args = append(args, c.Value)
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

// Match evaluates f against one record. Missing or empty values never match,
// the same way NULL columns never satisfy an equality in SQL.
func (f Filter) Match(values map[string]string) bool {
	for _, c := range f.clauses {
		v := strings.TrimSpace(values[c.Attr])
		if v == "" {
			return false
		}
		if a, _ := Lookup(c.Attr); a.Kind == Numeric {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil || n != c.num {
				return false
			}
			continue
		}
		if v != c.Value {
			return false
		}
	}
	return true
}
