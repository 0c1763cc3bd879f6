package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testColumns = map[string]string{
	Condition:              "subjects.condition",
	Sex:                    "subjects.sex",
	Response:               "subjects.response",
	TimeFromTreatmentStart: "samples.time_from_treatment_start",
	CellType:               "cell_types.name",
}

func TestParse_OrdersClausesDeterministically(t *testing.T) {
	f, err := Parse("sex=M", "condition=melanoma", "time_from_treatment_start=0")
	require.NoError(t, err)

	where, args, err := f.SQL(testColumns)
	require.NoError(t, err)
	assert.Equal(t, "subjects.condition = ? AND subjects.sex = ? AND samples.time_from_treatment_start = ?", where)
	assert.Equal(t, []any{"melanoma", "M", 0.0}, args)
	assert.Equal(t, "condition=melanoma AND sex=M AND time_from_treatment_start=0", f.String())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"no equals", "condition"},
		{"unknown attribute", "colour=red"},
		{"empty value", "sex="},
		{"non-numeric", "time_from_treatment_start=soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			assert.Error(t, err)
		})
	}
}

func TestSQL_EmptyFilter(t *testing.T) {
	where, args, err := Filter{}.SQL(testColumns)
	require.NoError(t, err)
	assert.Empty(t, where)
	assert.Empty(t, args)
	assert.True(t, Filter{}.IsEmpty())
}

func TestSQL_UnmappedAttribute(t *testing.T) {
	f := MustNew(map[string]string{Project: "prj1"})
	_, _, err := f.SQL(testColumns)
	assert.Error(t, err)
}

func TestMatch(t *testing.T) {
	f := MustNew(map[string]string{Condition: "melanoma", TimeFromTreatmentStart: "0"})

	assert.True(t, f.Match(map[string]string{Condition: "melanoma", TimeFromTreatmentStart: "0.0"}))
	assert.False(t, f.Match(map[string]string{Condition: "melanoma", TimeFromTreatmentStart: "7"}))
	assert.False(t, f.Match(map[string]string{Condition: "Melanoma", TimeFromTreatmentStart: "0"}), "exact match only")
	assert.False(t, f.Match(map[string]string{Condition: "melanoma"}), "missing value never matches")
	assert.True(t, Filter{}.Match(nil))
}

func TestWithWithoutHas(t *testing.T) {
	f, err := Filter{}.With("Response", "yes")
	require.NoError(t, err)
	f, err = f.With(CellType, "b_cell")
	require.NoError(t, err)

	assert.True(t, f.Has(Response))
	assert.Equal(t, "cell_type=b_cell AND response=yes", f.String())

	g := f.Without(CellType)
	assert.False(t, g.Has(CellType))
	assert.True(t, f.Has(CellType), "Without must not mutate the receiver")
}

func TestGroupableAttribute(t *testing.T) {
	_, err := GroupableAttribute(Sex)
	assert.NoError(t, err)
	_, err = GroupableAttribute(Age)
	assert.Error(t, err)
	_, err = GroupableAttribute("nope")
	assert.Error(t, err)
}

func TestLevel(t *testing.T) {
	assert.Equal(t, LevelSubject, Filter{}.Level())
	assert.Equal(t, LevelSubject, MustNew(map[string]string{Sex: "F", Project: "prj1"}).Level())
	assert.Equal(t, LevelSample, MustNew(map[string]string{Sex: "F", SampleType: "PBMC"}).Level())
	assert.Equal(t, LevelFact, MustNew(map[string]string{CellType: "b_cell", SampleType: "PBMC"}).Level())
}
