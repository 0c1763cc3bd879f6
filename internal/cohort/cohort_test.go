package cohort

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/cellcount/internal/dataset"
	"github.com/hurttlocker/cellcount/internal/filter"
	"github.com/hurttlocker/cellcount/internal/ingest"
	"github.com/hurttlocker/cellcount/internal/store"
)

const source = `project,subject,condition,age,sex,treatment,response,sample,sample_type,time_from_treatment_start,b_cell,cd8_t_cell,cd4_t_cell,nk_cell,monocyte
prj1,sbj1,melanoma,57,M,miraclib,yes,s1,PBMC,0,100,10,10,10,10
prj1,sbj1,melanoma,57,M,miraclib,yes,s2,PBMC,7,300,10,10,10,10
prj1,sbj2,melanoma,61,F,miraclib,no,s3,PBMC,0,50,10,10,10,10
prj2,sbj3,carcinoma,44,F,none,,s4,tumor,,1,2,2,0,0
prj2,sbj4,melanoma,50,M,miraclib,yes,s5,PBMC,0,201,10,10,10,10
`

// newTestStore creates an in-memory store loaded with the fixture source.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ds, err := dataset.Read("source.csv", strings.NewReader(source), dataset.DefaultCellTypes)
	require.NoError(t, err)

	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	require.NoError(t, err, "failed to create test store")
	t.Cleanup(func() { s.Close() })

	_, err = ingest.NewLoader(s, ingest.LoaderConfig{}).Load(context.Background(), ds)
	require.NoError(t, err)
	return s
}

func where(t *testing.T, exprs ...string) filter.Filter {
	t.Helper()
	f, err := filter.Parse(exprs...)
	require.NoError(t, err)
	return f
}

func TestAverageCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	avg, err := AverageCount(ctx, s, where(t,
		"condition=melanoma", "sex=M", "response=yes", "time_from_treatment_start=0", "cell_type=b_cell"))
	require.NoError(t, err)
	assert.Equal(t, Average{Value: 150.5, N: 2}, avg)

	avg, err = AverageCount(ctx, s, where(t, "sample=s4", "cell_type=cd8_t_cell"))
	require.NoError(t, err)
	assert.Equal(t, 2.0, avg.Value)

	avg, err = AverageCount(ctx, s, where(t, "project=prj2", "sample_type=tumor"))
	require.NoError(t, err)
	assert.Equal(t, Average{Value: 1, N: 5}, avg)
}

func TestAverageCount_RoundsToTwoDecimals(t *testing.T) {
	s := newTestStore(t)
	avg, err := AverageCount(context.Background(), s, where(t, "sample=s4", "sex=F", "treatment=none"))
	require.NoError(t, err)
	// (1+2+2+0+0)/5
	assert.Equal(t, 1.0, avg.Value)

	avg, err = AverageCount(context.Background(), s, where(t, "cell_type=b_cell", "condition=melanoma"))
	require.NoError(t, err)
	// (100+300+50+201)/4 = 162.75
	assert.Equal(t, Average{Value: 162.75, N: 4}, avg)

	avg, err = AverageCount(context.Background(), s, where(t, "cell_type=b_cell", "response=yes"))
	require.NoError(t, err)
	// (100+300+201)/3 = 200.333...
	assert.Equal(t, 200.33, avg.Value)
}

func TestAverageCount_EmptyCohort(t *testing.T) {
	s := newTestStore(t)
	avg, err := AverageCount(context.Background(), s, where(t, "condition=lupus"))
	require.NoError(t, err)
	assert.Equal(t, Average{}, avg)
}

func TestGroupCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	groups, err := GroupCount(ctx, s, filter.Filter{}, filter.Project, UnitSamples)
	require.NoError(t, err)
	assert.Equal(t, []Group{{"prj1", 3}, {"prj2", 2}}, groups)

	groups, err = GroupCount(ctx, s, filter.Filter{}, filter.Response, UnitSubjects)
	require.NoError(t, err)
	assert.Equal(t, []Group{{"", 1}, {"no", 1}, {"yes", 2}}, groups)

	groups, err = GroupCount(ctx, s, where(t, "time_from_treatment_start=0"), filter.Sex, UnitSubjects)
	require.NoError(t, err)
	assert.Equal(t, []Group{{"F", 1}, {"M", 2}}, groups)

	groups, err = GroupCount(ctx, s, filter.Filter{}, filter.SampleType, UnitSamples)
	require.NoError(t, err)
	assert.Equal(t, []Group{{"PBMC", 4}, {"tumor", 1}}, groups)

	groups, err = GroupCount(ctx, s, where(t, "condition=lupus"), filter.Sex, UnitSubjects)
	require.NoError(t, err)
	assert.Empty(t, groups)

	_, err = GroupCount(ctx, s, filter.Filter{}, filter.Age, UnitSubjects)
	assert.Error(t, err)
}

func TestCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := Count(ctx, s, filter.Filter{}, UnitSamples)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = Count(ctx, s, where(t, "sample_type=PBMC"), UnitSubjects)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = Count(ctx, s, where(t, "cell_type=b_cell", "condition=melanoma"), UnitSamples)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestCrossTabulate(t *testing.T) {
	s := newTestStore(t)
	ct, err := CrossTabulate(context.Background(), s, filter.Filter{}, filter.Sex, filter.Response)
	require.NoError(t, err)

	assert.Equal(t, []string{"F", "M"}, ct.Rows)
	assert.Equal(t, []string{"", "no", "yes"}, ct.Cols)
	assert.Equal(t, [][]int64{{1, 1, 0}, {0, 0, 2}}, ct.Cells)
	assert.Equal(t, []int64{2, 2}, ct.RowTotals)
	assert.Equal(t, []int64{1, 1, 2}, ct.ColTotals)
	assert.Equal(t, int64(4), ct.Total)

	assert.Equal(t, int64(2), ct.Cell("M", "yes"))
	assert.Equal(t, int64(0), ct.Cell("X", "yes"))
	assert.Equal(t, int64(2), ct.RowTotal("F"))
	assert.Equal(t, int64(1), ct.ColTotal("no"))
}

func TestCrossTabulate_TotalsCountSubjectsOnce(t *testing.T) {
	s := newTestStore(t)
	// sbj1 has samples at two time points but one sample type.
	ct, err := CrossTabulate(context.Background(), s, where(t, "condition=melanoma"), filter.Sex, filter.SampleType)
	require.NoError(t, err)
	assert.Equal(t, []string{"PBMC"}, ct.Cols)
	assert.Equal(t, int64(2), ct.Cell("M", "PBMC"))
	assert.Equal(t, int64(3), ct.Total)
}

func TestCrossTabulate_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := CrossTabulate(ctx, s, filter.Filter{}, filter.Sex, filter.Sex)
	assert.Error(t, err)
	_, err = CrossTabulate(ctx, s, filter.Filter{}, filter.Age, filter.Sex)
	assert.Error(t, err)
}

func TestCrossTabulate_Empty(t *testing.T) {
	s := newTestStore(t)
	ct, err := CrossTabulate(context.Background(), s, where(t, "condition=lupus"), filter.Sex, filter.Response)
	require.NoError(t, err)
	assert.Empty(t, ct.Rows)
	assert.Zero(t, ct.Total)
}

func TestSampleValues(t *testing.T) {
	s := newTestStore(t)
	values, err := SampleValues(context.Background(), s, where(t, "condition=melanoma"), filter.Response)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s1": "yes", "s2": "yes", "s3": "no", "s5": "yes"}, values)

	_, err = SampleValues(context.Background(), s, filter.Filter{}, filter.CellType)
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	s := newTestStore(t)
	sum, err := Summarize(context.Background(), s, filter.Filter{})
	require.NoError(t, err)

	assert.Equal(t, "(all)", sum.Filter)
	assert.Equal(t, int64(5), sum.Samples)
	assert.Equal(t, int64(4), sum.Subjects)
	assert.Equal(t, []Group{{"prj1", 3}, {"prj2", 2}}, sum.SamplesPerProject)
	assert.Equal(t, []Group{{"", 1}, {"no", 1}, {"yes", 2}}, sum.SubjectsPerResponse)
	assert.Equal(t, []Group{{"F", 2}, {"M", 2}}, sum.SubjectsPerSex)
	assert.Equal(t, int64(4), sum.SexByResponse.Total)

	sum, err = Summarize(context.Background(), s, where(t, "sample_type=PBMC", "time_from_treatment_start=0"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.Samples)
	assert.Equal(t, int64(3), sum.Subjects)
}

func TestParseUnit(t *testing.T) {
	u, err := ParseUnit("")
	require.NoError(t, err)
	assert.Equal(t, UnitSamples, u)
	u, err = ParseUnit("subjects")
	require.NoError(t, err)
	assert.Equal(t, UnitSubjects, u)
	_, err = ParseUnit("cells")
	assert.Error(t, err)
}
