package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeanMedian(t *testing.T) {
	tests := []struct {
		name         string
		in           []float64
		mean, median float64
	}{
		{"empty", nil, 0, 0},
		{"single", []float64{4}, 4, 4},
		{"odd", []float64{3, 1, 2}, 2, 2},
		{"even", []float64{10, 20, 40, 30}, 25, 25},
		{"skewed", []float64{1, 2, 100}, 103.0 / 3, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.mean, Mean(tt.in), 1e-12)
			assert.InDelta(t, tt.median, Median(tt.in), 1e-12)
		})
	}
}

func TestMedian_DoesNotReorderInput(t *testing.T) {
	in := []float64{3, 1, 2}
	Median(in)
	assert.Equal(t, []float64{3, 1, 2}, in)
}

func TestRound(t *testing.T) {
	assert.Equal(t, 33.33, Round(100.0/3, 2))
	assert.Equal(t, 0.13, Round(0.125, 2))
	assert.Equal(t, 10.0, Round(9.999, 2))
}

func TestMannWhitneyU_Exact(t *testing.T) {
	res, err := MannWhitneyU([]float64{1, 2, 3}, []float64{4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, MethodExact, res.Method)
	assert.Equal(t, 0.0, res.U)
	assert.InDelta(t, 0.1, res.PValue, 1e-12)

	res, err = MannWhitneyU([]float64{1, 2, 3, 5}, []float64{4, 6, 7, 8})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.U)
	assert.InDelta(t, 4.0/70, res.PValue, 1e-12)
}

func TestMannWhitneyU_Symmetric(t *testing.T) {
	x := []float64{1.5, 7.2, 3.3, 9.1}
	y := []float64{2.2, 8.8, 4.4}
	a, err := MannWhitneyU(x, y)
	require.NoError(t, err)
	b, err := MannWhitneyU(y, x)
	require.NoError(t, err)
	assert.InDelta(t, a.PValue, b.PValue, 1e-12)
	assert.Equal(t, float64(len(x)*len(y)), a.U+b.U)
}

func TestMannWhitneyU_IdenticalGroupsNotSignificant(t *testing.T) {
	res, err := MannWhitneyU([]float64{1, 2, 3}, []float64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, MethodAsymptotic, res.Method, "ties force the normal approximation")
	assert.Equal(t, 1.0, res.PValue)
}

func TestMannWhitneyU_AsymptoticWithTies(t *testing.T) {
	res, err := MannWhitneyU([]float64{1, 1, 2}, []float64{2, 3, 3})
	require.NoError(t, err)
	assert.Equal(t, MethodAsymptotic, res.Method)
	assert.Equal(t, 0.5, res.U)
	assert.InDelta(t, 0.110149, res.PValue, 1e-5)
}

func TestMannWhitneyU_LargeSamplesUseNormal(t *testing.T) {
	x := make([]float64, 10)
	y := make([]float64, 10)
	for i := range x {
		x[i] = float64(i)
		y[i] = float64(i) + 100
	}
	res, err := MannWhitneyU(x, y)
	require.NoError(t, err)
	assert.Equal(t, MethodAsymptotic, res.Method)
	assert.Less(t, res.PValue, 0.001)
}

func TestMannWhitneyU_AllTied(t *testing.T) {
	res, err := MannWhitneyU([]float64{5, 5}, []float64{5, 5, 5})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.PValue)
}

func TestMannWhitneyU_Empty(t *testing.T) {
	_, err := MannWhitneyU(nil, []float64{1})
	assert.ErrorIs(t, err, ErrEmptySample)
}

func TestExactSF(t *testing.T) {
	assert.Equal(t, 1.0, exactSF(0, 3, 3))
	assert.Equal(t, 0.0, exactSF(10, 3, 3))
	assert.InDelta(t, 0.125, exactSF(12, 3, 5), 1e-12)
	assert.InDelta(t, exactSF(12, 3, 5), exactSF(12, 5, 3), 1e-12)
}

func TestBenjaminiHochberg(t *testing.T) {
	got := BenjaminiHochberg([]float64{0.01, 0.04, 0.03, 0.20})
	// 0.03 at rank 2 (0.06) is capped by 0.04 at rank 3 (0.0533).
	want := []float64{0.04, 0.04 * 4 / 3, 0.04 * 4 / 3, 0.20}
	require.Len(t, got, 4)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12, "index %d", i)
	}
}

func TestBenjaminiHochberg_NaNAndEmpty(t *testing.T) {
	assert.Empty(t, BenjaminiHochberg(nil))

	got := BenjaminiHochberg([]float64{0.02, math.NaN(), 0.04})
	assert.InDelta(t, 0.04, got[0], 1e-12)
	assert.True(t, math.IsNaN(got[1]))
	assert.InDelta(t, 0.04, got[2], 1e-12)
}
