package stats

import (
	"errors"
	"math"
	"sort"
)

// ErrEmptySample is returned when either group has no observations.
var ErrEmptySample = errors.New("mann-whitney: empty sample")

// Method names how a p-value was computed.
type Method string

const (
	MethodExact      Method = "exact"
	MethodAsymptotic Method = "asymptotic"
)

// exactLimit bounds the smaller group for the exact distribution.
const exactLimit = 8

// MannWhitneyResult is the outcome of a two-sided rank-sum test.
type MannWhitneyResult struct {
	// U is the statistic for the first sample: R1 - n1(n1+1)/2.
	U      float64
	PValue float64
	Method Method
}

// MannWhitneyU runs the two-sided Mann-Whitney U test of x against y.
//
// Without ties and with at least one group of size 8 or less the p-value
// comes from the exact null distribution of U. Otherwise it uses the normal
// approximation with tie correction and continuity correction.
func MannWhitneyU(x, y []float64) (MannWhitneyResult, error) {
	n1, n2 := len(x), len(y)
	if n1 == 0 || n2 == 0 {
		return MannWhitneyResult{}, ErrEmptySample
	}

	ranks, tieTerm := rank(x, y)
	r1 := 0.0
	for i := 0; i < n1; i++ {
		r1 += ranks[i]
	}

	n1f, n2f := float64(n1), float64(n2)
	u1 := r1 - n1f*(n1f+1)/2
	u2 := n1f*n2f - u1
	u := math.Max(u1, u2)

	if tieTerm == 0 && (n1 <= exactLimit || n2 <= exactLimit) {
		p := 2 * exactSF(int(math.Round(u)), n1, n2)
		return MannWhitneyResult{U: u1, PValue: math.Min(p, 1), Method: MethodExact}, nil
	}

	n := n1f + n2f
	s := math.Sqrt(n1f * n2f / 12 * ((n + 1) - tieTerm/(n*(n-1))))
	if s == 0 {
		// Every observation tied: no evidence either way.
		return MannWhitneyResult{U: u1, PValue: 1, Method: MethodAsymptotic}, nil
	}
	z := (u - n1f*n2f/2 - 0.5) / s
	p := 2 * NormalSF(z)
	return MannWhitneyResult{U: u1, PValue: math.Min(p, 1), Method: MethodAsymptotic}, nil
}

// rank assigns mid-ranks to the pooled sample (x first, then y) and returns
// them in input order along with Σ(t³-t) over tie groups.
func rank(x, y []float64) ([]float64, float64) {
	type entry struct {
		val float64
		pos int
	}
	pooled := make([]entry, 0, len(x)+len(y))
	for i, v := range x {
		pooled = append(pooled, entry{v, i})
	}
	for i, v := range y {
		pooled = append(pooled, entry{v, len(x) + i})
	}
	sort.SliceStable(pooled, func(i, j int) bool { return pooled[i].val < pooled[j].val })

	ranks := make([]float64, len(pooled))
	tieTerm := 0.0
	for i := 0; i < len(pooled); {
		j := i
		for j < len(pooled) && pooled[j].val == pooled[i].val {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[pooled[k].pos] = avg
		}
		if t := float64(j - i); t > 1 {
			tieTerm += t*t*t - t
		}
		i = j
	}
	return ranks, tieTerm
}

// exactSF returns P(U >= u) under the null for group sizes m and n.
// The frequencies of U are the coefficients of the Gaussian binomial
// [m+n choose m]_q = Π_{i=1..m} (1-q^(n+i)) / (1-q^i).
func exactSF(u, m, n int) float64 {
	if m > n {
		m, n = n, m
	}
	maxU := m * n
	if u <= 0 {
		return 1
	}
	if u > maxU {
		return 0
	}

	c := make([]float64, maxU+1)
	c[0] = 1
	for i := 1; i <= m; i++ {
		// multiply by (1 - q^(n+i))
		for k := maxU; k >= n+i; k-- {
			c[k] -= c[k-n-i]
		}
		// divide by (1 - q^i)
		for k := i; k <= maxU; k++ {
			c[k] += c[k-i]
		}
	}

	total, tail := 0.0, 0.0
	for k, f := range c {
		total += f
		if k >= u {
			tail += f
		}
	}
	return tail / total
}
