package stats

import (
	"math"
	"sort"
)

// BenjaminiHochberg returns false-discovery-rate adjusted p-values in input
// order. NaN inputs are left out of the ranking and stay NaN.
func BenjaminiHochberg(pvals []float64) []float64 {
	adjusted := make([]float64, len(pvals))
	idx := make([]int, 0, len(pvals))
	for i, p := range pvals {
		if math.IsNaN(p) {
			adjusted[i] = math.NaN()
			continue
		}
		idx = append(idx, i)
	}
	n := len(idx)
	if n == 0 {
		return adjusted
	}

	sort.SliceStable(idx, func(i, j int) bool {
		return pvals[idx[i]] < pvals[idx[j]]
	})

	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		orig := idx[i]
		adj := pvals[orig] * float64(n) / float64(i+1)
		if adj < minP {
			minP = adj
		}
		adjusted[orig] = minP
	}
	return adjusted
}
