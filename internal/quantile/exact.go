package quantile

import "sort"

// Exact computes exact quantiles of a finite sample by linear interpolation
// over sorted order statistics. Percentiles are in [0,100]. An empty sample
// yields zeros. Used by rolling-window consumers where the full sample fits
// in memory; streams go through Digest instead.
func Exact(values []float64, percentiles []float64) []float64 {
	out := make([]float64, len(percentiles))
	if len(values) == 0 {
		return out
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	for i, p := range percentiles {
		if p < 0 {
			p = 0
		} else if p > 100 {
			p = 100
		}
		pos := p / 100 * float64(n-1)
		lo := int(pos)
		if lo >= n-1 {
			out[i] = sorted[n-1]
			continue
		}
		frac := pos - float64(lo)
		out[i] = sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
	}
	return out
}
