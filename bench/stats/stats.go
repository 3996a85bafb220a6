// Package stats implements the robust estimators used to summarize a cell.
//
// Every function is pure and total: an empty input yields 0 and a singleton
// yields its only value. Inputs are never mutated.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Number is the set of sample types the order-statistic helpers accept.
type Number interface {
	~int | ~int64 | ~float64
}

// Source is the random stream consumed by BootstrapCI. *rng.Generator and
// *rand.Rand both satisfy it.
type Source interface {
	Float64() float64
}

// Mean returns the arithmetic mean.
func Mean(seq []float64) float64 {
	if len(seq) == 0 {
		return 0
	}
	return stat.Mean(seq, nil)
}

// StdDev returns the population standard deviation.
func StdDev(seq []float64) float64 {
	if len(seq) < 2 {
		return 0
	}
	_, std := stat.PopMeanStdDev(seq, nil)
	return std
}

// StdDevAround returns the population standard deviation around a caller
// supplied mean.
func StdDevAround(seq []float64, mean float64) float64 {
	if len(seq) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range seq {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(seq)))
}

// CoefficientOfVariation returns stddev/mean, or 0 when the mean is 0 or not
// finite.
func CoefficientOfVariation(seq []float64) float64 {
	m := Mean(seq)
	if m == 0 || math.IsNaN(m) || math.IsInf(m, 0) {
		return 0
	}
	return StdDevAround(seq, m) / m
}

// Quantile returns the q-th quantile (q in [0,1]) by linear interpolation
// between order statistics at rank q*(n-1). A NaN q yields NaN.
func Quantile[T Number](seq []T, q float64) float64 {
	n := len(seq)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	for i, v := range seq {
		sorted[i] = float64(v)
	}
	sort.Float64s(sorted)
	return quantileSorted(sorted, q)
}

func quantileSorted(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if math.IsNaN(q) {
		return math.NaN()
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[n-1]
	}

	rank := q * float64(n-1)
	lowerIdx := int(math.Floor(rank))
	upperIdx := int(math.Ceil(rank))
	if lowerIdx == upperIdx {
		return sorted[lowerIdx]
	}
	lowerVal, upperVal := sorted[lowerIdx], sorted[upperIdx]
	return lowerVal + (upperVal-lowerVal)*(rank-float64(lowerIdx))
}

// Median returns the 0.5 quantile; even lengths average the middle pair.
func Median[T Number](seq []T) float64 {
	return Quantile(seq, 0.5)
}

// Quartiles returns the 0.25 and 0.75 quantiles.
func Quartiles[T Number](seq []T) (q1, q3 float64) {
	return Quantile(seq, 0.25), Quantile(seq, 0.75)
}

// IQR returns the interquartile range.
func IQR[T Number](seq []T) float64 {
	q1, q3 := Quartiles(seq)
	return q3 - q1
}

// MedianOfMeans splits seq into k groups by round-robin assignment (sample i
// goes to group i mod k) and returns the median of the group means.
//
// Interleaving keeps a monotonic drift across the run from landing in a single
// group. k <= 1 is the plain mean; k >= len(seq) gives groups of one sample,
// which reduces to the median.
func MedianOfMeans(seq []float64, k int) float64 {
	n := len(seq)
	if n == 0 {
		return 0
	}
	if k <= 1 {
		return Mean(seq)
	}
	if k > n {
		k = n
	}

	sums := make([]float64, k)
	counts := make([]float64, k)
	for i, v := range seq {
		sums[i%k] += v
		counts[i%k]++
	}
	floats.Div(sums, counts)
	return Median(sums)
}

// BootstrapCI returns a 95% percentile bootstrap interval for the mean of seq.
// Every index is drawn from src so the interval is reproducible for a given
// stream.
func BootstrapCI(seq []float64, resamples int, src Source) (lo, hi float64) {
	n := len(seq)
	if n == 0 {
		return 0, 0
	}
	if n == 1 || resamples <= 0 || src == nil {
		m := Mean(seq)
		return m, m
	}

	means := make([]float64, resamples)
	for r := range means {
		sum := 0.0
		for i := 0; i < n; i++ {
			idx := int(src.Float64() * float64(n))
			if idx >= n {
				idx = n - 1
			}
			sum += seq[idx]
		}
		means[r] = sum / float64(n)
	}
	sort.Float64s(means)
	return quantileSorted(means, 0.025), quantileSorted(means, 0.975)
}
