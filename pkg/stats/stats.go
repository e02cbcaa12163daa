package stats

import (
	"iter"
	"math"
	"slices"
)

type Histogram struct {
	Buckets []float64 `json:"buckets"`
	Counts  []int     `json:"counts"`
}

type DistMetrics struct {
	Count     int       `json:"count"`
	Sum       float64   `json:"sum"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Avg       float64   `json:"avg"`
	Median    float64   `json:"median"`
	Stddev    float64   `json:"stddev"`
	Histogram Histogram `json:"histogram"`
}

func DistMetricStatsFrom[T any](it []T, fn func(T) float64) (stats DistMetrics) {
	values := make([]float64, len(it))
	for i := range it {
		values[i] = fn(it[i])
	}
	slices.Sort(values)

	if len(values) == 0 {
		return stats
	}

	min := values[0]
	max := values[len(values)-1]
	return DistMetrics{
		Count:     len(values),
		Sum:       SlicesSum(values),
		Min:       min,
		Max:       max,
		Avg:       SliceAverage(values),
		Median:    sortedMedian(values),
		Stddev:    SliceStddev(values),
		Histogram: SliceHistogram(values, min, max, 10),
	}
}

func identity[T any](v T) T {
	return v
}

func SliceAverage(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return SlicesSum(values) / float64(len(values))
}

func SliceAverageFunc[T any](items []T, fn func(T) float64) float64 {
	if len(items) == 0 {
		return 0
	}
	return SlicesSumOfFunc(items, fn) / float64(len(items))
}

func SlicesMedianOf[T any](items []T, selector func(T) float64) float64 {
	values := make([]float64, len(items))
	for i, item := range items {
		values[i] = selector(item)
	}
	slices.Sort(values)
	return sortedMedian(values)
}

func sortedMedian(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mid := len(values) / 2
	if len(values)%2 == 0 {
		return (values[mid-1] + values[mid]) / 2
	}
	return values[mid]
}

func SliceStddev(items []float64) float64 {
	return SliceStddevFunc(items, identity)
}

// SliceStddevFunc computes the sample standard deviation.
func SliceStddevFunc[T any](items []T, fn func(T) float64) float64 {
	if len(items) <= 1 {
		return 0
	}

	avg := SliceAverageFunc(items, fn)
	sum := SlicesSumOfFunc(items, func(item T) float64 {
		v := fn(item) - avg
		return v * v
	})
	return math.Sqrt(sum / float64(len(items)-1))
}

func SliceHistogram(values []float64, min, max float64, n int) Histogram {
	return HistogramFunc(min, max, n, slices.Values(values), identity)
}

// HistogramFunc buckets values into n equal width buckets between min and
// max. Buckets holds the bucket midpoints; values outside the range are
// clamped into the first or last bucket.
func HistogramFunc[T any](min, max float64, n int, items iter.Seq[T], fn func(T) float64) Histogram {
	if n <= 0 {
		n = 10
	}

	width := (max - min) / float64(n)
	buckets := make([]float64, n)
	for i := range buckets {
		buckets[i] = min + float64(i)*width + width/2
	}

	counts := make([]int, n)
	for item := range items {
		v := fn(item)
		idx := 0
		if width > 0 {
			idx = int((v - min) / width)
		}
		counts[clamp(idx, 0, n-1)]++
	}
	return Histogram{Buckets: buckets, Counts: counts}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func SlicesSum(values []float64) float64 {
	return SumOfFunc(slices.Values(values), identity)
}

func SlicesSumOfFunc[T any](items []T, fn func(T) float64) float64 {
	return SumOfFunc(slices.Values(items), fn)
}

// SumOfFunc uses Kahan summation.
func SumOfFunc[T any](in iter.Seq[T], fn func(T) float64) float64 {
	sum := 0.0
	correction := 0.0

	for item := range in {
		y := fn(item) - correction
		t := sum + y
		correction = (t - sum) - y
		sum = t
	}

	return sum
}

func ExpBuckets(start float64, factor float64, max float64) []float64 {
	var buckets []float64
	current := start
	for current <= max {
		buckets = append(buckets, current)
		current *= factor
	}
	return buckets
}
