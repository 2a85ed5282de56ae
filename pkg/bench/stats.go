package bench

import (
	"math"
	"sort"
)

// Stats summarises the latencies of one batch, in milliseconds. Failed
// requests only count against SuccessRate.
type Stats struct {
	Mean        float64 `json:"mean"`
	Median      float64 `json:"median"`
	Stdev       float64 `json:"stdev"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	SuccessRate float64 `json:"success_rate"`
	Requests    int     `json:"requests"`
	Successful  int     `json:"successful"`
}

// Summarize computes Stats for the successful latencies out of total
// requests. Stdev is the sample standard deviation and is 0 for fewer than two
// samples.
func Summarize(latencies []float64, total int) Stats {
	s := Stats{Requests: total, Successful: len(latencies)}
	if len(latencies) == 0 || total <= 0 {
		return s
	}

	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	s.Mean = sum / float64(len(sorted))
	s.Min = sorted[0]
	s.Max = sorted[len(sorted)-1]
	s.SuccessRate = float64(len(sorted)) / float64(total)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		s.Median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		s.Median = sorted[mid]
	}

	if len(sorted) > 1 {
		var sq float64
		for _, v := range sorted {
			sq += (v - s.Mean) * (v - s.Mean)
		}
		s.Stdev = math.Sqrt(sq / float64(len(sorted)-1))
	}
	return s
}
