// Package bench times the attention kernel against its float64 reference
// and renders the results.
package bench

import (
	"context"
	"errors"
	"slices"
	"time"
)

var ErrNoRuns = errors.New("bench: at least one timed run is required")

// Harness runs a function Warmup times untimed, then Runs times timed.
type Harness struct {
	Warmup int
	Runs   int
}

// Timing holds per-run latencies and their summary.
type Timing struct {
	Runs   []time.Duration `json:"runs_ns"`
	Mean   time.Duration   `json:"mean_ns"`
	Median time.Duration   `json:"median_ns"`
	Min    time.Duration   `json:"min_ns"`
	Max    time.Duration   `json:"max_ns"`
}

// Measure stops at the first error or when ctx is done.
func (h Harness) Measure(ctx context.Context, fn func(context.Context) error) (Timing, error) {
	if h.Runs <= 0 {
		return Timing{}, ErrNoRuns
	}
	for range h.Warmup {
		if err := ctx.Err(); err != nil {
			return Timing{}, err
		}
		if err := fn(ctx); err != nil {
			return Timing{}, err
		}
	}

	runs := make([]time.Duration, 0, h.Runs)
	for range h.Runs {
		if err := ctx.Err(); err != nil {
			return Timing{}, err
		}
		start := time.Now()
		if err := fn(ctx); err != nil {
			return Timing{}, err
		}
		runs = append(runs, time.Since(start))
	}
	return Summarize(runs), nil
}

// Summarize computes mean, median, min and max of runs.
func Summarize(runs []time.Duration) Timing {
	t := Timing{Runs: runs}
	if len(runs) == 0 {
		return t
	}
	sorted := slices.Clone(runs)
	slices.Sort(sorted)
	t.Min, t.Max = sorted[0], sorted[len(sorted)-1]

	var total time.Duration
	for _, d := range runs {
		total += d
	}
	t.Mean = total / time.Duration(len(runs))

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		t.Median = sorted[mid]
	} else {
		t.Median = (sorted[mid-1] + sorted[mid]) / 2
	}
	return t
}
