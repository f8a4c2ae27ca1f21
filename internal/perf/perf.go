// Package perf records query-latency baselines around a migration and
// flags regressions between them.
package perf

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/montanaflynn/stats"

	"schemashift/internal/storage"
)

// Baseline captures representative latency measurements for one phase
// (pre or post migration). Values are milliseconds.
type Baseline struct {
	AverageQueryTime float64
	CacheHitRate     float64
	RealTimeLatency  float64
	Timestamp        time.Time
}

// Probe is one representative query run while recording a baseline.
type Probe struct {
	Name       string
	Collection string
	Limit      int
}

// VerdictStatus is the outcome of a baseline comparison.
type VerdictStatus string

const (
	VerdictOK       VerdictStatus = "ok"
	VerdictDegraded VerdictStatus = "degraded"
)

// Verdict reports the pre-vs-post comparison. Degraded is advisory, not a
// forced abort; some regression during active migration is expected.
type Verdict struct {
	Status        VerdictStatus
	QueryDelta    float64
	RealtimeDelta float64
}

// ValidatorOptions configures a Validator.
type ValidatorOptions struct {
	// Samples is how many times each probe runs (default 5).
	Samples int

	// Tolerance is the allowed percentage increase before a comparison is
	// degraded (default 20).
	Tolerance float64

	Logger *slog.Logger
}

// Validator runs a fixed probe set against the store and aggregates
// latencies into a Baseline.
type Validator struct {
	store     storage.DocumentStore
	probes    []Probe
	samples   int
	tolerance float64
	logger    *slog.Logger
}

func NewValidator(store storage.DocumentStore, probes []Probe, opts ValidatorOptions) *Validator {
	samples := opts.Samples
	if samples == 0 {
		samples = 5
	}
	tolerance := opts.Tolerance
	if tolerance == 0 {
		tolerance = 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Validator{
		store:     store,
		probes:    probes,
		samples:   samples,
		tolerance: tolerance,
		logger:    logger.With("component", "perf-validator"),
	}
}

// RecordBaseline runs every probe the configured number of times and
// averages the observed latencies.
func (v *Validator) RecordBaseline(ctx context.Context) (Baseline, error) {
	var pageTimes, getTimes []float64
	var firstID string

	for _, probe := range v.probes {
		for i := 0; i < v.samples; i++ {
			start := time.Now()
			docs, err := v.store.Page(ctx, probe.Collection, "", probe.Limit)
			if err != nil {
				return Baseline{}, fmt.Errorf("probe %s: %w", probe.Name, err)
			}
			pageTimes = append(pageTimes, msSince(start))

			if len(docs) > 0 {
				firstID = docs[0].Id
				start = time.Now()
				if _, err := v.store.Get(ctx, probe.Collection, firstID); err != nil {
					return Baseline{}, fmt.Errorf("probe %s get: %w", probe.Name, err)
				}
				getTimes = append(getTimes, msSince(start))
			}
		}
	}

	avgQuery, err := stats.Mean(pageTimes)
	if err != nil {
		return Baseline{}, fmt.Errorf("no probe samples recorded: %w", err)
	}

	realTime := avgQuery
	if len(getTimes) > 0 {
		realTime, _ = stats.Mean(getTimes)
	}

	baseline := Baseline{
		AverageQueryTime: avgQuery,
		CacheHitRate:     cacheHitRate(getTimes),
		RealTimeLatency:  realTime,
		Timestamp:        time.Now(),
	}
	v.logger.Info("baseline recorded",
		"averageQueryTime", baseline.AverageQueryTime,
		"realTimeLatency", baseline.RealTimeLatency,
		"cacheHitRate", baseline.CacheHitRate,
	)
	return baseline, nil
}

// CompareBaselines computes the percentage delta of averageQueryTime and
// realTimeLatency against the pre-migration baseline.
func (v *Validator) CompareBaselines(pre, post Baseline) Verdict {
	verdict := Verdict{
		Status:        VerdictOK,
		QueryDelta:    deltaPercent(pre.AverageQueryTime, post.AverageQueryTime),
		RealtimeDelta: deltaPercent(pre.RealTimeLatency, post.RealTimeLatency),
	}
	if verdict.QueryDelta > v.tolerance || verdict.RealtimeDelta > v.tolerance {
		verdict.Status = VerdictDegraded
		v.logger.Warn("performance regression detected",
			"queryDelta", verdict.QueryDelta,
			"realtimeDelta", verdict.RealtimeDelta,
			"tolerance", v.tolerance,
		)
	}
	return verdict
}

func deltaPercent(pre, post float64) float64 {
	if pre <= 0 {
		return 0
	}
	return (post - pre) / pre * 100
}

// cacheHitRate approximates hit rate from the warm-over-cold latency ratio
// of the repeated point reads. Later samples of the same document should be
// served from cache.
func cacheHitRate(getTimes []float64) float64 {
	if len(getTimes) < 2 {
		return 0
	}
	cold := getTimes[0]
	warm, _ := stats.Median(getTimes[1:])
	if cold <= 0 || warm >= cold {
		return 0
	}
	return (cold - warm) / cold
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
