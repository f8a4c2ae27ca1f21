package perf

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemashift/internal/storage"
	"schemashift/internal/storage/storagetest"
)

func seededStore(n int) *storagetest.Store {
	store := storagetest.New("rs0/appdb")
	for i := 0; i < n; i++ {
		store.Seed("trades", storage.NewDocument("trades",
			fmt.Sprintf("t%03d", i),
			map[string]interface{}{"owner": "u"},
		))
	}
	return store
}

func TestRecordBaseline(t *testing.T) {
	v := NewValidator(seededStore(10), []Probe{
		{Name: "trades-page", Collection: "trades", Limit: 5},
	}, ValidatorOptions{Samples: 3})

	baseline, err := v.RecordBaseline(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, baseline.AverageQueryTime, 0.0)
	assert.GreaterOrEqual(t, baseline.RealTimeLatency, 0.0)
	assert.GreaterOrEqual(t, baseline.CacheHitRate, 0.0)
	assert.LessOrEqual(t, baseline.CacheHitRate, 1.0)
	assert.False(t, baseline.Timestamp.IsZero())
}

func TestRecordBaseline_EmptyCollection(t *testing.T) {
	v := NewValidator(seededStore(0), []Probe{
		{Name: "trades-page", Collection: "trades", Limit: 5},
	}, ValidatorOptions{Samples: 2})

	// Page probes still run; point-read probes have nothing to read.
	baseline, err := v.RecordBaseline(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, baseline.AverageQueryTime, 0.0)
	assert.Zero(t, baseline.CacheHitRate)
}

func TestRecordBaseline_NoProbes(t *testing.T) {
	v := NewValidator(seededStore(1), nil, ValidatorOptions{})
	_, err := v.RecordBaseline(context.Background())
	assert.Error(t, err)
}

func TestCompareBaselines(t *testing.T) {
	v := NewValidator(nil, nil, ValidatorOptions{Tolerance: 20})
	pre := Baseline{AverageQueryTime: 10, RealTimeLatency: 100}

	tests := []struct {
		name   string
		post   Baseline
		status VerdictStatus
	}{
		{"unchanged", Baseline{AverageQueryTime: 10, RealTimeLatency: 100}, VerdictOK},
		{"improved", Baseline{AverageQueryTime: 5, RealTimeLatency: 50}, VerdictOK},
		{"at tolerance", Baseline{AverageQueryTime: 12, RealTimeLatency: 120}, VerdictOK},
		{"query degraded", Baseline{AverageQueryTime: 15, RealTimeLatency: 100}, VerdictDegraded},
		{"realtime degraded", Baseline{AverageQueryTime: 10, RealTimeLatency: 130}, VerdictDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := v.CompareBaselines(pre, tt.post)
			assert.Equal(t, tt.status, verdict.Status)
		})
	}

	verdict := v.CompareBaselines(pre, Baseline{AverageQueryTime: 15, RealTimeLatency: 100})
	assert.InDelta(t, 50.0, verdict.QueryDelta, 0.001)
	assert.InDelta(t, 0.0, verdict.RealtimeDelta, 0.001)
}

func TestCacheHitRate(t *testing.T) {
	assert.Zero(t, cacheHitRate(nil))
	assert.Zero(t, cacheHitRate([]float64{5}))
	assert.Zero(t, cacheHitRate([]float64{5, 5, 5}), "no warm-up means no measurable hit rate")
	assert.InDelta(t, 0.9, cacheHitRate([]float64{10, 1, 1, 1}), 0.001)
}
