package migrate

import (
	"fmt"
	"sync"
	"time"
)

// DocumentError records one document that could not be migrated.
type DocumentError struct {
	ID        string    `json:"id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Performance captures run timing.
type Performance struct {
	StartTime  time.Time       `json:"startTime"`
	EndTime    time.Time       `json:"endTime"`
	BatchTimes []time.Duration `json:"batchTimes"`
}

// Result is the per-entity-type aggregate of a migration run. It is
// immutable once the executor returns it; Migrated+Failed+Skipped always
// equals Total.
type Result struct {
	Entity      string          `json:"entity"`
	RunID       string          `json:"runId"`
	ConfigHash  string          `json:"configHash"`
	Total       int             `json:"total"`
	Migrated    int             `json:"migrated"`
	Failed      int             `json:"failed"`
	Skipped     int             `json:"skipped"`
	Errors      []DocumentError `json:"errors"`
	Performance Performance     `json:"performance"`
}

// Summary renders a short operator-facing report, listing at most maxErrors
// individual failures.
func (r *Result) Summary(maxErrors int) string {
	s := fmt.Sprintf("entity=%s run=%s total=%d migrated=%d failed=%d skipped=%d duration=%s",
		r.Entity, r.RunID, r.Total, r.Migrated, r.Failed, r.Skipped,
		r.Performance.EndTime.Sub(r.Performance.StartTime).Round(time.Millisecond))
	for i, e := range r.Errors {
		if i >= maxErrors {
			s += fmt.Sprintf("\n  ... and %d more errors", len(r.Errors)-maxErrors)
			break
		}
		s += fmt.Sprintf("\n  %s: %s", e.ID, e.Error)
	}
	return s
}

// resultBuilder aggregates counts from concurrently processed pages.
type resultBuilder struct {
	mu     sync.Mutex
	result Result
}

func (b *resultBuilder) addMigrated(n int) {
	b.mu.Lock()
	b.result.Migrated += n
	b.mu.Unlock()
}

func (b *resultBuilder) addSkipped(n int) {
	b.mu.Lock()
	b.result.Skipped += n
	b.mu.Unlock()
}

func (b *resultBuilder) addFailed(id string, err error) {
	b.mu.Lock()
	b.result.Failed++
	b.result.Errors = append(b.result.Errors, DocumentError{
		ID:        id,
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
	b.mu.Unlock()
}

func (b *resultBuilder) addTotal(n int) {
	b.mu.Lock()
	b.result.Total += n
	b.mu.Unlock()
}

func (b *resultBuilder) addBatchTime(d time.Duration) {
	b.mu.Lock()
	b.result.Performance.BatchTimes = append(b.result.Performance.BatchTimes, d)
	b.mu.Unlock()
}
