// Package registry holds the process-wide migration state machine. The
// registry is the single writer of the migration mode; compatibility layers
// are readers that re-check the mode on every operation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"schemashift/internal/perf"
	"schemashift/internal/storage"
)

// Mode is the migration lifecycle state.
type Mode string

const (
	ModeIdle        Mode = "IDLE"
	ModeMigrating   Mode = "MIGRATING"
	ModeValidating  Mode = "VALIDATING"
	ModeComplete    Mode = "COMPLETE"
	ModeRollingBack Mode = "ROLLING_BACK"
)

// Phase selects which baseline slot a recording targets.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

var (
	ErrAlreadyMigrating   = errors.New("migration already in progress")
	ErrNotMigrating       = errors.New("no migration in progress")
	ErrRollbackInProgress = errors.New("rollback in progress")
	ErrBaselineRecorded   = errors.New("baseline already recorded for phase")
	ErrNoPreBaseline      = errors.New("no pre-migration baseline recorded")
)

// ControlStore persists registry state so a restarted process resumes
// visibility into an in-progress migration.
type ControlStore interface {
	LoadControl(ctx context.Context) (*storage.ControlRecord, error)
	SaveControl(ctx context.Context, rec *storage.ControlRecord) error
}

// Observer is notified on every mode transition.
type Observer func(Mode)

// Options configures a Registry.
type Options struct {
	// Tolerance is the allowed percentage latency increase before
	// ValidateRegression fails (default 20).
	Tolerance float64

	Logger *slog.Logger
}

// Registry owns the migration mode and both performance baselines.
type Registry struct {
	mu        sync.Mutex
	mode      Mode
	reason    string
	pre       *perf.Baseline
	post      *perf.Baseline
	observers []Observer

	control   ControlStore
	tolerance float64
	logger    *slog.Logger
}

// New creates a Registry in IDLE mode. control may be nil for a purely
// in-memory registry (tests, dry runs).
func New(control ControlStore, opts Options) *Registry {
	tolerance := opts.Tolerance
	if tolerance == 0 {
		tolerance = 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		mode:      ModeIdle,
		control:   control,
		tolerance: tolerance,
		logger:    logger.With("component", "migration-registry"),
	}
}

// Resume restores persisted state, if any. A missing control record leaves
// the registry in IDLE.
func (r *Registry) Resume(ctx context.Context) error {
	if r.control == nil {
		return nil
	}
	rec, err := r.control.LoadControl(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load control record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = Mode(rec.Mode)
	r.reason = rec.Reason
	r.pre = fromRecord(rec.PreBaseline)
	r.post = fromRecord(rec.PostBaseline)
	r.logger.Info("resumed migration state", "mode", r.mode, "reason", r.reason)
	return nil
}

// Mode returns the current migration mode. Callers must not cache the
// result beyond one operation.
func (r *Registry) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Subscribe registers an observer for mode changes. The observer is called
// synchronously on each transition.
func (r *Registry) Subscribe(obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

// EnableMigrationMode moves IDLE -> MIGRATING.
func (r *Registry) EnableMigrationMode(ctx context.Context, reason string) error {
	return r.transition(ctx, ModeMigrating, reason, func(current Mode) error {
		switch current {
		case ModeIdle:
			return nil
		case ModeRollingBack:
			return ErrRollbackInProgress
		default:
			return fmt.Errorf("%w: mode is %s", ErrAlreadyMigrating, current)
		}
	})
}

// BeginValidation moves MIGRATING -> VALIDATING once all collections have
// been executed.
func (r *Registry) BeginValidation(ctx context.Context) error {
	return r.transition(ctx, ModeValidating, r.reason, func(current Mode) error {
		if current != ModeMigrating {
			return fmt.Errorf("%w: mode is %s", ErrNotMigrating, current)
		}
		return nil
	})
}

// MarkComplete moves VALIDATING -> COMPLETE.
func (r *Registry) MarkComplete(ctx context.Context) error {
	return r.transition(ctx, ModeComplete, r.reason, func(current Mode) error {
		if current != ModeValidating && current != ModeMigrating {
			return fmt.Errorf("%w: mode is %s", ErrNotMigrating, current)
		}
		return nil
	})
}

// DisableMigrationMode returns the registry to IDLE. Only callable from
// COMPLETE; the rollback manager uses FinishRollback instead. Baselines are
// cleared with the finished run so the next one starts fresh.
func (r *Registry) DisableMigrationMode(ctx context.Context) error {
	err := r.transition(ctx, ModeIdle, "", func(current Mode) error {
		switch current {
		case ModeComplete:
			return nil
		case ModeRollingBack:
			return ErrRollbackInProgress
		default:
			return fmt.Errorf("cannot disable migration mode from %s", current)
		}
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.pre = nil
	r.post = nil
	r.mu.Unlock()
	return r.persist(ctx)
}

// BeginRollback moves any active mode into ROLLING_BACK. Once entered, only
// FinishRollback may transition the mode again.
func (r *Registry) BeginRollback(ctx context.Context, reason string) error {
	return r.transition(ctx, ModeRollingBack, reason, func(current Mode) error {
		if current == ModeRollingBack {
			return ErrRollbackInProgress
		}
		return nil
	})
}

// FinishRollback returns to IDLE after the rollback manager restored data.
// Recorded baselines are cleared with the failed run.
func (r *Registry) FinishRollback(ctx context.Context) error {
	r.mu.Lock()
	r.pre = nil
	r.post = nil
	r.mu.Unlock()

	return r.transition(ctx, ModeIdle, "", func(current Mode) error {
		if current != ModeRollingBack {
			return fmt.Errorf("not rolling back: mode is %s", current)
		}
		return nil
	})
}

// RecordBaseline stores a baseline for a phase. Each phase is write-once
// per migration run.
func (r *Registry) RecordBaseline(ctx context.Context, phase Phase, baseline perf.Baseline) error {
	r.mu.Lock()
	switch phase {
	case PhasePre:
		if r.pre != nil {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrBaselineRecorded, phase)
		}
		r.pre = &baseline
	case PhasePost:
		if r.post != nil {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrBaselineRecorded, phase)
		}
		r.post = &baseline
	default:
		r.mu.Unlock()
		return fmt.Errorf("unknown baseline phase %q", phase)
	}
	r.mu.Unlock()

	return r.persist(ctx)
}

// PreBaseline returns the recorded pre-migration baseline, if any.
func (r *Registry) PreBaseline() *perf.Baseline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pre
}

// ValidateRegression compares post-migration metrics against the recorded
// pre baseline. Returns false when averageQueryTime or realTimeLatency
// degraded beyond the tolerance.
func (r *Registry) ValidateRegression(post perf.Baseline) (bool, error) {
	r.mu.Lock()
	pre := r.pre
	r.mu.Unlock()

	if pre == nil {
		return false, ErrNoPreBaseline
	}

	queryDelta := deltaPercent(pre.AverageQueryTime, post.AverageQueryTime)
	realtimeDelta := deltaPercent(pre.RealTimeLatency, post.RealTimeLatency)
	ok := queryDelta <= r.tolerance && realtimeDelta <= r.tolerance
	if !ok {
		r.logger.Warn("regression beyond tolerance",
			"queryDelta", queryDelta,
			"realtimeDelta", realtimeDelta,
			"tolerance", r.tolerance,
		)
	}
	return ok, nil
}

func (r *Registry) transition(ctx context.Context, to Mode, reason string, guard func(Mode) error) error {
	r.mu.Lock()
	if err := guard(r.mode); err != nil {
		r.mu.Unlock()
		return err
	}
	from := r.mode
	r.mode = to
	r.reason = reason
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	r.logger.Info("mode transition", "from", from, "to", to, "reason", reason)
	for _, obs := range observers {
		obs(to)
	}
	return r.persist(ctx)
}

func (r *Registry) persist(ctx context.Context) error {
	if r.control == nil {
		return nil
	}

	r.mu.Lock()
	rec := &storage.ControlRecord{
		Id:           storage.ControlRecordID,
		Mode:         string(r.mode),
		Reason:       r.reason,
		PreBaseline:  toRecord(r.pre),
		PostBaseline: toRecord(r.post),
	}
	r.mu.Unlock()

	if err := r.control.SaveControl(ctx, rec); err != nil {
		return fmt.Errorf("persist control record: %w", err)
	}
	return nil
}

func deltaPercent(pre, post float64) float64 {
	if pre <= 0 {
		return 0
	}
	return (post - pre) / pre * 100
}

func toRecord(b *perf.Baseline) *storage.BaselineRecord {
	if b == nil {
		return nil
	}
	return &storage.BaselineRecord{
		AverageQueryTime: b.AverageQueryTime,
		CacheHitRate:     b.CacheHitRate,
		RealTimeLatency:  b.RealTimeLatency,
		Timestamp:        b.Timestamp.UnixMilli(),
	}
}

func fromRecord(rec *storage.BaselineRecord) *perf.Baseline {
	if rec == nil {
		return nil
	}
	return &perf.Baseline{
		AverageQueryTime: rec.AverageQueryTime,
		CacheHitRate:     rec.CacheHitRate,
		RealTimeLatency:  rec.RealTimeLatency,
		Timestamp:        time.UnixMilli(rec.Timestamp),
	}
}
