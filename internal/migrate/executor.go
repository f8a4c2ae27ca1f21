// Package migrate walks a collection in bounded pages, rewrites every
// document into dual shape through the compatibility layer, and aggregates
// a per-run result. One bad page never aborts the whole run.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"schemashift/internal/compat"
	"schemashift/internal/storage"
)

// RunMode selects how much of the pipeline actually executes.
type RunMode string

const (
	// ModeExecute transforms and writes.
	ModeExecute RunMode = "execute"
	// ModeDryRun counts what a run would touch; documents are neither
	// transformed nor written.
	ModeDryRun RunMode = "dry-run"
	// ModeValidateOnly transform-checks every document but never writes.
	ModeValidateOnly RunMode = "validate-only"
)

// Config bounds the blast radius of a run.
type Config struct {
	// PageSize is the number of documents per atomic batch (default 50).
	PageSize int `yaml:"page_size"`

	// PageDelay is slept between page dispatches to bound write
	// throughput against the target's quota.
	PageDelay time.Duration `yaml:"page_delay"`

	// Workers is the bounded parallelism for page processing. Each worker
	// owns whole pages; no two workers ever touch the same document.
	Workers int `yaml:"workers"`

	Retry RetryPolicy `yaml:"retry"`

	Mode RunMode `yaml:"-"`
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:  50,
		PageDelay: 200 * time.Millisecond,
		Workers:   2,
		Retry:     DefaultRetryPolicy(),
		Mode:      ModeExecute,
	}
}

// ApplyDefaults fills in missing values.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = def.Retry
	}
	if c.Mode == "" {
		c.Mode = ModeExecute
	}
}

// Executor migrates one entity type's collection.
type Executor struct {
	store  storage.DocumentStore
	layer  *compat.Layer
	cfg    Config
	logger *slog.Logger
}

func NewExecutor(store storage.DocumentStore, layer *compat.Layer, cfg Config, logger *slog.Logger) *Executor {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:  store,
		layer:  layer,
		cfg:    cfg,
		logger: logger.With("component", "executor", "entity", layer.Mapping().Entity),
	}
}

// MigrateCollection pages through the collection and processes each page
// with bounded parallelism. The returned result satisfies
// Migrated+Failed+Skipped == Total even when the context is cancelled
// mid-run; already-committed pages stay valid and a later run resumes from
// their dual-shape documents as skips.
func (e *Executor) MigrateCollection(ctx context.Context) (*Result, error) {
	collection := e.layer.Collection()
	builder := &resultBuilder{result: Result{
		Entity:     e.layer.Mapping().Entity,
		RunID:      uuid.New().String(),
		ConfigHash: e.layer.Mapping().Fingerprint(),
		Performance: Performance{
			StartTime: time.Now(),
		},
	}}

	e.logger.Info("migration run starting",
		"collection", collection,
		"mode", e.cfg.Mode,
		"pageSize", e.cfg.PageSize,
		"workers", e.cfg.Workers,
		"runId", builder.result.RunID,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.cfg.Workers)

	var runErr error
	cursor := ""
	for {
		docs, err := e.store.Page(ctx, collection, cursor, e.cfg.PageSize)
		if err != nil {
			runErr = fmt.Errorf("page after %q: %w", cursor, err)
			break
		}
		if len(docs) == 0 {
			break
		}
		cursor = docs[len(docs)-1].Id
		builder.addTotal(len(docs))

		page := docs
		group.Go(func() error {
			e.processPage(groupCtx, collection, page, builder)
			return nil
		})

		if e.cfg.PageDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.PageDelay):
			}
		}
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
	}

	_ = group.Wait()
	builder.result.Performance.EndTime = time.Now()

	result := builder.result
	e.logger.Info("migration run finished",
		"total", result.Total,
		"migrated", result.Migrated,
		"failed", result.Failed,
		"skipped", result.Skipped,
	)
	return &result, runErr
}

// processPage transforms and commits one page. Failures are recorded into
// the builder, never propagated; partial failure is contained to the page.
func (e *Executor) processPage(ctx context.Context, collection string, docs []*storage.Document, builder *resultBuilder) {
	start := time.Now()
	defer func() { builder.addBatchTime(time.Since(start)) }()

	writes := make([]*storage.Document, 0, len(docs))
	for _, doc := range docs {
		if e.layer.IsMigrated(doc.Data) {
			builder.addSkipped(1)
			continue
		}

		if e.cfg.Mode == ModeDryRun {
			builder.addMigrated(1)
			continue
		}

		entity, err := e.layer.Normalize(doc.Data)
		if err != nil {
			builder.addFailed(doc.Id, err)
			continue
		}

		payload := e.layer.Denormalize(entity)
		if err := e.layer.ValidatePayload(payload); err != nil {
			builder.addFailed(doc.Id, err)
			continue
		}

		next := *doc
		next.Data = payload
		next.Touch()
		writes = append(writes, &next)
	}

	if len(writes) == 0 {
		return
	}

	if e.cfg.Mode == ModeValidateOnly {
		// Transform already validated above; nothing is written.
		builder.addMigrated(len(writes))
		return
	}

	err := e.cfg.Retry.Do(ctx, func() error {
		return e.store.WriteBatch(ctx, collection, writes)
	})
	if err != nil {
		// The batch is atomic, so every document in it failed together.
		e.logger.Warn("page write failed after retries",
			"firstId", writes[0].Id,
			"size", len(writes),
			"error", err,
		)
		for _, doc := range writes {
			builder.addFailed(doc.Id, err)
		}
		return
	}
	builder.addMigrated(len(writes))
}
