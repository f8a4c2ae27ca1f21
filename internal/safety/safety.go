// Package safety is the pre-flight gate: no migration write happens before
// every check has run. Checks collect all failures instead of stopping at
// the first so operators see the complete picture.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"schemashift/internal/backup"
	"schemashift/internal/compat"
	"schemashift/internal/env"
	"schemashift/internal/index"
	"schemashift/internal/registry"
	"schemashift/internal/storage"
)

// ErrSafetyCheckFailed is returned by callers that gate on a failed report.
var ErrSafetyCheckFailed = errors.New("safety checks failed")

// Report is the aggregate outcome. Passed is true only when Errors is
// empty; Warnings never block execution.
type Report struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

func (r *Report) errorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Options tunes the engine.
type Options struct {
	// SkipBackup skips the backup-existence check. Refused for
	// production targets.
	SkipBackup bool

	// BackupWindow is the maximum backup age accepted as a rollback
	// source.
	BackupWindow time.Duration

	// ReadTimeout bounds the connectivity smoke test (default 5s).
	ReadTimeout time.Duration

	Logger *slog.Logger
}

// Engine runs the pre-flight checks.
type Engine struct {
	store     storage.DocumentStore
	inventory index.Inventory
	backups   backup.Store
	expected  []index.Definition
	mappings  []compat.Mapping
	target    env.Target
	reg       *registry.Registry
	opts      Options
	logger    *slog.Logger
}

func NewEngine(
	store storage.DocumentStore,
	inventory index.Inventory,
	backups backup.Store,
	expected []index.Definition,
	mappings []compat.Mapping,
	target env.Target,
	reg *registry.Registry,
	opts Options,
) *Engine {
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		inventory: inventory,
		backups:   backups,
		expected:  expected,
		mappings:  mappings,
		target:    target,
		reg:       reg,
		opts:      opts,
		logger:    logger.With("component", "safety"),
	}
}

// Run executes every check regardless of earlier failures.
func (e *Engine) Run(ctx context.Context) *Report {
	report := &Report{}

	e.checkBackups(ctx, report)
	e.checkIndexes(ctx, report)
	e.checkConnectivity(ctx, report)
	e.checkCompatLayers(ctx, report)
	e.checkIdentity(ctx, report)

	report.Passed = len(report.Errors) == 0
	e.logger.Info("safety checks finished",
		"passed", report.Passed,
		"errors", len(report.Errors),
		"warnings", len(report.Warnings),
	)
	return report
}

func (e *Engine) checkBackups(ctx context.Context, report *Report) {
	if e.opts.SkipBackup {
		if e.target.Production {
			report.errorf("backup check cannot be skipped for production environment %q", e.target.Name)
			return
		}
		report.warnf("backup check skipped for environment %q", e.target.Name)
		return
	}
	if e.backups == nil {
		report.errorf("no backup store configured")
		return
	}

	for _, m := range e.mappings {
		if _, err := backup.LatestVerified(ctx, e.backups, m.Collection, e.opts.BackupWindow); err != nil {
			report.errorf("backup check failed for collection %q: %v", m.Collection, err)
		}
	}
}

func (e *Engine) checkIndexes(ctx context.Context, report *Report) {
	groups := make([]string, 0, len(e.mappings))
	seen := make(map[string]bool)
	for _, d := range e.expected {
		if !seen[d.CollectionGroup] {
			seen[d.CollectionGroup] = true
			groups = append(groups, d.CollectionGroup)
		}
	}

	deployed, err := e.inventory.Deployed(ctx, groups)
	if err != nil {
		report.errorf("index readiness check failed: %v", err)
		return
	}

	result := index.Compare(e.expected, deployed)
	for _, d := range result.Missing {
		report.errorf("index missing: %s", d.Identity())
	}
	for _, d := range result.Building {
		report.errorf("index still building: %s", d.Identity())
	}
	for _, d := range result.Unexpected {
		report.warnf("undeclared index deployed: %s", d.Identity())
	}
}

func (e *Engine) checkConnectivity(ctx context.Context, report *Report) {
	readCtx, cancel := context.WithTimeout(ctx, e.opts.ReadTimeout)
	defer cancel()

	if err := e.store.Ping(readCtx); err != nil {
		report.errorf("connectivity check failed: %v", err)
		return
	}
	if len(e.mappings) > 0 {
		if _, err := e.store.Page(readCtx, e.mappings[0].Collection, "", 1); err != nil {
			report.errorf("bounded read against %q failed: %v", e.mappings[0].Collection, err)
		}
	}
}

// checkCompatLayers verifies every entity mapping loads and can normalize a
// live sample document from its collection.
func (e *Engine) checkCompatLayers(ctx context.Context, report *Report) {
	if len(e.mappings) == 0 {
		report.errorf("no entity mappings loaded")
		return
	}

	for _, m := range e.mappings {
		layer := compat.NewLayer(m, e.reg, e.logger)

		docs, err := e.store.Page(ctx, m.Collection, "", 1)
		if err != nil {
			report.errorf("compat check: cannot sample collection %q: %v", m.Collection, err)
			continue
		}
		if len(docs) == 0 {
			report.warnf("compat check: collection %q is empty", m.Collection)
			continue
		}
		if _, err := layer.Normalize(docs[0].Data); err != nil {
			report.errorf("compat check: sample document %s in %q: %v", docs[0].Id, m.Collection, err)
		}
	}
}

// checkIdentity confirms the connected database is the intended target,
// preventing accidental cross-environment execution.
func (e *Engine) checkIdentity(ctx context.Context, report *Report) {
	identity, err := e.store.Identity(ctx)
	if err != nil {
		report.errorf("environment identity check failed: %v", err)
		return
	}
	if !strings.HasSuffix(identity, "/"+e.target.Database) {
		report.errorf("connected database identity %q does not match intended target %q (environment %s)",
			identity, e.target.Database, e.target.Name)
	}
}
