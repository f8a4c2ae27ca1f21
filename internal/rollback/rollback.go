// Package rollback reverts a failed migration: registry back to
// pre-migration mode, compatibility layers back to legacy-only queries, and
// data restored from the most recent verified export.
package rollback

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"schemashift/internal/backup"
	"schemashift/internal/compat"
	"schemashift/internal/registry"
	"schemashift/internal/storage"
)

// CollectionResult records the restore outcome for one collection.
type CollectionResult struct {
	Collection string
	BackupID   string
	Restored   int
}

// Result is the aggregate rollback outcome.
type Result struct {
	Reason      string
	StartTime   time.Time
	EndTime     time.Time
	Collections []CollectionResult
}

// Options configures the manager.
type Options struct {
	// Window is the rollback window: backups older than this are not
	// accepted as a restore source.
	Window time.Duration

	// PageSize bounds each restore batch (default 50).
	PageSize int

	Logger *slog.Logger
}

// Manager performs the rollback.
type Manager struct {
	reg     *registry.Registry
	store   storage.DocumentStore
	backups backup.Store
	layers  []*compat.Layer
	opts    Options
	logger  *slog.Logger
}

func NewManager(reg *registry.Registry, store storage.DocumentStore, backups backup.Store, layers []*compat.Layer, opts Options) *Manager {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		reg:     reg,
		store:   store,
		backups: backups,
		layers:  layers,
		opts:    opts,
		logger:  logger.With("component", "rollback"),
	}
}

// Rollback restores every affected collection from its latest verified
// backup. A missing or unverifiable backup is fatal: the error is returned
// unrecovered and the registry is left in ROLLING_BACK for the operator.
func (m *Manager) Rollback(ctx context.Context, reason string) (*Result, error) {
	if err := m.reg.BeginRollback(ctx, reason); err != nil {
		return nil, err
	}
	m.logger.Warn("rollback started", "reason", reason)

	result := &Result{
		Reason:    reason,
		StartTime: time.Now(),
	}

	// Verify every backup before touching any data, so a missing export
	// for one collection does not leave another half-restored.
	manifests := make(map[string]*backup.Manifest, len(m.layers))
	for _, layer := range m.layers {
		collection := layer.Collection()
		manifest, err := backup.LatestVerified(ctx, m.backups, collection, m.opts.Window)
		if err != nil {
			if errors.Is(err, backup.ErrNoBackupAvailable) {
				m.logger.Error("rollback impossible: no verified backup",
					"collection", collection,
					"window", m.opts.Window,
				)
			}
			return result, fmt.Errorf("collection %s: %w", collection, err)
		}
		manifests[collection] = manifest
	}

	for _, layer := range m.layers {
		collection := layer.Collection()
		manifest := manifests[collection]

		restored, err := m.restoreCollection(ctx, collection, manifest)
		if err != nil {
			return result, fmt.Errorf("restore %s from %s: %w", collection, manifest.ID, err)
		}
		result.Collections = append(result.Collections, CollectionResult{
			Collection: collection,
			BackupID:   manifest.ID,
			Restored:   restored,
		})
		m.logger.Info("collection restored",
			"collection", collection,
			"backup", manifest.ID,
			"documents", restored,
		)
	}

	if err := m.reg.FinishRollback(ctx); err != nil {
		return result, err
	}
	result.EndTime = time.Now()
	m.logger.Info("rollback complete", "collections", len(result.Collections))
	return result, nil
}

// restoreCollection streams the export's JSON-lines objects back into the
// store in bounded batches.
func (m *Manager) restoreCollection(ctx context.Context, collection string, manifest *backup.Manifest) (int, error) {
	restored := 0
	for _, ref := range manifest.Objects {
		body, err := m.backups.Open(ctx, manifest, ref)
		if err != nil {
			return restored, err
		}

		n, err := m.restoreObject(ctx, collection, body)
		body.Close()
		restored += n
		if err != nil {
			return restored, fmt.Errorf("object %s: %w", ref.Key, err)
		}
	}
	return restored, nil
}

func (m *Manager) restoreObject(ctx context.Context, collection string, body io.Reader) (int, error) {
	restored := 0
	batch := make([]*storage.Document, 0, m.opts.PageSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := m.store.WriteBatch(ctx, collection, batch); err != nil {
			return err
		}
		restored += len(batch)
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var doc storage.Document
		if err := json.Unmarshal(line, &doc); err != nil {
			return restored, fmt.Errorf("decode export line: %w", err)
		}
		doc.Collection = collection
		batch = append(batch, &doc)
		if len(batch) >= m.opts.PageSize {
			if err := flush(); err != nil {
				return restored, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return restored, err
	}
	return restored, flush()
}
