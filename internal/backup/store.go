// Package backup locates and verifies collection exports used as the
// rollback source. Exports live in object storage as JSON-lines objects
// described by a YAML manifest.
package backup

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNoBackupAvailable means no verified backup exists inside the rollback
// window. This is fatal for a rollback and must be surfaced loudly.
var ErrNoBackupAvailable = errors.New("no verified backup available")

// ObjectRef points at one export object inside a backup.
type ObjectRef struct {
	Key      string `yaml:"key"`
	Checksum string `yaml:"checksum"`
	Count    int    `yaml:"count"`
}

// Manifest describes one collection export.
type Manifest struct {
	ID         string      `yaml:"id"`
	Collection string      `yaml:"collection"`
	CreatedAt  time.Time   `yaml:"createdAt"`
	Objects    []ObjectRef `yaml:"objects"`
}

// Store lists, verifies, and opens collection exports.
type Store interface {
	// LatestManifest returns the newest manifest for a collection, or
	// ErrNoBackupAvailable when none exists.
	LatestManifest(ctx context.Context, collection string) (*Manifest, error)

	// Verify checks every object in the manifest against its recorded
	// checksum.
	Verify(ctx context.Context, m *Manifest) error

	// Open streams one export object (JSON lines, one document per line).
	Open(ctx context.Context, m *Manifest, ref ObjectRef) (io.ReadCloser, error)
}

// LatestVerified returns the newest manifest for a collection that is both
// inside the rollback window and checksum-verified.
func LatestVerified(ctx context.Context, store Store, collection string, window time.Duration) (*Manifest, error) {
	m, err := store.LatestManifest(ctx, collection)
	if err != nil {
		return nil, err
	}
	if window > 0 && time.Since(m.CreatedAt) > window {
		return nil, errors.Join(ErrNoBackupAvailable,
			errors.New("newest backup for "+collection+" is outside the rollback window"))
	}
	if err := store.Verify(ctx, m); err != nil {
		return nil, errors.Join(ErrNoBackupAvailable, err)
	}
	return m, nil
}
