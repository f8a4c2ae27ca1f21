// Package storage defines the document store abstraction the migration
// pipeline runs against, plus the control-plane record that survives
// process restarts.
package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrExists      = errors.New("document already exists")
	ErrUnavailable = errors.New("storage unavailable")
)

// Document represents a stored document in the database.
type Document struct {
	// Id is the unique identifier for the document within its collection.
	Id string `json:"id" bson:"_id"`

	// Collection is the owning collection name.
	Collection string `json:"collection" bson:"collection"`

	// UpdatedAt is the timestamp of the last update (Unix milliseconds).
	UpdatedAt int64 `json:"updatedAt" bson:"updated_at"`

	// CreatedAt is the timestamp of the creation (Unix milliseconds).
	CreatedAt int64 `json:"createdAt" bson:"created_at"`

	// Version is the optimistic concurrency control version.
	Version int64 `json:"version" bson:"version"`

	// Data is the actual content of the document.
	Data map[string]interface{} `json:"data" bson:"data"`
}

// BaselineRecord is the persisted form of a performance baseline.
type BaselineRecord struct {
	AverageQueryTime float64 `bson:"average_query_time"`
	CacheHitRate     float64 `bson:"cache_hit_rate"`
	RealTimeLatency  float64 `bson:"real_time_latency"`
	Timestamp        int64   `bson:"timestamp"`
}

// ControlRecord is the single control-plane document recording migration
// state. A restarted process reads it back instead of assuming idle.
type ControlRecord struct {
	Id           string          `bson:"_id"`
	Mode         string          `bson:"mode"`
	Reason       string          `bson:"reason"`
	UpdatedAt    int64           `bson:"updated_at"`
	PreBaseline  *BaselineRecord `bson:"pre_baseline,omitempty"`
	PostBaseline *BaselineRecord `bson:"post_baseline,omitempty"`
}

// ControlRecordID is the fixed _id of the control document in the sys
// collection. There is exactly one per database.
const ControlRecordID = "migration_control"

// DocumentStore defines the interface for document storage operations used
// by the migration pipeline.
type DocumentStore interface {
	// Get retrieves a document by id.
	Get(ctx context.Context, collection string, id string) (*Document, error)

	// Insert creates a new document. Fails with ErrExists if present.
	Insert(ctx context.Context, collection string, doc *Document) error

	// Page returns up to limit documents ordered by _id, strictly after
	// afterID. An empty afterID starts from the beginning.
	Page(ctx context.Context, collection string, afterID string, limit int) ([]*Document, error)

	// Count returns the number of documents in a collection.
	Count(ctx context.Context, collection string) (int64, error)

	// WriteBatch replaces the given documents in one atomic batch.
	// Either every document in the batch is written or none are.
	WriteBatch(ctx context.Context, collection string, docs []*Document) error

	// LoadControl reads the migration control record.
	// Returns ErrNotFound when no record has been written yet.
	LoadControl(ctx context.Context) (*ControlRecord, error)

	// SaveControl upserts the migration control record.
	SaveControl(ctx context.Context, rec *ControlRecord) error

	// Identity returns the identity of the connected database, used by the
	// safety checks to confirm the tool is pointed at the intended target.
	Identity(ctx context.Context) (string, error)

	// Ping verifies connectivity with a bounded round trip.
	Ping(ctx context.Context) error

	// Close closes the connection to the backend.
	Close(ctx context.Context) error
}
