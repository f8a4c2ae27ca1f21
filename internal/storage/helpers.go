package storage

import (
	"time"
)

// NewDocument creates a document with initialized metadata.
func NewDocument(collection string, id string, data map[string]interface{}) *Document {
	now := time.Now().UnixMilli()
	return &Document{
		Id:         id,
		Collection: collection,
		Data:       data,
		UpdatedAt:  now,
		CreatedAt:  now,
		Version:    1,
	}
}

// Touch bumps the update timestamp and version before a rewrite.
func (d *Document) Touch() {
	d.UpdatedAt = time.Now().UnixMilli()
	d.Version++
}
