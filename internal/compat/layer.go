package compat

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"schemashift/internal/registry"
)

// ErrUnrecognizedShape is returned when a document carries neither the
// required legacy fields nor the required target fields.
var ErrUnrecognizedShape = errors.New("document matches neither legacy nor target shape")

// Entity is the unified in-memory shape. Fields carries both the legacy
// and the target field names populated with the same underlying value, so
// any reader sees consistent data regardless of migration phase.
type Entity struct {
	Fields             map[string]interface{}
	SchemaVersion      int
	MigrationTimestamp int64
}

// Get returns a field value by either its legacy or target name.
func (e *Entity) Get(name string) (interface{}, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// Layer is the compatibility layer for one entity type. It owns
// normalization for that type only and never touches another type's
// documents.
type Layer struct {
	mapping Mapping
	reg     *registry.Registry

	// targetReady is set once the index pipeline reports READY for the
	// target query shape. Until then queries stay on legacy fields.
	targetReady atomic.Bool

	logger *slog.Logger
}

// NewLayer builds a compatibility layer and subscribes it to registry mode
// changes so a rollback immediately reverts its query strategy.
func NewLayer(mapping Mapping, reg *registry.Registry, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Layer{
		mapping: mapping,
		reg:     reg,
		logger:  logger.With("component", "compat", "entity", mapping.Entity),
	}
	if reg != nil {
		reg.Subscribe(func(mode registry.Mode) {
			if mode == registry.ModeRollingBack {
				l.targetReady.Store(false)
				l.logger.Warn("reverting to legacy query strategy")
			}
		})
	}
	return l
}

// Mapping returns the entity mapping this layer was built from.
func (l *Layer) Mapping() Mapping {
	return l.mapping
}

// Collection returns the collection this layer's entity lives in.
func (l *Layer) Collection() string {
	return l.mapping.Collection
}

// SetTargetIndexesReady is called by the index deployment pipeline once the
// target-shape indexes are queryable.
func (l *Layer) SetTargetIndexesReady(ready bool) {
	l.targetReady.Store(ready)
}

// Normalize maps a raw document, in legacy, dual, or target shape, onto a
// single Entity. Missing target fields are tolerated if legacy fields are
// present, and vice versa.
func (l *Layer) Normalize(raw map[string]interface{}) (*Entity, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil document", ErrUnrecognizedShape)
	}

	legacyOK, targetOK := true, true
	for _, pair := range l.mapping.Fields {
		if !pair.Required {
			continue
		}
		if _, ok := raw[pair.Legacy]; !ok {
			legacyOK = false
		}
		if _, ok := raw[pair.Target]; !ok {
			targetOK = false
		}
	}
	if !legacyOK && !targetOK {
		return nil, fmt.Errorf("%w: entity %s", ErrUnrecognizedShape, l.mapping.Entity)
	}

	entity := &Entity{
		Fields:        make(map[string]interface{}, len(raw)+len(l.mapping.Fields)),
		SchemaVersion: 1,
	}

	mapped := make(map[string]bool, len(l.mapping.Fields)*2)
	for _, pair := range l.mapping.Fields {
		mapped[pair.Legacy] = true
		mapped[pair.Target] = true

		// Target shape wins when both are present.
		v, ok := raw[pair.Target]
		if !ok {
			if v, ok = raw[pair.Legacy]; !ok {
				continue
			}
		}
		entity.Fields[pair.Legacy] = v
		entity.Fields[pair.Target] = v
	}

	// Unmapped fields pass through untouched.
	for k, v := range raw {
		if mapped[k] || isReservedField(k) {
			continue
		}
		entity.Fields[k] = v
	}

	if v, ok := toInt(raw[FieldSchemaVersion]); ok {
		entity.SchemaVersion = v
	}
	if v, ok := toInt64(raw[FieldMigrationTimestamp]); ok {
		entity.MigrationTimestamp = v
	}
	return entity, nil
}

// Denormalize produces the write payload. Every write emits both shapes;
// this dual-write invariant is what keeps unmigrated readers working.
func (l *Layer) Denormalize(entity *Entity) map[string]interface{} {
	payload := make(map[string]interface{}, len(entity.Fields)+2)

	mapped := make(map[string]bool, len(l.mapping.Fields)*2)
	for _, pair := range l.mapping.Fields {
		mapped[pair.Legacy] = true
		mapped[pair.Target] = true

		v, ok := entity.Fields[pair.Target]
		if !ok {
			if v, ok = entity.Fields[pair.Legacy]; !ok {
				continue
			}
		}
		payload[pair.Legacy] = v
		payload[pair.Target] = v
	}

	for k, v := range entity.Fields {
		if mapped[k] || isReservedField(k) {
			continue
		}
		payload[k] = v
	}

	payload[FieldSchemaVersion] = l.mapping.SchemaVersion
	ts := entity.MigrationTimestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	payload[FieldMigrationTimestamp] = ts
	return payload
}

// ValidatePayload checks a denormalized payload against the required-field
// rules before it is written.
func (l *Layer) ValidatePayload(payload map[string]interface{}) error {
	for _, pair := range l.mapping.Fields {
		if !pair.Required {
			continue
		}
		if v, ok := payload[pair.Legacy]; !ok || v == nil {
			return fmt.Errorf("payload missing required legacy field %q", pair.Legacy)
		}
		if v, ok := payload[pair.Target]; !ok || v == nil {
			return fmt.Errorf("payload missing required target field %q", pair.Target)
		}
	}
	if _, ok := payload[FieldSchemaVersion]; !ok {
		return fmt.Errorf("payload missing %s", FieldSchemaVersion)
	}
	return nil
}

// IsMigrated reports whether a raw document already carries the target
// shape at the layer's schema version. Used for idempotent skips.
func (l *Layer) IsMigrated(raw map[string]interface{}) bool {
	v, ok := toInt(raw[FieldSchemaVersion])
	if !ok || v < l.mapping.SchemaVersion {
		return false
	}
	for _, pair := range l.mapping.Fields {
		if !pair.Required {
			continue
		}
		if _, ok := raw[pair.Target]; !ok {
			return false
		}
	}
	return true
}

// QueryField resolves a logical (target) field name to the physical field
// queries should use right now. The registry mode is read fresh on every
// call; it must never be cached across operations.
func (l *Layer) QueryField(logical string) (string, error) {
	var pair *FieldPair
	for i := range l.mapping.Fields {
		if l.mapping.Fields[i].Target == logical {
			pair = &l.mapping.Fields[i]
			break
		}
	}
	if pair == nil {
		return "", fmt.Errorf("no field pair with target name %q for entity %s", logical, l.mapping.Entity)
	}

	mode := registry.ModeIdle
	if l.reg != nil {
		mode = l.reg.Mode()
	}

	switch mode {
	case registry.ModeIdle, registry.ModeRollingBack:
		return pair.Legacy, nil
	default:
		if !l.targetReady.Load() {
			return pair.Legacy, nil
		}
		return pair.Target, nil
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
