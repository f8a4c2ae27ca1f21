package safety

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemashift/internal/backup"
	"schemashift/internal/compat"
	"schemashift/internal/env"
	"schemashift/internal/index"
	"schemashift/internal/storage"
	"schemashift/internal/storage/storagetest"
)

type fakeBackups struct {
	manifests map[string]*backup.Manifest
	verifyErr error
}

func (f *fakeBackups) LatestManifest(ctx context.Context, collection string) (*backup.Manifest, error) {
	m, ok := f.manifests[collection]
	if !ok {
		return nil, backup.ErrNoBackupAvailable
	}
	return m, nil
}

func (f *fakeBackups) Verify(ctx context.Context, m *backup.Manifest) error {
	return f.verifyErr
}

func (f *fakeBackups) Open(ctx context.Context, m *backup.Manifest, ref backup.ObjectRef) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

type fakeInventory struct {
	deployed []index.DeployedIndex
	err      error
}

func (f *fakeInventory) Deployed(ctx context.Context, groups []string) ([]index.DeployedIndex, error) {
	return f.deployed, f.err
}

func (f *fakeInventory) EnsureIndex(ctx context.Context, def index.Definition) error {
	return nil
}

// fixture wires a fully healthy engine; individual tests break one piece.
type fixture struct {
	store     *storagetest.Store
	inventory *fakeInventory
	backups   *fakeBackups
	expected  []index.Definition
	mappings  []compat.Mapping
	target    env.Target
	opts      Options
}

func newFixture() *fixture {
	expected := []index.Definition{{
		CollectionGroup: "trades",
		Scope:           index.ScopeCollection,
		Fields:          []index.Field{{Path: "ownerId", Direction: index.Asc}},
	}}

	store := storagetest.New("rs0/appdb")
	store.Seed("trades", storage.NewDocument("trades", "t1",
		map[string]interface{}{"owner": "u1", "amount": 10}))

	return &fixture{
		store:     store,
		inventory: &fakeInventory{deployed: []index.DeployedIndex{{Definition: expected[0], Ready: true}}},
		backups: &fakeBackups{manifests: map[string]*backup.Manifest{
			"trades": {ID: "b1", Collection: "trades", CreatedAt: time.Now()},
		}},
		expected: expected,
		mappings: []compat.Mapping{{
			Entity:        "trade",
			Collection:    "trades",
			SchemaVersion: 2,
			Fields:        []compat.FieldPair{{Legacy: "owner", Target: "ownerId", Required: true}},
		}},
		target: env.Target{Name: "staging", MongoURI: "mongodb://x", Database: "appdb"},
		opts:   Options{BackupWindow: 24 * time.Hour},
	}
}

func (f *fixture) run(t *testing.T) *Report {
	t.Helper()
	engine := NewEngine(f.store, f.inventory, f.backups, f.expected, f.mappings, f.target, nil, f.opts)
	return engine.Run(context.Background())
}

func TestRun_AllChecksPass(t *testing.T) {
	f := newFixture()
	report := f.run(t)
	assert.True(t, report.Passed, "errors: %v", report.Errors)
	assert.Empty(t, report.Errors)
	assert.Empty(t, report.Warnings)
}

func TestRun_MissingBackupFails(t *testing.T) {
	f := newFixture()
	f.backups.manifests = nil

	report := f.run(t)
	assert.False(t, report.Passed)
	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0], "backup check failed")
}

func TestRun_StaleBackupFails(t *testing.T) {
	f := newFixture()
	f.backups.manifests["trades"].CreatedAt = time.Now().Add(-48 * time.Hour)

	report := f.run(t)
	assert.False(t, report.Passed)
	assert.Contains(t, report.Errors[0], "backup check failed")
}

func TestRun_SkipBackup(t *testing.T) {
	t.Run("refused for production", func(t *testing.T) {
		f := newFixture()
		f.opts.SkipBackup = true
		f.target.Production = true
		f.backups.manifests = nil

		report := f.run(t)
		assert.False(t, report.Passed)
		assert.Contains(t, report.Errors[0], "cannot be skipped for production")
	})

	t.Run("warns for non-production", func(t *testing.T) {
		f := newFixture()
		f.opts.SkipBackup = true
		f.backups.manifests = nil

		report := f.run(t)
		assert.True(t, report.Passed)
		require.NotEmpty(t, report.Warnings)
		assert.Contains(t, report.Warnings[0], "backup check skipped")
	})
}

func TestRun_IndexReadiness(t *testing.T) {
	f := newFixture()
	undeclared := index.Definition{
		CollectionGroup: "trades",
		Scope:           index.ScopeCollection,
		Fields:          []index.Field{{Path: "legacyScore", Direction: index.Desc}},
	}
	f.inventory.deployed = []index.DeployedIndex{
		{Definition: f.expected[0], Ready: false},
		{Definition: undeclared, Ready: true},
	}

	report := f.run(t)
	assert.False(t, report.Passed)
	assert.Contains(t, report.Errors[0], "still building")
	require.NotEmpty(t, report.Warnings)
	assert.Contains(t, report.Warnings[0], "undeclared index")
}

func TestRun_IdentityMismatch(t *testing.T) {
	f := newFixture()
	f.target.Database = "proddb"

	report := f.run(t)
	assert.False(t, report.Passed)
	found := false
	for _, e := range report.Errors {
		if strings.Contains(e, "identity") && strings.Contains(e, "proddb") {
			found = true
		}
	}
	assert.True(t, found, "identity mismatch must be reported: %v", report.Errors)
}

func TestRun_EmptyCollectionWarns(t *testing.T) {
	f := newFixture()
	f.store = storagetest.New("rs0/appdb")
	f.backups.manifests["trades"].CreatedAt = time.Now()

	report := f.run(t)
	assert.True(t, report.Passed)
	require.NotEmpty(t, report.Warnings)
	assert.Contains(t, report.Warnings[0], "is empty")
}

func TestRun_UnrecognizedSampleFails(t *testing.T) {
	f := newFixture()
	f.store = storagetest.New("rs0/appdb")
	f.store.Seed("trades", storage.NewDocument("trades", "t1",
		map[string]interface{}{"amount": 10}))

	report := f.run(t)
	assert.False(t, report.Passed)
	found := false
	for _, e := range report.Errors {
		if strings.Contains(e, "compat check") && strings.Contains(e, "t1") {
			found = true
		}
	}
	assert.True(t, found, "compat failure must name the sample document: %v", report.Errors)
}

// Checks collect every failure instead of stopping at the first.
func TestRun_CollectsAllFailures(t *testing.T) {
	f := newFixture()
	f.backups.manifests = nil
	f.inventory.err = errors.New("listIndexes denied")
	f.store.PingErr = errors.New("no reachable servers")
	f.target.Database = "elsewhere"

	report := f.run(t)
	assert.False(t, report.Passed)
	assert.GreaterOrEqual(t, len(report.Errors), 4)
}
