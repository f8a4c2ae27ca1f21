package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	yaml := `
indexes:
  - collectionGroup: trades
    scope: COLLECTION
    fields:
      - { path: ownerId, direction: ASC }
      - { path: createdAt, direction: DESC }
  - collectionGroup: messages
    scope: COLLECTION_GROUP
    fields:
      - { path: participantIds, arrayContains: true }
      - { path: sentAt, direction: DESC }
fieldOverrides:
  - collectionGroup: trades
    path: tags
    arrayConfig: CONTAINS
`

	cfg, err := ParseBytes([]byte(yaml))
	require.NoError(t, err)
	require.Len(t, cfg.Indexes, 2)

	assert.Equal(t, "trades", cfg.Indexes[0].CollectionGroup)
	assert.Equal(t, ScopeCollection, cfg.Indexes[0].Scope)
	require.Len(t, cfg.Indexes[0].Fields, 2)
	assert.Equal(t, Asc, cfg.Indexes[0].Fields[0].Direction)

	assert.Equal(t, ScopeCollectionGroup, cfg.Indexes[1].Scope)
	assert.True(t, cfg.Indexes[1].Fields[0].ArrayContains)

	require.Len(t, cfg.FieldOverrides, 1)
	assert.Equal(t, "tags", cfg.FieldOverrides[0].Path)
}

func TestParseBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown top-level key",
			yaml: "indexes: []\nextras: true\n",
		},
		{
			name: "unknown key inside definition",
			yaml: `
indexes:
  - collectionGroup: trades
    scope: COLLECTION
    queryScope: COLLECTION
    fields:
      - { path: ownerId, direction: ASC }
`,
		},
		{
			name: "unknown scope",
			yaml: `
indexes:
  - collectionGroup: trades
    scope: GLOBAL
    fields:
      - { path: ownerId, direction: ASC }
`,
		},
		{
			name: "missing scope",
			yaml: `
indexes:
  - collectionGroup: trades
    fields:
      - { path: ownerId, direction: ASC }
`,
		},
		{
			name: "unknown direction",
			yaml: `
indexes:
  - collectionGroup: trades
    scope: COLLECTION
    fields:
      - { path: ownerId, direction: UP }
`,
		},
		{
			name: "direction and arrayContains together",
			yaml: `
indexes:
  - collectionGroup: trades
    scope: COLLECTION
    fields:
      - { path: tags, direction: ASC, arrayContains: true }
`,
		},
		{
			name: "no fields",
			yaml: `
indexes:
  - collectionGroup: trades
    scope: COLLECTION
    fields: []
`,
		},
		{
			name: "empty collection group",
			yaml: `
indexes:
  - collectionGroup: ""
    scope: COLLECTION
    fields:
      - { path: ownerId, direction: ASC }
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedConfig)
		})
	}
}

func TestDefinitionEqual_FieldOrderSignificant(t *testing.T) {
	a := Definition{
		CollectionGroup: "trades",
		Scope:           ScopeCollection,
		Fields: []Field{
			{Path: "ownerId", Direction: Asc},
			{Path: "createdAt", Direction: Desc},
		},
	}
	b := Definition{
		CollectionGroup: "trades",
		Scope:           ScopeCollection,
		Fields: []Field{
			{Path: "createdAt", Direction: Desc},
			{Path: "ownerId", Direction: Asc},
		},
	}

	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b), "same fields in different order must not be equal")

	c := a
	c.Scope = ScopeCollectionGroup
	assert.False(t, a.Equal(c))
}

func TestDefinitionIdentity(t *testing.T) {
	d := Definition{
		CollectionGroup: "messages",
		Scope:           ScopeCollectionGroup,
		Fields: []Field{
			{Path: "participantIds", ArrayContains: true},
			{Path: "sentAt", Direction: Desc},
		},
	}
	assert.Equal(t, "messages__participantIds:array__sentAt:desc__cg", d.Identity())
}
