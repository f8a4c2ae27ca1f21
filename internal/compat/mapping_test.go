package compat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMappings(t *testing.T) {
	yaml := `
entities:
  - entity: trade
    collection: trades
    schemaVersion: 2
    fields:
      - { legacy: owner, target: ownerId, required: true }
      - { legacy: ts, target: createdAt }
  - entity: message
    collection: messages
    schemaVersion: 2
    fields:
      - { legacy: from, target: senderId, required: true }
`

	mappings, err := ParseMappings([]byte(yaml))
	require.NoError(t, err)
	require.Len(t, mappings, 2)

	assert.Equal(t, "trade", mappings[0].Entity)
	assert.Equal(t, "trades", mappings[0].Collection)
	assert.Equal(t, 2, mappings[0].SchemaVersion)
	require.Len(t, mappings[0].Fields, 2)
	assert.True(t, mappings[0].Fields[0].Required)
	assert.False(t, mappings[0].Fields[1].Required)

	m, err := FindMapping(mappings, "message")
	require.NoError(t, err)
	assert.Equal(t, "messages", m.Collection)

	_, err = FindMapping(mappings, "order")
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestParseMappings_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown key",
			yaml: "entities: []\ntransforms: []\n",
		},
		{
			name: "missing entity name",
			yaml: `
entities:
  - collection: trades
    schemaVersion: 2
    fields:
      - { legacy: owner, target: ownerId, required: true }
`,
		},
		{
			name: "missing collection",
			yaml: `
entities:
  - entity: trade
    schemaVersion: 2
    fields:
      - { legacy: owner, target: ownerId, required: true }
`,
		},
		{
			name: "schema version below 1",
			yaml: `
entities:
  - entity: trade
    collection: trades
    schemaVersion: 0
    fields:
      - { legacy: owner, target: ownerId, required: true }
`,
		},
		{
			name: "no fields",
			yaml: `
entities:
  - entity: trade
    collection: trades
    schemaVersion: 2
    fields: []
`,
		},
		{
			name: "no required pair",
			yaml: `
entities:
  - entity: trade
    collection: trades
    schemaVersion: 2
    fields:
      - { legacy: owner, target: ownerId }
`,
		},
		{
			name: "reserved target name",
			yaml: `
entities:
  - entity: trade
    collection: trades
    schemaVersion: 2
    fields:
      - { legacy: owner, target: schemaVersion, required: true }
`,
		},
		{
			name: "duplicate field name",
			yaml: `
entities:
  - entity: trade
    collection: trades
    schemaVersion: 2
    fields:
      - { legacy: owner, target: ownerId, required: true }
      - { legacy: ownerId, target: ownerRef }
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMappings([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedMapping)
		})
	}
}

func TestMappingFingerprint(t *testing.T) {
	m := Mapping{
		Entity:        "trade",
		Collection:    "trades",
		SchemaVersion: 2,
		Fields: []FieldPair{
			{Legacy: "owner", Target: "ownerId", Required: true},
		},
	}

	fp := m.Fingerprint()
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, m.Fingerprint(), "fingerprint must be stable")

	changed := m
	changed.SchemaVersion = 3
	assert.NotEqual(t, fp, changed.Fingerprint())
}
