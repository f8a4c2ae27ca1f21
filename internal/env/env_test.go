package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validMapping = `
default: staging
projects:
  staging:
    project_id: app-staging
    mongo_uri: mongodb://staging:27017
    database: appdb
  production:
    project_id: app-prod
    mongo_uri: mongodb://prod:27017
    database: appdb
    production: true
`

func TestParseMapping(t *testing.T) {
	m, err := ParseMapping([]byte(validMapping))
	require.NoError(t, err)
	require.Len(t, m.Projects, 2)
	assert.Equal(t, "staging", m.Default)
	assert.True(t, m.Projects["production"].Production)
	assert.False(t, m.Projects["staging"].Production)
}

func TestParseMapping_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "default: x\nenvironments: {}\n"},
		{"no projects", "default: staging\nprojects: {}\n"},
		{
			"missing database",
			`
projects:
  staging:
    project_id: app-staging
    mongo_uri: mongodb://staging:27017
`,
		},
		{
			"default not declared",
			`
default: qa
projects:
  staging:
    project_id: app-staging
    mongo_uri: mongodb://staging:27017
    database: appdb
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMapping([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedMapping)
		})
	}
}

func TestResolve(t *testing.T) {
	m, err := ParseMapping([]byte(validMapping))
	require.NoError(t, err)

	target, err := m.Resolve("production")
	require.NoError(t, err)
	assert.Equal(t, "production", target.Name)
	assert.Equal(t, "app-prod", target.ProjectID)
	assert.True(t, target.Production)

	// "default" follows the alias.
	target, err = m.Resolve("default")
	require.NoError(t, err)
	assert.Equal(t, "staging", target.Name)

	_, err = m.Resolve("qa")
	assert.ErrorIs(t, err, ErrUnknownEnvironment)

	_, err = m.Resolve("")
	assert.ErrorIs(t, err, ErrUnknownEnvironment)
}
