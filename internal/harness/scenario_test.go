package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "debounce_burst.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "debounce_burst", scenario.Name)
	assert.Equal(t, 50*time.Millisecond, scenario.Debounce)
	require.Len(t, scenario.Steps, 5)
	require.NotNil(t, scenario.Steps[0].Deliver)
	assert.Equal(t, "/topic/diagramData", scenario.Steps[0].Deliver.Topic)
	assert.Equal(t, 10*time.Millisecond, scenario.Steps[1].Advance)
	assert.Len(t, scenario.Assertions, 5)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_AllTestdataParse(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, p := range paths {
		_, err := LoadScenario(p)
		assert.NoError(t, err, p)
	}
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: "misspelled key"
steps:
  - save: true
assertion:
  - type: version
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\nsteps: [{save: true}]\nassertions: [{type: version}]",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: n\nsteps: [{save: true}]\nassertions: [{type: version}]",
			want: "description is required",
		},
		{
			name: "no steps",
			yaml: "name: n\ndescription: d\nassertions: [{type: version}]",
			want: "steps list is required",
		},
		{
			name: "no assertions",
			yaml: "name: n\ndescription: d\nsteps: [{save: true}]",
			want: "assertions list is required",
		},
		{
			name: "two actions in one step",
			yaml: "name: n\ndescription: d\nsteps: [{save: true, drop: true}]\nassertions: [{type: version}]",
			want: "exactly one action is required, got 2",
		},
		{
			name: "empty step",
			yaml: "name: n\ndescription: d\nsteps: [{}]\nassertions: [{type: version}]",
			want: "exactly one action is required, got 0",
		},
		{
			name: "deliver without topic",
			yaml: "name: n\ndescription: d\nsteps: [{deliver: {raw: x}}]\nassertions: [{type: version}]",
			want: "deliver.topic is required",
		},
		{
			name: "unknown edit field",
			yaml: "name: n\ndescription: d\nsteps: [{edit: {field: cursor, value: 1}}]\nassertions: [{type: version}]",
			want: `unknown document field "cursor"`,
		},
		{
			name: "load without document",
			yaml: "name: n\ndescription: d\nsteps: [{load: {id: 3}}]\nassertions: [{type: version}]",
			want: "load.document is required",
		},
		{
			name: "unknown assertion",
			yaml: "name: n\ndescription: d\nsteps: [{save: true}]\nassertions: [{type: vibes}]",
			want: `unknown assertion type "vibes"`,
		},
		{
			name: "save_state without state",
			yaml: "name: n\ndescription: d\nsteps: [{save: true}]\nassertions: [{type: save_state}]",
			want: "state is required for save_state",
		},
		{
			name: "published without destination",
			yaml: "name: n\ndescription: d\nsteps: [{save: true}]\nassertions: [{type: published, count: 1}]",
			want: "destination is required for published",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScenario_OfflineFalseIsAnAction(t *testing.T) {
	s, err := ParseScenario([]byte("name: n\ndescription: d\nsteps: [{offline: false}]\nassertions: [{type: version}]"))
	require.NoError(t, err)
	require.NotNil(t, s.Steps[0].Offline)
	assert.False(t, *s.Steps[0].Offline)
}

func TestLoadScenario_FromTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	content := `
name: temp
description: "loaded from disk"
autosave: false
steps:
  - edit:
      field: notes
      value: ["x"]
assertions:
  - type: published
    destination: /app/addDiagram
    count: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	require.NotNil(t, s.Autosave)
	assert.False(t, *s.Autosave)
	assert.Equal(t, "notes", s.Steps[0].Edit.Field)
	assert.Equal(t, []any{"x"}, s.Steps[0].Edit.Value)
}
