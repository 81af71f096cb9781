package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_IDs(t *testing.T) {
	data := []byte(`{"queries":[
		{"id": "q-1", "text": "first"},
		{"id": 42, "text": "second"},
		{"text": "third"},
		{"id": null, "text": "fourth"}
	]}`)

	prompts, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, prompts, 4)

	assert.Equal(t, "q-1", prompts[0].ID)
	assert.Equal(t, "42", prompts[1].ID)
	assert.Equal(t, "2", prompts[2].ID)
	assert.Equal(t, "3", prompts[3].ID)
	assert.Equal(t, "third", prompts[2].Text)
	assert.Equal(t, 3, prompts[3].QueryIndex)
}

func TestLoad_WindowApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"queries":[
		{"id":1,"text":"a"},{"id":2,"text":"b"},{"id":3,"text":"c"},{"id":4,"text":"d"}
	]}`), 0o644))

	prompts, err := Load(path)
	require.NoError(t, err)

	w, err := Partition(len(prompts), 2, 2, 0)
	require.NoError(t, err)
	got := w.Apply(prompts)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Text)
	assert.Equal(t, 2, got[0].QueryIndex)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
