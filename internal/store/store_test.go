package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "doc.json")
	s := NewSidecar(path, nil)
	assert.Equal(t, path, s.Path())

	t.Run("Missing file", func(t *testing.T) {
		var got []doc
		found, err := s.Load(&got)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, got)
	})

	t.Run("Round trip", func(t *testing.T) {
		want := []doc{{Name: "a", Count: 1}, {Name: "b", Count: 2}}
		require.NoError(t, s.Save(want))

		var got []doc
		found, err := s.Load(&got)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, want, got)

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "\n  {\n    \"name\": \"a\"", "document is indented")

		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no temp files left behind")
	})

	t.Run("Corrupt file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
		var got []doc
		found, err := s.Load(&got)
		assert.True(t, found)
		assert.Error(t, err)
	})

	t.Run("Empty file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, nil, 0o600))
		var got []doc
		found, err := s.Load(&got)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Empty(t, got)
	})
}
