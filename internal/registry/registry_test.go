package registry

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/firm/internal/logging"
	"github.com/andresmejia3/firm/internal/types"
	"github.com/andresmejia3/firm/internal/vision"
)

// stubEncoder maps image contents straight to encodings.
type stubEncoder map[string]types.Encoding

func (s stubEncoder) Encode(_ context.Context, face types.DetectedFace) (types.Encoding, error) {
	enc, ok := s[string(face.Crop)]
	if !ok {
		return nil, vision.ErrNoEncoding
	}
	return enc, nil
}

func writeRegistry(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeRegistry(t, map[string]string{
		"alice.jpg": "alice-img",
		"bob.png":   "bob-img",
	})
	// Subdirectories are not part of the registry
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "archive", "carol.jpg"), []byte("carol-img"), 0o644))

	enc := stubEncoder{
		"alice-img": {0, 0},
		"bob-img":   {1, 1},
		"carol-img": {2, 2},
	}

	m, err := Load(context.Background(), dir, enc, LoadOptions{Progress: io.Discard, Logger: logging.Discard()})
	require.NoError(t, err)

	names := m.Names()
	sort.Strings(names)
	assert.Equal(t, []string{"alice", "bob"}, names)
}

func TestLoad_NoFaceFailsWholeLoad(t *testing.T) {
	dir := writeRegistry(t, map[string]string{
		"alice.jpg": "alice-img",
		"ghost.jpg": "empty-wall",
	})
	enc := stubEncoder{"alice-img": {0, 0}}

	_, err := Load(context.Background(), dir, enc, LoadOptions{Logger: logging.Discard()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, vision.ErrNoEncoding))
	assert.Contains(t, err.Error(), "ghost")
}

func TestLoad_MissingDirectory(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope"), stubEncoder{}, LoadOptions{Logger: logging.Discard()})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNew_LengthMismatch(t *testing.T) {
	_, err := New([]string{"a", "b"}, []types.Encoding{{1}})
	assert.Error(t, err)
}

func TestMatch(t *testing.T) {
	m, err := New(
		[]string{"alice", "bob", "alice-twin"},
		[]types.Encoding{{0, 0}, {1, 0}, {0, 0.3}},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "alice-twin"}, m.Match(types.Encoding{0, 0.1}, 0.6))
	assert.Equal(t, []string{"alice"}, m.Match(types.Encoding{0, 0}, 0.2))
	assert.Empty(t, m.Match(types.Encoding{5, 5}, 0.6))

	// Exactly at tolerance still matches
	assert.Equal(t, []string{"bob"}, m.Match(types.Encoding{1, 0.5}, 0.5))
}

func TestMatcher_PerInstanceStorage(t *testing.T) {
	a, _ := New([]string{"alice"}, []types.Encoding{{0}})
	b, _ := New([]string{"bob"}, []types.Encoding{{0}})

	assert.Equal(t, []string{"alice"}, a.Match(types.Encoding{0}, 0.1))
	assert.Equal(t, []string{"bob"}, b.Match(types.Encoding{0}, 0.1))
}
