package recording

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/uierr"
)

func newTestStore(t *testing.T) *Store {
	store, err := NewStore(t.TempDir(), logging.NewTestLogger(nil, t))
	require.NoError(t, err)
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		store   = newTestStore(t)
	)

	data := map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{"command": "tap", "x": float64(100), "y": float64(200)},
		},
	}

	path, err := store.Save("smoke", "login-flow", data)
	require.NoError(err)
	assert.FileExists(path)
	assert.Equal("login-flow"+Extension, filepath.Base(path))

	loaded, err := store.Load("smoke", "login-flow")
	require.NoError(err)
	assert.Equal(data, loaded)
}

func TestListSortsNewestFirst(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		store   = newTestStore(t)
	)

	_, err := store.Save("groupA", "first", map[string]interface{}{"n": float64(1)})
	require.NoError(err)
	second, err := store.Save("groupB", "second", map[string]interface{}{"n": float64(2)})
	require.NoError(err)

	// make the second file strictly newer
	newer := mustStatModTime(t, second).Add(2 * time.Second)
	require.NoError(os.Chtimes(second, newer, newer))

	recordings, err := store.List()
	require.NoError(err)
	require.Len(recordings, 2)
	assert.Equal("second", recordings[0].Name)
	assert.Equal("groupB", recordings[0].Group)
	assert.Equal("first", recordings[1].Name)
	assert.Greater(recordings[0].Size, int64(0))
}

func TestLoadMissingRecording(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load("nope", "missing")
	require.Error(t, err)
	assert.True(t, uierr.Is(err, uierr.KindNotFound))
}

func TestDeletePrunesEmptyGroup(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		store   = newTestStore(t)
	)

	path, err := store.Save("solo", "only", map[string]interface{}{})
	require.NoError(err)

	require.NoError(store.Delete("solo", "only"))
	assert.NoFileExists(path)
	assert.NoDirExists(filepath.Dir(path))

	err = store.Delete("solo", "only")
	require.Error(err)
	assert.True(uierr.Is(err, uierr.KindNotFound))
}

func TestPathTraversalRejected(t *testing.T) {
	store := newTestStore(t)

	testData := []struct {
		group string
		name  string
	}{
		{"../escape", "name"},
		{"/absolute", "name"},
		{`back\slash`, "name"},
		{"group", "../escape"},
		{"group", "sub/name"},
		{"group", `sub\name`},
	}

	for _, record := range testData {
		_, err := store.Save(record.group, record.name, map[string]interface{}{})
		require.Error(t, err, "%s/%s", record.group, record.name)
		assert.True(t, uierr.Is(err, uierr.KindInvalidArgument))
	}
}

func mustStatModTime(t *testing.T, path string) time.Time {
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.ModTime()
}
