package iosconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestDefaultsForUnknownUDID(t *testing.T) {
	var (
		assert = assert.New(t)
		s      = newTestStore(t)
	)

	c := s.Get("never-seen")
	assert.Equal(DefaultBundleID, c.BundleID)
	assert.Equal(DefaultPort, c.Port)
	assert.Equal(DefaultBundleID, s.BundleID("never-seen"))
	assert.Equal(DefaultPort, s.Port("never-seen"))
}

func TestWriteThrough(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		s       = newTestStore(t)
	)

	require.NoError(s.SetBundleID("udid-1", "com.example.runner"))
	require.NoError(s.SetPort("udid-1", 8200))

	raw, err := os.ReadFile(s.Path())
	require.NoError(err)

	var onDisk map[string]DeviceConfig
	require.NoError(json.Unmarshal(raw, &onDisk))
	assert.Equal("com.example.runner", onDisk["udid-1"].BundleID)
	assert.Equal(8200, onDisk["udid-1"].Port)
}

func TestReload(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		dir     = t.TempDir()
	)

	first, err := New(dir)
	require.NoError(err)
	require.NoError(first.SetBundleID("udid-2", "com.example.other"))

	second, err := New(dir)
	require.NoError(err)
	assert.Equal("com.example.other", second.BundleID("udid-2"))
	// unset field still yields the default
	assert.Equal(DefaultPort, second.Port("udid-2"))
}

func TestClear(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		s       = newTestStore(t)
	)

	require.NoError(s.SetPort("udid-3", 9999))
	require.NoError(s.Clear("udid-3"))
	assert.Equal(DefaultPort, s.Port("udid-3"))

	// clearing an unknown UDID is a no-op
	require.NoError(s.Clear("udid-3"))
}

func TestCorruptFileTreatedAsEmpty(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		dir     = t.TempDir()
	)

	require.NoError(os.WriteFile(filepath.Join(dir, configFileName), []byte("{nope"), 0o644))
	s, err := New(dir)
	require.NoError(err)
	assert.Equal(DefaultBundleID, s.BundleID("any"))
}

func TestAllSnapshot(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		s       = newTestStore(t)
	)

	require.NoError(s.SetPort("a", 8101))
	require.NoError(s.SetBundleID("b", "com.example.b"))

	all := s.All()
	assert.Len(all, 2)
	assert.Equal(8101, all["a"].Port)
	assert.Equal(DefaultBundleID, all["a"].BundleID)
	assert.Equal(DefaultPort, all["b"].Port)
}
