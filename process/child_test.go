package process

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteTrue/byteautoui/uierr"
)

func logPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "child.log")
}

func TestSpawnLongRunning(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	c, err := Spawn("sleep", []string{"30"}, logPath(t))
	require.NoError(err)
	defer c.Terminate()

	assert.True(c.Alive())
	assert.False(c.Exited())
	assert.Equal(-1, c.ExitCode())
	assert.Positive(c.Pid())
}

func TestSpawnImmediateFailureEmbedsLogTail(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	_, err := Spawn("sh", []string{"-c", "echo device not trusted >&2; exit 3"}, logPath(t))
	require.Error(err)
	assert.True(uierr.Is(err, uierr.KindHelperSpawnFailure))
	assert.Contains(err.Error(), "device not trusted")
	assert.Contains(err.Error(), "exit code 3")
}

func TestSpawnTruncatesLog(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		path    = logPath(t)
	)

	require.NoError(os.WriteFile(path, []byte("stale output from a previous run\n"), 0o644))

	c, err := Spawn("sh", []string{"-c", "echo fresh; sleep 30"}, path)
	require.NoError(err)
	defer c.Terminate()

	time.Sleep(100 * time.Millisecond)
	raw, err := os.ReadFile(path)
	require.NoError(err)
	assert.Equal("fresh\n", string(raw))
}

func TestTerminateIsIdempotent(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	c, err := Spawn("sleep", []string{"30"}, logPath(t))
	require.NoError(err)

	c.Terminate()
	assert.True(c.Exited())
	assert.False(c.Alive())
	c.Terminate()
}

func TestTerminateForceKillsStubborn(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	// trap TERM so only SIGKILL can end it
	c, err := Spawn("sh", []string{"-c", `trap "" TERM; while true; do sleep 1; done`}, logPath(t))
	require.NoError(err)

	start := time.Now()
	c.Terminate()
	assert.True(c.Exited())
	assert.Less(time.Since(start), 10*time.Second)
}

func TestAliveRequiresPort(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	c, err := Spawn("sleep", []string{"30"}, logPath(t), WithPort(port))
	require.NoError(err)
	defer c.Terminate()

	assert.True(c.Alive())
	listener.Close()
	assert.False(c.Alive())
}

func TestLogTail(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		path    = logPath(t)
	)

	lines := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		lines = append(lines, strings.Repeat("x", i+1))
	}
	require.NoError(os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	tail := LogTail(path, 10)
	got := strings.Split(tail, "\n")
	assert.Len(got, 10)
	assert.Equal(lines[10:], got)

	assert.Equal("(failed to read logs)", LogTail(filepath.Join(t.TempDir(), "missing"), 10))
}

func TestPortOpen(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	port := listener.Addr().(*net.TCPAddr).Port

	assert.True(PortOpen(port, time.Second))
	listener.Close()
	assert.True(WaitPortClose(port, 2*time.Second))
	assert.False(PortOpen(port, 200*time.Millisecond))
}
