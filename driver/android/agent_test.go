package android

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent serves the on-device automation agent's JSON-RPC endpoint and
// counts calls per method.
type fakeAgent struct {
	server *httptest.Server
	calls  map[string]*atomic.Int64
	fail   atomic.Bool
}

func newFakeAgent(t *testing.T) *fakeAgent {
	f := &fakeAgent{
		calls: map[string]*atomic.Int64{},
	}
	for _, method := range []string{"deviceInfo", "takeScreenshot", "dumpWindowHierarchy", "click", "setText", "clearTextField", "swipe"} {
		f.calls[method] = &atomic.Int64{}
	}

	jpegData := encodeJPEG(t)

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		if counter, ok := f.calls[request.Method]; ok {
			counter.Add(1)
		}

		if f.fail.Load() {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id":    request.ID,
				"error": map[string]interface{}{"code": -32000, "message": "UiAutomation not connected"},
			})
			return
		}

		var result interface{}
		switch request.Method {
		case "takeScreenshot":
			result = base64.StdEncoding.EncodeToString(jpegData)
		case "dumpWindowHierarchy":
			result = androidDumpXML
		default:
			result = true
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"id": request.ID, "result": result})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAgent) port() string {
	return f.server.URL[strings.LastIndex(f.server.URL, ":")+1:]
}

func (f *fakeAgent) count(method string) int64 {
	return f.calls[method].Load()
}

func encodeJPEG(t *testing.T) []byte {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4)), nil))
	return buf.Bytes()
}

// agentBridgeScript fakes the bridge CLI for agent tests: forward reports
// the fake agent's port, screencap serves a PNG, the dump path succeeds.
func agentBridgeScript(t *testing.T, agentPort string) string {
	dir := t.TempDir()

	xmlFile := filepath.Join(dir, "dump.xml")
	require.NoError(t, os.WriteFile(xmlFile, []byte(androidDumpXML), 0o644))

	path := filepath.Join(dir, "adb")
	script := fmt.Sprintf(`#!/bin/sh
shift 2
case "$1" in
forward) echo %s ;;
exec-out)
  case "$2" in
  screencap) cat %s ;;
  cat) cat %s ;;
  esac ;;
shell)
  case "$2" in
  *uiautomator*) echo success ;;
  *wm*) echo "Physical size: 1080x1920" ;;
  *) echo ok ;;
  esac ;;
esac
`, agentPort, pngFixture(t), xmlFile)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestAgentFirstScreenshotDoesNotBlockOnConnect(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		agent   = newFakeAgent(t)
	)

	a := NewAgent("serial-1", WithExecutable(agentBridgeScript(t, agent.port())))

	// never-connected client: the bridge path serves immediately
	img, err := a.Screenshot()
	require.NoError(err)
	assert.NotNil(img)
	assert.Equal(int64(0), agent.count("takeScreenshot"))
}

func TestAgentScreenshotUsesRPCOnceConnected(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		agent   = newFakeAgent(t)
	)

	a := NewAgent("serial-1", WithExecutable(agentBridgeScript(t, agent.port())))
	_, err := a.ensure()
	require.NoError(err)

	img, err := a.Screenshot()
	require.NoError(err)
	assert.NotNil(img)
	assert.Equal(int64(1), agent.count("takeScreenshot"))
}

func TestAgentHierarchyFallsBackAndInvalidates(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		agent   = newFakeAgent(t)
	)

	a := NewAgent("serial-1", WithExecutable(agentBridgeScript(t, agent.port())))
	_, err := a.ensure()
	require.NoError(err)

	agent.fail.Store(true)

	source, root, err := a.DumpHierarchy()
	require.NoError(err)
	assert.Contains(source, "hierarchy")
	assert.NotNil(root)
	assert.Equal(int64(1), agent.count("dumpWindowHierarchy"))

	// the failed call invalidated the client
	assert.Nil(a.connected())
}

func TestAgentHierarchyViaRPC(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		agent   = newFakeAgent(t)
	)

	a := NewAgent("serial-1", WithExecutable(agentBridgeScript(t, agent.port())))
	_, err := a.ensure()
	require.NoError(err)

	source, root, err := a.DumpHierarchy()
	require.NoError(err)
	assert.Contains(source, "login_btn")
	require.NotNil(root)
	assert.Equal(int64(1), agent.count("dumpWindowHierarchy"))
}

func TestAgentTapConnectsLazily(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		agent   = newFakeAgent(t)
	)

	a := NewAgent("serial-1", WithExecutable(agentBridgeScript(t, agent.port())))

	require.NoError(a.Tap(100, 200))
	assert.Equal(int64(1), agent.count("click"))
	assert.NotNil(a.connected())
}

func TestAgentTapFallsBackOnRPCError(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		agent   = newFakeAgent(t)
	)

	a := NewAgent("serial-1", WithExecutable(agentBridgeScript(t, agent.port())))
	_, err := a.ensure()
	require.NoError(err)

	agent.fail.Store(true)

	// RPC fails, bridge `input tap` picks it up
	require.NoError(a.Tap(100, 200))
	assert.Nil(a.connected())
}
