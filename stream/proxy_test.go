package stream

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/uierr"
)

const testBoundary = "BoundaryString"

var testFrames = [][]byte{
	[]byte("\xff\xd8frame-one\xff\xd9"),
	[]byte("\xff\xd8frame-two\xff\xd9"),
}

// mjpegUpstream emits the canned frames as multipart/x-mixed-replace and
// closes.
func mjpegUpstream(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		response.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+testBoundary)
		response.WriteHeader(http.StatusOK)
		for _, frame := range testFrames {
			fmt.Fprintf(response, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", testBoundary, len(frame))
			response.Write(frame)
			fmt.Fprint(response, "\r\n")
		}
		fmt.Fprintf(response, "--%s--\r\n", testBoundary)
	}))
}

func TestServeMJPEGRelaysUpstream(t *testing.T) {
	var (
		assert   = assert.New(t)
		require  = require.New(t)
		upstream = mjpegUpstream(t)
		proxy    = NewProxy(logging.NewTestLogger(nil, t))
	)
	defer upstream.Close()

	response := httptest.NewRecorder()
	request := httptest.NewRequest("GET", "/mjpeg", nil)

	err := proxy.ServeMJPEG(response, request, upstream.URL)
	require.Error(err)
	assert.True(uierr.Is(err, uierr.KindStreamUpstreamClosed))

	assert.Contains(response.Header().Get("Content-Type"), "multipart/x-mixed-replace")
	assert.Equal("no-cache, no-store, must-revalidate", response.Header().Get("Cache-Control"))
	assert.Equal("no-cache", response.Header().Get("Pragma"))
	assert.Equal("0", response.Header().Get("Expires"))

	body := response.Body.String()
	assert.Contains(body, "frame-one")
	assert.Contains(body, "frame-two")
}

func TestServeMJPEGUnreachableUpstream(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		proxy   = NewProxy(logging.NewTestLogger(nil, t))
	)

	// grab a port nothing listens on
	listener := httptest.NewServer(http.NotFoundHandler())
	dead := listener.URL
	listener.Close()

	response := httptest.NewRecorder()
	request := httptest.NewRequest("GET", "/mjpeg", nil)

	err := proxy.ServeMJPEG(response, request, dead)
	require.Error(err)
	assert.True(uierr.Is(err, uierr.KindStreamUpstreamClosed))
	assert.Empty(response.Body.String())
}

func TestServeWebSocketFramesUpstream(t *testing.T) {
	var (
		assert   = assert.New(t)
		require  = require.New(t)
		upstream = mjpegUpstream(t)
		proxy    = NewProxy(logging.NewTestLogger(nil, t))
		upgrader = websocket.Upgrader{}
		done     = make(chan error, 1)
	)
	defer upstream.Close()

	wsServer := httptest.NewServer(http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		connection, err := upgrader.Upgrade(response, request, nil)
		require.NoError(err)
		defer connection.Close()
		done <- proxy.ServeWebSocket(connection, request, upstream.URL)
	}))
	defer wsServer.Close()

	client, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(wsServer.URL, "http"), nil)
	require.NoError(err)
	defer client.Close()

	for _, expected := range testFrames {
		messageType, payload, err := client.ReadMessage()
		require.NoError(err)
		assert.Equal(websocket.BinaryMessage, messageType)
		assert.Equal(expected, payload)
	}

	// upstream exhaustion surfaces as a close frame and an error from serve
	_, _, err = client.ReadMessage()
	assert.Error(err)
	assert.True(uierr.Is(<-done, uierr.KindStreamUpstreamClosed))
}

func TestDefaultScreenshotStreamPort(t *testing.T) {
	assert.Equal(t, 3333, DefaultScreenshotStreamPort)
}
