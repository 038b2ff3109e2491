// Package stream relays a live MJPEG upstream (the WDA-native MJPEG server
// or a screenshot stream helper) to HTTP and WebSocket clients.  Relay
// lifetime is bound to the downstream client: when the client goes away the
// upstream connection is torn down.
package stream

import (
	"io"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/uierr"
)

// DefaultScreenshotStreamPort is where the legacy screenshot stream helper
// listens when no port is given.  The WDA-native endpoint on 9100 is
// preferred; this remains for clients still pointed at the old helper.
const DefaultScreenshotStreamPort = 3333

// chunkSize is the relay buffer size for HTTP streaming.
const chunkSize = 8 * 1024

// Proxy relays MJPEG upstreams.  The client carries no timeout: a healthy
// stream is open indefinitely, and teardown rides on request context
// cancellation instead.
type Proxy struct {
	logger log.Logger
	client *http.Client
}

// NewProxy builds a Proxy.
func NewProxy(logger log.Logger) *Proxy {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Proxy{
		logger: logger,
		client: &http.Client{},
	}
}

// open connects to the upstream with the request's context so a downstream
// disconnect cancels the upstream read.
func (p *Proxy) open(request *http.Request, upstream string) (*http.Response, error) {
	upstreamRequest, err := http.NewRequestWithContext(request.Context(), http.MethodGet, upstream, nil)
	if err != nil {
		return nil, uierr.Wrap(uierr.KindInvalidArgument, err, "mjpeg upstream url %s", upstream)
	}

	upstreamResponse, err := p.client.Do(upstreamRequest)
	if err != nil {
		return nil, uierr.Wrap(uierr.KindStreamUpstreamClosed, err, "mjpeg upstream %s unreachable", upstream)
	}
	return upstreamResponse, nil
}

// ServeMJPEG mirrors the upstream multipart body to the response in fixed
// size chunks until either side disconnects.  An error return means the
// upstream failed; a client disconnect is a normal completion.
func (p *Proxy) ServeMJPEG(response http.ResponseWriter, request *http.Request, upstream string) error {
	upstreamResponse, err := p.open(request, upstream)
	if err != nil {
		return err
	}
	defer upstreamResponse.Body.Close()
	defer p.client.CloseIdleConnections()

	header := response.Header()
	if contentType := upstreamResponse.Header.Get("Content-Type"); contentType != "" {
		header.Set("Content-Type", contentType)
	}
	header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	header.Set("Pragma", "no-cache")
	header.Set("Expires", "0")
	response.WriteHeader(http.StatusOK)

	flusher, _ := response.(http.Flusher)
	buffer := make([]byte, chunkSize)
	for {
		read, readErr := upstreamResponse.Body.Read(buffer)
		if read > 0 {
			if _, writeErr := response.Write(buffer[:read]); writeErr != nil {
				// downstream went away, normal teardown
				p.logger.Log(level.Key(), level.DebugValue(),
					logging.MessageKey(), "mjpeg client disconnected",
					"upstream", upstream)
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF && request.Context().Err() == nil {
				return uierr.Wrap(uierr.KindStreamUpstreamClosed, readErr, "mjpeg upstream %s closed", upstream)
			}
			return nil
		}
	}
}
