package stream

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/websocket"

	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/uierr"
)

// ServeWebSocket splits the upstream multipart body on its boundary and
// sends each JPEG frame as one binary message.  The connection is closed
// with a reason frame when the upstream fails.
func (p *Proxy) ServeWebSocket(connection *websocket.Conn, request *http.Request, upstream string) error {
	upstreamResponse, err := p.open(request, upstream)
	if err != nil {
		closeWithReason(connection, err)
		return err
	}
	defer upstreamResponse.Body.Close()
	defer p.client.CloseIdleConnections()

	_, params, err := mime.ParseMediaType(upstreamResponse.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		err = uierr.New(uierr.KindStreamUpstreamClosed,
			"mjpeg upstream %s sent no multipart boundary", upstream)
		closeWithReason(connection, err)
		return err
	}

	reader := multipart.NewReader(upstreamResponse.Body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			if request.Context().Err() != nil {
				return nil
			}
			err = uierr.New(uierr.KindStreamUpstreamClosed, "mjpeg upstream %s closed", upstream)
			closeWithReason(connection, err)
			return err
		}
		if err != nil {
			if request.Context().Err() != nil {
				return nil
			}
			err = uierr.Wrap(uierr.KindStreamUpstreamClosed, err, "mjpeg upstream %s", upstream)
			closeWithReason(connection, err)
			return err
		}

		frame, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			continue
		}
		if err := connection.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			p.logger.Log(level.Key(), level.DebugValue(),
				logging.MessageKey(), "websocket client disconnected",
				"upstream", upstream)
			return nil
		}
	}
}

func closeWithReason(connection *websocket.Conn, err error) {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, err.Error())
	connection.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
}
