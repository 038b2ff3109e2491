package server

import (
	"encoding/json"
	"image/jpeg"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ByteTrue/byteautoui/command"
	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/hierarchy"
	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/recording"
	"github.com/ByteTrue/byteautoui/uierr"
)

const screenshotJPEGQuality = 80

// infoResponse mirrors the shape desktop clients already parse.
type infoResponse struct {
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Platform     string   `json:"platform"`
	CodeLanguage string   `json:"code_language"`
	Cwd          string   `json:"cwd"`
	Drivers      []string `json:"drivers"`
}

type iosConfigRequest struct {
	BundleID string `json:"wda_bundle_id"`
	Port     int    `json:"wda_port"`
}

type saveRecordingRequest struct {
	Group string                 `json:"group"`
	Name  string                 `json:"name"`
	Data  map[string]interface{} `json:"data"`
}

func writeJSON(response http.ResponseWriter, body interface{}) {
	response.Header().Set("Content-Type", "application/json")
	json.NewEncoder(response).Encode(body)
}

// platformOf validates the {platform} path variable.
func platformOf(request *http.Request) (driver.Platform, error) {
	platform := driver.Platform(mux.Vars(request)["platform"])
	if !platform.Valid() {
		return "", uierr.New(uierr.KindInvalidArgument, "unknown platform %q", platform)
	}
	return platform, nil
}

// device resolves the {platform}/{serial} pair to a live driver.
func (s *Server) device(request *http.Request) (driver.Driver, error) {
	platform, err := platformOf(request)
	if err != nil {
		return nil, err
	}
	provider, err := s.providers.For(platform)
	if err != nil {
		return nil, err
	}
	return provider.Device(mux.Vars(request)["serial"])
}

func (s *Server) handleInfo(response http.ResponseWriter, request *http.Request) {
	cwd, _ := os.Getwd()
	writeJSON(response, infoResponse{
		Version:      s.version,
		Description:  "ByteAutoUI - Mobile UI Automation Tool",
		Platform:     runtime.GOOS,
		CodeLanguage: "Go",
		Cwd:          cwd,
		Drivers:      []string{"android", "ios", "harmony"},
	})
}

func (s *Server) handlePackageVersion(response http.ResponseWriter, request *http.Request) {
	// local stub: no outbound network calls for version checks
	writeJSON(response, map[string]string{"version": s.version})
}

// platformFeatures is the static capability advertisement per platform.
var platformFeatures = map[driver.Platform]map[string]bool{
	driver.Android: {"screenshot": true, "hierarchy": true, "command": true, "scrcpy": true},
	driver.IOS:     {"screenshot": true, "hierarchy": true, "command": true, "mjpeg": true, "ios-config": true},
	driver.Harmony: {"screenshot": true, "hierarchy": true, "command": true, "mjpeg": true},
}

func (s *Server) handleFeatures(response http.ResponseWriter, request *http.Request) {
	platform, err := platformOf(request)
	if err != nil {
		uierr.WriteError(response, err)
		return
	}
	writeJSON(response, platformFeatures[platform])
}

func (s *Server) handleList(response http.ResponseWriter, request *http.Request) {
	platform, err := platformOf(request)
	if err != nil {
		uierr.WriteError(response, err)
		return
	}
	provider, err := s.providers.For(platform)
	if err != nil {
		uierr.WriteError(response, err)
		return
	}
	devices, err := provider.List()
	if err != nil {
		uierr.WriteError(response, err)
		return
	}
	if devices == nil {
		devices = []driver.DeviceInfo{}
	}
	writeJSON(response, devices)
}

func (s *Server) handleScreenshot(response http.ResponseWriter, request *http.Request) {
	d, err := s.device(request)
	if err != nil {
		uierr.WriteError(response, err)
		return
	}
	img, err := d.Screenshot()
	if err != nil {
		uierr.WriteError(response, err)
		return
	}
	response.Header().Set("Content-Type", "image/jpeg")
	jpeg.Encode(response, img, &jpeg.Options{Quality: screenshotJPEGQuality})
}

type hierarchyQuery struct {
	Format string `schema:"format"`
}

type hierarchyResponse struct {
	*hierarchy.Node
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s *Server) handleHierarchy(response http.ResponseWriter, request *http.Request) {
	query := hierarchyQuery{Format: "json"}
	if err := s.decoder.Decode(&query, request.URL.Query()); err != nil {
		uierr.WriteError(response, uierr.Wrap(uierr.KindInvalidArgument, err, "hierarchy query"))
		return
	}
	if query.Format != "json" && query.Format != "xml" {
		uierr.WriteError(response, uierr.New(uierr.KindInvalidArgument, "invalid format: %s", query.Format))
		return
	}

	d, err := s.device(request)
	if err != nil {
		uierr.WriteError(response, err)
		return
	}
	source, root, err := d.DumpHierarchy()
	if err != nil {
		uierr.WriteError(response, err)
		return
	}

	if query.Format == "xml" {
		response.Header().Set("Content-Type", "text/xml")
		response.Write([]byte(source))
		return
	}

	size, err := d.WindowSize()
	if err != nil {
		uierr.WriteError(response, err)
		return
	}
	writeJSON(response, hierarchyResponse{Node: root, Width: size.Width, Height: size.Height})
}

func (s *Server) handleCommand(response http.ResponseWriter, request *http.Request) {
	name := command.Command(mux.Vars(request)["command"])

	var params map[string]interface{}
	if request.Body != nil {
		// an empty or absent body means a parameterless invocation
		json.NewDecoder(request.Body).Decode(&params)
	}

	d, err := s.device(request)
	if err != nil {
		uierr.WriteError(response, err)
		return
	}

	result, err := s.dispatcher.Dispatch(d, name, params)
	if s.metrics != nil {
		s.metrics.ObserveCommand(string(name), string(d.Platform()), err)
	}
	if err != nil {
		uierr.WriteError(response, err)
		return
	}
	if result == nil {
		result = map[string]string{"status": "ok"}
	}
	writeJSON(response, result)
}

func (s *Server) handleIOSConfigGet(response http.ResponseWriter, request *http.Request) {
	serial, err := s.iosSerial(request)
	if err != nil {
		uierr.WriteError(response, err)
		return
	}
	writeJSON(response, s.iosConfig.Get(serial))
}

func (s *Server) handleIOSConfigSet(response http.ResponseWriter, request *http.Request) {
	serial, err := s.iosSerial(request)
	if err != nil {
		uierr.WriteError(response, err)
		return
	}

	var body iosConfigRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		uierr.WriteError(response, uierr.Wrap(uierr.KindInvalidArgument, err, "ios-config body"))
		return
	}
	if body.BundleID != "" {
		if err := s.iosConfig.SetBundleID(serial, body.BundleID); err != nil {
			uierr.WriteError(response, err)
			return
		}
	}
	if body.Port != 0 {
		if err := s.iosConfig.SetPort(serial, body.Port); err != nil {
			uierr.WriteError(response, err)
			return
		}
	}
	writeJSON(response, s.iosConfig.Get(serial))
}

// iosSerial enforces that the ios-config and mjpeg endpoints are only used
// on the ios platform segment.
func (s *Server) iosSerial(request *http.Request) (string, error) {
	platform, err := platformOf(request)
	if err != nil {
		return "", err
	}
	if platform != driver.IOS {
		return "", uierr.New(uierr.KindInvalidArgument, "endpoint is ios-only, got platform %q", platform)
	}
	return mux.Vars(request)["serial"], nil
}

func (s *Server) handleMJPEG(response http.ResponseWriter, request *http.Request) {
	if _, err := s.iosSerial(request); err != nil {
		uierr.WriteError(response, err)
		return
	}
	d, err := s.device(request)
	if err != nil {
		uierr.WriteError(response, err)
		return
	}
	streamer, ok := d.(driver.Streamer)
	if !ok {
		uierr.WriteError(response, uierr.New(uierr.KindNotImplemented,
			"mjpeg not supported by the %s driver", d.Platform()))
		return
	}
	if err := streamer.StartMJPEGStream(); err != nil {
		uierr.WriteError(response, err)
		return
	}

	if err := s.stream.ServeMJPEG(response, request, streamer.MJPEGURL()); err != nil {
		// headers are out by now, all that is left is the log line
		logging.GetLogger(request.Context()).Log(level.Key(), level.WarnValue(),
			logging.MessageKey(), "mjpeg relay ended",
			logging.SerialKey(), d.Serial(),
			logging.ErrorKey(), err)
	}
}

// handleStreamSocket serves the WebSocket stream routes.  The platform is
// derived from the route path; drivers without a stream surface close the
// socket with a reason.
func (s *Server) handleStreamSocket(response http.ResponseWriter, request *http.Request) {
	platform := driver.Android
	if strings.HasPrefix(request.URL.Path, "/ws/harmony/") {
		platform = driver.Harmony
	}

	connection, err := s.upgrader.Upgrade(response, request, nil)
	if err != nil {
		return
	}
	defer connection.Close()

	provider, err := s.providers.For(platform)
	if err != nil {
		closeSocket(connection, err)
		return
	}
	d, err := provider.Device(mux.Vars(request)["serial"])
	if err != nil {
		closeSocket(connection, err)
		return
	}
	streamer, ok := d.(driver.Streamer)
	if !ok {
		closeSocket(connection, uierr.New(uierr.KindNotImplemented,
			"live streaming not supported by the %s driver", d.Platform()))
		return
	}
	if err := streamer.StartMJPEGStream(); err != nil {
		closeSocket(connection, err)
		return
	}

	if err := s.stream.ServeWebSocket(connection, request, streamer.MJPEGURL()); err != nil {
		s.logger.Log(level.Key(), level.WarnValue(),
			logging.MessageKey(), "websocket relay ended",
			logging.SerialKey(), d.Serial(),
			logging.ErrorKey(), err)
	}
}

func (s *Server) handleShutdown(response http.ResponseWriter, request *http.Request) {
	response.Header().Set("Content-Type", "text/plain")
	response.Write([]byte("Server shutting down..."))
	if s.shutdown != nil {
		// give the response a moment to flush before tearing down
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdown()
		}()
	}
}

func (s *Server) handleRecordingSave(response http.ResponseWriter, request *http.Request) {
	var body saveRecordingRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		uierr.WriteError(response, uierr.Wrap(uierr.KindInvalidArgument, err, "recording body"))
		return
	}
	path, err := s.recordings.Save(body.Group, body.Name, body.Data)
	if err != nil {
		uierr.WriteError(response, err)
		return
	}
	writeJSON(response, map[string]interface{}{
		"success": true,
		"path":    path,
		"message": "Recording saved",
	})
}

func (s *Server) handleRecordingList(response http.ResponseWriter, request *http.Request) {
	recordings, err := s.recordings.List()
	if err != nil {
		uierr.WriteError(response, err)
		return
	}
	writeJSON(response, map[string][]recording.Metadata{"recordings": recordings})
}

func (s *Server) handleRecordingLoad(response http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()
	data, err := s.recordings.Load(query.Get("group"), query.Get("name"))
	if err != nil {
		uierr.WriteError(response, err)
		return
	}
	writeJSON(response, map[string]interface{}{"data": data})
}

func (s *Server) handleRecordingDelete(response http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()
	if err := s.recordings.Delete(query.Get("group"), query.Get("name")); err != nil {
		uierr.WriteError(response, err)
		return
	}
	writeJSON(response, map[string]interface{}{
		"success": true,
		"message": "Recording deleted",
	})
}

func closeSocket(connection *websocket.Conn, err error) {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, err.Error())
	connection.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
}
