// Package server is the HTTP and WebSocket surface of the service: device
// listing, screenshots, hierarchy dumps, the command endpoint, iOS WDA
// configuration, live MJPEG relays and the recording store.
package server

import (
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/gorilla/websocket"
	"github.com/justinas/alice"

	"github.com/ByteTrue/byteautoui/command"
	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/iosconfig"
	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/recording"
	"github.com/ByteTrue/byteautoui/stream"
	"github.com/ByteTrue/byteautoui/xmetrics"
)

// Config carries the explicitly constructed singletons the server serves.
type Config struct {
	Logger     log.Logger
	Providers  driver.Providers
	Dispatcher *command.Dispatcher
	Stream     *stream.Proxy
	IOSConfig  *iosconfig.Store
	Recordings *recording.Store
	Metrics    *xmetrics.Metrics
	Version    string

	// Shutdown is invoked by GET /shutdown.  Optional.
	Shutdown func()
}

// Server owns the route table.
type Server struct {
	logger     log.Logger
	providers  driver.Providers
	dispatcher *command.Dispatcher
	stream     *stream.Proxy
	iosConfig  *iosconfig.Store
	recordings *recording.Store
	metrics    *xmetrics.Metrics
	version    string
	shutdown   func()

	decoder  *schema.Decoder
	upgrader websocket.Upgrader
}

// New builds a Server from its dependencies.
func New(c Config) *Server {
	if c.Logger == nil {
		c.Logger = logging.DefaultLogger()
	}

	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)

	return &Server{
		logger:     c.Logger,
		providers:  c.Providers,
		dispatcher: c.Dispatcher,
		stream:     c.Stream,
		iosConfig:  c.IOSConfig,
		recordings: c.Recordings,
		metrics:    c.Metrics,
		version:    c.Version,
		shutdown:   c.Shutdown,
		decoder:    decoder,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router assembles the route table behind the middleware chain.
func (s *Server) Router() *mux.Router {
	chain := alice.New(transaction, requestLogger(s.logger))
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.Handle("/info", chain.ThenFunc(s.handleInfo)).Methods("GET")
	api.Handle("/pypi/byteautoui/latest-version", chain.ThenFunc(s.handlePackageVersion)).Methods("GET")

	api.Handle("/recordings/save", chain.ThenFunc(s.handleRecordingSave)).Methods("POST")
	api.Handle("/recordings/list", chain.ThenFunc(s.handleRecordingList)).Methods("GET")
	api.Handle("/recordings/load", chain.ThenFunc(s.handleRecordingLoad)).Methods("GET")
	api.Handle("/recordings/delete", chain.ThenFunc(s.handleRecordingDelete)).Methods("DELETE")

	api.Handle("/{platform}/features", chain.ThenFunc(s.handleFeatures)).Methods("GET")
	api.Handle("/{platform}/list", chain.ThenFunc(s.handleList)).Methods("GET")
	api.Handle("/{platform}/{serial}/screenshot/{id}", chain.ThenFunc(s.handleScreenshot)).Methods("GET")
	api.Handle("/{platform}/{serial}/hierarchy", chain.ThenFunc(s.handleHierarchy)).Methods("GET")
	api.Handle("/{platform}/{serial}/command/{command}", chain.ThenFunc(s.handleCommand)).Methods("GET", "POST")
	api.Handle("/{platform}/{serial}/ios-config", chain.ThenFunc(s.handleIOSConfigGet)).Methods("GET")
	api.Handle("/{platform}/{serial}/ios-config", chain.ThenFunc(s.handleIOSConfigSet)).Methods("POST")
	api.Handle("/{platform}/{serial}/mjpeg", chain.ThenFunc(s.handleMJPEG)).Methods("GET")

	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	router.Handle("/shutdown", chain.ThenFunc(s.handleShutdown)).Methods("GET")

	// live streams carry their own lifecycle; no middleware on the upgrade
	router.HandleFunc("/ws/android/scrcpy/{serial}", s.handleStreamSocket)
	router.HandleFunc("/ws/harmony/mjpeg/{serial}", s.handleStreamSocket)

	return router
}
