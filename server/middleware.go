package server

import (
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/segmentio/ksuid"

	"github.com/ByteTrue/byteautoui/logging"
)

// TransactionHeader carries the per-request id assigned by the middleware.
const TransactionHeader = "X-Byteautoui-Transaction-Id"

// transaction stamps every request and response with a fresh ksuid so log
// lines and client reports can be correlated.
func transaction(next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		id := ksuid.New().String()
		request.Header.Set(TransactionHeader, id)
		response.Header().Set(TransactionHeader, id)
		next.ServeHTTP(response, request)
	})
}

// requestLogger emits one debug line per request with its duration, and
// places a transaction-scoped logger into the request context for handlers
// that log mid-flight.
func requestLogger(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
			started := time.Now()
			scoped := log.WithPrefix(logger, "transaction", request.Header.Get(TransactionHeader))
			request = request.WithContext(logging.WithLogger(request.Context(), scoped))
			next.ServeHTTP(response, request)
			logger.Log(level.Key(), level.DebugValue(),
				logging.MessageKey(), "request handled",
				"method", request.Method,
				"uri", request.RequestURI,
				"transaction", request.Header.Get(TransactionHeader),
				"duration", time.Since(started))
		})
	}
}
