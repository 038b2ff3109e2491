package xmetrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCommand(t *testing.T) {
	var (
		assert = assert.New(t)
		m      = New()
	)

	m.ObserveCommand("tap", "android", nil)
	m.ObserveCommand("tap", "android", nil)
	m.ObserveCommand("tap", "android", errors.New("boom"))

	assert.Equal(float64(2),
		testutil.ToFloat64(m.Commands.WithLabelValues("tap", "android", "success")))
	assert.Equal(float64(1),
		testutil.ToFloat64(m.Commands.WithLabelValues("tap", "android", "error")))
}

func TestHandlerExposesInstruments(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		m       = New()
	)

	m.WDARestarts.Inc()
	m.ActiveDevices.WithLabelValues("ios").Set(1)

	response := httptest.NewRecorder()
	m.Handler().ServeHTTP(response, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(200, response.Code)

	body, err := io.ReadAll(response.Body)
	require.NoError(err)
	assert.Contains(string(body), "byteautoui_wda_restarts_total 1")
	assert.Contains(string(body), `byteautoui_active_devices{platform="ios"} 1`)
}
