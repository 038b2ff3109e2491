package ios

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/uierr"
)

const iosSourceXML = `<XCUIElementTypeApplication type="XCUIElementTypeApplication" name="Settings" label="Settings" enabled="true" visible="true" x="0" y="0" width="414" height="896" index="0">` +
	`<XCUIElementTypeButton type="XCUIElementTypeButton" name="Btn" label="Btn" enabled="true" visible="true" x="10" y="20" width="100" height="200" index="0"/>` +
	`<XCUIElementTypeOther type="XCUIElementTypeOther" visible="false" x="0" y="0" width="0" height="50" index="1"/>` +
	`</XCUIElementTypeApplication>`

// fakeWDA is an httptest stand-in for the on-device runner.
type fakeWDA struct {
	server *httptest.Server

	lock             sync.Mutex
	sessionPayloads  []map[string]interface{}
	settingsPayloads []map[string]interface{}
	taps             []map[string]interface{}
	rejectSession    bool
	sessionAttempts  int
}

func newFakeWDA(t *testing.T) *fakeWDA {
	f := &fakeWDA{}

	pngB64 := func() string {
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
		return base64.StdEncoding.EncodeToString(buf.Bytes())
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		json.NewDecoder(r.Body).Decode(&payload)

		f.lock.Lock()
		f.sessionAttempts++
		f.sessionPayloads = append(f.sessionPayloads, payload)
		reject := f.rejectSession && f.sessionAttempts == 1
		f.lock.Unlock()

		if reject {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{"value": map[string]string{"error": "capability rejected"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"value": map[string]string{"sessionId": "fake-session"},
		})
	})
	mux.HandleFunc("/session/fake-session/appium/settings", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		json.NewDecoder(r.Body).Decode(&payload)
		f.lock.Lock()
		f.settingsPayloads = append(f.settingsPayloads, payload)
		f.lock.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"value": payload["settings"]})
	})
	mux.HandleFunc("/screenshot", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"value": pngB64})
	})
	mux.HandleFunc("/session/fake-session/window/size", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"value": map[string]float64{"width": 414, "height": 896},
		})
	})
	mux.HandleFunc("/source", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"value": iosSourceXML})
	})
	mux.HandleFunc("/session/fake-session/wda/tap/0", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		json.NewDecoder(r.Body).Decode(&payload)
		f.lock.Lock()
		f.taps = append(f.taps, payload)
		f.lock.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"value": nil})
	})
	mux.HandleFunc("/wda/activeAppInfo", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"value": map[string]interface{}{"bundleId": "com.demo", "pid": 321},
		})
	})
	mux.HandleFunc("/session/fake-session/wda/apps/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"value": []map[string]interface{}{{"bundleId": "com.demo", "name": "Demo"}},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"value": nil})
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func newTestDriver(t *testing.T, f *fakeWDA) *Driver {
	d, err := NewDriver("udid-123", nil, WithControlURL(f.server.URL), WithMJPEGPort(9200))
	require.NoError(t, err)
	return d
}

func TestSessionInjectsMJPEGCapabilities(t *testing.T) {
	var (
		assert = assert.New(t)
		f      = newFakeWDA(t)
	)

	d := newTestDriver(t, f)
	assert.Equal("fake-session", d.sessionID)

	f.lock.Lock()
	defer f.lock.Unlock()
	require.Len(t, f.sessionPayloads, 1)

	capabilities := f.sessionPayloads[0]["capabilities"].(map[string]interface{})
	options := capabilities["alwaysMatch"].(map[string]interface{})["appium:options"].(map[string]interface{})
	assert.EqualValues(30, options[SettingFramerate])
	assert.EqualValues(50, options[SettingScreenshotQuality])
	assert.EqualValues(50, options[SettingScalingFactor])

	// no settings-endpoint fallback when capabilities succeed
	assert.Empty(f.settingsPayloads)
}

func TestCapabilityRejectionFallsBackToSettings(t *testing.T) {
	var (
		assert = assert.New(t)
		f      = newFakeWDA(t)
	)
	f.rejectSession = true

	d := newTestDriver(t, f)
	assert.Equal("fake-session", d.sessionID)

	f.lock.Lock()
	defer f.lock.Unlock()
	assert.Equal(2, f.sessionAttempts)
	require.Len(t, f.settingsPayloads, 1)

	settings := f.settingsPayloads[0]["settings"].(map[string]interface{})
	assert.EqualValues(30, settings[SettingFramerate])
}

func TestDriverOperations(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		f       = newFakeWDA(t)
		d       = newTestDriver(t, f)
	)

	img, err := d.Screenshot()
	require.NoError(err)
	assert.Equal(4, img.Bounds().Dx())

	size, err := d.WindowSize()
	require.NoError(err)
	assert.Equal(414, size.Width)
	assert.Equal(896, size.Height)

	source, root, err := d.DumpHierarchy()
	require.NoError(err)
	assert.Contains(source, "XCUIElementTypeApplication")
	require.NotNil(root)
	// the invisible zero-area element is elided
	require.Len(root.Children, 1)
	assert.Equal("XCUIElementTypeButton", root.Children[0].Name)

	require.NoError(d.Tap(1, 2))
	f.lock.Lock()
	require.Len(f.taps, 1)
	assert.EqualValues(1, f.taps[0]["x"])
	f.lock.Unlock()

	current, err := d.AppCurrent()
	require.NoError(err)
	assert.Equal("com.demo", current.Package)
	assert.Equal(321, current.Pid)

	apps, err := d.AppList()
	require.NoError(err)
	require.Len(apps, 1)
	assert.Equal("com.demo", apps[0].PackageName)

	assert.Equal("http://127.0.0.1:9200", d.MJPEGURL())
	assert.NoError(d.StopMJPEGStream())
}

func TestUnsupportedKeys(t *testing.T) {
	var (
		assert = assert.New(t)
		d      = newTestDriver(t, newFakeWDA(t))
	)

	assert.True(uierr.Is(d.PressKey(driver.KeyBack), uierr.KindNotImplemented))
	assert.True(uierr.Is(d.PressKey(driver.KeyAppSwitch), uierr.KindNotImplemented))
	assert.True(uierr.Is(d.InstallApp("x.ipa"), uierr.KindNotImplemented))
	assert.NoError(d.PressKey(driver.KeyHome))
}

func TestStartMJPEGStreamTimesOutOnClosedPort(t *testing.T) {
	var (
		assert = assert.New(t)
		f      = newFakeWDA(t)
	)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedPort := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	d, err := NewDriver("udid-123", nil, WithControlURL(f.server.URL), WithMJPEGPort(closedPort))
	require.NoError(t, err)

	start := time.Now()
	err = d.StartMJPEGStream()
	assert.True(uierr.Is(err, uierr.KindHelperTimeout))
	assert.Less(time.Since(start), 10*time.Second)
}

func TestParseDeviceList(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	devices, err := parseDeviceList([]byte(`{"deviceList":["00008030-aaaa","00008030-bbbb"]}`))
	require.NoError(err)
	require.Len(devices, 2)
	assert.Equal("00008030-aaaa", devices[0].Serial)
	assert.True(devices[0].Enabled)

	_, err = parseDeviceList([]byte("not json"))
	assert.True(uierr.Is(err, uierr.KindParseError))
}
