// Package ios drives iOS devices through the on-device WebDriverAgent
// runner's HTTP endpoint.  The helper chain underneath (tunnel, runner,
// forwards) is owned by the wda supervisor; this package only speaks HTTP.
package ios

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/hierarchy"
	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/process"
	"github.com/ByteTrue/byteautoui/uierr"
	"github.com/ByteTrue/byteautoui/wda"
)

const mjpegReadyWait = 5 * time.Second

// Driver talks to one device's WDA runner.
type Driver struct {
	serial    string
	server    *wda.Server
	client    *http.Client
	base      string
	mjpegPort int
	logger    log.Logger
	sessionID string
}

var (
	_ driver.Driver   = (*Driver)(nil)
	_ driver.Streamer = (*Driver)(nil)
)

// Option configures the iOS driver, mainly for tests.
type Option func(*Driver)

// WithControlURL overrides the runner base URL (normally derived from the
// supervisor's control port).
func WithControlURL(url string) Option {
	return func(d *Driver) {
		d.base = strings.TrimRight(url, "/")
	}
}

// WithMJPEGPort overrides the MJPEG stream port.
func WithMJPEGPort(port int) Option {
	return func(d *Driver) {
		d.mjpegPort = port
	}
}

// WithLogger sets the driver logger.
func WithLogger(logger log.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// NewDriver ensures the device's WDA supervisor is running, then creates a
// session with MJPEG tuning injected.  Tuning failures never fail driver
// construction: the fallback ladder is capabilities, then the live settings
// endpoint, then proceeding untuned.
func NewDriver(serial string, server *wda.Server, options ...Option) (*Driver, error) {
	d := &Driver{
		serial: serial,
		server: server,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logging.DefaultLogger(),
	}
	for _, option := range options {
		option(d)
	}
	d.logger = log.WithPrefix(d.logger, logging.SerialKey(), serial)

	if server != nil {
		if err := server.Start(); err != nil {
			return nil, err
		}
		if d.base == "" {
			d.base = fmt.Sprintf("http://127.0.0.1:%d", server.Port())
		}
		if d.mjpegPort == 0 {
			d.mjpegPort = server.MJPEGPort()
		}
	}
	if d.mjpegPort == 0 {
		d.mjpegPort = wda.DefaultMJPEGPort
	}

	d.createSession(BuildMJPEGSettings(nil))
	return d, nil
}

// createSession obtains a WDA session, trying MJPEG tuning via capabilities
// first and the appium settings endpoint second.
func (d *Driver) createSession(settings map[string]int) {
	value, err := d.request(http.MethodPost, "/session", map[string]interface{}{
		"capabilities": map[string]interface{}{
			"alwaysMatch": map[string]interface{}{
				"appium:options": settings,
			},
		},
	})
	if err == nil {
		if id := sessionIDFrom(value); id != "" {
			d.sessionID = id
			return
		}
		err = uierr.New(uierr.KindParseError, "session response carries no session id")
	}

	d.logger.Log(level.Key(), level.WarnValue(),
		logging.MessageKey(), "capability injection failed, trying settings endpoint",
		logging.ErrorKey(), err)

	value, err = d.request(http.MethodPost, "/session", map[string]interface{}{
		"capabilities": map[string]interface{}{},
	})
	if err == nil {
		d.sessionID = sessionIDFrom(value)
	}

	if _, err := d.request(http.MethodPost, d.sessionPath("/appium/settings"),
		map[string]interface{}{"settings": settings}); err != nil {
		d.logger.Log(level.Key(), level.WarnValue(),
			logging.MessageKey(), "MJPEG tuning failed, proceeding untuned",
			logging.ErrorKey(), err)
	}
}

func sessionIDFrom(value json.RawMessage) string {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if json.Unmarshal(value, &body) == nil && body.SessionID != "" {
		return body.SessionID
	}
	return ""
}

// sessionPath prefixes a path with the current session.  Sessionless drivers
// still work for endpoints WDA serves globally.
func (d *Driver) sessionPath(path string) string {
	if d.sessionID == "" {
		return path
	}
	return "/session/" + d.sessionID + path
}

// request performs one WDA call and returns the raw "value" member.
func (d *Driver) request(method, path string, payload interface{}) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, d.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := d.client.Do(req)
	if err != nil {
		return nil, uierr.Wrap(uierr.KindHelperTimeout, err, "WDA %s %s", method, path)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	if response.StatusCode >= 300 {
		return nil, uierr.New(uierr.KindHelperSpawnFailure,
			"WDA %s %s: status %d: %.200s", method, path, response.StatusCode, raw)
	}

	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, uierr.Wrap(uierr.KindParseError, err, "WDA %s %s reply", method, path)
	}
	return envelope.Value, nil
}

func (d *Driver) Serial() string            { return d.serial }
func (d *Driver) Platform() driver.Platform { return driver.IOS }

// Screenshot fetches and decodes the runner's PNG screenshot.
func (d *Driver) Screenshot() (image.Image, error) {
	value, err := d.request(http.MethodGet, "/screenshot", nil)
	if err != nil {
		return nil, err
	}

	var encoded string
	if err := json.Unmarshal(value, &encoded); err != nil {
		return nil, uierr.Wrap(uierr.KindParseError, err, "screenshot reply")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, uierr.Wrap(uierr.KindParseError, err, "screenshot base64")
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, uierr.Wrap(uierr.KindParseError, err, "screenshot png")
	}
	return img, nil
}

func (d *Driver) WindowSize() (hierarchy.WindowSize, error) {
	value, err := d.request(http.MethodGet, d.sessionPath("/window/size"), nil)
	if err != nil {
		return hierarchy.WindowSize{}, err
	}

	var size struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := json.Unmarshal(value, &size); err != nil {
		return hierarchy.WindowSize{}, uierr.Wrap(uierr.KindParseError, err, "window size reply")
	}
	return hierarchy.WindowSize{Width: int(size.Width), Height: int(size.Height)}, nil
}

// DumpHierarchy fetches the runner's XML source and parses it.
func (d *Driver) DumpHierarchy() (string, *hierarchy.Node, error) {
	value, err := d.request(http.MethodGet, "/source?format=xml", nil)
	if err != nil {
		return "", nil, err
	}

	var source string
	if err := json.Unmarshal(value, &source); err != nil {
		return "", nil, uierr.Wrap(uierr.KindParseError, err, "source reply")
	}

	size, err := d.WindowSize()
	if err != nil {
		return "", nil, err
	}
	root, err := hierarchy.Parse(source, size)
	if err != nil {
		return "", nil, err
	}
	return source, root, nil
}

func (d *Driver) Tap(x, y int) error {
	_, err := d.request(http.MethodPost, d.sessionPath("/wda/tap/0"),
		map[string]interface{}{"x": x, "y": y})
	return err
}

func (d *Driver) Swipe(fromX, fromY, toX, toY int, duration time.Duration) error {
	_, err := d.request(http.MethodPost, d.sessionPath("/wda/dragfromtoforduration"),
		map[string]interface{}{
			"fromX":    fromX,
			"fromY":    fromY,
			"toX":      toX,
			"toY":      toY,
			"duration": duration.Seconds(),
		})
	return err
}

func (d *Driver) PressKey(key driver.Key) error {
	switch key {
	case driver.KeyHome:
		_, err := d.request(http.MethodPost, "/wda/homescreen", nil)
		return err
	case driver.KeyVolumeUp:
		return d.pressButton("volumeUp")
	case driver.KeyVolumeDown:
		return d.pressButton("volumeDown")
	case driver.KeyWakeUp:
		_, err := d.request(http.MethodPost, "/wda/unlock", nil)
		return err
	case driver.KeyBack, driver.KeyAppSwitch, driver.KeyVolumeMute:
		return uierr.New(uierr.KindNotImplemented, "key %q is not supported on iOS", key)
	}
	return uierr.New(uierr.KindInvalidArgument, "unsupported key %q", key)
}

func (d *Driver) pressButton(name string) error {
	_, err := d.request(http.MethodPost, d.sessionPath("/wda/pressButton"),
		map[string]interface{}{"name": name})
	return err
}

func (d *Driver) SendKeys(text string) error {
	_, err := d.request(http.MethodPost, d.sessionPath("/wda/keys"),
		map[string]interface{}{"value": []string{text}})
	return err
}

func (d *Driver) ClearText() error {
	// backspace into the focused field; WDA has no global clear
	return d.SendKeys(strings.Repeat("\b", 30))
}

func (d *Driver) InstallApp(url string) error {
	return uierr.New(uierr.KindNotImplemented, "app install is not supported on iOS")
}

func (d *Driver) AppLaunch(bundleID string) error {
	_, err := d.request(http.MethodPost, d.sessionPath("/wda/apps/launch"),
		map[string]interface{}{"bundleId": bundleID})
	return err
}

func (d *Driver) AppTerminate(bundleID string) error {
	_, err := d.request(http.MethodPost, d.sessionPath("/wda/apps/terminate"),
		map[string]interface{}{"bundleId": bundleID})
	return err
}

func (d *Driver) AppCurrent() (driver.CurrentApp, error) {
	value, err := d.request(http.MethodGet, "/wda/activeAppInfo", nil)
	if err != nil {
		return driver.CurrentApp{}, err
	}

	var info struct {
		BundleID string `json:"bundleId"`
		Name     string `json:"name"`
		Pid      int    `json:"pid"`
	}
	if err := json.Unmarshal(value, &info); err != nil {
		return driver.CurrentApp{}, uierr.Wrap(uierr.KindParseError, err, "active app reply")
	}
	return driver.CurrentApp{Package: info.BundleID, Activity: info.Name, Pid: info.Pid}, nil
}

func (d *Driver) AppList() ([]driver.AppInfo, error) {
	value, err := d.request(http.MethodGet, d.sessionPath("/wda/apps/list"), nil)
	if err != nil {
		return nil, err
	}

	var entries []struct {
		BundleID string `json:"bundleId"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal(value, &entries); err != nil {
		return nil, uierr.Wrap(uierr.KindParseError, err, "app list reply")
	}

	apps := make([]driver.AppInfo, 0, len(entries))
	for _, entry := range entries {
		apps = append(apps, driver.AppInfo{PackageName: entry.BundleID, VersionName: entry.Name})
	}
	return apps, nil
}

// StartMJPEGStream waits for WDA's built-in MJPEG server to accept
// connections.  The server's lifetime is the runner's, so there is nothing
// to spawn.
func (d *Driver) StartMJPEGStream() error {
	deadline := time.Now().Add(mjpegReadyWait)
	for time.Now().Before(deadline) {
		if process.PortOpen(d.mjpegPort, 500*time.Millisecond) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return uierr.New(uierr.KindHelperTimeout,
		"MJPEG port %d not reachable; WDA may not be running or MJPEG is disabled", d.mjpegPort)
}

// StopMJPEGStream is a no-op success: the MJPEG server lives and dies with
// the runner.
func (d *Driver) StopMJPEGStream() error {
	return nil
}

func (d *Driver) MJPEGURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", d.mjpegPort)
}

func (d *Driver) Close() error {
	if d.server != nil {
		d.server.Close()
	}
	return nil
}
