package android

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log/level"

	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/hierarchy"
	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/uierr"
)

const (
	agentDevicePort = 9008
	agentMaxDepth   = 50
)

// Agent is the fast-path driver: a lazily connected JSON-RPC client against
// the on-device automation agent, with the Bridge as fallback for every
// operation.  The client is invalidated on timeout so a wedged agent never
// blocks more than one call.
type Agent struct {
	*Bridge

	lock       sync.Mutex
	client     *rpcClient
	connecting atomic.Bool
}

var _ driver.Driver = (*Agent)(nil)

// NewAgent builds an agent driver for one serial.
func NewAgent(serial string, options ...Option) *Agent {
	return &Agent{Bridge: NewBridge(serial, options...)}
}

// New picks the agent driver unless the environment forces the plain bridge.
func New(serial string, options ...Option) driver.Driver {
	if UseBridgeDriver() {
		return NewBridge(serial, options...)
	}
	return NewAgent(serial, options...)
}

// connected returns the live client without triggering a connect.
func (a *Agent) connected() *rpcClient {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.client
}

// ensure returns the client, connecting under the lock if needed.
func (a *Agent) ensure() (*rpcClient, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.client != nil {
		return a.client, nil
	}

	client, err := a.connect()
	if err != nil {
		return nil, err
	}
	a.client = client
	return client, nil
}

// ensureAsync starts a background connect when no client exists, so that a
// first render served by the bridge path still warms the agent for the next
// call.
func (a *Agent) ensureAsync() {
	if !a.connecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer a.connecting.Store(false)
		if _, err := a.ensure(); err != nil {
			a.logger.Log(level.Key(), level.WarnValue(),
				logging.MessageKey(), "agent connect failed", logging.ErrorKey(), err)
		}
	}()
}

func (a *Agent) invalidate() {
	a.lock.Lock()
	a.client = nil
	a.lock.Unlock()
}

// connect forwards a local port to the on-device agent and probes it.
// Callers hold a.lock.
func (a *Agent) connect() (*rpcClient, error) {
	output, err := a.run(commandTimeout,
		"forward", "tcp:0", "tcp:"+strconv.Itoa(agentDevicePort))
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return nil, uierr.New(uierr.KindHelperSpawnFailure,
			"bridge forward returned no port: %q", output)
	}

	client := &rpcClient{
		url:  fmt.Sprintf("http://127.0.0.1:%d/jsonrpc/0", port),
		http: &http.Client{},
	}
	if _, err := client.call("deviceInfo", nil, rpcTimeout()); err != nil {
		return nil, uierr.Wrap(uierr.KindHelperSpawnFailure, err, "agent not responding on port %d", port)
	}
	a.logger.Log(level.Key(), level.InfoValue(),
		logging.MessageKey(), "agent connected", "port", port)
	return client, nil
}

// Screenshot prefers the agent RPC.  A never-connected client must not block
// the first render, so it falls straight to the bridge while connecting in
// the background.
func (a *Agent) Screenshot() (image.Image, error) {
	client := a.connected()
	if client == nil {
		a.ensureAsync()
		return a.Bridge.Screenshot()
	}

	result, err := client.call("takeScreenshot", []interface{}{1, 80}, rpcTimeout())
	if err == nil {
		if img, decodeErr := decodeBase64Image(result); decodeErr == nil {
			return img, nil
		}
		err = uierr.New(uierr.KindParseError, "agent screenshot is not an image")
	}

	a.logger.Log(level.Key(), level.WarnValue(),
		logging.MessageKey(), "agent screenshot failed, falling back to bridge",
		logging.ErrorKey(), err)
	a.invalidate()
	return a.Bridge.Screenshot()
}

// DumpHierarchy prefers the agent RPC dump; the bridge uiautomator path is
// the fallback and the only path before first connect.
func (a *Agent) DumpHierarchy() (string, *hierarchy.Node, error) {
	source, err := a.rawHierarchy()
	if err != nil {
		return "", nil, err
	}
	size, err := a.WindowSize()
	if err != nil {
		return "", nil, err
	}
	root, err := hierarchy.Parse(source, size)
	if err != nil {
		return "", nil, err
	}
	return source, root, nil
}

func (a *Agent) rawHierarchy() (string, error) {
	client := a.connected()
	if client == nil {
		a.ensureAsync()
		return a.Bridge.RawHierarchy()
	}

	result, err := client.call("dumpWindowHierarchy", []interface{}{false, agentMaxDepth}, rpcTimeout())
	if err == nil {
		var source string
		if json.Unmarshal(result, &source) == nil && source != "" {
			return source, nil
		}
		err = uierr.New(uierr.KindParseError, "agent returned an empty hierarchy")
	}

	a.logger.Log(level.Key(), level.WarnValue(),
		logging.MessageKey(), "agent hierarchy dump failed, falling back to bridge",
		logging.ErrorKey(), err)
	a.invalidate()
	return a.Bridge.RawHierarchy()
}

func (a *Agent) Tap(x, y int) error {
	client, err := a.ensure()
	if err != nil {
		return a.Bridge.Tap(x, y)
	}
	if _, err := client.call("click", []interface{}{x, y}, rpcTimeout()); err != nil {
		a.invalidate()
		return a.Bridge.Tap(x, y)
	}
	return nil
}

func (a *Agent) Swipe(fromX, fromY, toX, toY int, duration time.Duration) error {
	client, err := a.ensure()
	if err != nil {
		return a.Bridge.Swipe(fromX, fromY, toX, toY, duration)
	}
	steps := int(duration.Seconds() * 200) // agent swipes in ~5ms steps
	if steps < 1 {
		steps = 1
	}
	if _, err := client.call("swipe", []interface{}{fromX, fromY, toX, toY, steps}, rpcTimeout()); err != nil {
		a.invalidate()
		return a.Bridge.Swipe(fromX, fromY, toX, toY, duration)
	}
	return nil
}

func (a *Agent) SendKeys(text string) error {
	client, err := a.ensure()
	if err != nil {
		return a.Bridge.SendKeys(text)
	}
	if _, err := client.call("setText", []interface{}{text}, rpcTimeout()); err != nil {
		a.invalidate()
		return a.Bridge.SendKeys(text)
	}
	return nil
}

func (a *Agent) ClearText() error {
	client, err := a.ensure()
	if err != nil {
		return a.Bridge.ClearText()
	}
	if _, err := client.call("clearTextField", nil, rpcTimeout()); err != nil {
		a.invalidate()
		return a.Bridge.ClearText()
	}
	return nil
}

func (a *Agent) Close() error {
	a.invalidate()
	return a.Bridge.Close()
}

// rpcClient is a minimal JSON-RPC 2.0 client for the on-device agent.
type rpcClient struct {
	url  string
	http *http.Client
	id   atomic.Int64
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *rpcClient) call(method string, params []interface{}, timeout time.Duration) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.id.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}

	client := *c.http
	client.Timeout = timeout
	response, err := client.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		if strings.Contains(err.Error(), "Client.Timeout") {
			return nil, uierr.Wrap(uierr.KindHelperTimeout, err, "agent rpc %s timed out after %s", method, timeout)
		}
		return nil, uierr.Wrap(uierr.KindHelperSpawnFailure, err, "agent rpc %s", method)
	}
	defer response.Body.Close()

	var reply struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(response.Body).Decode(&reply); err != nil {
		return nil, uierr.Wrap(uierr.KindParseError, err, "agent rpc %s reply", method)
	}
	if reply.Error != nil {
		return nil, uierr.New(uierr.KindHelperSpawnFailure,
			"agent rpc %s: %s (code %d)", method, reply.Error.Message, reply.Error.Code)
	}
	return reply.Result, nil
}

// decodeBase64Image decodes an agent screenshot reply: a JSON string holding
// base64 JPEG or PNG bytes.
func decodeBase64Image(raw json.RawMessage) (image.Image, error) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil || encoded == "" {
		return nil, uierr.New(uierr.KindParseError, "screenshot reply is not a string")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if img, err := jpeg.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return png.Decode(bytes.NewReader(data))
}
