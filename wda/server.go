// Package wda supervises the per-device WebDriverAgent helper chain: a shared
// go-ios tunnel, the on-device test runner, and the control and MJPEG port
// forwards.  A background monitor reconciles helper health and owns restarts.
package wda

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/ByteTrue/byteautoui/concurrent"
	"github.com/ByteTrue/byteautoui/iosconfig"
	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/process"
	"github.com/ByteTrue/byteautoui/tunnel"
	"github.com/ByteTrue/byteautoui/uierr"
)

const (
	// DefaultMJPEGPort is WebDriverAgent's built-in MJPEG server port.
	DefaultMJPEGPort = 9100

	adoptWait       = 2 * time.Second
	readyWait       = 30 * time.Second
	monitorInterval = 5 * time.Second
	restartCooldown = 10 * time.Second
	monitorJoinWait = 2 * time.Second
)

// State is the supervisor state for one device.
type State string

const (
	StateNew        State = "new"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// Server owns the WebDriverAgent helper chain for one device.
type Server struct {
	udid     string
	bundleID string
	wdaPort  int
	mjpeg    int

	logger   log.Logger
	tunnels  *tunnel.Manager
	registry *Registry

	executable string
	logDir     string
	client     *http.Client

	lock         sync.Mutex
	state        State
	runner       *process.Child
	forward      *process.Child
	mjpegForward *process.Child
	lastRestart  time.Time

	monitorStop chan struct{}
	monitorWait sync.WaitGroup
}

// Config collects the collaborators and per-device settings for a Server.
// Zero values fall back to the device-config store and package defaults.
type Config struct {
	UDID      string
	BundleID  string
	WDAPort   int
	MJPEGPort int

	Tunnels  *tunnel.Manager
	Store    *iosconfig.Store
	Registry *Registry
	Logger   log.Logger

	// Executable and LogDir exist for tests; the defaults are the go-ios CLI
	// and the system temp directory.
	Executable string
	LogDir     string
}

// NewServer builds a Server.  Explicit bundle id / port settings are written
// through to the store; unset ones are read from it.
func NewServer(c Config) *Server {
	logger := c.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	bundleID := c.BundleID
	wdaPort := c.WDAPort
	if c.Store != nil {
		if bundleID == "" {
			bundleID = c.Store.BundleID(c.UDID)
		} else {
			c.Store.SetBundleID(c.UDID, bundleID)
		}
		if wdaPort == 0 {
			wdaPort = c.Store.Port(c.UDID)
		} else {
			c.Store.SetPort(c.UDID, wdaPort)
		}
	}
	if bundleID == "" {
		bundleID = iosconfig.DefaultBundleID
	}
	if wdaPort == 0 {
		wdaPort = iosconfig.DefaultPort
	}

	mjpeg := c.MJPEGPort
	if mjpeg == 0 {
		mjpeg = DefaultMJPEGPort
	}

	executable := c.Executable
	if executable == "" {
		executable = tunnel.DefaultExecutable
	}
	logDir := c.LogDir
	if logDir == "" {
		logDir = os.TempDir()
	}

	s := &Server{
		udid:       c.UDID,
		bundleID:   bundleID,
		wdaPort:    wdaPort,
		mjpeg:      mjpeg,
		logger:     log.WithPrefix(logger, logging.SerialKey(), short(c.UDID)),
		tunnels:    c.Tunnels,
		registry:   c.Registry,
		executable: executable,
		logDir:     logDir,
		client:     &http.Client{Timeout: 2 * time.Second},
		state:      StateNew,
	}
	if s.registry != nil {
		s.registry.add(s)
	}
	return s
}

// UDID returns the supervised device identifier.
func (s *Server) UDID() string {
	return s.udid
}

// BundleID returns the runner bundle id in use.
func (s *Server) BundleID() string {
	return s.bundleID
}

// Port returns the control (WDA HTTP) port.
func (s *Server) Port() int {
	return s.wdaPort
}

// MJPEGPort returns the MJPEG stream port.
func (s *Server) MJPEGPort() int {
	return s.mjpeg
}

// State returns the current supervisor state.
func (s *Server) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *Server) setState(state State) {
	s.lock.Lock()
	s.state = state
	s.lock.Unlock()
}

// Start brings the helper chain up under the device's start lock and begins
// health monitoring.  It is a no-op when the runner is already responding.
func (s *Server) Start() error {
	var startLock *sync.Mutex
	if s.registry != nil {
		startLock = s.registry.startLock(s.udid)
		startLock.Lock()
		defer startLock.Unlock()
	}

	if err := s.startSequence(false); err != nil {
		s.setState(StateFailed)
		return err
	}

	s.setState(StateRunning)
	s.startMonitor()
	return nil
}

// startSequence runs steps 2-6 of the supervisor contract.  force propagates
// to the tunnel (used by restarts).
func (s *Server) startSequence(force bool) error {
	s.setState(StateStarting)
	started := time.Now()

	// adopt an already-ready runner: no spawns, no log truncation, but the
	// tunnel reference is still taken
	if !force && s.StatusReady() {
		if err := s.tunnels.Start(s.udid, false); err != nil {
			return err
		}
		s.logger.Log(level.Key(), level.InfoValue(),
			logging.MessageKey(), "adopted running WDA", "port", s.wdaPort)
		return nil
	}

	if err := s.tunnels.Start(s.udid, force); err != nil {
		return uierr.Wrap(uierr.KindHelperSpawnFailure, err, "tunnel for %s", short(s.udid))
	}

	// the port being bound without a ready runner means a stale owner holds it
	if process.PortOpen(s.wdaPort, 500*time.Millisecond) && !s.StatusReady() {
		s.logger.Log(level.Key(), level.WarnValue(),
			logging.MessageKey(), "control port occupied but WDA not responding, cleaning up",
			"port", s.wdaPort)
		killPortOwners(s.wdaPort)
		process.WaitPortClose(s.wdaPort, 2*time.Second)
	}

	if err := s.startForwards(); err != nil {
		s.rollback()
		return err
	}

	// a runner may already be live behind the fresh forwards
	if s.waitReady(adoptWait) {
		s.logger.Log(level.Key(), level.InfoValue(),
			logging.MessageKey(), "WDA already running", "port", s.wdaPort,
			"elapsed", time.Since(started).String())
		return nil
	}

	if err := s.startRunner(); err != nil {
		s.rollback()
		return err
	}

	if !s.waitReady(readyWait) {
		tail := ""
		if s.runner != nil {
			tail = s.runner.LogTail(process.DefaultLogTailLines)
		}
		s.rollback()
		if containsDidNotFindTestApp(tail) {
			return uierr.New(uierr.KindHelperSpawnFailure,
				"WDA runner not installed or wrong bundle id %q; set the correct bundle id in the device config\nlast output:\n%s",
				s.bundleID, tail)
		}
		return uierr.New(uierr.KindHelperTimeout,
			"WDA failed to become ready within %s on port %d\nlast output:\n%s",
			readyWait, s.wdaPort, tail)
	}

	s.logger.Log(level.Key(), level.InfoValue(),
		logging.MessageKey(), "WDA started", "port", s.wdaPort,
		"elapsed", time.Since(started).String())
	return nil
}

func (s *Server) startForwards() error {
	forward, err := process.Spawn(
		s.executable,
		[]string{"forward", strconv.Itoa(s.wdaPort), strconv.Itoa(s.wdaPort), "--udid=" + s.udid},
		filepath.Join(s.logDir, fmt.Sprintf("wda_forward_%s_%d.log", short(s.udid), s.wdaPort)),
	)
	if err != nil {
		return uierr.Wrap(uierr.KindHelperSpawnFailure, err, "control port forward %d", s.wdaPort)
	}

	s.lock.Lock()
	s.forward = forward
	s.lock.Unlock()

	mjpegForward, err := process.Spawn(
		s.executable,
		[]string{"forward", strconv.Itoa(s.mjpeg), strconv.Itoa(s.mjpeg), "--udid=" + s.udid},
		filepath.Join(s.logDir, fmt.Sprintf("wda_mjpeg_forward_%s_%d.log", short(s.udid), s.mjpeg)),
	)
	if err != nil {
		// MJPEG forwarding is best effort; live view falls back to screenshots
		s.logger.Log(level.Key(), level.WarnValue(),
			logging.MessageKey(), "MJPEG port forward failed", logging.ErrorKey(), err)
		return nil
	}

	s.lock.Lock()
	s.mjpegForward = mjpegForward
	s.lock.Unlock()
	return nil
}

func (s *Server) startRunner() error {
	s.logger.Log(level.Key(), level.InfoValue(),
		logging.MessageKey(), "starting WDA runner", "bundleID", s.bundleID)

	runner, err := process.Spawn(
		s.executable,
		[]string{
			"runwda",
			"--bundleid=" + s.bundleID,
			"--testrunnerbundleid=" + s.bundleID,
			"--xctestconfig=WebDriverAgentRunner.xctest",
			"--udid=" + s.udid,
		},
		filepath.Join(s.logDir, fmt.Sprintf("wda_%s.log", short(s.udid))),
	)
	if err != nil {
		if containsDidNotFindTestApp(err.Error()) {
			return uierr.New(uierr.KindHelperSpawnFailure,
				"WDA runner not installed or wrong bundle id %q; set the correct bundle id in the device config\noriginal error: %s",
				s.bundleID, err)
		}
		return err
	}

	s.lock.Lock()
	s.runner = runner
	s.lock.Unlock()
	return nil
}

// waitReady polls /status until it reports ready, a helper child dies, or the
// timeout elapses.
func (s *Server) waitReady(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.lock.Lock()
		forward, runner := s.forward, s.runner
		s.lock.Unlock()

		if forward != nil && forward.Exited() {
			s.logger.Log(level.Key(), level.ErrorValue(),
				logging.MessageKey(), "port forward died while waiting for WDA",
				"log", forward.LogTail(process.DefaultLogTailLines))
			return false
		}
		if runner != nil && runner.Exited() {
			s.logger.Log(level.Key(), level.ErrorValue(),
				logging.MessageKey(), "WDA runner died while waiting",
				"log", runner.LogTail(process.DefaultLogTailLines))
			return false
		}
		if s.StatusReady() {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}

// StatusReady reports whether /status on the control port returns a WebDriver
// value object containing "ready" or "state".
func (s *Server) StatusReady() bool {
	if !process.PortOpen(s.wdaPort, 500*time.Millisecond) {
		return false
	}

	response, err := s.client.Get(fmt.Sprintf("http://127.0.0.1:%d/status", s.wdaPort))
	if err != nil {
		return false
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return false
	}

	var body struct {
		Value map[string]json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return false
	}
	if body.Value == nil {
		return false
	}
	_, hasReady := body.Value["ready"]
	_, hasState := body.Value["state"]
	return hasReady || hasState
}

// rollback terminates every helper started by the current sequence and
// releases the tunnel reference taken by it.
func (s *Server) rollback() {
	s.terminateChildren()
	s.tunnels.Release(s.udid)
}

func (s *Server) terminateChildren() {
	s.lock.Lock()
	runner, forward, mjpegForward := s.runner, s.forward, s.mjpegForward
	s.runner, s.forward, s.mjpegForward = nil, nil, nil
	s.lock.Unlock()

	for _, child := range []*process.Child{forward, mjpegForward, runner} {
		if child != nil {
			child.Terminate()
		}
	}
}

// startMonitor launches the per-device health loop.  The monitor runs
// without the start lock and owns restarts.
func (s *Server) startMonitor() {
	s.lock.Lock()
	if s.monitorStop != nil {
		s.lock.Unlock()
		return
	}
	stop := make(chan struct{})
	s.monitorStop = stop
	s.lock.Unlock()

	s.monitorWait.Add(1)
	go func() {
		defer s.monitorWait.Done()
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !s.healthy() {
					s.attemptRestart(stop)
				}
			}
		}
	}()
}

func (s *Server) healthy() bool {
	if !s.tunnels.Running(s.udid) {
		s.logger.Log(level.Key(), level.WarnValue(), logging.MessageKey(), "tunnel not running")
		return false
	}

	s.lock.Lock()
	runner, forward := s.runner, s.forward
	s.lock.Unlock()

	if runner != nil && runner.Exited() {
		s.logger.Log(level.Key(), level.WarnValue(), logging.MessageKey(), "WDA runner exited")
		return false
	}
	if forward != nil && forward.Exited() {
		s.logger.Log(level.Key(), level.WarnValue(), logging.MessageKey(), "control forward exited")
		return false
	}
	if !s.StatusReady() {
		s.logger.Log(level.Key(), level.WarnValue(), logging.MessageKey(), "WDA status not ready")
		return false
	}
	return true
}

// attemptRestart re-runs the start sequence with a forced tunnel, bounded by
// the cooldown.  Only the monitor calls this, so restarts never overlap.
func (s *Server) attemptRestart(stop <-chan struct{}) {
	s.lock.Lock()
	if time.Since(s.lastRestart) < restartCooldown {
		s.lock.Unlock()
		return
	}
	s.lastRestart = time.Now()
	s.lock.Unlock()

	select {
	case <-stop:
		return
	default:
	}

	s.logger.Log(level.Key(), level.WarnValue(), logging.MessageKey(), "restarting WDA helpers")
	s.setState(StateRestarting)
	s.terminateChildren()

	if err := s.startSequence(true); err != nil {
		s.logger.Log(level.Key(), level.ErrorValue(),
			logging.MessageKey(), "WDA restart failed", logging.ErrorKey(), err)
		s.setState(StateFailed)
		return
	}
	s.setState(StateRunning)
}

// Close stops the monitor, terminates owned helpers (not the shared tunnel)
// and releases the tunnel reference.
func (s *Server) Close() {
	if s.registry != nil {
		s.registry.remove(s)
	}

	s.lock.Lock()
	stop := s.monitorStop
	s.monitorStop = nil
	s.lock.Unlock()

	if stop != nil {
		close(stop)
		if !concurrent.WaitTimeout(&s.monitorWait, monitorJoinWait) {
			s.logger.Log(level.Key(), level.WarnValue(),
				logging.MessageKey(), "health monitor did not stop in time")
		}
	}

	s.terminateChildren()
	s.tunnels.Release(s.udid)
	s.setState(StateClosed)
	s.logger.Log(level.Key(), level.InfoValue(), logging.MessageKey(), "WDA server closed")
}

// killPortOwners force-kills whatever owns a local TCP port.  macOS uses
// lsof, Linux uses fuser; Windows is left to the user.
func killPortOwners(port int) {
	switch runtime.GOOS {
	case "darwin":
		output, err := exec.Command("lsof", "-ti", fmt.Sprintf(":%d", port)).Output()
		if err != nil {
			return
		}
		for _, line := range strings.Fields(string(output)) {
			if pid, err := strconv.Atoi(line); err == nil {
				exec.Command("kill", "-9", strconv.Itoa(pid)).Run()
			}
		}
	case "linux":
		exec.Command("fuser", "-k", fmt.Sprintf("%d/tcp", port)).Run()
	}
}

func containsDidNotFindTestApp(s string) bool {
	return strings.Contains(strings.ToLower(s), "did not find test app")
}

func short(udid string) string {
	if len(udid) > 8 {
		return udid[:8]
	}
	return udid
}
