// Package tunnel owns the per-UDID go-ios tunnel children.  One Manager
// exists per process; consumers share tunnels through reference counting and
// a tunnel whose count drains to zero stays warm for fast reconnection.
package tunnel

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/c9s/goprocinfo/linux"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/process"
)

const (
	// DefaultExecutable is the go-ios helper CLI.
	DefaultExecutable = "ios"

	tunnelMarker = "ios tunnel start"
)

// Manager supervises one tunnel child per UDID.  A single coarse mutex
// protects the maps; refcount writes happen under it.
type Manager struct {
	lock    sync.Mutex
	logger  log.Logger
	tunnels map[string]*process.Child
	refs    map[string]int

	executable string
	logDir     string
	procDir    string
}

// Option configures a Manager.
type Option func(*Manager)

// WithExecutable overrides the helper CLI binary, mainly for tests.
func WithExecutable(executable string) Option {
	return func(m *Manager) {
		m.executable = executable
	}
}

// WithLogDir overrides where tunnel logs are written (default /tmp).
func WithLogDir(dir string) Option {
	return func(m *Manager) {
		m.logDir = dir
	}
}

// WithProcDir overrides the proc filesystem root used for orphan discovery.
func WithProcDir(dir string) Option {
	return func(m *Manager) {
		m.procDir = dir
	}
}

// NewManager creates the process-wide tunnel manager.
func NewManager(logger log.Logger, options ...Option) *Manager {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	m := &Manager{
		logger:     logger,
		tunnels:    make(map[string]*process.Child),
		refs:       make(map[string]int),
		executable: DefaultExecutable,
		logDir:     os.TempDir(),
		procDir:    "/proc",
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Start ensures a tunnel is up for the UDID.  When one is already alive and
// force is false, the reference count is incremented and the tunnel reused.
// force tears down any prior instance first.
func (m *Manager) Start(udid string, force bool) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !force && m.runningLocked(udid) {
		m.refs[udid]++
		m.logger.Log(level.Key(), level.InfoValue(),
			logging.MessageKey(), "tunnel already running, reusing",
			logging.SerialKey(), short(udid), "refcount", m.refs[udid])
		return nil
	}

	if force {
		m.stopLocked(udid)
	}

	logPath := filepath.Join(m.logDir, fmt.Sprintf("ios_tunnel_%s.log", short(udid)))
	child, err := process.Spawn(
		m.executable,
		[]string{"tunnel", "start", "--udid=" + udid, "--userspace"},
		logPath,
	)
	if err != nil {
		m.logger.Log(level.Key(), level.ErrorValue(),
			logging.MessageKey(), "tunnel failed to start",
			logging.SerialKey(), short(udid), logging.ErrorKey(), err)
		return err
	}

	m.tunnels[udid] = child
	m.refs[udid] = 1
	m.logger.Log(level.Key(), level.InfoValue(),
		logging.MessageKey(), "tunnel started",
		logging.SerialKey(), short(udid), "log", logPath)
	return nil
}

// Running reports whether a tunnel is alive for the UDID.  It checks the
// managed handle first, then defensively scans the system process table for
// a tunnel owned by another run.
func (m *Manager) Running(udid string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.runningLocked(udid)
}

func (m *Manager) runningLocked(udid string) bool {
	if child, ok := m.tunnels[udid]; ok {
		if !child.Exited() {
			return true
		}
		// reap the dead entry so a restart is possible
		child.Terminate()
		delete(m.tunnels, udid)
		delete(m.refs, udid)
	}

	return len(m.orphanPids(udid)) > 0
}

// Release decrements the UDID's reference count.  The tunnel itself is kept
// warm even at zero; termination happens only through Cleanup or force.
func (m *Manager) Release(udid string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.refs[udid] > 0 {
		m.refs[udid]--
	}
	m.logger.Log(level.Key(), level.DebugValue(),
		logging.MessageKey(), "tunnel reference released",
		logging.SerialKey(), short(udid), "refcount", m.refs[udid])
}

// RefCount returns the current reference count for a UDID.
func (m *Manager) RefCount(udid string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.refs[udid]
}

func (m *Manager) stopLocked(udid string) {
	child, ok := m.tunnels[udid]
	if !ok {
		return
	}
	child.Terminate()
	delete(m.tunnels, udid)
	delete(m.refs, udid)
	m.logger.Log(level.Key(), level.InfoValue(),
		logging.MessageKey(), "tunnel terminated", logging.SerialKey(), short(udid))
}

// Cleanup terminates every managed tunnel, then best-effort reaps orphan
// tunnels left behind by prior runs.
func (m *Manager) Cleanup() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for udid := range m.tunnels {
		m.stopLocked(udid)
	}

	for _, pid := range m.orphanPids("") {
		syscall.Kill(pid, syscall.SIGTERM)
	}
}

// orphanPids scans the process table for tunnel commands.  With a non-empty
// udid only that device's tunnels match.  Own children are excluded.
func (m *Manager) orphanPids(udid string) []int {
	entries, err := os.ReadDir(m.procDir)
	if err != nil {
		return nil
	}

	owned := make(map[int]bool, len(m.tunnels))
	for _, child := range m.tunnels {
		owned[child.Pid()] = true
	}

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || owned[pid] {
			continue
		}
		proc, err := linux.ReadProcess(uint64(pid), m.procDir)
		if err != nil {
			continue
		}
		cmdline := strings.ReplaceAll(proc.Cmdline, "\x00", " ")
		if !strings.Contains(cmdline, tunnelMarker) {
			continue
		}
		if udid != "" && !strings.Contains(cmdline, udid) {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

func short(udid string) string {
	if len(udid) > 8 {
		return udid[:8]
	}
	return udid
}
