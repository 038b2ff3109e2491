// Package process supplies the primitives for supervising helper child
// processes: spawn with captured output, grace-period death detection,
// port-aware liveness, and polite-then-forceful termination.
package process

import (
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ByteTrue/byteautoui/uierr"
)

const (
	// GracePeriod is how long Spawn watches for an immediate failure.
	GracePeriod = 300 * time.Millisecond

	// TerminateWait is how long Terminate allows for a polite exit before
	// escalating to SIGKILL.
	TerminateWait = 2 * time.Second

	// DefaultLogTailLines is how many log lines failure messages embed.
	DefaultLogTailLines = 10
)

// Child supervises one spawned helper process.  Its stdout and stderr are
// routed to a log file which is truncated on every start.
type Child struct {
	name    string
	args    []string
	logPath string
	port    int

	lock    sync.Mutex
	cmd     *exec.Cmd
	logFile *os.File
	done    chan struct{}
	exited  bool
	exit    int
}

// Option configures a Child before it starts.
type Option func(*Child)

// WithPort attaches a primary TCP port: Alive then also requires the port to
// accept connections.
func WithPort(port int) Option {
	return func(c *Child) {
		c.port = port
	}
}

// Spawn starts a child with output routed to logPath (truncated first) and
// waits the grace period to catch immediate failures.  A child that dies
// inside the grace period is reaped, and the error embeds the tail of its log.
func Spawn(name string, args []string, logPath string, options ...Option) (*Child, error) {
	c := &Child{
		name:    name,
		args:    args,
		logPath: logPath,
		done:    make(chan struct{}),
	}
	for _, option := range options {
		option(c)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, uierr.Wrap(uierr.KindHelperSpawnFailure, err, "opening log %s", logPath)
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, uierr.Wrap(uierr.KindHelperSpawnFailure, err, "starting %s", name)
	}

	c.cmd = cmd
	c.logFile = logFile

	go func() {
		cmd.Wait()
		c.lock.Lock()
		c.exited = true
		c.exit = cmd.ProcessState.ExitCode()
		c.lock.Unlock()
		close(c.done)
	}()

	select {
	case <-c.done:
		c.closeLog()
		return nil, uierr.New(
			uierr.KindHelperSpawnFailure,
			"%s exited immediately (exit code %d)\nlast output:\n%s",
			name, c.ExitCode(), c.LogTail(DefaultLogTailLines),
		)
	case <-time.After(GracePeriod):
	}

	return c, nil
}

// Alive reports whether the child is still running and, when a primary port
// was attached, whether that port accepts connections.
func (c *Child) Alive() bool {
	c.lock.Lock()
	exited := c.exited
	port := c.port
	c.lock.Unlock()

	if exited {
		return false
	}
	if port > 0 {
		return PortOpen(port, 500*time.Millisecond)
	}
	return true
}

// Exited reports whether the process has been reaped.
func (c *Child) Exited() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.exited
}

// ExitCode returns the exit code, or -1 while the child is running.
func (c *Child) ExitCode() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.exited {
		return -1
	}
	return c.exit
}

// Pid returns the child's process id.
func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// LogPath returns the file receiving the child's output.
func (c *Child) LogPath() string {
	return c.logPath
}

// Terminate sends SIGTERM, waits TerminateWait, then SIGKILLs.  It is
// idempotent and closes the log file after the process is reaped.
func (c *Child) Terminate() {
	c.lock.Lock()
	exited := c.exited
	c.lock.Unlock()

	if !exited {
		c.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-c.done:
		case <-time.After(TerminateWait):
			c.cmd.Process.Kill()
			<-c.done
		}
	}

	c.closeLog()
}

func (c *Child) closeLog() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.logFile != nil {
		c.logFile.Close()
		c.logFile = nil
	}
}

// LogTail returns up to the last n lines of the child's log.
func (c *Child) LogTail(n int) string {
	return LogTail(c.logPath, n)
}

// LogTail reads up to the last n lines of a log file.
func LogTail(path string, n int) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "(failed to read logs)"
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return "(no logs)"
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// PortOpen reports whether 127.0.0.1:port accepts TCP connections.
func PortOpen(port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitPortClose polls until the port stops accepting connections or the
// timeout elapses.  Used after killing a stale port owner.
func WaitPortClose(port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !PortOpen(port, 100*time.Millisecond) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
