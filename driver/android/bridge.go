// Package android drives Android devices through the platform bridge CLI
// (adb) and, when available, the on-device automation agent's JSON-RPC
// endpoint.  The agent path is the fast path; every operation degrades to
// the bridge when the agent is absent or unresponsive.
package android

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cast"

	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/hierarchy"
	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/uierr"
)

const (
	// DefaultExecutable is the platform bridge CLI.
	DefaultExecutable = "adb"

	dumpTarget     = "/data/local/tmp/uidump.xml"
	shellTimeout   = 20 * time.Second
	commandTimeout = 10 * time.Second
)

var (
	windowSizePattern      = regexp.MustCompile(`(\d+)x(\d+)`)
	resumedActivityPattern = regexp.MustCompile(`mResumedActivity:.*? ([\w.]+)/([\w.$]+)`)
	packageLinePattern     = regexp.MustCompile(`(?m)^package:(\S+)\r?$`)
	versionNamePattern     = regexp.MustCompile(`versionName=(\S+)`)
	versionCodePattern     = regexp.MustCompile(`versionCode=(\d+)`)
)

// keycodes maps normalized keys to Android key event names.
var keycodes = map[driver.Key]string{
	driver.KeyHome:       "HOME",
	driver.KeyBack:       "BACK",
	driver.KeyAppSwitch:  "APP_SWITCH",
	driver.KeyVolumeUp:   "VOLUME_UP",
	driver.KeyVolumeDown: "VOLUME_DOWN",
	driver.KeyVolumeMute: "VOLUME_MUTE",
	driver.KeyWakeUp:     "WAKEUP",
}

// Option configures the Android drivers.
type Option func(*Bridge)

// WithExecutable overrides the bridge CLI binary, mainly for tests.
func WithExecutable(executable string) Option {
	return func(b *Bridge) {
		b.adb = executable
	}
}

// WithLogger sets the driver logger.
func WithLogger(logger log.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// Bridge is the plain bridge-CLI driver: every operation shells out to the
// platform bridge.  It is the fallback layer under the agent driver and the
// whole driver when the agent is disabled.
type Bridge struct {
	serial string
	adb    string
	logger log.Logger
}

var _ driver.Driver = (*Bridge)(nil)

// NewBridge builds a bridge driver for one serial.
func NewBridge(serial string, options ...Option) *Bridge {
	b := &Bridge{
		serial: serial,
		adb:    DefaultExecutable,
		logger: logging.DefaultLogger(),
	}
	for _, option := range options {
		option(b)
	}
	b.logger = log.WithPrefix(b.logger, logging.SerialKey(), serial)
	return b
}

func (b *Bridge) Serial() string            { return b.serial }
func (b *Bridge) Platform() driver.Platform { return driver.Android }

// shell runs a command through the bridge's device shell and returns the
// trimmed combined output.
func (b *Bridge) shell(timeout time.Duration, command string) (string, error) {
	return b.run(timeout, "shell", command)
}

// execOut runs a device command with raw (binary-safe) stdout.
func (b *Bridge) execOut(timeout time.Duration, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	full := append([]string{"-s", b.serial, "exec-out"}, args...)
	output, err := exec.CommandContext(ctx, b.adb, full...).Output()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, uierr.New(uierr.KindHelperTimeout, "bridge exec-out timed out after %s: %v", timeout, args)
	}
	if err != nil {
		return nil, uierr.Wrap(uierr.KindHelperSpawnFailure, err, "bridge exec-out %v", args)
	}
	return output, nil
}

func (b *Bridge) run(timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	full := append([]string{"-s", b.serial}, args...)
	output, err := exec.CommandContext(ctx, b.adb, full...).CombinedOutput()
	text := strings.TrimRight(string(output), "\r\n")
	if ctx.Err() == context.DeadlineExceeded {
		return text, uierr.New(uierr.KindHelperTimeout, "bridge command timed out after %s: %v", timeout, args)
	}
	if err != nil {
		return text, uierr.Wrap(uierr.KindHelperSpawnFailure, err, "bridge command %v: %s", args, text)
	}
	return text, nil
}

// Screenshot captures the screen via screencap.  On failure it retries
// through an on-device file, which survives bridges that mangle binary
// stdout.
func (b *Bridge) Screenshot() (image.Image, error) {
	timeout := screenshotTimeout()

	raw, err := b.execOut(timeout, "screencap", "-p")
	if err == nil {
		if img, decodeErr := png.Decode(bytes.NewReader(raw)); decodeErr == nil {
			return img, nil
		}
	}
	b.logger.Log(level.Key(), level.WarnValue(),
		logging.MessageKey(), "direct screencap failed, falling back to file pull",
		logging.ErrorKey(), err)

	const target = "/data/local/tmp/uiauto_screenshot.png"
	if _, err := b.shell(timeout, "screencap -p "+target); err != nil {
		return nil, err
	}
	raw, err = b.execOut(timeout, "cat", target)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, uierr.Wrap(uierr.KindParseError, err, "screenshot is not a png")
	}
	return img, nil
}

// WindowSize parses `wm size`, preferring the override size when one is set.
func (b *Bridge) WindowSize() (hierarchy.WindowSize, error) {
	output, err := b.shell(commandTimeout, "wm size")
	if err != nil {
		return hierarchy.WindowSize{}, err
	}

	chosen := ""
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "Physical size") && chosen == "" {
			chosen = line
		}
		if strings.Contains(line, "Override size") {
			chosen = line
		}
	}
	match := windowSizePattern.FindStringSubmatch(chosen)
	if match == nil {
		return hierarchy.WindowSize{}, uierr.New(uierr.KindParseError, "cannot parse wm size output: %q", output)
	}
	return hierarchy.WindowSize{
		Width:  cast.ToInt(match[1]),
		Height: cast.ToInt(match[2]),
	}, nil
}

// DumpHierarchy dumps the UI tree via the on-device uiautomator tool.
func (b *Bridge) DumpHierarchy() (string, *hierarchy.Node, error) {
	source, err := b.RawHierarchy()
	if err != nil {
		return "", nil, err
	}
	size, err := b.WindowSize()
	if err != nil {
		return "", nil, err
	}
	root, err := hierarchy.Parse(source, size)
	if err != nil {
		return "", nil, err
	}
	return source, root, nil
}

// RawHierarchy runs `uiautomator dump` and pulls the result.  The dump
// conflicts with a running automation agent, which can kill it; one retry
// after reaping the agent's app_process covers that case.
func (b *Bridge) RawHierarchy() (string, error) {
	timeout := hierarchyTimeout()
	command := fmt.Sprintf("rm -f %s; uiautomator dump %s && echo success", dumpTarget, dumpTarget)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		output, err := b.shell(timeout, command)
		if err != nil || strings.Contains(output, "ERROR") || !strings.Contains(output, "success") {
			if err == nil {
				err = uierr.New(uierr.KindHelperSpawnFailure, "uiautomator dump failed: %s", output)
			}
			lastErr = err
			if attempt == 0 && strings.Contains(output, "Killed") {
				b.killAppProcess()
				continue
			}
			return "", lastErr
		}

		raw, err := b.execOut(timeout, "cat", dumpTarget)
		if err != nil {
			return "", err
		}
		source := string(raw)
		if !strings.HasPrefix(source, "<?xml") {
			return "", uierr.New(uierr.KindParseError, "dump output is not xml: %.200s", source)
		}
		return source, nil
	}
	return "", lastErr
}

// killAppProcess reaps on-device app_process instances (the automation agent
// runtime) so a retried dump can get the accessibility service back.
func (b *Bridge) killAppProcess() {
	output, err := b.shell(commandTimeout, "ps -A || ps")
	if err != nil {
		return
	}
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "app_process") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if pid, err := strconv.Atoi(fields[1]); err == nil {
			b.shell(commandTimeout, "kill "+strconv.Itoa(pid))
		}
	}
}

func (b *Bridge) Tap(x, y int) error {
	_, err := b.shell(commandTimeout, fmt.Sprintf("input tap %d %d", x, y))
	return err
}

func (b *Bridge) Swipe(fromX, fromY, toX, toY int, duration time.Duration) error {
	_, err := b.shell(commandTimeout,
		fmt.Sprintf("input swipe %d %d %d %d %d", fromX, fromY, toX, toY, duration.Milliseconds()))
	return err
}

func (b *Bridge) PressKey(key driver.Key) error {
	name, ok := keycodes[key]
	if !ok {
		return uierr.New(uierr.KindInvalidArgument, "unsupported key %q", key)
	}
	_, err := b.shell(commandTimeout, "input keyevent "+name)
	return err
}

func (b *Bridge) SendKeys(text string) error {
	// `input text` treats space as an argument separator
	escaped := strings.ReplaceAll(text, " ", "%s")
	_, err := b.shell(commandTimeout, "input text '"+escaped+"'")
	return err
}

func (b *Bridge) ClearText() error {
	for i := 0; i < 3; i++ {
		if _, err := b.shell(commandTimeout, "input keyevent DEL --longpress"); err != nil {
			return err
		}
	}
	return nil
}

// InstallApp installs an apk from a local path or URL.
func (b *Bridge) InstallApp(url string) error {
	path := url
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		downloaded, err := downloadToTemp(url)
		if err != nil {
			return err
		}
		defer os.Remove(downloaded)
		path = downloaded
	}
	_, err := b.run(5*time.Minute, "install", "-r", path)
	return err
}

func downloadToTemp(url string) (string, error) {
	response, err := http.Get(url)
	if err != nil {
		return "", uierr.Wrap(uierr.KindInvalidArgument, err, "download %s", url)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", uierr.New(uierr.KindInvalidArgument, "download %s: status %d", url, response.StatusCode)
	}

	file, err := os.CreateTemp("", "uiauto-*.apk")
	if err != nil {
		return "", err
	}
	defer file.Close()
	if _, err := io.Copy(file, response.Body); err != nil {
		os.Remove(file.Name())
		return "", err
	}
	return file.Name(), nil
}

func (b *Bridge) AppLaunch(pkg string) error {
	output, err := b.shell(commandTimeout, "pm path "+pkg)
	if err != nil || !strings.Contains(output, "package:") {
		return uierr.New(uierr.KindInvalidArgument, "app not installed: %s", pkg)
	}
	_, err = b.shell(commandTimeout, "monkey -p "+pkg+" -c android.intent.category.LAUNCHER 1")
	return err
}

func (b *Bridge) AppTerminate(pkg string) error {
	_, err := b.shell(commandTimeout, "am force-stop "+pkg)
	return err
}

// AppCurrent extracts the foreground app from the activity manager state.
func (b *Bridge) AppCurrent() (driver.CurrentApp, error) {
	output, err := b.shell(commandTimeout, "dumpsys activity activities")
	if err != nil {
		return driver.CurrentApp{}, err
	}

	match := resumedActivityPattern.FindStringSubmatch(output)
	if match == nil {
		return driver.CurrentApp{}, uierr.New(uierr.KindParseError, "no resumed activity found")
	}

	current := driver.CurrentApp{Package: match[1], Activity: match[2]}
	if pidOut, err := b.shell(commandTimeout, "pidof "+current.Package); err == nil {
		current.Pid = cast.ToInt(strings.Fields(pidOut + " ")[0])
	}
	return current, nil
}

// AppList enumerates third-party packages with their versions.
func (b *Bridge) AppList() ([]driver.AppInfo, error) {
	output, err := b.shell(commandTimeout, "pm list packages -3")
	if err != nil {
		return nil, err
	}

	var apps []driver.AppInfo
	for _, match := range packageLinePattern.FindAllStringSubmatch(output, -1) {
		info := driver.AppInfo{PackageName: match[1]}

		if dump, err := b.shell(commandTimeout, "dumpsys package "+info.PackageName); err == nil {
			if m := versionNamePattern.FindStringSubmatch(dump); m != nil && m[1] != "null" {
				info.VersionName = m[1]
			}
			if m := versionCodePattern.FindStringSubmatch(dump); m != nil {
				info.VersionCode = cast.ToInt64(m[1])
			}
		}
		apps = append(apps, info)
	}
	return apps, nil
}

func (b *Bridge) Close() error {
	return nil
}
