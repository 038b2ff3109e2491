// Package harmony drives HarmonyOS devices through the hdc CLI and the
// on-device uitest tool.  Hierarchy XML follows the Android attribute
// conventions where present, so parsing and queries share the common path.
package harmony

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/spf13/cast"

	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/hierarchy"
	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/uierr"
)

const (
	// DefaultExecutable is the HarmonyOS device connector CLI.
	DefaultExecutable = "hdc"

	snapshotTarget = "/data/local/tmp/uiauto_snapshot.jpeg"
	layoutTarget   = "/data/local/tmp/uiauto_layout.xml"
	commandTimeout = 20 * time.Second
)

var (
	resolutionPattern  = regexp.MustCompile(`(\d+)x(\d+)`)
	bundleNamePattern  = regexp.MustCompile(`(?m)^\s*([\w.]+)\s*$`)
	versionNamePattern = regexp.MustCompile(`"versionName"\s*:\s*"([^"]*)"`)
	versionCodePattern = regexp.MustCompile(`"versionCode"\s*:\s*(\d+)`)
	missionPattern     = regexp.MustCompile(`bundle name \[([\w.]+)\]`)
)

// uiInput keyEvent codes; see the uitest singleKey documentation.
var keycodes = map[driver.Key]string{
	driver.KeyHome:       "Home",
	driver.KeyBack:       "Back",
	driver.KeyVolumeUp:   "16",
	driver.KeyVolumeDown: "17",
	driver.KeyVolumeMute: "22",
}

// Driver is the hdc bridge driver for one HarmonyOS serial.
type Driver struct {
	serial string
	hdc    string
	logger log.Logger
	tmpDir string
}

var _ driver.Driver = (*Driver)(nil)

// Option configures the harmony driver.
type Option func(*Driver)

// WithExecutable overrides the connector CLI binary, mainly for tests.
func WithExecutable(executable string) Option {
	return func(d *Driver) {
		d.hdc = executable
	}
}

// WithLogger sets the driver logger.
func WithLogger(logger log.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithTempDir overrides where pulled files land (default the system temp dir).
func WithTempDir(dir string) Option {
	return func(d *Driver) {
		d.tmpDir = dir
	}
}

// NewDriver builds a harmony driver for one serial.
func NewDriver(serial string, options ...Option) *Driver {
	d := &Driver{
		serial: serial,
		hdc:    DefaultExecutable,
		logger: logging.DefaultLogger(),
	}
	for _, option := range options {
		option(d)
	}
	d.logger = log.WithPrefix(d.logger, logging.SerialKey(), serial)
	return d
}

func (d *Driver) Serial() string            { return d.serial }
func (d *Driver) Platform() driver.Platform { return driver.Harmony }

func (d *Driver) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	full := append([]string{"-t", d.serial}, args...)
	output, err := exec.CommandContext(ctx, d.hdc, full...).CombinedOutput()
	text := strings.TrimRight(string(output), "\r\n")
	if ctx.Err() == context.DeadlineExceeded {
		return text, uierr.New(uierr.KindHelperTimeout, "hdc command timed out: %v", args)
	}
	if err != nil {
		return text, uierr.Wrap(uierr.KindHelperSpawnFailure, err, "hdc command %v: %s", args, text)
	}
	return text, nil
}

func (d *Driver) shell(command string) (string, error) {
	return d.run("shell", command)
}

// recv pulls a device file and returns its bytes.
func (d *Driver) recv(remote string) ([]byte, error) {
	// `hdc file recv` insists on a local path
	local := fmt.Sprintf("%s/uiauto_%d", tempDir(d.tmpDir), time.Now().UnixNano())
	if _, err := d.run("file", "recv", remote, local); err != nil {
		return nil, err
	}
	defer os.Remove(local)
	return os.ReadFile(local)
}

// Screenshot captures the screen via snapshot_display and pulls the JPEG.
func (d *Driver) Screenshot() (image.Image, error) {
	if _, err := d.shell("snapshot_display -f " + snapshotTarget); err != nil {
		return nil, err
	}
	raw, err := d.recv(snapshotTarget)
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, uierr.Wrap(uierr.KindParseError, err, "snapshot is not a jpeg")
	}
	return img, nil
}

// WindowSize reads the active screen resolution from the render service.
func (d *Driver) WindowSize() (hierarchy.WindowSize, error) {
	output, err := d.shell("hidumper -s RenderService -a screen")
	if err != nil {
		return hierarchy.WindowSize{}, err
	}
	match := resolutionPattern.FindStringSubmatch(output)
	if match == nil {
		return hierarchy.WindowSize{}, uierr.New(uierr.KindParseError, "cannot parse screen resolution: %q", output)
	}
	return hierarchy.WindowSize{
		Width:  cast.ToInt(match[1]),
		Height: cast.ToInt(match[2]),
	}, nil
}

// DumpHierarchy dumps the layout via uitest and parses it.
func (d *Driver) DumpHierarchy() (string, *hierarchy.Node, error) {
	if _, err := d.shell("uitest dumpLayout -p " + layoutTarget); err != nil {
		return "", nil, err
	}
	raw, err := d.recv(layoutTarget)
	if err != nil {
		return "", nil, err
	}
	source := string(raw)

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
	_, err := d.shell(fmt.Sprintf("uitest uiInput click %d %d", x, y))
	return err
}

func (d *Driver) Swipe(fromX, fromY, toX, toY int, duration time.Duration) error {
	// uiInput swipe takes a speed (px/s), not a duration
	distance := abs(toX-fromX) + abs(toY-fromY)
	speed := 600
	if seconds := duration.Seconds(); seconds > 0 && distance > 0 {
		speed = int(float64(distance) / seconds)
	}
	_, err := d.shell(fmt.Sprintf("uitest uiInput swipe %d %d %d %d %d", fromX, fromY, toX, toY, speed))
	return err
}

func (d *Driver) PressKey(key driver.Key) error {
	if key == driver.KeyWakeUp {
		_, err := d.shell("power-shell wakeup")
		return err
	}
	if key == driver.KeyAppSwitch {
		return uierr.New(uierr.KindNotImplemented, "key %q is not supported on harmony", key)
	}
	code, ok := keycodes[key]
	if !ok {
		return uierr.New(uierr.KindInvalidArgument, "unsupported key %q", key)
	}
	_, err := d.shell("uitest uiInput keyEvent " + code)
	return err
}

func (d *Driver) SendKeys(text string) error {
	_, err := d.shell("uitest uiInput text '" + strings.ReplaceAll(text, "'", "") + "'")
	return err
}

func (d *Driver) ClearText() error {
	for i := 0; i < 3; i++ {
		if _, err := d.shell("uitest uiInput keyEvent 2055"); err != nil { // forward delete
			return err
		}
	}
	return nil
}

func (d *Driver) InstallApp(url string) error {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return uierr.New(uierr.KindNotImplemented, "harmony install from URL is not supported")
	}
	_, err := d.run("install", "-r", url)
	return err
}

func (d *Driver) AppLaunch(bundle string) error {
	_, err := d.shell("aa start -b " + bundle + " -a EntryAbility")
	return err
}

func (d *Driver) AppTerminate(bundle string) error {
	_, err := d.shell("aa force-stop " + bundle)
	return err
}

// AppCurrent extracts the foreground bundle from the mission list.
func (d *Driver) AppCurrent() (driver.CurrentApp, error) {
	output, err := d.shell("aa dump -l")
	if err != nil {
		return driver.CurrentApp{}, err
	}
	match := missionPattern.FindStringSubmatch(output)
	if match == nil {
		return driver.CurrentApp{}, uierr.New(uierr.KindParseError, "no foreground mission found")
	}
	return driver.CurrentApp{Package: match[1]}, nil
}

// AppList enumerates installed bundles with versions from the bundle manager.
func (d *Driver) AppList() ([]driver.AppInfo, error) {
	output, err := d.shell("bm dump -a")
	if err != nil {
		return nil, err
	}

	var apps []driver.AppInfo
	for _, match := range bundleNamePattern.FindAllStringSubmatch(output, -1) {
		name := match[1]
		if !strings.Contains(name, ".") {
			continue // header lines such as "ID:100"
		}
		info := driver.AppInfo{PackageName: name}
		if dump, err := d.shell("bm dump -n " + name); err == nil {
			if m := versionNamePattern.FindStringSubmatch(dump); m != nil {
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

func (d *Driver) Close() error {
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
