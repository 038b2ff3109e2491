// Package driver defines the platform-neutral device abstraction: a Driver
// exposes the normalized operation set every platform implements, and a
// Provider hands out at most one Driver per attached device.
package driver

import (
	"image"
	"time"

	"github.com/ByteTrue/byteautoui/hierarchy"
)

// Platform identifies a device family.
type Platform string

const (
	Android Platform = "android"
	IOS     Platform = "ios"
	Harmony Platform = "harmony"
)

// Valid reports whether the platform is one the service drives.
func (p Platform) Valid() bool {
	switch p {
	case Android, IOS, Harmony:
		return true
	}
	return false
}

// Key is a normalized hardware key.
type Key string

const (
	KeyHome       Key = "home"
	KeyBack       Key = "back"
	KeyAppSwitch  Key = "app_switch"
	KeyVolumeUp   Key = "volume_up"
	KeyVolumeDown Key = "volume_down"
	KeyVolumeMute Key = "volume_mute"
	KeyWakeUp     Key = "wake_up"
)

// DeviceInfo describes one attached device at list time.  It has no
// lifecycle beyond the call that produced it.
type DeviceInfo struct {
	Serial  string `json:"serial"`
	Status  string `json:"status,omitempty"`
	Name    string `json:"name,omitempty"`
	Model   string `json:"model,omitempty"`
	Product string `json:"product,omitempty"`
	Enabled bool   `json:"enabled"`
}

// AppInfo describes one installed application.
type AppInfo struct {
	PackageName string `json:"packageName"`
	VersionName string `json:"versionName,omitempty"`
	VersionCode int64  `json:"versionCode,omitempty"`
}

// CurrentApp is the foreground application.
type CurrentApp struct {
	Package  string `json:"package"`
	Activity string `json:"activity,omitempty"`
	Pid      int    `json:"pid,omitempty"`
}

// Driver is the normalized per-device operation set.  Implementations start
// their helper chain lazily on first use and retain it for process lifetime.
type Driver interface {
	Serial() string
	Platform() Platform

	Screenshot() (image.Image, error)
	WindowSize() (hierarchy.WindowSize, error)

	// DumpHierarchy returns the raw platform XML and the parsed tree.
	DumpHierarchy() (string, *hierarchy.Node, error)

	Tap(x, y int) error
	Swipe(fromX, fromY, toX, toY int, duration time.Duration) error
	PressKey(key Key) error
	SendKeys(text string) error
	ClearText() error

	InstallApp(url string) error
	AppLaunch(pkg string) error
	AppTerminate(pkg string) error
	AppCurrent() (CurrentApp, error)
	AppList() ([]AppInfo, error)

	Close() error
}

// Streamer is implemented by drivers that can produce a live MJPEG stream.
type Streamer interface {
	StartMJPEGStream() error
	StopMJPEGStream() error
	MJPEGURL() string
}
