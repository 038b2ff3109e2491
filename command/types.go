// Package command maps named device commands to driver operations.  The HTTP
// layer posts a command name plus a loose JSON object; the dispatcher decodes
// the object against the command's parameter schema and runs the handler.
package command

import (
	"github.com/ByteTrue/byteautoui/assertion"
	"github.com/ByteTrue/byteautoui/hierarchy"
)

// Command names a device operation.  The wire values are part of the client
// protocol and never change meaning across releases.
type Command string

const (
	Tap          Command = "tap"
	TapElement   Command = "tapElement"
	AppInstall   Command = "installApp"
	AppCurrent   Command = "currentApp"
	AppLaunch    Command = "appLaunch"
	AppTerminate Command = "appTerminate"
	AppList      Command = "appList"

	GetWindowSize Command = "getWindowSize"
	Home          Command = "home"
	Dump          Command = "dump"
	WakeUp        Command = "wakeUp"
	FindElements  Command = "findElements"
	ClickElement  Command = "clickElement"

	List Command = "list"

	Back       Command = "back"
	AppSwitch  Command = "appSwitch"
	VolumeUp   Command = "volumeUp"
	VolumeDown Command = "volumeDown"
	VolumeMute Command = "volumeMute"
	SendKeys   Command = "sendKeys"
	ClearText  Command = "clearText"
	Swipe      Command = "swipe"
	SwipeUp    Command = "swipeUp"
	SwipeDown  Command = "swipeDown"
	SwipeLeft  Command = "swipeLeft"
	SwipeRight Command = "swipeRight"

	StartMJPEGStream Command = "start_mjpeg_stream"
	StopMJPEGStream  Command = "stop_mjpeg_stream"

	AssertElement  Command = "assertElement"
	AssertImage    Command = "assertImage"
	AssertCombined Command = "assertCombined"
)

// TapRequest taps an absolute point, or a fractional one when isPercent is
// set (coordinates are then multiplied by the window size).
type TapRequest struct {
	X         float64 `json:"x" mapstructure:"x"`
	Y         float64 `json:"y" mapstructure:"y"`
	IsPercent bool    `json:"isPercent" mapstructure:"isPercent"`
}

// InstallAppRequest installs an app from a URL (or local path on platforms
// that support it).
type InstallAppRequest struct {
	URL string `json:"url" mapstructure:"url"`
}

// InstallAppResponse reports the outcome of an install.
type InstallAppResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
}

// AppLaunchRequest starts an app, optionally force-stopping it first.
type AppLaunchRequest struct {
	Package string `json:"package" mapstructure:"package"`
	Stop    bool   `json:"stop" mapstructure:"stop"`
}

// AppTerminateRequest force-stops an app.
type AppTerminateRequest struct {
	Package string `json:"package" mapstructure:"package"`
}

// WindowSizeResponse is the logical window size in pixels.
type WindowSizeResponse struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DumpResponse carries the raw hierarchy XML.
type DumpResponse struct {
	Value string `json:"value"`
}

// FindElementRequest locates elements by strategy.  Timeout (seconds) only
// applies to clickElement, which polls until the deadline.
type FindElementRequest struct {
	By      string  `json:"by" mapstructure:"by"`
	Value   string  `json:"value" mapstructure:"value"`
	Timeout float64 `json:"timeout" mapstructure:"timeout"`
}

// FindElementResponse lists the matched nodes.
type FindElementResponse struct {
	Count int               `json:"count"`
	Value []*hierarchy.Node `json:"value"`
}

// SendKeysRequest types text into the focused element.
type SendKeysRequest struct {
	Text string `json:"text" mapstructure:"text"`
}

// SwipeRequest swipes between two points over a duration in seconds.
type SwipeRequest struct {
	StartX   float64 `json:"startX" mapstructure:"startX"`
	StartY   float64 `json:"startY" mapstructure:"startY"`
	EndX     float64 `json:"endX" mapstructure:"endX"`
	EndY     float64 `json:"endY" mapstructure:"endY"`
	Duration float64 `json:"duration" mapstructure:"duration"`
}

// AssertElementRequest is the single-element assertion shape; it expands to
// a one-condition combined assertion.
type AssertElementRequest struct {
	Selector assertion.ElementSelector `json:"selector" mapstructure:"selector"`
	Expect   assertion.Expect          `json:"expect" mapstructure:"expect"`
	Wait     *assertion.WaitConfig     `json:"wait,omitempty" mapstructure:"wait"`
	Platform string                    `json:"platform" mapstructure:"platform"`
}

// AssertImageRequest is the single-image assertion shape.
type AssertImageRequest struct {
	Template assertion.ImageTemplate `json:"template" mapstructure:"template"`
	Expect   assertion.Expect        `json:"expect" mapstructure:"expect"`
	Wait     *assertion.WaitConfig   `json:"wait,omitempty" mapstructure:"wait"`
	Platform string                  `json:"platform" mapstructure:"platform"`
}

// SuccessResponse is the minimal acknowledgement some commands return.
type SuccessResponse struct {
	Success bool `json:"success"`
}
