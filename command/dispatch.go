package command

import (
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/mitchellh/mapstructure"

	"github.com/ByteTrue/byteautoui/assertion"
	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/hierarchy"
	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/uierr"
)

// clickPollInterval is the pause between clickElement lookup attempts.
const clickPollInterval = 500 * time.Millisecond

// DefaultFindTimeout (seconds) applies when a find/click request omits one.
const DefaultFindTimeout = 10.0

// DefaultSwipeDuration (seconds) applies when a swipe request omits one.
const DefaultSwipeDuration = 0.5

// Dispatcher routes named commands to driver operations.
type Dispatcher struct {
	engine *assertion.Engine
	logger log.Logger
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Dispatcher{
		engine: assertion.NewEngine(logger),
		logger: logger,
	}
}

// spec binds a command to its handler and, when the command takes
// parameters, a factory producing the schema struct preloaded with defaults.
type spec struct {
	newParams func() interface{}
	run       func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error)
}

var registry = map[Command]spec{
	Tap: {
		newParams: func() interface{} { return new(TapRequest) },
		run:       runTap,
	},
	AppInstall: {
		newParams: func() interface{} { return new(InstallAppRequest) },
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			if err := d.InstallApp(params.(*InstallAppRequest).URL); err != nil {
				return nil, err
			}
			return InstallAppResponse{Success: true}, nil
		},
	},
	AppCurrent: {
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			return d.AppCurrent()
		},
	},
	AppLaunch: {
		newParams: func() interface{} { return new(AppLaunchRequest) },
		run:       runAppLaunch,
	},
	AppTerminate: {
		newParams: func() interface{} { return new(AppTerminateRequest) },
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			return nil, d.AppTerminate(params.(*AppTerminateRequest).Package)
		},
	},
	AppList: {
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			return d.AppList()
		},
	},
	GetWindowSize: {
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			size, err := d.WindowSize()
			if err != nil {
				return nil, err
			}
			return WindowSizeResponse{Width: size.Width, Height: size.Height}, nil
		},
	},
	Home:       {run: pressKey(driver.KeyHome)},
	Back:       {run: pressKey(driver.KeyBack)},
	AppSwitch:  {run: pressKey(driver.KeyAppSwitch)},
	VolumeUp:   {run: pressKey(driver.KeyVolumeUp)},
	VolumeDown: {run: pressKey(driver.KeyVolumeDown)},
	VolumeMute: {run: pressKey(driver.KeyVolumeMute)},
	WakeUp:     {run: pressKey(driver.KeyWakeUp)},
	Dump: {
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			source, _, err := d.DumpHierarchy()
			if err != nil {
				return nil, err
			}
			return DumpResponse{Value: source}, nil
		},
	},
	FindElements: {
		newParams: func() interface{} { return &FindElementRequest{Timeout: DefaultFindTimeout} },
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			return findElements(d, params.(*FindElementRequest))
		},
	},
	ClickElement: {
		newParams: func() interface{} { return &FindElementRequest{Timeout: DefaultFindTimeout} },
		run:       runClickElement,
	},
	SendKeys: {
		newParams: func() interface{} { return new(SendKeysRequest) },
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			return nil, d.SendKeys(params.(*SendKeysRequest).Text)
		},
	},
	ClearText: {
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			return nil, d.ClearText()
		},
	},
	Swipe: {
		newParams: func() interface{} { return &SwipeRequest{Duration: DefaultSwipeDuration} },
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			p := params.(*SwipeRequest)
			return nil, d.Swipe(
				int(p.StartX), int(p.StartY),
				int(p.EndX), int(p.EndY),
				time.Duration(p.Duration*float64(time.Second)),
			)
		},
	},
	SwipeUp:    {run: directionalSwipe(swipeUpPoints)},
	SwipeDown:  {run: directionalSwipe(swipeDownPoints)},
	SwipeLeft:  {run: directionalSwipe(swipeLeftPoints)},
	SwipeRight: {run: directionalSwipe(swipeRightPoints)},
	StartMJPEGStream: {
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			streamer, ok := d.(driver.Streamer)
			if !ok {
				return nil, uierr.New(uierr.KindNotImplemented,
					"start_mjpeg_stream not supported by the %s driver", d.Platform())
			}
			if err := streamer.StartMJPEGStream(); err != nil {
				return nil, err
			}
			return SuccessResponse{Success: true}, nil
		},
	},
	StopMJPEGStream: {
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			streamer, ok := d.(driver.Streamer)
			if !ok {
				return nil, uierr.New(uierr.KindNotImplemented,
					"stop_mjpeg_stream not supported by the %s driver", d.Platform())
			}
			if err := streamer.StopMJPEGStream(); err != nil {
				return nil, err
			}
			return SuccessResponse{Success: true}, nil
		},
	},
	AssertElement: {
		newParams: func() interface{} { return new(AssertElementRequest) },
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			p := params.(*AssertElementRequest)
			return dp.engine.Execute(d, assertion.Request{
				Operator: "and",
				Conditions: []assertion.Condition{
					{Type: "element", Selector: &p.Selector, Expect: p.Expect},
				},
				Wait:     p.Wait,
				Platform: p.Platform,
			})
		},
	},
	AssertImage: {
		newParams: func() interface{} { return new(AssertImageRequest) },
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			p := params.(*AssertImageRequest)
			return dp.engine.Execute(d, assertion.Request{
				Operator: "and",
				Conditions: []assertion.Condition{
					{Type: "image", Template: &p.Template, Expect: p.Expect},
				},
				Wait:     p.Wait,
				Platform: p.Platform,
			})
		},
	},
	AssertCombined: {
		newParams: func() interface{} { return new(assertion.Request) },
		run: func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
			return dp.engine.Execute(d, *params.(*assertion.Request))
		},
	},
}

// ParamsRequired reports whether the command declares a parameter schema.
func ParamsRequired(command Command) bool {
	s, ok := registry[command]
	return ok && s.newParams != nil
}

// Dispatch decodes params against the command's schema and runs it.
// Unregistered commands (including names reserved for future use, such as
// tapElement) yield NotImplemented.
func (dp *Dispatcher) Dispatch(d driver.Driver, command Command, params map[string]interface{}) (interface{}, error) {
	s, ok := registry[command]
	if !ok {
		return nil, uierr.New(uierr.KindNotImplemented, "command %s not implemented", command)
	}

	dp.logger.Log(level.Key(), level.DebugValue(),
		logging.MessageKey(), "dispatching command",
		logging.SerialKey(), d.Serial(),
		"command", command)

	var decoded interface{}
	if s.newParams != nil {
		if params == nil {
			return nil, uierr.New(uierr.KindInvalidArgument, "params is required for %s", command)
		}
		decoded = s.newParams()
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           decoded,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(params); err != nil {
			return nil, uierr.Wrap(uierr.KindInvalidArgument, err, "params for %s", command)
		}
	}
	return s.run(dp, d, decoded)
}

func pressKey(key driver.Key) func(*Dispatcher, driver.Driver, interface{}) (interface{}, error) {
	return func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
		return nil, d.PressKey(key)
	}
}

func runTap(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
	p := params.(*TapRequest)
	x, y := p.X, p.Y
	if p.IsPercent {
		size, err := d.WindowSize()
		if err != nil {
			return nil, err
		}
		x = float64(size.Width) * p.X
		y = float64(size.Height) * p.Y
	}
	return nil, d.Tap(int(x), int(y))
}

func runAppLaunch(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
	p := params.(*AppLaunchRequest)
	if p.Stop {
		if err := d.AppTerminate(p.Package); err != nil {
			return nil, err
		}
	}
	return nil, d.AppLaunch(p.Package)
}

func findElements(d driver.Driver, p *FindElementRequest) (FindElementResponse, error) {
	by := hierarchy.By(p.By)
	if !by.Valid() {
		return FindElementResponse{}, uierr.New(uierr.KindInvalidArgument, "unsupported find strategy %q", p.By)
	}

	source, root, err := d.DumpHierarchy()
	if err != nil {
		return FindElementResponse{}, err
	}
	matches, err := hierarchy.Find(source, root, by, p.Value)
	if err != nil {
		return FindElementResponse{}, err
	}
	return FindElementResponse{Count: len(matches), Value: matches}, nil
}

// runClickElement polls for the element until the request timeout elapses,
// then taps its center.
func runClickElement(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
	p := params.(*FindElementRequest)

	var (
		node     *hierarchy.Node
		deadline = time.Now().Add(time.Duration(p.Timeout * float64(time.Second)))
	)
	for time.Now().Before(deadline) {
		result, err := findElements(d, p)
		if err != nil {
			return nil, err
		}
		if result.Count > 0 {
			node = result.Value[0]
			break
		}
		time.Sleep(clickPollInterval)
	}
	if node == nil {
		return nil, uierr.New(uierr.KindElementNotFound, "element not found by %s=%s", p.By, p.Value)
	}

	size, err := d.WindowSize()
	if err != nil {
		return nil, err
	}
	x, y, err := hierarchy.TapPoint(node, size)
	if err != nil {
		return nil, err
	}
	return nil, d.Tap(x, y)
}

// directional swipes cover 60% of the axis over 300ms, mirroring the
// interactive gestures clients expect.
const directionalSwipeDuration = 300 * time.Millisecond

func swipeUpPoints(w, h int) (int, int, int, int)    { return w / 2, h * 4 / 5, w / 2, h / 5 }
func swipeDownPoints(w, h int) (int, int, int, int)  { return w / 2, h / 5, w / 2, h * 4 / 5 }
func swipeLeftPoints(w, h int) (int, int, int, int)  { return w * 4 / 5, h / 2, w / 5, h / 2 }
func swipeRightPoints(w, h int) (int, int, int, int) { return w / 5, h / 2, w * 4 / 5, h / 2 }

func directionalSwipe(points func(w, h int) (int, int, int, int)) func(*Dispatcher, driver.Driver, interface{}) (interface{}, error) {
	return func(dp *Dispatcher, d driver.Driver, params interface{}) (interface{}, error) {
		size, err := d.WindowSize()
		if err != nil {
			return nil, err
		}
		fromX, fromY, toX, toY := points(size.Width, size.Height)
		return nil, d.Swipe(fromX, fromY, toX, toY, directionalSwipeDuration)
	}
}
