package assertion

import (
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/hierarchy"
	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/uierr"
)

const assertionXML = `<?xml version="1.0" encoding="UTF-8"?>
<hierarchy rotation="0">
  <node index="0" class="android.widget.FrameLayout" bounds="[0,0][1080,1920]">
    <node index="0" text="Login" resource-id="com.example:id/login_btn" class="android.widget.Button" bounds="[100,200][300,280]"/>
  </node>
</hierarchy>`

// fakeDevice satisfies driver.Driver with canned hierarchy and screenshot
// payloads, counting how often each is pulled.
type fakeDevice struct {
	source string
	shot   image.Image
	dumps  atomic.Int64
	shots  atomic.Int64
}

func (f *fakeDevice) Serial() string            { return "fake-serial" }
func (f *fakeDevice) Platform() driver.Platform { return driver.Android }

func (f *fakeDevice) Screenshot() (image.Image, error) {
	f.shots.Add(1)
	return f.shot, nil
}

func (f *fakeDevice) WindowSize() (hierarchy.WindowSize, error) {
	return hierarchy.WindowSize{Width: 1080, Height: 1920}, nil
}

func (f *fakeDevice) DumpHierarchy() (string, *hierarchy.Node, error) {
	f.dumps.Add(1)
	return f.source, nil, nil
}

func (f *fakeDevice) Tap(x, y int) error                                               { return nil }
func (f *fakeDevice) Swipe(fromX, fromY, toX, toY int, duration time.Duration) error   { return nil }
func (f *fakeDevice) PressKey(key driver.Key) error                                    { return nil }
func (f *fakeDevice) SendKeys(text string) error                                       { return nil }
func (f *fakeDevice) ClearText() error                                                 { return nil }
func (f *fakeDevice) InstallApp(url string) error                                      { return nil }
func (f *fakeDevice) AppLaunch(pkg string) error                                       { return nil }
func (f *fakeDevice) AppTerminate(pkg string) error                                    { return nil }
func (f *fakeDevice) AppCurrent() (driver.CurrentApp, error)                           { return driver.CurrentApp{}, nil }
func (f *fakeDevice) AppList() ([]driver.AppInfo, error)                               { return nil, nil }
func (f *fakeDevice) Close() error                                                     { return nil }

// testScreen is a 60x60 gradient with a distinctive patch at (20,30).
func testScreen() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 60, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 60; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x*5 + y*3) % 251)})
		}
	}
	for y := 30; y < 38; y++ {
		for x := 20; x < 28; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x * y) % 249)})
		}
	}
	return img
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{source: assertionXML, shot: testScreen()}
}

func strp(s string) *string { return &s }

func elementCondition(xpath string, expect Expect) Condition {
	return Condition{
		Type:     "element",
		Selector: &ElementSelector{XPath: xpath},
		Expect:   expect,
	}
}

func TestElementAssertionPasses(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		engine  = NewEngine(logging.NewTestLogger(nil, t))
	)

	response, err := engine.Execute(newFakeDevice(), Request{
		Operator: "and",
		Conditions: []Condition{
			elementCondition("//*[@resource-id='com.example:id/login_btn']", Exists),
		},
	})
	require.NoError(err)
	assert.True(response.Success)
	assert.Equal("assertion passed", response.Message)
	assert.Equal(1, response.Details["attempts"])

	conditions := response.Details["conditions"].([]ConditionResult)
	require.Len(conditions, 1)
	assert.True(conditions[0].Success)
	assert.Equal(1, conditions[0].Details["found_count"])
}

func TestElementAttributeMismatch(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		engine  = NewEngine(logging.NewTestLogger(nil, t))
	)

	response, err := engine.Execute(newFakeDevice(), Request{
		Operator: "and",
		Conditions: []Condition{
			{
				Type: "element",
				Selector: &ElementSelector{
					XPath:      "//*[@resource-id='com.example:id/login_btn']",
					Attributes: map[string]*string{"text": strp("Logout")},
				},
				Expect: Exists,
			},
		},
	})
	require.NoError(err)
	assert.False(response.Success)
	assert.Equal("assertion failed", response.Message)

	conditions := response.Details["conditions"].([]ConditionResult)
	require.Len(conditions, 1)
	assert.Equal("attribute mismatch", conditions[0].Details["reason"])
	assert.Equal(1, conditions[0].Details["found_count"])
}

func TestAttributeMatchAndNilSkipped(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		engine  = NewEngine(logging.NewTestLogger(nil, t))
	)

	response, err := engine.Execute(newFakeDevice(), Request{
		Operator: "and",
		Conditions: []Condition{
			{
				Type: "element",
				Selector: &ElementSelector{
					XPath: "//node[@class='android.widget.Button']",
					Attributes: map[string]*string{
						"text":       strp("Login"),
						"resourceId": nil, // nil means "don't care"
					},
				},
				Expect: Exists,
			},
		},
	})
	require.NoError(err)
	assert.True(response.Success)
}

func TestAndFailsWithoutRetry(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		device  = newFakeDevice()
		engine  = NewEngine(logging.NewTestLogger(nil, t))
	)

	response, err := engine.Execute(device, Request{
		Operator: "and",
		Conditions: []Condition{
			elementCondition("//*[@resource-id='no.such:id/widget']", Exists),
			elementCondition("//*[@resource-id='com.example:id/login_btn']", Exists),
		},
	})
	require.NoError(err)
	assert.False(response.Success)
	assert.Equal("assertion failed", response.Message)
	assert.Equal(1, response.Details["attempts"])

	conditions := response.Details["conditions"].([]ConditionResult)
	require.Len(conditions, 2)
	assert.Equal("xpath found nothing", conditions[0].Details["reason"])
	assert.True(conditions[1].Success)
}

func TestOrPassesWithOneMatch(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		engine  = NewEngine(logging.NewTestLogger(nil, t))
	)

	response, err := engine.Execute(newFakeDevice(), Request{
		Operator: "or",
		Conditions: []Condition{
			elementCondition("//*[@resource-id='no.such:id/widget']", Exists),
			elementCondition("//*[@resource-id='com.example:id/login_btn']", Exists),
		},
	})
	require.NoError(err)
	assert.True(response.Success)
}

func TestNotExists(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		engine  = NewEngine(logging.NewTestLogger(nil, t))
	)

	response, err := engine.Execute(newFakeDevice(), Request{
		Operator: "and",
		Conditions: []Condition{
			elementCondition("//*[@resource-id='no.such:id/widget']", NotExists),
		},
	})
	require.NoError(err)
	assert.True(response.Success)
}

func TestRetryUntilTimeout(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		device  = newFakeDevice()
		engine  = NewEngine(logging.NewTestLogger(nil, t))
	)

	started := time.Now()
	response, err := engine.Execute(device, Request{
		Operator: "and",
		Conditions: []Condition{
			elementCondition("//*[@resource-id='no.such:id/widget']", Exists),
		},
		Wait: &WaitConfig{Enabled: true, Timeout: 500, Interval: 150},
	})
	elapsed := time.Since(started)

	require.NoError(err)
	assert.False(response.Success)
	assert.Contains(response.Message, "timeout after")

	attempts := response.Details["attempts"].(int)
	assert.GreaterOrEqual(attempts, 3)
	assert.EqualValues(attempts, device.dumps.Load())
	assert.Less(elapsed, 2*time.Second)
}

func TestIntervalEqualToTimeoutRetriesOnce(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		engine  = NewEngine(logging.NewTestLogger(nil, t))
	)

	response, err := engine.Execute(newFakeDevice(), Request{
		Operator: "and",
		Conditions: []Condition{
			elementCondition("//*[@resource-id='no.such:id/widget']", Exists),
		},
		Wait: &WaitConfig{Enabled: true, Timeout: 200, Interval: 200},
	})
	require.NoError(err)
	assert.False(response.Success)
	assert.Equal(2, response.Details["attempts"])
}

func TestRequestValidation(t *testing.T) {
	testData := []struct {
		name    string
		request Request
	}{
		{"unknown operator", Request{Operator: "xor", Conditions: []Condition{
			elementCondition("//node", Exists),
		}}},
		{"empty conditions", Request{Operator: "and"}},
		{"unknown condition type", Request{Operator: "and", Conditions: []Condition{
			{Type: "color", Expect: Exists},
		}}},
		{"unknown expect", Request{Operator: "and", Conditions: []Condition{
			{Type: "element", Selector: &ElementSelector{XPath: "//node"}, Expect: Expect("maybe")},
		}}},
		{"element without selector", Request{Operator: "and", Conditions: []Condition{
			{Type: "element", Expect: Exists},
		}}},
		{"image without template", Request{Operator: "and", Conditions: []Condition{
			{Type: "image", Expect: Exists},
		}}},
		{"interval beyond timeout", Request{
			Operator:   "and",
			Conditions: []Condition{elementCondition("//node", Exists)},
			Wait:       &WaitConfig{Enabled: true, Timeout: 300, Interval: 500},
		}},
		{"negative timeout", Request{
			Operator:   "and",
			Conditions: []Condition{elementCondition("//node", Exists)},
			Wait:       &WaitConfig{Enabled: true, Timeout: -1, Interval: 100},
		}},
	}

	engine := NewEngine(logging.NewTestLogger(nil, t))
	for _, record := range testData {
		t.Run(record.name, func(t *testing.T) {
			_, err := engine.Execute(newFakeDevice(), record.request)
			require.Error(t, err)
			assert.True(t, uierr.Is(err, uierr.KindInvalidArgument))
		})
	}
}

func TestInvalidXPathReportsAsFailure(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		engine  = NewEngine(logging.NewTestLogger(nil, t))
	)

	response, err := engine.Execute(newFakeDevice(), Request{
		Operator: "and",
		Conditions: []Condition{
			elementCondition("//[", Exists),
		},
	})
	require.NoError(err)
	assert.False(response.Success)

	conditions := response.Details["conditions"].([]ConditionResult)
	require.Len(conditions, 1)
	assert.Contains(conditions[0].Details["reason"], "invalid xpath")
}
