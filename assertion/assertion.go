// Package assertion evaluates combined element/image conditions against a
// live device, with optional retry-until-deadline semantics.
package assertion

import (
	"fmt"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/uierr"
)

// Expect is the desired outcome of a condition.
type Expect string

const (
	Exists    Expect = "exists"
	NotExists Expect = "not_exists"
)

// ElementSelector locates elements by XPath, optionally refined by logical
// attribute equality (resolved per platform at evaluation time).
type ElementSelector struct {
	XPath      string             `json:"xpath" mapstructure:"xpath"`
	Attributes map[string]*string `json:"attributes,omitempty" mapstructure:"attributes"`
}

// ImageTemplate is a base64 PNG/JPEG to locate on screen.
type ImageTemplate struct {
	Data      string  `json:"data" mapstructure:"data"`
	Threshold float64 `json:"threshold" mapstructure:"threshold"`
	Name      string  `json:"name,omitempty" mapstructure:"name"`
}

// Condition is one element or image check.
type Condition struct {
	Type     string           `json:"type" mapstructure:"type"`
	Selector *ElementSelector `json:"selector,omitempty" mapstructure:"selector"`
	Template *ImageTemplate   `json:"template,omitempty" mapstructure:"template"`
	Expect   Expect           `json:"expect" mapstructure:"expect"`
}

// WaitConfig enables the retry loop.  Times are milliseconds.
type WaitConfig struct {
	Enabled  bool `json:"enabled" mapstructure:"enabled"`
	Timeout  int  `json:"timeout" mapstructure:"timeout"`
	Interval int  `json:"interval" mapstructure:"interval"`
}

// Request is a combined assertion.
type Request struct {
	Operator   string      `json:"operator" mapstructure:"operator"`
	Conditions []Condition `json:"conditions" mapstructure:"conditions"`
	Wait       *WaitConfig `json:"wait,omitempty" mapstructure:"wait"`
	Platform   string      `json:"platform" mapstructure:"platform"`
}

// ConditionResult is the per-condition outcome carried in the details.
type ConditionResult struct {
	Index   int                    `json:"index"`
	Type    string                 `json:"type"`
	Success bool                   `json:"success"`
	Details map[string]interface{} `json:"details"`
}

// Response is the assertion outcome.
type Response struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Engine evaluates assertion requests.
type Engine struct {
	logger log.Logger
}

// NewEngine builds an Engine.
func NewEngine(logger log.Logger) *Engine {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Engine{logger: logger}
}

// Execute runs the request against a device.  Validation failures are
// InvalidArgument errors; an evaluated request always returns a Response.
func (e *Engine) Execute(d driver.Driver, request Request) (Response, error) {
	if request.Operator != "and" && request.Operator != "or" {
		return Response{}, uierr.New(uierr.KindInvalidArgument,
			"unknown operator %q, only \"and\" and \"or\" are supported", request.Operator)
	}
	if len(request.Conditions) == 0 {
		return Response{}, uierr.New(uierr.KindInvalidArgument, "conditions must not be empty")
	}
	for i, condition := range request.Conditions {
		if err := validateCondition(i, condition); err != nil {
			return Response{}, err
		}
	}

	var (
		enabled  bool
		timeout  = 3000
		interval = 300
	)
	if request.Wait != nil {
		enabled = request.Wait.Enabled
		if request.Wait.Timeout != 0 {
			timeout = request.Wait.Timeout
		}
		if request.Wait.Interval != 0 {
			interval = request.Wait.Interval
		}
	}
	if enabled {
		if timeout <= 0 {
			return Response{}, uierr.New(uierr.KindInvalidArgument, "wait timeout must be positive, got %d", timeout)
		}
		if interval <= 0 || interval > timeout {
			return Response{}, uierr.New(uierr.KindInvalidArgument,
				"wait interval must satisfy 0 < interval <= timeout, got interval=%d timeout=%d", interval, timeout)
		}
	}

	platform := request.Platform
	if platform == "" {
		platform = "android"
	}

	start := time.Now()
	deadline := start.Add(time.Duration(timeout) * time.Millisecond)
	attempt := 0

	for {
		attempt++

		results := make([]bool, 0, len(request.Conditions))
		conditionDetails := make([]ConditionResult, 0, len(request.Conditions))
		for i, condition := range request.Conditions {
			success, details := e.executeCondition(d, condition, platform)
			results = append(results, success)
			conditionDetails = append(conditionDetails, ConditionResult{
				Index:   i,
				Type:    condition.Type,
				Success: success,
				Details: details,
			})
		}

		combined := combine(request.Operator, results)
		details := map[string]interface{}{
			"conditions": conditionDetails,
			"attempts":   attempt,
			"operator":   request.Operator,
		}

		if combined {
			return Response{Success: true, Message: "assertion passed", Details: details}, nil
		}
		if !enabled {
			return Response{Success: false, Message: "assertion failed", Details: details}, nil
		}
		if now := time.Now(); !now.Before(deadline) {
			elapsed := now.Sub(start).Milliseconds()
			return Response{
				Success: false,
				Message: fmt.Sprintf("timeout after %dms / %dms, attempts %d", elapsed, timeout, attempt),
				Details: details,
			}, nil
		}
		time.Sleep(time.Duration(interval) * time.Millisecond)
	}
}

func validateCondition(index int, condition Condition) error {
	if condition.Expect != Exists && condition.Expect != NotExists {
		return uierr.New(uierr.KindInvalidArgument,
			"conditions[%d]: unknown expect %q", index, condition.Expect)
	}
	switch condition.Type {
	case "element":
		if condition.Selector == nil || condition.Selector.XPath == "" {
			return uierr.New(uierr.KindInvalidArgument,
				"conditions[%d]: element condition requires a selector with an xpath", index)
		}
	case "image":
		if condition.Template == nil || condition.Template.Data == "" {
			return uierr.New(uierr.KindInvalidArgument,
				"conditions[%d]: image condition requires template data", index)
		}
	default:
		return uierr.New(uierr.KindInvalidArgument,
			"conditions[%d]: unknown condition type %q", index, condition.Type)
	}
	return nil
}

func (e *Engine) executeCondition(d driver.Driver, condition Condition, platform string) (bool, map[string]interface{}) {
	var (
		found   bool
		details map[string]interface{}
	)
	switch condition.Type {
	case "element":
		found, details = e.validateElement(d, *condition.Selector, platform)
	case "image":
		found, details = e.validateImage(d, *condition.Template)
	}

	if condition.Expect == NotExists {
		return !found, details
	}
	return found, details
}

func combine(operator string, results []bool) bool {
	if operator == "and" {
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	}
	for _, r := range results {
		if r {
			return true
		}
	}
	return false
}
