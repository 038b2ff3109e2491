package assertion

import (
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/go-kit/kit/log/level"

	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/hierarchy"
	"github.com/ByteTrue/byteautoui/logging"
)

// validateElement checks whether the selector matches a live element.  The
// XPath runs against the raw XML; attribute refinement resolves logical keys
// through the platform alias table.  Evaluation problems report as a failed
// condition with a reason, never as an engine error.
func (e *Engine) validateElement(d driver.Driver, selector ElementSelector, platform string) (bool, map[string]interface{}) {
	source, _, err := d.DumpHierarchy()
	if err != nil {
		return false, map[string]interface{}{
			"reason": "hierarchy dump failed: " + err.Error(),
			"xpath":  selector.XPath,
		}
	}

	document, err := xmlquery.Parse(strings.NewReader(source))
	if err != nil {
		return false, map[string]interface{}{
			"reason": "hierarchy xml is malformed: " + err.Error(),
			"xpath":  selector.XPath,
		}
	}

	elements, err := xmlquery.QueryAll(document, selector.XPath)
	if err != nil {
		return false, map[string]interface{}{
			"reason": "invalid xpath: " + err.Error(),
			"xpath":  selector.XPath,
		}
	}
	if len(elements) == 0 {
		return false, map[string]interface{}{
			"reason": "xpath found nothing",
			"xpath":  selector.XPath,
		}
	}

	if len(selector.Attributes) > 0 {
		matched := false
		for _, element := range elements {
			if e.attributesMatch(element, selector.Attributes, platform) {
				matched = true
				break
			}
		}
		if !matched {
			return false, map[string]interface{}{
				"reason":      "attribute mismatch",
				"found_count": len(elements),
				"xpath":       selector.XPath,
			}
		}
	}

	return true, map[string]interface{}{
		"found_count": len(elements),
		"xpath":       selector.XPath,
	}
}

// attributesMatch reports whether every specified attribute matches exactly.
// Nil-valued attributes are skipped; unknown logical keys are skipped with a
// warning.
func (e *Engine) attributesMatch(element *xmlquery.Node, attributes map[string]*string, platform string) bool {
	for logical, expected := range attributes {
		if expected == nil {
			continue
		}
		raw, ok := hierarchy.AttributeAlias(platform, logical)
		if !ok {
			e.logger.Log(level.Key(), level.WarnValue(),
				logging.MessageKey(), "unknown assertion attribute, skipping",
				"attribute", logical, "platform", platform)
			continue
		}
		if element.SelectAttr(raw) != *expected {
			return false
		}
	}
	return true
}
