package hierarchy

import (
	"github.com/ByteTrue/byteautoui/uierr"
)

// By enumerates the supported element lookup strategies.
type By string

const (
	ByID        By = "id"
	ByText      By = "text"
	ByLabel     By = "label"
	ByXPath     By = "xpath"
	ByClassName By = "className"
)

// Valid reports whether the strategy is one of the supported values.
func (by By) Valid() bool {
	switch by {
	case ByID, ByText, ByLabel, ByXPath, ByClassName:
		return true
	}
	return false
}

// AttributeAlias resolves a logical attribute key (as used by clients) to the
// raw XML attribute name for a platform.  The second return is false for
// unknown logical keys.
//
//	logical     android      ios    harmony
//	text        text         label  text
//	resourceId  resource-id  name   id
//	className   class        type   type
func AttributeAlias(platform, logical string) (string, bool) {
	aliases, ok := platformAttributes[platform]
	if !ok {
		aliases = platformAttributes["android"]
	}
	raw, ok := aliases[logical]
	return raw, ok
}

var platformAttributes = map[string]map[string]string{
	"android": {
		"text":       "text",
		"resourceId": "resource-id",
		"className":  "class",
	},
	"ios": {
		"text":       "label",
		"resourceId": "name",
		"className":  "type",
	},
	"harmony": {
		"text":       "text",
		"resourceId": "id",
		"className":  "type",
	},
}

// Match reports whether a node satisfies a non-XPath query.
func Match(node *Node, by By, value string) (bool, error) {
	switch by {
	case ByID:
		return node.Properties["resource-id"] == value || node.Properties["label"] == value, nil
	case ByText:
		return node.Properties["text"] == value || node.Properties["label"] == value, nil
	case ByLabel:
		return node.Properties["label"] == value, nil
	case ByClassName:
		return node.Name == value, nil
	case ByXPath:
		return false, uierr.New(uierr.KindInvalidArgument, "xpath matching requires the raw xml document")
	}
	return false, uierr.New(uierr.KindInvalidArgument, "unsupported query strategy %q", by)
}

// Find resolves a query.  Non-XPath strategies walk the parsed tree in
// document order; XPath evaluates against the raw XML to preserve full
// expression semantics, re-materializing matches into Nodes.
func Find(source string, root *Node, by By, value string) ([]*Node, error) {
	if by == ByXPath {
		return QueryXPath(source, value)
	}

	var (
		matched  []*Node
		matchErr error
	)
	root.Walk(func(node *Node) bool {
		ok, err := Match(node, by, value)
		if err != nil {
			matchErr = err
			return false
		}
		if ok {
			matched = append(matched, node)
		}
		return true
	})
	return matched, matchErr
}

// TapPoint computes the tap target for a node: the center of its bounds.
// Nodes without bounds fall back to their x/y/width/height properties.
// Bounds with both far corners inside the unit square are percent-based and
// are scaled by the window size first (see Bounds.Normalized).
func TapPoint(node *Node, size WindowSize) (x, y int, err error) {
	bounds := node.Bounds
	if bounds == nil {
		bounds = boundsFromAttributes(node.Properties)
	}
	if bounds == nil {
		return 0, 0, uierr.New(uierr.KindElementNotFound, "element found but bounds unavailable for tap")
	}

	b := *bounds
	if b.Normalized() {
		b[0] *= float64(size.Width)
		b[1] *= float64(size.Height)
		b[2] *= float64(size.Width)
		b[3] *= float64(size.Height)
	}

	return int((b[0] + b[2]) / 2), int((b[1] + b[3]) / 2), nil
}
