package hierarchy

import (
	"encoding/xml"
	"io"
	"regexp"
	"strings"

	"github.com/spf13/cast"

	"github.com/ByteTrue/byteautoui/uierr"
)

var boundsNumbers = regexp.MustCompile(`\d+`)

// ParseBounds extracts [x1,y1,x2,y2] from the Android "[x1,y1][x2,y2]"
// attribute form.  Malformed input yields nil, never an error: a node with
// broken bounds is still a node.
func ParseBounds(raw string) *Bounds {
	numbers := boundsNumbers.FindAllString(raw, -1)
	if len(numbers) != 4 {
		return nil
	}

	var b Bounds
	for i, number := range numbers {
		b[i] = float64(cast.ToInt(number))
	}
	if b[0] > b[2] || b[1] > b[3] {
		return nil
	}
	return &b
}

// boundsFromAttributes derives bounds from a raw attribute map: the Android
// bounds attribute first, then the iOS x/y/width/height quartet.
func boundsFromAttributes(properties map[string]string) *Bounds {
	if raw, ok := properties["bounds"]; ok && raw != "" {
		if b := ParseBounds(raw); b != nil {
			return b
		}
	}

	for _, key := range []string{"x", "y", "width", "height"} {
		if _, ok := properties[key]; !ok {
			return nil
		}
	}
	x, errX := cast.ToFloat64E(properties["x"])
	y, errY := cast.ToFloat64E(properties["y"])
	w, errW := cast.ToFloat64E(properties["width"])
	h, errH := cast.ToFloat64E(properties["height"])
	if errX != nil || errY != nil || errW != nil || errH != nil {
		return nil
	}
	if x < 0 || y < 0 || w < 0 || h < 0 {
		return nil
	}
	return &Bounds{x, y, x + w, y + h}
}

// elided reports whether an element should be dropped from the tree: iOS
// marks occluded elements visible="false", and those with zero area carry
// no tap target.
func elided(properties map[string]string, bounds *Bounds) bool {
	if properties["visible"] != "false" {
		return false
	}
	if bounds == nil {
		return false
	}
	return bounds[2]-bounds[0] == 0 || bounds[3]-bounds[1] == 0
}

type rawElement struct {
	name       string
	properties map[string]string
	children   []*rawElement
}

// Parse converts a platform XML document into a Node tree.  A malformed
// document returns a ParseError; a partial tree is never produced.
func Parse(source string, size WindowSize) (*Node, error) {
	decoder := xml.NewDecoder(strings.NewReader(source))

	var (
		root  *rawElement
		stack []*rawElement
	)

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, uierr.Wrap(uierr.KindParseError, err, "malformed hierarchy xml")
		}

		switch t := token.(type) {
		case xml.StartElement:
			element := &rawElement{
				name:       t.Name.Local,
				properties: make(map[string]string, len(t.Attr)),
			}
			for _, attr := range t.Attr {
				element.properties[attr.Name.Local] = attr.Value
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, uierr.New(uierr.KindParseError, "multiple root elements")
				}
				root = element
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, element)
			}
			stack = append(stack, element)

		case xml.EndElement:
			if len(stack) == 0 {
				return nil, uierr.New(uierr.KindParseError, "unbalanced end element %s", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		}
		// character data, comments and directives do not affect the tree
	}

	if root == nil {
		return nil, uierr.New(uierr.KindParseError, "no root element")
	}
	if len(stack) != 0 {
		return nil, uierr.New(uierr.KindParseError, "unclosed element %s", stack[len(stack)-1].name)
	}

	return materialize(root, "", true), nil
}

// materialize turns a raw element into a Node, computing keys during descent.
// The root's key is its tag alone.
func materialize(element *rawElement, parentKey string, isRoot bool) *Node {
	key := childKey(element, parentKey, isRoot)
	bounds := boundsFromAttributes(element.properties)

	node := &Node{
		Key:        key,
		Name:       element.name,
		Properties: element.properties,
		Bounds:     bounds,
	}
	if bounds != nil {
		rect := bounds.Rect()
		node.Rect = &rect
	}

	for _, child := range element.children {
		if elided(child.properties, boundsFromAttributes(child.properties)) {
			continue
		}
		node.Children = append(node.Children, materialize(child, key, false))
	}
	return node
}

func childKey(element *rawElement, parentKey string, isRoot bool) string {
	if isRoot {
		return element.name
	}
	if resourceID := element.properties["resource-id"]; resourceID != "" {
		return parentKey + "/" + resourceID
	}
	index := element.properties["index"]
	if index == "" {
		index = "0"
	}
	return parentKey + "/" + element.name + "[" + index + "]"
}
