package hierarchy

import (
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/ByteTrue/byteautoui/uierr"
)

// QueryXPath evaluates an XPath expression against the raw XML document and
// converts each matched element into a Node.  Keys of re-materialized nodes
// are rooted at the match itself, exactly like a fresh parse of the matched
// subtree.
func QueryXPath(source, expression string) ([]*Node, error) {
	document, err := xmlquery.Parse(strings.NewReader(source))
	if err != nil {
		return nil, uierr.Wrap(uierr.KindParseError, err, "malformed hierarchy xml")
	}

	matches, err := xmlquery.QueryAll(document, expression)
	if err != nil {
		return nil, uierr.Wrap(uierr.KindInvalidArgument, err, "invalid xpath expression %q", expression)
	}

	nodes := make([]*Node, 0, len(matches))
	for _, match := range matches {
		if match.Type != xmlquery.ElementNode {
			continue
		}
		nodes = append(nodes, fromXMLQuery(match, "", true))
	}
	return nodes, nil
}

func fromXMLQuery(element *xmlquery.Node, parentKey string, isRoot bool) *Node {
	raw := &rawElement{
		name:       element.Data,
		properties: make(map[string]string, len(element.Attr)),
	}
	for _, attr := range element.Attr {
		raw.properties[attr.Name.Local] = attr.Value
	}

	key := childKey(raw, parentKey, isRoot)
	bounds := boundsFromAttributes(raw.properties)

	node := &Node{
		Key:        key,
		Name:       raw.name,
		Properties: raw.properties,
		Bounds:     bounds,
	}
	if bounds != nil {
		rect := bounds.Rect()
		node.Rect = &rect
	}

	for child := element.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != xmlquery.ElementNode {
			continue
		}
		node.Children = append(node.Children, fromXMLQuery(child, key, false))
	}
	return node
}
