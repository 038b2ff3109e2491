// Package hierarchy models the UI tree of a device and answers element
// queries over it.  Platform XML (Android uiautomator, iOS WDA source,
// HarmonyOS uitest) is parsed into a uniform Node tree with normalized
// bounds; attribute names stay raw until query time.
package hierarchy

// WindowSize is the device screen size in pixels.
type WindowSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect is the derived rectangle of a node, in device pixels.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Bounds holds [x1, y1, x2, y2].  Android reports integer pixel corners,
// iOS reports origin plus size as floats; both normalize into this form.
type Bounds [4]float64

// Rect converts bounds to a Rect, truncating to integer pixels.
func (b Bounds) Rect() Rect {
	return Rect{
		X:      int(b[0]),
		Y:      int(b[1]),
		Width:  int(b[2] - b[0]),
		Height: int(b[3] - b[1]),
	}
}

// Normalized reports whether the bounds look percent-based: both far corners
// within the unit square.  Such bounds are multiplied by the window size
// before tapping.
func (b Bounds) Normalized() bool {
	return b[2] <= 1 && b[3] <= 1
}

// Node is one element of the parsed UI tree.
//
// Key is a stable path: the root's tag, then one "/"-joined segment per
// level, each segment the element's resource-id when present, otherwise
// "tag[index]".  Properties preserves the raw platform attributes.
type Node struct {
	Key        string            `json:"key"`
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties"`
	Bounds     *Bounds           `json:"bounds"`
	Rect       *Rect             `json:"rect"`
	Children   []*Node           `json:"children"`
}

// Walk visits the node and all descendants in document order.  Traversal
// stops early when visit returns false.
func (n *Node) Walk(visit func(*Node) bool) bool {
	if n == nil {
		return true
	}
	if !visit(n) {
		return false
	}
	for _, child := range n.Children {
		if !child.Walk(visit) {
			return false
		}
	}
	return true
}

// Count returns the number of nodes in the subtree rooted at n.
func (n *Node) Count() int {
	total := 0
	n.Walk(func(*Node) bool {
		total++
		return true
	})
	return total
}
