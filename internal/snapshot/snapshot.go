// Package snapshot models raw UI-introspection snapshots and extracts
// USSD protocol content from them.
package snapshot

import (
	"strings"
)

// Node is one element of a UI snapshot tree. Trees are read-only once
// built; the underlying OS elements may go stale between captures, so
// all traversal helpers tolerate nil roots.
type Node struct {
	Text      string
	Desc      string // accessible description
	Class     string
	Resource  string
	Clickable bool
	Focused   bool
	Focusable bool
	Editable  bool
	Bounds    Rect
	Children  []*Node
}

// Rect is an on-screen bounding box in pixels.
type Rect struct {
	Left, Top, Right, Bottom int
}

// Center returns the midpoint of the rect, the tap target for a control.
func (r Rect) Center() (x, y int) {
	return (r.Left + r.Right) / 2, (r.Top + r.Bottom) / 2
}

// Empty reports whether the rect has no area.
func (r Rect) Empty() bool {
	return r.Right <= r.Left || r.Bottom <= r.Top
}

// Walk visits nodes depth-first in document order. visit returning false
// stops the traversal.
func Walk(root *Node, visit func(*Node) bool) {
	if root == nil {
		return
	}
	stack := []*Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			continue
		}
		if !visit(n) {
			return
		}
		// Push children in reverse so they pop in document order.
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
}

// FindEditable returns the first text-input node in the tree, or nil.
func FindEditable(root *Node) *Node {
	var found *Node
	Walk(root, func(n *Node) bool {
		if n.Editable {
			found = n
			return false
		}
		return true
	})
	return found
}

// FindByLabel returns the first node whose text or accessible description
// equals any of the labels, compared case-insensitively.
func FindByLabel(root *Node, labels []string) *Node {
	var found *Node
	Walk(root, func(n *Node) bool {
		text := strings.TrimSpace(n.Text)
		desc := strings.TrimSpace(n.Desc)
		for _, label := range labels {
			if strings.EqualFold(text, label) || strings.EqualFold(desc, label) {
				found = n
				return false
			}
		}
		return true
	})
	return found
}
