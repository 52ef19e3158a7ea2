// Package layout is the split-pane layout engine: a persistent binary tree
// of panes where every leaf shows one tab.
//
// Trees are never mutated. Split, Remove and ResizeRatio return a new root
// whose path down to the changed node is freshly allocated; every other
// subtree is shared with the input. A nil *Node is the empty layout. Any
// non-nil tree returned by this package is a full binary tree: each branch
// has exactly two non-nil children and a ratio within [MinRatio, MaxRatio].
package layout

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Kind string

const (
	KindLeaf   Kind = "leaf"
	KindBranch Kind = "branch"
)

type Orientation string

const (
	Horizontal Orientation = "horizontal"
	Vertical   Orientation = "vertical"
)

// Ratio bounds, in percent of the first child.
const (
	MinRatio     = 10
	MaxRatio     = 90
	DefaultRatio = 50
)

var (
	ErrTargetNotFound     = errors.New("layout: target not found")
	ErrDuplicateTab       = errors.New("layout: tab already in layout")
	ErrInvalidOrientation = errors.New("layout: invalid orientation")
)

// Node is a leaf (TabID set) or a branch (Orientation, Ratio, Children set).
type Node struct {
	ID          string      `json:"id"`
	Kind        Kind        `json:"kind"`
	TabID       string      `json:"tabId,omitempty"`
	Orientation Orientation `json:"orientation,omitempty"`
	Ratio       int         `json:"ratio,omitempty"`
	Children    [2]*Node    `json:"children,omitempty"`
}

// newID generates node ids. It is read-only outside tests.
var newID = uuid.NewString

// Leaf returns a new leaf for tabID.
func Leaf(tabID string) *Node {
	return &Node{ID: newID(), Kind: KindLeaf, TabID: tabID}
}

func branch(o Orientation, ratio int, a, b *Node) *Node {
	return &Node{
		ID:          newID(),
		Kind:        KindBranch,
		Orientation: o,
		Ratio:       ratio,
		Children:    [2]*Node{a, b},
	}
}

// IsLeaf reports whether n is a leaf.
func (n *Node) IsLeaf() bool {
	return n != nil && n.Kind == KindLeaf
}

// Split replaces the leaf showing targetTabID with a branch holding that
// leaf and a new leaf for newTabID, side by side at DefaultRatio. On an
// empty layout the branch is built from two new leaves.
func Split(root *Node, targetTabID, newTabID string, o Orientation) (*Node, error) {
	if o != Horizontal && o != Vertical {
		return root, fmt.Errorf("%w: %q", ErrInvalidOrientation, o)
	}
	if root == nil {
		if targetTabID == newTabID {
			return nil, ErrDuplicateTab
		}
		return branch(o, DefaultRatio, Leaf(targetTabID), Leaf(newTabID)), nil
	}
	if Contains(root, newTabID) {
		return root, ErrDuplicateTab
	}
	next, ok := split(root, targetTabID, newTabID, o)
	if !ok {
		return root, fmt.Errorf("%w: tab %s", ErrTargetNotFound, targetTabID)
	}
	return next, nil
}

func split(n *Node, target, newTab string, o Orientation) (*Node, bool) {
	if n.IsLeaf() {
		if n.TabID != target {
			return n, false
		}
		return branch(o, DefaultRatio, n, Leaf(newTab)), true
	}
	for i, c := range n.Children {
		if next, ok := split(c, target, newTab, o); ok {
			return n.withChild(i, next), true
		}
	}
	return n, false
}

// withChild copies a branch with child i replaced. The copy keeps the id.
func (n *Node) withChild(i int, c *Node) *Node {
	cp := *n
	cp.Children[i] = c
	return &cp
}

// Remove drops the leaf showing tabID. A branch left with a single child
// collapses into that child, repeatedly up the tree; removing the last leaf
// yields nil. An unknown tabID returns root unchanged.
func Remove(root *Node, tabID string) *Node {
	next, _ := remove(root, tabID)
	return next
}

func remove(n *Node, tabID string) (*Node, bool) {
	if n == nil {
		return nil, false
	}
	if n.IsLeaf() {
		if n.TabID == tabID {
			return nil, true
		}
		return n, false
	}
	a, removedA := remove(n.Children[0], tabID)
	b, removedB := remove(n.Children[1], tabID)
	if !removedA && !removedB {
		return n, false
	}
	switch {
	case a == nil && b == nil:
		return nil, true
	case a == nil:
		return b, true
	case b == nil:
		return a, true
	}
	cp := *n
	cp.Children = [2]*Node{a, b}
	return &cp, true
}

// ResizeRatio sets the ratio of the branch with id nodeID, clamped to
// [MinRatio, MaxRatio]. Unknown ids and leaves leave the tree unchanged.
func ResizeRatio(root *Node, nodeID string, ratio int) *Node {
	next, _ := resize(root, nodeID, ClampRatio(ratio))
	return next
}

func resize(n *Node, nodeID string, ratio int) (*Node, bool) {
	if n == nil || n.IsLeaf() {
		return n, false
	}
	if n.ID == nodeID {
		cp := *n
		cp.Ratio = ratio
		return &cp, true
	}
	for i, c := range n.Children {
		if next, ok := resize(c, nodeID, ratio); ok {
			return n.withChild(i, next), true
		}
	}
	return n, false
}

func ClampRatio(r int) int {
	if r < MinRatio {
		return MinRatio
	}
	if r > MaxRatio {
		return MaxRatio
	}
	return r
}

// Validate checks that root is nil or a full binary tree with in-bounds
// ratios and no repeated tab.
func Validate(root *Node) error {
	seen := make(map[string]bool)
	return validate(root, seen, true)
}

func validate(n *Node, seen map[string]bool, isRoot bool) error {
	if n == nil {
		if isRoot {
			return nil
		}
		return errors.New("layout: branch with missing child")
	}
	switch n.Kind {
	case KindLeaf:
		if n.TabID == "" {
			return fmt.Errorf("layout: leaf %s has no tab", n.ID)
		}
		if seen[n.TabID] {
			return fmt.Errorf("layout: tab %s appears twice", n.TabID)
		}
		seen[n.TabID] = true
		return nil
	case KindBranch:
		if n.Ratio < MinRatio || n.Ratio > MaxRatio {
			return fmt.Errorf("layout: branch %s ratio %d out of range", n.ID, n.Ratio)
		}
		if n.Orientation != Horizontal && n.Orientation != Vertical {
			return fmt.Errorf("layout: branch %s: %w", n.ID, ErrInvalidOrientation)
		}
		for _, c := range n.Children {
			if err := validate(c, seen, false); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("layout: node %s has unknown kind %q", n.ID, n.Kind)
	}
}

// Tabs lists the tab ids of every leaf, left to right.
func Tabs(root *Node) []string {
	var out []string
	var walk func(*Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if n.IsLeaf() {
			out = append(out, n.TabID)
			return
		}
		walk(n.Children[0])
		walk(n.Children[1])
	}
	walk(root)
	return out
}

// Contains reports whether a leaf shows tabID.
func Contains(root *Node, tabID string) bool {
	for _, id := range Tabs(root) {
		if id == tabID {
			return true
		}
	}
	return false
}
