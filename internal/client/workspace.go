package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gluk-w/termhub/internal/layout"
	"github.com/google/uuid"
)

var ErrTabNotFound = errors.New("tab not found")

// ControllerFactory builds the controller for a new tab. Options.Cols and
// Options.Rows are filled in from the tab's pane.
type ControllerFactory func(id, name string, opts Options) *Controller

// Workspace owns a set of tabs and the split layout that decides which of
// them are visible and how large each pane is.
type Workspace struct {
	base    Options
	factory ControllerFactory

	mu     sync.Mutex
	tabs   map[string]*Controller
	order  []string
	root   *layout.Node
	active string
	area   layout.Rect
	newID  func() string
}

// NewWorkspace creates an empty workspace of cols×rows cells. base is the
// template for every tab's Options.
func NewWorkspace(cols, rows int, base Options) *Workspace {
	return &Workspace{
		base:    base,
		factory: NewController,
		tabs:    make(map[string]*Controller),
		area:    layout.Rect{W: cols, H: rows},
		newID:   uuid.NewString,
	}
}

func (w *Workspace) newTabLocked(name string, area layout.Rect, sessionID string) *Controller {
	id := w.newID()
	if name == "" {
		name = fmt.Sprintf("Terminal %d", len(w.order)+1)
	}
	opts := w.base
	opts.Cols, opts.Rows = area.W, area.H
	opts.SessionID = sessionID
	c := w.factory(id, name, opts)
	w.tabs[id] = c
	w.order = append(w.order, id)
	return c
}

// Open adds a tab. The first tab fills the workspace; later tabs start
// hidden until shown with Show or created with Split. sessionID attaches to
// an existing server session when non-empty.
func (w *Workspace) Open(ctx context.Context, name, sessionID string) (*Controller, error) {
	w.mu.Lock()
	c := w.newTabLocked(name, w.area, sessionID)
	id := c.Tab().ID
	if w.root == nil {
		w.root = layout.Leaf(id)
		w.active = id
	}
	w.mu.Unlock()

	return c, c.Connect(ctx)
}

// Split opens a new tab beside targetTabID.
func (w *Workspace) Split(ctx context.Context, targetTabID string, o layout.Orientation, name string) (*Controller, error) {
	w.mu.Lock()
	if _, ok := w.tabs[targetTabID]; !ok {
		w.mu.Unlock()
		return nil, ErrTabNotFound
	}
	c := w.newTabLocked(name, w.area, "")
	id := c.Tab().ID

	root := w.root
	if !layout.Contains(root, targetTabID) {
		// hidden target: show it first
		root = layout.Leaf(targetTabID)
	}
	next, err := layout.Split(root, targetTabID, id, o)
	if err != nil {
		delete(w.tabs, id)
		w.order = w.order[:len(w.order)-1]
		w.mu.Unlock()
		return nil, err
	}
	w.root = next
	w.active = id
	sizes := w.paneSizesLocked()
	w.mu.Unlock()

	if r, ok := sizes[id]; ok {
		c.Resize(r.W, r.H)
	}
	err = c.Connect(ctx)
	w.applySizes(sizes, id)
	return c, err
}

// Show replaces the layout with tabID alone.
func (w *Workspace) Show(tabID string) error {
	w.mu.Lock()
	if _, ok := w.tabs[tabID]; !ok {
		w.mu.Unlock()
		return ErrTabNotFound
	}
	w.root = layout.Leaf(tabID)
	w.active = tabID
	sizes := w.paneSizesLocked()
	w.mu.Unlock()

	w.applySizes(sizes, "")
	return nil
}

// CloseTab closes a tab and collapses its pane.
func (w *Workspace) CloseTab(tabID string) error {
	w.mu.Lock()
	c, ok := w.tabs[tabID]
	if !ok {
		w.mu.Unlock()
		return ErrTabNotFound
	}
	delete(w.tabs, tabID)
	for i, id := range w.order {
		if id == tabID {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	w.root = layout.Remove(w.root, tabID)
	if w.root == nil && len(w.order) > 0 {
		w.root = layout.Leaf(w.order[len(w.order)-1])
	}
	if w.active == tabID {
		w.active = ""
		if visible := layout.Tabs(w.root); len(visible) > 0 {
			w.active = visible[0]
		}
	}
	sizes := w.paneSizesLocked()
	w.mu.Unlock()

	c.Close()
	w.applySizes(sizes, "")
	return nil
}

// Resize sets the workspace size and resizes every visible pane.
func (w *Workspace) Resize(cols, rows int) {
	w.mu.Lock()
	w.area = layout.Rect{W: cols, H: rows}
	sizes := w.paneSizesLocked()
	w.mu.Unlock()
	w.applySizes(sizes, "")
}

// ResizeSplit moves the divider of a branch.
func (w *Workspace) ResizeSplit(nodeID string, ratio int) {
	w.mu.Lock()
	w.root = layout.ResizeRatio(w.root, nodeID, ratio)
	sizes := w.paneSizesLocked()
	w.mu.Unlock()
	w.applySizes(sizes, "")
}

func (w *Workspace) paneSizesLocked() map[string]layout.Rect {
	return layout.Panes(w.root, w.area)
}

func (w *Workspace) applySizes(sizes map[string]layout.Rect, skip string) {
	for id, r := range sizes {
		if id == skip {
			continue
		}
		if c := w.Tab(id); c != nil {
			c.Resize(r.W, r.H)
		}
	}
}

// Focus makes a visible tab the input target.
func (w *Workspace) Focus(tabID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !layout.Contains(w.root, tabID) {
		return ErrTabNotFound
	}
	w.active = tabID
	return nil
}

// Input sends keystrokes to the focused tab.
func (w *Workspace) Input(data []byte) error {
	c := w.Active()
	if c == nil {
		return ErrTabNotFound
	}
	return c.Input(data)
}

// Active returns the focused tab, or nil.
func (w *Workspace) Active() *Controller {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tabs[w.active]
}

// Tab returns the controller for tabID, or nil.
func (w *Workspace) Tab(tabID string) *Controller {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tabs[tabID]
}

// Tabs returns every tab in open order.
func (w *Workspace) Tabs() []Tab {
	w.mu.Lock()
	ctrls := make([]*Controller, 0, len(w.order))
	for _, id := range w.order {
		ctrls = append(ctrls, w.tabs[id])
	}
	w.mu.Unlock()

	out := make([]Tab, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Tab())
	}
	return out
}

// Layout returns the current layout tree. Trees are immutable.
func (w *Workspace) Layout() *layout.Node {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.root
}

// Visible lists the tabs currently shown, left to right.
func (w *Workspace) Visible() []string {
	return layout.Tabs(w.Layout())
}

// CloseAll closes every tab.
func (w *Workspace) CloseAll() {
	for _, t := range w.Tabs() {
		w.CloseTab(t.ID)
	}
}
