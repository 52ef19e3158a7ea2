package layout

// Rect is a pane's position and size in terminal cells.
type Rect struct {
	X, Y, W, H int
}

// Panes lays root out inside area and returns each tab's rectangle. A
// horizontal branch places its children side by side, a vertical one
// stacks them. Every pane keeps at least one cell in each dimension when
// area allows it.
func Panes(root *Node, area Rect) map[string]Rect {
	out := make(map[string]Rect)
	place(root, area, out)
	return out
}

func place(n *Node, r Rect, out map[string]Rect) {
	if n == nil {
		return
	}
	if n.IsLeaf() {
		out[n.TabID] = r
		return
	}
	if n.Orientation == Horizontal {
		first := cut(r.W, n.Ratio)
		place(n.Children[0], Rect{X: r.X, Y: r.Y, W: first, H: r.H}, out)
		place(n.Children[1], Rect{X: r.X + first, Y: r.Y, W: r.W - first, H: r.H}, out)
		return
	}
	first := cut(r.H, n.Ratio)
	place(n.Children[0], Rect{X: r.X, Y: r.Y, W: r.W, H: first}, out)
	place(n.Children[1], Rect{X: r.X, Y: r.Y + first, W: r.W, H: r.H - first}, out)
}

func cut(total, ratio int) int {
	first := total * ratio / 100
	if total >= 2 {
		if first < 1 {
			first = 1
		}
		if first > total-1 {
			first = total - 1
		}
	}
	return first
}
