package graph

// Transition is the outcome of feeding one event to a node.
type Transition struct {
	Kind Kind
	// Next is set for Continue only.
	Next *Node
	// Name is the edge name; empty for UnknownEvent.
	Name string
}

// Advance looks eventID up in node and follows the continuation for dir.
// It has no memory: the same node and event always give the same result.
func Advance(node *Node, eventID uint64, dir Direction) Transition {
	edge, ok := node.Lookup(eventID)
	if !ok {
		return Transition{Kind: UnknownEvent}
	}

	next := edge.Forward
	if dir == Backward {
		next = edge.Backward
	}

	switch {
	case next == nil:
		return Transition{Kind: Recurrent, Name: edge.Name}
	case len(next.Events) == 0:
		return Transition{Kind: Terminal, Name: edge.Name}
	default:
		return Transition{Kind: Continue, Next: next, Name: edge.Name}
	}
}

// Cursor tracks the position of one stream inside a graph.
type Cursor struct {
	dir  Direction
	node *Node
	path string
	done bool
}

func NewCursor(root *Node, dir Direction, name string) *Cursor {
	return &Cursor{dir: dir, node: root, path: name}
}

// Step advances the cursor. UnknownEvent leaves the cursor untouched,
// Terminal marks it done.
func (c *Cursor) Step(eventID uint64) Transition {
	if c.done {
		return Transition{Kind: UnknownEvent}
	}
	t := Advance(c.node, eventID, c.dir)
	switch t.Kind {
	case Continue:
		c.node = t.Next
		c.path = c.path + "/" + t.Name
	case Terminal:
		c.done = true
		c.path = c.path + "/" + t.Name
	}
	return t
}

// Node returns the current node.
func (c *Cursor) Node() *Node {
	return c.node
}

// Path is the human readable list of transitions taken so far.
func (c *Cursor) Path() string {
	return c.path
}

// Done reports whether a terminal transition was taken.
func (c *Cursor) Done() bool {
	return c.done
}
