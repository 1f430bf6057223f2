// Package graph describes RPC conversations as data: every node maps an
// event id to the edge taken when that event is sent, and each edge names
// the node that follows in the forward (client to backend) and backward
// (backend to client) direction.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrEmptyGraph = errors.New("graph: root node is nil")

// Direction selects which continuation of an edge is followed.
type Direction uint8

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Node is a protocol state. A nil *Node continuation means "stay here",
// a Node without events means "conversation is over".
type Node struct {
	Events map[uint64]Edge `json:"events,omitempty" yaml:"events,omitempty"`
}

// Edge is the transition taken by one event.
type Edge struct {
	Name     string `json:"name" yaml:"name"`
	Forward  *Node  `json:"forward,omitempty" yaml:"forward,omitempty"`
	Backward *Node  `json:"backward,omitempty" yaml:"backward,omitempty"`
}

// TerminalNode returns a node that accepts no further events.
func TerminalNode() *Node {
	return &Node{}
}

// NewNode builds a node from edges keyed by event id.
func NewNode(edges map[uint64]Edge) *Node {
	return &Node{Events: edges}
}

// IsTerminal reports whether no message may follow.
func (n *Node) IsTerminal() bool {
	return n != nil && len(n.Events) == 0
}

// Lookup returns the edge registered for eventID.
func (n *Node) Lookup(eventID uint64) (Edge, bool) {
	if n == nil {
		return Edge{}, false
	}
	edge, ok := n.Events[eventID]
	return edge, ok
}

// EventByName finds the event id of the edge called name.
func (n *Node) EventByName(name string) (uint64, bool) {
	if n == nil {
		return 0, false
	}
	for id, edge := range n.Events {
		if edge.Name == name {
			return id, true
		}
	}
	return 0, false
}

// String renders the edges of the node, sorted by event id.
func (n *Node) String() string {
	if n == nil {
		return "<recurrent>"
	}
	if len(n.Events) == 0 {
		return "<terminal>"
	}
	ids := make([]uint64, 0, len(n.Events))
	for id := range n.Events {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d:%s", id, n.Events[id].Name)
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Kind classifies a transition.
type Kind uint8

const (
	UnknownEvent Kind = iota
	Recurrent
	Terminal
	Continue
)

func (k Kind) String() string {
	switch k {
	case Recurrent:
		return "recurrent"
	case Terminal:
		return "terminal"
	case Continue:
		return "continue"
	default:
		return "unknown_event"
	}
}
