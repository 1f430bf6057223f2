package graph

import "fmt"

// Event ids of the streaming protocol.
const (
	EventWrite uint64 = 0
	EventError uint64 = 1
	EventClose uint64 = 2
)

// EventEnqueue is the only entry point of the application protocol.
const EventEnqueue uint64 = 0

// Names of the built-in protocols.
const (
	ProtocolApp       = "app"
	ProtocolStreaming = "streaming"
)

// ErrorEdge is the edge name recognised as an error report.
const ErrorEdge = "error"

// Graph is a named protocol root with its version.
type Graph struct {
	Name    string `json:"name" yaml:"name"`
	Version int    `json:"version" yaml:"version"`
	Root    *Node  `json:"root" yaml:"root"`
}

// Validate rejects graphs that cannot accept any call.
func (g Graph) Validate() error {
	if g.Root == nil || len(g.Root.Events) == 0 {
		return fmt.Errorf("%w: %q", ErrEmptyGraph, g.Name)
	}
	return nil
}

// Streaming is write* followed by error or close, identical in both directions.
func Streaming() *Node {
	return NewNode(map[uint64]Edge{
		EventWrite: {Name: "write"},
		EventError: {Name: ErrorEdge, Forward: TerminalNode(), Backward: TerminalNode()},
		EventClose: {Name: "close", Forward: TerminalNode(), Backward: TerminalNode()},
	})
}

// App is the application protocol: enqueue opens a bidirectional stream.
func App() Graph {
	return Graph{
		Name:    ProtocolApp,
		Version: 1,
		Root: NewNode(map[uint64]Edge{
			EventEnqueue: {Name: "enqueue", Forward: Streaming(), Backward: Streaming()},
		}),
	}
}

// Lookup resolves a built-in protocol by name.
func Lookup(name string) (Graph, bool) {
	switch name {
	case ProtocolApp, "":
		return App(), true
	case ProtocolStreaming:
		return Graph{Name: ProtocolStreaming, Version: 1, Root: Streaming()}, true
	default:
		return Graph{}, false
	}
}
