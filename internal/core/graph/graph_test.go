package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestAdvance_Kinds(t *testing.T) {
	leaf := NewNode(map[uint64]Edge{
		7: {Name: "done", Forward: TerminalNode(), Backward: TerminalNode()},
	})
	root := NewNode(map[uint64]Edge{
		0: {Name: "chunk"},
		1: {Name: "finish", Forward: TerminalNode()},
		2: {Name: "step", Forward: leaf, Backward: leaf},
	})

	tr := Advance(root, 0, Forward)
	assert.Equal(t, Recurrent, tr.Kind)
	assert.Equal(t, "chunk", tr.Name)

	tr = Advance(root, 1, Forward)
	assert.Equal(t, Terminal, tr.Kind)

	tr = Advance(root, 1, Backward)
	assert.Equal(t, Recurrent, tr.Kind, "backward continuation of finish is absent")

	tr = Advance(root, 2, Forward)
	require.Equal(t, Continue, tr.Kind)
	assert.Same(t, leaf, tr.Next)
	assert.Equal(t, "step", tr.Name)
}

func TestAdvance_UnknownEventIsStable(t *testing.T) {
	root := App().Root
	cursor := NewCursor(root, Forward, "svc")

	for i := 0; i < 3; i++ {
		assert.Equal(t, UnknownEvent, Advance(root, 42, Forward).Kind)
		assert.Equal(t, UnknownEvent, Advance(root, 42, Backward).Kind)
	}

	require.Equal(t, Continue, cursor.Step(EventEnqueue).Kind)
	require.Equal(t, Recurrent, cursor.Step(EventWrite).Kind)
	assert.Equal(t, UnknownEvent, cursor.Step(42).Kind, "unknown event after history")
	assert.Equal(t, UnknownEvent, Advance(root, 42, Forward).Kind, "root unaffected by cursor history")
	assert.Equal(t, "svc/enqueue", cursor.Path())
	assert.False(t, cursor.Done())
}

func TestCursor_TerminalStopsConversation(t *testing.T) {
	cursor := NewCursor(App().Root, Backward, "svc")

	require.Equal(t, Continue, cursor.Step(EventEnqueue).Kind)
	require.Equal(t, Recurrent, cursor.Step(EventWrite).Kind)
	require.Equal(t, Terminal, cursor.Step(EventClose).Kind)
	assert.True(t, cursor.Done())
	assert.Equal(t, "svc/enqueue/close", cursor.Path())
	assert.Equal(t, UnknownEvent, cursor.Step(EventWrite).Kind, "nothing is accepted after a terminal edge")
}

func TestGraph_SerializationKeepsContinuations(t *testing.T) {
	g := App()

	data, err := yaml.Marshal(g)
	require.NoError(t, err)

	var fromYAML Graph
	require.NoError(t, yaml.Unmarshal(data, &fromYAML))
	require.NoError(t, fromYAML.Validate())

	data, err = json.Marshal(g)
	require.NoError(t, err)

	var fromJSON Graph
	require.NoError(t, json.Unmarshal(data, &fromJSON))

	for _, decoded := range []Graph{fromYAML, fromJSON} {
		stream := Advance(decoded.Root, EventEnqueue, Forward)
		require.Equal(t, Continue, stream.Kind)
		assert.Equal(t, Recurrent, Advance(stream.Next, EventWrite, Forward).Kind)
		assert.Equal(t, Terminal, Advance(stream.Next, EventClose, Forward).Kind)
		assert.Equal(t, Terminal, Advance(stream.Next, EventError, Backward).Kind)
	}
}

func TestGraph_Validate(t *testing.T) {
	assert.ErrorIs(t, Graph{Name: "empty"}.Validate(), ErrEmptyGraph)
	assert.ErrorIs(t, Graph{Name: "terminal", Root: TerminalNode()}.Validate(), ErrEmptyGraph)

	g, ok := Lookup(ProtocolApp)
	require.True(t, ok)
	assert.NoError(t, g.Validate())

	_, ok = Lookup("nope")
	assert.False(t, ok)
}

func TestNode_EventByName(t *testing.T) {
	id, ok := Streaming().EventByName(ErrorEdge)
	require.True(t, ok)
	assert.Equal(t, EventError, id)
}
