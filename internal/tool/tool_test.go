package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karen-arwen/orion/internal/events"
)

type captureSink struct {
	emitted []events.Event
}

func (s *captureSink) Emit(_ context.Context, ev events.Event) error {
	s.emitted = append(s.emitted, ev)
	return nil
}

func TestRegistryLookup(t *testing.T) {
	r := DefaultRegistry()

	tl, ok := r.Get("note.create")
	require.True(t, ok)
	assert.Equal(t, "note.create", tl.Name())

	_, ok = r.Get("does.not.exist")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"echo", "note.create"}, r.Names())
}

func TestRegistryPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	r.Register(EchoTool{})
	assert.Panics(t, func() { r.Register(EchoTool{}) })
}

func TestEchoTool(t *testing.T) {
	res, err := EchoTool{}.Execute(context.Background(), Context{}, map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"k": "v"}, res.Output["echo"])
}

func TestNoteToolEmitsEvent(t *testing.T) {
	sink := &captureSink{}
	tc := Context{
		TenantID:   "tenant-a",
		DecisionID: "dec-1",
		Actor:      "worker:w-1",
		Events:     sink,
	}

	res, err := NoteTool{}.Execute(context.Background(), tc, map[string]interface{}{"text": "buy milk"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Output["note_id"])

	require.Len(t, sink.emitted, 1)
	ev := sink.emitted[0]
	assert.Equal(t, "note.created", ev.Type)
	assert.Equal(t, "note:dec-1", ev.Meta.IdempotencyKey)
	payload, ok := ev.Payload.(events.GenericPayload)
	require.True(t, ok)
	assert.Equal(t, "buy milk", payload["text"])
}
