package eventsourcing_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-sourcing/pkg/eventsourcing"
)

type widgetCreated struct {
	Name string `json:"name"`
}

func TestRegistry_DecodeRegisteredType(t *testing.T) {
	r := eventsourcing.NewRegistry()
	r.Register("WidgetCreated", func(enc eventsourcing.Encoding, payload []byte) (any, error) {
		var w widgetCreated
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return w, nil
	})

	payload, _ := json.Marshal(widgetCreated{Name: "gizmo"})
	v, err := r.Decode("WidgetCreated", eventsourcing.EncodingJSON, payload)
	require.NoError(t, err)
	assert.Equal(t, widgetCreated{Name: "gizmo"}, v)
}

func TestRegistry_UnregisteredTypeFallsBackToRaw(t *testing.T) {
	r := eventsourcing.NewRegistry()
	payload := []byte(`{"future_field":"X"}`)

	v, err := r.Decode("UnknownEvent", eventsourcing.EncodingJSON, payload)
	require.NoError(t, err)

	raw, ok := v.(eventsourcing.RawEvent)
	require.True(t, ok)
	assert.Equal(t, "UnknownEvent", raw.EventType)
	assert.Equal(t, "X", raw.Fields["future_field"])
}

func TestRegistry_UnregisterRemovesDeserializer(t *testing.T) {
	r := eventsourcing.NewRegistry()
	r.Register("Foo", func(eventsourcing.Encoding, []byte) (any, error) { return "typed", nil })
	r.Unregister("Foo")

	v, err := r.Decode("Foo", eventsourcing.EncodingJSON, []byte(`{}`))
	require.NoError(t, err)
	_, ok := v.(eventsourcing.RawEvent)
	assert.True(t, ok, "expected fallback carrier after Unregister")
}

func TestRegistry_RegisteredSnapshot(t *testing.T) {
	r := eventsourcing.NewRegistry()
	r.Register("A", func(eventsourcing.Encoding, []byte) (any, error) { return nil, nil })
	r.Register("B", func(eventsourcing.Encoding, []byte) (any, error) { return nil, nil })

	reg := r.Registered()
	assert.True(t, reg["A"])
	assert.True(t, reg["B"])
	assert.False(t, reg["C"])
}
