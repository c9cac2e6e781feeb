package eventsourcing

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Deserializer turns decoded wire bytes into a host-defined typed event.
// It receives the already-demultiplexed (binary or JSON) payload bytes.
type Deserializer func(encoding Encoding, payload []byte) (any, error)

// RawEvent is the fallback carrier returned when no Deserializer is
// registered for an event type. For a JSON payload, Fields holds every key
// present on the wire. For a registered type, Decode returns whatever the
// Deserializer returns; fields that type does not declare are not carried
// in a RawEvent.
type RawEvent struct {
	EventType string
	Fields    map[string]any
}

// Registry is the process-wide event_type -> Deserializer map (spec.md
// §4.C "Event-class registry", §9 "global mutable registry"). It is
// read-mostly after host startup; lookups take a read lock so concurrent
// decoding never blocks on other readers.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]Deserializer
}

// NewRegistry returns an empty registry. Hosts typically create one per
// process and share it across every EventStore/Codec they construct.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]Deserializer)}
}

// Register adds or overwrites the deserializer for eventType. Registration
// is additive: re-registering a type silently replaces the previous entry,
// matching spec.md §6's "register_event_class" contract.
func (r *Registry) Register(eventType string, fn Deserializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[eventType] = fn
}

// Unregister removes the deserializer for eventType, if any.
func (r *Registry) Unregister(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.classes, eventType)
}

// Registered returns a snapshot of the currently registered event types.
func (r *Registry) Registered() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.classes))
	for k := range r.classes {
		out[k] = true
	}
	return out
}

// Decode looks up eventType and, if registered, returns the typed host
// object. Otherwise it returns a RawEvent exposing every decoded field so
// callers retain access to raw data instead of losing it (CodecError is
// never returned here for an unknown type: per spec.md §4.A that case
// degrades to the fallback carrier, it doesn't abort the read).
func (r *Registry) Decode(eventType string, encoding Encoding, payload []byte) (any, error) {
	r.mu.RLock()
	fn, ok := r.classes[eventType]
	r.mu.RUnlock()

	if !ok {
		return decodeRaw(eventType, encoding, payload)
	}

	v, err := fn(encoding, payload)
	if err != nil {
		return nil, &CodecError{
			EngineError: EngineError{Op: "Registry.Decode", Err: err},
			Kind:        CodecMalformed,
			EventType:   eventType,
		}
	}
	return v, nil
}

// decodeRaw builds the fallback carrier for an unregistered event type. It
// only needs to understand the JSON wire shape directly; binary-encoded
// payloads are demultiplexed by the codec package before reaching the
// registry in the normal Store.Load path, so this stays a plain
// encoding/json unmarshal rather than depending on internal/codec (which
// itself depends on this package) and creating an import cycle.
func decodeRaw(eventType string, encoding Encoding, payload []byte) (any, error) {
	fields := make(map[string]any)
	if encoding == EncodingJSON && len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, &CodecError{
				EngineError: EngineError{Op: "Registry.Decode", Err: fmt.Errorf("unregistered type %q: %w", eventType, err)},
				Kind:        CodecMalformed,
				EventType:   eventType,
			}
		}
	}
	return RawEvent{EventType: eventType, Fields: fields}, nil
}
