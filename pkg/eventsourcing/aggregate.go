package eventsourcing

import "time"

// DomainEvent is what an Aggregate's ApplyEvent sees: the decoded payload
// (a host-registered type, or a RawEvent fallback for an unregistered
// type) plus the provenance fields, without the wire-format Payload bytes
// that the persisted Event record carries.
type DomainEvent struct {
	Type             string
	Payload          any
	AggregateVersion uint64
	GlobalPosition   int64
	Timestamp        time.Time
	CausationID      string
	CorrelationID    string
	UserID           string
}

// Aggregate is the identity-plus-state boundary a host program rebuilds by
// replaying events (spec.md §3). The engine never retains a reference to a
// host Aggregate across operation boundaries: Save/Load take and return
// values, never store the pointer.
type Aggregate interface {
	// AggregateID returns the owning aggregate instance's identifier.
	AggregateID() string

	// AggregateType returns the aggregate class tag used to pick the
	// backend partition for query_events_by_type and to populate
	// Event.AggregateType on append.
	AggregateType() string

	// ApplyEvent mutates state for one historical or newly raised event.
	// Called during replay (Load) and when the host raises new events.
	ApplyEvent(e DomainEvent)

	// UncommittedEvents returns events raised since the last flush, in
	// the order they must be appended.
	UncommittedEvents() []UncommittedEvent

	// MarkEventsCommitted clears the uncommitted buffer after a
	// successful Save. The caller (engine) calls this, not the host.
	MarkEventsCommitted()

	// CurrentVersion returns the aggregate's version including any
	// uncommitted events raised so far.
	CurrentVersion() uint64
}

// Base is an embeddable helper implementing the bookkeeping half of
// Aggregate, leaving ApplyEvent's domain-specific mutation to the host
// (grounded on the Apply/Raise/Flush split in mickamy-go-event-sourcing's
// Base helper: Apply mutates and bumps the version, Raise additionally
// enqueues for persistence).
type Base struct {
	id      string
	typ     string
	version uint64
	pending []UncommittedEvent
	applier func(DomainEvent)
}

// Init sets the aggregate identity and the function used to mutate state
// for both historical and newly raised events.
func (b *Base) Init(id, aggregateType string, applier func(DomainEvent)) {
	b.id = id
	b.typ = aggregateType
	b.applier = applier
}

func (b *Base) AggregateID() string    { return b.id }
func (b *Base) AggregateType() string  { return b.typ }
func (b *Base) CurrentVersion() uint64 { return b.version }

// SetVersion forces the version counter, used when rehydrating from a
// snapshot so replay of events after the snapshot continues numbering
// correctly.
func (b *Base) SetVersion(v uint64) { b.version = v }

// ApplyEvent mutates state via the configured applier and advances the
// version by one. It does not enqueue the event for persistence; use
// Raise for newly produced events raised by command logic.
func (b *Base) ApplyEvent(e DomainEvent) {
	if b.applier != nil {
		b.applier(e)
	}
	b.version++
}

// Raise mutates state immediately (so subsequent command logic in the same
// call observes the new state) and enqueues the event for the next Save.
func (b *Base) Raise(eventType string, payload any) {
	b.applier(DomainEvent{Type: eventType, Payload: payload, AggregateVersion: b.version + 1})
	b.version++
	b.pending = append(b.pending, UncommittedEvent{EventType: eventType, Payload: payload})
}

func (b *Base) UncommittedEvents() []UncommittedEvent { return b.pending }

func (b *Base) MarkEventsCommitted() { b.pending = nil }

// SnapshotRestorer is an optional capability an Aggregate implements to
// accept materialized state from the Snapshot Store directly, instead of
// replaying from version 0. An aggregate that doesn't implement it is
// always rebuilt by full replay; Load degrades to that silently.
type SnapshotRestorer interface {
	RestoreSnapshot(fields map[string]any, version uint64)
}
