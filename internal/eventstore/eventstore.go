// Package eventstore implements spec.md §4.C: the central component that
// appends aggregates' uncommitted events durably and reconstructs
// aggregates by replay, optionally from a snapshot.
package eventstore

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"go-sourcing/internal/backend"
	"go-sourcing/internal/codec"
	"go-sourcing/internal/snapshot"
	"go-sourcing/internal/streamer"
	"go-sourcing/pkg/eventsourcing"
)

// Store is the Event Store. It owns no state of its own beyond its
// collaborators: the backend (persistence), the codec (wire encoding), the
// registry (event_type -> host type), and an optional streamer (best-effort
// post-commit publication).
type Store struct {
	backend  backend.Backend
	codec    codec.Codec
	registry *eventsourcing.Registry
	streamer *streamer.Streamer
	snapshot *snapshot.Store
}

// Option configures a Store.
type Option func(*Store)

// WithStreamer wires a Streamer so committed events are published
// best-effort, matching spec.md §4.C step 7.
func WithStreamer(s *streamer.Streamer) Option {
	return func(st *Store) { st.streamer = s }
}

// WithSnapshotStore wires a Snapshot Store so Load can consult it per
// spec.md §4.C's load() step 1.
func WithSnapshotStore(s *snapshot.Store) Option {
	return func(st *Store) { st.snapshot = s }
}

// WithCodec overrides the default JSON codec. Hosts that want the
// binary wire format for payload storage pass codec.New(true).
func WithCodec(c codec.Codec) Option {
	return func(st *Store) { st.codec = c }
}

// New constructs a Store over b, decoding with a registry of host event
// types. The default codec is JSON; pass WithCodec(codec.New(true)) for
// the binary wire format.
func New(b backend.Backend, registry *eventsourcing.Registry, opts ...Option) *Store {
	st := &Store{backend: b, registry: registry, codec: codec.New(false)}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Save appends agg's uncommitted events transactionally, assigning
// contiguous aggregate_version numbers starting at expectedVersion+1.
// On success it publishes each event to the Streamer (if wired) and marks
// the aggregate's events committed; on ConcurrencyConflict the caller must
// reload and retry (spec.md §4.C save()).
func (s *Store) Save(ctx context.Context, agg eventsourcing.Aggregate, expectedVersion uint64) error {
	uncommitted := agg.UncommittedEvents()
	if len(uncommitted) == 0 {
		return nil
	}

	rows := make([]backend.EventRow, len(uncommitted))
	now := time.Now().UTC()
	for i, u := range uncommitted {
		payload, encoding, err := s.codec.Encode(u.Payload)
		if err != nil {
			return err
		}
		rows[i] = backend.EventRow{
			EventID:          uuid.NewString(),
			AggregateID:      agg.AggregateID(),
			AggregateType:    agg.AggregateType(),
			EventType:        u.EventType,
			EventVersion:     u.EventVersion,
			AggregateVersion: expectedVersion + uint64(i) + 1,
			Timestamp:        now,
			CausationID:      u.CausationID,
			CorrelationID:    u.CorrelationID,
			UserID:           u.UserID,
			Payload:          encodedPayload(payload, encoding),
			PayloadEncoding:  encoding,
		}
	}

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return err
	}

	current, _, err := tx.CurrentVersion(ctx, agg.AggregateID())
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if current != expectedVersion {
		_ = tx.Rollback(ctx)
		return &eventsourcing.ConcurrencyConflictError{
			EngineError: eventsourcing.EngineError{Op: "Save"},
			AggregateID: agg.AggregateID(),
			Expected:    expectedVersion,
			Actual:      current,
		}
	}

	if err := tx.AppendEvents(ctx, rows); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	agg.MarkEventsCommitted()

	if s.streamer != nil {
		for _, r := range rows {
			s.streamer.Publish(rowToEvent(r), r.AggregateVersion, r.GlobalPosition)
		}
	}
	return nil
}

// Load reconstructs agg's state by optionally consulting a snapshot, then
// replaying events from that point forward (spec.md §4.C load()). agg must
// already be Init'd with its id and aggregate type. Returns false if no
// snapshot and no events exist for the aggregate.
func (s *Store) Load(ctx context.Context, agg eventsourcing.Aggregate, setVersion func(uint64), policy eventsourcing.SnapshotPolicy) (bool, error) {
	var fromVersion uint64
	found := false

	if policy.Use && s.snapshot != nil {
		snap, ok, err := s.snapshot.Latest(ctx, agg.AggregateID())
		if err != nil {
			var corrupt *eventsourcing.SnapshotCorruptError
			if !errors.As(err, &corrupt) {
				return false, err
			}
			log.Printf("eventstore: %v, falling back to full replay for aggregate %s", err, agg.AggregateID())
		}
		if ok {
			if restorer, canRestore := agg.(eventsourcing.SnapshotRestorer); canRestore {
				fields, err := s.codec.Decode(snap.StateBytes, eventsourcing.EncodingBinary)
				if err != nil {
					return false, err
				}
				restorer.RestoreSnapshot(fields, snap.AggregateVersion)
				setVersion(snap.AggregateVersion)
				fromVersion = snap.AggregateVersion
				found = true
			}
		}
	}

	it, err := s.backend.QueryEventsByAggregate(ctx, agg.AggregateID(), fromVersion)
	if err != nil {
		return false, err
	}
	defer it.Close()

	for {
		row, ok, err := it.Next(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		found = true
		domainEvt, err := s.decodeRow(row)
		if err != nil {
			log.Printf("eventstore: degrading to raw carrier for event %s (%s): %v", row.EventID, row.EventType, err)
			fields, _ := s.codec.Decode(row.Payload, row.PayloadEncoding)
			domainEvt = eventsourcing.DomainEvent{
				Type:             row.EventType,
				Payload:          eventsourcing.RawEvent{EventType: row.EventType, Fields: fields},
				AggregateVersion: row.AggregateVersion,
				GlobalPosition:   row.GlobalPosition,
				Timestamp:        row.Timestamp,
				CausationID:      row.CausationID,
				CorrelationID:    row.CorrelationID,
				UserID:           row.UserID,
			}
		}
		agg.ApplyEvent(domainEvt)
	}

	return found, nil
}

func (s *Store) decodeRow(row backend.EventRow) (eventsourcing.DomainEvent, error) {
	payload, err := s.registry.Decode(row.EventType, row.PayloadEncoding, row.Payload)
	if err != nil {
		return eventsourcing.DomainEvent{}, err
	}
	return eventsourcing.DomainEvent{
		Type:             row.EventType,
		Payload:          payload,
		AggregateVersion: row.AggregateVersion,
		GlobalPosition:   row.GlobalPosition,
		Timestamp:        row.Timestamp,
		CausationID:      row.CausationID,
		CorrelationID:    row.CorrelationID,
		UserID:           row.UserID,
	}, nil
}

// LoadEvents streams persisted events for aggregateID with aggregate_version
// greater than fromVersion, ordered ascending (spec.md §4.C load_events()).
func (s *Store) LoadEvents(ctx context.Context, aggregateID string, fromVersion uint64) ([]eventsourcing.Event, error) {
	it, err := s.backend.QueryEventsByAggregate(ctx, aggregateID, fromVersion)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	return drain(ctx, it)
}

// LoadEventsByType streams persisted events for aggregateType with
// global_position greater than fromPosition, ordered ascending (spec.md
// §4.C load_events_by_type()).
func (s *Store) LoadEventsByType(ctx context.Context, aggregateType string, fromPosition int64) ([]eventsourcing.Event, error) {
	it, err := s.backend.QueryEventsByType(ctx, aggregateType, fromPosition)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	return drain(ctx, it)
}

func drain(ctx context.Context, it backend.RowIterator) ([]eventsourcing.Event, error) {
	var out []eventsourcing.Event
	for {
		row, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, rowToEvent(row))
	}
}

// CurrentVersion is a non-transactional read of an aggregate's version
// (spec.md §4.C current_version()).
func (s *Store) CurrentVersion(ctx context.Context, aggregateID string) (uint64, error) {
	v, _, err := s.backend.CurrentVersion(ctx, aggregateID)
	return v, err
}

func rowToEvent(r backend.EventRow) eventsourcing.Event {
	return eventsourcing.Event{
		EventID:          r.EventID,
		AggregateID:      r.AggregateID,
		AggregateType:    r.AggregateType,
		EventType:        r.EventType,
		EventVersion:     r.EventVersion,
		AggregateVersion: r.AggregateVersion,
		GlobalPosition:   r.GlobalPosition,
		Timestamp:        r.Timestamp,
		CausationID:      r.CausationID,
		CorrelationID:    r.CorrelationID,
		UserID:           r.UserID,
		Payload:          r.Payload,
		PayloadEncoding:  r.PayloadEncoding,
	}
}

func encodedPayload(payload []byte, encoding eventsourcing.Encoding) []byte {
	if payload == nil {
		return []byte{}
	}
	return payload
}
