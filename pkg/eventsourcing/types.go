// Package eventsourcing is the public surface a host program imports: the
// Event/Aggregate data model, the engine's typed errors, and the
// event-class registry that bridges engine events to host-defined Go
// types. The Event Store, Snapshot Store, Streamer and Projection Runner
// themselves live in the internal packages.
package eventsourcing

import "time"

// Event is the atomic, immutable unit of persistence. aggregate_version is
// 1-based and contiguous per AggregateID; GlobalPosition is assigned by the
// Event Store at commit and is monotonically increasing across the store.
type Event struct {
	EventID          string
	AggregateID      string
	AggregateType    string
	EventType        string
	EventVersion     int
	AggregateVersion uint64
	GlobalPosition   int64
	Timestamp        time.Time
	CausationID      string
	CorrelationID    string
	UserID           string
	Payload          []byte
	PayloadEncoding  Encoding
}

// Encoding tags how Payload was serialized.
type Encoding string

const (
	EncodingBinary Encoding = "binary"
	EncodingJSON   Encoding = "json"
)

// UncommittedEvent is what a host aggregate produces before it has been
// assigned an AggregateVersion, EventID, Timestamp, or GlobalPosition.
type UncommittedEvent struct {
	EventType     string
	EventVersion  int
	CausationID   string
	CorrelationID string
	UserID        string
	Payload       any
}

// SnapshotPolicy controls use of snapshots on load and their cadence/
// retention (spec.md §4.D). Use is read by eventstore.Store.Load and
// MaxSnapshots/MaxAge by snapshot.Store.Cleanup. Frequency and Compression
// are carried for the host: no code in this module creates snapshots
// automatically, and snapshot.Store.Save always compresses.
type SnapshotPolicy struct {
	Use           bool // consult the Snapshot Store on Load
	Frequency     int  // snapshot every Frequency events, 0 disables
	Compression   bool
	MaxSnapshots  int           // retention: keep latest N per aggregate, 0 = unbounded
	MaxAge        time.Duration // retention: keep newer than MaxAge, 0 = unbounded
}

// Snapshot is materialized aggregate state at a specific version.
type Snapshot struct {
	AggregateID      string
	AggregateType    string
	AggregateVersion uint64
	StateBytes       []byte
	Checksum         string
	CreatedAt        time.Time
	CompressedSize   int
	UncompressedSize int
}

// CompressionRatio reports CompressedSize/UncompressedSize, or 0 if unknown.
func (s Snapshot) CompressionRatio() float64 {
	if s.UncompressedSize == 0 {
		return 0
	}
	return float64(s.CompressedSize) / float64(s.UncompressedSize)
}

// Subscription is a filter + identity for a Streamer consumer.
type Subscription struct {
	ID                  string
	AggregateTypeFilter string
	EventTypeFilter     string
	FromPosition        int64
}

// Matches reports whether an Event satisfies the subscription's filters.
func (s Subscription) Matches(e Event) bool {
	if s.AggregateTypeFilter != "" && s.AggregateTypeFilter != e.AggregateType {
		return false
	}
	if s.EventTypeFilter != "" && s.EventTypeFilter != e.EventType {
		return false
	}
	return true
}

// StreamEvent is what a Streamer subscriber receives: an event plus its two
// position coordinates.
type StreamEvent struct {
	Event          Event
	StreamPosition uint64 // == Event.AggregateVersion
	GlobalPosition int64
}
