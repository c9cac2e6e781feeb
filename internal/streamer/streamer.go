// Package streamer implements spec.md §4.E: an in-process publish/
// subscribe layer driven by the Event Store after each commit, with
// bounded per-subscriber buffers and a lag-then-drop-oldest overflow
// policy.
package streamer

import (
	"context"
	"sync"
	"sync/atomic"

	"go.jetify.com/typeid"

	"go-sourcing/pkg/eventsourcing"
)

// Streamer is the broadcast primitive. Publish is called by the Event
// Store after a commit; Subscribe returns a Receiver that yields matching
// events until the subscription is removed with Unsubscribe.
type Streamer struct {
	capacity int

	mu   sync.RWMutex
	subs map[string]*subscriber

	globalPosition atomic.Int64
	streamPosition sync.Map // aggregate_id -> uint64 (latest stream_position observed)
}

type subscriber struct {
	sub     eventsourcing.Subscription
	ch      chan eventsourcing.StreamEvent
	lagging atomic.Bool
	skipped atomic.Int64
}

// New constructs a Streamer whose subscriber buffers hold capacity events
// before the lag-then-drop-oldest policy engages.
func New(capacity int) *Streamer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Streamer{capacity: capacity, subs: make(map[string]*subscriber)}
}

// Receiver is a subscriber's inbound view of the stream.
type Receiver struct {
	streamer *Streamer
	sub      *subscriber
}

// Subscribe registers sub and returns a Receiver of matching events. If
// sub.ID is empty a typeid-generated one is assigned.
func (s *Streamer) Subscribe(sub eventsourcing.Subscription) *Receiver {
	if sub.ID == "" {
		tid, err := typeid.WithPrefix("sub")
		if err == nil {
			sub.ID = tid.String()
		}
	}

	subr := &subscriber{sub: sub, ch: make(chan eventsourcing.StreamEvent, s.capacity)}

	s.mu.Lock()
	s.subs[sub.ID] = subr
	s.mu.Unlock()

	return &Receiver{streamer: s, sub: subr}
}

// Unsubscribe removes sub.ID; its Receiver's channel is closed, ending its
// sequence (spec.md §4.E unsubscribe()).
func (s *Streamer) Unsubscribe(id string) {
	s.mu.Lock()
	subr, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		close(subr.ch)
	}
}

// Publish delivers e to every matching subscriber (spec.md §4.E
// publish_event()), called by the Event Store after a successful commit.
// A subscriber whose buffer is full has its oldest buffered event dropped
// to make room (lag-then-drop-oldest); it is marked lagging so its next
// Receive reports a LaggedError before resuming live delivery.
func (s *Streamer) Publish(e eventsourcing.Event, streamPosition uint64, globalPosition int64) {
	s.globalPosition.Store(globalPosition)
	s.streamPosition.Store(e.AggregateID, streamPosition)

	se := eventsourcing.StreamEvent{Event: e, StreamPosition: streamPosition, GlobalPosition: globalPosition}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, subr := range s.subs {
		if !subr.sub.Matches(e) {
			continue
		}
		deliver(subr, se)
	}
}

func deliver(subr *subscriber, se eventsourcing.StreamEvent) {
	select {
	case subr.ch <- se:
		return
	default:
	}

	// Buffer full: drop the oldest buffered event, then enqueue se.
	select {
	case <-subr.ch:
		subr.skipped.Add(1)
		subr.lagging.Store(true)
	default:
	}
	select {
	case subr.ch <- se:
	default:
		// Another publisher raced us and refilled the buffer; count this
		// one as skipped too rather than block the publishing caller.
		subr.skipped.Add(1)
		subr.lagging.Store(true)
	}
}

// Receive blocks until the next matching event, a Lagged signal, the
// stream ending (ok == false) because the subscription was removed, or ctx
// is cancelled (ok == false, ctx.Err() explains why).
func (r *Receiver) Receive(ctx context.Context) (eventsourcing.StreamEvent, error, bool) {
	if r.sub.lagging.CompareAndSwap(true, false) {
		skipped := int(r.sub.skipped.Swap(0))
		return eventsourcing.StreamEvent{}, &eventsourcing.LaggedError{
			EngineError: eventsourcing.EngineError{Op: "streamer.Receive"},
			Skipped:     skipped,
		}, true
	}

	select {
	case se, ok := <-r.sub.ch:
		if !ok {
			return eventsourcing.StreamEvent{}, nil, false
		}
		return se, nil, true
	case <-ctx.Done():
		return eventsourcing.StreamEvent{}, nil, false
	}
}

// Unsubscribe removes this receiver's subscription.
func (r *Receiver) Unsubscribe() {
	r.streamer.Unsubscribe(r.sub.sub.ID)
}

// GlobalPosition returns the highest global_position published so far.
func (s *Streamer) GlobalPosition() int64 {
	return s.globalPosition.Load()
}

// StreamPosition returns the latest stream_position (== aggregate_version)
// observed for aggregateID, or 0 if none has been published through this
// Streamer instance.
func (s *Streamer) StreamPosition(aggregateID string) uint64 {
	v, ok := s.streamPosition.Load(aggregateID)
	if !ok {
		return 0
	}
	return v.(uint64)
}
