// Package projection implements spec.md §4.F: drives a host-provided
// handler set over a subscription with checkpointing, catch-up and live
// phases, and a retryable/fatal error policy.
package projection

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"go-sourcing/internal/backend"
	"go-sourcing/internal/streamer"
	"go-sourcing/pkg/eventsourcing"
)

// Handler processes one decoded event. Payload is whatever the registry
// decoded: a host type, or eventsourcing.RawEvent if unregistered.
type Handler func(ctx context.Context, event eventsourcing.Event, payload any) error

// Classification is a handler error's retry disposition.
type Classification int

const (
	// Retryable errors are retried with exponential backoff up to
	// Config.MaxAttempts before being treated as Fatal.
	Retryable Classification = iota
	// Fatal errors are recorded to the dead-letter table immediately; the
	// checkpoint advances past the offending event so the projection
	// doesn't stall.
	Fatal
)

// Classifier decides whether a handler's error is Retryable or Fatal.
// The default classifier (used when Config.Classify is nil) treats every
// error as Retryable, matching the conservative default most of the
// example event stores use for handler failures.
type Classifier func(err error) Classification

// AlertFunc is invoked when an event is sent to the dead-letter table,
// letting the host page an operator or emit a metric.
type AlertFunc func(subscriptionID string, event eventsourcing.Event, err error)

// Config configures a Runner.
type Config struct {
	SubscriptionID string
	// AggregateType: in the live phase, empty matches every aggregate type;
	// catch-up reads only events whose aggregate_type equals it, so an
	// empty value replays no history.
	AggregateType  string
	EventType      string // empty matches every event type

	Handlers  map[string]Handler
	Classify  Classifier
	OnDeadLetter AlertFunc

	CheckpointEvery    int           // commit checkpoint every N processed events
	CheckpointInterval time.Duration // or after this much time, whichever first
	MaxAttempts        int           // retry attempts before a Retryable error becomes Fatal
	BaseBackoff        time.Duration // exponential backoff base

	// ResetReadModel is called by Reset, before the checkpoint is set back
	// to 0, to let the host clear its projection-owned read-model rows
	// before replay restarts from global_position 0.
	ResetReadModel func(ctx context.Context) error
}

func (c *Config) setDefaults() {
	if c.Classify == nil {
		c.Classify = func(error) Classification { return Retryable }
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 100
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
}

// Runner drives one subscription's catch-up and live phases.
type Runner struct {
	backend  backend.Backend
	registry *eventsourcing.Registry
	streamer *streamer.Streamer
	cfg      Config

	processedSinceCheckpoint int
	lastCheckpointAt         time.Time
	lastPosition             int64
}

// New constructs a Runner. cfg.Handlers, cfg.SubscriptionID and
// cfg.AggregateType (or cfg.EventType) should be set before Run.
func New(b backend.Backend, registry *eventsourcing.Registry, s *streamer.Streamer, cfg Config) *Runner {
	cfg.setDefaults()
	return &Runner{backend: b, registry: registry, streamer: s, cfg: cfg}
}

// Run resumes from the persisted checkpoint (or 0), reads catch-up from
// the backend until caught up to the store's tip, then attaches to the
// Streamer for live delivery until ctx is cancelled (spec.md §4.F).
func (r *Runner) Run(ctx context.Context) error {
	pos, ok, err := r.backend.LoadCheckpoint(ctx, r.cfg.SubscriptionID)
	if err != nil {
		return err
	}
	if !ok {
		pos = 0
	}
	r.lastPosition = pos
	r.lastCheckpointAt = time.Now()

	if err := r.catchUp(ctx); err != nil {
		return err
	}
	return r.live(ctx)
}

func (r *Runner) catchUp(ctx context.Context) error {
	for {
		it, err := r.backend.QueryEventsByType(ctx, r.cfg.AggregateType, r.lastPosition)
		if err != nil {
			return err
		}

		advanced := false
		for {
			row, ok, err := it.Next(ctx)
			if err != nil {
				it.Close()
				return err
			}
			if !ok {
				break
			}
			advanced = true
			r.process(ctx, rowToEvent(row))
			if err := r.maybeCheckpoint(ctx, false); err != nil {
				it.Close()
				return err
			}
		}
		it.Close()

		if !advanced {
			return r.maybeCheckpoint(ctx, true)
		}
	}
}

func (r *Runner) live(ctx context.Context) error {
	if r.streamer == nil {
		<-ctx.Done()
		return r.maybeCheckpoint(ctx, true)
	}

	recv := r.streamer.Subscribe(eventsourcing.Subscription{
		AggregateTypeFilter: r.cfg.AggregateType,
		EventTypeFilter:     r.cfg.EventType,
		FromPosition:        r.lastPosition,
	})
	defer recv.Unsubscribe()

	for {
		se, lagErr, ok := recv.Receive(ctx)
		if !ok {
			return r.maybeCheckpoint(ctx, true)
		}
		if lagErr != nil {
			log.Printf("projection %s: %v, resyncing from last checkpoint", r.cfg.SubscriptionID, lagErr)
			if err := r.catchUp(ctx); err != nil {
				return err
			}
			continue
		}

		r.process(ctx, se.Event)
		if err := r.maybeCheckpoint(ctx, false); err != nil {
			return err
		}
	}
}

func (r *Runner) process(ctx context.Context, e eventsourcing.Event) {
	handler, ok := r.cfg.Handlers[e.EventType]
	if !ok {
		r.lastPosition = e.GlobalPosition
		r.processedSinceCheckpoint++
		return
	}

	payload, err := r.registry.Decode(e.EventType, e.PayloadEncoding, e.Payload)
	if err != nil {
		r.deadLetter(ctx, e, err)
		r.lastPosition = e.GlobalPosition
		r.processedSinceCheckpoint++
		return
	}

	if err := r.withRetry(ctx, e, payload, handler); err != nil {
		r.deadLetter(ctx, e, err)
	}

	r.lastPosition = e.GlobalPosition
	r.processedSinceCheckpoint++
}

func (r *Runner) withRetry(ctx context.Context, e eventsourcing.Event, payload any, handler Handler) error {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		err := handler(ctx, e, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if r.cfg.Classify(err) == Fatal {
			return err
		}
		if attempt < r.cfg.MaxAttempts-1 {
			backoff := time.Duration(float64(r.cfg.BaseBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return &eventsourcing.TimeoutError{EngineError: eventsourcing.EngineError{Op: "projection.withRetry", Err: ctx.Err()}}
				}
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (r *Runner) deadLetter(ctx context.Context, e eventsourcing.Event, cause error) {
	row := backend.EventRow{
		EventID: e.EventID, AggregateID: e.AggregateID, AggregateType: e.AggregateType,
		EventType: e.EventType, GlobalPosition: e.GlobalPosition, Payload: e.Payload,
		PayloadEncoding: e.PayloadEncoding,
	}
	if err := r.backend.SaveDeadLetter(ctx, r.cfg.SubscriptionID, row, cause.Error()); err != nil {
		log.Printf("projection %s: failed to record dead letter for event %s: %v", r.cfg.SubscriptionID, e.EventID, err)
	}
	if r.cfg.OnDeadLetter != nil {
		r.cfg.OnDeadLetter(r.cfg.SubscriptionID, e, cause)
	}
}

func (r *Runner) maybeCheckpoint(ctx context.Context, force bool) error {
	due := force ||
		r.processedSinceCheckpoint >= r.cfg.CheckpointEvery ||
		time.Since(r.lastCheckpointAt) >= r.cfg.CheckpointInterval
	if !due || r.processedSinceCheckpoint == 0 && !force {
		return nil
	}
	if err := r.backend.CommitCheckpoint(ctx, r.cfg.SubscriptionID, r.lastPosition); err != nil {
		return err
	}
	r.processedSinceCheckpoint = 0
	r.lastCheckpointAt = time.Now()
	return nil
}

// Reset calls cfg.ResetReadModel, if set, to clear the host's
// projection-owned read-model rows, then writes the subscription's
// checkpoint as 0 (the checkpoint row is kept, not deleted), so the next
// Run replays the entire log from global_position 0 (spec.md §4.F
// rebuild).
func (r *Runner) Reset(ctx context.Context) error {
	if r.cfg.ResetReadModel != nil {
		if err := r.cfg.ResetReadModel(ctx); err != nil {
			return err
		}
	}
	if err := r.backend.CommitCheckpoint(ctx, r.cfg.SubscriptionID, 0); err != nil {
		return err
	}
	r.lastPosition = 0
	r.processedSinceCheckpoint = 0
	return nil
}

func rowToEvent(row backend.EventRow) eventsourcing.Event {
	return eventsourcing.Event{
		EventID: row.EventID, AggregateID: row.AggregateID, AggregateType: row.AggregateType,
		EventType: row.EventType, EventVersion: row.EventVersion, AggregateVersion: row.AggregateVersion,
		GlobalPosition: row.GlobalPosition, Timestamp: row.Timestamp, CausationID: row.CausationID,
		CorrelationID: row.CorrelationID, UserID: row.UserID, Payload: row.Payload, PayloadEncoding: row.PayloadEncoding,
	}
}
