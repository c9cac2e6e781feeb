package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-sourcing/examples/user"
	"go-sourcing/internal/backend"
	"go-sourcing/internal/eventstore"
	"go-sourcing/internal/projection"
	"go-sourcing/internal/streamer"
	"go-sourcing/pkg/eventsourcing"
)

func newTestBackend(t *testing.T) backend.Backend {
	t.Helper()
	ctx := context.Background()
	b, err := backend.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, b.RunSchema(ctx))
	t.Cleanup(func() { _ = b.Close(ctx) })
	return b
}

func TestRunner_CatchUpThenLive(t *testing.T) {
	// spec.md §8 Scenario 4, at reduced scale: pre-load N user events,
	// start the projection with an empty checkpoint, expect it to observe
	// every pre-existing event during catch-up, then the live one after.
	const preloaded = 25

	ctx := context.Background()
	b := newTestBackend(t)
	registry := eventsourcing.NewRegistry()
	user.RegisterEventClasses(registry)

	bus := streamer.New(64)
	store := eventstore.New(b, registry, eventstore.WithStreamer(bus))

	for i := 0; i < preloaded; i++ {
		u := user.New(idFor(i))
		u.Register("name", "x@example.com")
		require.NoError(t, store.Save(ctx, u, 0))
	}

	count := &user.CountProjection{}
	runner := projection.New(b, registry, bus, projection.Config{
		SubscriptionID: "user-count",
		AggregateType:  user.AggregateType,
		Handlers:       count.Handlers(),
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- runner.Run(runCtx) }()

	require.Eventually(t, func() bool { return count.Count() == preloaded }, time.Second, time.Millisecond)

	extra := user.New(idFor(preloaded))
	extra.Register("name", "x@example.com")
	require.NoError(t, store.Save(ctx, extra, 0))

	require.Eventually(t, func() bool { return count.Count() == preloaded+1 }, time.Second, time.Millisecond)

	cancel()
	<-done

	pos, ok, err := b.LoadCheckpoint(ctx, "user-count")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, pos, int64(0))
}

func TestRunner_Reset(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	registry := eventsourcing.NewRegistry()
	user.RegisterEventClasses(registry)
	store := eventstore.New(b, registry)

	u := user.New("u1")
	u.Register("name", "x@example.com")
	require.NoError(t, store.Save(ctx, u, 0))

	count := &user.CountProjection{}
	count.Handlers()[user.EventUserRegistered](ctx, eventsourcing.Event{}, nil) // pretend prior progress
	require.Equal(t, int64(1), count.Count())

	require.NoError(t, b.CommitCheckpoint(ctx, "user-count", 100))

	runner := projection.New(b, registry, nil, projection.Config{
		SubscriptionID: "user-count",
		AggregateType:  user.AggregateType,
		Handlers:       count.Handlers(),
		ResetReadModel: count.Reset,
	})

	require.NoError(t, runner.Reset(ctx))

	assert.Equal(t, int64(0), count.Count())
	pos, ok, err := b.LoadCheckpoint(ctx, "user-count")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), pos)
}

func TestRunner_FatalErrorGoesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	registry := eventsourcing.NewRegistry()
	user.RegisterEventClasses(registry)
	store := eventstore.New(b, registry)

	u := user.New("u1")
	u.Register("name", "x@example.com")
	require.NoError(t, store.Save(ctx, u, 0))

	var alerted bool
	runner := projection.New(b, registry, nil, projection.Config{
		SubscriptionID: "failing",
		AggregateType:  user.AggregateType,
		Handlers: map[string]projection.Handler{
			user.EventUserRegistered: func(context.Context, eventsourcing.Event, any) error {
				return assert.AnError
			},
		},
		Classify:    func(error) projection.Classification { return projection.Fatal },
		OnDeadLetter: func(subscriptionID string, event eventsourcing.Event, err error) { alerted = true },
	})

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_ = runner.Run(runCtx)

	assert.True(t, alerted)
}

func idFor(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 0, 8)
	for n := i + 1; n > 0; n /= len(letters) {
		b = append(b, letters[n%len(letters)])
	}
	return "u-" + string(b)
}
