package backend_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcwait "github.com/testcontainers/testcontainers-go/wait"

	"go-sourcing/internal/backend"
	"go-sourcing/pkg/eventsourcing"
)

// newPostgresBackend starts a throwaway Postgres container, grounded on the
// teacher's own testcontainers-based test setup (internal/examples/utils/
// dump_events_test.go), and returns a Backend connected to it plus a
// teardown func.
func newPostgresBackend(t *testing.T) (backend.Backend, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:17.5-alpine",
		postgres.WithDatabase("enginectl"),
		postgres.WithUsername("enginectl"),
		postgres.WithPassword("enginectl"),
		testcontainers.WithWaitStrategy(
			tcwait.ForListeningPort("5432/tcp").WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("docker unavailable, skipping postgres-backed test: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	b, err := backend.Open(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, b.RunSchema(ctx))

	teardown := func() {
		_ = b.Close(context.Background())
		_ = container.Terminate(context.Background())
	}
	return b, teardown
}

func TestPostgresBackend_AppendAndQuery(t *testing.T) {
	ctx := context.Background()
	b, teardown := newPostgresBackend(t)
	defer teardown()

	tx, err := b.Begin(ctx)
	require.NoError(t, err)

	current, found, err := tx.CurrentVersion(ctx, "agg-1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, uint64(0), current)

	rows := []backend.EventRow{
		{
			EventID: "e1", AggregateID: "agg-1", AggregateType: "User",
			EventType: "UserRegistered", AggregateVersion: 1,
			Timestamp: time.Now().UTC(), Payload: []byte(`{"name":"Alice"}`),
			PayloadEncoding: eventsourcing.EncodingJSON,
		},
		{
			EventID: "e2", AggregateID: "agg-1", AggregateType: "User",
			EventType: "UserEmailChanged", AggregateVersion: 2,
			Timestamp: time.Now().UTC(), Payload: []byte(`{"new":"a@x"}`),
			PayloadEncoding: eventsourcing.EncodingJSON,
		},
	}
	require.NoError(t, tx.AppendEvents(ctx, rows))
	require.NoError(t, tx.Commit(ctx))

	assert.Positive(t, rows[0].GlobalPosition)
	assert.Greater(t, rows[1].GlobalPosition, rows[0].GlobalPosition)

	v, found, err := b.CurrentVersion(ctx, "agg-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(2), v)

	it, err := b.QueryEventsByAggregate(ctx, "agg-1", 0)
	require.NoError(t, err)
	defer it.Close()

	var got []backend.EventRow
	for {
		row, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, row)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "UserRegistered", got[0].EventType)
	assert.Equal(t, "UserEmailChanged", got[1].EventType)
}

func TestPostgresBackend_ConcurrencyConflict(t *testing.T) {
	// spec.md §8 Scenario 2, against the real Postgres unique-violation
	// path rather than the sqlite one eventstore_test.go exercises.
	ctx := context.Background()
	b, teardown := newPostgresBackend(t)
	defer teardown()

	row := backend.EventRow{
		EventID: "e1", AggregateID: "agg-1", AggregateType: "User",
		EventType: "UserRegistered", AggregateVersion: 1,
		Timestamp: time.Now().UTC(), Payload: []byte(`{}`),
		PayloadEncoding: eventsourcing.EncodingJSON,
	}

	tx1, err := b.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx1.AppendEvents(ctx, []backend.EventRow{row}))
	require.NoError(t, tx1.Commit(ctx))

	tx2, err := b.Begin(ctx)
	require.NoError(t, err)
	dupe := row
	dupe.EventID = "e2"
	err = tx2.AppendEvents(ctx, []backend.EventRow{dupe})
	_ = tx2.Rollback(ctx)

	require.Error(t, err)
	var conflict *eventsourcing.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestPostgresBackend_SnapshotRetentionAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	b, teardown := newPostgresBackend(t)
	defer teardown()

	for v := uint64(1); v <= 3; v++ {
		require.NoError(t, b.SaveSnapshot(ctx, backend.SnapshotRow{
			AggregateID: "agg-1", AggregateType: "User", AggregateVersion: v * 10,
			StateBytes: []byte("state"), Checksum: "deadbeef", CreatedAt: time.Now().UTC(),
			CompressedSize: 5, UncompressedSize: 5,
		}))
	}

	latest, ok, err := b.LatestSnapshot(ctx, "agg-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(30), latest.AggregateVersion)

	metas, err := b.ListSnapshots(ctx, "agg-1")
	require.NoError(t, err)
	require.Len(t, metas, 3)

	require.NoError(t, b.DeleteSnapshot(ctx, "agg-1", 10))
	metas, err = b.ListSnapshots(ctx, "agg-1")
	require.NoError(t, err)
	assert.Len(t, metas, 2)

	require.NoError(t, b.CommitCheckpoint(ctx, "sub-1", 42))
	pos, ok, err := b.LoadCheckpoint(ctx, "sub-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), pos)
}
