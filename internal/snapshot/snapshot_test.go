package snapshot_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-sourcing/internal/backend"
	"go-sourcing/internal/codec"
	"go-sourcing/internal/snapshot"
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

func TestSnapshot_SaveAndLatest(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	store := snapshot.New(b, codec.New(true))

	state := map[string]any{"name": "Alice", "is_active": true}
	require.NoError(t, store.Save(ctx, "u1", "User", 200, state))

	snap, ok, err := store.Latest(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(200), snap.AggregateVersion)
	assert.NotEmpty(t, snap.Checksum)

	fields, err := codec.New(true).Decode(snap.StateBytes, "binary")
	require.NoError(t, err)
	assert.Equal(t, "Alice", fields["name"])
	assert.Equal(t, true, fields["is_active"])
}

func TestSnapshot_Latest_AbsentReturnsFalse(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	store := snapshot.New(b, codec.New(true))

	_, ok, err := store.Latest(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshot_CompressionRatioReported(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	store := snapshot.New(b, codec.New(true))

	// A compressible payload: long repeated string should compress well.
	repeated := make(map[string]any)
	blob := ""
	for i := 0; i < 2000; i++ {
		blob += "aaaaaaaaaa"
	}
	repeated["blob"] = blob

	require.NoError(t, store.Save(ctx, "u1", "User", 1, repeated))

	snap, ok, err := store.Latest(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.LessOrEqual(t, snap.CompressionRatio(), 0.5)
}

func TestSnapshot_Latest_CorruptChecksumPurgesRowAndFails(t *testing.T) {
	// spec.md §7 SnapshotCorrupt: "the snapshot row is marked invalid and
	// load falls back to full replay; operator alerted."
	ctx := context.Background()
	b := newTestBackend(t)
	store := snapshot.New(b, codec.New(true))

	require.NoError(t, store.Save(ctx, "u1", "User", 5, map[string]any{"v": 1}))

	row, ok, err := b.LatestSnapshot(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	row.Checksum = "0000000000000000000000000000000000000000000000000000000000000"
	require.NoError(t, b.SaveSnapshot(ctx, row))

	_, ok, err = store.Latest(ctx, "u1")
	assert.False(t, ok)
	require.Error(t, err)
	var corrupt *eventsourcing.SnapshotCorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "u1", corrupt.AggregateID)

	metas, err := b.ListSnapshots(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, metas, "corrupt row should be purged so it never reappears as latest")
}

func TestSnapshot_Cleanup_RetainsLatestN(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	store := snapshot.New(b, codec.New(true))

	for v := uint64(1); v <= 5; v++ {
		require.NoError(t, store.Save(ctx, "u1", "User", v*10, map[string]any{"v": v}))
	}

	require.NoError(t, store.Cleanup(ctx, "u1", eventsourcing.SnapshotPolicy{MaxSnapshots: 2}))

	metas, err := b.ListSnapshots(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, uint64(50), metas[0].AggregateVersion)
	assert.Equal(t, uint64(40), metas[1].AggregateVersion)
}
