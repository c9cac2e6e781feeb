// Package snapshot implements spec.md §4.D: materialized aggregate state
// at a version, compressed and checksummed, with a retention policy.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/klauspost/compress/zstd"

	"go-sourcing/internal/backend"
	"go-sourcing/internal/codec"
	"go-sourcing/pkg/eventsourcing"
)

// Store is the Snapshot Store. It never modifies the event log; a
// snapshot at version V means applying events V+1..N to its state
// reproduces the aggregate at version N.
type Store struct {
	backend backend.Backend
	codec   codec.Codec
}

// New constructs a Snapshot Store writing state through c (typically the
// binary codec: deterministic, compact) and backed by b.
func New(b backend.Backend, c codec.Codec) *Store {
	return &Store{backend: b, codec: c}
}

// Save serializes state via the configured codec, compresses it with zstd,
// computes a content hash, and upserts the row (spec.md §4.D save()).
func (s *Store) Save(ctx context.Context, aggregateID, aggregateType string, version uint64, state any) error {
	raw, _, err := s.codec.Encode(state)
	if err != nil {
		return err
	}

	compressed, err := compress(raw)
	if err != nil {
		return &eventsourcing.EngineError{Op: "snapshot.Save", Err: err}
	}

	sum := sha256.Sum256(compressed)

	return s.backend.SaveSnapshot(ctx, backend.SnapshotRow{
		AggregateID:      aggregateID,
		AggregateType:    aggregateType,
		AggregateVersion: version,
		StateBytes:       compressed,
		Checksum:         hex.EncodeToString(sum[:]),
		CreatedAt:        time.Now().UTC(),
		CompressedSize:   len(compressed),
		UncompressedSize: len(raw),
	})
}

// Latest returns the highest-version snapshot for aggregateID, verifying
// its checksum and decompressing its state bytes before returning (spec.md
// §4.D latest()). A checksum mismatch fails with SnapshotCorrupt, not a
// silent empty result, so the caller can alert and fall back to replay.
func (s *Store) Latest(ctx context.Context, aggregateID string) (eventsourcing.Snapshot, bool, error) {
	row, ok, err := s.backend.LatestSnapshot(ctx, aggregateID)
	if err != nil {
		return eventsourcing.Snapshot{}, false, err
	}
	if !ok {
		return eventsourcing.Snapshot{}, false, nil
	}

	sum := sha256.Sum256(row.StateBytes)
	if hex.EncodeToString(sum[:]) != row.Checksum {
		s.invalidate(ctx, row)
		return eventsourcing.Snapshot{}, false, &eventsourcing.SnapshotCorruptError{
			EngineError: eventsourcing.EngineError{Op: "snapshot.Latest"},
			AggregateID: aggregateID,
		}
	}

	raw, err := decompress(row.StateBytes)
	if err != nil {
		s.invalidate(ctx, row)
		return eventsourcing.Snapshot{}, false, &eventsourcing.SnapshotCorruptError{
			EngineError: eventsourcing.EngineError{Op: "snapshot.Latest", Err: err},
			AggregateID: aggregateID,
		}
	}

	return eventsourcing.Snapshot{
		AggregateID:      row.AggregateID,
		AggregateType:    row.AggregateType,
		AggregateVersion: row.AggregateVersion,
		StateBytes:       raw,
		Checksum:         row.Checksum,
		CreatedAt:        row.CreatedAt,
		CompressedSize:   row.CompressedSize,
		UncompressedSize: row.UncompressedSize,
	}, true, nil
}

// Cleanup applies policy's retention bounds to aggregateID's snapshots:
// keep the latest MaxSnapshots (0 = unbounded) and discard anything older
// than MaxAge (0 = unbounded). Both bounds are evaluated independently; a
// snapshot is deleted if it exceeds either (spec.md §4.D cleanup()).
func (s *Store) Cleanup(ctx context.Context, aggregateID string, policy eventsourcing.SnapshotPolicy) error {
	metas, err := s.backend.ListSnapshots(ctx, aggregateID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i, m := range metas {
		exceedsCount := policy.MaxSnapshots > 0 && i >= policy.MaxSnapshots
		exceedsAge := policy.MaxAge > 0 && now.Sub(m.CreatedAt) > policy.MaxAge
		if exceedsCount || exceedsAge {
			if err := s.backend.DeleteSnapshot(ctx, aggregateID, m.AggregateVersion); err != nil {
				return err
			}
		}
	}
	return nil
}

// invalidate deletes a snapshot row that failed its checksum or
// decompression check, so the next Latest never sees it again and the
// caller's fallback to full replay is the only way to reconstruct the
// aggregate (spec.md §7 SnapshotCorrupt: "row is marked invalid").
func (s *Store) invalidate(ctx context.Context, row backend.SnapshotRow) {
	if err := s.backend.DeleteSnapshot(ctx, row.AggregateID, row.AggregateVersion); err != nil {
		log.Printf("snapshot: failed to purge corrupt snapshot for aggregate %s version %d: %v", row.AggregateID, row.AggregateVersion, err)
	}
}

func compress(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("constructing zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func decompress(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("constructing zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}
