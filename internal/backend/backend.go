// Package backend implements spec.md §4.B: a uniform async contract over
// the embedded single-file store and the networked client-server store, so
// internal/eventstore never branches on which is in use.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"go-sourcing/pkg/eventsourcing"
)

// EventRow is the backend-neutral shape of a persisted events row: the
// fields internal/eventstore needs to insert or read, independent of driver.
type EventRow struct {
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
	PayloadEncoding  eventsourcing.Encoding
}

// SnapshotRow is the backend-neutral shape of a persisted snapshots row.
type SnapshotRow struct {
	AggregateID      string
	AggregateType    string
	AggregateVersion uint64
	StateBytes       []byte
	Checksum         string
	CreatedAt        time.Time
	CompressedSize   int
	UncompressedSize int
}

// SnapshotMeta is the identity and age of a retained snapshot, without its
// state bytes, used to evaluate a retention policy cheaply.
type SnapshotMeta struct {
	AggregateVersion uint64
	CreatedAt        time.Time
}

// RowIterator is a lazy, finite, restartable sequence of rows, matching
// spec.md §4.C's "streaming reads" requirement without committing callers
// to a specific channel or generic-iterator style.
type RowIterator interface {
	Next(ctx context.Context) (EventRow, bool, error)
	Close() error
}

// Tx is one append's unit of work: read the current version, insert rows,
// commit or roll back. The Event Store never issues two concurrent
// operations against the same Tx.
type Tx interface {
	CurrentVersion(ctx context.Context, aggregateID string) (uint64, bool, error)
	AppendEvents(ctx context.Context, rows []EventRow) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend is the uniform contract spec.md §4.B names. postgres and sqlite
// each implement it; internal/eventstore, internal/snapshot and
// internal/projection depend only on this interface.
type Backend interface {
	RunSchema(ctx context.Context) error
	Migrate(ctx context.Context, targetVersion int) error

	Begin(ctx context.Context) (Tx, error)

	CurrentVersion(ctx context.Context, aggregateID string) (uint64, bool, error)
	QueryEventsByAggregate(ctx context.Context, aggregateID string, fromVersion uint64) (RowIterator, error)
	QueryEventsByType(ctx context.Context, aggregateType string, fromPosition int64) (RowIterator, error)

	SaveSnapshot(ctx context.Context, row SnapshotRow) error
	LatestSnapshot(ctx context.Context, aggregateID string) (SnapshotRow, bool, error)
	// ListSnapshots returns every retained snapshot for aggregateID, newest
	// first, for use by a retention (cleanup) policy.
	ListSnapshots(ctx context.Context, aggregateID string) ([]SnapshotMeta, error)
	DeleteSnapshot(ctx context.Context, aggregateID string, version uint64) error

	// CommitCheckpoint and LoadCheckpoint back internal/projection's
	// at-least-once delivery tracking (spec.md §4.F, checkpoints table).
	CommitCheckpoint(ctx context.Context, subscriptionID string, lastGlobalPosition int64) error
	LoadCheckpoint(ctx context.Context, subscriptionID string) (int64, bool, error)

	// SaveDeadLetter records a projection event this engine could not apply:
	// its payload failed to decode, its handler returned a Fatal-classified
	// error, or retries were exhausted (SPEC_FULL.md supplement to §4.F).
	SaveDeadLetter(ctx context.Context, subscriptionID string, row EventRow, failureReason string) error

	Close(ctx context.Context) error
}

// Options carries the connection-pool policy spec.md §4.B names as
// query-string parameters on the connection URL.
type Options struct {
	ApplicationName string
	PoolSize        int
	MaxOverflow     int
	PoolTimeout     time.Duration
	PoolRecycle     time.Duration
	SSLMode         string
}

const (
	defaultPoolSize    = 10
	defaultPoolTimeout = 30 * time.Second
	defaultPoolRecycle = time.Hour
)

// Open parses a connection string and returns the matching Backend,
// unconnected until its RunSchema or first operation is called, matching
// spec.md §4.B's "connect(url) -> Backend".
func Open(ctx context.Context, rawURL string) (Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &eventsourcing.ValidationError{
			EngineError: eventsourcing.EngineError{Op: "backend.Open", Err: err},
			Field:       "url",
			Value:       rawURL,
		}
	}

	opts := parseOptions(u.Query())

	switch u.Scheme {
	case "sqlite":
		return openSQLite(ctx, sqlitePath(u), opts)
	case "postgresql", "postgres":
		return openPostgres(ctx, rawURL, opts)
	default:
		return nil, &eventsourcing.ValidationError{
			EngineError: eventsourcing.EngineError{Op: "backend.Open", Err: fmt.Errorf("unrecognized scheme %q", u.Scheme)},
			Field:       "url",
			Value:       rawURL,
		}
	}
}

func sqlitePath(u *url.URL) string {
	path := u.Host + u.Path
	if path == "" {
		path = strings.TrimPrefix(u.Opaque, "//")
	}
	if path == "" {
		path = ":memory:"
	}
	return path
}

func parseOptions(q url.Values) Options {
	opts := Options{
		ApplicationName: q.Get("application_name"),
		PoolSize:        defaultPoolSize,
		PoolTimeout:     defaultPoolTimeout,
		PoolRecycle:     defaultPoolRecycle,
		SSLMode:         q.Get("sslmode"),
	}
	if v := q.Get("pool_size"); v != "" {
		fmt.Sscanf(v, "%d", &opts.PoolSize)
	}
	if v := q.Get("max_overflow"); v != "" {
		fmt.Sscanf(v, "%d", &opts.MaxOverflow)
	}
	if v := q.Get("pool_timeout"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			opts.PoolTimeout = d
		}
	}
	if v := q.Get("pool_recycle"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			opts.PoolRecycle = d
		}
	}
	return opts
}

// pgQueryCanceled is Postgres's SQLSTATE for a statement cancelled by
// deadline or administrator action (query_canceled), e.g. a pgx call
// whose context deadline expired mid-statement.
const pgQueryCanceled = "57014"

// backendErr wraps a driver error for return to the caller, translating
// a context deadline (database/sql and pgx both surface
// context.DeadlineExceeded directly, pgx sometimes via a wrapped
// query_canceled PgError) into TimeoutError per spec.md §5/§7, and
// everything else into BackendError. A nil err stays nil.
func backendErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return &eventsourcing.TimeoutError{EngineError: eventsourcing.EngineError{Op: op, Err: err}}
	}
	return &eventsourcing.BackendError{EngineError: eventsourcing.EngineError{Op: op, Err: err}}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgQueryCanceled {
		return true
	}
	return false
}
