package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/semaphore"

	"go-sourcing/pkg/eventsourcing"
)

// sqliteBackend is the embedded single-file backend (spec.md §4.B). A
// single writer connection plus a process-wide semaphore serialize
// appends and schema writes; reads use a separate connection pool so a
// long replay never blocks an append. WAL journaling is enabled for any
// file-backed database (":memory:" has no WAL mode). ":memory:" is opened
// as a uniquely named shared-cache in-memory database, so the write and
// read pools of one backend see the same data and separate Opens stay
// isolated.
type sqliteBackend struct {
	writeDB  *sql.DB
	readDB   *sql.DB
	writerMu *semaphore.Weighted
}

// sqliteWriter is the process-wide writer semaphore shared by every
// sqlite backend opened in this process.
var sqliteWriter = semaphore.NewWeighted(1)

// memDBSeq numbers in-memory databases to give each Open its own name.
var memDBSeq atomic.Int64

func openSQLite(ctx context.Context, path string, opts Options) (Backend, error) {
	var dsn string
	if path == ":memory:" {
		dsn = fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", memDBSeq.Add(1))
	} else {
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	}

	writeDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, backendErr("backend.Open", fmt.Errorf("opening sqlite write connection: %w", err))
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, backendErr("backend.Open", fmt.Errorf("opening sqlite read connection: %w", err))
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	readDB.SetMaxOpenConns(poolSize)
	readDB.SetConnMaxLifetime(opts.PoolRecycle)

	return &sqliteBackend{
		writeDB:  writeDB,
		readDB:   readDB,
		writerMu: sqliteWriter,
	}, nil
}

func (b *sqliteBackend) Close(ctx context.Context) error {
	werr := b.writeDB.Close()
	rerr := b.readDB.Close()
	if werr != nil {
		return backendErr("Close", werr)
	}
	return backendErr("Close", rerr)
}

func (b *sqliteBackend) RunSchema(ctx context.Context) error {
	if _, err := b.writeDB.ExecContext(ctx, sqliteSchemaDDL); err != nil {
		return backendErr("RunSchema", err)
	}
	return b.Migrate(ctx, schemaVersion)
}

func (b *sqliteBackend) Migrate(ctx context.Context, targetVersion int) error {
	var current int
	err := b.writeDB.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = b.writeDB.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, targetVersion)
		return backendErr("Migrate", err)
	}
	if err != nil {
		return backendErr("Migrate", err)
	}
	if current > targetVersion {
		return &eventsourcing.SchemaMismatchError{
			EngineError: eventsourcing.EngineError{Op: "Migrate"},
			Current:     current,
			Wanted:      targetVersion,
		}
	}
	if current < targetVersion {
		_, err = b.writeDB.ExecContext(ctx, `UPDATE schema_version SET version = ?`, targetVersion)
		return backendErr("Migrate", err)
	}
	return nil
}

func (b *sqliteBackend) CurrentVersion(ctx context.Context, aggregateID string) (uint64, bool, error) {
	var v uint64
	err := b.readDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&v)
	if err != nil {
		return 0, false, backendErr("CurrentVersion", err)
	}
	return v, v > 0, nil
}

// sqliteTx holds the writer semaphore for its entire lifetime; Commit and
// Rollback both release it, matching the "one writer connection" policy
// spec.md §4.B requires for the embedded backend.
type sqliteTx struct {
	backend *sqliteBackend
	tx      *sql.Tx
	done    bool
}

func (b *sqliteBackend) Begin(ctx context.Context) (Tx, error) {
	if err := b.writerMu.Acquire(ctx, 1); err != nil {
		return nil, backendErr("Begin", err)
	}
	tx, err := b.writeDB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		b.writerMu.Release(1)
		return nil, backendErr("Begin", err)
	}
	return &sqliteTx{backend: b, tx: tx}, nil
}

func (t *sqliteTx) release() {
	if !t.done {
		t.done = true
		t.backend.writerMu.Release(1)
	}
}

func (t *sqliteTx) CurrentVersion(ctx context.Context, aggregateID string) (uint64, bool, error) {
	var v uint64
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&v)
	if err != nil {
		return 0, false, backendErr("CurrentVersion", err)
	}
	return v, v > 0, nil
}

func (t *sqliteTx) AppendEvents(ctx context.Context, rows []EventRow) error {
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO events (
			event_id, aggregate_id, aggregate_type, event_type, event_version,
			aggregate_version, timestamp, causation_id, correlation_id, user_id,
			payload, payload_encoding
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return backendErr("AppendEvents", err)
	}
	defer stmt.Close()

	for i, r := range rows {
		_, err := stmt.ExecContext(ctx,
			r.EventID, r.AggregateID, r.AggregateType, r.EventType, r.EventVersion,
			r.AggregateVersion, r.Timestamp, nullable(r.CausationID), nullable(r.CorrelationID), nullable(r.UserID),
			r.Payload, string(r.PayloadEncoding),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return &eventsourcing.ConcurrencyConflictError{
					EngineError: eventsourcing.EngineError{Op: "AppendEvents", Err: err},
					AggregateID: r.AggregateID,
				}
			}
			return backendErr("AppendEvents", fmt.Errorf("inserting event %d: %w", i, err))
		}
	}

	var maxRowID int64
	if err := t.tx.QueryRowContext(ctx, `SELECT last_insert_rowid()`).Scan(&maxRowID); err != nil {
		return backendErr("AppendEvents", err)
	}
	for i := range rows {
		rows[i].GlobalPosition = maxRowID - int64(len(rows)) + int64(i) + 1
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	defer t.release()
	if err := t.tx.Commit(); err != nil {
		return backendErr("Commit", err)
	}
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	defer t.release()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return backendErr("Rollback", err)
	}
	return nil
}

type sqliteRowIterator struct {
	rows *sql.Rows
}

func (it *sqliteRowIterator) Next(ctx context.Context) (EventRow, bool, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return EventRow{}, false, backendErr("QueryEvents", err)
		}
		return EventRow{}, false, nil
	}
	var r EventRow
	var causationID, correlationID, userID *string
	var encoding string
	var ts string
	err := it.rows.Scan(
		&r.EventID, &r.AggregateID, &r.AggregateType, &r.EventType, &r.EventVersion,
		&r.AggregateVersion, &ts, &causationID, &correlationID, &userID,
		&r.Payload, &encoding, &r.GlobalPosition,
	)
	if err != nil {
		return EventRow{}, false, backendErr("QueryEvents", err)
	}
	r.Timestamp, err = parseSQLiteTime(ts)
	if err != nil {
		return EventRow{}, false, backendErr("QueryEvents", err)
	}
	r.PayloadEncoding = eventsourcing.Encoding(encoding)
	r.CausationID = deref(causationID)
	r.CorrelationID = deref(correlationID)
	r.UserID = deref(userID)
	return r, true, nil
}

func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized sqlite timestamp format %q", s)
}

func (it *sqliteRowIterator) Close() error {
	return it.rows.Close()
}

func (b *sqliteBackend) QueryEventsByAggregate(ctx context.Context, aggregateID string, fromVersion uint64) (RowIterator, error) {
	rows, err := b.readDB.QueryContext(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, event_version,
		       aggregate_version, timestamp, causation_id, correlation_id, user_id,
		       payload, payload_encoding, global_position
		FROM events
		WHERE aggregate_id = ? AND aggregate_version > ?
		ORDER BY aggregate_version ASC`,
		aggregateID, fromVersion,
	)
	if err != nil {
		return nil, backendErr("QueryEventsByAggregate", err)
	}
	return &sqliteRowIterator{rows: rows}, nil
}

func (b *sqliteBackend) QueryEventsByType(ctx context.Context, aggregateType string, fromPosition int64) (RowIterator, error) {
	rows, err := b.readDB.QueryContext(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, event_version,
		       aggregate_version, timestamp, causation_id, correlation_id, user_id,
		       payload, payload_encoding, global_position
		FROM events
		WHERE aggregate_type = ? AND global_position > ?
		ORDER BY global_position ASC`,
		aggregateType, fromPosition,
	)
	if err != nil {
		return nil, backendErr("QueryEventsByType", err)
	}
	return &sqliteRowIterator{rows: rows}, nil
}

func (b *sqliteBackend) SaveSnapshot(ctx context.Context, row SnapshotRow) error {
	if err := b.writerMu.Acquire(ctx, 1); err != nil {
		return backendErr("SaveSnapshot", err)
	}
	defer b.writerMu.Release(1)

	_, err := b.writeDB.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, aggregate_version, state_bytes, checksum, created_at, compressed_size, uncompressed_size)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (aggregate_id, aggregate_version) DO UPDATE SET
			state_bytes = excluded.state_bytes,
			checksum = excluded.checksum,
			created_at = excluded.created_at,
			compressed_size = excluded.compressed_size,
			uncompressed_size = excluded.uncompressed_size`,
		row.AggregateID, row.AggregateType, row.AggregateVersion, row.StateBytes,
		row.Checksum, row.CreatedAt, row.CompressedSize, row.UncompressedSize,
	)
	if err != nil {
		return backendErr("SaveSnapshot", err)
	}
	return nil
}

func (b *sqliteBackend) LatestSnapshot(ctx context.Context, aggregateID string) (SnapshotRow, bool, error) {
	var row SnapshotRow
	var ts string
	err := b.readDB.QueryRowContext(ctx, `
		SELECT aggregate_id, aggregate_type, aggregate_version, state_bytes, checksum, created_at, compressed_size, uncompressed_size
		FROM snapshots WHERE aggregate_id = ?
		ORDER BY aggregate_version DESC LIMIT 1`,
		aggregateID,
	).Scan(&row.AggregateID, &row.AggregateType, &row.AggregateVersion, &row.StateBytes,
		&row.Checksum, &ts, &row.CompressedSize, &row.UncompressedSize)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRow{}, false, nil
	}
	if err != nil {
		return SnapshotRow{}, false, backendErr("LatestSnapshot", err)
	}
	row.CreatedAt, err = parseSQLiteTime(ts)
	if err != nil {
		return SnapshotRow{}, false, backendErr("LatestSnapshot", err)
	}
	return row, true, nil
}

func (b *sqliteBackend) ListSnapshots(ctx context.Context, aggregateID string) ([]SnapshotMeta, error) {
	rows, err := b.readDB.QueryContext(ctx, `
		SELECT aggregate_version, created_at FROM snapshots
		WHERE aggregate_id = ? ORDER BY aggregate_version DESC`,
		aggregateID,
	)
	if err != nil {
		return nil, backendErr("ListSnapshots", err)
	}
	defer rows.Close()

	var out []SnapshotMeta
	for rows.Next() {
		var m SnapshotMeta
		var ts string
		if err := rows.Scan(&m.AggregateVersion, &ts); err != nil {
			return nil, backendErr("ListSnapshots", err)
		}
		m.CreatedAt, err = parseSQLiteTime(ts)
		if err != nil {
			return nil, backendErr("ListSnapshots", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr("ListSnapshots", err)
	}
	return out, nil
}

func (b *sqliteBackend) DeleteSnapshot(ctx context.Context, aggregateID string, version uint64) error {
	if err := b.writerMu.Acquire(ctx, 1); err != nil {
		return backendErr("DeleteSnapshot", err)
	}
	defer b.writerMu.Release(1)

	_, err := b.writeDB.ExecContext(ctx, `DELETE FROM snapshots WHERE aggregate_id = ? AND aggregate_version = ?`, aggregateID, version)
	if err != nil {
		return backendErr("DeleteSnapshot", err)
	}
	return nil
}

func (b *sqliteBackend) CommitCheckpoint(ctx context.Context, subscriptionID string, lastGlobalPosition int64) error {
	if err := b.writerMu.Acquire(ctx, 1); err != nil {
		return backendErr("CommitCheckpoint", err)
	}
	defer b.writerMu.Release(1)

	_, err := b.writeDB.ExecContext(ctx, `
		INSERT INTO checkpoints (subscription_id, last_global_position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (subscription_id) DO UPDATE SET
			last_global_position = excluded.last_global_position,
			updated_at = excluded.updated_at`,
		subscriptionID, lastGlobalPosition, time.Now().UTC(),
	)
	if err != nil {
		return backendErr("CommitCheckpoint", err)
	}
	return nil
}

func (b *sqliteBackend) LoadCheckpoint(ctx context.Context, subscriptionID string) (int64, bool, error) {
	var pos int64
	err := b.readDB.QueryRowContext(ctx, `SELECT last_global_position FROM checkpoints WHERE subscription_id = ?`, subscriptionID).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, backendErr("LoadCheckpoint", err)
	}
	return pos, true, nil
}

func (b *sqliteBackend) SaveDeadLetter(ctx context.Context, subscriptionID string, row EventRow, failureReason string) error {
	if err := b.writerMu.Acquire(ctx, 1); err != nil {
		return backendErr("SaveDeadLetter", err)
	}
	defer b.writerMu.Release(1)

	_, err := b.writeDB.ExecContext(ctx, `
		INSERT INTO dead_letters (subscription_id, event_id, aggregate_id, aggregate_type, event_type, global_position, payload, payload_encoding, failure_reason, failed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		subscriptionID, row.EventID, row.AggregateID, row.AggregateType, row.EventType,
		row.GlobalPosition, row.Payload, string(row.PayloadEncoding), failureReason, time.Now().UTC(),
	)
	if err != nil {
		return backendErr("SaveDeadLetter", err)
	}
	return nil
}

const sqliteSchemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	global_position   INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id          TEXT NOT NULL UNIQUE,
	aggregate_id      TEXT NOT NULL,
	aggregate_type    TEXT NOT NULL,
	event_type        TEXT NOT NULL,
	event_version     INTEGER NOT NULL,
	aggregate_version INTEGER NOT NULL,
	timestamp         TEXT NOT NULL,
	causation_id      TEXT,
	correlation_id    TEXT,
	user_id           TEXT,
	payload           BLOB NOT NULL,
	payload_encoding  TEXT NOT NULL,
	UNIQUE (aggregate_id, aggregate_version)
);

CREATE INDEX IF NOT EXISTS idx_events_type_position ON events (aggregate_type, global_position);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp);

CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_id      TEXT NOT NULL,
	aggregate_type    TEXT NOT NULL,
	aggregate_version INTEGER NOT NULL,
	state_bytes       BLOB NOT NULL,
	checksum          TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	compressed_size   INTEGER NOT NULL,
	uncompressed_size INTEGER NOT NULL,
	PRIMARY KEY (aggregate_id, aggregate_version)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	subscription_id      TEXT PRIMARY KEY,
	last_global_position INTEGER NOT NULL,
	updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	subscription_id   TEXT NOT NULL,
	event_id          TEXT NOT NULL,
	aggregate_id      TEXT NOT NULL,
	aggregate_type    TEXT NOT NULL,
	event_type        TEXT NOT NULL,
	global_position   INTEGER NOT NULL,
	payload           BLOB NOT NULL,
	payload_encoding  TEXT NOT NULL,
	failure_reason    TEXT NOT NULL,
	failed_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);
`
