package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-sourcing/pkg/eventsourcing"
)

const schemaVersion = 1

// postgresBackend is the networked client-server backend (spec.md §4.B),
// grounded on go-crablet's pgxpool configuration (MaxConns/MinConns/
// MaxConnLifetime/HealthCheckPeriod) and its SERIALIZABLE-isolation,
// batch-insert append pattern.
type postgresBackend struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, rawURL string, opts Options) (Backend, error) {
	config, err := pgxpool.ParseConfig(rawURL)
	if err != nil {
		return nil, backendErr("backend.Open", fmt.Errorf("parsing postgres url: %w", err))
	}

	if opts.PoolSize > 0 {
		config.MaxConns = int32(opts.PoolSize + opts.MaxOverflow)
		config.MinConns = int32(opts.PoolSize)
	}
	if opts.PoolRecycle > 0 {
		config.MaxConnLifetime = opts.PoolRecycle
	}
	config.HealthCheckPeriod = 30 * time.Second
	if opts.ApplicationName != "" {
		config.ConnConfig.RuntimeParams["application_name"] = opts.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, backendErr("backend.Open", fmt.Errorf("connecting to postgres: %w", err))
	}
	return &postgresBackend{pool: pool}, nil
}

func (b *postgresBackend) Close(ctx context.Context) error {
	b.pool.Close()
	return nil
}

func (b *postgresBackend) RunSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, postgresSchemaDDL)
	if err != nil {
		return backendErr("RunSchema", err)
	}
	return b.Migrate(ctx, schemaVersion)
}

func (b *postgresBackend) Migrate(ctx context.Context, targetVersion int) error {
	var current int
	err := b.pool.QueryRow(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = b.pool.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, targetVersion)
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
		_, err = b.pool.Exec(ctx, `UPDATE schema_version SET version = $1`, targetVersion)
		return backendErr("Migrate", err)
	}
	return nil
}

func (b *postgresBackend) CurrentVersion(ctx context.Context, aggregateID string) (uint64, bool, error) {
	var v uint64
	err := b.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&v)
	if err != nil {
		return 0, false, backendErr("CurrentVersion", err)
	}
	return v, v > 0, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (b *postgresBackend) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, backendErr("Begin", err)
	}
	return &postgresTx{tx: tx}, nil
}

func (t *postgresTx) CurrentVersion(ctx context.Context, aggregateID string) (uint64, bool, error) {
	var v uint64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&v)
	if err != nil {
		return 0, false, backendErr("CurrentVersion", err)
	}
	return v, v > 0, nil
}

func (t *postgresTx) AppendEvents(ctx context.Context, rows []EventRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO events (
				event_id, aggregate_id, aggregate_type, event_type, event_version,
				aggregate_version, timestamp, causation_id, correlation_id, user_id,
				payload, payload_encoding
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			RETURNING global_position`,
			r.EventID, r.AggregateID, r.AggregateType, r.EventType, r.EventVersion,
			r.AggregateVersion, r.Timestamp, nullable(r.CausationID), nullable(r.CorrelationID), nullable(r.UserID),
			r.Payload, string(r.PayloadEncoding),
		)
	}

	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	for i := range rows {
		if err := br.QueryRow().Scan(&rows[i].GlobalPosition); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return &eventsourcing.ConcurrencyConflictError{
					EngineError: eventsourcing.EngineError{Op: "AppendEvents", Err: err},
					AggregateID: rows[i].AggregateID,
				}
			}
			return backendErr("AppendEvents", fmt.Errorf("inserting event %d: %w", i, err))
		}
	}
	return nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return backendErr("Commit", err)
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return backendErr("Rollback", err)
	}
	return nil
}

type postgresRowIterator struct {
	rows pgx.Rows
}

func (it *postgresRowIterator) Next(ctx context.Context) (EventRow, bool, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return EventRow{}, false, backendErr("QueryEvents", err)
		}
		return EventRow{}, false, nil
	}
	var r EventRow
	var causationID, correlationID, userID *string
	var encoding string
	err := it.rows.Scan(
		&r.EventID, &r.AggregateID, &r.AggregateType, &r.EventType, &r.EventVersion,
		&r.AggregateVersion, &r.Timestamp, &causationID, &correlationID, &userID,
		&r.Payload, &encoding, &r.GlobalPosition,
	)
	if err != nil {
		return EventRow{}, false, backendErr("QueryEvents", err)
	}
	r.PayloadEncoding = eventsourcing.Encoding(encoding)
	r.CausationID = deref(causationID)
	r.CorrelationID = deref(correlationID)
	r.UserID = deref(userID)
	return r, true, nil
}

func (it *postgresRowIterator) Close() error {
	it.rows.Close()
	return nil
}

func (b *postgresBackend) QueryEventsByAggregate(ctx context.Context, aggregateID string, fromVersion uint64) (RowIterator, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, event_version,
		       aggregate_version, timestamp, causation_id, correlation_id, user_id,
		       payload, payload_encoding, global_position
		FROM events
		WHERE aggregate_id = $1 AND aggregate_version > $2
		ORDER BY aggregate_version ASC`,
		aggregateID, fromVersion,
	)
	if err != nil {
		return nil, backendErr("QueryEventsByAggregate", err)
	}
	return &postgresRowIterator{rows: rows}, nil
}

func (b *postgresBackend) QueryEventsByType(ctx context.Context, aggregateType string, fromPosition int64) (RowIterator, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, event_version,
		       aggregate_version, timestamp, causation_id, correlation_id, user_id,
		       payload, payload_encoding, global_position
		FROM events
		WHERE aggregate_type = $1 AND global_position > $2
		ORDER BY global_position ASC`,
		aggregateType, fromPosition,
	)
	if err != nil {
		return nil, backendErr("QueryEventsByType", err)
	}
	return &postgresRowIterator{rows: rows}, nil
}

func (b *postgresBackend) SaveSnapshot(ctx context.Context, row SnapshotRow) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, aggregate_version, state_bytes, checksum, created_at, compressed_size, uncompressed_size)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (aggregate_id, aggregate_version) DO UPDATE SET
			state_bytes = EXCLUDED.state_bytes,
			checksum = EXCLUDED.checksum,
			created_at = EXCLUDED.created_at,
			compressed_size = EXCLUDED.compressed_size,
			uncompressed_size = EXCLUDED.uncompressed_size`,
		row.AggregateID, row.AggregateType, row.AggregateVersion, row.StateBytes,
		row.Checksum, row.CreatedAt, row.CompressedSize, row.UncompressedSize,
	)
	if err != nil {
		return backendErr("SaveSnapshot", err)
	}
	return nil
}

func (b *postgresBackend) LatestSnapshot(ctx context.Context, aggregateID string) (SnapshotRow, bool, error) {
	var row SnapshotRow
	err := b.pool.QueryRow(ctx, `
		SELECT aggregate_id, aggregate_type, aggregate_version, state_bytes, checksum, created_at, compressed_size, uncompressed_size
		FROM snapshots WHERE aggregate_id = $1
		ORDER BY aggregate_version DESC LIMIT 1`,
		aggregateID,
	).Scan(&row.AggregateID, &row.AggregateType, &row.AggregateVersion, &row.StateBytes,
		&row.Checksum, &row.CreatedAt, &row.CompressedSize, &row.UncompressedSize)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRow{}, false, nil
	}
	if err != nil {
		return SnapshotRow{}, false, backendErr("LatestSnapshot", err)
	}
	return row, true, nil
}

func (b *postgresBackend) ListSnapshots(ctx context.Context, aggregateID string) ([]SnapshotMeta, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT aggregate_version, created_at FROM snapshots
		WHERE aggregate_id = $1 ORDER BY aggregate_version DESC`,
		aggregateID,
	)
	if err != nil {
		return nil, backendErr("ListSnapshots", err)
	}
	defer rows.Close()

	var out []SnapshotMeta
	for rows.Next() {
		var m SnapshotMeta
		if err := rows.Scan(&m.AggregateVersion, &m.CreatedAt); err != nil {
			return nil, backendErr("ListSnapshots", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr("ListSnapshots", err)
	}
	return out, nil
}

func (b *postgresBackend) DeleteSnapshot(ctx context.Context, aggregateID string, version uint64) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM snapshots WHERE aggregate_id = $1 AND aggregate_version = $2`, aggregateID, version)
	if err != nil {
		return backendErr("DeleteSnapshot", err)
	}
	return nil
}

func (b *postgresBackend) CommitCheckpoint(ctx context.Context, subscriptionID string, lastGlobalPosition int64) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO checkpoints (subscription_id, last_global_position, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (subscription_id) DO UPDATE SET
			last_global_position = EXCLUDED.last_global_position,
			updated_at = EXCLUDED.updated_at`,
		subscriptionID, lastGlobalPosition,
	)
	if err != nil {
		return backendErr("CommitCheckpoint", err)
	}
	return nil
}

func (b *postgresBackend) LoadCheckpoint(ctx context.Context, subscriptionID string) (int64, bool, error) {
	var pos int64
	err := b.pool.QueryRow(ctx, `SELECT last_global_position FROM checkpoints WHERE subscription_id = $1`, subscriptionID).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, backendErr("LoadCheckpoint", err)
	}
	return pos, true, nil
}

func (b *postgresBackend) SaveDeadLetter(ctx context.Context, subscriptionID string, row EventRow, failureReason string) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO dead_letters (subscription_id, event_id, aggregate_id, aggregate_type, event_type, global_position, payload, payload_encoding, failure_reason, failed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())`,
		subscriptionID, row.EventID, row.AggregateID, row.AggregateType, row.EventType,
		row.GlobalPosition, row.Payload, string(row.PayloadEncoding), failureReason,
	)
	if err != nil {
		return backendErr("SaveDeadLetter", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

const postgresSchemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	event_id          TEXT NOT NULL UNIQUE,
	aggregate_id      TEXT NOT NULL,
	aggregate_type    TEXT NOT NULL,
	event_type        TEXT NOT NULL,
	event_version     INTEGER NOT NULL,
	aggregate_version BIGINT NOT NULL,
	timestamp         TIMESTAMPTZ NOT NULL,
	causation_id      TEXT,
	correlation_id    TEXT,
	user_id           TEXT,
	payload           BYTEA NOT NULL,
	payload_encoding  TEXT NOT NULL,
	global_position   BIGSERIAL,
	PRIMARY KEY (aggregate_id, aggregate_version)
);

CREATE INDEX IF NOT EXISTS idx_events_type_position ON events (aggregate_type, global_position);
CREATE INDEX IF NOT EXISTS idx_events_position ON events (global_position);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp);

CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_id      TEXT NOT NULL,
	aggregate_type    TEXT NOT NULL,
	aggregate_version BIGINT NOT NULL,
	state_bytes       BYTEA NOT NULL,
	checksum          TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	compressed_size   INTEGER NOT NULL,
	uncompressed_size INTEGER NOT NULL,
	PRIMARY KEY (aggregate_id, aggregate_version)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	subscription_id      TEXT PRIMARY KEY,
	last_global_position BIGINT NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id                BIGSERIAL PRIMARY KEY,
	subscription_id   TEXT NOT NULL,
	event_id          TEXT NOT NULL,
	aggregate_id      TEXT NOT NULL,
	aggregate_type    TEXT NOT NULL,
	event_type        TEXT NOT NULL,
	global_position   BIGINT NOT NULL,
	payload           BYTEA NOT NULL,
	payload_encoding  TEXT NOT NULL,
	failure_reason    TEXT NOT NULL,
	failed_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);
`
