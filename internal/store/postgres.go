package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agridata/mandisync/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock implements it,
// which keeps the Postgres store testable without a live database.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests.
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS mandi_prices (
	id          BIGSERIAL PRIMARY KEY,
	crop        TEXT NOT NULL,
	variety     TEXT NOT NULL DEFAULT 'All',
	market      TEXT NOT NULL,
	state       TEXT NOT NULL,
	price_date  DATE NOT NULL,
	min_price   NUMERIC(12,2) NOT NULL,
	max_price   NUMERIC(12,2) NOT NULL,
	modal_price NUMERIC(12,2) NOT NULL,
	unit        TEXT NOT NULL DEFAULT 'Quintal',
	source_ref  TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT ux_mandi_prices_natural_key UNIQUE (crop, variety, market, price_date)
);

CREATE TABLE IF NOT EXISTS ingestion_runs (
	id           TEXT PRIMARY KEY,
	trigger_kind TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ,
	requested    INTEGER NOT NULL DEFAULT 0,
	fetched      INTEGER NOT NULL DEFAULT 0,
	normalized   INTEGER NOT NULL DEFAULT 0,
	inserted     INTEGER NOT NULL DEFAULT 0,
	updated      INTEGER NOT NULL DEFAULT 0,
	rejected     INTEGER NOT NULL DEFAULT 0,
	pages        INTEGER NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE TABLE IF NOT EXISTS ingestion_rejects (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES ingestion_runs(id),
	reason     TEXT NOT NULL,
	field      TEXT,
	raw        JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// secondaryIndexes covers the common query shapes: price lookups by
// crop+state, market, state or crop+variety over a date range, and
// recent-runs listings. The crop+state index also serves crop-only queries.
var secondaryIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_mandi_prices_crop_state_date ON mandi_prices(crop, state, price_date DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_mandi_prices_market_date ON mandi_prices(market, price_date DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_mandi_prices_state_date ON mandi_prices(state, price_date DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_mandi_prices_crop_variety_date ON mandi_prices(crop, variety, price_date DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_ingestion_runs_started_at ON ingestion_runs(started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_ingestion_rejects_run_id ON ingestion_rejects(run_id)`,
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// EnsureIndexes creates secondary indexes if missing. Index creation failures
// are logged and skipped; queries still work without them.
func (s *PostgresStore) EnsureIndexes(ctx context.Context) error {
	for _, ddl := range secondaryIndexes {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			zap.L().Warn("index creation failed",
				zap.String("ddl", ddl),
				zap.Error(err))
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// upsertPriceSQL writes one canonical record. The natural key is
// (crop, variety, market, price_date); re-ingesting the same day updates
// prices in place. xmax = 0 distinguishes a fresh insert from an update.
const upsertPriceSQL = `
INSERT INTO mandi_prices
	(crop, variety, market, state, price_date, min_price, max_price, modal_price, unit, source_ref, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
ON CONFLICT (crop, variety, market, price_date) DO UPDATE SET
	state = EXCLUDED.state,
	min_price = EXCLUDED.min_price,
	max_price = EXCLUDED.max_price,
	modal_price = EXCLUDED.modal_price,
	unit = EXCLUDED.unit,
	source_ref = EXCLUDED.source_ref,
	updated_at = now()
RETURNING (xmax = 0)`

func upsertArgs(r model.PriceRecord) []any {
	return []any{
		r.Crop, r.Variety, r.Market, r.State, r.PriceDate,
		r.MinPrice, r.MaxPrice, r.ModalPrice, r.Unit, r.SourceRef,
	}
}

// UpsertPrices writes records in chunks of at most MaxBatchSize, each chunk
// as one pipelined batch. A chunk that fails on a lock or serialization
// conflict is retried row by row; rows that still fail are counted in
// Failed rather than aborting the whole call.
func (s *PostgresStore) UpsertPrices(ctx context.Context, records []model.PriceRecord) (UpsertResult, error) {
	var total UpsertResult
	for _, part := range chunk(records) {
		res, err := s.upsertBatch(ctx, part)
		if err != nil {
			if !isWriteConflict(err) {
				return total, err
			}
			// The implicit batch transaction rolled back, so the chunk
			// can be replayed row by row without double counting.
			res, err = s.upsertRows(ctx, part)
			if err != nil {
				return total, err
			}
		}
		total.Add(res)
	}
	return total, nil
}

func (s *PostgresStore) upsertBatch(ctx context.Context, records []model.PriceRecord) (UpsertResult, error) {
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(upsertPriceSQL, upsertArgs(r)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var res UpsertResult
	for range records {
		var inserted bool
		if err := br.QueryRow().Scan(&inserted); err != nil {
			return UpsertResult{}, eris.Wrap(err, "postgres: upsert batch")
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

func (s *PostgresStore) upsertRows(ctx context.Context, records []model.PriceRecord) (UpsertResult, error) {
	var res UpsertResult
	for _, r := range records {
		inserted, err := s.upsertRow(ctx, r)
		if err != nil && isWriteConflict(err) {
			inserted, err = s.upsertRow(ctx, r)
		}
		if err != nil {
			if !isWriteConflict(err) {
				return res, eris.Wrap(err, "postgres: upsert row")
			}
			zap.L().Warn("record dropped after conflict retry",
				zap.String("key", r.Key().String()),
				zap.Error(err))
			res.Failed++
			continue
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

func (s *PostgresStore) upsertRow(ctx context.Context, r model.PriceRecord) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, upsertPriceSQL, upsertArgs(r)...).Scan(&inserted)
	return inserted, err
}

// isWriteConflict reports whether err is a transient row-level conflict
// (serialization failure, deadlock, lock timeout) worth one retry.
func isWriteConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

const runColumns = `id, trigger_kind, status, started_at, finished_at,
	requested, fetched, normalized, inserted, updated, rejected, pages, error`

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.IngestionRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingestion_runs (id, trigger_kind, status, started_at, requested)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(run.Trigger), string(run.Status), run.StartedAt, run.Counters.Requested,
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) CompleteRun(ctx context.Context, run *model.IngestionRun) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_runs SET
			status = $1, finished_at = $2,
			requested = $3, fetched = $4, normalized = $5,
			inserted = $6, updated = $7, rejected = $8, pages = $9,
			error = $10
		 WHERE id = $11`,
		string(run.Status), run.FinishedAt,
		run.Counters.Requested, run.Counters.Fetched, run.Counters.Normalized,
		run.Counters.Inserted, run.Counters.Updated, run.Counters.Rejected, run.Counters.Pages,
		nullIfEmpty(run.Error), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.IngestionRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM ingestion_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.IngestionRun, error) {
	query := `SELECT ` + runColumns + ` FROM ingestion_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Trigger != "" {
		query += fmt.Sprintf(` AND trigger_kind = $%d`, argIdx)
		args = append(args, string(filter.Trigger))
		argIdx++
	}
	if !filter.StartedAfter.IsZero() {
		query += fmt.Sprintf(` AND started_at > $%d`, argIdx)
		args = append(args, filter.StartedAfter)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.IngestionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) LastSuccess(ctx context.Context) (*time.Time, error) {
	var finished time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT finished_at FROM ingestion_runs
		 WHERE status = $1 AND finished_at IS NOT NULL
		 ORDER BY finished_at DESC LIMIT 1`,
		string(model.RunStatusSucceeded),
	).Scan(&finished)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: last success")
	}
	return &finished, nil
}

func (s *PostgresStore) AddRejects(ctx context.Context, runID string, rejects []RejectRow) error {
	if len(rejects) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rej := range rejects {
		batch.Queue(
			`INSERT INTO ingestion_rejects (run_id, reason, field, raw) VALUES ($1, $2, $3, $4)`,
			runID, rej.Reason, nullIfEmpty(rej.Field), []byte(rej.Raw),
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rejects {
		if _, err := br.Exec(); err != nil {
			return eris.Wrap(err, "postgres: add rejects")
		}
	}
	return nil
}

// scannable is satisfied by both pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.IngestionRun, error) {
	var (
		run        model.IngestionRun
		finishedAt *time.Time
		errMsg     *string
	)
	err := row.Scan(
		&run.ID, &run.Trigger, &run.Status, &run.StartedAt, &finishedAt,
		&run.Counters.Requested, &run.Counters.Fetched, &run.Counters.Normalized,
		&run.Counters.Inserted, &run.Counters.Updated, &run.Counters.Rejected,
		&run.Counters.Pages, &errMsg,
	)
	if err != nil {
		return nil, err
	}
	run.FinishedAt = finishedAt
	if errMsg != nil {
		run.Error = *errMsg
	}
	return &run, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
