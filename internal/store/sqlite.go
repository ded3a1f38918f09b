package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/agridata/mandisync/internal/model"
)

// SQLiteStore implements Store using an embedded SQLite database. It is the
// zero-infrastructure option for local development and one-off backfills.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite database at the given path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: %s", pragma)
		}
	}

	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS mandi_prices (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	crop        TEXT NOT NULL,
	variety     TEXT NOT NULL DEFAULT 'All',
	market      TEXT NOT NULL,
	state       TEXT NOT NULL,
	price_date  TEXT NOT NULL,
	min_price   REAL NOT NULL,
	max_price   REAL NOT NULL,
	modal_price REAL NOT NULL,
	unit        TEXT NOT NULL DEFAULT 'Quintal',
	source_ref  TEXT,
	created_at  TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at  TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE (crop, variety, market, price_date)
);

CREATE TABLE IF NOT EXISTS ingestion_runs (
	id           TEXT PRIMARY KEY,
	trigger_kind TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TIMESTAMP NOT NULL,
	finished_at  TIMESTAMP,
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
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL REFERENCES ingestion_runs(id),
	reason     TEXT NOT NULL,
	field      TEXT,
	raw        TEXT,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

var sqliteIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_mandi_prices_crop_state_date ON mandi_prices(crop, state, price_date)`,
	`CREATE INDEX IF NOT EXISTS idx_mandi_prices_market_date ON mandi_prices(market, price_date)`,
	`CREATE INDEX IF NOT EXISTS idx_mandi_prices_state_date ON mandi_prices(state, price_date)`,
	`CREATE INDEX IF NOT EXISTS idx_mandi_prices_crop_variety_date ON mandi_prices(crop, variety, price_date)`,
	`CREATE INDEX IF NOT EXISTS idx_ingestion_runs_started_at ON ingestion_runs(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_ingestion_rejects_run_id ON ingestion_rejects(run_id)`,
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) EnsureIndexes(ctx context.Context) error {
	for _, ddl := range sqliteIndexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			zap.L().Warn("index creation failed",
				zap.String("ddl", ddl),
				zap.Error(err))
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

// sqliteDate stores price dates as ISO strings so the unique constraint and
// range scans behave the same as the Postgres DATE column.
func sqliteDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// UpsertPrices writes each chunk inside one transaction. SQLite has no
// xmax equivalent, so insert-versus-update is decided by checking for the
// natural key before writing, which the transaction keeps race free.
func (s *SQLiteStore) UpsertPrices(ctx context.Context, records []model.PriceRecord) (UpsertResult, error) {
	var total UpsertResult
	for _, part := range chunk(records) {
		res, err := s.upsertTx(ctx, part)
		if err != nil {
			return total, err
		}
		total.Add(res)
	}
	return total, nil
}

func (s *SQLiteStore) upsertTx(ctx context.Context, records []model.PriceRecord) (UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback()

	var res UpsertResult
	for _, r := range records {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(
				SELECT 1 FROM mandi_prices
				WHERE crop = ? AND variety = ? AND market = ? AND price_date = ?)`,
			r.Crop, r.Variety, r.Market, sqliteDate(r.PriceDate),
		).Scan(&exists)
		if err != nil {
			return UpsertResult{}, eris.Wrap(err, "sqlite: upsert lookup")
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO mandi_prices
				(crop, variety, market, state, price_date, min_price, max_price, modal_price, unit, source_ref, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
			 ON CONFLICT (crop, variety, market, price_date) DO UPDATE SET
				state = excluded.state,
				min_price = excluded.min_price,
				max_price = excluded.max_price,
				modal_price = excluded.modal_price,
				unit = excluded.unit,
				source_ref = excluded.source_ref,
				updated_at = datetime('now')`,
			r.Crop, r.Variety, r.Market, r.State, sqliteDate(r.PriceDate),
			r.MinPrice, r.MaxPrice, r.ModalPrice, r.Unit, r.SourceRef,
		)
		if err != nil {
			return UpsertResult{}, eris.Wrap(err, "sqlite: upsert price")
		}

		if exists {
			res.Updated++
		} else {
			res.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, eris.Wrap(err, "sqlite: commit upsert")
	}
	return res, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.IngestionRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_runs (id, trigger_kind, status, started_at, requested)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(run.Trigger), string(run.Status), run.StartedAt.UTC(), run.Counters.Requested,
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, run *model.IngestionRun) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_runs SET
			status = ?, finished_at = ?,
			requested = ?, fetched = ?, normalized = ?,
			inserted = ?, updated = ?, rejected = ?, pages = ?,
			error = ?
		 WHERE id = ?`,
		string(run.Status), run.FinishedAt,
		run.Counters.Requested, run.Counters.Fetched, run.Counters.Normalized,
		run.Counters.Inserted, run.Counters.Updated, run.Counters.Rejected, run.Counters.Pages,
		nullIfEmpty(run.Error), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", run.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("run not found: %s", run.ID)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.IngestionRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM ingestion_runs WHERE id = ?`, runID)
	run, err := scanSQLiteRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.IngestionRun, error) {
	query := `SELECT ` + runColumns + ` FROM ingestion_runs WHERE true`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Trigger != "" {
		query += ` AND trigger_kind = ?`
		args = append(args, string(filter.Trigger))
	}
	if !filter.StartedAfter.IsZero() {
		query += ` AND started_at > ?`
		args = append(args, filter.StartedAfter.UTC())
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.IngestionRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) LastSuccess(ctx context.Context) (*time.Time, error) {
	var finished time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT finished_at FROM ingestion_runs
		 WHERE status = ? AND finished_at IS NOT NULL
		 ORDER BY finished_at DESC LIMIT 1`,
		string(model.RunStatusSucceeded),
	).Scan(&finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: last success")
	}
	return &finished, nil
}

func (s *SQLiteStore) AddRejects(ctx context.Context, runID string, rejects []RejectRow) error {
	if len(rejects) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin rejects")
	}
	defer tx.Rollback()

	for _, rej := range rejects {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ingestion_rejects (run_id, reason, field, raw) VALUES (?, ?, ?, ?)`,
			runID, rej.Reason, nullIfEmpty(rej.Field), string(rej.Raw),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: add reject")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit rejects")
}

func scanSQLiteRun(row scannable) (*model.IngestionRun, error) {
	var (
		run        model.IngestionRun
		trigger    string
		status     string
		finishedAt sql.NullTime
		errMsg     sql.NullString
	)
	err := row.Scan(
		&run.ID, &trigger, &status, &run.StartedAt, &finishedAt,
		&run.Counters.Requested, &run.Counters.Fetched, &run.Counters.Normalized,
		&run.Counters.Inserted, &run.Counters.Updated, &run.Counters.Rejected,
		&run.Counters.Pages, &errMsg,
	)
	if err != nil {
		return nil, err
	}
	run.Trigger = model.Trigger(trigger)
	run.Status = model.RunStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	return &run, nil
}
