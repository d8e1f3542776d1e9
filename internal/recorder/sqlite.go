package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"MarketCrawler/internal/model"

	_ "modernc.org/sqlite"
)

// sqliteDate is the layout of the date column; ISO dates sort and work with
// SQLite's date functions.
const sqliteDate = "2006-01-02"

// SQLiteStore persists records to a SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the SQLite database and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode so readers (forecasting, read API) don't block the crawler.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Printf("[INFO] sqlite store opened: %s", dbPath)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS coingecko_scraped_data (
			coin_id       TEXT    NOT NULL,
			date          TEXT    NOT NULL,
			usd_price     REAL    NOT NULL,
			full_response TEXT,
			fetched_at    INTEGER NOT NULL,
			PRIMARY KEY (coin_id, date)
		)`,

		`CREATE TABLE IF NOT EXISTS crawl_runs (
			run_id          TEXT PRIMARY KEY,
			started_at      INTEGER NOT NULL,
			finished_at     INTEGER NOT NULL,
			planned         INTEGER,
			succeeded       INTEGER,
			parse_failed    INTEGER,
			fetch_failed    INTEGER,
			fetch_exhausted INTEGER,
			persisted       INTEGER,
			persist_failed  INTEGER,
			cancelled       INTEGER,
			failed_keys     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON crawl_runs(started_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

// Upsert inserts the record or replaces the row with the same (coin_id, date).
func (s *SQLiteStore) Upsert(ctx context.Context, rec model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO coingecko_scraped_data
		(coin_id, date, usd_price, full_response, fetched_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(coin_id, date) DO UPDATE SET
			usd_price     = excluded.usd_price,
			full_response = excluded.full_response,
			fetched_at    = excluded.fetched_at`,
		rec.EntityID, rec.Date.UTC().Format(sqliteDate), rec.Value,
		string(rec.RawPayload), rec.FetchedAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) RecordRun(ctx context.Context, r *model.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := json.Marshal(r.FailedKeys)
	if err != nil {
		return fmt.Errorf("marshal failed keys: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO crawl_runs
		(run_id, started_at, finished_at, planned, succeeded, parse_failed, fetch_failed,
		 fetch_exhausted, persisted, persist_failed, cancelled, failed_keys)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.RunID, r.StartedAt.Unix(), r.FinishedAt.Unix(), r.Planned, r.Succeeded,
		r.ParseFailed, r.FetchFailed, r.FetchExhausted, r.Persisted, r.PersistFailed,
		r.Cancelled, string(keys),
	)
	return err
}

// Lookup returns the stored record for (entityID, date).
func (s *SQLiteStore) Lookup(ctx context.Context, entityID string, date time.Time) (model.Record, bool, error) {
	var (
		ds      string
		raw     sql.NullString
		fetched int64
		rec     = model.Record{EntityID: entityID}
	)
	err := s.db.QueryRowContext(ctx, `SELECT date, usd_price, full_response, fetched_at
		FROM coingecko_scraped_data WHERE coin_id = ? AND date = ?`,
		entityID, date.UTC().Format(sqliteDate),
	).Scan(&ds, &rec.Value, &raw, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, err
	}
	if rec.Date, err = time.ParseInLocation(sqliteDate, ds, time.UTC); err != nil {
		return model.Record{}, false, fmt.Errorf("parse stored date %q: %w", ds, err)
	}
	rec.RawPayload = json.RawMessage(raw.String)
	rec.FetchedAt = time.UnixMilli(fetched).UTC()
	return rec, true, nil
}

// Count returns the number of stored records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM coingecko_scraped_data`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close() error {
	log.Println("[INFO] closing sqlite store")
	return s.db.Close()
}
