package recorder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"MarketCrawler/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records to PostgreSQL through a shared pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and migrates.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Println("[INFO] postgres store connected")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS coingecko_scraped_data (
			coin_id       VARCHAR(64) NOT NULL,
			date          DATE        NOT NULL,
			usd_price     DOUBLE PRECISION NOT NULL,
			full_response JSONB,
			fetched_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (coin_id, date)
		)`,
		`CREATE TABLE IF NOT EXISTS crawl_runs (
			run_id          UUID PRIMARY KEY,
			started_at      TIMESTAMPTZ NOT NULL,
			finished_at     TIMESTAMPTZ NOT NULL,
			planned         INTEGER,
			succeeded       INTEGER,
			parse_failed    INTEGER,
			fetch_failed    INTEGER,
			fetch_exhausted INTEGER,
			persisted       INTEGER,
			persist_failed  INTEGER,
			cancelled       INTEGER,
			failed_keys     TEXT[]
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

func (s *PostgresStore) Name() string { return "postgres" }

// Upsert inserts the record or replaces the row with the same (coin_id, date).
func (s *PostgresStore) Upsert(ctx context.Context, rec model.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO coingecko_scraped_data (coin_id, date, usd_price, full_response, fetched_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (coin_id, date) DO UPDATE SET
			usd_price = EXCLUDED.usd_price,
			full_response = EXCLUDED.full_response,
			fetched_at = EXCLUDED.fetched_at
	`, rec.EntityID, rec.Date.UTC(), rec.Value, string(rec.RawPayload), rec.FetchedAt.UTC())
	return err
}

func (s *PostgresStore) RecordRun(ctx context.Context, r *model.RunReport) error {
	keys := r.FailedKeys
	if keys == nil {
		keys = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crawl_runs (run_id, started_at, finished_at, planned, succeeded, parse_failed,
			fetch_failed, fetch_exhausted, persisted, persist_failed, cancelled, failed_keys)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id) DO NOTHING
	`, r.RunID, r.StartedAt, r.FinishedAt, r.Planned, r.Succeeded, r.ParseFailed,
		r.FetchFailed, r.FetchExhausted, r.Persisted, r.PersistFailed, r.Cancelled, keys)
	return err
}

// Lookup returns the stored record for (entityID, date).
func (s *PostgresStore) Lookup(ctx context.Context, entityID string, date time.Time) (model.Record, bool, error) {
	rec := model.Record{EntityID: entityID}
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT date, usd_price, full_response, fetched_at
		FROM coingecko_scraped_data WHERE coin_id = $1 AND date = $2
	`, entityID, date.UTC()).Scan(&rec.Date, &rec.Value, &raw, &rec.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, err
	}
	rec.Date = model.TruncateDate(rec.Date)
	rec.RawPayload = raw
	return rec, true, nil
}

func (s *PostgresStore) Close() error {
	log.Println("[INFO] closing postgres store")
	s.pool.Close()
	return nil
}
