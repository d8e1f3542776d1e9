package recorder

import (
	"context"
	"fmt"
	"log"

	"MarketCrawler/internal/model"
	"MarketCrawler/internal/retry"
)

// Store is the durable record table. Upsert must replace any existing row
// with the same (entity, date) in a single atomic statement.
type Store interface {
	Upsert(ctx context.Context, rec model.Record) error
	RecordRun(ctx context.Context, report *model.RunReport) error
	Name() string
	Close() error
}

// PersistError is returned when a record could not be stored.
type PersistError struct {
	RequestKey string
	Stage      string // "audit" or "store"
	Attempts   int
	Err        error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s (%s, %d attempts): %v", e.RequestKey, e.Stage, e.Attempts, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Sink writes the audit artifact, then upserts into the store with retry.
type Sink struct {
	Audit *AuditWriter
	Store Store
	Retry retry.Policy
}

// NewSink creates a Sink. A nil store means JSON-only persistence.
func NewSink(audit *AuditWriter, store Store, policy retry.Policy) *Sink {
	if store == nil {
		store = NewNoopStore()
	}
	return &Sink{Audit: audit, Store: store, Retry: policy}
}

// Persist stores one record. If the upsert keeps failing the audit file,
// already written, stays behind as the only trace of the fetch.
func (s *Sink) Persist(ctx context.Context, rec model.Record) error {
	key := rec.RequestKey()
	if s.Audit != nil {
		if err := s.Audit.Write(rec); err != nil {
			return &PersistError{RequestKey: key, Stage: "audit", Attempts: 1, Err: err}
		}
	}
	attempts, err := s.Retry.Do(ctx, func(attempt int) error {
		err := s.Store.Upsert(ctx, rec)
		if err != nil && attempt < s.Retry.MaxRetries {
			log.Printf("[WARN] upsert %s failed (attempt %d/%d): %v", key, attempt+1, s.Retry.MaxRetries+1, err)
		}
		return err
	})
	if err != nil {
		return &PersistError{RequestKey: key, Stage: "store", Attempts: attempts, Err: err}
	}
	return nil
}

// RecordRun stores the report in the store and, if configured, next to the
// audit files.
func (s *Sink) RecordRun(ctx context.Context, report *model.RunReport) error {
	if s.Audit != nil {
		if err := s.Audit.WriteReport(report); err != nil {
			return fmt.Errorf("write report file: %w", err)
		}
	}
	if err := s.Store.RecordRun(ctx, report); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// LatestReport returns the most recently recorded run, or nil if none.
func (s *Sink) LatestReport() (*model.RunReport, error) {
	if s.Audit == nil {
		return nil, nil
	}
	return s.Audit.LatestReport()
}

// Close closes the underlying store.
func (s *Sink) Close() error {
	return s.Store.Close()
}
