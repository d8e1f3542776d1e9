package recorder

import (
	"context"

	"MarketCrawler/internal/model"
)

// NoopStore is used when database storage is disabled; only audit files are written.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (n *NoopStore) Upsert(_ context.Context, _ model.Record) error        { return nil }
func (n *NoopStore) RecordRun(_ context.Context, _ *model.RunReport) error { return nil }
func (n *NoopStore) Name() string                                          { return "noop" }
func (n *NoopStore) Close() error                                          { return nil }
