package model

import (
	"encoding/json"
	"time"
)

// Payload is the raw body of a successful history request.
type Payload struct {
	Task       FetchTask
	StatusCode int
	Body       []byte
	Attempts   int
	Latency    time.Duration
}

// Record is one stored value, keyed by (EntityID, Date).
type Record struct {
	EntityID   string
	Date       time.Time
	Value      float64
	RawPayload json.RawMessage
	FetchedAt  time.Time
}

// RequestKey returns the idempotency key of the record.
func (r Record) RequestKey() string {
	return RequestKey(r.EntityID, r.Date)
}
