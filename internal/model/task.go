package model

import (
	"strings"
	"time"
)

// DateFormat is the canonical DD-MM-YYYY layout used by the history API,
// request keys and audit filenames.
const DateFormat = "02-01-2006"

// FetchTask is one (entity, date) unit of work.
type FetchTask struct {
	EntityID   string
	Date       time.Time
	RequestKey string
}

// NewFetchTask builds a task, truncating the date to midnight UTC.
func NewFetchTask(entityID string, date time.Time) FetchTask {
	d := TruncateDate(date)
	return FetchTask{
		EntityID:   entityID,
		Date:       d,
		RequestKey: RequestKey(entityID, d),
	}
}

// RequestKey returns the idempotency key for an (entity, date) pair.
func RequestKey(entityID string, date time.Time) string {
	return entityID + "|" + FormatDate(date)
}

// SplitRequestKey is the inverse of RequestKey.
func SplitRequestKey(key string) (entityID string, date time.Time, ok bool) {
	id, ds, found := strings.Cut(key, "|")
	if !found || id == "" {
		return "", time.Time{}, false
	}
	d, err := ParseDate(ds)
	if err != nil {
		return "", time.Time{}, false
	}
	return id, d, true
}

// FormatDate renders a date in DateFormat.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateFormat)
}

// ParseDate parses a DateFormat string as a UTC calendar date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateFormat, strings.TrimSpace(s), time.UTC)
}

// TruncateDate drops the clock part, keeping the calendar date in UTC.
func TruncateDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
