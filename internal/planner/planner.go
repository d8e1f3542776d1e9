package planner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"MarketCrawler/internal/model"
)

// ErrPlanning is the parent of every planning error; a run that fails to
// plan never starts.
var ErrPlanning = errors.New("planning error")

var (
	ErrInvalidRange   = fmt.Errorf("%w: end date before start date", ErrPlanning)
	ErrEmptyEntitySet = fmt.Errorf("%w: empty entity set", ErrPlanning)
)

// Plan expands entity ids and an inclusive date range into fetch tasks.
// Tasks are grouped by entity in first-seen order, dates ascending within
// each entity. Blank and duplicate ids are dropped.
func Plan(entityIDs []string, start, end time.Time) ([]model.FetchTask, error) {
	ids := normalize(entityIDs)
	if len(ids) == 0 {
		return nil, ErrEmptyEntitySet
	}
	start, end = model.TruncateDate(start), model.TruncateDate(end)
	if end.Before(start) {
		return nil, fmt.Errorf("%w (%s > %s)", ErrInvalidRange, model.FormatDate(start), model.FormatDate(end))
	}

	days := Days(start, end)
	tasks := make([]model.FetchTask, 0, len(ids)*days)
	for _, id := range ids {
		for i := 0; i < days; i++ {
			tasks = append(tasks, model.NewFetchTask(id, start.AddDate(0, 0, i)))
		}
	}
	return tasks, nil
}

// PlanStrings is Plan over DD-MM-YYYY date strings. An empty end means a
// single-day range.
func PlanStrings(entityIDs []string, start, end string) ([]model.FetchTask, error) {
	s, e, err := ParseRange(start, end)
	if err != nil {
		return nil, err
	}
	return Plan(entityIDs, s, e)
}

// ParseRange parses DD-MM-YYYY bounds. An empty end yields end == start.
func ParseRange(start, end string) (time.Time, time.Time, error) {
	s, err := model.ParseDate(start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start date %q: %v", ErrPlanning, start, err)
	}
	e := s
	if strings.TrimSpace(end) != "" {
		if e, err = model.ParseDate(end); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: end date %q: %v", ErrPlanning, end, err)
		}
	}
	return s, e, nil
}

// Days counts calendar days in [start, end], both ends included.
func Days(start, end time.Time) int {
	start, end = model.TruncateDate(start), model.TruncateDate(end)
	if end.Before(start) {
		return 0
	}
	// Dates are UTC midnights, so the difference is an exact multiple of 24h.
	return int(end.Sub(start)/(24*time.Hour)) + 1
}

func normalize(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
