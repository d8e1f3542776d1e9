package model

// OutcomeKind tags a FetchOutcome.
type OutcomeKind string

const (
	OutcomeSuccess      OutcomeKind = "success"
	OutcomeParseFailure OutcomeKind = "parse_failure"
	OutcomeFetchFailure OutcomeKind = "fetch_failure"
)

// FetchOutcome is the result of fetching and parsing one task.
// Record is set only for OutcomeSuccess.
type FetchOutcome struct {
	RequestKey string
	Kind       OutcomeKind
	Record     *Record
	Reason     string
	// Retryable is false for permanent failures and for retryable
	// failures whose retry budget ran out (Exhausted).
	Retryable bool
	Exhausted bool
	Attempts  int
}

// Success wraps a parsed record.
func Success(rec Record, attempts int) FetchOutcome {
	return FetchOutcome{
		RequestKey: rec.RequestKey(),
		Kind:       OutcomeSuccess,
		Record:     &rec,
		Attempts:   attempts,
	}
}

// ParseFailure builds a parse failure outcome.
func ParseFailure(key, reason string, attempts int) FetchOutcome {
	return FetchOutcome{RequestKey: key, Kind: OutcomeParseFailure, Reason: reason, Attempts: attempts}
}

// FetchFailure builds a fetch failure outcome.
func FetchFailure(key, reason string, retryable, exhausted bool, attempts int) FetchOutcome {
	return FetchOutcome{
		RequestKey: key,
		Kind:       OutcomeFetchFailure,
		Reason:     reason,
		Retryable:  retryable,
		Exhausted:  exhausted,
		Attempts:   attempts,
	}
}
