package collector

import (
	"context"
	"fmt"

	"MarketCrawler/internal/model"
)

// Fetcher retrieves the raw history payload for one task.
type Fetcher interface {
	Fetch(ctx context.Context, task model.FetchTask) (*model.Payload, error)
	Name() string
}

// FetchError describes a failed fetch. Retryable is false for permanent
// failures and once the retry budget is spent (Exhausted).
type FetchError struct {
	RequestKey string
	StatusCode int
	Retryable  bool
	Exhausted  bool
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Exhausted:
		return fmt.Sprintf("fetch %s: retries exhausted after %d attempts: %v", e.RequestKey, e.Attempts, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: status %d: %v", e.RequestKey, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %v", e.RequestKey, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// classifyStatus maps an HTTP status to (ok, retryable).
func classifyStatus(code int) (ok, retryable bool) {
	switch {
	case code >= 200 && code < 300:
		return true, false
	case code == 429 || code >= 500:
		return false, true
	default:
		return false, false
	}
}

type retryGateKey struct{}

// WithRetryGate attaches gate to ctx. Once gate is done a fetcher makes no
// further attempts, while a request already sent keeps running under ctx.
func WithRetryGate(ctx, gate context.Context) context.Context {
	return context.WithValue(ctx, retryGateKey{}, gate)
}

// retryContext is ctx, also cancelled when the retry gate of ctx is done.
func retryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	gate, ok := ctx.Value(retryGateKey{}).(context.Context)
	if !ok || gate == nil {
		return ctx, func() {}
	}
	rctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(gate, cancel)
	return rctx, func() {
		stop()
		cancel()
	}
}
