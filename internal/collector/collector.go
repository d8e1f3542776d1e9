package collector

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"time"

	"MarketCrawler/internal/model"
)

// MockFetcher returns synthetic history payloads for offline development.
type MockFetcher struct {
	// BasePrice is the price around which per-day values are generated.
	BasePrice float64
	Latency   time.Duration
}

func (m *MockFetcher) Name() string { return "mock" }

// Fetch builds a deterministic payload in the CoinGecko history shape.
func (m *MockFetcher) Fetch(ctx context.Context, task model.FetchTask) (*model.Payload, error) {
	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, &FetchError{RequestKey: task.RequestKey, Retryable: true, Err: ctx.Err()}
		case <-time.After(m.Latency):
		}
	}
	body := fmt.Sprintf(`{"id":%q,"market_data":{"current_price":{"usd":%.2f}}}`,
		task.EntityID, mockPrice(m.BasePrice, task))
	return &model.Payload{
		Task:       task,
		StatusCode: 200,
		Body:       []byte(body),
		Attempts:   1,
		Latency:    m.Latency,
	}, nil
}

func mockPrice(base float64, task model.FetchTask) float64 {
	if base == 0 {
		base = 1000
	}
	h := fnv.New32a()
	h.Write([]byte(task.RequestKey))
	// +-5% around base
	return base * (1 + (float64(h.Sum32()%1000)-500)/10000)
}

func logRetry(err *FetchError, attempt, total int, delay time.Duration) {
	log.Printf("[WARN] fetch %s failed (attempt %d/%d, status %d): %v, retrying in %v",
		err.RequestKey, attempt, total, err.StatusCode, err.Err, delay)
}
