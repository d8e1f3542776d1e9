package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"MarketCrawler/internal/governor"
	"MarketCrawler/internal/model"
	"MarketCrawler/internal/retry"
)

func testTask(t *testing.T) model.FetchTask {
	t.Helper()
	d, err := model.ParseDate("15-12-2022")
	if err != nil {
		t.Fatal(err)
	}
	return model.NewFetchTask("bitcoin", d)
}

func noSleep(context.Context, time.Duration) error { return nil }

// statusSequence serves the given statuses in order, repeating the last one.
func statusSequence(statuses ...int) (http.Handler, *atomic.Int64) {
	var hits atomic.Int64
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		w.WriteHeader(statuses[n])
		if statuses[n] == http.StatusOK {
			w.Write([]byte(`{"market_data":{"current_price":{"usd":17000}}}`))
		}
	}), &hits
}

func TestFetch_RequestShape(t *testing.T) {
	var gotPath, gotQuery, gotAccept, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		gotAccept, gotUA = r.Header.Get("Accept"), r.Header.Get("User-Agent")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := NewCoinGeckoFetcher(Options{BaseURL: srv.URL + "/"})
	p, err := f.Fetch(context.Background(), testTask(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/coins/bitcoin/history" || gotQuery != "date=15-12-2022" {
		t.Errorf("unexpected request %s?%s", gotPath, gotQuery)
	}
	if gotAccept != "application/json" {
		t.Errorf("unexpected Accept %q", gotAccept)
	}
	if gotUA != DefaultUserAgent {
		t.Errorf("unexpected User-Agent %q", gotUA)
	}
	if p.Attempts != 1 || p.Task.RequestKey != "bitcoin|15-12-2022" {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestFetch_RetriesThenSucceeds(t *testing.T) {
	h, hits := statusSequence(http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusOK)
	srv := httptest.NewServer(h)
	defer srv.Close()

	gov := governor.New(governor.Config{MaxConcurrency: 1})
	var heldWhileSleeping []int
	f := NewCoinGeckoFetcher(Options{
		BaseURL:  srv.URL,
		Governor: gov,
		Retry: retry.Policy{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   time.Minute,
			Sleep: func(_ context.Context, _ time.Duration) error {
				heldWhileSleeping = append(heldWhileSleeping, gov.InFlight())
				return nil
			},
		},
	})

	p, err := f.Fetch(context.Background(), testTask(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", p.Attempts)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", hits.Load())
	}
	if len(heldWhileSleeping) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(heldWhileSleeping))
	}
	for i, n := range heldWhileSleeping {
		if n != 0 {
			t.Errorf("sleep %d: %d permits held during backoff", i, n)
		}
	}
	if gov.Issued() != 3 {
		t.Errorf("expected 3 permits issued, got %d", gov.Issued())
	}
}

func TestFetch_ExhaustsOnPersistent500(t *testing.T) {
	h, hits := statusSequence(http.StatusInternalServerError)
	srv := httptest.NewServer(h)
	defer srv.Close()

	f := NewCoinGeckoFetcher(Options{
		BaseURL: srv.URL,
		Retry:   retry.Policy{MaxRetries: 2, Sleep: noSleep},
	})
	_, err := f.Fetch(context.Background(), testTask(t))

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if !fe.Exhausted || fe.Retryable {
		t.Errorf("expected exhausted non-retryable failure, got %+v", fe)
	}
	if fe.Attempts != 3 || hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d (hits %d)", fe.Attempts, hits.Load())
	}
	if fe.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected last status 500, got %d", fe.StatusCode)
	}
}

func TestFetch_PermanentOn404(t *testing.T) {
	h, hits := statusSequence(http.StatusNotFound)
	srv := httptest.NewServer(h)
	defer srv.Close()

	f := NewCoinGeckoFetcher(Options{
		BaseURL: srv.URL,
		Retry:   retry.Policy{MaxRetries: 5, Sleep: noSleep},
	})
	_, err := f.Fetch(context.Background(), testTask(t))

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Retryable || fe.Exhausted {
		t.Errorf("expected permanent failure, got %+v", fe)
	}
	if hits.Load() != 1 {
		t.Errorf("expected a single request, got %d", hits.Load())
	}
}

func TestFetch_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(200 * time.Millisecond):
		}
	}))
	defer srv.Close()

	f := NewCoinGeckoFetcher(Options{
		BaseURL: srv.URL,
		Timeout: 20 * time.Millisecond,
		Retry:   retry.Policy{MaxRetries: 1, Sleep: noSleep},
	})
	_, err := f.Fetch(context.Background(), testTask(t))

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if !fe.Exhausted || fe.Attempts != 2 {
		t.Errorf("expected timeout to be retried until exhausted, got %+v", fe)
	}
}

func TestFetch_ClosedRetryGateStopsRetries(t *testing.T) {
	h, hits := statusSequence(http.StatusInternalServerError, http.StatusOK)
	srv := httptest.NewServer(h)
	defer srv.Close()

	gate, closeGate := context.WithCancel(context.Background())
	closeGate()
	f := NewCoinGeckoFetcher(Options{BaseURL: srv.URL, Retry: retry.Policy{MaxRetries: 3, Sleep: noSleep}})
	_, err := f.Fetch(WithRetryGate(context.Background(), gate), testTask(t))

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if !fe.Retryable || fe.Exhausted || fe.Attempts != 1 {
		t.Errorf("expected one retryable attempt, got %+v", fe)
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 request, got %d", hits.Load())
	}
}

func TestMockFetcher_Deterministic(t *testing.T) {
	m := &MockFetcher{BasePrice: 17000}
	a, _ := m.Fetch(context.Background(), testTask(t))
	b, _ := m.Fetch(context.Background(), testTask(t))
	if string(a.Body) != string(b.Body) {
		t.Errorf("mock payload not deterministic: %s vs %s", a.Body, b.Body)
	}
}
