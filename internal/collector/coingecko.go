package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"MarketCrawler/internal/governor"
	"MarketCrawler/internal/model"
	"MarketCrawler/internal/retry"
)

const (
	DefaultBaseURL   = "https://api.coingecko.com/api/v3"
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:48.0) Gecko/20100101 Firefox/48.0"

	maxBodyBytes = 4 << 20
)

// Options configures a CoinGeckoFetcher.
type Options struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	Proxy     string
	Governor  *governor.Governor
	Retry     retry.Policy
	Transport http.RoundTripper
}

// CoinGeckoFetcher implements Fetcher against the CoinGecko
// /coins/{id}/history endpoint.
type CoinGeckoFetcher struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Client    *http.Client
	Governor  *governor.Governor
	Retry     retry.Policy
}

// NewCoinGeckoFetcher creates a fetcher with optional proxy support.
func NewCoinGeckoFetcher(opts Options) *CoinGeckoFetcher {
	transport := opts.Transport
	if transport == nil {
		t := &http.Transport{}
		if opts.Proxy != "" {
			if u, err := url.Parse(opts.Proxy); err == nil {
				t.Proxy = http.ProxyURL(u)
			}
		}
		transport = t
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Governor == nil {
		opts.Governor = governor.New(governor.Config{MaxConcurrency: 1})
	}
	return &CoinGeckoFetcher{
		BaseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		APIKey:    opts.APIKey,
		UserAgent: opts.UserAgent,
		Client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		Governor: opts.Governor,
		Retry:    opts.Retry,
	}
}

func (f *CoinGeckoFetcher) Name() string { return "coingecko" }

// URL renders {base}/coins/{id}/history?date=DD-MM-YYYY.
func (f *CoinGeckoFetcher) URL(task model.FetchTask) string {
	return fmt.Sprintf("%s/coins/%s/history?date=%s",
		f.BaseURL, url.PathEscape(task.EntityID), model.FormatDate(task.Date))
}

// Fetch requests the task's payload, retrying transient failures. Backoff
// sleeps happen with no governor permit held.
func (f *CoinGeckoFetcher) Fetch(ctx context.Context, task model.FetchTask) (*model.Payload, error) {
	endpoint := f.URL(task)

	var (
		payload *model.Payload
		last    *FetchError
	)
	rctx, cancel := retryContext(ctx)
	defer cancel()
	attempts, err := f.Retry.Do(rctx, func(attempt int) error {
		p, ferr := f.fetchOnce(ctx, task, endpoint)
		if ferr != nil {
			last = ferr
			if ferr.Retryable && attempt < f.Retry.MaxRetries && rctx.Err() == nil {
				logRetry(ferr, attempt+1, f.Retry.MaxRetries+1, f.Retry.Delay(attempt))
			}
			if !ferr.Retryable {
				return retry.Permanent(ferr)
			}
			return ferr
		}
		payload = p
		return nil
	})
	if err == nil {
		payload.Attempts = attempts
		return payload, nil
	}

	out := *last
	out.Attempts = attempts
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		out.Exhausted = true
		out.Retryable = false
	}
	return nil, &out
}

func (f *CoinGeckoFetcher) fetchOnce(ctx context.Context, task model.FetchTask, endpoint string) (*model.Payload, *FetchError) {
	fail := func(code int, retryable bool, err error) *FetchError {
		return &FetchError{RequestKey: task.RequestKey, StatusCode: code, Retryable: retryable, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fail(0, false, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.UserAgent)
	if f.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", f.APIKey)
	}

	permit, err := f.Governor.Acquire(ctx)
	if err != nil {
		return nil, fail(0, true, err)
	}
	start := time.Now()
	resp, err := f.Client.Do(req)
	if err != nil {
		permit.Release()
		return nil, fail(0, true, fmt.Errorf("request: %w", err))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	resp.Body.Close()
	permit.Release()
	latency := time.Since(start)

	if err != nil {
		return nil, fail(resp.StatusCode, true, fmt.Errorf("read body: %w", err))
	}
	ok, retryable := classifyStatus(resp.StatusCode)
	if !ok {
		return nil, fail(resp.StatusCode, retryable, fmt.Errorf("body: %s", truncate(body, 200)))
	}
	return &model.Payload{
		Task:       task,
		StatusCode: resp.StatusCode,
		Body:       body,
		Latency:    latency,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
