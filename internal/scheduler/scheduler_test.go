package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"MarketCrawler/internal/collector"
	"MarketCrawler/internal/model"
	"MarketCrawler/internal/pipeline"
	"MarketCrawler/internal/recorder"
	"MarketCrawler/internal/retry"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) SendWithRetry(_ context.Context, text string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

// stubRunner records the tasks it was given and reports every one as
// persisted unless its key is listed in fail.
type stubRunner struct {
	tasks []model.FetchTask
	fail  map[string]bool
}

func (s *stubRunner) Run(_ context.Context, tasks []model.FetchTask) *model.RunReport {
	s.tasks = tasks
	r := model.NewRunReport("run-"+time.Now().Format("150405.000000"), len(tasks))
	r.Start(time.Now())
	for _, t := range tasks {
		status := model.StatusPersisted
		if s.fail[t.RequestKey] {
			status = model.StatusFetchFailed
		}
		r.Add(model.TaskResult{RequestKey: t.RequestKey, Status: status})
	}
	r.Complete(time.Now())
	return r
}

func newSink(t *testing.T) *recorder.Sink {
	t.Helper()
	audit, err := recorder.NewAuditWriter(filepath.Join(t.TempDir(), "raw"))
	if err != nil {
		t.Fatal(err)
	}
	return recorder.NewSink(audit, nil, retry.Policy{})
}

func fixedNow() time.Time { return time.Date(2022, 12, 16, 9, 30, 0, 0, time.UTC) }

func TestWindow_Backfill(t *testing.T) {
	s := NewScheduler(context.Background(), &stubRunner{}, nil, nil, []string{"bitcoin"}, 2)
	s.Now = fixedNow
	start, end := s.Window()
	if model.FormatDate(start) != "14-12-2022" || model.FormatDate(end) != "16-12-2022" {
		t.Errorf("unexpected window %s..%s", model.FormatDate(start), model.FormatDate(end))
	}
}

func TestDailyCrawl_PlansWindowAndRecords(t *testing.T) {
	runner := &stubRunner{}
	sink := newSink(t)
	n := &fakeNotifier{}
	s := NewScheduler(context.Background(), runner, sink, n, []string{"bitcoin", "ethereum"}, 1)
	s.Now = fixedNow

	s.dailyCrawl()

	if len(runner.tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(runner.tasks))
	}
	if runner.tasks[0].RequestKey != "bitcoin|15-12-2022" {
		t.Errorf("unexpected first task %s", runner.tasks[0].RequestKey)
	}
	latest, err := sink.LatestReport()
	if err != nil || latest == nil {
		t.Fatalf("expected recorded report, got %v %v", latest, err)
	}
	if latest.Persisted != 4 {
		t.Errorf("unexpected latest report %+v", latest)
	}
	if len(n.sent) != 0 {
		t.Errorf("clean run should not notify, got %v", n.sent)
	}
}

func TestRunRange_DegradedNotifies(t *testing.T) {
	runner := &stubRunner{fail: map[string]bool{"bitcoin|16-12-2022": true}}
	n := &fakeNotifier{}
	s := NewScheduler(context.Background(), runner, newSink(t), n, []string{"bitcoin"}, 1)
	s.Now = fixedNow

	start, end := s.Window()
	report, err := s.RunRange(context.Background(), s.Coins, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Degraded() {
		t.Fatal("expected degraded report")
	}
	if len(n.sent) != 1 || !strings.Contains(n.sent[0], "bitcoin|16-12-2022") {
		t.Errorf("expected one alert naming the failed key, got %v", n.sent)
	}
}

func TestRunRange_PlanningErrorDoesNotRun(t *testing.T) {
	runner := &stubRunner{}
	s := NewScheduler(context.Background(), runner, nil, nil, nil, 0)
	start := fixedNow()
	if _, err := s.RunRange(context.Background(), nil, start, start); err == nil {
		t.Fatal("expected planning error")
	}
	if runner.tasks != nil {
		t.Error("runner should not be called")
	}
}

func TestHandleCommand_CrawlArgs(t *testing.T) {
	runner := &stubRunner{}
	s := NewScheduler(context.Background(), runner, newSink(t), nil, []string{"bitcoin"}, 0)
	s.Now = fixedNow

	reply := s.HandleCommand("/crawl cardano,solana 01-12-2022 03-12-2022")
	if len(runner.tasks) != 6 {
		t.Fatalf("expected 6 tasks, got %d", len(runner.tasks))
	}
	if runner.tasks[3].RequestKey != "solana|01-12-2022" {
		t.Errorf("unexpected task order: %s", runner.tasks[3].RequestKey)
	}
	if !strings.Contains(reply, "Persisted: 6") {
		t.Errorf("unexpected reply %q", reply)
	}

	if reply := s.HandleCommand("/crawl bitcoin 31-02-2022"); !strings.HasPrefix(reply, "❌") {
		t.Errorf("expected error reply for bad date, got %q", reply)
	}
}

func TestHandleCommand_Report(t *testing.T) {
	s := NewScheduler(context.Background(), &stubRunner{}, newSink(t), nil, []string{"bitcoin"}, 0)
	s.Now = fixedNow

	if got := s.HandleCommand("/report"); got != "No runs recorded yet." {
		t.Errorf("unexpected reply before any run: %q", got)
	}
	s.HandleCommand("/crawl")
	if got := s.HandleCommand("/report"); !strings.Contains(got, "Last run finished") {
		t.Errorf("unexpected report reply: %q", got)
	}
	if got := s.HandleCommand("hello"); got != usage {
		t.Errorf("expected usage, got %q", got)
	}
}

func TestDailyCrawl_WithPipeline(t *testing.T) {
	dir := t.TempDir()
	store, err := recorder.NewSQLiteStore(filepath.Join(dir, "crawler.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	audit, err := recorder.NewAuditWriter(filepath.Join(dir, "raw"))
	if err != nil {
		t.Fatal(err)
	}
	sink := recorder.NewSink(audit, store, retry.Policy{})
	o, err := pipeline.New(pipeline.Options{Fetcher: &collector.MockFetcher{BasePrice: 17000}, Sink: sink})
	if err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(context.Background(), o, sink, nil, []string{"bitcoin", "ethereum", "cardano"}, 0)
	s.Now = fixedNow
	s.dailyCrawl()
	s.dailyCrawl()

	if n, _ := store.Count(context.Background()); n != 3 {
		t.Errorf("expected 3 rows after two identical crawls, got %d", n)
	}
}
