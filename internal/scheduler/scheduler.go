package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"MarketCrawler/internal/model"
	"MarketCrawler/internal/notifier"
	"MarketCrawler/internal/planner"

	"github.com/robfig/cron/v3"
)

// Runner executes a planned batch and returns its report.
type Runner interface {
	Run(ctx context.Context, tasks []model.FetchTask) *model.RunReport
}

// RunRecorder keeps completed run reports.
type RunRecorder interface {
	RecordRun(ctx context.Context, report *model.RunReport) error
	LatestReport() (*model.RunReport, error)
}

// Notifier delivers report text. A nil Notifier disables notifications.
type Notifier interface {
	SendWithRetry(ctx context.Context, text string, maxRetries int) error
}

// Scheduler runs the daily crawl and answers chat commands.
type Scheduler struct {
	Cron         *cron.Cron
	Runner       Runner
	Runs         RunRecorder
	Notifier     Notifier
	Coins        []string
	BackfillDays int
	Ctx          context.Context
	Now          func() time.Time

	// one run at a time; cron ticks and /crawl share it
	mu sync.Mutex
}

// NewScheduler creates a new Scheduler.
func NewScheduler(ctx context.Context, runner Runner, runs RunRecorder, n Notifier, coins []string, backfillDays int) *Scheduler {
	return &Scheduler{
		Cron:         cron.New(cron.WithSeconds()),
		Runner:       runner,
		Runs:         runs,
		Notifier:     n,
		Coins:        coins,
		BackfillDays: backfillDays,
		Ctx:          ctx,
		Now:          time.Now,
	}
}

// RegisterAll registers the daily crawl.
func (s *Scheduler) RegisterAll(dailyCron string) error {
	if _, err := s.Cron.AddFunc(dailyCron, s.dailyCrawl); err != nil {
		return fmt.Errorf("register daily crawl: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Println("[INFO] scheduler started")
}

// Stop stops the cron scheduler and waits for a running crawl to finish.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Println("[INFO] scheduler stopped")
}

// Window returns the dates covered by the daily crawl.
func (s *Scheduler) Window() (start, end time.Time) {
	end = model.TruncateDate(s.Now())
	return end.AddDate(0, 0, -s.BackfillDays), end
}

// RunRange plans coins over [start, end], runs them and records the report.
// Degraded runs are announced through the notifier.
func (s *Scheduler) RunRange(ctx context.Context, coins []string, start, end time.Time) (*model.RunReport, error) {
	tasks, err := planner.Plan(coins, start, end)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("[INFO] crawling %d coins from %s to %s (%d tasks)", len(coins), model.FormatDate(start), model.FormatDate(end), len(tasks))
	report := s.Runner.Run(ctx, tasks)
	log.Printf("[INFO] run %s finished: %d/%d persisted, %d failed, %d cancelled",
		report.RunID, report.Persisted, report.Planned, report.Failures(), report.Cancelled)

	if s.Runs != nil {
		if err := s.Runs.RecordRun(context.WithoutCancel(ctx), report); err != nil {
			log.Printf("[ERROR] record run %s: %v", report.RunID, err)
		}
	}
	if report.Degraded() {
		s.trySend(notifier.FormatRunReport(report))
	}
	return report, nil
}

func (s *Scheduler) dailyCrawl() {
	log.Println("[INFO] running daily crawl")
	start, end := s.Window()
	if _, err := s.RunRange(s.Ctx, s.Coins, start, end); err != nil {
		log.Printf("[ERROR] daily crawl: %v", err)
		s.trySend(fmt.Sprintf("❌ Daily crawl failed: %v", err))
	}
}

// HandleCommand processes a user command and returns a reply.
//
//	/crawl                      run the daily window now
//	/crawl bitcoin 15-12-2022   one coin, one day
//	/crawl a,b 01-12-2022 05-12-2022
//	/report                     last recorded run
func (s *Scheduler) HandleCommand(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return usage
	}
	switch fields[0] {
	case "/crawl":
		return s.crawlCommand(fields[1:])
	case "/report":
		if s.Runs == nil {
			return "Run history is not available."
		}
		r, err := s.Runs.LatestReport()
		if err != nil {
			log.Printf("[ERROR] load latest report: %v", err)
			return fmt.Sprintf("❌ Could not load the last report: %v", err)
		}
		return notifier.FormatLatest(r, s.Now())
	default:
		return usage
	}
}

const usage = "Available commands:\n• /crawl [coins] [start] [end]\n• /report"

func (s *Scheduler) crawlCommand(args []string) string {
	coins := s.Coins
	start, end := s.Window()
	if len(args) > 0 {
		coins = strings.Split(args[0], ",")
	}
	if len(args) > 1 {
		var endArg string
		if len(args) > 2 {
			endArg = args[2]
		}
		var err error
		if start, end, err = planner.ParseRange(args[1], endArg); err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
	}

	report, err := s.RunRange(s.Ctx, coins, start, end)
	if err != nil {
		return fmt.Sprintf("❌ %v", err)
	}
	if report.Degraded() {
		// already sent by RunRange
		return ""
	}
	return notifier.FormatRunReport(report)
}

func (s *Scheduler) trySend(text string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.SendWithRetry(s.Ctx, text, 3); err != nil {
		log.Printf("[ERROR] send notification: %v", err)
	}
}
