package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"MarketCrawler/internal/collector"
	"MarketCrawler/internal/config"
	"MarketCrawler/internal/governor"
	"MarketCrawler/internal/notifier"
	"MarketCrawler/internal/parser"
	"MarketCrawler/internal/pipeline"
	"MarketCrawler/internal/planner"
	"MarketCrawler/internal/recorder"
	"MarketCrawler/internal/retry"
	"MarketCrawler/internal/scheduler"
)

const (
	exitOK       = 0
	exitFatal    = 1
	exitDegraded = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	flag.StringVar(&cfgPath, "config", cfgPath, "path to the YAML config file")
	coins := flag.String("coins", "", "comma-separated coin ids (default: config coins)")
	start := flag.String("start", "", "first date, DD-MM-YYYY (default: today)")
	end := flag.String("end", "", "last date, DD-MM-YYYY (default: start)")
	storeToDB := flag.Bool("db", false, "upsert records into the database")
	daemon := flag.Bool("daemon", false, "run the daily cron crawl until interrupted")
	flag.Parse()

	log.Println("[INFO] MarketCrawler starting...")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("[FATAL] load config: %v", err)
		return exitFatal
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "db" {
			cfg.Storage.StoreToDB = *storeToDB
		}
	})
	if *coins != "" {
		cfg.Coins = config.SplitList(*coins)
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("[FATAL] config validation: %v", err)
		return exitFatal
	}

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, err := openSink(ctx, cfg)
	if err != nil {
		log.Printf("[FATAL] %v", err)
		return exitFatal
	}
	defer sink.Close()
	log.Printf("[INFO] store: %s, audit dir: %s", sink.Store.Name(), cfg.Storage.AuditDir)

	fetcher := newFetcher(cfg)
	log.Printf("[INFO] data source: %s", fetcher.Name())

	orch, err := pipeline.New(pipeline.Options{
		Fetcher:     fetcher,
		Parser:      parser.New(cfg.Crawl.Fields...),
		Sink:        sink,
		Workers:     cfg.Crawl.Workers,
		Deadline:    cfg.Crawl.RunDeadline,
		GracePeriod: cfg.Crawl.GracePeriod,
	})
	if err != nil {
		log.Printf("[FATAL] init pipeline: %v", err)
		return exitFatal
	}

	var tn *notifier.TelegramNotifier
	var n scheduler.Notifier
	if cfg.TelegramEnabled() {
		tn = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy)
		n = tn
	}
	sched := scheduler.NewScheduler(ctx, orch, sink, n, cfg.Coins, cfg.Schedule.BackfillDays)

	if *daemon {
		return runDaemon(ctx, cfg, sched, tn)
	}

	from, to := sched.Window()
	if *start != "" {
		if from, to, err = planner.ParseRange(*start, *end); err != nil {
			log.Printf("[FATAL] %v", err)
			return exitFatal
		}
	} else if *end != "" {
		log.Println("[FATAL] -end requires -start")
		return exitFatal
	}

	report, err := sched.RunRange(ctx, cfg.Coins, from, to)
	if err != nil {
		log.Printf("[FATAL] %v", err)
		return exitFatal
	}
	fmt.Println(notifier.FormatRunReport(report))
	if report.Degraded() {
		return exitDegraded
	}
	return exitOK
}

func runDaemon(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler, tn *notifier.TelegramNotifier) int {
	if err := sched.RegisterAll(cfg.Schedule.DailyCron); err != nil {
		log.Printf("[FATAL] register cron tasks: %v", err)
		return exitFatal
	}
	sched.Start()
	defer sched.Stop()

	if tn != nil {
		go tn.StartPolling(ctx, sched.HandleCommand)
		log.Println("[INFO] Telegram polling started")
	}

	// Optional: run immediately on start
	if os.Getenv("RUN_ON_START") == "true" {
		log.Println("[INFO] RUN_ON_START enabled, crawling now")
		go sched.HandleCommand("/crawl")
	}

	log.Println("[INFO] MarketCrawler is running. Press Ctrl+C to stop.")
	<-ctx.Done()
	log.Println("[INFO] shutdown signal received, stopping...")
	return exitOK
}

// openSink prepares the audit directory before opening the store, so a
// failure never leaves a store open.
func openSink(ctx context.Context, cfg *config.Config) (*recorder.Sink, error) {
	audit, err := recorder.NewAuditWriter(cfg.Storage.AuditDir)
	if err != nil {
		return nil, fmt.Errorf("init audit dir: %w", err)
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return recorder.NewSink(audit, store, retry.Policy{
		MaxRetries: cfg.Storage.PersistRetries,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}), nil
}

func openStore(ctx context.Context, cfg *config.Config) (recorder.Store, error) {
	if !cfg.Storage.StoreToDB {
		return recorder.NewNoopStore(), nil
	}
	switch cfg.Storage.Driver {
	case "postgres":
		return recorder.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
	default:
		return recorder.NewSQLiteStore(cfg.Storage.SQLitePath)
	}
}

func newFetcher(cfg *config.Config) collector.Fetcher {
	if cfg.API.Mock {
		return &collector.MockFetcher{BasePrice: 17000}
	}
	gov := governor.New(governor.Config{
		MaxConcurrency: cfg.Crawl.MaxConcurrency,
		MinDelay:       cfg.Crawl.MinDelay,
	})
	return collector.NewCoinGeckoFetcher(collector.Options{
		BaseURL:   cfg.API.BaseURL,
		APIKey:    cfg.API.APIKey,
		UserAgent: cfg.API.UserAgent,
		Timeout:   cfg.API.Timeout,
		Proxy:     cfg.Proxy,
		Governor:  gov,
		Retry: retry.Policy{
			MaxRetries: cfg.Crawl.MaxRetries,
			BaseDelay:  cfg.Crawl.BaseDelay,
			MaxDelay:   cfg.Crawl.MaxDelay,
		},
	})
}
