package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	API struct {
		BaseURL   string        `yaml:"base_url"`
		APIKey    string        `yaml:"api_key"`
		UserAgent string        `yaml:"user_agent"`
		Timeout   time.Duration `yaml:"timeout"`
		Mock      bool          `yaml:"mock"`
	} `yaml:"api"`
	Coins []string `yaml:"coins"`
	Crawl struct {
		MaxConcurrency int           `yaml:"max_concurrency"`
		MinDelay       time.Duration `yaml:"min_delay"`
		Workers        int           `yaml:"workers"`
		MaxRetries     int           `yaml:"max_retries"`
		BaseDelay      time.Duration `yaml:"base_delay"`
		MaxDelay       time.Duration `yaml:"max_delay"`
		RunDeadline    time.Duration `yaml:"run_deadline"`
		GracePeriod    time.Duration `yaml:"grace_period"`
		Fields         []string      `yaml:"fields"`
	} `yaml:"crawl"`
	Storage struct {
		StoreToDB      bool   `yaml:"store_to_db"`
		Driver         string `yaml:"driver"` // "sqlite" or "postgres"
		SQLitePath     string `yaml:"sqlite_path"`
		PostgresDSN    string `yaml:"postgres_dsn"`
		AuditDir       string `yaml:"audit_dir"`
		PersistRetries int    `yaml:"persist_retries"`
	} `yaml:"storage"`
	Schedule struct {
		DailyCron    string `yaml:"daily_cron"`
		BackfillDays int    `yaml:"backfill_days"`
	} `yaml:"schedule"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	Proxy string `yaml:"proxy"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
// Defaults are set before decoding, so keys present in the file win even when
// they are zero (min_delay: 0 disables pacing, max_retries: 0 disables retries).
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("COINGECKO_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("CRAWL_COINS"); v != "" {
		cfg.Coins = SplitList(v)
	}
	if v := os.Getenv("STORE_TO_DB"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.StoreToDB = b
		}
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("PG_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("AUDIT_DIR"); v != "" {
		cfg.Storage.AuditDir = v
	}
	if v := os.Getenv("CRON_DAILY"); v != "" {
		cfg.Schedule.DailyCron = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.Proxy = v
	}
	if v := os.Getenv("MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Crawl.MaxConcurrency = n
		}
	}
	if v := os.Getenv("MIN_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawl.MinDelay = d
		}
	}

	cfg.fillEmpty()
	return cfg, nil
}

func defaults() *Config {
	c := &Config{}
	c.API.BaseURL = "https://api.coingecko.com/api/v3"
	c.API.Timeout = 30 * time.Second
	c.Coins = []string{"bitcoin", "ethereum", "cardano"}
	c.Crawl.MaxConcurrency = 4
	c.Crawl.MinDelay = 2 * time.Second
	c.Crawl.MaxRetries = 3
	c.Crawl.BaseDelay = 5 * time.Second
	c.Crawl.MaxDelay = 2 * time.Minute
	c.Crawl.GracePeriod = 30 * time.Second
	c.Storage.Driver = "sqlite"
	c.Storage.SQLitePath = "data/market_crawler.db"
	c.Storage.AuditDir = "data/raw/coingecko"
	c.Storage.PersistRetries = 3
	c.Schedule.DailyCron = "0 0 3 * * *"
	return c
}

// fillEmpty restores values that cannot meaningfully be blank.
func (c *Config) fillEmpty() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = 30 * time.Second
	}
	if len(c.Coins) == 0 {
		c.Coins = []string{"bitcoin", "ethereum", "cardano"}
	}
	if c.Crawl.Workers <= 0 {
		c.Crawl.Workers = 2 * c.Crawl.MaxConcurrency
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.AuditDir == "" {
		c.Storage.AuditDir = "data/raw/coingecko"
	}
	if c.Schedule.DailyCron == "" {
		c.Schedule.DailyCron = "0 0 3 * * *"
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Crawl.MaxConcurrency < 1 {
		return fmt.Errorf("crawl.max_concurrency must be at least 1")
	}
	if c.Crawl.MinDelay < 0 {
		return fmt.Errorf("crawl.min_delay must not be negative")
	}
	if c.Crawl.MaxRetries < 0 {
		return fmt.Errorf("crawl.max_retries must not be negative")
	}
	if c.Storage.PersistRetries < 0 {
		return fmt.Errorf("storage.persist_retries must not be negative")
	}
	if c.Crawl.MaxDelay < c.Crawl.BaseDelay {
		return fmt.Errorf("crawl.max_delay (%v) must be >= crawl.base_delay (%v)", c.Crawl.MaxDelay, c.Crawl.BaseDelay)
	}
	if c.Schedule.BackfillDays < 0 {
		return fmt.Errorf("schedule.backfill_days must not be negative")
	}
	if c.Storage.StoreToDB {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.PostgresDSN == "" {
				return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
		}
	}
	return nil
}

// TelegramEnabled reports whether report notifications can be sent.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}

// SplitList parses a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
