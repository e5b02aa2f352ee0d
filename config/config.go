// Package config loads engine configuration from environment variables,
// optionally seeded from a .env file. Credentials are required; every
// threshold has a production default.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"kis-exit-engine/internal/exitrule"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// KIS credentials
	AppKey    string
	AppSecret string
	Account   string // "12345678-01" or bare ten digits

	// Mode: "real" routes orders to the live KIS domain, "paper" to the
	// in-process paper broker.
	Mode string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	JournalPath   string
	ArchivePath   string
	MetricsAddr   string
	LockFile      string

	// Alerts
	TelegramBotToken string
	TelegramChatID   string
	AlertWebhookURL  string

	// Buy-list execution
	BuyListPath string
	BuyBudget   int64 // KRW available for the morning buy list, 0 disables

	// Exit thresholds
	ExitMode             string
	StopLossPct          float64
	TrailActivationPct   float64
	TrailL1Pct           float64
	TrailL2Threshold     float64
	TrailL2Pct           float64
	TrailL3Threshold     float64
	TrailL3Pct           float64
	TakeProfit1          float64
	TakeProfit2          float64
	TakeProfit3          float64
	PartialSellRatio     float64
	MaxHoldDaysProfit    int
	MaxHoldDaysLoss      int
	MinProfitForLongHold float64

	// Supply (investor flow) exit
	SupplyExitThresholdEok  float64 // 억 KRW, negative = net outflow
	MinProfitToIgnoreSupply float64
	FlowPollInterval        time.Duration

	// Order handling
	OrderSpacing     time.Duration
	FillPollInterval time.Duration
	FillPollMax      int
	RepriceTolerance float64

	// Feed
	FeedStaleTimeout time.Duration

	// Risk
	MaxPositions int
}

// Load reads configuration, pulling in .env first when present.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Println("[config] loaded .env")
	}

	return &Config{
		AppKey:    mustEnv("KIS_APP_KEY"),
		AppSecret: mustEnv("KIS_APP_SECRET"),
		Account:   mustEnv("KIS_ACCOUNT"),

		Mode: getEnv("ENGINE_MODE", "real"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		JournalPath:   getEnv("JOURNAL_PATH", "data/trades.db"),
		ArchivePath:   getEnv("ARCHIVE_PATH", "data/archive.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LockFile:      getEnv("LOCK_FILE", "data/exitengine.lock"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),

		BuyListPath: getEnv("BUY_LIST_PATH", ""),
		BuyBudget:   getInt64("BUY_BUDGET", 0),

		ExitMode:             getEnv("EXIT_MODE", "trailing"),
		StopLossPct:          getFloat("STOP_LOSS_PCT", -0.05),
		TrailActivationPct:   getFloat("TRAIL_ACTIVATION_PCT", 0.08),
		TrailL1Pct:           getFloat("TRAIL_LEVEL1_PCT", 0.05),
		TrailL2Threshold:     getFloat("TRAIL_LEVEL2_THRESHOLD", 0.15),
		TrailL2Pct:           getFloat("TRAIL_LEVEL2_PCT", 0.03),
		TrailL3Threshold:     getFloat("TRAIL_LEVEL3_THRESHOLD", 0.25),
		TrailL3Pct:           getFloat("TRAIL_LEVEL3_PCT", 0.02),
		TakeProfit1:          getFloat("TAKE_PROFIT_1", 0.10),
		TakeProfit2:          getFloat("TAKE_PROFIT_2", 0.15),
		TakeProfit3:          getFloat("TAKE_PROFIT_3", 0.20),
		PartialSellRatio:     getFloat("PARTIAL_SELL_RATIO", 0.30),
		MaxHoldDaysProfit:    getInt("MAX_HOLD_DAYS_PROFIT", 14),
		MaxHoldDaysLoss:      getInt("MAX_HOLD_DAYS_LOSS", 7),
		MinProfitForLongHold: getFloat("MIN_PROFIT_FOR_LONG_HOLD", 0.05),

		SupplyExitThresholdEok:  getFloat("SUPPLY_EXIT_THRESHOLD_EOK", -30),
		MinProfitToIgnoreSupply: getFloat("MIN_PROFIT_TO_IGNORE_SUPPLY", 0.10),
		FlowPollInterval:        getDuration("FLOW_POLL_INTERVAL", time.Minute),

		OrderSpacing:     getDuration("ORDER_SPACING_MS", 500*time.Millisecond),
		FillPollInterval: getDuration("FILL_POLL_INTERVAL", 2*time.Second),
		FillPollMax:      getInt("FILL_POLL_MAX", 30),
		RepriceTolerance: getFloat("BUY_REPRICE_TOLERANCE", 0.03),

		FeedStaleTimeout: getDuration("FEED_STALE_TIMEOUT", 30*time.Second),

		MaxPositions: getInt("MAX_POSITIONS", 10),
	}
}

// Paper reports whether the engine runs against the paper broker.
func (c *Config) Paper() bool {
	return c.Mode == "paper"
}

// ExitConfig assembles the exit thresholds, falling back to defaults when
// the mode string is invalid.
func (c *Config) ExitConfig() exitrule.Config {
	mode, err := exitrule.ParseMode(c.ExitMode)
	if err != nil {
		log.Printf("[config] %v, using trailing", err)
		mode = exitrule.ModeTrailing
	}
	return exitrule.Config{
		Mode:                    mode,
		StopLossPct:             c.StopLossPct,
		TrailActivationPct:      c.TrailActivationPct,
		TrailL1Pct:              c.TrailL1Pct,
		TrailL2Threshold:        c.TrailL2Threshold,
		TrailL2Pct:              c.TrailL2Pct,
		TrailL3Threshold:        c.TrailL3Threshold,
		TrailL3Pct:              c.TrailL3Pct,
		TakeProfit1:             c.TakeProfit1,
		TakeProfit2:             c.TakeProfit2,
		TakeProfit3:             c.TakeProfit3,
		PartialSellRatio:        c.PartialSellRatio,
		MaxHoldDaysProfit:       c.MaxHoldDaysProfit,
		MaxHoldDaysLoss:         c.MaxHoldDaysLoss,
		MinProfitForLongHold:    c.MinProfitForLongHold,
		MinProfitToIgnoreSupply: c.MinProfitToIgnoreSupply,
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return n
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return n
}

// getDuration parses either a Go duration ("2s") or, for *_MS keys, a bare
// millisecond count.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
	return fallback
}
