package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/libranexus/lending/internal/circulation"
)

// Config holds the application configuration
type Config struct {
	Port   string
	AppEnv string

	// DatabaseURL selects Postgres; empty keeps everything in memory.
	DatabaseURL string

	Policy        circulation.Policy
	SweepInterval time.Duration

	NotifyWebhookURL    string
	TelegramBotToken    string
	NotifyRatePerSecond float64
	NotifyQueueSize     int
	OTLPEndpoint        string
	ShutdownGracePeriod time.Duration
}

// Development reports whether APP_ENV asks for development defaults.
func (c *Config) Development() bool {
	return c.AppEnv == "dev" || c.AppEnv == "development"
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	config := &Config{
		Port:        getEnv("PORT", "8080"),
		AppEnv:      getEnv("APP_ENV", "prod"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	policy := circulation.DefaultPolicy()
	ints := []struct {
		key  string
		into *int
	}{
		{"MAX_ACTIVE_LOANS", &policy.MaxActiveLoans},
		{"LOAN_DURATION_DAYS", &policy.LoanDurationDays},
		{"MAX_LOAN_DURATION_DAYS", &policy.MaxLoanDurationDays},
		{"MAX_EXTENSIONS", &policy.MaxExtensions},
		{"EXTENSION_DAYS", &policy.ExtensionDays},
		{"HOLD_DURATION_DAYS", &policy.HoldDurationDays},
		{"WAITING_LIFETIME_DAYS", &policy.WaitingLifetimeDays},
		{"REMINDER_LEAD_DAYS", &policy.ReminderLeadDays},
		{"NOTIFY_QUEUE_SIZE", &config.NotifyQueueSize},
	}
	for _, v := range ints {
		if err := parseInt(v.key, v.into); err != nil {
			return nil, err
		}
	}
	if policy.LoanDurationDays <= 0 {
		return nil, fmt.Errorf("LOAN_DURATION_DAYS must be positive")
	}
	if policy.MaxLoanDurationDays > 0 && policy.MaxLoanDurationDays < policy.LoanDurationDays {
		return nil, fmt.Errorf("MAX_LOAN_DURATION_DAYS must not be below LOAN_DURATION_DAYS")
	}
	if policy.HoldDurationDays <= 0 {
		return nil, fmt.Errorf("HOLD_DURATION_DAYS must be positive")
	}

	if s := os.Getenv("PENALTY_PER_DAY"); s != "" {
		penalty, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid PENALTY_PER_DAY: %w", err)
		}
		if penalty.IsNegative() {
			return nil, fmt.Errorf("PENALTY_PER_DAY must not be negative")
		}
		policy.PenaltyPerDay = penalty
	}

	if s := os.Getenv("POLICY_TIMEZONE"); s != "" {
		loc, err := time.LoadLocation(s)
		if err != nil {
			return nil, fmt.Errorf("invalid POLICY_TIMEZONE: %w", err)
		}
		policy.Location = loc
	}
	config.Policy = policy

	var err error
	if config.SweepInterval, err = parseDuration("SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if config.ShutdownGracePeriod, err = parseDuration("SHUTDOWN_GRACE_PERIOD", 15*time.Second); err != nil {
		return nil, err
	}

	if s := os.Getenv("NOTIFY_RATE_PER_SECOND"); s != "" {
		r, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_RATE_PER_SECOND: %w", err)
		}
		config.NotifyRatePerSecond = r
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, into *int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 {
		return fmt.Errorf("%s must not be negative", key)
	}
	*into = n
	return nil
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
