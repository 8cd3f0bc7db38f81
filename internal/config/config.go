package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Host string
	Port string

	// Database settings
	DatabasePath string

	// Logging settings
	LogLevel  string
	LogFormat string

	// Refund portal settings
	PortalBaseURL string
	PortalName    string
	WorkState     string

	// Scraper settings
	ScraperTimeout time.Duration
	RetryDelay     time.Duration
	HeadlessMode   bool
	UserAgent      string
	BrowserPath    string
	ScreenshotDir  string

	// Check cache settings
	CheckCacheSize int
	CheckCacheTTL  time.Duration

	// Automation settings
	BackgroundTaskTimeout time.Duration
	ReminderDayThreshold  int
	ReminderCap           int
	ReminderWindow        time.Duration
	ReminderInterval      time.Duration
	SweepInterval         time.Duration

	// Commission settings
	DefaultCommissionRate float64

	// Deposit estimate offsets after filing
	FederalEstimateDays int
	StateEstimateDays   int

	// Secrets
	SSNEncryptionKey string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// Not an error if .env doesn't exist
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	cfg := &Config{
		Host:             getEnv("HOST", "0.0.0.0"),
		Port:             getEnv("PORT", "8080"),
		DatabasePath:     getEnv("DATABASE_PATH", "./data/tax_cases.db"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
		PortalBaseURL:    getEnv("PORTAL_BASE_URL", "https://www.tax.ny.gov/pit/file/refund.htm"),
		PortalName:       getEnv("PORTAL_NAME", "NY State Refund Status"),
		WorkState:        getEnv("WORK_STATE", "NY"),
		UserAgent:        getEnv("USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"),
		BrowserPath:      getEnv("ROD_BROWSER_PATH", ""),
		ScreenshotDir:    getEnv("SCREENSHOT_DIR", "./data/screenshots"),
		SSNEncryptionKey: getEnv("SSN_ENCRYPTION_KEY", ""),
	}

	var err error
	cfg.ScraperTimeout, err = getDuration("SCRAPER_TIMEOUT", 60, time.Second)
	if err != nil {
		return nil, err
	}

	cfg.RetryDelay, err = getDuration("SCRAPER_RETRY_DELAY", 5, time.Second)
	if err != nil {
		return nil, err
	}

	cfg.HeadlessMode = getEnv("HEADLESS_MODE", "true") == "true"

	cfg.CheckCacheSize, err = getInt("CHECK_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}

	cfg.CheckCacheTTL, err = getDuration("CHECK_CACHE_TTL", 30, time.Minute)
	if err != nil {
		return nil, err
	}

	cfg.BackgroundTaskTimeout, err = getDuration("BACKGROUND_TASK_TIMEOUT", 30, time.Second)
	if err != nil {
		return nil, err
	}

	cfg.ReminderDayThreshold, err = getInt("REMINDER_DAY_THRESHOLD", 3)
	if err != nil {
		return nil, err
	}

	cfg.ReminderCap, err = getInt("REMINDER_CAP", 3)
	if err != nil {
		return nil, err
	}

	reminderWindowDays, err := getInt("REMINDER_WINDOW_DAYS", 30)
	if err != nil {
		return nil, err
	}
	cfg.ReminderWindow = time.Duration(reminderWindowDays) * 24 * time.Hour

	cfg.ReminderInterval, err = getDuration("REMINDER_INTERVAL_HOURS", 24, time.Hour)
	if err != nil {
		return nil, err
	}

	cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL_HOURS", 24, time.Hour)
	if err != nil {
		return nil, err
	}

	rate := getEnv("DEFAULT_COMMISSION_RATE", "0.11")
	cfg.DefaultCommissionRate, err = strconv.ParseFloat(rate, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_COMMISSION_RATE: %w", err)
	}

	cfg.FederalEstimateDays, err = getInt("FEDERAL_ESTIMATE_DAYS", 42)
	if err != nil {
		return nil, err
	}

	cfg.StateEstimateDays, err = getInt("STATE_ESTIMATE_DAYS", 63)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue int, unit time.Duration) (time.Duration, error) {
	v, err := getInt(key, defaultValue)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * unit, nil
}
