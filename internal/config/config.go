package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API, the queue processor and supporting services.
type Config struct {
	LogLevel string

	DBDriver string
	DBDSN    string

	HTTPListenAddr     string
	AdminUsername      string
	AdminPassword      string
	JWTSecret          string
	CORSAllowedOrigins []string

	FulfillmentAPIKey       string
	FulfillmentBaseURL      string
	FulfillmentTimeout      time.Duration
	FulfillmentPollInterval time.Duration

	PricingTTL          time.Duration
	PricingDefaultsFile string

	RegistrationBonus int64
	DailyReward       int64

	WatermarkConcurrency int
	WatermarkMaxBatch    int
	QueueTick            time.Duration
	QueueStaleAfter      time.Duration
	EditLeaseTTL         time.Duration

	RedisAddr     string
	RedisPassword string

	TelegramBotToken string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
	S3PresignTTL    time.Duration

	YooKassaShopID    string
	YooKassaSecretKey string
	YooKassaReturnURL string
	YooKassaBaseURL   string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultFulfillmentBaseURL = "https://api.kie.ai"

	cfg := Config{
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		DBDriver:                strings.ToLower(getEnv("DB_DRIVER", "mysql")),
		DBDSN:                   getEnv("DATABASE_DSN", os.Getenv("MYSQL_DSN")),
		HTTPListenAddr:          getEnv("HTTP_LISTEN_ADDR", ":8080"),
		AdminUsername:           getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:           getEnv("ADMIN_PASSWORD", "change-me"),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		CORSAllowedOrigins:      splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		FulfillmentAPIKey:       os.Getenv("FULFILLMENT_API_KEY"),
		FulfillmentBaseURL:      normalizeBaseURL(getEnv("FULFILLMENT_BASE_URL", defaultFulfillmentBaseURL), defaultFulfillmentBaseURL),
		FulfillmentTimeout:      getDuration("FULFILLMENT_TIMEOUT", 5*time.Minute),
		FulfillmentPollInterval: getDuration("FULFILLMENT_POLL_INTERVAL", 2*time.Second),
		PricingTTL:              getDuration("PRICING_TTL", 30*time.Second),
		PricingDefaultsFile:     os.Getenv("PRICING_DEFAULTS_FILE"),
		RegistrationBonus:       getInt64("REGISTRATION_BONUS", 100),
		DailyReward:             getInt64("DAILY_REWARD", 10),
		WatermarkConcurrency:    getInt("WATERMARK_CONCURRENCY", 3),
		WatermarkMaxBatch:       getInt("WATERMARK_MAX_BATCH", 20),
		QueueTick:               getDuration("QUEUE_TICK", 5*time.Second),
		QueueStaleAfter:         getDuration("QUEUE_STALE_AFTER", 10*time.Minute),
		EditLeaseTTL:            getDuration("EDIT_LEASE_TTL", 0),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		TelegramBotToken:        os.Getenv("TELEGRAM_BOT_TOKEN"),
		S3Endpoint:              getEnv("S3_ENDPOINT", ""),
		S3Region:                os.Getenv("S3_REGION"),
		S3AccessKey:             os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:             os.Getenv("S3_SECRET_KEY"),
		S3Bucket:                os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:         os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:          getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:                getEnv("S3_PREFIX", "uploads"),
		S3PresignTTL:            getDuration("S3_PRESIGN_TTL", 15*time.Minute),
		YooKassaShopID:          os.Getenv("YOOKASSA_SHOP_ID"),
		YooKassaSecretKey:       os.Getenv("YOOKASSA_SECRET_KEY"),
		YooKassaReturnURL:       os.Getenv("YOOKASSA_RETURN_URL"),
		YooKassaBaseURL:         getEnv("YOOKASSA_BASE_URL", "https://api.yookassa.ru"),
	}

	// The edit lease must outlive the dispatch deadline, otherwise a slow edit
	// could lose its lease to a second request while still running.
	if cfg.EditLeaseTTL <= cfg.FulfillmentTimeout {
		cfg.EditLeaseTTL = cfg.FulfillmentTimeout + time.Minute
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var missing []string
	if c.DBDSN == "" {
		missing = append(missing, "DATABASE_DSN")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.FulfillmentAPIKey == "" {
		missing = append(missing, "FULFILLMENT_API_KEY")
	}
	if c.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if c.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if c.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if c.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if c.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	switch c.DBDriver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.WatermarkConcurrency <= 0 {
		return fmt.Errorf("WATERMARK_CONCURRENCY must be positive")
	}
	if c.WatermarkMaxBatch <= 0 {
		return fmt.Errorf("WATERMARK_MAX_BATCH must be positive")
	}
	// a task still inside its fulfillment deadline must never look stale
	if c.QueueStaleAfter <= c.FulfillmentTimeout {
		return fmt.Errorf("QUEUE_STALE_AFTER (%s) must exceed FULFILLMENT_TIMEOUT (%s)", c.QueueStaleAfter, c.FulfillmentTimeout)
	}
	return nil
}

// normalizeBaseURL ensures we always hit the documented API host. Some docs and UI pages
// use the root kie.ai domain, which returns HTML instead of JSON and causes 404s.
func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getDuration accepts Go duration strings ("90s", "5m") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadEnvFile loads the first env file found. A missing file is not an error:
// in containers everything comes from the real environment.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
