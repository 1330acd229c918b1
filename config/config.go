package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config aggregates application configuration values.
type Config struct {
	Env      string
	HTTP     HTTPConfig
	Redis    RedisConfig
	Store    StoreConfig
	Mpesa    MpesaConfig
	Tips     TipConfig
	LLM      LLMConfig
	Products ProductConfig
	Database DatabaseConfig
	Kafka    KafkaConfig
	Logging  LoggingConfig
	Sentry   SentryConfig
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string
	TrustedProxies  []string
	HSTS            bool
	// Per-IP limits, requests per minute.
	RecommendPerMinute int
	CallbackPerMinute  int
}

type RedisConfig struct {
	URL      string
	Addr     string
	Password string
	DB       int
}

type StoreConfig struct {
	Retention time.Duration
}

// MpesaConfig holds Daraja credentials and endpoints.
type MpesaConfig struct {
	Environment    string
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

// TipConfig holds the tipping policy and callback protection settings.
type TipConfig struct {
	MinAmount          decimal.Decimal
	MaxAmount          decimal.Decimal
	PhonePrefix        string
	PhoneLength        int
	MaxAttempts        int
	PhoneMaxPerWindow  int
	PhoneWindow        time.Duration
	CallbackAllowedIPs []string
	CallbackToken      string
}

type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type ProductConfig struct {
	CacheTTL      time.Duration
	SourceTimeout time.Duration
	ResultLimit   int
	UserAgent     string
}

// DatabaseConfig describes the optional MySQL archive. Enabled is false when
// neither DB_HOST nor DB_DSN is set.
type DatabaseConfig struct {
	Enabled         bool
	DSN             string
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	Params          string
	TLS             string
	TLSVerify       bool
	TLSCAPath       string
	TLSClientCert   string
	TLSClientKey    string
	ConnectRetries  int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingOnConnect   bool
}

type KafkaConfig struct {
	Brokers  []string
	TipTopic string
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level  string
	Format string // text|json
}

type SentryConfig struct {
	DSN string
}

const (
	defaultPort           = "8080"
	defaultRedisURL       = "redis://localhost:6379"
	defaultRetention      = 7 * 24 * time.Hour
	defaultShortcode      = "174379"
	defaultSandboxPasskey = "bfb279f9aa9bdbcf158e97dd71a467cd2e0c893059b10f78e6b72ada1ed2c919"
	defaultBaseURL        = "http://localhost:8000"
	defaultCallbackPath   = "/api/v1/tip/callback"
	defaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
)

// LoadDotEnv merges a .env file into the process environment without
// overwriting variables that are already set.
func LoadDotEnv(filenames ...string) {
	envMap, err := godotenv.Read(filenames...)
	if err != nil {
		return
	}
	for k, v := range envMap {
		if os.Getenv(k) == "" {
			os.Setenv(k, v)
		}
	}
}

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	LoadDotEnv()
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (Config, error) {
	var errs []string
	dur := func(key string, def time.Duration) time.Duration {
		d, err := parseDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}
	num := func(key string, def int) int {
		n, err := parseInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return n
	}
	money := func(key string, def int64) decimal.Decimal {
		d, err := parseDecimal(key, decimal.NewFromInt(def))
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}

	cfg := Config{
		Env: strings.ToLower(getenv("ENV", "development")),
		HTTP: HTTPConfig{
			Port:            getenv("PORT", defaultPort),
			ReadTimeout:     dur("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    dur("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:     dur("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: dur("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			RequestTimeout:  time.Duration(num("REQ_TIMEOUT_SEC", 30)) * time.Second,
			MaxBodyBytes:    int64(num("MAX_BODY_BYTES", 1<<20)),
			AllowedOrigins:  splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
			TrustedProxies:  splitCSV(os.Getenv("TRUSTED_PROXIES")),
			HSTS:            os.Getenv("SEC_HSTS") == "true",

			RecommendPerMinute: num("RATE_RECOMMEND_PER_MIN", 30),
			CallbackPerMinute:  num("RATE_CALLBACK_PER_MIN", 300),
		},
		Redis: RedisConfig{
			URL:      getenv("REDIS_URL", ""),
			Addr:     strings.ReplaceAll(getenv("REDIS_ADDR", ""), " ", ""),
			Password: os.Getenv("REDIS_PASS"),
			DB:       num("REDIS_DB", 0),
		},
		Store: StoreConfig{
			Retention: dur("TRANSACTION_RETENTION", defaultRetention),
		},
		Mpesa: MpesaConfig{
			Environment:    strings.ToLower(getenv("MPESA_ENV", "sandbox")),
			BaseURL:        getenv("MPESA_BASE_URL", ""),
			ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
			Shortcode:      getenv("MPESA_SHORTCODE", defaultShortcode),
			Passkey:        getenv("MPESA_PASSKEY", defaultSandboxPasskey),
			CallbackURL:    getenv("MPESA_CALLBACK_URL", ""),
			Timeout:        dur("MPESA_TIMEOUT", 15*time.Second),
		},
		Tips: TipConfig{
			MinAmount:          money("TIP_MIN_AMOUNT", 10),
			MaxAmount:          money("TIP_MAX_AMOUNT", 5000),
			PhonePrefix:        getenv("TIP_PHONE_PREFIX", "+254"),
			PhoneLength:        num("TIP_PHONE_LENGTH", 13),
			MaxAttempts:        num("TIP_MAX_ATTEMPTS", 3),
			PhoneMaxPerWindow:  num("TIP_PHONE_MAX_PER_WINDOW", 5),
			PhoneWindow:        dur("TIP_PHONE_WINDOW", 10*time.Minute),
			CallbackAllowedIPs: splitCSV(os.Getenv("MPESA_CALLBACK_ALLOWED_IPS")),
			CallbackToken:      os.Getenv("MPESA_CALLBACK_TOKEN"),
		},
		LLM: LLMConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: getenv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:   getenv("OPENAI_MODEL", "gpt-4-turbo-preview"),
			Timeout: dur("LLM_TIMEOUT", 30*time.Second),
		},
		Products: ProductConfig{
			CacheTTL:      dur("PRODUCT_CACHE_TTL", time.Hour),
			SourceTimeout: dur("PRODUCT_SOURCE_TIMEOUT", 10*time.Second),
			ResultLimit:   num("PRODUCT_RESULT_LIMIT", 5),
			UserAgent:     getenv("SCRAPER_USER_AGENT", defaultUserAgent),
		},
		Database: DatabaseConfig{
			DSN:             os.Getenv("DB_DSN"),
			Host:            os.Getenv("DB_HOST"),
			Port:            getenv("DB_PORT", "3306"),
			User:            getenv("DB_USER", "root"),
			Password:        os.Getenv("DB_PASS"),
			Name:            getenv("DB_NAME", "shopassist"),
			Params:          getenv("DB_PARAMS", "charset=utf8mb4&parseTime=True&loc=Local"),
			TLS:             getenv("DB_TLS", "false"),
			TLSVerify:       getenv("DB_TLS_VERIFY", "false") == "true",
			TLSCAPath:       os.Getenv("DB_TLS_CA_PATH"),
			TLSClientCert:   os.Getenv("DB_TLS_CLIENT_CERT"),
			TLSClientKey:    os.Getenv("DB_TLS_CLIENT_KEY"),
			ConnectRetries:  num("DB_CONNECT_RETRIES", 5),
			MaxOpenConns:    num("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    num("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: time.Duration(num("DB_CONN_MAX_LIFETIME", 3600)) * time.Second,
			PingOnConnect:   getenv("DB_PING_ON_CONNECT", "true") == "true",
		},
		Kafka: KafkaConfig{
			Brokers:  splitCSV(os.Getenv("KAFKA_BROKERS")),
			TipTopic: getenv("KAFKA_TIP_TOPIC", "tips.events"),
		},
		Logging: LoggingConfig{
			Level:  getenv("LOG_LEVEL", "info"),
			Format: getenv("LOG_FORMAT", "text"),
		},
		Sentry: SentryConfig{
			DSN: os.Getenv("SENTRY_DSN"),
		},
	}

	cfg.Database.Enabled = cfg.Database.DSN != "" || cfg.Database.Host != ""
	if cfg.Redis.URL == "" && cfg.Redis.Addr == "" {
		cfg.Redis.URL = defaultRedisURL
	}
	if cfg.Mpesa.CallbackURL == "" {
		cfg.Mpesa.CallbackURL = strings.TrimRight(getenv("BASE_URL", defaultBaseURL), "/") + defaultCallbackPath
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if cfg.Tips.MinAmount.GreaterThan(cfg.Tips.MaxAmount) {
		return Config{}, fmt.Errorf("TIP_MIN_AMOUNT %s is greater than TIP_MAX_AMOUNT %s", cfg.Tips.MinAmount, cfg.Tips.MaxAmount)
	}
	if cfg.Tips.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("TIP_MAX_ATTEMPTS must be positive, got %d", cfg.Tips.MaxAttempts)
	}
	if cfg.Tips.PhoneLength <= len(cfg.Tips.PhonePrefix) {
		return Config{}, fmt.Errorf("TIP_PHONE_LENGTH %d must exceed the prefix length", cfg.Tips.PhoneLength)
	}
	return cfg, nil
}

// IsDevelopment reports whether the process runs in development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// parseDuration accepts Go durations ("15s") and bare integers as seconds.
func parseDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return d, nil
}

func parseInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return n, nil
}

func parseDecimal(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return d, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
