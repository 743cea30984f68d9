package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the recorder process.
// All values come from env; .env and .env.local are loaded first when present
// and never override variables already set in the real environment.
// No business logic should depend on raw environment variables.
type Config struct {
	App           AppConfig
	Platform      PlatformConfig
	Webhook       WebhookConfig
	Subscriptions SubscriptionConfig
	Recording     RecordingConfig
	Calls         CallsConfig
	Storage       StorageConfig
	DB            DBConfig
	Redis         RedisConfig
	NATS          NATSConfig
	Auth          AuthConfig
	Telemetry     TelemetryConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// PlatformConfig describes the remote calling platform (Graph-style REST API).
type PlatformConfig struct {
	// Mode is "graph" for the real platform or "fake" for the in-memory stand-in used locally.
	Mode         string
	BaseURL      string
	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Timeout      time.Duration
}

type WebhookConfig struct {
	NotificationURL string
	// ClientStateSecret authenticates inbound notifications. Kept out of logs.
	ClientStateSecret string
	MaxBodyBytes      int64
}

type SubscriptionConfig struct {
	RenewalInterval  time.Duration
	RenewalThreshold time.Duration
	Lifetime         time.Duration
	// Resources are bootstrapped at startup, e.g. "communications/calls".
	Resources []string
}

type RecordingConfig struct {
	MaxConcurrent     int
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	DefaultRetention  int
	AutoDelete        bool
	CacheTTL          time.Duration
	RetentionSchedule string
	DistributedLocks  bool
	LockTTL           time.Duration
}

type CallsConfig struct {
	MaxWithoutRecording time.Duration
	EvictionGrace       time.Duration
	SweepInterval       time.Duration
	PollingEnabled      bool
	PollingInterval     time.Duration
	SeenWindow          time.Duration
}

// StorageConfig selects the blob backend: memory, s3 or minio.
type StorageConfig struct {
	Backend   string
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// DBConfig is optional; when Host is empty compliance events stay in blob storage.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type NATSConfig struct {
	URL string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TelemetryConfig struct {
	TracingEnabled bool
}

const (
	defaultMaxBodyBytes    = 1 << 20
	maxAllowedBodyBytes    = 2 << 20
	defaultLockTTL         = 10 * time.Minute
	defaultPlatformTimeout = 10 * time.Second
)

// LoadDotEnv loads .env then .env.local if they exist. Real environment wins.
func LoadDotEnv() {
	for _, f := range []string{".env", ".env.local"} {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", f, err)
		}
	}
}

func Load() (Config, error) {
	LoadDotEnv()

	c := Config{}
	var parseErrs []error
	intVar := func(key string, def int) int {
		n, err := optionalInt(key, def)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return n
	}
	durVar := func(key string, unit time.Duration, def time.Duration) time.Duration {
		d, err := optionalDuration(key, unit, def)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return d
	}
	boolVar := func(key string, def bool) bool {
		b, err := optionalBool(key, def)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return b
	}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = intVar("APP_PORT", 8080)

	c.Platform.Mode = strings.TrimSpace(os.Getenv("PLATFORM_MODE"))
	c.Platform.BaseURL = strings.TrimSpace(os.Getenv("PLATFORM_BASE_URL"))
	c.Platform.TenantID = strings.TrimSpace(os.Getenv("PLATFORM_TENANT_ID"))
	c.Platform.ClientID = strings.TrimSpace(os.Getenv("PLATFORM_CLIENT_ID"))
	c.Platform.ClientSecret = os.Getenv("PLATFORM_CLIENT_SECRET")
	c.Platform.TokenURL = strings.TrimSpace(os.Getenv("PLATFORM_TOKEN_URL"))
	c.Platform.Timeout = durVar("PLATFORM_TIMEOUT", 0, defaultPlatformTimeout)

	c.Webhook.NotificationURL = strings.TrimSpace(os.Getenv("NOTIFICATION_URL"))
	c.Webhook.ClientStateSecret = os.Getenv("CLIENT_STATE_SECRET")
	c.Webhook.MaxBodyBytes = int64(intVar("WEBHOOK_MAX_BODY_BYTES", defaultMaxBodyBytes))

	c.Subscriptions.RenewalInterval = durVar("SUBSCRIPTION_RENEWAL_MINUTES", time.Minute, 15*time.Minute)
	c.Subscriptions.RenewalThreshold = durVar("SUBSCRIPTION_RENEWAL_THRESHOLD_MINUTES", time.Minute, 60*time.Minute)
	c.Subscriptions.Lifetime = durVar("SUBSCRIPTION_LIFETIME_MINUTES", time.Minute, 4230*time.Minute)
	c.Subscriptions.Resources = splitList(os.Getenv("SUBSCRIPTION_RESOURCES"), []string{"communications/calls", "communications/callRecords"})

	c.Recording.MaxConcurrent = intVar("MAX_CONCURRENT_RECORDINGS", 10)
	c.Recording.RetryAttempts = intVar("RETRY_ATTEMPTS", 3)
	c.Recording.RetryBaseDelay = durVar("RETRY_BASE_DELAY", 0, 2*time.Second)
	c.Recording.DefaultRetention = intVar("DEFAULT_RETENTION_DAYS", 2555)
	c.Recording.AutoDelete = boolVar("AUTO_DELETE", false)
	c.Recording.CacheTTL = durVar("METADATA_CACHE_TTL", 0, 30*time.Minute)
	c.Recording.RetentionSchedule = strings.TrimSpace(os.Getenv("RETENTION_SCHEDULE"))
	if c.Recording.RetentionSchedule == "" {
		c.Recording.RetentionSchedule = "@daily"
	}
	c.Recording.DistributedLocks = boolVar("DISTRIBUTED_LOCKS", false)
	c.Recording.LockTTL = durVar("LOCK_TTL", 0, defaultLockTTL)

	c.Calls.MaxWithoutRecording = durVar("MAX_WITHOUT_RECORDING", 0, 2*time.Minute)
	c.Calls.EvictionGrace = durVar("CALL_EVICTION_GRACE", 0, 10*time.Minute)
	c.Calls.SweepInterval = durVar("CALL_SWEEP_INTERVAL", 0, 30*time.Second)
	c.Calls.PollingEnabled = boolVar("POLLING_ENABLED", false)
	c.Calls.PollingInterval = durVar("POLLING_INTERVAL_SECONDS", time.Second, 30*time.Second)
	c.Calls.SeenWindow = durVar("POLLING_SEEN_WINDOW", 0, 6*time.Hour)

	c.Storage.Backend = strings.TrimSpace(os.Getenv("STORAGE_BACKEND"))
	c.Storage.Bucket = strings.TrimSpace(os.Getenv("STORAGE_BUCKET"))
	c.Storage.Endpoint = strings.TrimSpace(os.Getenv("STORAGE_ENDPOINT"))
	c.Storage.Region = strings.TrimSpace(os.Getenv("STORAGE_REGION"))
	c.Storage.AccessKey = strings.TrimSpace(os.Getenv("STORAGE_ACCESS_KEY"))
	c.Storage.SecretKey = os.Getenv("STORAGE_SECRET_KEY")
	c.Storage.UseSSL = boolVar("STORAGE_USE_SSL", true)

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = intVar("DB_PORT", 5432)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = intVar("REDIS_PORT", 6379)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.NATS.URL = strings.TrimSpace(os.Getenv("NATS_URL"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = durVar("JWT_ACCESS_TTL", 0, 0)
	c.Auth.RefreshTokenTTL = durVar("JWT_REFRESH_TTL", 0, 0)

	c.Telemetry.TracingEnabled = boolVar("OTEL_ENABLED", false)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks invariants and fills environment-dependent defaults.
// It has a pointer receiver because defaults are written back.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Platform.Mode == "" {
		if c.IsProduction() {
			c.Platform.Mode = "graph"
		} else {
			c.Platform.Mode = "fake"
		}
	}
	switch c.Platform.Mode {
	case "graph":
		if c.Platform.TenantID == "" || c.Platform.ClientID == "" || c.Platform.ClientSecret == "" {
			errs = append(errs, errors.New("PLATFORM_TENANT_ID, PLATFORM_CLIENT_ID and PLATFORM_CLIENT_SECRET are required in graph mode"))
		}
		if c.Platform.BaseURL == "" {
			c.Platform.BaseURL = "https://graph.microsoft.com/v1.0"
		}
		if c.Platform.TokenURL == "" && c.Platform.TenantID != "" {
			c.Platform.TokenURL = "https://login.microsoftonline.com/" + c.Platform.TenantID + "/oauth2/v2.0/token"
		}
	case "fake":
		if c.IsProduction() {
			errs = append(errs, errors.New("PLATFORM_MODE=fake is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("PLATFORM_MODE must be graph or fake, got %q", c.Platform.Mode))
	}
	if c.Platform.Timeout <= 0 {
		c.Platform.Timeout = defaultPlatformTimeout
	}

	if c.Webhook.NotificationURL == "" {
		errs = append(errs, errors.New("NOTIFICATION_URL is required"))
	} else if c.IsProduction() && !strings.HasPrefix(c.Webhook.NotificationURL, "https://") {
		errs = append(errs, errors.New("NOTIFICATION_URL must be https in production"))
	}
	if len(c.Webhook.ClientStateSecret) < 16 {
		errs = append(errs, errors.New("CLIENT_STATE_SECRET must be at least 16 characters"))
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		c.Webhook.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.Webhook.MaxBodyBytes > maxAllowedBodyBytes {
		errs = append(errs, fmt.Errorf("WEBHOOK_MAX_BODY_BYTES must be <= %d", maxAllowedBodyBytes))
	}

	if c.Subscriptions.RenewalInterval <= 0 {
		errs = append(errs, errors.New("SUBSCRIPTION_RENEWAL_MINUTES must be > 0"))
	}
	if c.Subscriptions.RenewalThreshold <= c.Subscriptions.RenewalInterval {
		errs = append(errs, errors.New("SUBSCRIPTION_RENEWAL_THRESHOLD_MINUTES must exceed the renewal interval"))
	}

	if c.Recording.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_RECORDINGS must be > 0, got %d", c.Recording.MaxConcurrent))
	}
	if c.Recording.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be > 0, got %d", c.Recording.RetryAttempts))
	}
	if c.Recording.DefaultRetention <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_RETENTION_DAYS must be > 0, got %d", c.Recording.DefaultRetention))
	}
	if c.Recording.DistributedLocks && c.Redis.Host == "" {
		errs = append(errs, errors.New("DISTRIBUTED_LOCKS requires REDIS_HOST"))
	}

	if c.Storage.Backend == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("STORAGE_BACKEND is required in production"))
		} else {
			c.Storage.Backend = "memory"
		}
	}
	switch c.Storage.Backend {
	case "", "memory":
	case "s3", "minio":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("STORAGE_BUCKET is required for s3/minio"))
		}
		if c.Storage.Backend == "minio" && c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("STORAGE_ENDPOINT is required for minio"))
		}
		if c.Storage.Region == "" {
			c.Storage.Region = "us-east-1"
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be memory, s3 or minio, got %q", c.Storage.Backend))
	}

	if c.DB.Host != "" {
		if c.DB.User == "" || c.DB.Name == "" {
			errs = append(errs, errors.New("DB_USER and DB_NAME are required when DB_HOST is set"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) HasPostgres() bool { return c.DB.Host != "" }

func (c Config) HasRedis() bool { return c.Redis.Host != "" }

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func optionalInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optionalDuration parses key as a Go duration, or as a bare integer multiplied
// by unit when unit is non-zero (e.g. SUBSCRIPTION_RENEWAL_MINUTES=15).
func optionalDuration(key string, unit, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if unit > 0 {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * unit, nil
		}
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func optionalBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func splitList(v string, def []string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
