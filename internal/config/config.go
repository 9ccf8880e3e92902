package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/batchbridge/internal/batch"
	"github.com/seantiz/batchbridge/internal/liferay"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "batchbridge.db"
	defaultExportDir  = "exports"
	defaultTimeUnit   = "SECONDS"

	envListenAddr      = "BATCHBRIDGE_LISTEN_ADDR"
	envDBPath          = "BATCHBRIDGE_DB_PATH"
	envLogLevel        = "BATCHBRIDGE_LOG_LEVEL"
	envBaseURL         = "BATCHBRIDGE_BASE_URL"
	envUsername        = "BATCHBRIDGE_USERNAME"
	envPassword        = "BATCHBRIDGE_PASSWORD"
	envClientID        = "BATCHBRIDGE_CLIENT_ID"
	envClientSecret    = "BATCHBRIDGE_CLIENT_SECRET"
	envUserAgent       = "BATCHBRIDGE_USER_AGENT"
	envTimeout         = "BATCHBRIDGE_CONNECTION_TIMEOUT"
	envTimeoutUnit     = "BATCHBRIDGE_CONNECTION_TIMEOUT_UNIT"
	envPollInterval    = "BATCHBRIDGE_POLL_INTERVAL"
	envPollMaxAttempts = "BATCHBRIDGE_POLL_MAX_ATTEMPTS"
	envPollMaxWait     = "BATCHBRIDGE_POLL_MAX_WAIT"
	envRateLimit       = "BATCHBRIDGE_RATE_LIMIT"
	envRateBurst       = "BATCHBRIDGE_RATE_BURST"
	envExportDir       = "BATCHBRIDGE_EXPORT_DIR"
	envS3Endpoint      = "BATCHBRIDGE_S3_ENDPOINT"
	envS3AccessKey     = "BATCHBRIDGE_S3_ACCESS_KEY"
	envS3SecretKey     = "BATCHBRIDGE_S3_SECRET_KEY"
	envS3Region        = "BATCHBRIDGE_S3_REGION"
	envS3Bucket        = "BATCHBRIDGE_S3_BUCKET"
	envS3Prefix        = "BATCHBRIDGE_S3_PREFIX"
	envS3UseSSL        = "BATCHBRIDGE_S3_USE_SSL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	Remote      Remote
	Poll        batch.PollConfig
	ExportDir   string
	ObjectStore ObjectStore
}

// Remote describes the portal the batch engine runs in.
type Remote struct {
	BaseURL   string
	UserAgent string

	// Basic auth is used when Username is set; client credentials when
	// ClientID is set. ClientID wins when both are present.
	Username     string
	Password     string
	ClientID     string
	ClientSecret string

	// ConnectionTimeout bounds each HTTP call. Zero means no timeout.
	ConnectionTimeout time.Duration

	RateLimit float64
	RateBurst int
}

// ObjectStore configures the S3-compatible sink. It is enabled when both
// Endpoint and Bucket are set.
type ObjectStore struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Enabled reports whether the object-store sink should be registered.
func (o ObjectStore) Enabled() bool {
	return o.Endpoint != "" && o.Bucket != ""
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric or duration values are reported together.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		ExportDir:  defaultExportDir,
		Poll:       batch.PollConfig{Interval: batch.DefaultPollInterval},
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envExportDir); v != "" {
		cfg.ExportDir = v
	}

	cfg.Remote = Remote{
		BaseURL:      os.Getenv(envBaseURL),
		UserAgent:    os.Getenv(envUserAgent),
		Username:     os.Getenv(envUsername),
		Password:     os.Getenv(envPassword),
		ClientID:     os.Getenv(envClientID),
		ClientSecret: os.Getenv(envClientSecret),
	}
	cfg.ObjectStore = ObjectStore{
		Endpoint:  os.Getenv(envS3Endpoint),
		AccessKey: os.Getenv(envS3AccessKey),
		SecretKey: os.Getenv(envS3SecretKey),
		Region:    os.Getenv(envS3Region),
		Bucket:    os.Getenv(envS3Bucket),
		Prefix:    os.Getenv(envS3Prefix),
		UseSSL:    true,
	}

	var errs []error
	if v := os.Getenv(envTimeout); v != "" {
		d, err := ParseTimeout(v, os.Getenv(envTimeoutUnit))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envTimeout, err))
		}
		cfg.Remote.ConnectionTimeout = d
	}
	if v := os.Getenv(envPollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil && d <= 0 {
			err = errors.New("must be positive")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envPollInterval, err))
		}
		cfg.Poll.Interval = d
	}
	if v := os.Getenv(envPollMaxWait); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envPollMaxWait, err))
		}
		cfg.Poll.MaxWait = d
	}
	if v := os.Getenv(envPollMaxAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n < 0 {
			err = errors.New("must not be negative")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envPollMaxAttempts, err))
		}
		cfg.Poll.MaxAttempts = n
	}
	if v := os.Getenv(envRateLimit); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envRateLimit, err))
		}
		cfg.Remote.RateLimit = f
	}
	if v := os.Getenv(envRateBurst); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envRateBurst, err))
		}
		cfg.Remote.RateBurst = n
	}
	if v := os.Getenv(envS3UseSSL); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envS3UseSSL, err))
		}
		cfg.ObjectStore.UseSSL = b
	}

	return cfg, errors.Join(errs...)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseTimeUnit maps a time unit name to its duration. Names follow the
// portal's conventions (SECONDS, MILLISECONDS, ...) and are case-insensitive.
// The empty string means seconds.
func ParseTimeUnit(s string) (time.Duration, error) {
	if s == "" {
		s = defaultTimeUnit
	}
	switch strings.ToUpper(s) {
	case "NANOSECONDS":
		return time.Nanosecond, nil
	case "MICROSECONDS":
		return time.Microsecond, nil
	case "MILLISECONDS":
		return time.Millisecond, nil
	case "SECONDS":
		return time.Second, nil
	case "MINUTES":
		return time.Minute, nil
	case "HOURS":
		return time.Hour, nil
	case "DAYS":
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown time unit %q", s)
}

// ParseTimeout combines an integer amount with a time unit. An amount with a
// Go duration suffix ("30s") is accepted as is and the unit is ignored.
func ParseTimeout(amount, unit string) (time.Duration, error) {
	if n, err := strconv.ParseInt(amount, 10, 64); err == nil {
		if n < 0 {
			return 0, errors.New("timeout must not be negative")
		}
		u, err := ParseTimeUnit(unit)
		if err != nil {
			return 0, err
		}
		if n > math.MaxInt64/int64(u) {
			return 0, fmt.Errorf("timeout %q exceeds the maximum duration", amount)
		}
		return time.Duration(n) * u, nil
	}
	d, err := time.ParseDuration(amount)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", amount)
	}
	if d < 0 {
		return 0, errors.New("timeout must not be negative")
	}
	return d, nil
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewClient builds the portal client described by r.
func (r Remote) NewClient() (*liferay.Client, error) {
	if r.BaseURL == "" {
		return nil, fmt.Errorf("%s is required", envBaseURL)
	}
	auth, err := r.Auth()
	if err != nil {
		return nil, err
	}
	return liferay.NewClient(liferay.ClientConfig{
		BaseURL:   r.BaseURL,
		Auth:      auth,
		UserAgent: r.UserAgent,
		RateLimit: r.RateLimit,
		RateBurst: r.RateBurst,
	})
}

// Auth selects the authentication scheme for r.
func (r Remote) Auth() (liferay.Auth, error) {
	switch {
	case r.ClientID != "":
		a, err := liferay.NewOAuth2Auth(r.BaseURL, r.ClientID, r.ClientSecret, nil)
		if err != nil {
			return nil, err
		}
		return a, nil
	case r.Username != "":
		return liferay.BasicAuth{Username: r.Username, Password: r.Password}, nil
	}
	return liferay.NoAuth{}, nil
}
