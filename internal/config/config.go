package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the portal service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	ConnIdleTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string

	MessagesPerLoad int
	OpsPerSecond    float64
	OpsBurst        int

	UploadDir      string
	MaxUploadBytes int64

	DigestEnabled bool
	DigestCron    string
}

// Load reads the optional .env file, then the optional YAML file named by
// APP_CONFIG_FILE, then environment variables, and applies safe defaults.
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		BindAddr:         ":8080",
		ShutdownTimeout:  15 * time.Second,
		ConnIdleTimeout:  10 * time.Minute,
		MetricsNamespace: "umportal",
		MessagesPerLoad:  20,
		OpsPerSecond:     20,
		OpsBurst:         40,
		UploadDir:        "uploads",
		MaxUploadBytes:   16 << 20,
		DigestCron:       "0 7 * * *",
	}

	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.UploadDir = envOrDefault("APP_UPLOAD_DIR", cfg.UploadDir)
	cfg.DigestCron = envOrDefault("DIGEST_CRON", cfg.DigestCron)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnIdleTimeout, err = durationFromEnv("APP_CONN_IDLE_TIMEOUT", cfg.ConnIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MessagesPerLoad, err = intFromEnv("APP_MESSAGES_PER_LOAD", cfg.MessagesPerLoad)
	if err != nil {
		return Config{}, err
	}
	cfg.OpsPerSecond, err = floatFromEnv("APP_OPS_PER_SECOND", cfg.OpsPerSecond)
	if err != nil {
		return Config{}, err
	}
	cfg.OpsBurst, err = intFromEnv("APP_OPS_BURST", cfg.OpsBurst)
	if err != nil {
		return Config{}, err
	}
	maxUpload, err := intFromEnv("APP_MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)
	cfg.DigestEnabled, err = boolFromEnv("DIGEST_ENABLED", cfg.DigestEnabled)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BindAddr) == "" {
		return errors.New("APP_BIND_ADDR must not be empty")
	}
	if c.ConnIdleTimeout < 5*time.Second {
		return fmt.Errorf("APP_CONN_IDLE_TIMEOUT must be at least 5s")
	}
	if c.MessagesPerLoad <= 0 {
		return fmt.Errorf("APP_MESSAGES_PER_LOAD must be positive")
	}
	if c.OpsPerSecond <= 0 {
		return fmt.Errorf("APP_OPS_PER_SECOND must be positive")
	}
	if c.OpsBurst <= 0 {
		return fmt.Errorf("APP_OPS_BURST must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("APP_MAX_UPLOAD_BYTES must be positive")
	}
	if c.DigestEnabled && !gronx.IsValid(c.DigestCron) {
		return fmt.Errorf("DIGEST_CRON %q is not a valid cron expression", c.DigestCron)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
