// Package config loads the service configuration: required credentials from
// the environment, optional tunables from a TOML file. The preflight reports
// every missing variable at once so operators fix a deployment in one pass.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	hashKeyLength       = 32
	hashIVLength        = 16
	sessionSecretLength = 32
)

// Config is the full runtime configuration of the service.
type Config struct {
	Port string
	Env  string

	// Payment gateway credentials.
	PaymentAPIBase string
	MerchantID     string
	HashKey        string
	HashIV         string
	NotifyURL      string
	ReturnURL      string

	// Frontend and identity.
	TurnstileSecret   string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURL  string
	SessionSecret     string
	FrontendOrigins   []string

	// Storage.
	DatabaseURL  string
	DatabasePath string
	CatalogPath  string

	// Background jobs.
	SweepInterval time.Duration
	ReconDir      string
	ReconRunHour  int
	ReconRunMin   int
	ReconWindow   time.Duration
	ReconEnabled  bool

	// Observability.
	LogFile      string
	OTLPEndpoint string
	OTLPInsecure bool

	Tunables Tunables

	// Warnings are non-fatal findings surfaced at startup.
	Warnings []string
}

// FromEnv builds the configuration. In development a local .env file is
// loaded first (without overriding exported variables). All missing required
// variables are reported in a single error.
func FromEnv() (*Config, error) {
	env := strings.ToLower(strings.TrimSpace(getEnvDefault("PAYBRIDGE_ENV", EnvDevelopment)))
	if env == EnvDevelopment {
		_ = godotenv.Load()
	}

	var missing []string
	require := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := &Config{
		Port:              normalizePort(getEnvDefault("PORT", "3000")),
		Env:               env,
		PaymentAPIBase:    strings.TrimRight(require("PAYUNI_API_BASE"), "/"),
		MerchantID:        require("PAYUNI_MERCHANT_ID"),
		HashKey:           require("PAYUNI_HASH_KEY"),
		HashIV:            require("PAYUNI_HASH_IV"),
		NotifyURL:         require("PAYUNI_NOTIFY_URL"),
		ReturnURL:         strings.TrimSpace(os.Getenv("PAYUNI_RETURN_URL")),
		TurnstileSecret:   require("TURNSTILE_SECRET"),
		OAuthClientID:     require("OAUTH_CLIENT_ID"),
		OAuthClientSecret: require("OAUTH_CLIENT_SECRET"),
		OAuthRedirectURL:  require("OAUTH_REDIRECT_URL"),
		SessionSecret:     require("SESSION_SECRET"),
		FrontendOrigins:   parseCSVEnv("FRONTEND_ORIGINS"),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DatabasePath:      getEnvDefault("DATABASE_PATH", "paybridge.db"),
		CatalogPath:       getEnvDefault("CATALOG_PATH", "products.yaml"),
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		OTLPEndpoint:      strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTLPInsecure:      parseBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", true),
		ReconDir:          getEnvDefault("RECON_OUTPUT_DIR", "data/recon"),
		ReconRunHour:      parseIntEnv("RECON_RUN_HOUR", 1),
		ReconRunMin:       parseIntEnv("RECON_RUN_MINUTE", 5),
		ReconEnabled:      parseBoolEnv("RECON_ENABLED", true),
	}

	sweepSeconds := parseIntEnv("SWEEP_INTERVAL_SECONDS", 300)
	if sweepSeconds <= 0 {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS %d", sweepSeconds)
	}
	cfg.SweepInterval = time.Duration(sweepSeconds) * time.Second

	windowHours := parseIntEnv("RECON_WINDOW_HOURS", 24)
	if windowHours <= 0 {
		return nil, fmt.Errorf("invalid RECON_WINDOW_HOURS %d", windowHours)
	}
	cfg.ReconWindow = time.Duration(windowHours) * time.Hour

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if len(cfg.HashKey) != hashKeyLength {
		return nil, fmt.Errorf("PAYUNI_HASH_KEY must be exactly %d bytes, got %d", hashKeyLength, len(cfg.HashKey))
	}
	if len(cfg.HashIV) != hashIVLength {
		return nil, fmt.Errorf("PAYUNI_HASH_IV must be exactly %d bytes, got %d", hashIVLength, len(cfg.HashIV))
	}
	if len(cfg.SessionSecret) < sessionSecretLength {
		return nil, fmt.Errorf("SESSION_SECRET must be at least %d characters", sessionSecretLength)
	}

	if cfg.ReturnURL == "" {
		derived, err := deriveReturnURL(cfg.NotifyURL)
		if err != nil {
			return nil, fmt.Errorf("PAYUNI_RETURN_URL not set and PAYUNI_NOTIFY_URL unusable: %w", err)
		}
		cfg.ReturnURL = derived
	}

	tunables, err := LoadTunables(os.Getenv("PAYBRIDGE_CONFIG"))
	if err != nil {
		return nil, err
	}
	cfg.Tunables = tunables

	if !strings.Contains(cfg.PaymentAPIBase, "sandbox") {
		cfg.Warnings = append(cfg.Warnings,
			fmt.Sprintf("payment API base %s points at the production gateway", cfg.PaymentAPIBase))
	}
	if cfg.DatabaseURL == "" && cfg.Env == EnvProduction {
		cfg.Warnings = append(cfg.Warnings,
			"DATABASE_URL is unset; falling back to the embedded database in production")
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production hardening.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// deriveReturnURL swaps the notify webhook path for the browser return path.
func deriveReturnURL(notifyURL string) (string, error) {
	parsed, err := url.Parse(notifyURL)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("notify URL %q has no scheme or host", notifyURL)
	}
	parsed.Path = "/payment-return"
	parsed.RawQuery = ""
	return parsed.String(), nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "3000"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":3000".
	if port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseCSVEnv(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
	return fields
}
