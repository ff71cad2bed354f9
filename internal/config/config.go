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

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Licence   LicenceConfig
	Metrics   MetricsConfig
	Forwarder ForwarderConfig
	Retention RetentionConfig
	Log       LogConfig
}

// DefaultJWTSecret is the signing secret used when JWT_SECRET is unset. Only
// development and test environments may run with it.
const DefaultJWTSecret = "change-me-in-production"

// ServerConfig holds the server configuration
type ServerConfig struct {
	Port        int
	CORSOrigins []string
	// Env is APP_ENV; unset means production.
	Env string
}

// Insecure reports whether the environment tolerates development defaults.
func (s ServerConfig) Insecure() bool {
	switch strings.ToLower(s.Env) {
	case "development", "dev", "test":
		return true
	}
	return false
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	URL      string
	Host     string
	Port     int
	Username string
	Password string
	DBName   string
	SSLMode  string
	TestURL  string // Separate database for testing
}

type RedisConfig struct {
	URL string
}

// AuthConfig holds the authentication configuration
type AuthConfig struct {
	JWTSecret        string
	JWTRefreshSecret string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	BcryptCost       int
	LinkTokenTTL     time.Duration
	PlatformLinkTTL  time.Duration
}

// LicenceConfig controls the external RBQ scraper.
type LicenceConfig struct {
	Dir     string
	Command []string
	Timeout time.Duration
}

type MetricsConfig struct {
	APIKey          string
	File            string
	PersistInterval time.Duration
}

// ForwarderConfig holds the optional log-sink credentials.
type ForwarderConfig struct {
	AxiomToken    string
	AxiomDataset  string
	AxiomDomain   string
	DDAPIKey      string
	DDSite        string
	DDService     string
	DDEnv         string
	BatchSize     int
	FlushInterval time.Duration
}

// Enabled reports whether at least one sink is configured.
func (f ForwarderConfig) Enabled() bool {
	return (f.AxiomToken != "" && f.AxiomDataset != "") || f.DDAPIKey != ""
}

type RetentionConfig struct {
	Days      int
	AuditDays int
	Schedule  string
}

// Period is the default retention horizon for new accounts.
func (r RetentionConfig) Period() time.Duration {
	return time.Duration(r.Days) * 24 * time.Hour
}

func (r RetentionConfig) AuditHorizon() time.Duration {
	return time.Duration(r.AuditDays) * 24 * time.Hour
}

type LogConfig struct {
	Level  string
	Format string
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.DBName, c.SSLMode,
	)
}

// LoadConfig loads the configuration from environment variables, reading a
// .env file first when one exists.
func LoadConfig() *Config {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", DefaultJWTSecret)

	return &Config{
		Server: ServerConfig{
			Port:        getEnvAsInt("PORT", 3001),
			CORSOrigins: getEnvAsList("CORS_ORIGIN", []string{"http://localhost:3000"}),
			Env:         getEnv("APP_ENV", "production"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Username: getEnv("DB_USERNAME", "postgres"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "qemplois"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			TestURL:  getEnv("TEST_DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		Auth: AuthConfig{
			JWTSecret:        jwtSecret,
			JWTRefreshSecret: getEnv("JWT_REFRESH_SECRET", jwtSecret),
			AccessTTL:        getEnvAsDuration("JWT_EXPIRATION", 24*time.Hour),
			RefreshTTL:       getEnvAsDuration("JWT_REFRESH_EXPIRATION", 7*24*time.Hour),
			BcryptCost:       getEnvAsInt("BCRYPT_COST", 12),
			LinkTokenTTL:     getEnvAsDuration("LINK_TOKEN_TTL", 15*time.Minute),
			PlatformLinkTTL:  getEnvAsDuration("PLATFORM_LINK_TTL", 30*24*time.Hour),
		},
		Licence: LicenceConfig{
			Dir:     getEnv("RBQ_VERIFIER_DIR", "tools"),
			Command: strings.Fields(getEnv("RBQ_VERIFIER_CMD", "uv run rbq_verify.py")),
			Timeout: getEnvAsDuration("RBQ_VERIFIER_TIMEOUT", 120*time.Second),
		},
		Metrics: MetricsConfig{
			APIKey:          getEnv("METRICS_API_KEY", ""),
			File:            getEnv("METRICS_FILE", "data/metrics.json"),
			PersistInterval: getEnvAsDuration("METRICS_PERSIST_INTERVAL", time.Minute),
		},
		Forwarder: ForwarderConfig{
			AxiomToken:    getEnv("AXIOM_TOKEN", ""),
			AxiomDataset:  getEnv("AXIOM_DATASET", ""),
			AxiomDomain:   getEnv("AXIOM_DOMAIN", "api.axiom.co"),
			DDAPIKey:      getEnv("DD_API_KEY", ""),
			DDSite:        getEnv("DD_SITE", "datadoghq.com"),
			DDService:     getEnv("DD_SERVICE", "qemplois-rbq"),
			DDEnv:         getEnv("DD_ENV", "production"),
			BatchSize:     getEnvAsInt("LOG_SHIP_BATCH_SIZE", 10),
			FlushInterval: getEnvAsDuration("LOG_SHIP_FLUSH_INTERVAL", 5*time.Second),
		},
		Retention: RetentionConfig{
			Days:      getEnvAsInt("RETENTION_DAYS", 2555),
			AuditDays: getEnvAsInt("AUDIT_RETENTION_DAYS", 365),
			Schedule:  getEnv("RETENTION_SCHEDULE", "0 2 * * *"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// Validate refuses settings the server must not start with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" || c.Auth.JWTRefreshSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if c.Server.Insecure() {
		return nil
	}
	if c.Auth.JWTSecret == DefaultJWTSecret || c.Auth.JWTRefreshSecret == DefaultJWTSecret {
		return fmt.Errorf("JWT_SECRET is the built-in default; set it or run with APP_ENV=development (APP_ENV=%q)", c.Server.Env)
	}
	return nil
}

// Helper functions to read environment variables
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := ParseDuration(getEnv(key, "")); err == nil {
		return d
	}
	return defaultValue
}

// ParseDuration accepts Go durations plus a day suffix ("7d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
