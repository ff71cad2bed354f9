package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("7d")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)

	d, err = ParseDuration("24h")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	_, err = ParseDuration("xd")
	assert.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("JWT_EXPIRATION", "")
	t.Setenv("CORS_ORIGIN", "https://a.example, https://b.example")
	t.Setenv("RBQ_VERIFIER_CMD", "python3 rbq.py")

	cfg := LoadConfig()

	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 24*time.Hour, cfg.Auth.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.RefreshTTL)
	assert.Equal(t, 2555, cfg.Retention.Days)
	assert.Equal(t, 365, cfg.Retention.AuditDays)
	assert.Equal(t, 120*time.Second, cfg.Licence.Timeout)
	assert.Equal(t, []string{"python3", "rbq.py"}, cfg.Licence.Command)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestRefreshSecretFallsBack(t *testing.T) {
	t.Setenv("JWT_SECRET", "only-one")
	cfg := LoadConfig()
	if _, set := os.LookupEnv("JWT_REFRESH_SECRET"); !set {
		assert.Equal(t, "only-one", cfg.Auth.JWTRefreshSecret)
	}
}

func TestGetDSNPrefersURL(t *testing.T) {
	db := DatabaseConfig{URL: "postgres://u:p@h/db", Host: "ignored"}
	assert.Equal(t, "postgres://u:p@h/db", db.GetDSN())

	db = DatabaseConfig{Host: "h", Port: 5432, Username: "u", Password: "p", DBName: "d", SSLMode: "disable"}
	assert.Equal(t, "host=h port=5432 user=u password=p dbname=d sslmode=disable", db.GetDSN())
}

func TestForwarderEnabled(t *testing.T) {
	assert.False(t, ForwarderConfig{}.Enabled())
	assert.False(t, ForwarderConfig{AxiomToken: "t"}.Enabled())
	assert.True(t, ForwarderConfig{AxiomToken: "t", AxiomDataset: "d"}.Enabled())
	assert.True(t, ForwarderConfig{DDAPIKey: "k"}.Enabled())
}

func TestValidateRefusesDefaultSecret(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		secret  string
		wantErr bool
	}{
		{"production with default", "production", DefaultJWTSecret, true},
		{"unset env counts as production", "", DefaultJWTSecret, true},
		{"staging with default", "staging", DefaultJWTSecret, true},
		{"development with default", "development", DefaultJWTSecret, false},
		{"test with default", "TEST", DefaultJWTSecret, false},
		{"production with own secret", "production", "s3cret", false},
		{"empty secret anywhere", "development", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Server: ServerConfig{Env: tt.env},
				Auth:   AuthConfig{JWTSecret: tt.secret, JWTRefreshSecret: tt.secret},
			}
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateChecksRefreshSecret(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{JWTSecret: "s3cret", JWTRefreshSecret: DefaultJWTSecret}}
	assert.Error(t, cfg.Validate())
}

func TestLoadConfigDefaultsToProduction(t *testing.T) {
	if _, set := os.LookupEnv("APP_ENV"); set {
		t.Skip("APP_ENV set by the environment")
	}
	cfg := LoadConfig()
	assert.Equal(t, "production", cfg.Server.Env)
	assert.False(t, cfg.Server.Insecure())
}
