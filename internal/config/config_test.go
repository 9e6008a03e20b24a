package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

const strongSecret = "0123456789abcdef0123456789abcdef-prod"

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"IMPACT_HTTP_ADDR=:7000\nIMPACT_TOKEN_ISSUER=from-file\nIMPACT_BCRYPT_COST=10\n"), 0o600))

	env := map[string]string{
		"IMPACT_ENV_FILE":        envFile,
		"IMPACT_ENV":             "production",
		"IMPACT_AUTH_SECRET":     strongSecret,
		"IMPACT_TOKEN_ISSUER":    "from-env",
		"IMPACT_MAX_SESSION_AGE": "8h",
		"IMPACT_CORS_ORIGINS":    "https://app.example.org, https://admin.example.org",
		"IMPACT_COOKIE_SECURE":   "true",
	}
	cfg, err := LoadFrom([]string{"-grpc", ":9999", "-migrate"}, mapLookup(env))
	require.NoError(t, err)

	want := &Config{}
	want.LoadDefaults()
	want.Env = EnvProduction
	want.EnvFile = envFile
	want.HTTPAddr = ":7000"
	want.GRPCAddr = ":9999"
	want.AuthSecret = strongSecret
	want.TokenIssuer = "from-env"
	want.MaxSessionAge = 8 * time.Hour
	want.BcryptCost = 10
	want.CORSOrigins = []string{"https://app.example.org", "https://admin.example.org"}
	want.MigrateOnStart = true

	assert.Empty(t, cmp.Diff(want, cfg))
}

func TestMissingSecretOutsideDevelopment(t *testing.T) {
	_, err := LoadFrom(nil, mapLookup(map[string]string{
		"IMPACT_ENV_FILE": "",
		"IMPACT_ENV":      "production",
	}))
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestShortSecretRejectedOutsideDevelopment(t *testing.T) {
	_, err := LoadFrom(nil, mapLookup(map[string]string{
		"IMPACT_ENV_FILE":    "",
		"IMPACT_ENV":         "staging",
		"IMPACT_AUTH_SECRET": "short",
	}))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestDevelopmentGeneratesSecret(t *testing.T) {
	cfg, err := LoadFrom(nil, mapLookup(map[string]string{"IMPACT_ENV_FILE": ""}))
	require.NoError(t, err)
	assert.True(t, cfg.SecretGenerated)
	assert.Len(t, cfg.AuthSecret, 64)

	other, err := LoadFrom(nil, mapLookup(map[string]string{"IMPACT_ENV_FILE": ""}))
	require.NoError(t, err)
	assert.NotEqual(t, cfg.AuthSecret, other.AuthSecret)
}

func TestInvalidValuesAreJoined(t *testing.T) {
	_, err := LoadFrom(nil, mapLookup(map[string]string{
		"IMPACT_ENV_FILE":       "",
		"IMPACT_BCRYPT_COST":    "twelve",
		"IMPACT_SWEEP_INTERVAL": "soon",
	}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "IMPACT_BCRYPT_COST")
	assert.Contains(t, err.Error(), "IMPACT_SWEEP_INTERVAL")
}

func TestUnknownEnvironment(t *testing.T) {
	_, err := LoadFrom([]string{"-env", "qa"}, mapLookup(map[string]string{"IMPACT_ENV_FILE": ""}))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.LoadDefaults()
	want := Config{
		Env:           EnvDevelopment,
		EnvFile:       ".env",
		HTTPAddr:      ":8080",
		GRPCAddr:      ":9090",
		TokenIssuer:   "impactsurvey",
		MaxSessionAge: 12 * time.Hour,
		BcryptCost:    12,
		BurstRPS:      20,
		Burst:         40,
		SweepInterval: time.Minute,
		CORSOrigins:   []string{"http://localhost:3000"},
		CookieSecure:  true,
	}
	assert.Empty(t, cmp.Diff(want, *cfg, cmpopts.EquateEmpty()))
}

func TestBootstrapSettingsComeInPairs(t *testing.T) {
	_, err := LoadFrom(nil, mapLookup(map[string]string{
		"IMPACT_ENV_FILE":        "",
		"IMPACT_BOOTSTRAP_EMAIL": "root@example.org",
	}))
	require.ErrorIs(t, err, ErrInvalid)

	cfg, err := LoadFrom(nil, mapLookup(map[string]string{
		"IMPACT_ENV_FILE":                "",
		"IMPACT_BOOTSTRAP_EMAIL":         "root@example.org",
		"IMPACT_BOOTSTRAP_PASSWORD_HASH": "$2a$04$abcdefghijklmnopqrstuu",
	}))
	require.NoError(t, err)
	assert.Equal(t, "root@example.org", cfg.BootstrapEmail)
	assert.Equal(t, "$2a$04$abcdefghijklmnopqrstuu", cfg.BootstrapPasswordHash)
}
