// Package config resolves runtime settings from defaults, an optional .env
// file, the environment and command-line flags, in that order of precedence.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"

	// MinSecretLength is the shortest signing secret accepted outside development.
	MinSecretLength = 32
)

var (
	ErrMissingSecret = errors.New("config: IMPACT_AUTH_SECRET is required outside development")
	ErrInvalid       = errors.New("config: invalid value")
)

// Config holds runtime settings for the access service.
type Config struct {
	Env            string
	EnvFile        string
	HTTPAddr       string
	GRPCAddr       string
	PGDSN          string
	RedisAddr      string
	RedisPassword  string
	AuthSecret     string
	TokenIssuer    string
	MaxSessionAge  time.Duration
	BcryptCost     int
	BurstRPS       float64
	Burst          int
	SweepInterval  time.Duration
	CORSOrigins    []string
	CookieSecure   bool
	MigrateOnStart bool

	// BootstrapEmail and BootstrapPasswordHash seed a super_admin at startup
	// when the account does not exist yet. The hash comes from cmd/hashpw.
	BootstrapEmail        string
	BootstrapPasswordHash string

	// SecretGenerated is set when a development secret was generated because
	// none was configured.
	SecretGenerated bool
}

// LoadDefaults populates c with development defaults.
func (c *Config) LoadDefaults() {
	c.Env = EnvDevelopment
	c.EnvFile = ".env"
	c.HTTPAddr = ":8080"
	c.GRPCAddr = ":9090"
	c.TokenIssuer = "impactsurvey"
	c.MaxSessionAge = 12 * time.Hour
	c.BcryptCost = 12
	c.BurstRPS = 20
	c.Burst = 40
	c.SweepInterval = time.Minute
	c.CORSOrigins = []string{"http://localhost:3000"}
	c.CookieSecure = true
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == EnvDevelopment }

// Load builds the process configuration from os.Args and the environment.
func Load() (*Config, error) {
	return LoadFrom(os.Args[1:], os.LookupEnv)
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// LoadFrom builds a Config from args and lookup. Values from the .env file
// only apply to keys the environment does not set.
func LoadFrom(args []string, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if v, ok := lookup("IMPACT_ENV_FILE"); ok {
		cfg.EnvFile = v
	}
	fileValues := map[string]string{}
	if cfg.EnvFile != "" {
		values, err := godotenv.Read(cfg.EnvFile)
		switch {
		case err == nil:
			fileValues = values
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: read %s: %w", cfg.EnvFile, err)
		}
	}
	merged := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := fileValues[key]
		return v, ok
	}

	if err := applyEnv(cfg, merged); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("IMPACT_ENV", &cfg.Env)
	str("IMPACT_HTTP_ADDR", &cfg.HTTPAddr)
	str("IMPACT_GRPC_ADDR", &cfg.GRPCAddr)
	str("IMPACT_PG_DSN", &cfg.PGDSN)
	str("IMPACT_REDIS_ADDR", &cfg.RedisAddr)
	str("IMPACT_REDIS_PASSWORD", &cfg.RedisPassword)
	str("IMPACT_AUTH_SECRET", &cfg.AuthSecret)
	str("IMPACT_TOKEN_ISSUER", &cfg.TokenIssuer)
	str("IMPACT_BOOTSTRAP_EMAIL", &cfg.BootstrapEmail)
	str("IMPACT_BOOTSTRAP_PASSWORD_HASH", &cfg.BootstrapPasswordHash)

	var errs []error
	if v, ok := lookup("IMPACT_MAX_SESSION_AGE"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: IMPACT_MAX_SESSION_AGE: %v", ErrInvalid, err))
		}
		cfg.MaxSessionAge = d
	}
	if v, ok := lookup("IMPACT_SWEEP_INTERVAL"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: IMPACT_SWEEP_INTERVAL: %v", ErrInvalid, err))
		}
		cfg.SweepInterval = d
	}
	if v, ok := lookup("IMPACT_BCRYPT_COST"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: IMPACT_BCRYPT_COST: %v", ErrInvalid, err))
		}
		cfg.BcryptCost = n
	}
	if v, ok := lookup("IMPACT_BURST_RPS"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: IMPACT_BURST_RPS: %v", ErrInvalid, err))
		}
		cfg.BurstRPS = f
	}
	if v, ok := lookup("IMPACT_BURST"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: IMPACT_BURST: %v", ErrInvalid, err))
		}
		cfg.Burst = n
	}
	if v, ok := lookup("IMPACT_COOKIE_SECURE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: IMPACT_COOKIE_SECURE: %v", ErrInvalid, err))
		}
		cfg.CookieSecure = b
	}
	if v, ok := lookup("IMPACT_CORS_ORIGINS"); ok {
		cfg.CORSOrigins = splitList(v)
	}
	return errors.Join(errs...)
}

// parseFlags overlays command-line flags.
//
//	-env string      deployment environment
//	-http string     HTTP listen address
//	-grpc string     gRPC listen address
//	-dsn string      PostgreSQL DSN
//	-redis string    Redis address for the shared limiter store
//	-migrate         apply migrations before serving
func parseFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("impact-api", flag.ContinueOnError)
	fs.StringVar(&cfg.Env, "env", cfg.Env, "deployment environment (development|staging|production)")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc", cfg.GRPCAddr, "gRPC listen address")
	fs.StringVar(&cfg.PGDSN, "dsn", cfg.PGDSN, "PostgreSQL DSN")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address")
	fs.BoolVar(&cfg.MigrateOnStart, "migrate", cfg.MigrateOnStart, "apply migrations before serving")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: flags: %v", ErrInvalid, err)
	}
	return nil
}

// Validate checks c and fills a development secret when none is set.
func (c *Config) Validate() error {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	switch c.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("%w: unknown environment %q", ErrInvalid, c.Env)
	}

	if c.AuthSecret == "" {
		if !c.IsDevelopment() {
			return ErrMissingSecret
		}
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		c.AuthSecret = secret
		c.SecretGenerated = true
	} else if len(c.AuthSecret) < MinSecretLength && !c.IsDevelopment() {
		return fmt.Errorf("%w: IMPACT_AUTH_SECRET must be at least %d bytes", ErrInvalid, MinSecretLength)
	}

	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, fmt.Errorf("%w: HTTP address is empty", ErrInvalid))
	}
	if c.MaxSessionAge < 0 {
		errs = append(errs, fmt.Errorf("%w: max session age must not be negative", ErrInvalid))
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("%w: bcrypt cost %d out of range", ErrInvalid, c.BcryptCost))
	}
	if c.BurstRPS <= 0 || c.Burst <= 0 {
		errs = append(errs, fmt.Errorf("%w: burst guard needs positive rate and burst", ErrInvalid))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: sweep interval must be positive", ErrInvalid))
	}
	if (c.BootstrapEmail == "") != (c.BootstrapPasswordHash == "") {
		errs = append(errs, fmt.Errorf("%w: IMPACT_BOOTSTRAP_EMAIL and IMPACT_BOOTSTRAP_PASSWORD_HASH must be set together", ErrInvalid))
	}
	return errors.Join(errs...)
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("config: generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
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
