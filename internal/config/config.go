package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"territoria.org/internal/access"
)

// Prefix is prepended to every environment variable name.
const Prefix = "TERRITORIA_"

// Config is the process configuration.
type Config struct {
	PGDSN          string
	HTTPAddr       string
	LogLevel       string
	AuthSecret     string
	Policy         access.Policy
	ViewPermission string
	AuditQueue     int
	RateBurst      int
	RatePerSec     float64
	GrantRetention time.Duration
	PurgeSchedule  string
	DBMaxOpenConns int
	TokenTTL       time.Duration
	CORSOrigins    []string
	// MigrationsDir and SeedsDir override the embedded SQL files when set.
	MigrationsDir   string
	SeedsDir        string
	ShutdownTimeout time.Duration
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		LogLevel:        "info",
		Policy:          access.PolicyRoleExpansion,
		ViewPermission:  "view",
		AuditQueue:      1024,
		RateBurst:       20,
		RatePerSec:      10,
		GrantRetention:  365 * 24 * time.Hour,
		PurgeSchedule:   "@daily",
		DBMaxOpenConns:  10,
		TokenTTL:        12 * time.Hour,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads the environment after merging the optional dotenv files. Variables
// already set in the environment win over file values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from a variable lookup function.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	cfg.PGDSN = p.str("PG_DSN", cfg.PGDSN)
	cfg.HTTPAddr = p.str("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = p.str("LOG_LEVEL", cfg.LogLevel)
	cfg.AuthSecret = p.str("AUTH_SECRET", cfg.AuthSecret)
	if raw, ok := p.get("PROVISIONING_POLICY"); ok {
		policy, err := access.ParsePolicy(raw)
		if err != nil {
			p.fail("PROVISIONING_POLICY", err)
		}
		cfg.Policy = policy
	}
	cfg.ViewPermission = p.str("VIEW_PERMISSION", cfg.ViewPermission)
	cfg.AuditQueue = p.positiveInt("AUDIT_QUEUE", cfg.AuditQueue)
	cfg.RateBurst = p.positiveInt("RATE_BURST", cfg.RateBurst)
	cfg.RatePerSec = p.positiveFloat("RATE_PER_SEC", cfg.RatePerSec)
	cfg.GrantRetention = p.duration("GRANT_RETENTION", cfg.GrantRetention, true)
	cfg.PurgeSchedule = p.str("PURGE_SCHEDULE", cfg.PurgeSchedule)
	cfg.DBMaxOpenConns = p.positiveInt("DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns)
	cfg.TokenTTL = p.duration("TOKEN_TTL", cfg.TokenTTL, false)
	cfg.CORSOrigins = p.list("CORS_ORIGINS")
	cfg.MigrationsDir = p.str("MIGRATIONS_DIR", cfg.MigrationsDir)
	cfg.SeedsDir = p.str("SEEDS_DIR", cfg.SeedsDir)
	cfg.ShutdownTimeout = p.duration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout, false)

	if cfg.GrantRetention > 0 {
		if _, err := cron.ParseStandard(cfg.PurgeSchedule); err != nil {
			p.fail("PURGE_SCHEDULE", err)
		}
	}
	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	return cfg, nil
}

// Validate checks the settings the API server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.PGDSN == "" {
		errs = append(errs, fmt.Errorf("config: %sPG_DSN is required", Prefix))
	}
	if c.AuthSecret == "" {
		errs = append(errs, fmt.Errorf("config: %sAUTH_SECRET is required", Prefix))
	}
	return errors.Join(errs...)
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(name string) (string, bool) {
	v, ok := p.lookup(Prefix + name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) fail(name string, err error) {
	p.errs = append(p.errs, fmt.Errorf("config: %s%s: %w", Prefix, name, err))
}

func (p *parser) str(name, def string) string {
	if v, ok := p.get(name); ok {
		return v
	}
	return def
}

func (p *parser) positiveInt(name string, def int) int {
	raw, ok := p.get(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		p.fail(name, fmt.Errorf("want a positive integer, got %q", raw))
		return def
	}
	return n
}

func (p *parser) positiveFloat(name string, def float64) float64 {
	raw, ok := p.get(name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		p.fail(name, fmt.Errorf("want a positive number, got %q", raw))
		return def
	}
	return f
}

func (p *parser) duration(name string, def time.Duration, allowZero bool) time.Duration {
	raw, ok := p.get(name)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		p.fail(name, fmt.Errorf("invalid duration %q", raw))
		return def
	}
	return d
}

func (p *parser) list(name string) []string {
	raw, ok := p.get(name)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
