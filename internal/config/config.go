// Package config loads the EVERLIV API configuration from the environment
// (optionally seeded from a .env file) and the subscription plan catalog.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the process configuration.
type Config struct {
	Environment     string        `env:"ENVIRONMENT,default=development"`
	HTTPAddr        string        `env:"HTTP_ADDR,default=:8080"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	LogFormat       string        `env:"LOG_FORMAT,default=json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`

	Supabase  SupabaseConfig
	PayKeeper PayKeeperConfig
	LLM       LLMConfig

	// DatabaseURL enables the direct Postgres usage store, admin reports and migrations.
	DatabaseURL string `env:"DATABASE_URL"`
	// RedisURL enables the shared analytics cache; the in-memory cache is used otherwise.
	RedisURL string `env:"REDIS_URL"`

	TrialDuration   time.Duration `env:"TRIAL_DURATION,default=72h"`
	AnalyticsTTL    time.Duration `env:"ANALYTICS_TTL,default=24h"`
	PlansConfigPath string        `env:"PLANS_CONFIG_PATH"`

	RateLimitRPS   float64  `env:"RATE_LIMIT_RPS,default=10"`
	RateLimitBurst int      `env:"RATE_LIMIT_BURST,default=20"`
	CORSOrigins    []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	// AdminUserIDs bootstraps admins before any user_roles row exists.
	AdminUserIDs []string `env:"ADMIN_USER_IDS"`

	RealtimeEnabled  bool `env:"REALTIME_ENABLED,default=true"`
	SchedulerEnabled bool `env:"SCHEDULER_ENABLED,default=true"`
}

// SupabaseConfig holds project credentials.
type SupabaseConfig struct {
	URL            string `env:"SUPABASE_URL"`
	AnonKey        string `env:"SUPABASE_ANON_KEY"`
	ServiceRoleKey string `env:"SUPABASE_SERVICE_ROLE_KEY"`
	JWTSecret      string `env:"SUPABASE_JWT_SECRET"`
	JWTAudience    string `env:"SUPABASE_JWT_AUDIENCE,default=authenticated"`
	AnalysesBucket string `env:"SUPABASE_ANALYSES_BUCKET,default=medical-analyses"`
}

// PayKeeperConfig holds PayKeeper merchant credentials.
type PayKeeperConfig struct {
	ServerURL string `env:"PAYKEEPER_SERVER"`
	User      string `env:"PAYKEEPER_USER"`
	Password  string `env:"PAYKEEPER_PASSWORD"`
	Secret    string `env:"PAYKEEPER_SECRET"`
	// PendingTTL is how long an unpaid invoice stays pending.
	PendingTTL time.Duration `env:"PAYKEEPER_PENDING_TTL,default=24h"`
}

// Enabled reports whether invoices can be issued.
func (c PayKeeperConfig) Enabled() bool {
	return c.ServerURL != "" && c.User != "" && c.Password != "" && c.Secret != ""
}

// LLMConfig holds AI provider settings.
type LLMConfig struct {
	DefaultProvider  string        `env:"LLM_DEFAULT_PROVIDER,default=openai"`
	Timeout          time.Duration `env:"LLM_TIMEOUT,default=90s"`
	OpenAIKey        string        `env:"OPENAI_API_KEY"`
	OpenAIModel      string        `env:"OPENAI_MODEL,default=gpt-4o-mini"`
	OpenAIBaseURL    string        `env:"OPENAI_BASE_URL"`
	AnthropicKey     string        `env:"ANTHROPIC_API_KEY"`
	AnthropicModel   string        `env:"ANTHROPIC_MODEL,default=claude-3-5-sonnet-20241022"`
	AnthropicBaseURL string        `env:"ANTHROPIC_BASE_URL,default=https://api.anthropic.com"`
}

// Load reads envFile (if it exists) into the process environment and decodes Config.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.AdminUserIDs = splitList(cfg.AdminUserIDs)

	return &cfg, nil
}

// Validate checks the settings the gateway cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.Supabase.URL == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	if c.Supabase.ServiceRoleKey == "" {
		missing = append(missing, "SUPABASE_SERVICE_ROLE_KEY")
	}
	if c.Supabase.JWTSecret == "" {
		missing = append(missing, "SUPABASE_JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	switch c.LLM.DefaultProvider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("LLM_DEFAULT_PROVIDER must be openai or anthropic, got %q", c.LLM.DefaultProvider)
	}
	if c.TrialDuration <= 0 {
		return fmt.Errorf("TRIAL_DURATION must be positive")
	}
	if c.AnalyticsTTL <= 0 {
		return fmt.Errorf("ANALYTICS_TTL must be positive")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}
	return nil
}

// IsProduction reports whether ENVIRONMENT is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// splitList accepts both envdecode's ";" separator and commas.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.FieldsFunc(item, func(r rune) bool { return r == ',' || r == ';' }) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
