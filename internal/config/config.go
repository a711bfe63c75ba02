package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is everything the webhook service reads from its environment.
// A local .env file is loaded first when present. Packages receive the
// sections they need; nothing else reads os.Getenv.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Webhook WebhookConfig
	Notify  NotifyConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is one of disable, require, verify-ca, verify-full.
	// It defaults to disable outside production only.
	SSLMode string

	// AutoMigrate applies embedded migrations on startup.
	AutoMigrate bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

// WebhookConfig bounds each provider delivery.
type WebhookConfig struct {
	// Timeout is the budget for one webhook invocation; past it the handler
	// answers with a degraded response.
	Timeout time.Duration

	// WorkTimeout bounds processing that continues after a timed-out response.
	WorkTimeout time.Duration

	// FallbackOrgName is spoken to callers when the organization cannot be loaded.
	FallbackOrgName string
}

type NotifyConfig struct {
	ChannelPrefix  string
	PublishTimeout time.Duration
}

var (
	validEnvs     = []string{"local", "dev", "staging", "production"}
	validSSLModes = []string{"disable", "require", "verify-ca", "verify-full"}
)

func Load() (Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	var e env
	c := Config{
		App: AppConfig{
			Env:  e.str("APP_ENV"),
			Port: e.integer("APP_PORT"),
		},
		DB: DBConfig{
			Host:        e.str("DB_HOST"),
			Port:        e.integer("DB_PORT"),
			User:        e.str("DB_USER"),
			Password:    os.Getenv("DB_PASSWORD"),
			Name:        e.str("DB_NAME"),
			SSLMode:     e.str("DB_SSLMODE"),
			AutoMigrate: e.boolean("DB_AUTO_MIGRATE"),
		},
		Redis: RedisConfig{
			Host:     e.str("REDIS_HOST"),
			Port:     e.integer("REDIS_PORT"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		// Zero durations pick up defaults in Validate.
		Webhook: WebhookConfig{
			Timeout:         e.duration("WEBHOOK_TIMEOUT"),
			WorkTimeout:     e.duration("WEBHOOK_WORK_TIMEOUT"),
			FallbackOrgName: e.str("WEBHOOK_FALLBACK_ORG_NAME"),
		},
		Notify: NotifyConfig{
			ChannelPrefix:  e.str("NOTIFY_CHANNEL_PREFIX"),
			PublishTimeout: e.duration("NOTIFY_PUBLISH_TIMEOUT"),
		},
	}
	if err := errors.Join(e.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills env-dependent defaults in place.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(slices.Contains(validEnvs, c.App.Env), "APP_ENV must be one of %s, got %q", strings.Join(validEnvs, ", "), c.App.Env)
	check(validPort(c.App.Port), "APP_PORT must be a valid port, got %d", c.App.Port)

	check(c.DB.Host != "", "DB_HOST is required")
	check(validPort(c.DB.Port), "DB_PORT must be a valid port, got %d", c.DB.Port)
	check(c.DB.User != "", "DB_USER is required")
	check(c.DB.Name != "", "DB_NAME is required")
	if c.DB.SSLMode == "" && !c.IsProduction() {
		c.DB.SSLMode = "disable"
	}
	check(c.DB.SSLMode != "" || !c.IsProduction(), "DB_SSLMODE is required in production")
	check(c.DB.SSLMode == "" || slices.Contains(validSSLModes, c.DB.SSLMode),
		"DB_SSLMODE must be one of %s, got %q", strings.Join(validSSLModes, ", "), c.DB.SSLMode)

	check(c.Redis.Host != "", "REDIS_HOST is required")
	check(validPort(c.Redis.Port), "REDIS_PORT must be a valid port, got %d", c.Redis.Port)

	// Providers give up on a webhook after about ten seconds.
	c.Webhook.Timeout = orDuration(c.Webhook.Timeout, 8*time.Second)
	c.Webhook.WorkTimeout = orDuration(c.Webhook.WorkTimeout, 30*time.Second)
	check(c.Webhook.WorkTimeout >= c.Webhook.Timeout, "WEBHOOK_WORK_TIMEOUT must not be shorter than WEBHOOK_TIMEOUT")
	if c.Webhook.FallbackOrgName == "" {
		c.Webhook.FallbackOrgName = "our office"
	}

	if c.Notify.ChannelPrefix == "" {
		c.Notify.ChannelPrefix = "outreach"
	}
	c.Notify.PublishTimeout = orDuration(c.Notify.PublishTimeout, 2*time.Second)
	check(c.Notify.PublishTimeout < c.Webhook.Timeout, "NOTIFY_PUBLISH_TIMEOUT must be shorter than WEBHOOK_TIMEOUT")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// PostgresDSN contains the password; never log it.
func (c Config) PostgresDSN() string {
	parts := []string{
		"host=" + c.DB.Host,
		"port=" + strconv.Itoa(c.DB.Port),
		"user=" + c.DB.User,
		"password=" + c.DB.Password,
		"dbname=" + c.DB.Name,
		"sslmode=" + c.DB.SSLMode,
	}
	return strings.Join(parts, " ")
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// env reads variables and collects parse errors so Load reports them at once.
type env struct {
	errs []error
}

func (e *env) str(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// integer is required; a missing value is an error.
func (e *env) integer(key string) int {
	v := e.str(key)
	if v == "" {
		e.errs = append(e.errs, fmt.Errorf("%s is required", key))
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return 0
	}
	return n
}

// duration is optional; empty yields zero.
func (e *env) duration(key string) time.Duration {
	v := e.str(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s must be a duration like 8s, got %q", key, v))
		return 0
	}
	return d
}

func (e *env) boolean(key string) bool {
	b, _ := strconv.ParseBool(e.str(key))
	return b
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
