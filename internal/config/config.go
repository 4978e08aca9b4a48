// Package config loads application configuration from an optional YAML
// file with environment-variable overrides. A Config is constructed once
// in main and threaded through constructors; nothing reads it globally.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Env       string          `yaml:"env"` // dev, staging, prod
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Mail      MailConfig      `yaml:"mail"`
	Line      LineConfig      `yaml:"line"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Redis     RedisConfig     `yaml:"redis"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	AdminToken  string   `yaml:"admin_token"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// MailConfig selects and configures the email provider. Provider is
// "sendgrid", "ses", or "mock"; an empty provider with no API key falls
// back to mock so development environments never need credentials.
type MailConfig struct {
	Provider         string   `yaml:"provider"`
	SendGridAPIKey   string   `yaml:"sendgrid_api_key"`
	SESRegion        string   `yaml:"ses_region"`
	SESAccessKey     string   `yaml:"ses_access_key"`
	SESSecretKey     string   `yaml:"ses_secret_key"`
	FromEmail        string   `yaml:"from_email"`
	FromName         string   `yaml:"from_name"`
	ReplyTo          string   `yaml:"reply_to"`
	RedirectTo       string   `yaml:"redirect_to"`
	AllowlistDomains []string `yaml:"allowlist_domains"`
}

type LineConfig struct {
	ChannelToken string `yaml:"channel_token"`
	FriendAddURL string `yaml:"friend_add_url"`
	TestUserID   string `yaml:"test_user_id"`
}

type SchedulerConfig struct {
	Enabled               bool          `yaml:"enabled"`
	TickInterval          time.Duration `yaml:"tick_interval"`
	RateLimitPerMinute    int           `yaml:"rate_limit_per_minute"`
	LookbackDays          int           `yaml:"lookback_days"`
	CalendarLookbackDays  int           `yaml:"calendar_lookback_days"`
	CalendarLookaheadDays int           `yaml:"calendar_lookahead_days"`
}

// UnmarshalYAML parses tick_interval as a duration string ("5m", "90s").
func (s *SchedulerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled               bool   `yaml:"enabled"`
		TickInterval          string `yaml:"tick_interval"`
		RateLimitPerMinute    int    `yaml:"rate_limit_per_minute"`
		LookbackDays          int    `yaml:"lookback_days"`
		CalendarLookbackDays  int    `yaml:"calendar_lookback_days"`
		CalendarLookaheadDays int    `yaml:"calendar_lookahead_days"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.Enabled = raw.Enabled
	s.RateLimitPerMinute = raw.RateLimitPerMinute
	s.LookbackDays = raw.LookbackDays
	s.CalendarLookbackDays = raw.CalendarLookbackDays
	s.CalendarLookaheadDays = raw.CalendarLookaheadDays
	if raw.TickInterval != "" {
		d, err := time.ParseDuration(raw.TickInterval)
		if err != nil {
			return fmt.Errorf("scheduler.tick_interval: %w", err)
		}
		s.TickInterval = d
	}
	return nil
}

type TrackingConfig struct {
	BaseURL           string `yaml:"base_url"`
	TrackingSecret    string `yaml:"tracking_secret"`
	UnsubscribeSecret string `yaml:"unsubscribe_secret"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

// IsProduction reports whether safety redirection must be bypassed.
func (c *Config) IsProduction() bool { return c.Env == "prod" }

// Load reads configuration: .env (best effort), then the YAML file at
// path when it exists, then environment overrides, then defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&c.Env, "APP_ENV")
	setStr(&c.Server.Addr, "SERVER_ADDR")
	setStr(&c.Server.AdminToken, "ADMIN_TOKEN")
	setStr(&c.Database.URL, "DATABASE_URL")
	setStr(&c.Mail.Provider, "MAIL_PROVIDER")
	setStr(&c.Mail.SendGridAPIKey, "SENDGRID_API_KEY")
	setStr(&c.Mail.SESRegion, "AWS_SES_REGION")
	setStr(&c.Mail.SESAccessKey, "AWS_SES_ACCESS_KEY")
	setStr(&c.Mail.SESSecretKey, "AWS_SES_SECRET_KEY")
	setStr(&c.Mail.FromEmail, "MAIL_FROM")
	setStr(&c.Mail.FromName, "MAIL_FROM_NAME")
	setStr(&c.Mail.ReplyTo, "MAIL_REPLY_TO")
	setStr(&c.Mail.RedirectTo, "MAIL_REDIRECT_TO")
	setStr(&c.Line.ChannelToken, "LINE_CHANNEL_TOKEN")
	setStr(&c.Line.FriendAddURL, "LINE_FRIEND_ADD_URL")
	setStr(&c.Line.TestUserID, "LINE_TEST_USER_ID")
	setStr(&c.Tracking.BaseURL, "BASE_URL")
	setStr(&c.Tracking.TrackingSecret, "TRACKING_SECRET")
	setStr(&c.Tracking.UnsubscribeSecret, "UNSUBSCRIBE_SECRET")
	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")

	if v := os.Getenv("MAIL_ALLOWLIST"); v != "" {
		c.Mail.AllowlistDomains = splitCSV(v)
	}
	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		c.Scheduler.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.TickInterval = d
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = 5 * time.Minute
	}
	if c.Scheduler.RateLimitPerMinute == 0 {
		c.Scheduler.RateLimitPerMinute = 60
	}
	if c.Scheduler.LookbackDays == 0 {
		c.Scheduler.LookbackDays = 30
	}
	if c.Scheduler.CalendarLookbackDays == 0 {
		c.Scheduler.CalendarLookbackDays = 30
	}
	if c.Scheduler.CalendarLookaheadDays == 0 {
		c.Scheduler.CalendarLookaheadDays = 90
	}
	if c.Tracking.TrackingSecret == "" {
		c.Tracking.TrackingSecret = "change-me-in-production"
	}
	if c.Tracking.UnsubscribeSecret == "" {
		c.Tracking.UnsubscribeSecret = "change-me-in-production"
	}
	if c.Mail.FromEmail == "" {
		c.Mail.FromEmail = "noreply@example.ac.jp"
	}
}

func (c *Config) validate() error {
	switch c.Env {
	case "dev", "staging", "prod":
	default:
		return fmt.Errorf("env must be dev, staging, or prod (got %q)", c.Env)
	}
	if c.IsProduction() {
		var errs []string
		if c.Tracking.TrackingSecret == "change-me-in-production" {
			errs = append(errs, "TRACKING_SECRET must be set in production")
		}
		if c.Tracking.UnsubscribeSecret == "change-me-in-production" {
			errs = append(errs, "UNSUBSCRIBE_SECRET must be set in production")
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
