package config

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/drip/internal/mailer"
)

// Config is the main configuration structure
type Config struct {
	Storage   StorageConfig             `yaml:"storage"`
	Logging   LoggingConfig             `yaml:"logging"`
	Sweep     SweepConfig               `yaml:"sweep"`
	Delivery  DeliveryConfig            `yaml:"delivery"`
	SMTP      SMTPConfig                `yaml:"smtp"`
	Redis     RedisConfig               `yaml:"redis"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	API       APIConfig                 `yaml:"api"`
	DLQ       DLQConfig                 `yaml:"dlq"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	Templates map[string]TemplateConfig `yaml:"templates"`
	Campaigns []CampaignConfig          `yaml:"campaigns"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Driver string `yaml:"driver"` // bolt, postgres
	Path   string `yaml:"path"`   // bolt database file
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// SweepConfig contains settings of the periodic campaign sweep
type SweepConfig struct {
	Schedule   string        `yaml:"schedule"`    // cron spec, default: @every 1m
	BatchSize  int           `yaml:"batch_size"`  // due mailings per batch
	ClaimLease time.Duration `yaml:"claim_lease"` // how long a delivery attempt holds a mailing
	Timeout    time.Duration `yaml:"timeout"`     // per campaign, 0 = no limit
}

// DeliveryConfig contains settings of the asynchronous job runner
type DeliveryConfig struct {
	DeliverLater  bool          `yaml:"deliver_later"` // default for every campaign
	Workers       int           `yaml:"workers"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	DryRun        bool          `yaml:"dry_run"` // log messages instead of sending them
}

// SMTPConfig contains settings of the outbound relay
type SMTPConfig struct {
	Addr        string        `yaml:"addr"`
	Hostname    string        `yaml:"hostname"` // EHLO name
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	From        string        `yaml:"from"` // default sender
	ImplicitTLS bool          `yaml:"implicit_tls"`
	Timeout     time.Duration `yaml:"timeout"`
	DKIM        DKIMConfig    `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// RedisConfig enables Redis sweep locks. Empty addr falls back to postgres
// advisory locks or in-process locks.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ListenAddr   string        `yaml:"listen_addr"`
	BaseURL      string        `yaml:"base_url"`     // public URL used in unsubscribe links
	APIKey       string        `yaml:"api_key"`      // plain key, for development
	APIKeyHash   string        `yaml:"api_key_hash"` // bcrypt hash of the key
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DLQConfig contains retention settings for dead delivery jobs
type DLQConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`   // 0 = keep forever
	MaxCount        int           `yaml:"max_count"` // 0 = unlimited
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// RateLimitConfig contains sending quotas
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Global          *LimitConfig  `yaml:"global,omitempty"`
	DefaultCampaign *LimitConfig  `yaml:"default_campaign,omitempty"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// LimitConfig contains rate limit values. Zero means unlimited.
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

func (l *LimitConfig) validate(field string) error {
	if l == nil {
		return nil
	}
	if l.MessagesPerHour < 0 || l.MessagesPerDay < 0 {
		return fmt.Errorf("%s limits must not be negative", field)
	}
	return nil
}

// TemplateConfig is an email template
type TemplateConfig struct {
	Subject string `yaml:"subject"`
	Text    string `yaml:"text"`
	HTML    string `yaml:"html"`
}

// CampaignConfig declares a campaign and its drips
type CampaignConfig struct {
	Slug         string        `yaml:"slug"`
	Mailer       string        `yaml:"mailer"` // mailer class, default: the slug
	From         string        `yaml:"from"`   // overrides smtp.from
	DeliverLater *bool         `yaml:"deliver_later"`
	Drips        []DripConfig  `yaml:"drips"`
	Delivery     string        `yaml:"delivery"` // argument, context
	BatchSize    int           `yaml:"batch_size"`
	ClaimLease   time.Duration `yaml:"claim_lease"`
	RateLimit    *LimitConfig  `yaml:"rate_limit,omitempty"`
}

// DripConfig declares one drip. A drip with every set is periodical.
type DripConfig struct {
	Action   string            `yaml:"action"`
	Delay    time.Duration     `yaml:"delay"`
	Every    time.Duration     `yaml:"every"`
	Using    string            `yaml:"using"`    // default, parameterized
	Template string            `yaml:"template"` // default: the action
	Options  map[string]string `yaml:"options"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "bolt"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/drip/drip.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "@every 1m"
	}
	if c.Sweep.BatchSize == 0 {
		c.Sweep.BatchSize = 100
	}
	if c.Sweep.ClaimLease == 0 {
		c.Sweep.ClaimLease = 5 * time.Minute
	}

	if c.Delivery.Workers == 0 {
		c.Delivery.Workers = 4
	}
	if c.Delivery.RetryInterval == 0 {
		c.Delivery.RetryInterval = time.Minute
	}
	if c.Delivery.MaxRetries == 0 {
		c.Delivery.MaxRetries = 5
	}
	if c.Delivery.PollInterval == 0 {
		c.Delivery.PollInterval = time.Second
	}
	if c.Delivery.JobTimeout == 0 {
		c.Delivery.JobTimeout = 2 * time.Minute
	}

	if c.SMTP.Hostname == "" {
		hostname, _ := os.Hostname()
		c.SMTP.Hostname = hostname
	}
	if c.SMTP.Timeout == 0 {
		c.SMTP.Timeout = 30 * time.Second
	}

	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 10 * time.Minute
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.DLQ.CleanupInterval == 0 {
		c.DLQ.CleanupInterval = time.Hour
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	for i := range c.Campaigns {
		camp := &c.Campaigns[i]
		if camp.Mailer == "" {
			camp.Mailer = camp.Slug
		}
		if camp.From == "" {
			camp.From = c.SMTP.From
		}
		if camp.Delivery == "" {
			camp.Delivery = "argument"
		}
		if camp.BatchSize == 0 {
			camp.BatchSize = c.Sweep.BatchSize
		}
		if camp.ClaimLease == 0 {
			camp.ClaimLease = c.Sweep.ClaimLease
		}
		for j := range camp.Drips {
			if camp.Drips[j].Template == "" {
				camp.Drips[j].Template = camp.Drips[j].Action
			}
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the bolt driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid storage.driver: %s (must be bolt or postgres)", c.Storage.Driver)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Sweep.BatchSize < 0 {
		return fmt.Errorf("sweep.batch_size must not be negative")
	}

	if !c.Delivery.DryRun && c.SMTP.Addr == "" {
		return fmt.Errorf("smtp.addr is required unless delivery.dry_run is set")
	}

	if err := c.validateDKIM(); err != nil {
		return err
	}

	if c.API.Enabled && c.API.APIKey == "" && c.API.APIKeyHash == "" {
		return fmt.Errorf("api.api_key or api.api_key_hash is required when the API is enabled")
	}
	if c.API.APIKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(c.API.APIKeyHash)); err != nil {
			return fmt.Errorf("api.api_key_hash is not a bcrypt hash: %w", err)
		}
	}

	if err := c.RateLimit.Global.validate("rate_limit.global"); err != nil {
		return err
	}
	if err := c.RateLimit.DefaultCampaign.validate("rate_limit.default_campaign"); err != nil {
		return err
	}

	if err := c.validateTemplates(); err != nil {
		return err
	}

	return c.validateCampaigns()
}

// validateDKIM validates DKIM configuration
func (c *Config) validateDKIM() error {
	if !c.SMTP.DKIM.Enabled {
		return nil
	}

	if c.SMTP.DKIM.Selector == "" {
		return fmt.Errorf("smtp.dkim.selector is required when DKIM is enabled")
	}
	if c.SMTP.DKIM.KeyFile == "" {
		return fmt.Errorf("smtp.dkim.key_file is required when DKIM is enabled")
	}
	if c.SMTP.DKIM.Domain == "" {
		return fmt.Errorf("smtp.dkim.domain is required when DKIM is enabled")
	}

	return nil
}

func (c *Config) validateTemplates() error {
	for name, tc := range c.Templates {
		tmpl := tc.Template()
		if err := tmpl.Validate(); err != nil {
			return fmt.Errorf("templates.%s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) validateCampaigns() error {
	slugs := make(map[string]bool)
	for i, camp := range c.Campaigns {
		if camp.Slug == "" {
			return fmt.Errorf("campaigns[%d].slug is required", i)
		}
		if slugs[camp.Slug] {
			return fmt.Errorf("campaigns[%d]: duplicate slug %q", i, camp.Slug)
		}
		slugs[camp.Slug] = true

		if camp.From == "" {
			return fmt.Errorf("campaigns.%s.from is required (or set smtp.from)", camp.Slug)
		}
		if camp.Delivery != "argument" && camp.Delivery != "context" {
			return fmt.Errorf("campaigns.%s.delivery must be argument or context", camp.Slug)
		}
		if len(camp.Drips) == 0 {
			return fmt.Errorf("campaigns.%s.drips must not be empty", camp.Slug)
		}
		if err := camp.RateLimit.validate("campaigns." + camp.Slug + ".rate_limit"); err != nil {
			return err
		}

		actions := make(map[string]bool)
		for j, d := range camp.Drips {
			if d.Action == "" {
				return fmt.Errorf("campaigns.%s.drips[%d].action is required", camp.Slug, j)
			}
			if actions[d.Action] {
				return fmt.Errorf("campaigns.%s: duplicate drip %q", camp.Slug, d.Action)
			}
			actions[d.Action] = true

			if d.Delay < 0 || d.Every < 0 {
				return fmt.Errorf("campaigns.%s.drips.%s: delay and every must not be negative", camp.Slug, d.Action)
			}
			if _, err := mailer.ParseMode(d.Using); err != nil {
				return fmt.Errorf("campaigns.%s.drips.%s: %w", camp.Slug, d.Action, err)
			}
			if _, ok := c.Templates[d.Template]; !ok {
				return fmt.Errorf("campaigns.%s.drips.%s: template %q not found", camp.Slug, d.Action, d.Template)
			}
		}
	}
	return nil
}

// Template converts the config entry to a mailer template
func (t TemplateConfig) Template() *mailer.Template {
	return &mailer.Template{Subject: t.Subject, Text: t.Text, HTML: t.HTML}
}

// Campaign returns the campaign with the given slug
func (c *Config) Campaign(slug string) (*CampaignConfig, bool) {
	for i := range c.Campaigns {
		if c.Campaigns[i].Slug == slug {
			return &c.Campaigns[i], true
		}
	}
	return nil, false
}

// DeliverLater reports whether the campaign delivers through the job runner
func (c *Config) DeliverLater(camp *CampaignConfig) bool {
	if camp.DeliverLater != nil {
		return *camp.DeliverLater
	}
	return c.Delivery.DeliverLater
}
