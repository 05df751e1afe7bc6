package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config contains runtime configuration required by the service.
// It is built once in main and passed to every component.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Auth       AuthConfig       `koanf:"auth"`
	Database   DatabaseConfig   `koanf:"database"`
	Monday     MondayConfig     `koanf:"monday"`
	Mailchimp  MailchimpConfig  `koanf:"mailchimp"`
	Discord    DiscordConfig    `koanf:"discord"`
	Enrollment EnrollmentConfig `koanf:"enrollment"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Logging    LoggingConfig    `koanf:"logging"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// AuthConfig holds the inbound webhook secrets. Every secret is required
// unless AllowUnsigned is set explicitly.
type AuthConfig struct {
	WebhookSecret       string `koanf:"webhook_secret"`
	Header              string `koanf:"header"`
	MondaySigningSecret string `koanf:"monday_signing_secret"`
	MandrillWebhookKey  string `koanf:"mandrill_webhook_key"`
	MandrillWebhookURL  string `koanf:"mandrill_webhook_url"`
	AllowUnsigned       bool   `koanf:"allow_unsigned"`
}

// DatabaseConfig is optional; without a URL the delivery log is disabled.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

type MondayConfig struct {
	APIURL             string        `koanf:"api_url"`
	APIToken           string        `koanf:"api_token"`
	APIVersion         string        `koanf:"api_version"`
	BoardID            string        `koanf:"board_id"`
	Timeout            time.Duration `koanf:"timeout"`
	TouchpointColumnID string        `koanf:"touchpoint_column_id"`
	EmailColumnIDs     []string      `koanf:"email_column_ids"`
	// ScanLimit bounds the fallback board scan in contact lookup. The scan
	// reads a single page of this many items and is not exhaustive.
	ScanLimit int           `koanf:"scan_limit"`
	CacheSize int           `koanf:"cache_size"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
}

type MailchimpConfig struct {
	APIKey        string        `koanf:"api_key"`
	ServerPrefix  string        `koanf:"server_prefix"`
	ListID        string        `koanf:"list_id"`
	Timeout       time.Duration `koanf:"timeout"`
	EnrollmentTag string        `koanf:"enrollment_tag"`
}

type DiscordConfig struct {
	WebhookURL string        `koanf:"webhook_url"`
	Timeout    time.Duration `koanf:"timeout"`
}

type EnrollmentConfig struct {
	MaxRetries        int           `koanf:"max_retries"`
	BaseDelay         time.Duration `koanf:"base_delay"`
	MaxDelay          time.Duration `koanf:"max_delay"`
	DefaultRetryAfter time.Duration `koanf:"default_retry_after"`
	Deadline          time.Duration `koanf:"deadline"`
}

type PipelineConfig struct {
	BatchInterval time.Duration `koanf:"batch_interval"`
	MaxInFlight   int           `koanf:"max_in_flight"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// PathEnvVar overrides the config file location.
const PathEnvVar = "CONFIG_PATH"

var defaultPaths = []string{"config.yaml", "config.yml"}

// Default returns the configuration applied before file and env overrides.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Header: "X-Webhook-Secret",
		},
		Monday: MondayConfig{
			APIURL:             "https://api.monday.com/v2",
			APIVersion:         "2024-10",
			Timeout:            30 * time.Second,
			TouchpointColumnID: "touchpoints",
			EmailColumnIDs:     []string{"email", "lead_email", "email_address", "contact_email"},
			ScanLimit:          500,
			CacheSize:          1000,
			CacheTTL:           15 * time.Minute,
		},
		Mailchimp: MailchimpConfig{
			Timeout:       15 * time.Second,
			EnrollmentTag: "Monday Lead",
		},
		Discord: DiscordConfig{
			Timeout: 10 * time.Second,
		},
		Enrollment: EnrollmentConfig{
			MaxRetries:        2,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			DefaultRetryAfter: 60 * time.Second,
			Deadline:          60 * time.Second,
		},
		Pipeline: PipelineConfig{
			BatchInterval: 100 * time.Millisecond,
			MaxInFlight:   16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads defaults, then an optional YAML file, then environment variables.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := findFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	if err := splitLists(k); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Mailchimp.ServerPrefix == "" {
		cfg.Mailchimp.ServerPrefix = ServerPrefixFromKey(cfg.Mailchimp.APIKey)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range defaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKeys maps supported environment variables to config keys. Anything not
// listed is ignored.
var envKeys = map[string]string{
	"PORT":                     "server.port",
	"SHUTDOWN_TIMEOUT":         "server.shutdown_timeout",
	"WEBHOOK_SECRET":           "auth.webhook_secret",
	"WEBHOOK_SECRET_HEADER":    "auth.header",
	"MONDAY_SIGNING_SECRET":    "auth.monday_signing_secret",
	"MANDRILL_WEBHOOK_KEY":     "auth.mandrill_webhook_key",
	"MANDRILL_WEBHOOK_URL":     "auth.mandrill_webhook_url",
	"ALLOW_UNSIGNED_WEBHOOKS":  "auth.allow_unsigned",
	"DB_URL":                   "database.url",
	"MONDAY_API_URL":           "monday.api_url",
	"MONDAY_API_TOKEN":         "monday.api_token",
	"MONDAY_API_VERSION":       "monday.api_version",
	"MONDAY_BOARD_ID":          "monday.board_id",
	"MONDAY_TIMEOUT":           "monday.timeout",
	"MONDAY_TOUCHPOINT_COLUMN": "monday.touchpoint_column_id",
	"MONDAY_EMAIL_COLUMNS":     "monday.email_column_ids",
	"MONDAY_SCAN_LIMIT":        "monday.scan_limit",
	"CONTACT_CACHE_SIZE":       "monday.cache_size",
	"CONTACT_CACHE_TTL":        "monday.cache_ttl",
	"MAILCHIMP_API_KEY":        "mailchimp.api_key",
	"MAILCHIMP_SERVER_PREFIX":  "mailchimp.server_prefix",
	"MAILCHIMP_AUDIENCE_ID":    "mailchimp.list_id",
	"MAILCHIMP_TIMEOUT":        "mailchimp.timeout",
	"MAILCHIMP_ENROLLMENT_TAG": "mailchimp.enrollment_tag",
	"DISCORD_WEBHOOK_URL":      "discord.webhook_url",
	"ENROLLMENT_MAX_RETRIES":   "enrollment.max_retries",
	"ENROLLMENT_BASE_DELAY":    "enrollment.base_delay",
	"ENROLLMENT_MAX_DELAY":     "enrollment.max_delay",
	"ENROLLMENT_DEADLINE":      "enrollment.deadline",
	"PIPELINE_BATCH_INTERVAL":  "pipeline.batch_interval",
	"PIPELINE_MAX_IN_FLIGHT":   "pipeline.max_in_flight",
	"LOG_LEVEL":                "logging.level",
	"LOG_FORMAT":               "logging.format",
}

// envKey returns "" for unknown variables so koanf skips them.
func envKey(name string) string {
	return envKeys[strings.ToUpper(name)]
}

var listKeys = []string{"monday.email_column_ids"}

// splitLists turns comma-separated env values into string slices.
func splitLists(k *koanf.Koanf) error {
	for _, key := range listKeys {
		s, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		var out []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(key, out); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

// ServerPrefixFromKey extracts the data-center suffix of a Mailchimp API key
// ("abc123-us21" → "us21").
func ServerPrefixFromKey(apiKey string) string {
	i := strings.LastIndex(apiKey, "-")
	if i < 0 || i == len(apiKey)-1 {
		return ""
	}
	return apiKey[i+1:]
}

// Validate checks required values. Webhook secrets are mandatory unless
// auth.allow_unsigned is set.
func (c Config) Validate() error {
	var errs []error

	if c.Monday.APIToken == "" {
		errs = append(errs, errors.New("monday.api_token required"))
	}
	if c.Monday.BoardID == "" {
		errs = append(errs, errors.New("monday.board_id required"))
	}
	if c.Mailchimp.APIKey == "" {
		errs = append(errs, errors.New("mailchimp.api_key required"))
	}
	if c.Mailchimp.ServerPrefix == "" {
		errs = append(errs, errors.New("mailchimp.server_prefix required (or an API key ending in -<dc>)"))
	}
	if c.Mailchimp.ListID == "" {
		errs = append(errs, errors.New("mailchimp.list_id required"))
	}

	if !c.Auth.AllowUnsigned {
		if c.Auth.WebhookSecret == "" {
			errs = append(errs, errors.New("auth.webhook_secret required unless auth.allow_unsigned is set"))
		}
		if c.Auth.MondaySigningSecret == "" {
			errs = append(errs, errors.New("auth.monday_signing_secret required unless auth.allow_unsigned is set"))
		}
		if c.Auth.MandrillWebhookKey == "" || c.Auth.MandrillWebhookURL == "" {
			errs = append(errs, errors.New("auth.mandrill_webhook_key and auth.mandrill_webhook_url required unless auth.allow_unsigned is set"))
		}
	}

	if c.Monday.ScanLimit <= 0 {
		errs = append(errs, errors.New("monday.scan_limit must be > 0"))
	}
	if c.Monday.CacheSize <= 0 {
		errs = append(errs, errors.New("monday.cache_size must be > 0"))
	}
	if c.Enrollment.MaxRetries < 0 {
		errs = append(errs, errors.New("enrollment.max_retries must be >= 0"))
	}
	if c.Pipeline.MaxInFlight <= 0 {
		errs = append(errs, errors.New("pipeline.max_in_flight must be > 0"))
	}

	return errors.Join(errs...)
}
