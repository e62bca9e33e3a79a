package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	// ListenHost is fixed: the gateway always binds all interfaces.
	ListenHost = "0.0.0.0"

	// DefaultSecretKey is the development SECRET_KEY. It must match the
	// env-default tag on AppConfig.SecretKey.
	DefaultSecretKey = "dev-secret-key-change-in-production"

	envConfigPath  = "FITBOT_CONFIG"
	productionName = "production"
)

// dotenvFiles are loaded in order when FITBOT_CONFIG is unset. A variable
// keeps the first value it gets, and the process environment beats both.
var dotenvFiles = []string{".env.local", ".env"}

// Config is the root runtime configuration. It is loaded once at startup and
// treated as read-only afterwards.
type Config struct {
	App         AppConfig
	Twilio      TwilioConfig
	Telegram    TelegramConfig
	AI          AIConfig
	Redis       RedisConfig
	Database    DatabaseConfig
	Idempotency IdempotencyConfig
	Dispatch    DispatchConfig
	Delivery    DeliveryConfig
	Webhook     WebhookConfig
	Logging     LoggingConfig
	Metrics     MetricsConfig
}

// AppConfig carries service identity and process-level settings.
type AppConfig struct {
	Name            string        `yaml:"name" json:"name" env:"APP_NAME" env-default:"WhatsApp Fitness Bot" env-description:"service display name"`
	ServiceID       string        `yaml:"service_id" json:"service_id" env:"APP_SERVICE_ID" env-default:"whatsapp-fitness-bot" env-description:"service identifier reported by /health"`
	Version         string        `yaml:"version" json:"version" env:"APP_VERSION" env-default:"1.0.0" env-description:"service version reported by /"`
	Environment     string        `yaml:"environment" json:"environment" env:"APP_ENV,FLASK_ENV" env-default:"development" env-description:"production disables debug behavior"`
	Port            int           `yaml:"port" json:"port" env:"PORT" env-default:"5001" env-description:"HTTP listen port"`
	URL             string        `yaml:"url" json:"url" env:"APP_URL" env-default:"http://localhost:5001" env-description:"externally reachable base URL"`
	SecretKey       string        `yaml:"secret_key" json:"secret_key" env:"SECRET_KEY,FLASK_SECRET_KEY" env-default:"dev-secret-key-change-in-production" env-description:"secret for session/signing needs"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" env-default:"10s" env-description:"graceful drain budget"`
}

// TwilioConfig configures the Twilio messaging provider.
type TwilioConfig struct {
	AccountSID        string `yaml:"account_sid" json:"account_sid" env:"TWILIO_ACCOUNT_SID" env-description:"Twilio account SID"`
	AuthToken         string `yaml:"auth_token" json:"auth_token" env:"TWILIO_AUTH_TOKEN" env-description:"Twilio auth token"`
	WhatsAppNumber    string `yaml:"whatsapp_number" json:"whatsapp_number" env:"TWILIO_WHATSAPP_NUMBER" env-description:"sender number for outbound replies"`
	ValidateSignature bool   `yaml:"validate_signature" json:"validate_signature" env:"TWILIO_VALIDATE_SIGNATURE" env-default:"false" env-description:"verify X-Twilio-Signature on inbound webhooks"`
	APIBaseURL        string `yaml:"api_base_url" json:"api_base_url" env:"TWILIO_API_BASE_URL" env-default:"https://api.twilio.com" env-description:"Twilio REST API base URL"`
}

// TelegramConfig configures the optional Telegram provider.
type TelegramConfig struct {
	Token         string   `yaml:"token" json:"token" env:"TELEGRAM_BOT_TOKEN" env-description:"Telegram bot token; enables the telegram provider"`
	WebhookSecret string   `yaml:"webhook_secret" json:"webhook_secret" env:"TELEGRAM_WEBHOOK_SECRET" env-description:"expected X-Telegram-Bot-Api-Secret-Token"`
	AllowFrom     []string `yaml:"allow_from" json:"allow_from" env:"TELEGRAM_ALLOW_FROM" env-separator:"," env-description:"comma-separated sender ids; empty accepts everyone"`
}

// AIConfig holds AI collaborator settings.
type AIConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key" json:"anthropic_api_key" env:"ANTHROPIC_API_KEY" env-description:"AI provider API key"`
	AutoReplyText   string `yaml:"auto_reply_text" json:"auto_reply_text" env:"AUTO_REPLY_TEXT" env-description:"static reply sent for every inbound message; empty disables replies"`
}

// RedisConfig configures the shared redis client.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr" env:"REDIS_ADDR" env-default:"localhost:6379" env-description:"redis address"`
	Password string `yaml:"password" json:"password" env:"REDIS_PASSWORD" env-description:"redis password"`
	DB       int    `yaml:"db" json:"db" env:"REDIS_DB" env-default:"0" env-description:"redis database index"`
}

// DatabaseConfig points at the sqlite database used by the sqlite dedup store
// and the dispatch spool.
type DatabaseConfig struct {
	URL string `yaml:"url" json:"url" env:"DATABASE_URL" env-default:"data/fitbot.db" env-description:"sqlite database path"`
}

// IdempotencyConfig selects the dedup backend and its retention window.
type IdempotencyConfig struct {
	Backend string        `yaml:"backend" json:"backend" env:"IDEMPOTENCY_BACKEND" env-default:"memory" env-description:"memory, redis or sqlite"`
	TTL     time.Duration `yaml:"ttl" json:"ttl" env:"IDEMPOTENCY_TTL" env-default:"24h" env-description:"dedup retention window"`
}

// DispatchConfig controls the dispatch queue and its worker pool.
type DispatchConfig struct {
	Capacity     int           `yaml:"capacity" json:"capacity" env:"DISPATCH_CAPACITY" env-default:"1000" env-description:"total queued events before rejecting"`
	Workers      int           `yaml:"workers" json:"workers" env:"DISPATCH_WORKERS" env-default:"4" env-description:"worker pool size"`
	EventTimeout time.Duration `yaml:"event_timeout" json:"event_timeout" env:"DISPATCH_EVENT_TIMEOUT" env-default:"60s" env-description:"processing budget per event"`
	Durability   string        `yaml:"durability" json:"durability" env:"DISPATCH_DURABILITY" env-default:"drop" env-description:"drop or spool queued events on shutdown"`
}

// DeliveryConfig is the retry policy applied to downstream collaborators.
type DeliveryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" env:"DELIVERY_MAX_ATTEMPTS" env-default:"3" env-description:"attempts per collaborator call"`
	Backoff     time.Duration `yaml:"backoff" json:"backoff" env:"DELIVERY_BACKOFF" env-default:"500ms" env-description:"initial retry backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff" json:"max_backoff" env:"DELIVERY_MAX_BACKOFF" env-default:"10s" env-description:"retry backoff ceiling"`
}

// WebhookConfig controls the inbound acknowledgement budget.
type WebhookConfig struct {
	AckTimeout       time.Duration `yaml:"ack_timeout" json:"ack_timeout" env:"ACK_TIMEOUT" env-default:"2s" env-description:"maximum time before the webhook ack is written"`
	AdmissionTimeout time.Duration `yaml:"admission_timeout" json:"admission_timeout" env:"ADMISSION_TIMEOUT" env-default:"30s" env-description:"budget for the dedup claim and enqueue, which may finish after the ack"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `yaml:"format" json:"format" env:"LOG_FORMAT" env-default:"text" env-description:"text or json"`
	Level     string `yaml:"level" json:"level" env:"LOG_LEVEL" env-description:"debug, info, warn or error"`
	AddSource bool   `yaml:"add_source" json:"add_source" env:"LOG_ADD_SOURCE" env-default:"false" env-description:"include caller location"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"METRICS_ENABLED" env-default:"true" env-description:"serve /metrics"`
}

// requiredSecrets names the settings the full bot needs; missing ones degrade
// the service instead of preventing startup.
var requiredSecrets = []struct {
	env   string
	value func(*Config) string
}{
	{env: "TWILIO_ACCOUNT_SID", value: func(c *Config) string { return c.Twilio.AccountSID }},
	{env: "TWILIO_AUTH_TOKEN", value: func(c *Config) string { return c.Twilio.AuthToken }},
	{env: "TWILIO_WHATSAPP_NUMBER", value: func(c *Config) string { return c.Twilio.WhatsAppNumber }},
	{env: "ANTHROPIC_API_KEY", value: func(c *Config) string { return c.AI.AnthropicAPIKey }},
}

// LoadConfig resolves an optional config file, then applies the environment on top.
func LoadConfig() (*Config, error) {
	var cfg Config

	path, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	switch {
	case path != "" && !isDotenv(path):
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	default:
		files := []string{path}
		if path == "" {
			if files, err = existingDotenvFiles(); err != nil {
				return nil, err
			}
		}
		if len(files) > 0 {
			if err := godotenv.Load(files...); err != nil {
				return nil, fmt.Errorf("load env files %s: %w", strings.Join(files, ", "), err)
			}
		}
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("read environment: %w", err)
		}
	}

	cfg.normalize()

	return &cfg, nil
}

// Description renders the env var reference for CLI help output.
func Description() (string, error) {
	var cfg Config
	header := "Environment variables:"
	return cleanenv.GetDescription(&cfg, &header)
}

// Debug reports whether debug behavior is enabled (anything but production).
func (c *Config) Debug() bool {
	return !strings.EqualFold(strings.TrimSpace(c.App.Environment), productionName)
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", ListenHost, c.App.Port)
}

// Missing lists required secrets that are unset. An empty result means the
// configuration is complete.
func (c *Config) Missing() []string {
	var missing []string
	for _, secret := range requiredSecrets {
		if strings.TrimSpace(secret.value(c)) == "" {
			missing = append(missing, secret.env)
		}
	}

	return missing
}

// normalize trims string settings and fills defaults that depend on other values.
func (c *Config) normalize() {
	c.Twilio.AccountSID = strings.TrimSpace(c.Twilio.AccountSID)
	c.Twilio.AuthToken = strings.TrimSpace(c.Twilio.AuthToken)
	c.Twilio.WhatsAppNumber = strings.TrimSpace(c.Twilio.WhatsAppNumber)
	c.Telegram.Token = strings.TrimSpace(c.Telegram.Token)
	c.AI.AnthropicAPIKey = strings.TrimSpace(c.AI.AnthropicAPIKey)
	c.App.URL = strings.TrimRight(strings.TrimSpace(c.App.URL), "/")
	c.Idempotency.Backend = strings.ToLower(strings.TrimSpace(c.Idempotency.Backend))
	c.Dispatch.Durability = strings.ToLower(strings.TrimSpace(c.Dispatch.Durability))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
		if c.Debug() {
			c.Logging.Level = "debug"
		}
	}
}

// findConfigPath returns FITBOT_CONFIG when set. It must name a file.
func findConfigPath() (string, error) {
	value := strings.TrimSpace(os.Getenv(envConfigPath))
	if value == "" {
		return "", nil
	}
	if info, err := os.Stat(value); err == nil && !info.IsDir() {
		return value, nil
	}
	return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
}

// existingDotenvFiles lists the cwd-local env files that exist, in load order.
func existingDotenvFiles() ([]string, error) {
	var files []string
	for _, name := range dotenvFiles {
		info, err := os.Stat(name)
		if err == nil && !info.IsDir() {
			files = append(files, name)
			continue
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
	}
	return files, nil
}

func isDotenv(path string) bool {
	base := filepath.Base(path)
	return base == ".env" || strings.HasPrefix(base, ".env.") || filepath.Ext(base) == ".env"
}
