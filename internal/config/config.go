// Package config loads relay configuration from environment variables.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all relay configuration.
type Config struct {
	SMTP    SMTPConfig
	Webhook WebhookConfig
	Storage StorageConfig
	Queue   QueueConfig
	Ops     OpsConfig
	Logging LoggingConfig

	// Production enables the hardening gate: trusted-relay enforcement,
	// recipient allow-list and webhook secret become mandatory.
	Production bool
}

// SMTPConfig holds SMTP listener and admission policy configuration.
type SMTPConfig struct {
	Port           int    `validate:"gt=0,lte=65535"`
	Hostname       string `validate:"required"`
	Secure         bool
	TLSKeyPath     string
	TLSCertPath    string
	MaxClients     int           `validate:"gt=0"`
	SocketTimeout  time.Duration `validate:"gt=0"`
	CloseTimeout   time.Duration `validate:"gt=0"`
	MaxMessageSize int64         `validate:"gt=0"`

	RateLimitWindow time.Duration `validate:"gt=0"`
	RateLimitMax    int           `validate:"gt=0"`

	AllowedClients          []string
	TrustedRelayIPs         []string
	RequireTrustedRelay     bool
	AllowedSenderDomains    []string
	AllowedRecipientDomains []string
	RequiredAuthResults     []string
}

// WebhookConfig holds routing and dispatch configuration.
type WebhookConfig struct {
	DefaultURL        string
	RulesJSON         string
	Secret            string
	Timeout           time.Duration `validate:"gt=0"`
	Concurrency       int           `validate:"gt=0"`
	RetryDelay        time.Duration `validate:"gt=0"`
	MaxQueueSize      int           `validate:"gt=0"`
	AllowInsecureHTTP bool
}

// StorageConfig holds attachment storage configuration. The object store is
// considered configured only when region, credentials and bucket are all set.
type StorageConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Endpoint        string
	UsePathStyle    bool

	MaxFileSize      int64 `validate:"gt=0"`
	LocalPath        string
	RetentionHours   int `validate:"gt=0"`
	EncryptionKey    []byte
	S3RetryInterval  time.Duration `validate:"gt=0"`
	S3MaxRetries     int           `validate:"gt=0"`
}

// QueueConfig holds durable task queue configuration.
type QueueConfig struct {
	Path string `validate:"required"`
}

// OpsConfig holds the operational HTTP surface configuration.
type OpsConfig struct {
	// Port for /metrics and /healthz; 0 disables the ops server.
	Port int `validate:"gte=0,lte=65535"`
}

// LoggingConfig mirrors logger.Config so main wires one struct.
type LoggingConfig struct {
	Level     string
	Format    string
	Output    string
	AddSource bool
}

var (
	ErrBadEncryptionKey = errors.New("LOCAL_STORAGE_ENCRYPTION_KEY must decode to 32 bytes (hex or base64)")
	ErrTLSMaterial      = errors.New("SMTP_SECURE requires TLS_KEY_PATH and TLS_CERT_PATH")
)

// Load reads configuration from environment variables. It does not validate;
// call Validate before using the result.
func Load() (*Config, error) {
	cfg := &Config{
		SMTP: SMTPConfig{
			Port:            getIntEnv("PORT", 25),
			Hostname:        getEnv("SMTP_HOSTNAME", "mail.localhost"),
			Secure:          getBoolEnv("SMTP_SECURE", false),
			TLSKeyPath:      getEnv("TLS_KEY_PATH", ""),
			TLSCertPath:     getEnv("TLS_CERT_PATH", ""),
			MaxClients:      getIntEnv("SMTP_MAX_CLIENTS", 100),
			SocketTimeout:   getDurationMsEnv("SMTP_SOCKET_TIMEOUT", 5*time.Minute),
			CloseTimeout:    getDurationMsEnv("SMTP_CLOSE_TIMEOUT", 30*time.Second),
			MaxMessageSize:  getInt64Env("SMTP_MAX_MESSAGE_SIZE", 25*1024*1024),
			RateLimitWindow: getDurationMsEnv("SMTP_RATE_LIMIT_WINDOW_MS", time.Minute),
			RateLimitMax:    getIntEnv("SMTP_RATE_LIMIT_MAX_CONNECTIONS", 100),

			AllowedClients:          getListEnv("ALLOWED_SMTP_CLIENTS"),
			TrustedRelayIPs:         getListEnv("TRUSTED_RELAY_IPS"),
			RequireTrustedRelay:     getBoolEnv("REQUIRE_TRUSTED_RELAY", false),
			AllowedSenderDomains:    getListEnv("ALLOWED_SENDER_DOMAINS"),
			AllowedRecipientDomains: getListEnv("ALLOWED_RECIPIENT_DOMAINS"),
			RequiredAuthResults:     getListEnv("REQUIRED_AUTH_RESULTS"),
		},
		Webhook: WebhookConfig{
			DefaultURL:        getEnv("WEBHOOK_URL", ""),
			RulesJSON:         getEnv("WEBHOOK_RULES", ""),
			Secret:            getEnv("WEBHOOK_SECRET", ""),
			Timeout:           getDurationMsEnv("WEBHOOK_TIMEOUT", 5*time.Second),
			Concurrency:       getIntEnv("WEBHOOK_CONCURRENCY", 5),
			RetryDelay:        getDurationMsEnv("WEBHOOK_RETRY_DELAY_MS", time.Minute),
			MaxQueueSize:      getIntEnv("MAX_QUEUE_SIZE", 1000),
			AllowInsecureHTTP: getBoolEnv("ALLOW_INSECURE_WEBHOOK_HTTP", false),
		},
		Storage: StorageConfig{
			Region:          getEnv("S3_REGION", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("S3_BUCKET", ""),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			UsePathStyle:    getBoolEnv("S3_USE_PATH_STYLE", false),
			MaxFileSize:     getInt64Env("MAX_FILE_SIZE", 10*1024*1024),
			LocalPath:       getEnv("LOCAL_STORAGE_PATH", "./local-attachments"),
			RetentionHours:  getIntEnv("LOCAL_STORAGE_RETENTION", 24),
			S3RetryInterval: getDurationMinEnv("S3_RETRY_INTERVAL", 5*time.Minute),
			S3MaxRetries:    getIntEnv("S3_MAX_RETRIES", 5),
		},
		Queue: QueueConfig{
			Path: getEnv("DURABLE_QUEUE_PATH", "./task-queue"),
		},
		Ops: OpsConfig{
			Port: getIntEnv("OPS_PORT", 8080),
		},
		Logging: LoggingConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "json"),
			Output:    getEnv("LOG_OUTPUT", "stdout"),
			AddSource: getBoolEnv("LOG_ADD_SOURCE", false),
		},
		Production: getBoolEnv("PRODUCTION", false) || strings.EqualFold(os.Getenv("APP_ENV"), "production"),
	}

	if raw := os.Getenv("LOCAL_STORAGE_ENCRYPTION_KEY"); raw != "" {
		key, err := DecodeEncryptionKey(raw)
		if err != nil {
			return nil, err
		}
		cfg.Storage.EncryptionKey = key
	}

	return cfg, nil
}

// DecodeEncryptionKey decodes a 32-byte AES key from hex or base64.
func DecodeEncryptionKey(raw string) ([]byte, error) {
	if key, err := hex.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, ErrBadEncryptionKey
}

// Validate checks field constraints and cross-field invariants. Any error
// returned here is fatal at startup.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.SMTP.Secure && (c.SMTP.TLSKeyPath == "" || c.SMTP.TLSCertPath == "") {
		return ErrTLSMaterial
	}

	if c.Production {
		if err := c.validateProduction(); err != nil {
			return err
		}
	}

	return nil
}

// validateProduction enforces the hardening gate. SMTP_SECURE is deliberately
// not required here: relays behind a trusted front often terminate TLS there.
func (c *Config) validateProduction() error {
	var missing []string
	if !c.SMTP.RequireTrustedRelay {
		missing = append(missing, "REQUIRE_TRUSTED_RELAY")
	}
	if len(c.SMTP.TrustedRelayIPs) == 0 {
		missing = append(missing, "TRUSTED_RELAY_IPS")
	}
	if len(c.SMTP.AllowedRecipientDomains) == 0 {
		missing = append(missing, "ALLOWED_RECIPIENT_DOMAINS")
	}
	if c.Webhook.Secret == "" {
		missing = append(missing, "WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("production mode requires: %s", strings.Join(missing, ", "))
	}
	if c.Webhook.AllowInsecureHTTP {
		return errors.New("production mode forbids ALLOW_INSECURE_WEBHOOK_HTTP")
	}
	return nil
}

// ObjectStoreConfigured reports whether the primary store can be used.
func (s *StorageConfig) ObjectStoreConfigured() bool {
	return s.Region != "" && s.AccessKeyID != "" && s.SecretAccessKey != "" && s.Bucket != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

// getDurationMsEnv reads a duration given in milliseconds.
func getDurationMsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultValue
}

// getDurationMinEnv reads a duration given in minutes.
func getDurationMinEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(n) * time.Minute
		}
	}
	return defaultValue
}

// getListEnv reads a comma-separated list, trimming blanks. A JSON array is
// also accepted since some deployments pass lists that way.
func getListEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		raw = strings.Trim(raw, "[]")
		raw = strings.ReplaceAll(raw, `"`, "")
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
