package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.SMTP.Port != 25 {
		t.Errorf("default port = %d", cfg.SMTP.Port)
	}
	if cfg.SMTP.MaxClients != 100 {
		t.Errorf("default max clients = %d", cfg.SMTP.MaxClients)
	}
	if cfg.SMTP.MaxMessageSize != 25*1024*1024 {
		t.Errorf("default max message size = %d", cfg.SMTP.MaxMessageSize)
	}
	if cfg.Webhook.Timeout != 5*time.Second {
		t.Errorf("default webhook timeout = %v", cfg.Webhook.Timeout)
	}
	if cfg.Webhook.Concurrency != 5 {
		t.Errorf("default concurrency = %d", cfg.Webhook.Concurrency)
	}
	if cfg.Webhook.MaxQueueSize != 1000 {
		t.Errorf("default queue size = %d", cfg.Webhook.MaxQueueSize)
	}
	if cfg.Storage.MaxFileSize != 10*1024*1024 {
		t.Errorf("default max file size = %d", cfg.Storage.MaxFileSize)
	}
	if cfg.Storage.S3RetryInterval != 5*time.Minute {
		t.Errorf("default retry interval = %v", cfg.Storage.S3RetryInterval)
	}
	if cfg.Production {
		t.Error("production must default to off")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "2525")
	t.Setenv("WEBHOOK_TIMEOUT", "10000")
	t.Setenv("WEBHOOK_RETRY_DELAY_MS", "30000")
	t.Setenv("ALLOWED_RECIPIENT_DOMAINS", "a.com, b.com")
	t.Setenv("S3_RETRY_INTERVAL", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SMTP.Port != 2525 {
		t.Errorf("port = %d", cfg.SMTP.Port)
	}
	if cfg.Webhook.Timeout != 10*time.Second {
		t.Errorf("timeout = %v", cfg.Webhook.Timeout)
	}
	if cfg.Webhook.RetryDelay != 30*time.Second {
		t.Errorf("retry delay = %v", cfg.Webhook.RetryDelay)
	}
	if len(cfg.SMTP.AllowedRecipientDomains) != 2 || cfg.SMTP.AllowedRecipientDomains[1] != "b.com" {
		t.Errorf("domains = %v", cfg.SMTP.AllowedRecipientDomains)
	}
	if cfg.Storage.S3RetryInterval != 2*time.Minute {
		t.Errorf("retry interval = %v", cfg.Storage.S3RetryInterval)
	}
}

func TestListEnvJSONArray(t *testing.T) {
	t.Setenv("TRUSTED_RELAY_IPS", `["10.0.0.1","10.0.0.2"]`)

	cfg, _ := Load()
	if len(cfg.SMTP.TrustedRelayIPs) != 2 || cfg.SMTP.TrustedRelayIPs[0] != "10.0.0.1" {
		t.Errorf("relay ips = %v", cfg.SMTP.TrustedRelayIPs)
	}
}

func TestDecodeEncryptionKey(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	fromHex, err := DecodeEncryptionKey(hex.EncodeToString(key))
	if err != nil || len(fromHex) != 32 {
		t.Errorf("hex decode failed: %v", err)
	}

	fromB64, err := DecodeEncryptionKey(base64.StdEncoding.EncodeToString(key))
	if err != nil || len(fromB64) != 32 {
		t.Errorf("base64 decode failed: %v", err)
	}

	if _, err := DecodeEncryptionKey("too-short"); !errors.Is(err, ErrBadEncryptionKey) {
		t.Errorf("bad key error = %v", err)
	}
	if _, err := DecodeEncryptionKey(hex.EncodeToString(key[:16])); !errors.Is(err, ErrBadEncryptionKey) {
		t.Errorf("16-byte key must be rejected, got %v", err)
	}
}

func TestValidateSecureRequiresTLS(t *testing.T) {
	t.Setenv("SMTP_SECURE", "true")

	cfg, _ := Load()
	if err := cfg.Validate(); !errors.Is(err, ErrTLSMaterial) {
		t.Fatalf("expected ErrTLSMaterial, got %v", err)
	}

	cfg.SMTP.TLSKeyPath = "/etc/tls/key.pem"
	cfg.SMTP.TLSCertPath = "/etc/tls/cert.pem"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("with TLS material set: %v", err)
	}
}

func TestProductionGate(t *testing.T) {
	t.Setenv("PRODUCTION", "true")

	cfg, _ := Load()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("bare production config must fail validation")
	}
	for _, want := range []string{"REQUIRE_TRUSTED_RELAY", "TRUSTED_RELAY_IPS", "ALLOWED_RECIPIENT_DOMAINS", "WEBHOOK_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should name %s: %v", want, err)
		}
	}
}

func TestProductionGateSatisfied(t *testing.T) {
	t.Setenv("PRODUCTION", "true")
	t.Setenv("REQUIRE_TRUSTED_RELAY", "true")
	t.Setenv("TRUSTED_RELAY_IPS", "172.16.0.1")
	t.Setenv("ALLOWED_RECIPIENT_DOMAINS", "inbound.example.com")
	t.Setenv("WEBHOOK_SECRET", "secret")

	cfg, _ := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("hardened config should validate: %v", err)
	}
}

func TestProductionForbidsInsecureWebhooks(t *testing.T) {
	t.Setenv("PRODUCTION", "true")
	t.Setenv("REQUIRE_TRUSTED_RELAY", "true")
	t.Setenv("TRUSTED_RELAY_IPS", "172.16.0.1")
	t.Setenv("ALLOWED_RECIPIENT_DOMAINS", "inbound.example.com")
	t.Setenv("WEBHOOK_SECRET", "secret")
	t.Setenv("ALLOW_INSECURE_WEBHOOK_HTTP", "true")

	cfg, _ := Load()
	if err := cfg.Validate(); err == nil {
		t.Fatal("insecure webhooks must fail the production gate")
	}
}

func TestProductionViaAppEnv(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	cfg, _ := Load()
	if !cfg.Production {
		t.Error("APP_ENV=production should enable the gate")
	}
}

func TestObjectStoreConfigured(t *testing.T) {
	s := StorageConfig{}
	if s.ObjectStoreConfigured() {
		t.Error("empty storage config is not configured")
	}

	s = StorageConfig{Region: "us-east-1", AccessKeyID: "k", SecretAccessKey: "s", Bucket: "b"}
	if !s.ObjectStoreConfigured() {
		t.Error("complete storage config should be configured")
	}

	s.Bucket = ""
	if s.ObjectStoreConfigured() {
		t.Error("missing bucket is not configured")
	}
}
