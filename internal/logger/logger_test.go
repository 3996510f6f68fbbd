package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func captureLogger(t *testing.T, cfg Config, buf *bytes.Buffer) *slog.Logger {
	t.Helper()
	opts := &slog.HandlerOptions{ReplaceAttr: sanitizeAttributes}
	switch strings.ToLower(cfg.Format) {
	case "text":
		return slog.New(slog.NewTextHandler(buf, opts))
	default:
		return slog.New(slog.NewJSONHandler(buf, opts))
	}
}

func TestSecretsAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	log := captureLogger(t, Config{Format: "json"}, &buf)

	log.Info("delivery signed",
		slog.String("webhook_secret", "super-secret-value"),
		slog.String("encryption_key", "deadbeef"),
		slog.String("signature", "sha256=abc"),
		slog.String("webhook", "https://hook.example"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"webhook_secret", "encryption_key", "signature"} {
		if record[key] != "[REDACTED]" {
			t.Errorf("%s = %v, want [REDACTED]", key, record[key])
		}
	}
	if record["webhook"] != "https://hook.example" {
		t.Errorf("non-secret attribute mangled: %v", record["webhook"])
	}
	if strings.Contains(buf.String(), "super-secret-value") {
		t.Error("secret value leaked into the log line")
	}
}

func TestSubstringKeysAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	log := captureLogger(t, Config{Format: "json"}, &buf)

	log.Info("s3 configured", slog.String("s3_secret_key", "aws-secret"))

	if strings.Contains(buf.String(), "aws-secret") {
		t.Error("attribute containing a sensitive substring leaked")
	}
}

func TestLevelParsing(t *testing.T) {
	// Invalid levels fall back to info rather than failing startup.
	log := New(Config{Level: "nonsense", Format: "json", Output: "stdout"})
	if log == nil {
		t.Fatal("logger must always construct")
	}
	if log.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("fallback level should be info, debug must be disabled")
	}
	if !log.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be enabled")
	}
}
