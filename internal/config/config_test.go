package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:           AppConfig{Env: "local", Port: 8080},
		Webhook:       WebhookConfig{NotificationURL: "http://localhost:8080/notifications", ClientStateSecret: "0123456789abcdef"},
		Subscriptions: SubscriptionConfig{RenewalInterval: 15 * time.Minute, RenewalThreshold: time.Hour},
		Recording:     RecordingConfig{MaxConcurrent: 10, RetryAttempts: 3, DefaultRetention: 30},
		Auth:          AuthConfig{JWTSecret: "secret"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Platform.Mode != "fake" {
		t.Fatalf("expected fake platform by default locally, got %q", c.Platform.Mode)
	}
	if c.Storage.Backend != "memory" {
		t.Fatalf("expected memory storage default, got %q", c.Storage.Backend)
	}
	if c.Webhook.MaxBodyBytes != defaultMaxBodyBytes {
		t.Fatalf("expected default max body, got %d", c.Webhook.MaxBodyBytes)
	}
}

func TestValidate_ProductionRequiresGraphAndStorage(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Webhook.NotificationURL = "https://recorder.example.com/notifications"
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected production validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"PLATFORM_TENANT_ID", "STORAGE_BACKEND", "JWT_ISSUER"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestValidate_ShortClientStateRejected(t *testing.T) {
	c := validLocal()
	c.Webhook.ClientStateSecret = "short"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for short client state secret")
	}
}

func TestValidate_OversizedWebhookBodyRejected(t *testing.T) {
	c := validLocal()
	c.Webhook.MaxBodyBytes = 4 << 20
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for body ceiling above 2MB")
	}
}

func TestValidate_DistributedLocksNeedRedis(t *testing.T) {
	c := validLocal()
	c.Recording.DistributedLocks = true
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error without REDIS_HOST")
	}
}

func TestOptionalDuration_UnitsAndGoSyntax(t *testing.T) {
	t.Setenv("X_MINUTES", "15")
	d, err := optionalDuration("X_MINUTES", time.Minute, 0)
	if err != nil || d != 15*time.Minute {
		t.Fatalf("expected 15m, got %v %v", d, err)
	}
	t.Setenv("X_MINUTES", "90s")
	d, err = optionalDuration("X_MINUTES", time.Minute, 0)
	if err != nil || d != 90*time.Second {
		t.Fatalf("expected 90s, got %v %v", d, err)
	}
	t.Setenv("X_MINUTES", "soon")
	if _, err := optionalDuration("X_MINUTES", time.Minute, 0); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, ,b ", nil)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected split: %v", got)
	}
	if def := splitList("", []string{"x"}); len(def) != 1 {
		t.Fatalf("expected default")
	}
}
