package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080, Store: "postgres", EnableWorkers: true},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "outreach"},
		Redis: RedisConfig{Enabled: true, Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		Call: CallConfig{
			MaxAttempts:          3,
			RetryDelayMin:        1,
			MaxSecondaryAttempts: 2,
			CampaignDeadline:     time.Hour,
			AckDigits:            []string{"1"},
		},
		SMS:     SMSConfig{MaxAttempts: 3},
		TTS:     TTSConfig{Enabled: true, MaxAttempts: 3, Speed: 1, CacheDir: "/tmp/audio"},
		Workers: WorkersConfig{CallConcurrency: 1, SMSConcurrency: 1, TTSConcurrency: 1, CallbackConcurrency: 1, Lease: time.Minute},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "iss"
	c.Auth.JWTAudience = "aud"
	c.Twilio = TwilioConfig{AccountSID: "AC1", AuthToken: "t", FromNumber: "+15550000000"}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("expected DB_SSLMODE error, got %v", err)
	}
}

func TestValidate_LocalDefaultsSSLModeAndTTL(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Auth.AccessTokenTTL != 15*time.Minute {
		t.Fatalf("expected default access ttl, got %v", c.Auth.AccessTokenTTL)
	}
}

func TestValidate_MemoryStoreSkipsDB(t *testing.T) {
	c := validLocal()
	c.App.Store = "memory"
	c.DB = DBConfig{}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_CollectsDispatchErrors(t *testing.T) {
	c := validLocal()
	c.Call.MaxAttempts = 0
	c.Workers.CallConcurrency = 0
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "config errors:") {
		t.Fatalf("expected joined errors, got %q", msg)
	}
	if !strings.Contains(msg, "CALL_MAX_ATTEMPTS") || !strings.Contains(msg, "WORKERS_CALL_CONCURRENCY") {
		t.Fatalf("missing entries: %q", msg)
	}
}

func TestLoad_ReadsTypedSections(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_STORE", "memory")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("CALL_MAX_SECONDARY_ATTEMPTS", "0")
	t.Setenv("CALL_ACK_DIGITS", "1,9")
	t.Setenv("WORKERS_LEASE", "90s")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Call.MaxSecondaryAttempts != 0 {
		t.Fatalf("expected 0 secondary attempts, got %d", c.Call.MaxSecondaryAttempts)
	}
	if len(c.Call.AckDigits) != 2 || c.Call.AckDigits[1] != "9" {
		t.Fatalf("unexpected ack digits %v", c.Call.AckDigits)
	}
	if c.Workers.Lease != 90*time.Second {
		t.Fatalf("unexpected lease %v", c.Workers.Lease)
	}
	if c.Call.RetryDelay() != time.Minute {
		t.Fatalf("expected default retry delay of 1m, got %v", c.Call.RetryDelay())
	}
	if c.SMS.AckKeywords[1] != "yes" {
		t.Fatalf("unexpected keywords %v", c.SMS.AckKeywords)
	}
}
