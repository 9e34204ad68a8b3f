package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Server.Host == "" {
		t.Error("expected Server.Host to be set")
	}
	if cfg.Server.Port == 0 {
		t.Error("expected Server.Port to be non-zero")
	}
	if cfg.Database.Name == "" {
		t.Error("expected Database.Name to be set")
	}
	if cfg.Log.Level == "" {
		t.Error("expected Log.Level to be set")
	}
}

func TestConfig_AutomationDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Automation.ActionTimeout != 30*time.Second {
		t.Errorf("expected 30s action timeout, got %v", cfg.Automation.ActionTimeout)
	}
	if cfg.Automation.MaxDelay <= 0 {
		t.Error("expected MaxDelay to be positive")
	}
	if cfg.Automation.Signing.Header != "Upstash-Signature" {
		t.Errorf("unexpected signature header %q", cfg.Automation.Signing.Header)
	}
	if cfg.Automation.Scheduler.Driver != "redis" {
		t.Errorf("unexpected scheduler driver %q", cfg.Automation.Scheduler.Driver)
	}
	if cfg.Automation.Scheduler.Redis.MaxRetries == 0 {
		t.Error("expected redis queue retries to be set")
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Name: "n"}
	want := "host=db user=u password=p dbname=n port=5433 sslmode=disable TimeZone=UTC"
	if got := d.DSN(); got != want {
		t.Fatalf("DSN() = %q, want %q", got, want)
	}
}

func TestLoad_FromYAMLFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := []byte(`
server:
  port: 9090
automation:
  action_timeout: 5s
  resume_url: https://shop.example.com/automation-resume
  signing:
    current_key: k1
  scheduler:
    driver: qstash
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := InitViper(path); err != nil {
		t.Fatalf("InitViper: %v", err)
	}

	cfg := Load()
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Automation.ActionTimeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", cfg.Automation.ActionTimeout)
	}
	if cfg.Automation.Scheduler.Driver != "qstash" {
		t.Errorf("expected qstash driver, got %q", cfg.Automation.Scheduler.Driver)
	}
	if cfg.Automation.Signing.CurrentKey != "k1" {
		t.Errorf("expected signing key k1, got %q", cfg.Automation.Signing.CurrentKey)
	}
	// untouched keys keep their defaults
	if cfg.Database.Name != "storeflow" {
		t.Errorf("expected default db name, got %q", cfg.Database.Name)
	}
}

func TestConfigureLogger_InvalidLevelFallsBack(t *testing.T) {
	l := logrus.New()
	if err := ConfigureLogger(l, LogConfig{Level: "nope", Format: "text", Output: "stdout"}); err != nil {
		t.Fatalf("ConfigureLogger: %v", err)
	}
	if l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %v", l.GetLevel())
	}
}

func TestConfigureLogger_FileOutput(t *testing.T) {
	l := logrus.New()
	path := filepath.Join(t.TempDir(), "logs", "storeflow.log")
	err := ConfigureLogger(l, LogConfig{Level: "debug", Format: "json", Output: "file", FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("ConfigureLogger: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
}
