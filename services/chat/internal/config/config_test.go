package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://relay:relay@db:5432/relay?sslmode=disable")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("CHAT_SEND_RATE_LIMIT_PER_MINUTE", "120")
	t.Setenv("CHAT_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("CHAT_FORWARD_CONCURRENCY", "8")

	path := writeConfig(t, `
port: "8083"
logLevel: "info"
jwtSecret: "`+testSecret+`"
redisAddr: "localhost:6379"
sendRateLimitPerMinute: 60
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DatabaseURL != "postgres://relay:relay@db:5432/relay?sslmode=disable" {
		t.Fatalf("databaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("redisAddr = %q, want %q", cfg.RedisAddr, "redis:6379")
	}
	if cfg.SendRateLimitPerMinute != 120 {
		t.Fatalf("sendRateLimitPerMinute = %d, want 120", cfg.SendRateLimitPerMinute)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("allowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.ForwardConcurrency != 8 {
		t.Fatalf("forwardConcurrency = %d, want 8", cfg.ForwardConcurrency)
	}
}

func TestLoadIgnoresMalformedIntOverride(t *testing.T) {
	t.Setenv("CHAT_LOGIN_RATE_LIMIT_PER_MINUTE", "lots")
	path := writeConfig(t, `
port: "8083"
jwtSecret: "`+testSecret+`"
redisAddr: "localhost:6379"
loginRateLimitPerMinute: 7
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LoginRateLimitPerMinute != 7 {
		t.Fatalf("loginRateLimitPerMinute = %d, want 7", cfg.LoginRateLimitPerMinute)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load() expected error for missing file")
	}
}

func TestValidateConfig(t *testing.T) {
	base := FileConfig{
		Port:      "8083",
		JWTSecret: testSecret,
		RedisAddr: "localhost:6379",
	}
	if err := validateConfig(base); err != nil {
		t.Fatalf("validateConfig(base) = %v", err)
	}

	cases := map[string]func(*FileConfig){
		"missing port":      func(c *FileConfig) { c.Port = "" },
		"short secret":      func(c *FileConfig) { c.JWTSecret = "short" },
		"missing redis":     func(c *FileConfig) { c.RedisAddr = " " },
		"bad leeway":        func(c *FileConfig) { c.JWTLeeway = "soon" },
		"negative ttl":      func(c *FileConfig) { c.JWTTTL = "-1h" },
		"negative limit":    func(c *FileConfig) { c.SendRateLimitPerMinute = -1 },
		"negative fanout":   func(c *FileConfig) { c.FanoutTimeoutSeconds = -5 },
		"negative parallel": func(c *FileConfig) { c.ForwardConcurrency = -2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			if err := validateConfig(cfg); err == nil {
				t.Fatalf("validateConfig() expected error")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("ParseDuration(empty) = %v, %v", d, err)
	}
	d, err = ParseDuration(" 168h ", 0)
	if err != nil || d != 168*time.Hour {
		t.Fatalf("ParseDuration(168h) = %v, %v", d, err)
	}
}
