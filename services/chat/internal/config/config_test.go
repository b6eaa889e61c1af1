package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesEnvAndDefaults(t *testing.T) {
	path := writeConfig(t, "port: \"8082\"\nauthJwksURL: http://auth/jwks\nproviderKeys:\n  anthropic: from-file\n")
	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("CHAT_PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("env port override not applied: %q", cfg.Port)
	}
	if cfg.ProviderKeys["openai"] != "from-env" || cfg.ProviderKeys["anthropic"] != "from-file" {
		t.Fatalf("unexpected provider keys: %v", cfg.ProviderKeys)
	}
	if cfg.InternalTokenIssuer != "chat-service" || cfg.FinalizeWorkers != 2 || cfg.FinalizeQueue != "chat:finalize" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestValidateConfig(t *testing.T) {
	base := FileConfig{Port: "8082", AuthJWKSURL: "http://auth/jwks"}
	cases := []struct {
		name    string
		mutate  func(*FileConfig)
		wantErr string
	}{
		{name: "ok", mutate: func(*FileConfig) {}},
		{name: "missing port", mutate: func(c *FileConfig) { c.Port = "" }, wantErr: "port"},
		{name: "store without secret", mutate: func(c *FileConfig) { c.StoreServiceURL = "http://store" }, wantErr: "internalTokenSecret"},
		{name: "resumable without redis", mutate: func(c *FileConfig) { c.ResumableStreams = true }, wantErr: "redisAddr"},
		{name: "rate limit without redis", mutate: func(c *FileConfig) { c.RateLimitPerMinute = 10 }, wantErr: "redisAddr"},
		{name: "bad duration", mutate: func(c *FileConfig) { c.StreamRetention = "soon" }, wantErr: "streamRetention"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := validateConfig(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}
