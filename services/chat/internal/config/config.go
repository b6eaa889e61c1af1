package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is where Load looks when no path is given.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	LogsDir  string `yaml:"logsDir"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	// ModelRegistryPath points at a YAML model registry; empty uses the
	// built-in one.
	ModelRegistryPath string `yaml:"modelRegistryPath"`
	// ProviderKeys are operator credentials used when the caller sends none.
	ProviderKeys map[string]string `yaml:"providerKeys"`
	// Tools lists the built-in tool runners to enable.
	Tools []string `yaml:"tools"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	// ResumableStreams turns the Redis stream coordinator on. Without it
	// streams are passthrough and cannot be resumed.
	ResumableStreams bool   `yaml:"resumableStreams"`
	StreamOwnerTTL   string `yaml:"streamOwnerTTL"`
	StreamRetention  string `yaml:"streamRetention"`

	RateLimitPerMinute int      `yaml:"rateLimitPerMinute"`
	TrustedProxies     []string `yaml:"trustedProxies"`

	StoreServiceURL       string `yaml:"storeServiceURL"`
	InternalTokenSecret   string `yaml:"internalTokenSecret"`
	InternalTokenKeyID    string `yaml:"internalTokenKeyID"`
	InternalTokenIssuer   string `yaml:"internalTokenIssuer"`

	FinalizeTimeout    string `yaml:"finalizeTimeout"`
	FinalizeWorkers    int    `yaml:"finalizeWorkers"`
	FinalizeQueue      string `yaml:"finalizeQueue"`
	FinalizeMaxRetries int    `yaml:"finalizeMaxRetries"`
}

// Load reads config from path (defaults to config.yaml). A .env file next to
// the process is loaded first so its values can feed the env overrides.
func Load(path string) (FileConfig, error) {
	_ = godotenv.Load(".env")
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("CHAT_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("MODEL_REGISTRY_PATH"); v != "" {
		cfg.ModelRegistryPath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("RESUMABLE_STREAMS"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.ResumableStreams = b
		}
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("STORE_SERVICE_URL"); v != "" {
		cfg.StoreServiceURL = v
	}
	if v := os.Getenv("INTERNAL_TOKEN_SECRET"); v != "" {
		cfg.InternalTokenSecret = v
	}
	if v := os.Getenv("INTERNAL_TOKEN_KEY_ID"); v != "" {
		cfg.InternalTokenKeyID = v
	}
	for _, p := range []string{"openai", "anthropic", "google"} {
		if v := os.Getenv(strings.ToUpper(p) + "_API_KEY"); v != "" {
			if cfg.ProviderKeys == nil {
				cfg.ProviderKeys = map[string]string{}
			}
			cfg.ProviderKeys[p] = v
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.InternalTokenIssuer == "" {
		cfg.InternalTokenIssuer = "chat-service"
	}
	if cfg.FinalizeWorkers <= 0 {
		cfg.FinalizeWorkers = 2
	}
	if cfg.FinalizeQueue == "" {
		cfg.FinalizeQueue = "chat:finalize"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or CHAT_PORT)")
	}
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if strings.TrimSpace(cfg.StoreServiceURL) != "" && strings.TrimSpace(cfg.InternalTokenSecret) == "" {
		return errors.New("config: internalTokenSecret is required when storeServiceURL is set")
	}
	if cfg.ResumableStreams && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when resumableStreams is on")
	}
	if cfg.RateLimitPerMinute < 0 {
		return errors.New("config: rateLimitPerMinute must not be negative")
	}
	if cfg.RateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when rateLimitPerMinute is set")
	}
	for field, raw := range map[string]string{
		"jwtLeeway":       cfg.JWTLeeway,
		"streamOwnerTTL":  cfg.StreamOwnerTTL,
		"streamRetention": cfg.StreamRetention,
		"finalizeTimeout": cfg.FinalizeTimeout,
	} {
		if _, err := ParseDuration(field, raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDuration parses an optional duration field; empty means zero.
func ParseDuration(field, raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", field, err)
	}
	return dur, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
