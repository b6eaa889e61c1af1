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

	// StoreDriver is "postgres" (default) or "memory".
	StoreDriver string `yaml:"storeDriver"`
	DatabaseURL string `yaml:"databaseURL"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	InternalTokenSecret   string   `yaml:"internalTokenSecret"`
	InternalTokenSecrets  string   `yaml:"internalTokenSecrets"`
	InternalTokenIssuers  []string `yaml:"internalTokenIssuers"`
	InternalTokenAudience string   `yaml:"internalTokenAudience"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	PresignExpiry  string `yaml:"presignExpiry"`
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
	if v := os.Getenv("STORE_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.StoreDriver = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
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
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("INTERNAL_TOKEN_SECRET"); v != "" {
		cfg.InternalTokenSecret = v
	}
	if v := os.Getenv("INTERNAL_TOKEN_SECRETS"); v != "" {
		cfg.InternalTokenSecrets = v
	}
	if v := os.Getenv("INTERNAL_TOKEN_ISSUERS"); v != "" {
		cfg.InternalTokenIssuers = splitCSV(v)
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "postgres"
	}
	if cfg.InternalTokenAudience == "" {
		cfg.InternalTokenAudience = "store"
	}
	if len(cfg.InternalTokenIssuers) == 0 {
		cfg.InternalTokenIssuers = []string{"chat-service"}
	}
	if cfg.AMQPExchange == "" {
		cfg.AMQPExchange = "streamchat.changes"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or STORE_PORT)")
	}
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeDriver %q", cfg.StoreDriver)
	}
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if strings.TrimSpace(cfg.InternalTokenSecret) == "" {
		return errors.New("config: internalTokenSecret is required (set in config.yaml or INTERNAL_TOKEN_SECRET)")
	}
	if _, err := ParseDuration("jwtLeeway", cfg.JWTLeeway); err != nil {
		return err
	}
	if _, err := ParseDuration("presignExpiry", cfg.PresignExpiry); err != nil {
		return err
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
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
