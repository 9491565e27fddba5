package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds process-level settings read from the environment. Tunable policy (thresholds,
// quotas, timeouts) lives in the versioned Policy document instead.
type Config struct {
	Environment     string
	Addr            string
	DatabaseURL     string
	PolicyPath      string
	SignerKeyB64    string
	SignerID        string
	KMSEndpoint     string
	ServingHookURL  string
	ServingTimeout  time.Duration
	KafkaBrokers    []string
	KafkaTopic      string
	S3Bucket        string
	S3Prefix        string
	NATSURL         string
	JWTSecret       string
	AllowDebugToken bool
	DebugToken      string
	ArtifactDir     string
	LogLevel        string
	LogFormat       string
	RunScheduler    bool
}

const (
	defaultAddr       = ":8071"
	defaultSignerID   = "evolution-dev"
	defaultKafkaTopic = "evolution.ledger"
	defaultLogFormat  = "json"
)

func Load() (Config, error) {
	cfg := Config{
		Environment:     getEnv("EVOLUTION_ENV", "development"),
		Addr:            getEnv("EVOLUTION_ADDR", defaultAddr),
		DatabaseURL:     firstNonEmpty(os.Getenv("EVOLUTION_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		PolicyPath:      os.Getenv("EVOLUTION_POLICY_PATH"),
		SignerKeyB64:    os.Getenv("EVOLUTION_SIGNER_KEY_B64"),
		SignerID:        getEnv("EVOLUTION_SIGNER_ID", defaultSignerID),
		KMSEndpoint:     firstNonEmpty(os.Getenv("EVOLUTION_KMS_ENDPOINT"), os.Getenv("KMS_ENDPOINT")),
		ServingHookURL:  os.Getenv("EVOLUTION_SERVING_HOOK_URL"),
		ServingTimeout:  getDuration("EVOLUTION_SERVING_TIMEOUT", 30*time.Second),
		KafkaBrokers:    splitList(os.Getenv("EVOLUTION_KAFKA_BROKERS")),
		KafkaTopic:      getEnv("EVOLUTION_KAFKA_TOPIC", defaultKafkaTopic),
		S3Bucket:        os.Getenv("EVOLUTION_S3_BUCKET"),
		S3Prefix:        os.Getenv("EVOLUTION_S3_PREFIX"),
		NATSURL:         os.Getenv("EVOLUTION_NATS_URL"),
		JWTSecret:       os.Getenv("EVOLUTION_JWT_SECRET"),
		AllowDebugToken: getBool("EVOLUTION_ALLOW_DEBUG_TOKEN", false),
		DebugToken:      os.Getenv("EVOLUTION_DEBUG_TOKEN"),
		ArtifactDir:     getEnv("EVOLUTION_ARTIFACT_DIR", filepath.Join(os.TempDir(), "evolution-artifacts")),
		LogLevel:        getEnv("EVOLUTION_LOG_LEVEL", "info"),
		LogFormat:       getEnv("EVOLUTION_LOG_FORMAT", defaultLogFormat),
		RunScheduler:    getBool("EVOLUTION_RUN_SCHEDULER", true),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Production() bool {
	return c.Environment == "production"
}

func (c Config) Validate() error {
	if c.KMSEndpoint == "" && c.SignerKeyB64 == "" {
		return fmt.Errorf("EVOLUTION_SIGNER_KEY_B64 required when EVOLUTION_KMS_ENDPOINT unset")
	}
	if c.Production() && c.KMSEndpoint == "" {
		return fmt.Errorf("EVOLUTION_KMS_ENDPOINT (or KMS_ENDPOINT) required in production")
	}
	if c.Production() && c.AllowDebugToken {
		return fmt.Errorf("EVOLUTION_ALLOW_DEBUG_TOKEN is forbidden in production")
	}
	if c.Production() && c.DatabaseURL == "" {
		return fmt.Errorf("EVOLUTION_DATABASE_URL required in production")
	}
	if c.Production() && c.ServingHookURL == "" {
		return fmt.Errorf("EVOLUTION_SERVING_HOOK_URL required in production")
	}
	if c.JWTSecret == "" && !c.AllowDebugToken {
		return fmt.Errorf("EVOLUTION_JWT_SECRET required unless debug tokens are allowed")
	}
	if c.AllowDebugToken && c.DebugToken == "" {
		return fmt.Errorf("EVOLUTION_DEBUG_TOKEN required when debug tokens are allowed")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
