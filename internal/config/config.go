// Package config loads runtime configuration. Environment variables are the
// source of truth; a .env file is loaded in development and an optional YAML
// file can override tuning knobs that rarely change per deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v2"
)

type Config struct {
	Port  string
	Debug bool

	DatabaseURL string
	RedisURL    string

	VectorURL        string
	VectorCollection string

	JWTSecret        string
	JWTAlgorithm     string
	JWTExpireMinutes int

	EncryptionMasterKey string

	SMSAuthToken string
	SMSSender    string

	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	TelegramAPIID     string
	TelegramAPIHash   string
	TelegramBridgeURL string

	PubSubProject string
	PubSubTopic   string

	CORSOrigins []string

	Tuning Tuning
}

// Tuning holds the knobs that can be overridden by a YAML file.
type Tuning struct {
	GlobalRateLimit    int           `yaml:"global_rate_limit"` // requests / window / ip
	SOSRateLimit       int           `yaml:"sos_rate_limit"`    // requests / window / ip
	RateWindow         time.Duration `yaml:"rate_window"`
	TriageHardBudget   time.Duration `yaml:"triage_hard_budget"`
	TriageSoftBudget   time.Duration `yaml:"triage_soft_budget"`
	TriageMaxRetries   int           `yaml:"triage_max_retries"`
	TriageWorkers      int           `yaml:"triage_workers"`
	IntelPullInterval  time.Duration `yaml:"intel_pull_interval"`
	IntelChannelPacing time.Duration `yaml:"intel_channel_pacing"`
	IntelJoinPacing    time.Duration `yaml:"intel_join_pacing"`
	IntelBatchSize     int           `yaml:"intel_batch_size"`
	VerifyInterval     time.Duration `yaml:"verify_interval"`
	VerifyBatchSize    int           `yaml:"verify_batch_size"`
	GeoGCInterval      time.Duration `yaml:"geo_gc_interval"`
	DefaultRegionLat   float64       `yaml:"default_region_lat"`
	DefaultRegionLon   float64       `yaml:"default_region_lon"`
	IncludeBlacklisted bool          `yaml:"intel_include_blacklisted"`
}

// DefaultTuning holds the deployment defaults.
func DefaultTuning() Tuning {
	return Tuning{
		GlobalRateLimit:    200,
		SOSRateLimit:       5,
		RateWindow:         60 * time.Second,
		TriageHardBudget:   300 * time.Second,
		TriageSoftBudget:   270 * time.Second,
		TriageMaxRetries:   2,
		TriageWorkers:      4,
		IntelPullInterval:  5 * time.Minute,
		IntelChannelPacing: 2 * time.Second,
		IntelJoinPacing:    10 * time.Second,
		IntelBatchSize:     20,
		VerifyInterval:     10 * time.Minute,
		VerifyBatchSize:    20,
		GeoGCInterval:      10 * time.Minute,
		DefaultRegionLat:   31.5017,
		DefaultRegionLon:   34.4668,
	}
}

// Load reads .env (if present), the environment, and an optional YAML
// overlay named by TMT_CONFIG_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load() // best effort; production uses real env

	cfg := &Config{
		Port:                envOr("PORT", "8080"),
		Debug:               envBool("DEBUG"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            envOr("REDIS_URL", "redis://localhost:6379/0"),
		VectorURL:           os.Getenv("VECTOR_URL"),
		VectorCollection:    envOr("VECTOR_COLLECTION", "intel_messages"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		JWTAlgorithm:        envOr("JWT_ALGORITHM", "HS256"),
		JWTExpireMinutes:    envInt("JWT_EXPIRE_MINUTES", 60),
		EncryptionMasterKey: os.Getenv("ENCRYPTION_MASTER_KEY"),
		SMSAuthToken:        os.Getenv("SMS_AUTH_TOKEN"),
		SMSSender:           os.Getenv("SMS_SENDER"),
		LLMAPIKey:           os.Getenv("LLM_API_KEY"),
		LLMBaseURL:          envOr("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMModel:            envOr("LLM_MODEL", "gpt-4o-mini"),
		TelegramAPIID:       os.Getenv("TELEGRAM_API_ID"),
		TelegramAPIHash:     os.Getenv("TELEGRAM_API_HASH"),
		TelegramBridgeURL:   os.Getenv("TELEGRAM_BRIDGE_URL"),
		PubSubProject:       os.Getenv("PUBSUB_PROJECT"),
		PubSubTopic:         envOr("PUBSUB_TOPIC", "tmt-events"),
		Tuning:              DefaultTuning(),
	}

	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if path := os.Getenv("TMT_CONFIG_FILE"); path != "" {
		if err := cfg.overlayYAML(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.EncryptionMasterKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_MASTER_KEY must be set")
	}
	return cfg, nil
}

func (c *Config) overlayYAML(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	t := c.Tuning
	if err := yaml.NewDecoder(f).Decode(&t); err != nil {
		return err
	}
	c.Tuning = t
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
