package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type DirectoryBackend string

const (
	BackendRTDB      DirectoryBackend = "rtdb"
	BackendFirestore DirectoryBackend = "firestore"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type DirectoryConfig struct {
	Backend     DirectoryBackend
	DatabaseURL string
}

// APNsConfig holds the native transport credentials. It is only ever read
// from the environment.
type APNsConfig struct {
	KeyPath  string `env:"APN_KEY_PATH"`
	Key      string `env:"APN_KEY"`
	KeyID    string `env:"APN_KEY_ID"`
	TeamID   string `env:"APN_TEAM_ID"`
	BundleID string `env:"APN_BUNDLE_ID"`
}

// Configured reports whether enough is set to open native sessions.
func (c APNsConfig) Configured() bool {
	return (c.KeyPath != "" || c.Key != "") && c.KeyID != "" && c.TeamID != ""
}

type TriggerConfig struct {
	Threshold            float64
	Window               time.Duration
	AnnouncementAudience string
	ReturnDelay          time.Duration
}

type DispatchConfig struct {
	SendTimeout time.Duration
	MaxParallel int
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	IdentityURL            string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Directory  DirectoryConfig
	APNs       APNsConfig
	Triggers   TriggerConfig
	Dispatch   DispatchConfig

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("IDENTITY_SERVICE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "IDENTITY_SERVICE_URL", "source", "env")
		cfg.IdentityURL = val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// Directory Overrides
	if val := os.Getenv("DIRECTORY_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "DIRECTORY_BACKEND", "source", "env")
		cfg.Directory.Backend = DirectoryBackend(strings.ToLower(val))
	}
	if val := os.Getenv("FIREBASE_DATABASE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "FIREBASE_DATABASE_URL", "source", "env")
		cfg.Directory.DatabaseURL = val
	}

	// Trigger Overrides
	if val := os.Getenv("PROMILLE_THRESHOLD"); val != "" {
		if threshold, err := strconv.ParseFloat(val, 64); err == nil && threshold > 0 {
			logger.Debug("Overriding config value", "key", "PROMILLE_THRESHOLD", "source", "env")
			cfg.Triggers.Threshold = threshold
		}
	}
	if val := os.Getenv("ANNOUNCEMENT_AUDIENCE"); val != "" {
		logger.Debug("Overriding config value", "key", "ANNOUNCEMENT_AUDIENCE", "source", "env")
		cfg.Triggers.AnnouncementAudience = val
	}
	if val := os.Getenv("SEND_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			logger.Debug("Overriding config value", "key", "SEND_TIMEOUT", "source", "env")
			cfg.Dispatch.SendTimeout = d
		}
	}

	// APNs credentials
	if err := env.Parse(&cfg.APNs); err != nil {
		return nil, fmt.Errorf("failed to parse APNs environment: %w", err)
	}
	// Legacy name used by the original deployment.
	if val := os.Getenv("FUNCTIONS_CONFIG_APN_BUNDLE_ID"); val != "" && cfg.APNs.BundleID == "" {
		cfg.APNs.BundleID = val
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	switch cfg.Directory.Backend {
	case "":
		cfg.Directory.Backend = BackendRTDB
	case BackendRTDB, BackendFirestore:
	default:
		return nil, fmt.Errorf("unknown directory backend %q", cfg.Directory.Backend)
	}
	if cfg.Directory.Backend == BackendRTDB && cfg.Directory.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required for the rtdb backend (set via YAML or FIREBASE_DATABASE_URL env var)")
	}
	switch cfg.Triggers.AnnouncementAudience {
	case "":
		cfg.Triggers.AnnouncementAudience = "all"
	case "all", "non_admin":
	default:
		return nil, fmt.Errorf("unknown announcement audience %q", cfg.Triggers.AnnouncementAudience)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.IdentityURL == "" {
		cfg.IdentityURL = "http://localhost:3000"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 5 * time.Minute
	}
	if cfg.Triggers.Threshold <= 0 {
		cfg.Triggers.Threshold = 2.0
	}
	if cfg.Triggers.Window <= 0 {
		cfg.Triggers.Window = 24 * time.Hour
	}
	if cfg.Triggers.ReturnDelay <= 0 {
		cfg.Triggers.ReturnDelay = 5500 * time.Millisecond
	}
	if cfg.Dispatch.SendTimeout <= 0 {
		cfg.Dispatch.SendTimeout = 5 * time.Second
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
