package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlDirectoryConfig struct {
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`
}

type YamlTriggerConfig struct {
	Threshold            float64 `yaml:"threshold"`
	Window               string  `yaml:"window"`
	AnnouncementAudience string  `yaml:"announcement_audience"`
	ReturnDelay          string  `yaml:"return_delay"`
}

type YamlDispatchConfig struct {
	SendTimeout string `yaml:"send_timeout"`
	MaxParallel int    `yaml:"max_parallel"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string              `yaml:"project_id"`
	ListenAddr             string              `yaml:"listen_addr"`
	IdentityURL            string              `yaml:"identity_url"`
	TopicID                string              `yaml:"topic_id"`
	SubscriptionID         string              `yaml:"subscription_id"`
	SubscriptionDLQTopicID string              `yaml:"subscription_dlq_topic_id"`
	CorsConfig             YamlCorsConfig      `yaml:"cors"`
	RedisConfig            YamlRedisConfig     `yaml:"redis"`
	DirectoryConfig        YamlDirectoryConfig `yaml:"directory"`
	TriggerConfig          YamlTriggerConfig   `yaml:"triggers"`
	DispatchConfig         YamlDispatchConfig  `yaml:"dispatch"`
	NumPipelineWorkers     int                 `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:      baseCfg.ProjectID,
		ListenAddr:     baseCfg.ListenAddr,
		IdentityURL:    baseCfg.IdentityURL,
		TopicID:        baseCfg.TopicID,
		SubscriptionID: baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		Directory: DirectoryConfig{
			Backend:     DirectoryBackend(baseCfg.DirectoryConfig.Backend),
			DatabaseURL: baseCfg.DirectoryConfig.DatabaseURL,
		},
		Triggers: TriggerConfig{
			Threshold:            baseCfg.TriggerConfig.Threshold,
			AnnouncementAudience: baseCfg.TriggerConfig.AnnouncementAudience,
		},
		Dispatch: DispatchConfig{
			MaxParallel: baseCfg.DispatchConfig.MaxParallel,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	durations := []struct {
		key  string
		raw  string
		dest *time.Duration
	}{
		{"redis.ttl", baseCfg.RedisConfig.TTL, &cfg.Redis.TTL},
		{"triggers.window", baseCfg.TriggerConfig.Window, &cfg.Triggers.Window},
		{"triggers.return_delay", baseCfg.TriggerConfig.ReturnDelay, &cfg.Triggers.ReturnDelay},
		{"dispatch.send_timeout", baseCfg.DispatchConfig.SendTimeout, &cfg.Dispatch.SendTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", d.key, err)
		}
		*d.dest = v
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"directory_backend", cfg.Directory.Backend,
	)

	return cfg, nil
}
