// Package config loads the engine's configuration, enriching the teacher's
// plain-env internal/infrastructure/config.Load() pattern with
// spf13/viper layering (env vars + optional YAML file), per SPEC_FULL.md's
// ambient stack section.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config covers every environment variable spec §6 names the core as
// consuming.
type Config struct {
	DatabaseDSN         string        `mapstructure:"database_dsn"`
	SearchClusterURL    string        `mapstructure:"search_cluster_url"`
	SearchClusterAPIKey string        `mapstructure:"search_cluster_api_key"`
	ContainerEngineHost string        `mapstructure:"container_engine_host"`
	EventRetention      time.Duration `mapstructure:"event_retention"`
	MaxRunConcurrency   int           `mapstructure:"max_run_concurrency"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	SessionTokenSecret  string        `mapstructure:"session_token_secret"`
	RedisAddr           string        `mapstructure:"redis_addr"`
	S3Bucket            string        `mapstructure:"s3_bucket"`
	LogLevel            string        `mapstructure:"log_level"`
	OpenAIAPIKey        string        `mapstructure:"openai_api_key"`
	AnthropicAPIKey     string        `mapstructure:"anthropic_api_key"`
	WebhookMasterSecret string        `mapstructure:"webhook_master_secret"`
	CatalogFile         string        `mapstructure:"catalog_file"`
}

// Load reads SECFLOW_*-prefixed environment variables, overlaying an
// optional YAML config file named by SECFLOW_CONFIG_FILE, and fills in the
// same kind of sensible defaults the teacher's Load() used for PORT/LOG_LEVEL.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("secflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("max_run_concurrency", 16)
	v.SetDefault("heartbeat_interval", 10*time.Second)
	v.SetDefault("event_retention", 30*24*time.Hour)

	// Unmarshal only sees keys viper knows about; register the rest so
	// env-only values reach the struct.
	for _, key := range []string{
		"database_dsn", "search_cluster_url", "search_cluster_api_key",
		"container_engine_host", "session_token_secret", "redis_addr",
		"s3_bucket", "openai_api_key", "anthropic_api_key",
		"webhook_master_secret", "catalog_file",
	} {
		v.SetDefault(key, "")
	}

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
