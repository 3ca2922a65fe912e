// Package config loads the pipeline configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/edgeflare/pagecache/pkg/cache"
	"github.com/edgeflare/pagecache/pkg/consumer"
	"github.com/edgeflare/pagecache/pkg/eventlog"
	"github.com/edgeflare/pagecache/pkg/logreader"
	"github.com/edgeflare/pagecache/pkg/query"
)

// Config holds application-wide configuration.
type Config struct {
	Source   logreader.Config `mapstructure:"source"`
	Log      LogConfig        `mapstructure:"log"`
	Cache    CacheConfig      `mapstructure:"cache"`
	Consumer ConsumerConfig   `mapstructure:"consumer"`
	Query    QueryConfig      `mapstructure:"query"`
	Metrics  MetricsConfig    `mapstructure:"metrics"`
}

// LogConfig selects and configures the event log backend.
type LogConfig struct {
	// Backend is nats, kafka, or memory.
	Backend string               `mapstructure:"backend"`
	NATS    eventlog.NATSConfig  `mapstructure:"nats"`
	Kafka   eventlog.KafkaConfig `mapstructure:"kafka"`
	// Partitions applies to the memory backend; nats and kafka carry their
	// own partition counts.
	Partitions int32 `mapstructure:"partitions"`
}

// CacheConfig selects and configures the cache backend.
type CacheConfig struct {
	// Backend is lru or redis.
	Backend string            `mapstructure:"backend"`
	Size    int               `mapstructure:"size"`
	Redis   cache.RedisConfig `mapstructure:"redis"`
}

// ConsumerConfig is the invalidation consumer's tuning plus its key-class
// policy rules.
type ConsumerConfig struct {
	consumer.Config `mapstructure:",squash"`

	Rules         []consumer.Rule `mapstructure:"rules"`
	DefaultAction consumer.Action `mapstructure:"defaultAction"`
}

// QueryConfig configures the read API.
type QueryConfig struct {
	query.Config `mapstructure:",squash"`

	ListenAddr    string `mapstructure:"listenAddr"`
	DispatcherURL string `mapstructure:"dispatcherURL"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func Default() *Config {
	return &Config{
		Log:     LogConfig{Backend: "memory", Partitions: 4},
		Cache:   CacheConfig{Backend: "lru", Size: 16384},
		Query:   QueryConfig{ListenAddr: ":8080"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9100"},
	}
}

// Load reads config from file or environment. Environment variables use the
// PAGECACHE prefix with underscores for nesting, e.g. PAGECACHE_CACHE_BACKEND.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pagecache")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PAGECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return cfg, nil
}
