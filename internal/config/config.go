// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Output  OutputConfig  `mapstructure:"output"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Render  RenderConfig  `mapstructure:"render"`
	Server  ServerConfig  `mapstructure:"server"`
	Assist  AssistConfig  `mapstructure:"assist"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// StoreConfig locates the queue database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// OutputConfig locates acquired content and profiles on disk.
type OutputConfig struct {
	Root     string `mapstructure:"root"`
	Profiles string `mapstructure:"profiles"`
}

// QueueConfig governs retry and reclaim behavior.
type QueueConfig struct {
	MaxTries               int `mapstructure:"max_tries"`
	ReclaimIntervalSeconds int `mapstructure:"reclaim_interval_seconds"`
	HeartbeatTimeoutSec    int `mapstructure:"heartbeat_timeout_seconds"`
}

// WorkerConfig governs the poll loop.
type WorkerConfig struct {
	PollSeconds int `mapstructure:"poll_seconds"`
	IdleSeconds int `mapstructure:"idle_seconds"`
}

// CrawlConfig tunes the per-position crawl loop.
type CrawlConfig struct {
	ReadyTimeoutSec    int `mapstructure:"ready_timeout_seconds"`
	ScrollMaxCycles    int `mapstructure:"scroll_max_cycles"`
	ScrollStableCycles int `mapstructure:"scroll_stable_cycles"`
	ScrollIntervalMs   int `mapstructure:"scroll_interval_ms"`
	ExtractRetries     int `mapstructure:"extract_retries"`
	BatchSize          int `mapstructure:"batch_size"`
	AssistAfterBroken  int `mapstructure:"assist_after_broken"`
}

// FetchConfig tunes asset downloads.
type FetchConfig struct {
	MaxRetries     int     `mapstructure:"max_retries"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	BackoffBaseMs  int     `mapstructure:"backoff_base_ms"`
	RPS            float64 `mapstructure:"rps"`
}

// RenderConfig configures the browser session.
type RenderConfig struct {
	Headless      bool    `mapstructure:"headless"`
	NavTimeoutSec int     `mapstructure:"nav_timeout_seconds"`
	NavPerSec     float64 `mapstructure:"nav_per_sec"`
	UserAgent     string  `mapstructure:"user_agent"`
}

// ServerConfig controls the HTTP status surface.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AssistConfig configures the optional selector-assist service.
type AssistConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	MaxCalls int    `mapstructure:"max_calls"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GRIMOIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "data/grimoire.db")
	v.SetDefault("output.root", "data/output")
	v.SetDefault("output.profiles", "data/profiles.json")
	v.SetDefault("queue.max_tries", 5)
	v.SetDefault("queue.reclaim_interval_seconds", 60)
	v.SetDefault("queue.heartbeat_timeout_seconds", 600)
	v.SetDefault("worker.poll_seconds", 5)
	v.SetDefault("worker.idle_seconds", 15)
	v.SetDefault("crawl.ready_timeout_seconds", 30)
	v.SetDefault("crawl.scroll_max_cycles", 40)
	v.SetDefault("crawl.scroll_stable_cycles", 3)
	v.SetDefault("crawl.scroll_interval_ms", 700)
	v.SetDefault("crawl.extract_retries", 2)
	v.SetDefault("crawl.batch_size", 0)
	v.SetDefault("crawl.assist_after_broken", 3)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.timeout_seconds", 60)
	v.SetDefault("fetch.backoff_base_ms", 500)
	v.SetDefault("fetch.rps", 2.0)
	v.SetDefault("render.headless", true)
	v.SetDefault("render.nav_timeout_seconds", 45)
	v.SetDefault("render.nav_per_sec", 0.5)
	v.SetDefault("assist.enabled", false)
	v.SetDefault("assist.max_calls", 3)
	v.SetDefault("server.port", 8091)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must be set")
	}
	if c.Output.Root == "" {
		return fmt.Errorf("output.root must be set")
	}
	if c.Queue.MaxTries <= 0 {
		return fmt.Errorf("queue.max_tries must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.ScrollStableCycles > c.Crawl.ScrollMaxCycles {
		return fmt.Errorf("crawl.scroll_stable_cycles must not exceed crawl.scroll_max_cycles")
	}
	if c.Assist.Enabled && c.Assist.URL == "" {
		return fmt.Errorf("assist.url must be set when assist is enabled")
	}
	return nil
}

// ReclaimInterval converts the queue reclaim cadence to a duration.
func (c Config) ReclaimInterval() time.Duration {
	return time.Duration(c.Queue.ReclaimIntervalSeconds) * time.Second
}

// HeartbeatTimeout converts the stale-heartbeat cutoff to a duration.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Queue.HeartbeatTimeoutSec) * time.Second
}
