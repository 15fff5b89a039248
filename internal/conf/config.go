package conf

import (
	"fmt"
	"time"

	"github.com/mzet97/llama.cpp-dds/internal/pkg/logger"
	"github.com/mzet97/llama.cpp-dds/internal/pkg/redis"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Redis   redis.Config  `mapstructure:"redis"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     logger.Config `mapstructure:"log"`
}

type ServerConfig struct {
	ID string `mapstructure:"id"` // server_id reported on the status topic
}

// BridgeConfig controls the pub/sub bridge.
type BridgeConfig struct {
	Enabled            bool `mapstructure:"enabled"`              // master switch
	Domain             int  `mapstructure:"domain"`               // transport domain id
	TimeoutSecs        int  `mapstructure:"timeout_secs"`         // per-request deadline
	NParallel          int  `mapstructure:"n_parallel"`           // total slots reported on the status topic
	StatusIntervalSecs int  `mapstructure:"status_interval_secs"` // heartbeat publish period
	StreamHistory      int  `mapstructure:"stream_history"`       // response history depth for streaming workloads
}

type EngineConfig struct {
	Model              string  `mapstructure:"model"`               // loaded model name
	Template           string  `mapstructure:"template"`            // chat template name, empty for fallback
	Encoding           string  `mapstructure:"encoding"`            // tokenizer encoding name
	DefaultMaxTokens   int     `mapstructure:"default_max_tokens"`  // n_predict when the request carries none
	DefaultTemperature float64 `mapstructure:"default_temperature"` // sampling temperature when the request carries none
	QueueSize          int     `mapstructure:"queue_size"`          // bounded waiting set inside the engine
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoadConfig reads and validates the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config := defaults()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{ID: "llama-dds-server"},
		Bridge: BridgeConfig{
			Enabled:            true,
			Domain:             0,
			TimeoutSecs:        60,
			NParallel:          1,
			StatusIntervalSecs: 5,
			StreamHistory:      32,
		},
		Redis: *redis.DefaultConfig(),
		Engine: EngineConfig{
			Encoding:           "cl100k_base",
			DefaultMaxTokens:   256,
			DefaultTemperature: 0.7,
			QueueSize:          64,
		},
		Metrics: MetricsConfig{Addr: ":9091"},
		Log:     *logger.DefaultConfig(),
	}
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Bridge.Domain < 0 {
		return fmt.Errorf("bridge: domain must be >= 0, got %d", c.Bridge.Domain)
	}
	if c.Bridge.TimeoutSecs <= 0 {
		return fmt.Errorf("bridge: timeout_secs must be > 0, got %d", c.Bridge.TimeoutSecs)
	}
	if c.Bridge.NParallel < 1 {
		return fmt.Errorf("bridge: n_parallel must be >= 1, got %d", c.Bridge.NParallel)
	}
	if c.Bridge.StatusIntervalSecs <= 0 {
		return fmt.Errorf("bridge: status_interval_secs must be > 0, got %d", c.Bridge.StatusIntervalSecs)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics: addr is required when metrics are enabled")
	}
	return nil
}

// RequestTimeout returns the per-request deadline as a duration.
func (c *BridgeConfig) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// StatusInterval returns the heartbeat period as a duration.
func (c *BridgeConfig) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSecs) * time.Second
}
