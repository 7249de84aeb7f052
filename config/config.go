// Package config holds the gateway's initialization parameters. Files are
// loaded through viper so environment variables can override secrets without
// writing them to disk.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects which devices the gateway serves. Production devices are
// processed only outside develop mode; develop-listed devices only inside it.
type Mode string

const (
	ModeProduction Mode = "PRODUCTION"
	ModeTest       Mode = "TEST"
	ModeDevelop    Mode = "DEVELOP"
)

// Config holds initialization parameters for all gateway subsystems.
type Config struct {
	Mode       Mode   `mapstructure:"mode"`
	HubAddress string `mapstructure:"hub_address"`

	IdentityPath   string `mapstructure:"identity_path"`
	DeviceListPath string `mapstructure:"device_list_path"`
	HistoryDir     string `mapstructure:"history_dir"`

	ReadInterval     time.Duration `mapstructure:"read_interval"`
	AwaitTimeout     time.Duration `mapstructure:"await_timeout"`
	ForegroundGrace  time.Duration `mapstructure:"foreground_grace"`
	SessionRetention int           `mapstructure:"session_retention"`

	WeatherAPIKey string `mapstructure:"weather_api_key"`
	NewsAPIKey    string `mapstructure:"news_api_key"`

	CompletionURL   string `mapstructure:"completion_url"`
	CompletionModel string `mapstructure:"completion_model"`
	CompletionKey   string `mapstructure:"completion_key"`
}

// DefaultConfig returns a Config with sensible defaults for all subsystems.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeTest,
		HubAddress:       "ws://ws.test.lizz.health:5556",
		IdentityPath:     "identity.json",
		DeviceListPath:   "dev-list.json",
		HistoryDir:       "logs",
		ReadInterval:     100 * time.Millisecond,
		AwaitTimeout:     30 * time.Second,
		ForegroundGrace:  2 * time.Second,
		SessionRetention: 10,
		CompletionURL:    "https://api.openai.com/v1/chat/completions",
		CompletionModel:  "gpt-4o",
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Mode != "" {
		c.Mode = source.Mode
	}
	if source.HubAddress != "" {
		c.HubAddress = source.HubAddress
	}
	if source.IdentityPath != "" {
		c.IdentityPath = source.IdentityPath
	}
	if source.DeviceListPath != "" {
		c.DeviceListPath = source.DeviceListPath
	}
	if source.HistoryDir != "" {
		c.HistoryDir = source.HistoryDir
	}
	if source.ReadInterval > 0 {
		c.ReadInterval = source.ReadInterval
	}
	if source.AwaitTimeout > 0 {
		c.AwaitTimeout = source.AwaitTimeout
	}
	if source.ForegroundGrace > 0 {
		c.ForegroundGrace = source.ForegroundGrace
	}
	if source.SessionRetention > 0 {
		c.SessionRetention = source.SessionRetention
	}
	if source.WeatherAPIKey != "" {
		c.WeatherAPIKey = source.WeatherAPIKey
	}
	if source.NewsAPIKey != "" {
		c.NewsAPIKey = source.NewsAPIKey
	}
	if source.CompletionURL != "" {
		c.CompletionURL = source.CompletionURL
	}
	if source.CompletionModel != "" {
		c.CompletionModel = source.CompletionModel
	}
	if source.CompletionKey != "" {
		c.CompletionKey = source.CompletionKey
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeProduction, ModeTest, ModeDevelop:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if c.HubAddress == "" {
		return fmt.Errorf("hub_address is required")
	}
	return nil
}

// LoadConfig reads a config file, layers environment overrides (prefix
// GATEWAY_, e.g. GATEWAY_WEATHER_API_KEY), merges with defaults, and returns
// the result.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(filename)
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"mode", "hub_address", "identity_path", "device_list_path",
		"history_dir", "read_interval", "await_timeout", "foreground_grace",
		"session_retention", "weather_api_key", "news_api_key",
		"completion_url", "completion_model", "completion_key",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	if err := v.Unmarshal(&loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Merge(&loaded)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
