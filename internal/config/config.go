package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "RENDERSTREAM"

type RelayConfig struct {
	Port         int           `mapstructure:"port"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
}

type Config struct {
	Mode             string        `mapstructure:"mode"`
	LogLevel         string        `mapstructure:"log_level"`
	SignalingURL     string        `mapstructure:"signaling_url"`
	UseWebSocket     bool          `mapstructure:"use_websocket"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	StartTimeout     time.Duration `mapstructure:"start_timeout"`
	ICEServers       []string      `mapstructure:"ice_servers"`
	DataChannelLabel string        `mapstructure:"data_channel_label"`
	Polite           bool          `mapstructure:"polite"`
	Initiator        bool          `mapstructure:"initiator"`
	ConnectionID     string        `mapstructure:"connection_id"`
	ReceiveVideo     bool          `mapstructure:"receive_video"`
	ReceiveAudio     bool          `mapstructure:"receive_audio"`
	Relay            RelayConfig   `mapstructure:"relay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("signaling_url", "http://localhost:8080")
	v.SetDefault("use_websocket", false)
	v.SetDefault("poll_interval", "500ms")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("start_timeout", "10s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("data_channel_label", "data")
	v.SetDefault("polite", true)
	v.SetDefault("initiator", true)
	v.SetDefault("connection_id", "")
	v.SetDefault("receive_video", true)
	v.SetDefault("receive_audio", true)
	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.rate_limit", 200)
	v.SetDefault("relay.rate_interval", "10s")
	v.SetDefault("relay.session_ttl", "1m")
}

// Load reads config/config.<CONFIG_ENV>.yaml when present, then RENDERSTREAM_* env
// variables, then any flags set on fs. Dashed flag names map to underscored keys. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if err := v.BindPFlag(key, f); err != nil {
				bindErr = errors.Join(bindErr, fmt.Errorf("bind flag %s: %w", f.Name, err))
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.SignalingURL == "" {
		errs = append(errs, errors.New("signaling_url is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.StartTimeout <= 0 {
		errs = append(errs, errors.New("start_timeout must be positive"))
	}
	if c.DataChannelLabel == "" {
		errs = append(errs, errors.New("data_channel_label is required"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// Level returns the configured zerolog level, info when unset.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
