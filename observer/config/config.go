package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is everything needed to run one worker process.
type Config struct {
	Workers   int             `mapstructure:"workers"`
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Store     StoreConfig     `mapstructure:"store"`
	Collector CollectorConfig `mapstructure:"collector"`
	Source    SourceConfig    `mapstructure:"source"`
}

type LogConfig struct {
	Pretty bool `mapstructure:"pretty"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

type ScheduleConfig struct {
	ScheduleInterval time.Duration `mapstructure:"schedule_interval"`
	BalanceInterval  time.Duration `mapstructure:"balance_interval"`
	MaxInterval      time.Duration `mapstructure:"max_interval"`
}

type StoreConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type CollectorConfig struct {
	AMQP  AMQPConfig      `mapstructure:"amqp"`
	Redis RedisConfig     `mapstructure:"redis"`
	Debug DebugSinkConfig `mapstructure:"debug"`
}

type AMQPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URI      string `mapstructure:"uri"`
	Exchange string `mapstructure:"exchange"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

type DebugSinkConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type SourceConfig struct {
	Feed  FeedSourceConfig  `mapstructure:"feed"`
	Live  LiveSourceConfig  `mapstructure:"live"`
	Debug DebugSourceConfig `mapstructure:"debug"`
}

type FeedSourceConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Token        string        `mapstructure:"token"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LiveSourceConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
}

type DebugSourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", 0)
	v.SetDefault("log.pretty", false)
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", 8080)
	v.SetDefault("schedule.schedule_interval", 5*time.Second)
	v.SetDefault("schedule.balance_interval", 30*time.Second)
	v.SetDefault("schedule.max_interval", 10*time.Second)
	v.SetDefault("store.uri", "mongodb://127.0.0.1:27017")
	v.SetDefault("store.database", "skywatch")
	v.SetDefault("collector.amqp.enabled", false)
	v.SetDefault("collector.amqp.exchange", "skywatch")
	v.SetDefault("collector.redis.enabled", false)
	v.SetDefault("collector.redis.channel", "skywatch:events")
	v.SetDefault("collector.debug.enabled", false)
	v.SetDefault("source.feed.enabled", false)
	v.SetDefault("source.feed.poll_interval", 30*time.Second)
	v.SetDefault("source.live.enabled", false)
	v.SetDefault("source.debug.enabled", false)
	v.SetDefault("source.debug.interval", 10*time.Second)
}

// Load builds the configuration. Without an explicit path,
// /etc/skywatch/config.*, the user config dir and ./config.* are merged in
// that order; an explicit path suppresses the well-known locations. In both
// cases SKYWATCH_-prefixed environment variables override file values, and
// the file format is detected from the extension (toml, json and yaml all
// parse); an explicit path without an extension is tried as toml, then json,
// then yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("skywatch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		var err error
		if filepath.Ext(path) == "" {
			for _, typ := range []string{"toml", "json", "yaml"} {
				v.SetConfigType(typ)
				if err = v.ReadInConfig(); err == nil {
					break
				}
			}
		} else {
			err = v.ReadInConfig()
		}
		if err != nil {
			return nil, err
		}
	} else {
		for _, dir := range wellKnownDirs() {
			layer := viper.New()
			layer.SetConfigName("config")
			layer.AddConfigPath(dir)
			if err := layer.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if errors.As(err, &notFound) {
					continue
				}
				return nil, err
			}
			if err := v.MergeConfigMap(layer.AllSettings()); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func wellKnownDirs() []string {
	dirs := []string{"/etc/skywatch"}
	if userDir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(userDir, "skywatch"))
	}
	dirs = append(dirs, ".")
	return dirs
}
