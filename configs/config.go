package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Prettify bool   `mapstructure:"prettify"`
}

type RPCConfig struct {
	// Hard ceiling on simultaneous in-flight requests per network.
	MaxConcurrentRequests int `mapstructure:"maxConcurrentRequests"`
	MaxRetries            int `mapstructure:"maxRetries"`
	RequestTimeout        int `mapstructure:"requestTimeout"` // seconds
}

type FetcherConfig struct {
	ChannelSize int `mapstructure:"channelSize"`
}

type SchedulerConfig struct {
	MaxConcurrentTasks int `mapstructure:"maxConcurrentTasks"`
	ShutdownTimeout    int `mapstructure:"shutdownTimeout"` // seconds
}

type SinkConfig struct {
	WriteTimeout int `mapstructure:"writeTimeout"` // seconds
}

type CheckpointConfig struct {
	WriteTimeout int `mapstructure:"writeTimeout"` // seconds
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	MaxOpenConns    int    `mapstructure:"maxOpenConns"`
	MaxIdleConns    int    `mapstructure:"maxIdleConns"`
	MaxConnLifetime int    `mapstructure:"maxConnLifetime"` // seconds
}

type ClickhouseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type Config struct {
	ManifestPath string           `mapstructure:"manifestPath"`
	Log          LogConfig        `mapstructure:"log"`
	RPC          RPCConfig        `mapstructure:"rpc"`
	Fetcher      FetcherConfig    `mapstructure:"fetcher"`
	Scheduler    SchedulerConfig  `mapstructure:"scheduler"`
	Sink         SinkConfig       `mapstructure:"sink"`
	Checkpoint   CheckpointConfig `mapstructure:"checkpoint"`
	Database     DatabaseConfig   `mapstructure:"database"`
	Clickhouse   ClickhouseConfig `mapstructure:"clickhouse"`
}

const (
	// Enforced regardless of user configuration. Exceeding values clamp silently.
	ChannelSizeHardCap        = 10
	MaxConcurrentTasksHardCap = 100

	DefaultMaxConcurrentRequests = 100
	DefaultMaxRetries            = 5
	DefaultRequestTimeoutSecs    = 30
	DefaultWriteTimeoutSecs      = 5
	DefaultShutdownTimeoutSecs   = 10
)

var Cfg Config

func LoadConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file, %s", err)
		}
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath("./configs")

		// A missing config file is fine, everything has defaults.
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file, %s", err)
			}
		}
	}

	// sets e.g. DATABASE_URL to database.url
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&Cfg); err != nil {
		return fmt.Errorf("error unmarshalling config: %v", err)
	}

	ApplyDefaultsAndCaps(&Cfg)
	return nil
}

func ApplyDefaultsAndCaps(cfg *Config) {
	if cfg.RPC.MaxConcurrentRequests <= 0 || cfg.RPC.MaxConcurrentRequests > DefaultMaxConcurrentRequests {
		cfg.RPC.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if cfg.RPC.MaxRetries <= 0 {
		cfg.RPC.MaxRetries = DefaultMaxRetries
	}
	if cfg.RPC.RequestTimeout <= 0 {
		cfg.RPC.RequestTimeout = DefaultRequestTimeoutSecs
	}
	if cfg.Fetcher.ChannelSize <= 0 || cfg.Fetcher.ChannelSize > ChannelSizeHardCap {
		cfg.Fetcher.ChannelSize = ChannelSizeHardCap
	}
	if cfg.Scheduler.MaxConcurrentTasks <= 0 || cfg.Scheduler.MaxConcurrentTasks > MaxConcurrentTasksHardCap {
		cfg.Scheduler.MaxConcurrentTasks = MaxConcurrentTasksHardCap
	}
	if cfg.Scheduler.ShutdownTimeout <= 0 {
		cfg.Scheduler.ShutdownTimeout = DefaultShutdownTimeoutSecs
	}
	if cfg.Sink.WriteTimeout <= 0 {
		cfg.Sink.WriteTimeout = DefaultWriteTimeoutSecs
	}
	if cfg.Checkpoint.WriteTimeout <= 0 {
		cfg.Checkpoint.WriteTimeout = DefaultWriteTimeoutSecs
	}
}
