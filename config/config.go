package config

import (
	"time"

	"github.com/spf13/viper"
)

type FieldRule struct {
	Strategy string `mapstructure:"strategy"`
	Policy   string `mapstructure:"policy"`
}

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Sync struct {
		ConflictWindow   time.Duration        `mapstructure:"conflictWindow"`
		SessionTTL       time.Duration        `mapstructure:"sessionTTL"`
		HeartbeatTimeout time.Duration        `mapstructure:"heartbeatTimeout"`
		FlushInterval    time.Duration        `mapstructure:"flushInterval"`
		SweepInterval    time.Duration        `mapstructure:"sweepInterval"`
		RingCapacity     int                  `mapstructure:"ringCapacity"`
		JoinReplay       int                  `mapstructure:"joinReplay"`
		PendingCap       int                  `mapstructure:"pendingCap"`
		PlatformPriority []string             `mapstructure:"platformPriority"`
		DefaultStrategy  string               `mapstructure:"defaultStrategy"`
		StrategyByKind   map[string]string    `mapstructure:"strategyByKind"`
		FieldRules       map[string]FieldRule `mapstructure:"fieldRules"`
	} `mapstructure:"sync"`
}

// Load 读取 syncConfig.yaml；文件缺失时退回默认值，保证开发环境可直接启动。
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetDefault("running.port", 8084)
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("sync.conflictWindow", "5s")
	v.SetDefault("sync.sessionTTL", "24h")
	v.SetDefault("sync.heartbeatTimeout", "5m")
	v.SetDefault("sync.flushInterval", "1s")
	v.SetDefault("sync.sweepInterval", "1h")
	v.SetDefault("sync.ringCapacity", 100)
	v.SetDefault("sync.joinReplay", 10)
	v.SetDefault("sync.pendingCap", 100)
	v.SetDefault("sync.platformPriority", []string{"web", "mobile", "discord", "api"})
	v.SetDefault("sync.defaultStrategy", "latest-wins")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
