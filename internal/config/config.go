package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/warp/commission-ledger/internal/logger"
)

// EnvPrefix prefixes every environment override: LEDGER_DATABASE_DSN
// overrides database.dsn.
const EnvPrefix = "LEDGER"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres, memory
	DSN    string `mapstructure:"dsn"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	GroupID     string   `mapstructure:"group_id"`
	PaidTopic   string   `mapstructure:"paid_topic"`
	RefundTopic string   `mapstructure:"refund_topic"`
}

type SettlementConfig struct {
	Preset        string `mapstructure:"preset"` // used when schedule_file is empty
	ScheduleFile  string `mapstructure:"schedule_file"`
	ReferralsFile string `mapstructure:"referrals_file"`
	AtomicRefunds bool   `mapstructure:"atomic_refunds"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	TimeFormat string `mapstructure:"time_format"`
	Output     string `mapstructure:"output"`
}

// Logger converts to the logger package's configuration.
func (l LogConfig) Logger() logger.LogConfig {
	return logger.LogConfig{Level: l.Level, Format: l.Format, TimeFormat: l.TimeFormat, Output: l.Output}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "ledger.db")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "commission-ledger")
	v.SetDefault("kafka.paid_topic", "order.paid")
	v.SetDefault("kafka.refund_topic", "refund.requested")
	v.SetDefault("settlement.preset", "marketplace")
	v.SetDefault("settlement.schedule_file", "")
	v.SetDefault("settlement.referrals_file", "")
	v.SetDefault("settlement.atomic_refunds", false)

	d := logger.DefaultConfig()
	v.SetDefault("log.level", d.Level)
	v.SetDefault("log.format", d.Format)
	v.SetDefault("log.time_format", d.TimeFormat)
	v.SetDefault("log.output", d.Output)
}

// Load reads defaults, then an optional config file, then LEDGER_*
// environment overrides. An explicit path must exist; otherwise config.yaml
// is looked up in . and ./config and may be absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	return nil
}
