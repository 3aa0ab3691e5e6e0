// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package config loads the settings of the resq command from a config
// file, environment variables and command line flags.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config holds all configuration for the resq command.
type Config struct {
	Redis     RedisConfig     `mapstructure:"redis"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// RedisConfig holds the redis connection settings.
type RedisConfig struct {
	// Addr is "host:port" or a redis:// URL. It takes precedence over Host and Port.
	Addr     string `mapstructure:"addr"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Address returns Addr, or Host and Port joined when Addr is empty.
func (c RedisConfig) Address() string {
	if c.Addr != "" {
		return c.Addr
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WorkerConfig holds the worker settings.
type WorkerConfig struct {
	Queues          []string      `mapstructure:"queues"`
	Interval        time.Duration `mapstructure:"interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StaleTimeout    time.Duration `mapstructure:"stale_timeout"`
}

// LogConfig holds the logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	// File to append logs to. Logs go to stderr if empty.
	File string `mapstructure:"file"`
}

// MetricsConfig holds the prometheus endpoint settings.
type MetricsConfig struct {
	// Addr to serve /metrics on. Disabled if empty.
	Addr string `mapstructure:"addr"`
}

// SchedulerConfig holds the periodic scheduler settings.
type SchedulerConfig struct {
	// File is the YAML schedule to load.
	File string `mapstructure:"file"`
}

// Keys shared with command line flags.
const (
	KeyRedisAddr       = "redis.addr"
	KeyRedisHost       = "redis.host"
	KeyRedisPort       = "redis.port"
	KeyRedisPassword   = "redis.password"
	KeyRedisDB         = "redis.db"
	KeyQueues          = "worker.queues"
	KeyInterval        = "worker.interval"
	KeyShutdownTimeout = "worker.shutdown_timeout"
	KeyStaleTimeout    = "worker.stale_timeout"
	KeyLogLevel        = "log.level"
	KeyLogFile         = "log.file"
	KeyMetricsAddr     = "metrics.addr"
	KeyScheduleFile    = "scheduler.file"
)

// New returns a viper instance with defaults and environment bindings set.
//
// Every key can be set from the environment as RESQ_<SECTION>_<KEY>, e.g.
// RESQ_WORKER_INTERVAL. REDIS_HOST, REDIS_PORT, QUEUES and QUEUE are
// honored as well.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RESQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The first variable set wins.
	v.BindEnv(KeyRedisHost, "RESQ_REDIS_HOST", "REDIS_HOST")
	v.BindEnv(KeyRedisPort, "RESQ_REDIS_PORT", "REDIS_PORT")
	v.BindEnv(KeyQueues, "RESQ_WORKER_QUEUES", "QUEUES", "QUEUE")
	return v
}

func setDefaults(v *viper.Viper) {
	// Redis defaults
	v.SetDefault(KeyRedisAddr, "")
	v.SetDefault(KeyRedisHost, "localhost")
	v.SetDefault(KeyRedisPort, 6379)
	v.SetDefault(KeyRedisPassword, "")
	v.SetDefault(KeyRedisDB, 0)

	// Worker defaults
	v.SetDefault(KeyQueues, []string{})
	v.SetDefault(KeyInterval, "5s")
	v.SetDefault(KeyShutdownTimeout, "0s")
	v.SetDefault(KeyStaleTimeout, "0s")

	// Logging defaults
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFile, "")

	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyScheduleFile, "")
}

// Load reads the config file, if given, and returns the merged configuration.
// A config file that is given but cannot be read is an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	queues, err := parseQueues(v.Get(KeyQueues))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyQueues, err)
	}
	cfg.Worker.Queues = queues
	return &cfg, nil
}

// parseQueues accepts a comma separated string, as set in the environment,
// or a list, as written in a config file.
func parseQueues(val interface{}) ([]string, error) {
	var raw []string
	if s, ok := val.(string); ok {
		raw = strings.Split(s, ",")
	} else {
		list, err := cast.ToStringSliceE(val)
		if err != nil {
			return nil, err
		}
		raw = list
	}
	var queues []string
	for _, q := range raw {
		if q = strings.TrimSpace(q); q != "" {
			queues = append(queues, q)
		}
	}
	return queues, nil
}

var logLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true,
	"error": true, "fatal": true, "critical": true,
}

// Validate checks the settings a worker needs.
func (c *Config) Validate() error {
	if len(c.Worker.Queues) == 0 {
		return fmt.Errorf("no queues specified: set %s, QUEUES or QUEUE", KeyQueues)
	}
	if c.Worker.Interval <= 0 {
		return fmt.Errorf("%s must be positive, got %v", KeyInterval, c.Worker.Interval)
	}
	if c.Worker.ShutdownTimeout < 0 {
		return fmt.Errorf("%s must not be negative, got %v", KeyShutdownTimeout, c.Worker.ShutdownTimeout)
	}
	if c.Worker.StaleTimeout < 0 {
		return fmt.Errorf("%s must not be negative, got %v", KeyStaleTimeout, c.Worker.StaleTimeout)
	}
	if !logLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("unsupported %s %q", KeyLogLevel, c.Log.Level)
	}
	return nil
}
