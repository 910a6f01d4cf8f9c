// Package config loads the persistent log's configuration from YAML with
// viper, hot-reloading on change.
package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/coldraft/plog/log"
	"github.com/coldraft/plog/plog"
)

// Config is the top-level configuration document: the persistent log's
// construction parameters plus the ambient logging setup.
type Config struct {
	Log LogConfig     `mapstructure:"log"`
	Zap log.ZapConfig `mapstructure:"zap"`
}

// LogConfig carries the persistent-log construction parameters: where
// its files live and how big its partitions and records are.
type LogConfig struct {
	// Location is the directory holding partition files and .state.
	// Created if absent.
	Location string `mapstructure:"location"`

	// RecordsPerPartition is the fixed number of entries each partition
	// file holds.
	RecordsPerPartition int64 `mapstructure:"records-per-partition"`

	// MaxRecordSize bounds the serialized size of a single slot.
	MaxRecordSize int64 `mapstructure:"max-record-size"`
}

// ToOptions adapts a loaded LogConfig into the plog.Options a caller
// passes to plog.Open.
func (c LogConfig) ToOptions() plog.Options {
	return plog.Options{
		Location:            c.Location,
		RecordsPerPartition: c.RecordsPerPartition,
		MaxRecordSize:       c.MaxRecordSize,
	}
}

var (
	v    *viper.Viper
	conf *Config
)

// Load reads path as YAML into a Config, watching for subsequent edits.
func Load(path string) (*Config, error) {
	v = viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	conf = new(Config)
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	log.Init(&conf.Zap)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		reloaded := new(Config)
		if err := v.Unmarshal(reloaded); err == nil {
			conf = reloaded
			log.Init(&conf.Zap)
		}
	})

	return conf, nil
}

// Current returns the most recently loaded configuration, or nil if Load
// has not been called.
func Current() *Config {
	return conf
}
