// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Router      RouterConfig      `mapstructure:"router"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	LWM2M       LWM2MConfig       `mapstructure:"lwm2m"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"` // debug, info, warn, error
	File       string `mapstructure:"file"`  // Log file path, empty or "-" for stdout
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// RouterConfig defines the router process settings
type RouterConfig struct {
	Protocol string `mapstructure:"protocol"` // "mqtt", "lwm2m", "none"
	Listen   string `mapstructure:"listen"`   // IPC listen address
}

// MQTTConfig defines the message-queue bridge
type MQTTConfig struct {
	Port              int           `mapstructure:"port"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	QueueCapacity     int           `mapstructure:"queue_capacity"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	QoS               int           `mapstructure:"qos"`
	MessagesTopic     string        `mapstructure:"messages_topic"` // format taking the client ID
	TasksTopic        string        `mapstructure:"tasks_topic"`    // format taking the client ID
}

// LWM2MConfig defines the device-management bridge connection
type LWM2MConfig struct {
	Broker    string        `mapstructure:"broker"`
	Port      int           `mapstructure:"port"`
	ClientID  string        `mapstructure:"client_id"`
	Password  string        `mapstructure:"password"`
	Prefix    string        `mapstructure:"prefix"`
	KeepAlive time.Duration `mapstructure:"keep_alive"`
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Tree   TreeConfig   `mapstructure:"tree"`
	Secure SecureConfig `mapstructure:"secure"`
}

// TreeConfig defines the plaintext config tree
type TreeConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap", "sql"
	Path string `mapstructure:"path"` // File path for "file/mmap/sql" type
}

// SecureConfig defines the encrypted blob store
type SecureConfig struct {
	Type    string `mapstructure:"type"` // "memory", "file"
	Path    string `mapstructure:"path"` // Blob directory for "file" type
	KeyFile string `mapstructure:"key_file"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // empty disables the endpoint
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"protocol":  "router.protocol",
	"listen":    "router.listen",
	"log-level": "log.level",
	"log-file":  "log.file",
}

// LoadConfig loads configuration from file. A missing file is not an error
// when configFile is empty. Flags set on the command line override the file.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/datarouter/")
		v.AddConfigPath("$HOME/.datarouter")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("router.protocol", "mqtt")
	v.SetDefault("router.listen", "127.0.0.1:7483")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.keep_alive", 20*time.Second)
	v.SetDefault("mqtt.queue_capacity", 30)
	v.SetDefault("mqtt.reconnect_interval", 5*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.messages_topic", "%s/messages/json")
	v.SetDefault("mqtt.tasks_topic", "%s/tasks/json")
	v.SetDefault("lwm2m.port", 1883)
	v.SetDefault("lwm2m.client_id", "datarouter-avdata")
	v.SetDefault("lwm2m.prefix", "avdata")
	v.SetDefault("lwm2m.keep_alive", 20*time.Second)
	v.SetDefault("persistence.tree.type", "memory")
	v.SetDefault("persistence.secure.type", "memory")

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	config.Log.Level = strings.ToLower(config.Log.Level)
	config.Router.Protocol = strings.ToLower(strings.TrimSpace(config.Router.Protocol))
	config.Persistence.Tree.Type = strings.ToLower(config.Persistence.Tree.Type)
	config.Persistence.Secure.Type = strings.ToLower(config.Persistence.Secure.Type)
	if config.MQTT.QoS < 0 || config.MQTT.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", config.MQTT.QoS)
	}
	if config.MQTT.QueueCapacity <= 0 {
		return nil, fmt.Errorf("invalid mqtt queue_capacity %d", config.MQTT.QueueCapacity)
	}
	if config.Persistence.Tree.Type != "memory" && config.Persistence.Tree.Path == "" {
		return nil, fmt.Errorf("persistence.tree.path is required for type %q", config.Persistence.Tree.Type)
	}
	if config.Persistence.Secure.Type == "file" && config.Persistence.Secure.Path == "" {
		return nil, fmt.Errorf("persistence.secure.path is required for type %q", config.Persistence.Secure.Type)
	}

	return &config, nil
}
