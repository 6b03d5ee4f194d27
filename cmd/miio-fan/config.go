package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Device struct {
		Name string `yaml:"name"`
		DID  string `yaml:"did"`
	} `yaml:"device"`
	Transport struct {
		Type string `yaml:"type"` // "sim" or "mqtt"
		Sim  struct {
			Path string `yaml:"path"`
		} `yaml:"sim"`
		MQTT struct {
			Broker      string        `yaml:"broker"`
			Username    string        `yaml:"username"`
			Password    string        `yaml:"password"`
			TopicPrefix string        `yaml:"topic_prefix"`
			Timeout     time.Duration `yaml:"timeout"`
		} `yaml:"mqtt"`
	} `yaml:"transport"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
		RemoveDiscovery bool   `yaml:"remove_discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"` // megabytes
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"` // days
		Compress   bool   `yaml:"compress"`
	} `yaml:"log"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ScriptsDir   string        `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Device.DID == "" {
		return fmt.Errorf("device.did is required")
	}
	switch c.Transport.Type {
	case "sim":
	case "mqtt":
		if c.Transport.MQTT.Broker == "" {
			return fmt.Errorf("transport.mqtt.broker is required")
		}
	default:
		return fmt.Errorf("unknown transport.type %q (supported: sim, mqtt)", c.Transport.Type)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enabled is set")
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("poll_interval must be at least 1s, got %s", c.PollInterval)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// loadConfig reads path and fills defaults. A missing file yields the
// defaults when optional is set.
func loadConfig(path string, optional bool) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case optional && errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if cfg.Device.DID == "" {
		cfg.Device.DID = "fan1c"
	}
	if cfg.Transport.Type == "" {
		cfg.Transport.Type = "sim"
	}
	if cfg.Transport.Sim.Path == "" {
		cfg.Transport.Sim.Path = "miio-fan-sim.db"
	}
	if cfg.Transport.MQTT.TopicPrefix == "" {
		cfg.Transport.MQTT.TopicPrefix = "miio"
	}
	if cfg.Transport.MQTT.Timeout == 0 {
		cfg.Transport.MQTT.Timeout = 5 * time.Second
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "miio-fan"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.MaxSize == 0 {
		cfg.Log.MaxSize = 10
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 3
	}
	if cfg.Log.MaxAge == 0 {
		cfg.Log.MaxAge = 28
	}
	return &cfg, nil
}
