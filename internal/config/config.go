// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	RabbitMQ struct {
		URL string `yaml:"url"`
	} `yaml:"rabbitmq"`

	Provider struct {
		MessageURL     string `yaml:"message_url"`
		VoiceURL       string `yaml:"voice_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		RetryBudget    int    `yaml:"retry_budget"`
	} `yaml:"provider"`

	Scheduler struct {
		TickSeconds         int `yaml:"tick_seconds"`
		BatchSize           int `yaml:"batch_size"`
		Workers             int `yaml:"workers"`
		StaleAfterSeconds   int `yaml:"stale_after_seconds"`
		VoiceSlotTTLSeconds int `yaml:"voice_slot_ttl_seconds"`
	} `yaml:"scheduler"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Log struct {
		Level string `yaml:"level"`
		Env   string `yaml:"env"`
	} `yaml:"log"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Provider.TimeoutSeconds <= 0 {
		c.Provider.TimeoutSeconds = 10
	}
	if c.Provider.RetryBudget <= 0 {
		c.Provider.RetryBudget = 3
	}
	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = 5
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = 100
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 8
	}
	if c.Scheduler.StaleAfterSeconds <= 0 {
		c.Scheduler.StaleAfterSeconds = 30
	}
	if c.Scheduler.VoiceSlotTTLSeconds <= 0 {
		c.Scheduler.VoiceSlotTTLSeconds = 600
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) TickPeriod() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

func (c *Config) HeartbeatStaleAfter() time.Duration {
	return time.Duration(c.Scheduler.StaleAfterSeconds) * time.Second
}

func (c *Config) VoiceSlotTTL() time.Duration {
	return time.Duration(c.Scheduler.VoiceSlotTTLSeconds) * time.Second
}
