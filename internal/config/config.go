package config

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
)

// Create new config instance
func NewConfig() *Config {
	return &Config{}
}

// Load configuration file in json format
func (c *Config) Read(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	c.applyDefaults()
	c.Converter.URL = NormalizeConverterURL(c.Converter.URL)
	return c.validate()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60
	}
	if c.Queue.Stream == "" {
		c.Queue.Stream = "convert:jobs"
	}
	if c.Queue.Group == "" {
		c.Queue.Group = "convert-workers"
	}
	if c.Queue.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		c.Queue.Consumer = host
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.BlockTimeout == 0 {
		c.Queue.BlockTimeout = 5
	}
	if c.Queue.ClaimEvery == 0 {
		c.Queue.ClaimEvery = 60
	}
	if c.Queue.BackoffMin == 0 {
		c.Queue.BackoffMin = 10
	}
	if c.Queue.BackoffMax == 0 {
		c.Queue.BackoffMax = 600
	}
	if c.Telegram.MaxFileMB == 0 {
		c.Telegram.MaxFileMB = 40
	}
	if c.Converter.Quality == 0 {
		c.Converter.Quality = 92
	}
	if c.Converter.Timeout == 0 {
		c.Converter.Timeout = 120
	}
	if c.Batch.WindowSeconds == 0 {
		c.Batch.WindowSeconds = 120
	}
	if c.Batch.UpdateThreshold == 0 {
		c.Batch.UpdateThreshold = 3
	}
	if c.Batch.MaxErrorLines == 0 {
		c.Batch.MaxErrorLines = 5
	}
}

func (c *Config) validate() error {
	if c.Telegram.Token == "" {
		return errors.New("config: telegram.token is required")
	}
	if c.Telegram.WebhookSecret == "" {
		return errors.New("config: telegram.webhook_secret is required")
	}
	if len(c.Telegram.AllowedEditors) == 0 {
		return errors.New("config: telegram.allowed_editors must contain at least one user id")
	}
	if c.Converter.URL == "" {
		return errors.New("config: converter.url is required")
	}
	return nil
}

// NormalizeConverterURL strips trailing slashes and makes sure the URL ends
// with a single /convert path segment, whatever form the deployment config
// supplied it in.
func NormalizeConverterURL(raw string) string {
	u := strings.TrimSpace(raw)
	for strings.HasSuffix(u, "/") {
		u = strings.TrimSuffix(u, "/")
	}
	u = strings.ReplaceAll(u, "/convert/convert", "/convert")
	if u == "" || strings.HasSuffix(u, "/convert") {
		return u
	}
	return u + "/convert"
}
