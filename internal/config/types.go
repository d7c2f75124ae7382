package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  Database        `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Queue     QueueConfig     `json:"queue"`
	Telegram  TelegramConfig  `json:"telegram"`
	Converter ConverterConfig `json:"converter"`
	Batch     BatchConfig     `json:"batch"`
	Sentry    SentryConfig    `json:"sentry"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type Database struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Password            string        `json:"password"`
	DatabaseID          int           `json:"database_id"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	DialTimeout         time.Duration `json:"dial_timeout"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	PoolSize            int           `json:"pool_size"`
	Nodes               []RedisNode   `json:"nodes"`
}

type RedisNode struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

type QueueConfig struct {
	Stream       string        `json:"stream"`        // redis stream name
	Group        string        `json:"group"`         // consumer group name
	Consumer     string        `json:"consumer"`      // consumer name within the group
	MaxAttempts  int           `json:"max_attempts"`  // max deliveries before DLQ
	MaxLen       int64         `json:"max_len"`       // stream max length before trim
	BackoffMin   time.Duration `json:"backoff_min"`   // first retry delay, seconds
	BackoffMax   time.Duration `json:"backoff_max"`   // retry delay cap, seconds
	BlockTimeout time.Duration `json:"block_timeout"` // XREADGROUP block timeout
	ClaimEvery   time.Duration `json:"claim_every"`   // pending-entry reclaim interval, seconds
}

type TelegramConfig struct {
	Token          string  `json:"token"`
	WebhookSecret  string  `json:"webhook_secret"`
	ChatID         int64   `json:"chat_id"`
	SourceTopicID  int64   `json:"source_topic_id"`
	TargetTopicID  int64   `json:"target_topic_id"`
	AllowedEditors []int64 `json:"allowed_editors"`
	MaxFileMB      int64   `json:"max_file_mb"`
}

func (t TelegramConfig) Allowed(userID int64) bool {
	for _, id := range t.AllowedEditors {
		if id == userID {
			return true
		}
	}
	return false
}

type ConverterConfig struct {
	URL     string        `json:"url"`
	APIKey  string        `json:"api_key"`
	Quality int           `json:"quality"`
	MaxSide int           `json:"max_side"`
	Timeout time.Duration `json:"timeout"` // seconds
}

type BatchConfig struct {
	WindowSeconds   time.Duration `json:"window_seconds"`   // batch window from first arrival
	UpdateThreshold int           `json:"update_threshold"` // edit progress every N completions
	MaxErrorLines   int           `json:"max_error_lines"`  // error lines kept in the progress text
}

type SentryConfig struct {
	SentryDSN   string `json:"sentry_dsn"`
	Environment string `json:"environment"`
}
