package config

import (
	"fmt"
	"time"

	"campaignmailer/internal/dispatch"
	"campaignmailer/internal/quota"
	"campaignmailer/internal/scheduler"
	"campaignmailer/pkg/circuitbreaker"
	"campaignmailer/pkg/config"
)

type CacheConfig struct {
	AttachmentTTL time.Duration `yaml:"attachment_ttl"`
}

type AttachmentsConfig struct {
	MaxPerUser int `yaml:"max_per_user"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

// QueueConfig 发送任务队列名
type QueueConfig struct {
	Name string `yaml:"name"`
}

type Config struct {
	DB     config.DBConfig     `yaml:"db"`
	MQ     config.MQConfig     `yaml:"mq"`
	Redis  config.RedisConfig  `yaml:"redis"`
	S3     config.S3Config     `yaml:"s3"`
	Mail   config.MailConfig   `yaml:"mail"`
	Server config.ServerConfig `yaml:"server"`
	OTel   config.OTelConfig   `yaml:"otel"`

	Quota       quota.Config          `yaml:"quota"`
	Scheduler   scheduler.Config      `yaml:"scheduler"`
	Worker      dispatch.Config       `yaml:"worker"`
	Queue       QueueConfig           `yaml:"queue"`
	Cache       CacheConfig           `yaml:"cache"`
	Attachments AttachmentsConfig     `yaml:"attachments"`
	Breaker     circuitbreaker.Config `yaml:"breaker"`
	Outbox      OutboxConfig          `yaml:"outbox"`
}

// Load 读取 CONFIG_DIR 下的 base.yaml + <CONFIG_ENV>.yaml，再用环境变量覆盖
func Load() (*Config, error) {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := defaults()
	if err := config.Decode(cfgMap, cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideS3FromEnv(&cfg.S3)
	config.OverrideMailFromEnv(&cfg.Mail)
	config.OverrideServerFromEnv(&cfg.Server)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: config.ServerConfig{Port: "8080"},
		Quota: quota.Config{
			DailyLimit:  50,
			ResetHour:   9,
			ResetMinute: 30,
			Timezone:    "Asia/Kolkata",
		},
		Scheduler: scheduler.Config{Spacing: 2 * time.Minute, ParseMaxRetries: 3},
		Worker: dispatch.Config{
			PoolSize:        4,
			PollTimeout:     5 * time.Second,
			Lease:           10 * time.Minute,
			MaxAttempts:     3,
			BackoffBase:     30 * time.Second,
			BackoffMax:      30 * time.Minute,
			PacingMin:       2 * time.Minute,
			PacingMax:       5 * time.Minute,
			RecoverInterval: 30 * time.Second,
		},
		Queue:       QueueConfig{Name: "send"},
		Cache:       CacheConfig{AttachmentTTL: time.Hour},
		Attachments: AttachmentsConfig{MaxPerUser: 3},
		Breaker:     circuitbreaker.DefaultConfig(),
		Outbox:      OutboxConfig{Interval: time.Second, BatchSize: 100, MaxRetries: 5},
	}
}
