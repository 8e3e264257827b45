package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"taxosync/pkg/config"
)

const (
	ProviderMemory = "memory"
	ProviderGmail  = "gmail"
)

type ProviderConfig struct {
	// Kind gmail 或 memory
	Kind            string        `yaml:"kind"`
	CredentialsFile string        `yaml:"credentials_file"`
	TokenFile       string        `yaml:"token_file"`
	Endpoint        string        `yaml:"endpoint"`
	RatePerSec      float64       `yaml:"rate_per_sec"`
	Burst           int           `yaml:"burst"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	// ArchiveLabel 归档标记标签名，为空时使用 "Email Archive"
	ArchiveLabel string        `yaml:"archive_label"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

type RetentionConfig struct {
	// DefaultDays pipeline_kv 中没有设置时使用
	DefaultDays int `yaml:"default_days"`
	// ScheduleInterval 大于 0 时定期执行 archive-plan 和 archive-push
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
	PlanMaxRows      int           `yaml:"plan_max_rows"`
}

type WorkerConfig struct {
	BatchSize    int `yaml:"batch_size"`
	Concurrency  int `yaml:"concurrency"`
	BulkPageSize int `yaml:"bulk_page_size"`
}

type StatusConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Watchdog    time.Duration `yaml:"watchdog"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

type Config struct {
	DB        config.DBConfig     `yaml:"db"`
	MQ        config.MQConfig     `yaml:"mq"`
	Redis     config.RedisConfig  `yaml:"redis"`
	JWT       config.JWTConfig    `yaml:"jwt"`
	Server    config.ServerConfig `yaml:"server"`
	Provider  ProviderConfig      `yaml:"provider"`
	Retention RetentionConfig     `yaml:"retention"`
	Worker    WorkerConfig        `yaml:"worker"`
	Status    StatusConfig        `yaml:"status"`
}

// Load 读取 CONFIG_DIR 下的 base.yaml 和 CONFIG_ENV 对应的环境配置，环境变量优先级最高
func Load() (*Config, error) {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := Defaults()
	if err := config.Decode(cfgMap, cfg); err != nil {
		return nil, err
	}

	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	overrideProviderFromEnv(&cfg.Provider)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults 配置文件中缺省的字段使用这些值
func Defaults() *Config {
	return &Config{
		DB:     config.DBConfig{Port: 5432, MaxConns: 10},
		Server: config.ServerConfig{Port: "8080", LogLevel: "info"},
		Provider: ProviderConfig{
			Kind:        ProviderMemory,
			RatePerSec:  10,
			Burst:       5,
			CallTimeout: 15 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Retention: RetentionConfig{
			DefaultDays: 730,
			PlanMaxRows: 5000,
		},
		Worker: WorkerConfig{
			BatchSize:    100,
			Concurrency:  4,
			BulkPageSize: 500,
		},
		Status: StatusConfig{
			Interval:    250 * time.Millisecond,
			Watchdog:    5 * time.Second,
			SnapshotTTL: 24 * time.Hour,
		},
	}
}

func overrideProviderFromEnv(cfg *ProviderConfig) {
	if kind := os.Getenv("PROVIDER_KIND"); kind != "" {
		cfg.Kind = kind
	}
	if path := os.Getenv("GMAIL_CREDENTIALS_PATH"); path != "" {
		cfg.CredentialsFile = path
	}
	if path := os.Getenv("GMAIL_TOKEN_PATH"); path != "" {
		cfg.TokenFile = path
	}
	if rps := os.Getenv("PROVIDER_RATE_PER_SEC"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			cfg.RatePerSec = v
		}
	}
}

// Validate 启动前检查，任何错误都会阻止服务启动
func (c *Config) Validate() error {
	var errs []error
	if c.DB.Host == "" || c.DB.Name == "" {
		errs = append(errs, errors.New("db.host and db.name are required"))
	}
	switch c.Provider.Kind {
	case ProviderMemory:
	case ProviderGmail:
		if c.Provider.CredentialsFile == "" || c.Provider.TokenFile == "" {
			errs = append(errs, errors.New("provider.credentials_file and provider.token_file are required for gmail"))
		}
	default:
		errs = append(errs, fmt.Errorf("provider.kind must be %q or %q, got %q", ProviderGmail, ProviderMemory, c.Provider.Kind))
	}
	if c.Provider.RatePerSec <= 0 || c.Provider.Burst <= 0 {
		errs = append(errs, errors.New("provider.rate_per_sec and provider.burst must be positive"))
	}
	if c.Provider.CallTimeout <= 0 {
		errs = append(errs, errors.New("provider.call_timeout must be positive"))
	}
	if c.Retention.DefaultDays < 1 || c.Retention.DefaultDays > 3650 {
		errs = append(errs, fmt.Errorf("retention.default_days must be within 1..3650, got %d", c.Retention.DefaultDays))
	}
	if c.Retention.ScheduleInterval < 0 {
		errs = append(errs, errors.New("retention.schedule_interval must not be negative"))
	}
	if c.Retention.PlanMaxRows < 1 {
		errs = append(errs, errors.New("retention.plan_max_rows must be positive"))
	}
	if c.Worker.BatchSize < 1 || c.Worker.BatchSize > 1000 {
		errs = append(errs, fmt.Errorf("worker.batch_size must be within 1..1000, got %d", c.Worker.BatchSize))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}
	if c.Worker.BulkPageSize < 1 || c.Worker.BulkPageSize > 5000 {
		errs = append(errs, fmt.Errorf("worker.bulk_page_size must be within 1..5000, got %d", c.Worker.BulkPageSize))
	}
	if c.Status.Interval <= 0 || c.Status.Watchdog <= 0 {
		errs = append(errs, errors.New("status.interval and status.watchdog must be positive"))
	}
	return errors.Join(errs...)
}
