package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Ledger LedgerConfig `mapstructure:"ledger"`
	Jobs   JobsConfig   `mapstructure:"jobs"`
}

type ServerConfig struct {
	Port     int   `mapstructure:"port"`
	WorkerID int64 `mapstructure:"worker_id"` // 雪花算法机器ID，多实例部署必须不同
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type KafkaConfig struct {
	Brokers         []string         `mapstructure:"brokers"`
	GroupID         string           `mapstructure:"group_id"`
	Topic           KafkaTopicConfig `mapstructure:"topic"`
	MaxRetries      int              `mapstructure:"max_retries"`       // 消费失败本地重试次数
	RetryIntervalMs int              `mapstructure:"retry_interval_ms"` // 重试间隔基数，线性退避
}

func (c KafkaConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMs) * time.Millisecond
}

type KafkaTopicConfig struct {
	UserRegistered   string `mapstructure:"user_registered"`
	VisitCompleted   string `mapstructure:"visit_completed"`
	PaymentConfirmed string `mapstructure:"payment_confirmed"`
	BalanceChanged   string `mapstructure:"balance_changed"`
	DebtReminder     string `mapstructure:"debt_reminder"`
}

// Inbound 消费端订阅的 topic
func (t KafkaTopicConfig) Inbound() []string {
	return []string{t.UserRegistered, t.VisitCompleted, t.PaymentConfirmed}
}

type LedgerConfig struct {
	LockTTLSeconds            int `mapstructure:"lock_ttl_seconds"`
	LockRetryIntervalMs       int `mapstructure:"lock_retry_interval_ms"`
	LockMaxRetries            int `mapstructure:"lock_max_retries"`
	MaxConflictRetries        int `mapstructure:"max_conflict_retries"`
	DefaultPageSize           int `mapstructure:"default_page_size"`
	MaxPageSize               int `mapstructure:"max_page_size"`
	IdempotencyCacheTTLMinute int `mapstructure:"idempotency_cache_ttl_minutes"`
}

func (c LedgerConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c LedgerConfig) LockRetryInterval() time.Duration {
	return time.Duration(c.LockRetryIntervalMs) * time.Millisecond
}

func (c LedgerConfig) IdempotencyCacheTTL() time.Duration {
	return time.Duration(c.IdempotencyCacheTTLMinute) * time.Minute
}

type JobsConfig struct {
	OutboxIntervalMs             int `mapstructure:"outbox_interval_ms"`
	OutboxBatchSize              int `mapstructure:"outbox_batch_size"`
	OutboxMaxRetry               int `mapstructure:"outbox_max_retry"`
	DebtReconcileIntervalSeconds int `mapstructure:"debt_reconcile_interval_seconds"`
	DebtReconcileBatchSize       int `mapstructure:"debt_reconcile_batch_size"`
}

func (c JobsConfig) OutboxInterval() time.Duration {
	return time.Duration(c.OutboxIntervalMs) * time.Millisecond
}

func (c JobsConfig) DebtReconcileInterval() time.Duration {
	return time.Duration(c.DebtReconcileIntervalSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("kafka.group_id", "billing-ledger")
	v.SetDefault("kafka.topic.user_registered", "user.registered")
	v.SetDefault("kafka.topic.visit_completed", "visit.completed")
	v.SetDefault("kafka.topic.payment_confirmed", "payment.confirmed")
	v.SetDefault("kafka.topic.balance_changed", "balance.changed")
	v.SetDefault("kafka.topic.debt_reminder", "debt.reminder")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_interval_ms", 200)

	v.SetDefault("ledger.lock_ttl_seconds", 30)
	v.SetDefault("ledger.lock_retry_interval_ms", 50)
	v.SetDefault("ledger.lock_max_retries", 100)
	v.SetDefault("ledger.max_conflict_retries", 3)
	v.SetDefault("ledger.default_page_size", 20)
	v.SetDefault("ledger.max_page_size", 100)
	v.SetDefault("ledger.idempotency_cache_ttl_minutes", 24*60)

	v.SetDefault("jobs.outbox_interval_ms", 100)
	v.SetDefault("jobs.outbox_batch_size", 100)
	v.SetDefault("jobs.outbox_max_retry", 5)
	v.SetDefault("jobs.debt_reconcile_interval_seconds", 3600)
	v.SetDefault("jobs.debt_reconcile_batch_size", 200)
}

// LoadConfig 加载配置文件，环境变量 BILLING_* 覆盖文件中的值（如 BILLING_MYSQL_HOST）
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}
