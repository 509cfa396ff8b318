package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Lock       LockConfig       `mapstructure:"lock"`
	Issuance   IssuanceConfig   `mapstructure:"issuance"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Retry      RetryConfig      `mapstructure:"retry"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// StatementTimeout should stay well below lock.lease.
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	ApplicationName  string        `mapstructure:"application_name"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers              []string      `mapstructure:"brokers"`
	ClientID             string        `mapstructure:"client_id"`
	IssueTopic           string        `mapstructure:"issue_topic"`
	RetryTopic           string        `mapstructure:"retry_topic"`
	EventsTopic          string        `mapstructure:"events_topic"`
	DeadLetterTopic      string        `mapstructure:"dead_letter_topic"`
	ConsumerGroupID      string        `mapstructure:"consumer_group_id"`
	RetryConsumerGroupID string        `mapstructure:"retry_consumer_group_id"`
	CommitInterval       time.Duration `mapstructure:"commit_interval"`
	Partitions           int           `mapstructure:"partitions"`
	ReplicationFactor    int           `mapstructure:"replication_factor"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LockConfig selects and tunes the distributed lock backend.
type LockConfig struct {
	Backend   string          `mapstructure:"backend"`
	KeyPrefix string          `mapstructure:"key_prefix"`
	Lease     time.Duration   `mapstructure:"lease"`
	Wait      time.Duration   `mapstructure:"wait"`
	Zookeeper ZookeeperConfig `mapstructure:"zookeeper"`
}

type ZookeeperConfig struct {
	Servers        []string      `mapstructure:"servers"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	Root           string        `mapstructure:"root"`
}

type IssuanceConfig struct {
	LocalCacheTTL  time.Duration `mapstructure:"local_cache_ttl"`
	LocalCacheSize int           `mapstructure:"local_cache_size"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
	AsyncEnabled   bool          `mapstructure:"async_enabled"`
}

type ReconcilerConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

const (
	LockBackendRedis     = "redis"
	LockBackendZookeeper = "zookeeper"
)

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("COUPON")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "coupon-issuance")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 5*time.Second)
	v.SetDefault("http.write_timeout", 5*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 20)
	v.SetDefault("postgres.statement_timeout", 2*time.Second)
	v.SetDefault("postgres.application_name", "coupon-issuance")
	v.SetDefault("scylla.consistency", "local_quorum")
	v.SetDefault("scylla.timeout", 5*time.Second)
	v.SetDefault("kafka.issue_topic", "coupon.issue.request")
	v.SetDefault("kafka.retry_topic", "coupon.issue.retry")
	v.SetDefault("kafka.events_topic", "coupon.issue.events")
	v.SetDefault("kafka.dead_letter_topic", "coupon.issue.dlq")
	v.SetDefault("kafka.consumer_group_id", "coupon-issuer")
	v.SetDefault("kafka.commit_interval", time.Second)
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("redis.dial_timeout", 2*time.Second)
	v.SetDefault("redis.read_timeout", 500*time.Millisecond)
	v.SetDefault("redis.write_timeout", 500*time.Millisecond)
	v.SetDefault("lock.backend", LockBackendRedis)
	v.SetDefault("lock.key_prefix", "coupon:lock:campaign")
	v.SetDefault("lock.lease", 3*time.Second)
	v.SetDefault("lock.wait", 3*time.Second)
	v.SetDefault("lock.zookeeper.session_timeout", 5*time.Second)
	v.SetDefault("lock.zookeeper.root", "/coupon/locks")
	v.SetDefault("issuance.local_cache_ttl", 10*time.Second)
	v.SetDefault("issuance.local_cache_size", 1000)
	v.SetDefault("issuance.key_prefix", "coupon:campaign")
	v.SetDefault("issuance.async_enabled", true)
	v.SetDefault("reconciler.interval", time.Minute)
	v.SetDefault("reconciler.batch_size", 100)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.shutdown_timeout", 5*time.Second)
}

// Validate rejects settings the issuance protocol cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Lock.Lease <= 0 {
		errs = append(errs, errors.New("lock.lease must be positive"))
	}
	if c.Lock.Wait <= 0 {
		errs = append(errs, errors.New("lock.wait must be positive"))
	}
	if c.Lock.Wait > c.Lock.Lease {
		errs = append(errs, errors.New("lock.wait must not exceed lock.lease"))
	}
	switch c.Lock.Backend {
	case LockBackendRedis:
	case LockBackendZookeeper:
		if len(c.Lock.Zookeeper.Servers) == 0 {
			errs = append(errs, errors.New("lock.zookeeper.servers is required for the zookeeper backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend %q is not supported", c.Lock.Backend))
	}
	if c.Issuance.LocalCacheTTL < 0 {
		errs = append(errs, errors.New("issuance.local_cache_ttl must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
