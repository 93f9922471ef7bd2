package config

import (
	"bytes"
	_ "embed"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Store      StoreConfig      `mapstructure:"store"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Escalator  EscalatorConfig  `mapstructure:"escalator"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Phone      PhoneConfig      `mapstructure:"phone"`
	Log        LogConfig        `mapstructure:"log"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr         string `mapstructure:"addr"`
	RateLimitRPS int    `mapstructure:"rate_limit_rps"`
}

// StoreConfig selects the relational store. Driver is "mysql" or "sqlite".
type StoreConfig struct {
	Driver         string `mapstructure:"driver"`
	DatabaseConfig `mapstructure:",squash"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	EventsTopic    string   `mapstructure:"events_topic"`
	AlertsTopic    string   `mapstructure:"alerts_topic"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type ProviderConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Token             string        `mapstructure:"token"`
	TimeoutMs         int           `mapstructure:"timeout_ms"`
	Breaker           BreakerConfig `mapstructure:"breaker"`
	BroadcastLabelIDs []string      `mapstructure:"broadcast_label_ids"`
	CampaignLabelIDs  []string      `mapstructure:"campaign_label_ids"`
	ExcludedLabelIDs  []string      `mapstructure:"excluded_label_ids"`
	ClosingLabelID    string        `mapstructure:"closing_label_id"`
	ClosingNotice     string        `mapstructure:"closing_notice"`
}

type QueueConfig struct {
	KeyPrefix string        `mapstructure:"key_prefix"`
	RetireFor time.Duration `mapstructure:"retire_for"` // deleted ids refused by Send for this long
}

type DispatcherConfig struct {
	Budget            time.Duration `mapstructure:"budget"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxReads          int           `mapstructure:"max_reads"`
	RatePerSec        float64       `mapstructure:"rate_per_sec"`
	Spec              string        `mapstructure:"spec"`
}

type BroadcastConfig struct {
	Timezone       string        `mapstructure:"timezone"`
	SendNowMinLead time.Duration `mapstructure:"send_now_min_lead"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	InvokeRetry    time.Duration `mapstructure:"invoke_retry"`
}

type ReconcileConfig struct {
	Spec string `mapstructure:"spec"`
}

type EscalatorConfig struct {
	Budget     time.Duration `mapstructure:"budget"`
	BatchSize  int           `mapstructure:"batch_size"`
	FlushEvery int           `mapstructure:"flush_every"`
	Spec       string        `mapstructure:"spec"`
}

type SchedulerConfig struct {
	StoreKey     string        `mapstructure:"store_key"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	RelaySpec    string        `mapstructure:"relay_spec"`
}

type PhoneConfig struct {
	DefaultCountryCode string `mapstructure:"default_country_code"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (BRDCST_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (BRDCST_STORE_DSN, BRDCST_PROVIDER_TOKEN, ...)
	v.SetEnvPrefix("BRDCST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Location resolves the broadcast timezone, falling back to UTC.
func (c BroadcastConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
