package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. RELAYGRAPH_STORE_DSN.
const EnvPrefix = "RELAYGRAPH"

type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Repair  RepairConfig  `mapstructure:"repair" yaml:"repair"`
	Access  AccessConfig  `mapstructure:"access" yaml:"access"`
	Billing BillingConfig `mapstructure:"billing" yaml:"billing"`
	Syncer  SyncerConfig  `mapstructure:"syncer" yaml:"syncer"`
}

type LoggerConfig struct {
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	RateLimitMax    int           `mapstructure:"rate_limit_max" yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window" yaml:"rate_limit_window"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	Audience  string `mapstructure:"audience" yaml:"audience"`
}

type StoreConfig struct {
	DSN                  string        `mapstructure:"dsn" yaml:"dsn"`
	Username             string        `mapstructure:"username" yaml:"username"`
	Password             string        `mapstructure:"password" yaml:"password"`
	Database             string        `mapstructure:"database" yaml:"database"`
	RelationshipTransfer string        `mapstructure:"relationship_transfer" yaml:"relationship_transfer"`
	QueryTimeout         time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	MutableFields        []string      `mapstructure:"mutable_fields" yaml:"mutable_fields"`
	SyncableTypes        []string      `mapstructure:"syncable_types" yaml:"syncable_types"`
}

// SyncConfig enables the in-process git sync adapter.
type SyncConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	RepoPath    string `mapstructure:"repo_path" yaml:"repo_path"`
	Subdir      string `mapstructure:"subdir" yaml:"subdir"`
	AuthorName  string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" yaml:"author_email"`
}

type RepairConfig struct {
	ConfirmToken string           `mapstructure:"confirm_token" yaml:"confirm_token"`
	Rules        relaygraph.Rules `mapstructure:"rules" yaml:"rules"`
}

type AccessConfig struct {
	PolicyFile string `mapstructure:"policy_file" yaml:"policy_file"`
}

type BillingConfig struct {
	PostgresDSN string   `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	Tables      []string `mapstructure:"tables" yaml:"tables"`
}

// SyncerConfig drives the standalone relaygraph-sync worker.
type SyncerConfig struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Token     string        `mapstructure:"token" yaml:"token"`
	GraphID   string        `mapstructure:"graph_id" yaml:"graph_id"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	Jitter    float64       `mapstructure:"jitter" yaml:"jitter"`
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SetDefaults registers every default with v. Call before reading files so
// env overrides resolve for keys that only exist as defaults.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.service_name", "relaygraph")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.compress", true)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit_max", 0)
	v.SetDefault("server.rate_limit_window", time.Minute)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.audience", "relaygraph")

	v.SetDefault("store.dsn", "memory://")
	v.SetDefault("store.username", "")
	v.SetDefault("store.password", "")
	v.SetDefault("store.database", "")
	v.SetDefault("store.relationship_transfer", relaygraph.TransferAuto)
	v.SetDefault("store.query_timeout", 30*time.Second)

	v.SetDefault("sync.enabled", false)
	v.SetDefault("sync.repo_path", "")
	v.SetDefault("sync.subdir", "knowledge")
	v.SetDefault("sync.author_name", "relaygraph")
	v.SetDefault("sync.author_email", "relaygraph@localhost")

	v.SetDefault("repair.confirm_token", "")
	v.SetDefault("repair.rules.stale_threshold", 10)
	v.SetDefault("repair.rules.sample_size", 5)
	v.SetDefault("repair.rules.result_limit", 50)

	v.SetDefault("access.policy_file", "")

	v.SetDefault("billing.postgres_dsn", "")

	v.SetDefault("syncer.base_url", "http://127.0.0.1:8080")
	v.SetDefault("syncer.token", "")
	v.SetDefault("syncer.graph_id", "")
	v.SetDefault("syncer.interval", 30*time.Second)
	v.SetDefault("syncer.jitter", 0.2)
	v.SetDefault("syncer.batch_size", relaygraph.DefaultUnsyncedLimit)
	v.SetDefault("syncer.timeout", 15*time.Second)
}

// BindEnv makes every key overridable through RELAYGRAPH_<SECTION>_<KEY>.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// NewDefaultConfig returns the configuration produced by defaults alone.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	cfg.applyRuleDefaults()
	return &cfg
}

func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.applyRuleDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyRuleDefaults fills in the built-in rule catalogs when a section is
// absent from the file.
func (c *Config) applyRuleDefaults() {
	defaults := relaygraph.DefaultRules()
	if c.Repair.Rules.Legacy == nil {
		c.Repair.Rules.Legacy = defaults.Legacy
	}
	if c.Repair.Rules.Composite == nil {
		c.Repair.Rules.Composite = defaults.Composite
	}
	if c.Repair.Rules.Simple == nil {
		c.Repair.Rules.Simple = defaults.Simple
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be a positive integer")
	}
	if c.Server.RateLimitMax < 0 {
		return fmt.Errorf("server.rate_limit_max must not be negative")
	}
	switch strings.ToLower(c.Store.RelationshipTransfer) {
	case "", relaygraph.TransferAuto, relaygraph.TransferOn, relaygraph.TransferOff:
	default:
		return fmt.Errorf("store.relationship_transfer must be one of auto, on, off")
	}
	if c.Sync.Enabled && strings.TrimSpace(c.Sync.RepoPath) == "" {
		return fmt.Errorf("sync.repo_path is required when sync is enabled")
	}
	if _, err := c.Repair.Rules.Compile(); err != nil {
		return fmt.Errorf("repair.rules invalid: %w", err)
	}
	if c.Syncer.Jitter < 0 || c.Syncer.Jitter > 1 {
		return fmt.Errorf("syncer.jitter must be between 0 and 1")
	}
	if c.Syncer.BatchSize > relaygraph.MaxUnsyncedLimit {
		return fmt.Errorf("syncer.batch_size must not exceed %d", relaygraph.MaxUnsyncedLimit)
	}
	return nil
}

// ValidateServe checks the settings only the HTTP service needs.
func (c *Config) ValidateServe() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if strings.TrimSpace(c.Access.PolicyFile) == "" {
		return fmt.Errorf("access.policy_file is required")
	}
	if strings.TrimSpace(c.Repair.ConfirmToken) == "" {
		return fmt.Errorf("repair.confirm_token is required")
	}
	return nil
}

// StoreOptions converts the store section for BuildGraphStoreFromDSN.
func (c *Config) StoreOptions() relaygraph.StoreOptions {
	return relaygraph.StoreOptions{
		Username:             c.Store.Username,
		Password:             c.Store.Password,
		Database:             c.Store.Database,
		RelationshipTransfer: c.Store.RelationshipTransfer,
		QueryTimeout:         c.Store.QueryTimeout,
		MutableFields:        c.Store.MutableFields,
	}
}
