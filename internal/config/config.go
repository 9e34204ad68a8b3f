package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	JWT        JWTConfig        `yaml:"jwt" mapstructure:"jwt"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Security   SecurityConfig   `yaml:"security" mapstructure:"security"`
	Automation AutomationConfig `yaml:"automation" mapstructure:"automation"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Name            string        `yaml:"name" mapstructure:"name"`
	SSLMode         string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// DSN builds a postgres connection string.
func (d DatabaseConfig) DSN() string {
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, ssl)
}

type RedisConfig struct {
	Host         string `yaml:"host" mapstructure:"host"`
	Port         int    `yaml:"port" mapstructure:"port"`
	Password     string `yaml:"password" mapstructure:"password"`
	DB           int    `yaml:"db" mapstructure:"db"`
	PoolSize     int    `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Secret    string        `yaml:"secret" mapstructure:"secret"`
	ExpiresIn time.Duration `yaml:"expires_in" mapstructure:"expires_in"`
}

type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"` // json, text
	Output     string `yaml:"output" mapstructure:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // MB
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // days
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	MetricsPath string        `yaml:"metrics_path" mapstructure:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry tracing
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"` // OTLP gRPC, e.g. http://otel-collector:4317
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"` // 0.0~1.0
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `yaml:"cors" mapstructure:"cors"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting" mapstructure:"rate_limiting"`
	RBAC         RBACConfig         `yaml:"rbac" mapstructure:"rbac"`
}

// RBACConfig maps token roles to permissions such as "automations.write".
type RBACConfig struct {
	Enabled bool                `yaml:"enabled" mapstructure:"enabled"`
	Roles   map[string][]string `yaml:"roles" mapstructure:"roles"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" mapstructure:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" mapstructure:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool                  `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int                   `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int                   `yaml:"burst" mapstructure:"burst"`
	KeyHeader         string                `yaml:"key_header" mapstructure:"key_header"`
	WhitelistIPs      []string              `yaml:"whitelist_ips" mapstructure:"whitelist_ips"`
	WhitelistKeys     []string              `yaml:"whitelist_keys" mapstructure:"whitelist_keys"`
	Paths             []PathRateLimitConfig `yaml:"paths" mapstructure:"paths"`
}

// PathRateLimitConfig overrides the global limit for a path prefix.
type PathRateLimitConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	Prefix            string `yaml:"prefix" mapstructure:"prefix"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int    `yaml:"burst" mapstructure:"burst"`
}

// AutomationConfig controls the automation engine: action timeouts, the resume
// callback and the durable scheduler used to wake suspended runs.
type AutomationConfig struct {
	ActionTimeout time.Duration   `yaml:"action_timeout" mapstructure:"action_timeout"`
	MaxDelay      time.Duration   `yaml:"max_delay" mapstructure:"max_delay"`
	ResumeURL     string          `yaml:"resume_url" mapstructure:"resume_url"`
	Signing       SigningConfig   `yaml:"signing" mapstructure:"signing"`
	Scheduler     SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
}

// SigningConfig holds the HMAC keys used to sign and verify resume callbacks.
// NextKey is accepted during key rotation.
type SigningConfig struct {
	Header        string        `yaml:"header" mapstructure:"header"`
	CurrentKey    string        `yaml:"current_key" mapstructure:"current_key"`
	NextKey       string        `yaml:"next_key" mapstructure:"next_key"`
	Issuer        string        `yaml:"issuer" mapstructure:"issuer"`
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
	AllowUnsigned bool          `yaml:"allow_unsigned" mapstructure:"allow_unsigned"` // local dev only
}

type SchedulerConfig struct {
	Driver string         `yaml:"driver" mapstructure:"driver"` // qstash, redis
	QStash QStashConfig   `yaml:"qstash" mapstructure:"qstash"`
	Redis  RedisQueueConf `yaml:"redis" mapstructure:"redis"`
}

type QStashConfig struct {
	BaseURL        string        `yaml:"base_url" mapstructure:"base_url"`
	Token          string        `yaml:"token" mapstructure:"token"`
	Retries        int           `yaml:"retries" mapstructure:"retries"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxFailures    int           `yaml:"max_failures" mapstructure:"max_failures"`
	BreakerTimeout time.Duration `yaml:"breaker_timeout" mapstructure:"breaker_timeout"`
}

type RedisQueueConf struct {
	Key          string        `yaml:"key" mapstructure:"key"`
	DeadKey      string        `yaml:"dead_key" mapstructure:"dead_key"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`
	MaxRetries   int           `yaml:"max_retries" mapstructure:"max_retries"`
	BaseBackoff  time.Duration `yaml:"base_backoff" mapstructure:"base_backoff"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	// a leased ticket becomes due again after this long without an answer
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" mapstructure:"visibility_timeout"`
}

// Load reads the viper state on top of GetDefaultConfig.
func Load() *Config {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// InitViper wires config file lookup and STOREFLOW_* environment overrides.
func InitViper(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/storeflow/")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("STOREFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "storeflow",
			SSLMode:         "disable",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			PoolSize:     10,
			MinIdleConns: 5,
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/storeflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "storeflow",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
				Paths: []PathRateLimitConfig{
					{Enabled: true, Prefix: "/api/events", RequestsPerMinute: 600, Burst: 100},
				},
			},
			RBAC: RBACConfig{
				Enabled: true,
				Roles: map[string][]string{
					"owner": {"*"},
					"staff": {"automations.read", "runs.read", "events.write"},
				},
			},
		},
		Automation: AutomationConfig{
			ActionTimeout: 30 * time.Second,
			MaxDelay:      30 * 24 * time.Hour,
			ResumeURL:     "http://localhost:8080/automation-resume",
			Signing: SigningConfig{
				Header: "Upstash-Signature",
				Issuer: "storeflow",
				TTL:    5 * time.Minute,
			},
			Scheduler: SchedulerConfig{
				Driver: "redis",
				QStash: QStashConfig{
					BaseURL:        "https://qstash.upstash.io",
					Retries:        3,
					Timeout:        10 * time.Second,
					MaxFailures:    5,
					BreakerTimeout: 30 * time.Second,
				},
				Redis: RedisQueueConf{
					Key:               "storeflow:resume:due",
					DeadKey:           "storeflow:resume:dead",
					PollInterval:      time.Second,
					BatchSize:         50,
					MaxRetries:        5,
					BaseBackoff:       10 * time.Second,
					Timeout:           30 * time.Second,
					VisibilityTimeout: 2 * time.Minute,
				},
			},
		},
	}
}
