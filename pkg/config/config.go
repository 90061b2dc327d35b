// Package config loads engine settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"time"
)

// SensitiveString hides its value when printed or marshaled.
type SensitiveString string

func (s SensitiveString) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

func (s SensitiveString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Value returns the secret itself.
func (s SensitiveString) Value() string { return string(s) }

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
	Docker     DockerConfig     `koanf:"docker"`
	Storage    StorageConfig    `koanf:"storage"`
	Worker     WorkerConfig     `koanf:"worker"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Apps       AppsConfig       `koanf:"apps"`
	Templates  TemplatesConfig  `koanf:"templates"`
	Log        LogConfig        `koanf:"log"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"             validate:"required"        env:"SERVER_HOST"`
	Port            int           `koanf:"port"             validate:"min=1,max=65535" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `koanf:"read_timeout"                                env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `koanf:"write_timeout"                               env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"                            env:"SERVER_SHUTDOWN_TIMEOUT"`
	// PublicURL is the base URL container agents use to reach the hooks.
	PublicURL string `koanf:"public_url" validate:"omitempty,url" env:"SERVER_PUBLIC_URL"`
}

// DatabaseConfig selects the task store. Driver "memory" keeps tasks in
// process and ignores the connection settings.
type DatabaseConfig struct {
	Driver          string          `koanf:"driver"            validate:"oneof=postgres memory" env:"DB_DRIVER"`
	ConnString      SensitiveString `koanf:"conn_string"                                        env:"DB_CONN_STRING"      sensitive:"true"`
	Host            string          `koanf:"host"                                               env:"DB_HOST"`
	Port            string          `koanf:"port"                                               env:"DB_PORT"`
	User            string          `koanf:"user"                                               env:"DB_USER"`
	Password        SensitiveString `koanf:"password"                                           env:"DB_PASSWORD"         sensitive:"true"`
	DBName          string          `koanf:"name"                                               env:"DB_NAME"`
	SSLMode         string          `koanf:"ssl_mode"                                           env:"DB_SSL_MODE"`
	MaxOpenConns    int             `koanf:"max_open_conns"                                     env:"DB_MAX_OPEN_CONNS"`
	ConnMaxLifetime time.Duration   `koanf:"conn_max_lifetime"                                  env:"DB_CONN_MAX_LIFETIME"`
	AutoMigrate     bool            `koanf:"auto_migrate"                                       env:"DB_AUTO_MIGRATE"`
}

// RedisConfig is optional. Without it, tick leases and idempotency keys are
// kept in process.
type RedisConfig struct {
	URL      SensitiveString `koanf:"url"       env:"REDIS_URL"       sensitive:"true"`
	Host     string          `koanf:"host"      env:"REDIS_HOST"`
	Port     string          `koanf:"port"      env:"REDIS_PORT"`
	Password SensitiveString `koanf:"password"  env:"REDIS_PASSWORD"  sensitive:"true"`
	DB       int             `koanf:"db"        env:"REDIS_DB"`
	PoolSize int             `koanf:"pool_size" env:"REDIS_POOL_SIZE"`
}

// RateLimitConfig caps the task API per client IP. The count is shared
// through Redis when Redis is configured.
type RateLimitConfig struct {
	Enabled bool          `koanf:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int64         `koanf:"limit"   env:"RATE_LIMIT_LIMIT"`
	Period  time.Duration `koanf:"period"  env:"RATE_LIMIT_PERIOD"`
}

type MonitoringConfig struct {
	Enabled bool   `koanf:"enabled" env:"MONITORING_ENABLED"`
	Path    string `koanf:"path"    env:"MONITORING_PATH"`
}

// DockerHost is one container host. Hosts are only configurable from the
// YAML file.
type DockerHost struct {
	ID       string          `koanf:"id"       validate:"required"`
	Host     string          `koanf:"host"`
	Username string          `koanf:"username"`
	Password SensitiveString `koanf:"password" sensitive:"true"`
	Token    SensitiveString `koanf:"token"    sensitive:"true"`
}

type DockerConfig struct {
	Hosts        []DockerHost  `koanf:"hosts"         validate:"dive"`
	PlatformID   string        `koanf:"platform_id"   validate:"required" env:"DOCKER_PLATFORM_ID"`
	AgentCommand []string      `koanf:"agent_command"                     env:"DOCKER_AGENT_COMMAND"`
	PullRetries  uint64        `koanf:"pull_retries"                      env:"DOCKER_PULL_RETRIES"`
	PullBackoff  time.Duration `koanf:"pull_backoff"                      env:"DOCKER_PULL_BACKOFF"`
	// SmokeImage, when set, is run once per host at startup.
	SmokeImage   string        `koanf:"smoke_image"                       env:"DOCKER_SMOKE_IMAGE"`
	SmokeCommand []string      `koanf:"smoke_command"                     env:"DOCKER_SMOKE_COMMAND"`
}

type StorageFolder struct {
	Bucket string `koanf:"bucket" validate:"required"`
	Prefix string `koanf:"prefix"`
}

// StorageConfig configures S3 presigning. With Enabled false, jobs cannot
// request storage URLs.
type StorageConfig struct {
	Enabled         bool                     `koanf:"enabled"           env:"STORAGE_ENABLED"`
	Region          string                   `koanf:"region"            env:"STORAGE_REGION"            validate:"required_if=Enabled true"`
	Endpoint        string                   `koanf:"endpoint"          env:"STORAGE_ENDPOINT"`
	AccessKeyID     string                   `koanf:"access_key_id"     env:"STORAGE_ACCESS_KEY_ID"`
	SecretAccessKey SensitiveString          `koanf:"secret_access_key" env:"STORAGE_SECRET_ACCESS_KEY" sensitive:"true"`
	UsePathStyle    bool                     `koanf:"use_path_style"    env:"STORAGE_USE_PATH_STYLE"`
	URLExpiry       time.Duration            `koanf:"url_expiry"        env:"STORAGE_URL_EXPIRY"`
	Folders         map[string]StorageFolder `koanf:"folders"                                           validate:"dive"`
}

type WorkerConfig struct {
	CredentialSecret SensitiveString `koanf:"credential_secret" env:"WORKER_CREDENTIAL_SECRET" sensitive:"true"`
	CredentialTTL    time.Duration   `koanf:"credential_ttl"    env:"WORKER_CREDENTIAL_TTL"`
	Concurrency      int64           `koanf:"concurrency"       env:"WORKER_CONCURRENCY"       validate:"min=1"`
	BatchSize        int             `koanf:"batch_size"        env:"WORKER_BATCH_SIZE"        validate:"min=1"`
	LostGrace        time.Duration   `koanf:"lost_grace"        env:"WORKER_LOST_GRACE"`
}

type SchedulerConfig struct {
	Enabled      bool          `koanf:"enabled"       env:"SCHEDULER_ENABLED"`
	TickInterval time.Duration `koanf:"tick_interval" env:"SCHEDULER_TICK_INTERVAL"`
}

type AppsConfig struct {
	Dir   string `koanf:"dir"   env:"APPS_DIR"`
	Watch bool   `koanf:"watch" env:"APPS_WATCH"`
}

type TemplatesConfig struct {
	CacheSize int `koanf:"cache_size" env:"TEMPLATES_CACHE_SIZE" validate:"min=1"`
}

type LogConfig struct {
	Level     string `koanf:"level"      env:"LOG_LEVEL"      validate:"oneof=debug info warn error"`
	JSON      bool   `koanf:"json"       env:"LOG_JSON"`
	AddSource bool   `koanf:"add_source" env:"LOG_ADD_SOURCE"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5001,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            "5432",
			User:            "postgres",
			DBName:          "taskengine",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		RateLimit:  RateLimitConfig{Enabled: true, Limit: 100, Period: time.Minute},
		Monitoring: MonitoringConfig{Enabled: true, Path: "/metrics"},
		Docker: DockerConfig{
			PlatformID:  "taskengine",
			PullRetries: 3,
			PullBackoff: 2 * time.Second,
		},
		Storage: StorageConfig{URLExpiry: 15 * time.Minute},
		Worker: WorkerConfig{
			CredentialTTL: 30 * time.Minute,
			Concurrency:   8,
			BatchSize:     50,
			LostGrace:     5 * time.Minute,
		},
		Scheduler: SchedulerConfig{Enabled: true, TickInterval: 30 * time.Second},
		Apps:      AppsConfig{Dir: "./apps"},
		Templates: TemplatesConfig{CacheSize: 512},
		Log:       LogConfig{Level: "info"},
	}
}
