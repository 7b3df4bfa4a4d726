package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort           = 8000
	defaultMetricsPort    = 9000
	defaultMetricsPath    = "/metrics"
	defaultAPIPrefix      = "/api/crc-pdf-generator"
	defaultLogLevel       = "debug"
	defaultMaxConcurrency = 2
	defaultRetryLimit     = 2
	// matches the timeout on the gateway in front of the service
	defaultTaskTimeout  = 60 * time.Second
	defaultEntryTimeout = 8 * time.Hour

	defaultRendererPath   = "/render"
	defaultStorageBackend = StorageS3
	defaultLocalPath      = "storage/pdfs"
	defaultS3Region       = "us-east-1"
	defaultS3Bucket       = "pdfs"
	defaultTopic          = "updated-report"
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyRetries  = 3
	defaultIdentityHeader = "x-rh-identity"
	defaultOptionsHeader  = "x-pdf-gen-options"
)

// Storage backends.
const (
	StorageS3    = "s3"
	StorageLocal = "local"
)

// Config describes runtime configuration for the service.
type Config struct {
	Port           int           `yaml:"port" env:"PORT"`
	MetricsPort    int           `yaml:"metrics_port" env:"METRICS_PORT"`
	MetricsPath    string        `yaml:"metrics_path" env:"METRICS_PATH"`
	APIPrefix      string        `yaml:"api_prefix" env:"API_PREFIX"`
	LogLevel       string        `yaml:"log_level" env:"LOG_LEVEL"`
	MaxConcurrency int           `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	RetryLimit     int           `yaml:"retry_limit" env:"RETRY_LIMIT"`
	TaskTimeout    time.Duration `yaml:"task_timeout" env:"TASK_TIMEOUT"`
	EntryTimeout   time.Duration `yaml:"entry_timeout" env:"ENTRY_TIMEOUT"`
	IdentityHeader string        `yaml:"identity_header" env:"IDENTITY_HEADER"`
	OptionsHeader  string        `yaml:"options_header" env:"OPTIONS_HEADER"`
	Renderer       Renderer      `yaml:"renderer" envPrefix:"RENDERER_"`
	Storage        Storage       `yaml:"storage" envPrefix:"STORAGE_"`
	Notify         Notify        `yaml:"notify" envPrefix:"NOTIFY_"`
}

// Renderer points at the service that turns a template reference into a PDF.
type Renderer struct {
	URL  string `yaml:"url" env:"URL"`
	Path string `yaml:"path" env:"PATH"`
}

// Storage selects and configures the artifact store.
type Storage struct {
	Backend   string `yaml:"backend" env:"BACKEND"`
	LocalPath string `yaml:"local_path" env:"LOCAL_PATH"`
	S3        S3     `yaml:"s3" envPrefix:"S3_"`
}

// S3 holds connection settings for S3 compatible object stores (AWS, MinIO).
type S3 struct {
	Endpoint     string `yaml:"endpoint" env:"ENDPOINT"`
	Region       string `yaml:"region" env:"REGION"`
	Bucket       string `yaml:"bucket" env:"BUCKET"`
	AccessKey    string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"USE_PATH_STYLE"`
}

// Notify configures status event publishing. An empty RedisURL means events are only logged.
type Notify struct {
	RedisURL string        `yaml:"redis_url" env:"REDIS_URL"`
	Topic    string        `yaml:"topic" env:"TOPIC"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Retries  int           `yaml:"retries" env:"RETRIES"`
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() Config {
	return Config{
		Port:           defaultPort,
		MetricsPort:    defaultMetricsPort,
		MetricsPath:    defaultMetricsPath,
		APIPrefix:      defaultAPIPrefix,
		LogLevel:       defaultLogLevel,
		MaxConcurrency: defaultMaxConcurrency,
		RetryLimit:     defaultRetryLimit,
		TaskTimeout:    defaultTaskTimeout,
		EntryTimeout:   defaultEntryTimeout,
		IdentityHeader: defaultIdentityHeader,
		OptionsHeader:  defaultOptionsHeader,
		Renderer:       Renderer{Path: defaultRendererPath},
		Storage: Storage{
			Backend:   defaultStorageBackend,
			LocalPath: defaultLocalPath,
			S3: S3{
				Region:       defaultS3Region,
				Bucket:       defaultS3Bucket,
				UsePathStyle: true,
			},
		},
		Notify: Notify{
			Topic:   defaultTopic,
			Timeout: defaultNotifyTimeout,
			Retries: defaultNotifyRetries,
		},
	}
}

// Load reads YAML config from the provided path and applies environment
// overrides on top. If the file does not exist or is empty, defaults are used.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("invalid max_concurrency: %d (must be >= 1)", c.MaxConcurrency)
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("invalid retry_limit: %d (must be >= 0)", c.RetryLimit)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("invalid task_timeout: %s", c.TaskTimeout)
	}
	if c.EntryTimeout <= 0 {
		return fmt.Errorf("invalid entry_timeout: %s", c.EntryTimeout)
	}
	switch c.Storage.Backend {
	case StorageS3, StorageLocal:
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	if c.Notify.Retries < 0 {
		return fmt.Errorf("invalid notify.retries: %d (must be >= 0)", c.Notify.Retries)
	}
	return nil
}

// basic normalization: zero values fall back to defaults
func normalize(cfg *Config) {
	def := Default()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = def.MetricsPort
	}
	cfg.MetricsPath = normalizePath(cfg.MetricsPath, def.MetricsPath)
	cfg.APIPrefix = strings.TrimSuffix(normalizePath(cfg.APIPrefix, def.APIPrefix), "/")
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.Renderer.URL = strings.TrimSuffix(strings.TrimSpace(cfg.Renderer.URL), "/")
	cfg.Renderer.Path = normalizePath(cfg.Renderer.Path, def.Renderer.Path)
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if strings.TrimSpace(cfg.Storage.LocalPath) == "" {
		cfg.Storage.LocalPath = def.Storage.LocalPath
	}
	cfg.Storage.S3.Endpoint = strings.TrimSpace(cfg.Storage.S3.Endpoint)
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
	cfg.Storage.S3.AccessKey = strings.TrimSpace(cfg.Storage.S3.AccessKey)
	cfg.Storage.S3.SecretKey = strings.TrimSpace(cfg.Storage.S3.SecretKey)
	if cfg.Storage.S3.Bucket == "" {
		cfg.Storage.S3.Bucket = def.Storage.S3.Bucket
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = def.Storage.S3.Region
	}
	if cfg.Notify.Topic == "" {
		cfg.Notify.Topic = def.Notify.Topic
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = def.Notify.Timeout
	}
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = def.IdentityHeader
	}
	if cfg.OptionsHeader == "" {
		cfg.OptionsHeader = def.OptionsHeader
	}
}

func normalizePath(p, fallback string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return fallback
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
