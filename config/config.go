// Package config loads dukasync settings. Environment variables prefixed
// with DUKASYNC_ override the YAML file, which overrides the defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dukafiti/dukasync/connectivity"
	"github.com/dukafiti/dukasync/interceptor"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/orchestrator"
	"github.com/dukafiti/dukasync/queue"
	"github.com/dukafiti/dukasync/realtime"
	"github.com/dukafiti/dukasync/remote"
)

// EnvPrefix prefixes every environment override, e.g.
// DUKASYNC_QUEUE_MAX_RETRIES.
const EnvPrefix = "DUKASYNC"

// Config is the full configuration tree.
type Config struct {
	Store        StoreConfig         `mapstructure:"store"`
	Remote       RemoteConfig        `mapstructure:"remote"`
	Interceptor  interceptor.Config  `mapstructure:"interceptor"`
	Queue        queue.Config        `mapstructure:"queue"`
	Connectivity connectivity.Config `mapstructure:"connectivity"`
	Realtime     realtime.Config     `mapstructure:"realtime"`
	Server       ServerConfig        `mapstructure:"server"`
	Logging      logging.Config      `mapstructure:"logging"`

	RefreshOnReconnect bool `mapstructure:"refresh_on_reconnect"`
}

// StoreConfig locates the local SQLite store.
type StoreConfig struct {
	Path        string `mapstructure:"path"`
	MaxEntities int    `mapstructure:"max_entities"`
	MaxBytes    int64  `mapstructure:"max_bytes"`
	// Watch turns on change notifications for writes by other processes.
	Watch bool `mapstructure:"watch"`
}

// RemoteConfig describes the shop API.
type RemoteConfig struct {
	// BaseURL includes the API prefix, e.g. https://shop.example/api.
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Gzip         bool          `mapstructure:"gzip"`
	GzipMinBytes int           `mapstructure:"gzip_min_bytes"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// Limits converts the settings to client limits.
func (r RemoteConfig) Limits() remote.Limits {
	l := remote.DefaultLimits()
	l.EnableGzip = r.Gzip
	if r.GzipMinBytes > 0 {
		l.GzipMinBytes = r.GzipMinBytes
	}
	if r.MaxBodyBytes > 0 {
		l.MaxBodyBytes = r.MaxBodyBytes
	}
	return l
}

// ServerConfig covers the two listeners the CLI can run.
type ServerConfig struct {
	// Listen is the address of the sync proxy (serve).
	Listen string `mapstructure:"listen"`
	// APIListen is the address of the reference backend (api).
	APIListen string `mapstructure:"api_listen"`
	// DatabaseURL selects the Postgres repository; empty keeps records in
	// memory.
	DatabaseURL    string        `mapstructure:"database_url"`
	MaxRequestSize int64         `mapstructure:"max_request_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Orchestrator extracts the orchestrator settings.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Queue:              c.Queue,
		Connectivity:       c.Connectivity,
		RefreshOnReconnect: c.RefreshOnReconnect,
	}
}

func setDefaults(v *viper.Viper) {
	q := queue.DefaultConfig()
	cn := connectivity.DefaultConfig()
	ic := interceptor.DefaultConfig()
	rt := realtime.DefaultConfig()
	lim := remote.DefaultLimits()

	v.SetDefault("store.path", "dukasync.db")
	v.SetDefault("store.max_entities", 0)
	v.SetDefault("store.max_bytes", 0)
	v.SetDefault("store.watch", true)

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.gzip", lim.EnableGzip)
	v.SetDefault("remote.gzip_min_bytes", lim.GzipMinBytes)
	v.SetDefault("remote.max_body_bytes", lim.MaxBodyBytes)

	v.SetDefault("interceptor.cache_version", ic.CacheVersion)
	v.SetDefault("interceptor.rules_file", ic.RulesFile)
	v.SetDefault("interceptor.upstream", ic.Upstream)
	v.SetDefault("interceptor.api_timeout", ic.APITimeout)
	v.SetDefault("interceptor.max_cached_body", ic.MaxCachedBody)

	v.SetDefault("queue.max_retries", q.MaxRetries)
	v.SetDefault("queue.lease", q.Lease)
	v.SetDefault("queue.backoff.initial", q.Backoff.InitialDelay)
	v.SetDefault("queue.backoff.max", q.Backoff.MaxDelay)
	v.SetDefault("queue.backoff.multiplier", q.Backoff.Multiplier)
	v.SetDefault("queue.schedule", q.Schedule)

	v.SetDefault("connectivity.probe_url", cn.ProbeURL)
	v.SetDefault("connectivity.expected_status", cn.ExpectedStatus)
	v.SetDefault("connectivity.probe_interval", cn.ProbeInterval)
	v.SetDefault("connectivity.probe_timeout", cn.ProbeTimeout)
	v.SetDefault("connectivity.debounce", cn.Debounce)

	v.SetDefault("realtime.origin_patterns", []string{})
	v.SetDefault("realtime.write_timeout", rt.WriteTimeout)
	v.SetDefault("realtime.buffer", rt.Buffer)

	v.SetDefault("server.listen", ":8090")
	v.SetDefault("server.api_listen", ":8080")
	v.SetDefault("server.database_url", "")
	v.SetDefault("server.max_request_size", 10<<20)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.environment", "development")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("refresh_on_reconnect", true)
}

// Load reads path, or dukasync.yaml from the working directory or
// $HOME/.config/dukasync when path is empty. A missing default file is not
// an error; a missing explicit one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The logging package's own variables keep working.
	_ = v.BindEnv("logging.level", EnvPrefix+"_LOGGING_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", EnvPrefix+"_LOGGING_FORMAT", "LOG_FORMAT")
	_ = v.BindEnv("logging.environment", EnvPrefix+"_LOGGING_ENVIRONMENT", "ENVIRONMENT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("dukasync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/dukasync")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Store.MaxEntities < 0 || c.Store.MaxBytes < 0 {
		errs = append(errs, errors.New("store quotas must not be negative"))
	}
	if c.Remote.BaseURL != "" {
		if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("remote.base_url %q is not an absolute URL", c.Remote.BaseURL))
		}
	}
	if c.Queue.MaxRetries < 1 {
		errs = append(errs, errors.New("queue.max_retries must be at least 1"))
	}
	if c.Queue.Backoff.Multiplier < 1 {
		errs = append(errs, errors.New("queue.backoff.multiplier must be at least 1"))
	}
	if c.Queue.Backoff.MaxDelay > 0 && c.Queue.Backoff.MaxDelay < c.Queue.Backoff.InitialDelay {
		errs = append(errs, errors.New("queue.backoff.max must not be below queue.backoff.initial"))
	}
	if s := c.Connectivity.ExpectedStatus; s < 100 || s > 599 {
		errs = append(errs, fmt.Errorf("connectivity.expected_status %d is not an HTTP status", s))
	}
	if c.Connectivity.Debounce < 0 {
		errs = append(errs, errors.New("connectivity.debounce must not be negative"))
	}
	return errors.Join(errs...)
}

// RequireRemote reports a missing remote.base_url for commands that talk to
// the server.
func (c *Config) RequireRemote() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required (set %s_REMOTE_BASE_URL)", EnvPrefix)
	}
	return nil
}
