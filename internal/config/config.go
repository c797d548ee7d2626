// Package config loads wisync settings and assembles the sync engine
// from them.
//
// Settings come from, in increasing priority: built-in defaults, a config
// file (.wisync/config.yaml or .toml, or $HOME/.config/wisync), a .env
// file and WISYNC_* environment variables. A key such as remote.token is
// read from WISYNC_REMOTE_TOKEN.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/steveyegge/wisync/internal/cache"
	"github.com/steveyegge/wisync/internal/cache/s3store"
	"github.com/steveyegge/wisync/internal/cache/sqlite"
	"github.com/steveyegge/wisync/internal/remote"
	"github.com/steveyegge/wisync/internal/resolve"
	wsync "github.com/steveyegge/wisync/internal/sync"
	"github.com/steveyegge/wisync/internal/syncerr"
)

// Cache backends.
const (
	BackendFiles  = "files"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WISYNC"

// Config is the full set of wisync settings.
type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Log       LogConfig       `mapstructure:"log"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

type RemoteConfig struct {
	URL     string        `mapstructure:"url" validate:"required"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type CacheConfig struct {
	Root    string   `mapstructure:"root" validate:"required"`
	Backend string   `mapstructure:"backend" validate:"oneof=files sqlite s3"`
	S3      S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket" validate:"required_if=Enabled true"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint" validate:"omitempty,url"`
	PathStyle bool   `mapstructure:"path_style"`

	// Enabled is set when the s3 backend is selected.
	Enabled bool `mapstructure:"-"`
}

type SyncConfig struct {
	Types         []string      `mapstructure:"types" validate:"required,min=1,dive,required,excludesall=/\\"`
	QuickWindow   string        `mapstructure:"quick_window"`
	Workers       int           `mapstructure:"workers" validate:"gte=1,lte=64"`
	Strategy      string        `mapstructure:"strategy" validate:"oneof=merge remote-wins local-wins last-write-wins manual"`
	StaleRunAfter time.Duration `mapstructure:"stale_run_after" validate:"gte=0"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1,lte=20"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
	Jitter         float64       `mapstructure:"jitter" validate:"gte=0,lte=1"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format     string `mapstructure:"format" validate:"oneof=text json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
}

type DaemonConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("cache.root", filepath.Join(".wisync", "cache"))
	v.SetDefault("cache.backend", BackendFiles)
	v.SetDefault("cache.s3.bucket", "")
	v.SetDefault("cache.s3.prefix", "")
	v.SetDefault("cache.s3.region", "")
	v.SetDefault("cache.s3.endpoint", "")
	v.SetDefault("cache.s3.path_style", false)
	v.SetDefault("sync.types", []string{})
	v.SetDefault("sync.quick_window", "24h")
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.strategy", "merge")
	v.SetDefault("sync.stale_run_after", "1h")
	v.SetDefault("sync.retry.max_attempts", 4)
	v.SetDefault("sync.retry.initial_backoff", "200ms")
	v.SetDefault("sync.retry.max_backoff", "30s")
	v.SetDefault("sync.retry.jitter", 0.2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("daemon.interval", "5m")
	v.SetDefault("daemon.debounce", "500ms")
	v.SetDefault("dashboard.port", 8080)
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config file. It must exist when set.
	File string

	// Dir is searched for .wisync/config.* (default: working directory).
	Dir string

	// EnvFile is loaded into the environment first (default: Dir/.env).
	// A missing file is ignored.
	EnvFile string
}

// Load reads, merges and validates the configuration.
func Load(opts Options) (*Config, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.EnvFile == "" {
		opts.EnvFile = filepath.Join(opts.Dir, ".env")
	}
	if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, syncerr.New(syncerr.CodeInvalidConfig, "config.load",
			fmt.Errorf("failed to read %s: %w", opts.EnvFile, err))
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(opts.Dir, ".wisync"))
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "wisync"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, syncerr.New(syncerr.CodeInvalidConfig, "config.load",
				fmt.Errorf("failed to read config: %w", err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, syncerr.New(syncerr.CodeInvalidConfig, "config.load",
			fmt.Errorf("failed to decode config: %w", err))
	}
	cfg.File = v.ConfigFileUsed()
	if cfg.Cache.Root != "" && !filepath.IsAbs(cfg.Cache.Root) {
		cfg.Cache.Root = filepath.Join(opts.Dir, cfg.Cache.Root)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report failures under config key names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Validate checks the settings. Every failure is INVALID_CONFIGURATION.
func (c *Config) Validate() error {
	c.Cache.S3.Enabled = c.Cache.Backend == BackendS3
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Sync.Strategy = strings.ToLower(c.Sync.Strategy)

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return syncerr.Config("%s: failed %q validation (value %v)", keyOf(fe.Namespace()), fe.Tag(), fe.Value())
		}
		return syncerr.New(syncerr.CodeInvalidConfig, "config.validate", err)
	}
	if isHTTP(c.Remote.URL) && c.Remote.Token == "" {
		return syncerr.Config("remote.token is required for an HTTP remote")
	}
	if _, err := ParseWindow(c.Sync.QuickWindow, time.Now()); err != nil {
		return syncerr.Config("sync.quick_window: %v", err)
	}
	return nil
}

// keyOf turns a validator namespace such as Config.sync.retry.max_attempts
// into the config key sync.retry.max_attempts.
func keyOf(ns string) string {
	_, key, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return key
}

func isHTTP(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// ItemsDir is the directory holding item documents of the file backend,
// empty for other backends.
func (c *Config) ItemsDir() string {
	if c.Cache.Backend != BackendFiles {
		return ""
	}
	return filepath.Join(c.Cache.Root, "items")
}

// OpenStore opens the configured cache backend.
func (c *Config) OpenStore(ctx context.Context) (cache.Store, error) {
	switch c.Cache.Backend {
	case BackendSQLite:
		if err := os.MkdirAll(c.Cache.Root, 0755); err != nil {
			return nil, syncerr.New(syncerr.CodeCacheIO, "config.store", err)
		}
		s, err := sqlite.Open(ctx, filepath.Join(c.Cache.Root, "cache.db"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendS3:
		s, err := s3store.New(ctx, s3store.Config{
			Bucket:       c.Cache.S3.Bucket,
			Prefix:       c.Cache.S3.Prefix,
			Region:       c.Cache.S3.Region,
			Endpoint:     c.Cache.S3.Endpoint,
			UsePathStyle: c.Cache.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := cache.OpenFileStore(c.Cache.Root)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// OpenRemote builds the configured remote adapter.
func (c *Config) OpenRemote(logger *slog.Logger) (remote.Adapter, error) {
	return remote.Open(c.Remote.URL, remote.HTTPConfig{
		Token:   c.Remote.Token,
		Timeout: c.Remote.Timeout,
		Logger:  logger,
	})
}

// Engine bundles what a command needs to run syncs.
type Engine struct {
	Config       *Config
	Store        cache.Store
	Remote       remote.Adapter
	Journal      *cache.ConflictJournal
	Orchestrator *wsync.Orchestrator
}

// Close releases the cache store.
func (e *Engine) Close() error {
	return e.Store.Close()
}

// NewEngine opens the store and the remote and assembles an orchestrator.
// The run lock and the conflict journal always live on local disk under
// cache.root, whichever backend holds the items.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger, notifier wsync.Notifier) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := resolve.ByName(c.Sync.Strategy)
	if err != nil {
		return nil, syncerr.Config("sync.strategy: %v", err)
	}
	window, err := ParseWindow(c.Sync.QuickWindow, time.Now())
	if err != nil {
		return nil, syncerr.Config("sync.quick_window: %v", err)
	}

	adapter, err := c.OpenRemote(logger.With("component", "remote"))
	if err != nil {
		return nil, err
	}
	store, err := c.OpenStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.Cache.Root, 0755); err != nil {
		store.Close()
		return nil, syncerr.New(syncerr.CodeCacheIO, "config.engine", err)
	}

	journal := cache.NewConflictJournal(c.Cache.Root)
	orch, err := wsync.New(wsync.Config{
		Store:         store,
		Remote:        adapter,
		Resolver:      resolver,
		Lock:          cache.NewRunLock(c.Cache.Root),
		Journal:       journal,
		Notifier:      notifier,
		Logger:        logger.With("component", "sync"),
		Types:         c.Sync.Types,
		Workers:       c.Sync.Workers,
		QuickWindow:   window,
		StaleRunAfter: c.Sync.StaleRunAfter,
		Retry: wsync.RetryConfig{
			MaxAttempts:    c.Sync.Retry.MaxAttempts,
			InitialBackoff: c.Sync.Retry.InitialBackoff,
			MaxBackoff:     c.Sync.Retry.MaxBackoff,
			Jitter:         c.Sync.Retry.Jitter,
		},
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Engine{Config: c, Store: store, Remote: adapter, Journal: journal, Orchestrator: orch}, nil
}
