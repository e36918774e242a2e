package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vburojevic/replaykit/internal/delivery"
	"github.com/vburojevic/replaykit/internal/filter"
	"github.com/vburojevic/replaykit/internal/replay"
	"github.com/vburojevic/replaykit/internal/scheduler"
	"github.com/vburojevic/replaykit/internal/session"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "REPLAYKIT"

// Store kinds
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Config holds application configuration
type Config struct {
	// Global settings
	Format  string `mapstructure:"format"`
	Quiet   bool   `mapstructure:"quiet"`
	Verbose bool   `mapstructure:"verbose"`

	// DSN identifies the ingestion project, e.g. https://key@host/42
	DSN string `mapstructure:"dsn"`

	Replay      ReplayConfig      `mapstructure:"replay"`
	Delivery    DeliveryConfig    `mapstructure:"delivery"`
	Store       StoreConfig       `mapstructure:"store"`
	Breadcrumbs BreadcrumbsConfig `mapstructure:"breadcrumbs"`
}

// ReplayConfig holds recording and session settings
type ReplayConfig struct {
	FlushMinDelay      time.Duration `mapstructure:"flush_min_delay"`
	FlushMaxDelay      time.Duration `mapstructure:"flush_max_delay"`
	InitialFlushDelay  time.Duration `mapstructure:"initial_flush_delay"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	VisibilityTimeout  time.Duration `mapstructure:"visibility_timeout"`
	MaxSessionLife     time.Duration `mapstructure:"max_session_life"`
	SampleRate         float64       `mapstructure:"sample_rate"`
	ErrorSampleRate    float64       `mapstructure:"error_sample_rate"`
	CaptureOnlyOnError bool          `mapstructure:"capture_only_on_error"`
	Sticky             bool          `mapstructure:"sticky"`
	Compression        bool          `mapstructure:"compression"`
	CompressionLevel   int           `mapstructure:"compression_level"`
}

// DeliveryConfig holds upload settings
type DeliveryConfig struct {
	RetryBaseInterval time.Duration `mapstructure:"retry_base_interval"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Beacon            bool          `mapstructure:"beacon"`
	BeaconMaxBytes    int           `mapstructure:"beacon_max_bytes"`
}

// StoreConfig selects where sticky sessions live
type StoreConfig struct {
	Kind          string        `mapstructure:"kind"`
	Path          string        `mapstructure:"path"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Key           string        `mapstructure:"key"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// BreadcrumbsConfig filters host breadcrumbs
type BreadcrumbsConfig struct {
	Exclude      []string      `mapstructure:"exclude"`
	Where        []string      `mapstructure:"where"`
	DedupeWindow time.Duration `mapstructure:"dedupe_window"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Format: "ndjson",
		Replay: ReplayConfig{
			FlushMinDelay:      scheduler.DefaultFlushMinDelay,
			FlushMaxDelay:      scheduler.DefaultFlushMaxDelay,
			InitialFlushDelay:  replay.DefaultInitialFlushDelay,
			SessionIdleTimeout: session.DefaultIdleTimeout,
			VisibilityTimeout:  session.DefaultVisibilityTimeout,
			MaxSessionLife:     session.DefaultMaxLife,
			SampleRate:         1,
			Sticky:             true,
		},
		Delivery: DeliveryConfig{
			RetryBaseInterval: delivery.DefaultRetryBaseInterval,
			MaxRetries:        delivery.DefaultMaxRetries,
			Timeout:           30 * time.Second,
			BeaconMaxBytes:    delivery.DefaultMaxBeaconSize,
		},
		Store: StoreConfig{
			Kind: StoreFile,
			Key:  "default",
			TTL:  session.DefaultMaxLife,
		},
		Breadcrumbs: BreadcrumbsConfig{
			Exclude: append([]string(nil), filter.DefaultExcludes...),
		},
	}
}

// ReplayOptions converts the configuration into replay options
func (c *Config) ReplayOptions() replay.Options {
	opts := replay.DefaultOptions()
	opts.FlushMinDelay = c.Replay.FlushMinDelay
	opts.FlushMaxDelay = c.Replay.FlushMaxDelay
	opts.InitialFlushDelay = c.Replay.InitialFlushDelay
	opts.SessionIdleTimeout = c.Replay.SessionIdleTimeout
	opts.VisibilityTimeout = c.Replay.VisibilityTimeout
	opts.MaxSessionLife = c.Replay.MaxSessionLife
	opts.SampleRate = c.Replay.SampleRate
	opts.ErrorSampleRate = c.Replay.ErrorSampleRate
	opts.CaptureOnlyOnError = c.Replay.CaptureOnlyOnError
	opts.Sticky = c.Replay.Sticky
	opts.Compression = c.Replay.Compression
	opts.CompressionLevel = c.Replay.CompressionLevel
	opts.Retry = delivery.Policy{
		BaseInterval: c.Delivery.RetryBaseInterval,
		MaxRetries:   c.Delivery.MaxRetries,
	}
	opts.BreadcrumbExcludes = c.Breadcrumbs.Exclude
	opts.BreadcrumbWhere = c.Breadcrumbs.Where
	opts.DedupeWindow = c.Breadcrumbs.DedupeWindow
	return opts
}

// Validate reports the first setting that cannot work
func (c *Config) Validate() error {
	switch c.Format {
	case "ndjson", "text":
	default:
		return fmt.Errorf("config: unknown format %q", c.Format)
	}
	if c.Replay.SampleRate < 0 || c.Replay.SampleRate > 1 {
		return fmt.Errorf("config: replay.sample_rate must be between 0 and 1, got %v", c.Replay.SampleRate)
	}
	if c.Replay.ErrorSampleRate < 0 || c.Replay.ErrorSampleRate > 1 {
		return fmt.Errorf("config: replay.error_sample_rate must be between 0 and 1, got %v", c.Replay.ErrorSampleRate)
	}
	if c.Replay.FlushMinDelay <= 0 || c.Replay.FlushMaxDelay < c.Replay.FlushMinDelay {
		return errors.New("config: replay.flush_max_delay must be at least replay.flush_min_delay")
	}
	if c.Delivery.MaxRetries < 0 {
		return errors.New("config: delivery.max_retries cannot be negative")
	}
	switch c.Store.Kind {
	case StoreMemory, StoreFile:
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("config: store.redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("config: unknown store kind %q", c.Store.Kind)
	}
	return nil
}

// Load loads configuration from files and environment
func Load() (*Config, error) {
	v := viper.New()

	if path := findConfigFile(); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("replaykit")
		v.SetConfigType("yaml")
		// Lowest precedence first
		v.AddConfigPath("/etc/replaykit/")
		if configDir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(configDir, "replaykit"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ConfigFile returns the path to the config file Load would read
func ConfigFile() string {
	if path := findConfigFile(); path != "" {
		return path
	}

	v := viper.New()
	v.SetConfigName("replaykit")
	v.SetConfigType("yaml")
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "replaykit"))
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err == nil {
		return v.ConfigFileUsed()
	}
	return ""
}

// findConfigFile looks for a dotfile in the current directory, then home
func findConfigFile() string {
	names := []string{".replaykit.yaml", ".replaykit.yml", ".replaykitrc"}

	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}

	for _, dir := range dirs {
		for _, name := range names {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path
			}
		}
	}
	return ""
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("format", cfg.Format)
	v.SetDefault("quiet", cfg.Quiet)
	v.SetDefault("verbose", cfg.Verbose)
	v.SetDefault("dsn", cfg.DSN)

	v.SetDefault("replay.flush_min_delay", cfg.Replay.FlushMinDelay)
	v.SetDefault("replay.flush_max_delay", cfg.Replay.FlushMaxDelay)
	v.SetDefault("replay.initial_flush_delay", cfg.Replay.InitialFlushDelay)
	v.SetDefault("replay.session_idle_timeout", cfg.Replay.SessionIdleTimeout)
	v.SetDefault("replay.visibility_timeout", cfg.Replay.VisibilityTimeout)
	v.SetDefault("replay.max_session_life", cfg.Replay.MaxSessionLife)
	v.SetDefault("replay.sample_rate", cfg.Replay.SampleRate)
	v.SetDefault("replay.error_sample_rate", cfg.Replay.ErrorSampleRate)
	v.SetDefault("replay.capture_only_on_error", cfg.Replay.CaptureOnlyOnError)
	v.SetDefault("replay.sticky", cfg.Replay.Sticky)
	v.SetDefault("replay.compression", cfg.Replay.Compression)
	v.SetDefault("replay.compression_level", cfg.Replay.CompressionLevel)

	v.SetDefault("delivery.retry_base_interval", cfg.Delivery.RetryBaseInterval)
	v.SetDefault("delivery.max_retries", cfg.Delivery.MaxRetries)
	v.SetDefault("delivery.timeout", cfg.Delivery.Timeout)
	v.SetDefault("delivery.beacon", cfg.Delivery.Beacon)
	v.SetDefault("delivery.beacon_max_bytes", cfg.Delivery.BeaconMaxBytes)

	v.SetDefault("store.kind", cfg.Store.Kind)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("store.redis_addr", cfg.Store.RedisAddr)
	v.SetDefault("store.redis_password", cfg.Store.RedisPassword)
	v.SetDefault("store.redis_db", cfg.Store.RedisDB)
	v.SetDefault("store.key", cfg.Store.Key)
	v.SetDefault("store.ttl", cfg.Store.TTL)

	v.SetDefault("breadcrumbs.exclude", cfg.Breadcrumbs.Exclude)
	v.SetDefault("breadcrumbs.where", cfg.Breadcrumbs.Where)
	v.SetDefault("breadcrumbs.dedupe_window", cfg.Breadcrumbs.DedupeWindow)
}

// applyEnvOverrides handles the short variable names that predate the
// nested keys
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "_FORMAT"); v != "" {
		cfg.Format = v
	}
	if v := os.Getenv(EnvPrefix + "_QUIET"); v == "true" || v == "1" {
		cfg.Quiet = true
	}
	if v := os.Getenv(EnvPrefix + "_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv(EnvPrefix + "_STORE"); v != "" {
		cfg.Store.Kind = v
	}
}
