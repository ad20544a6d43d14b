// Package config loads tiercache settings from a YAML file and the
// environment and turns them into the option structs of each package.
//
// Sources, lowest priority first: built-in defaults, the YAML file, then
// environment variables. REDIS_URL wins over REDIS_HOST/REDIS_PORT/REDIS_PASSWORD.
// Every other setting has a CACHE_* variable listed in ApplyEnv;
// durations accept Go syntax ("250ms") or bare seconds.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/breaker"
	"github.com/unkn0wn-root/tiercache/codec"
	"github.com/unkn0wn-root/tiercache/monitor"
	"github.com/unkn0wn-root/tiercache/provider"
	"github.com/unkn0wn-root/tiercache/provider/bigcache"
	"github.com/unkn0wn-root/tiercache/provider/local"
	"github.com/unkn0wn-root/tiercache/provider/redis"
	"github.com/unkn0wn-root/tiercache/provider/ristretto"
)

type Config struct {
	Redis   Redis   `yaml:"redis"`
	Breaker Breaker `yaml:"breaker"`
	Local   Local   `yaml:"local"`
	Cache   Cache   `yaml:"cache"`
	Monitor Monitor `yaml:"monitor"`
	Log     Log     `yaml:"log"`
}

type Redis struct {
	URL              string        `yaml:"url"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Password         string        `yaml:"password"`
	DB               int           `yaml:"db"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	DefaultTTL       time.Duration `yaml:"default_ttl"`
	ScanCount        int64         `yaml:"scan_count"`
}

type Breaker struct {
	Threshold     int           `yaml:"threshold"`
	CoolDown      time.Duration `yaml:"cool_down"`
	HalfOpenProbe bool          `yaml:"half_open_probe"`
}

// Local provider names.
const (
	ProviderFIFO      = "fifo"
	ProviderRistretto = "ristretto"
	ProviderBigcache  = "bigcache"
)

type Local struct {
	Enabled       bool          `yaml:"enabled"`
	Provider      string        `yaml:"provider"` // fifo (default), ristretto or bigcache
	MaxEntries    int           `yaml:"max_entries"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type Cache struct {
	Disabled             bool          `yaml:"disabled"`
	MaxValueSize         int           `yaml:"max_value_size"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	SlowThreshold        time.Duration `yaml:"slow_threshold"`
	InvalidateBatchSize  int           `yaml:"invalidate_batch_size"`
	Codec                string        `yaml:"codec"`
}

type Monitor struct {
	Interval          time.Duration `yaml:"interval"`
	Window            time.Duration `yaml:"window"`
	MinHitRate        float64       `yaml:"min_hit_rate"`
	MinLookups        int64         `yaml:"min_lookups"`
	MaxErrorRate      float64       `yaml:"max_error_rate"`
	MaxAvgLatency     time.Duration `yaml:"max_avg_latency"`
	MaxHealthFailures int           `yaml:"max_health_failures"`
}

type Log struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Redis: Redis{
			Host:             "localhost",
			Port:             6379,
			ConnectTimeout:   redis.DefaultConnectTimeout,
			OperationTimeout: redis.DefaultOperationTimeout,
			MaxRetries:       redis.DefaultMaxRetries,
			BackoffBase:      redis.DefaultBackoffBase,
			BackoffMax:       redis.DefaultBackoffMax,
			DefaultTTL:       tiercache.DefaultTTL,
			ScanCount:        redis.DefaultScanCount,
		},
		Breaker: Breaker{
			Threshold: breaker.DefaultThreshold,
			CoolDown:  breaker.DefaultCoolDown,
		},
		Local: Local{
			Enabled:    true,
			Provider:   ProviderFIFO,
			MaxEntries: local.DefaultMaxEntries,
			TTL:        tiercache.DefaultLocalTTL,
		},
		Cache: Cache{
			MaxValueSize:         tiercache.DefaultMaxValueSize,
			CompressionThreshold: tiercache.DefaultCompressionThreshold,
			SlowThreshold:        tiercache.DefaultSlowThreshold,
			InvalidateBatchSize:  tiercache.DefaultInvalidateBatchSize,
			Codec:                codec.NameJSON,
		},
		Monitor: Monitor{
			Interval:          monitor.DefaultInterval,
			Window:            monitor.DefaultWindow,
			MinHitRate:        monitor.DefaultMinHitRate,
			MinLookups:        monitor.DefaultMinLookups,
			MaxErrorRate:      monitor.DefaultMaxErrorRate,
			MaxAvgLatency:     monitor.DefaultMaxAvgLatency,
			MaxHealthFailures: monitor.DefaultMaxHealthFailures,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path (skipped when empty), overlays the environment and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// decode overlays YAML on cfg; unknown keys are errors.
func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays environment variables read through getenv.
// A variable that is set but cannot be parsed is an error.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := getenv(name); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	num64 := func(name string, dst *int64) {
		if v := getenv(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	pct := func(name string, dst *float64) {
		if v := getenv(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}
	flag := func(name string, dst *bool) {
		if v := getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("REDIS_URL", &c.Redis.URL)
	str("REDIS_HOST", &c.Redis.Host)
	num("REDIS_PORT", &c.Redis.Port)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	dur("CACHE_CONNECT_TIMEOUT", &c.Redis.ConnectTimeout)
	dur("CACHE_OPERATION_TIMEOUT", &c.Redis.OperationTimeout)
	num("CACHE_MAX_RETRIES", &c.Redis.MaxRetries)
	dur("CACHE_BACKOFF_BASE", &c.Redis.BackoffBase)
	dur("CACHE_BACKOFF_MAX", &c.Redis.BackoffMax)
	dur("CACHE_DEFAULT_TTL", &c.Redis.DefaultTTL)
	num64("CACHE_SCAN_COUNT", &c.Redis.ScanCount)

	num("CACHE_BREAKER_THRESHOLD", &c.Breaker.Threshold)
	dur("CACHE_BREAKER_COOL_DOWN", &c.Breaker.CoolDown)
	flag("CACHE_BREAKER_HALF_OPEN", &c.Breaker.HalfOpenProbe)

	flag("CACHE_LOCAL_ENABLED", &c.Local.Enabled)
	str("CACHE_LOCAL_PROVIDER", &c.Local.Provider)
	num("CACHE_LOCAL_MAX_ENTRIES", &c.Local.MaxEntries)
	dur("CACHE_LOCAL_TTL", &c.Local.TTL)
	dur("CACHE_LOCAL_SWEEP_INTERVAL", &c.Local.SweepInterval)

	flag("CACHE_DISABLED", &c.Cache.Disabled)
	num("CACHE_MAX_VALUE_SIZE", &c.Cache.MaxValueSize)
	num("CACHE_COMPRESSION_THRESHOLD", &c.Cache.CompressionThreshold)
	dur("CACHE_SLOW_THRESHOLD", &c.Cache.SlowThreshold)
	num("CACHE_INVALIDATE_BATCH_SIZE", &c.Cache.InvalidateBatchSize)
	str("CACHE_CODEC", &c.Cache.Codec)

	dur("CACHE_MONITOR_INTERVAL", &c.Monitor.Interval)
	dur("CACHE_MONITOR_WINDOW", &c.Monitor.Window)
	pct("CACHE_MONITOR_MIN_HIT_RATE", &c.Monitor.MinHitRate)
	num64("CACHE_MONITOR_MIN_LOOKUPS", &c.Monitor.MinLookups)
	pct("CACHE_MONITOR_MAX_ERROR_RATE", &c.Monitor.MaxErrorRate)
	dur("CACHE_MONITOR_MAX_AVG_LATENCY", &c.Monitor.MaxAvgLatency)
	num("CACHE_MONITOR_MAX_HEALTH_FAILURES", &c.Monitor.MaxHealthFailures)
	str("CACHE_LOG_LEVEL", &c.Log.Level)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("30s") and bare seconds ("30").
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Redis.URL != "" || c.Redis.Host != "", "redis: url or host is required")
	check(c.Redis.URL != "" || (c.Redis.Port > 0 && c.Redis.Port < 65536), "redis: port %d out of range", c.Redis.Port)
	check(c.Redis.DB >= 0, "redis: db must be >= 0")
	check(c.Redis.ConnectTimeout > 0, "redis: connect_timeout must be positive")
	check(c.Redis.OperationTimeout > 0, "redis: operation_timeout must be positive")
	check(c.Redis.MaxRetries >= 0, "redis: max_retries must be >= 0")
	check(c.Redis.BackoffBase > 0 && c.Redis.BackoffMax >= c.Redis.BackoffBase, "redis: need 0 < backoff_base <= backoff_max")
	check(c.Redis.DefaultTTL > 0, "redis: default_ttl must be positive")

	check(c.Breaker.Threshold > 0, "breaker: threshold must be positive")
	check(c.Breaker.CoolDown > 0, "breaker: cool_down must be positive")

	if c.Local.Enabled {
		check(c.Local.MaxEntries > 0, "local: max_entries must be positive")
		check(c.Local.TTL > 0, "local: ttl must be positive")
		check(c.Local.TTL <= c.Redis.DefaultTTL, "local: ttl %s exceeds remote default ttl %s", c.Local.TTL, c.Redis.DefaultTTL)
		switch c.Local.Provider {
		case "", ProviderFIFO, ProviderRistretto, ProviderBigcache:
		default:
			errs = append(errs, fmt.Errorf("local: unknown provider %q", c.Local.Provider))
		}
	}

	check(c.Cache.MaxValueSize > 0, "cache: max_value_size must be positive")
	check(c.Cache.InvalidateBatchSize > 0, "cache: invalidate_batch_size must be positive")
	if _, err := codec.ByName[any](c.Cache.Codec); err != nil {
		errs = append(errs, err)
	}

	check(c.Monitor.Interval > 0, "monitor: interval must be positive")
	check(c.Monitor.MinHitRate >= 0 && c.Monitor.MinHitRate <= 100, "monitor: min_hit_rate must be a percentage")
	check(c.Monitor.MaxErrorRate >= 0 && c.Monitor.MaxErrorRate <= 100, "monitor: max_error_rate must be a percentage")

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log: unknown level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// Addr is host:port, used when no URL is configured.
func (r Redis) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// StoreConfig builds the remote store settings.
func (c *Config) StoreConfig(log tiercache.Logger) redis.Config {
	rc := redis.Config{
		URL:              c.Redis.URL,
		Password:         c.Redis.Password,
		DB:               c.Redis.DB,
		ConnectTimeout:   c.Redis.ConnectTimeout,
		OperationTimeout: c.Redis.OperationTimeout,
		MaxRetries:       c.Redis.MaxRetries,
		BackoffBase:      c.Redis.BackoffBase,
		BackoffMax:       c.Redis.BackoffMax,
		DefaultTTL:       c.Redis.DefaultTTL,
		ScanCount:        c.Redis.ScanCount,
		Logger:           log,
	}
	if rc.URL == "" {
		rc.Addr = c.Redis.Addr()
	}
	if rc.MaxRetries == 0 {
		rc.MaxRetries = -1 // zero configured retries means none, not the default
	}
	return rc
}

// ServiceOptions builds the Service options around remote.
func (c *Config) ServiceOptions(remote tiercache.RemoteStore, log tiercache.Logger, hooks tiercache.Hooks) tiercache.Options {
	return tiercache.Options{
		Remote: remote,
		Breaker: breaker.Config{
			Threshold:     c.Breaker.Threshold,
			CoolDown:      c.Breaker.CoolDown,
			HalfOpenProbe: c.Breaker.HalfOpenProbe,
		},
		Logger:               log,
		Hooks:                hooks,
		DefaultTTL:           c.Redis.DefaultTTL,
		MaxValueSize:         c.Cache.MaxValueSize,
		CompressionThreshold: c.Cache.CompressionThreshold,
		SlowThreshold:        c.Cache.SlowThreshold,
		InvalidateBatchSize:  c.Cache.InvalidateBatchSize,
		Disabled:             c.Cache.Disabled,
	}
}

// LocalCache builds the default in-process tier.
func (c *Config) LocalCache() *local.Cache {
	return local.New(local.Config{
		MaxEntries:    c.Local.MaxEntries,
		DefaultTTL:    c.Local.TTL,
		SweepInterval: c.Local.SweepInterval,
	})
}

// LocalProvider builds the in-process tier named by Local.Provider.
// The caller owns it and must Close it.
func (c *Config) LocalProvider(ctx context.Context) (provider.Provider, error) {
	switch c.Local.Provider {
	case "", ProviderFIFO:
		return c.LocalCache(), nil
	case ProviderRistretto:
		p, err := ristretto.New(ristretto.Config{MaxEntries: int64(c.Local.MaxEntries)})
		if err != nil {
			return nil, err
		}
		return p, nil
	case ProviderBigcache:
		// bigcache expires by its life window, not per entry
		p, err := bigcache.New(ctx, bigcache.Config{
			LifeWindow:         c.Local.TTL,
			MaxEntriesInWindow: c.Local.MaxEntries,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("local: unknown provider %q", c.Local.Provider)
	}
}

func (c *Config) MonitorConfig(rec *monitor.Recorder, log tiercache.Logger) monitor.Config {
	return monitor.Config{
		Interval: c.Monitor.Interval,
		Window:   c.Monitor.Window,
		Thresholds: monitor.Thresholds{
			MinHitRate:        c.Monitor.MinHitRate,
			MinLookups:        c.Monitor.MinLookups,
			MaxErrorRate:      c.Monitor.MaxErrorRate,
			MaxAvgLatency:     c.Monitor.MaxAvgLatency,
			MaxHealthFailures: c.Monitor.MaxHealthFailures,
		},
		Recorder: rec,
		Logger:   log,
	}
}
