package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config captures runtime configuration for the vision service.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Maps      MapsConfig      `yaml:"maps"`
	Pool      PoolConfig      `yaml:"pool"`
	Retry     RetryConfig     `yaml:"retry"`
	Cache     CacheConfig     `yaml:"cache"`
	Panorama  PanoramaConfig  `yaml:"panorama"`
	Imaging   ImagingConfig   `yaml:"imaging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Service   ServiceConfig   `yaml:"service"`
}

type HTTPConfig struct {
	Port          int           `yaml:"port"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// RequestTimeout bounds a single tool request end to end.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type MapsConfig struct {
	APIKey  string        `yaml:"-"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type PoolConfig struct {
	MaxSize        int32         `yaml:"max_size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	MaxIdle        time.Duration `yaml:"max_idle"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type CacheEntryConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

type CacheConfig struct {
	Overhead   CacheEntryConfig `yaml:"overhead"`
	StreetView CacheEntryConfig `yaml:"streetview"`
	Geocode    CacheEntryConfig `yaml:"geocode"`
}

type PanoramaConfig struct {
	// Concurrency caps in-flight heading fetches; zero fetches all at once.
	Concurrency int `yaml:"concurrency"`
}

type ImagingConfig struct {
	Enabled bool `yaml:"enabled"`
	Quality int  `yaml:"quality"`
	MaxSize int  `yaml:"max_size"`
}

type TelemetryConfig struct {
	LogLevel      string  `yaml:"log_level"`
	OTelEndpoint  string  `yaml:"otel_endpoint"`
	OTelInsecure  bool    `yaml:"otel_insecure"`
	EnableTracing bool    `yaml:"enable_tracing"`
	EnableMetrics bool    `yaml:"enable_metrics"`
	SampleRate    float64 `yaml:"sample_rate"`
}

type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

const (
	defaultHTTPPort       = 8080
	defaultShutdownGrace  = 15 * time.Second
	defaultRequestTimeout = 60 * time.Second
	defaultMapsBaseURL    = "https://maps.googleapis.com"
	defaultMapsTimeout    = 30 * time.Second
	defaultServiceName    = "omni-visual"
	defaultServiceVersion = "0.1.0"
	defaultEnvironment    = "development"
	defaultLogLevel       = "info"
	defaultOTelSampleRate = 1.0
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:           defaultHTTPPort,
			ShutdownGrace:  defaultShutdownGrace,
			RequestTimeout: defaultRequestTimeout,
		},
		Maps: MapsConfig{
			BaseURL: defaultMapsBaseURL,
			Timeout: defaultMapsTimeout,
		},
		Pool: PoolConfig{
			MaxSize:        10,
			AcquireTimeout: 5 * time.Second,
			MaxIdle:        90 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		},
		Cache: CacheConfig{
			Overhead:   CacheEntryConfig{TTL: time.Hour, MaxEntries: 256},
			StreetView: CacheEntryConfig{TTL: 30 * time.Minute, MaxEntries: 256},
			Geocode:    CacheEntryConfig{TTL: 24 * time.Hour, MaxEntries: 256},
		},
		Imaging: ImagingConfig{
			Enabled: true,
			Quality: 60,
			MaxSize: 400,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      defaultLogLevel,
			EnableTracing: true,
			EnableMetrics: true,
			SampleRate:    defaultOTelSampleRate,
		},
		Service: ServiceConfig{
			Name:        defaultServiceName,
			Version:     defaultServiceVersion,
			Environment: defaultEnvironment,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// VISION_CONFIG_FILE and the environment, in that order. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("VISION_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile overlays the YAML document at path. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	e := &envReader{}

	e.intVar("API_HTTP_PORT", &c.HTTP.Port)
	e.secondsVar("API_SHUTDOWN_GRACE_SECONDS", &c.HTTP.ShutdownGrace)
	e.durationVar("API_REQUEST_TIMEOUT", &c.HTTP.RequestTimeout)

	c.Maps.APIKey = getEnvOrDefault("GOOGLE_MAPS_API_KEY", getEnvOrDefault("MAPS_API_KEY", c.Maps.APIKey))
	c.Maps.BaseURL = getEnvOrDefault("MAPS_BASE_URL", c.Maps.BaseURL)
	e.durationVar("MAPS_TIMEOUT", &c.Maps.Timeout)

	e.int32Var("POOL_MAX_SIZE", &c.Pool.MaxSize)
	e.durationVar("POOL_ACQUIRE_TIMEOUT", &c.Pool.AcquireTimeout)
	e.durationVar("POOL_MAX_IDLE", &c.Pool.MaxIdle)

	e.intVar("RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	e.durationVar("RETRY_BASE_DELAY", &c.Retry.BaseDelay)
	e.durationVar("RETRY_MAX_DELAY", &c.Retry.MaxDelay)

	e.durationVar("CACHE_OVERHEAD_TTL", &c.Cache.Overhead.TTL)
	e.intVar("CACHE_OVERHEAD_MAX_ENTRIES", &c.Cache.Overhead.MaxEntries)
	e.durationVar("CACHE_STREETVIEW_TTL", &c.Cache.StreetView.TTL)
	e.intVar("CACHE_STREETVIEW_MAX_ENTRIES", &c.Cache.StreetView.MaxEntries)
	e.durationVar("CACHE_GEOCODE_TTL", &c.Cache.Geocode.TTL)
	e.intVar("CACHE_GEOCODE_MAX_ENTRIES", &c.Cache.Geocode.MaxEntries)

	e.intVar("PANORAMA_CONCURRENCY", &c.Panorama.Concurrency)

	e.boolVar("IMAGE_COMPRESSION_ENABLED", &c.Imaging.Enabled)
	e.intVar("IMAGE_QUALITY", &c.Imaging.Quality)
	e.intVar("IMAGE_MAX_SIZE", &c.Imaging.MaxSize)

	c.Telemetry.LogLevel = getEnvOrDefault("LOG_LEVEL", c.Telemetry.LogLevel)
	c.Telemetry.OTelEndpoint = getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTelEndpoint)
	e.boolVar("OTEL_EXPORTER_OTLP_INSECURE", &c.Telemetry.OTelInsecure)
	e.boolVar("OTEL_ENABLE_TRACING", &c.Telemetry.EnableTracing)
	e.boolVar("OTEL_ENABLE_METRICS", &c.Telemetry.EnableMetrics)
	e.floatVar("OTEL_SAMPLE_RATE", &c.Telemetry.SampleRate)

	c.Service.Name = getEnvOrDefault("API_SERVICE_NAME", c.Service.Name)
	c.Service.Version = getEnvOrDefault("SERVICE_VERSION", c.Service.Version)
	c.Service.Environment = getEnvOrDefault("ENVIRONMENT", c.Service.Environment)

	return e.err()
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.HTTP.Port > 0 && c.HTTP.Port < 65536, "http port %d out of range", c.HTTP.Port)
	check(c.HTTP.ShutdownGrace >= 0, "shutdown grace must not be negative")
	check(c.HTTP.RequestTimeout > 0, "request timeout must be positive")

	check(c.Maps.APIKey != "", "maps API key is required (GOOGLE_MAPS_API_KEY or MAPS_API_KEY)")
	check(strings.HasPrefix(c.Maps.BaseURL, "http://") || strings.HasPrefix(c.Maps.BaseURL, "https://"),
		"maps base URL %q must be http or https", c.Maps.BaseURL)
	check(c.Maps.Timeout > 0, "maps timeout must be positive")

	check(c.Pool.MaxSize >= 1, "pool max size must be at least 1, got %d", c.Pool.MaxSize)
	check(c.Pool.AcquireTimeout > 0, "pool acquire timeout must be positive")
	check(c.Pool.MaxIdle >= 0, "pool max idle must not be negative")

	check(c.Retry.MaxAttempts >= 1, "retry max attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	check(c.Retry.BaseDelay >= 0, "retry base delay must not be negative")
	check(c.Retry.MaxDelay >= c.Retry.BaseDelay, "retry max delay %s is below base delay %s", c.Retry.MaxDelay, c.Retry.BaseDelay)

	for name, entry := range map[string]CacheEntryConfig{
		"overhead":   c.Cache.Overhead,
		"streetview": c.Cache.StreetView,
		"geocode":    c.Cache.Geocode,
	} {
		check(entry.TTL > 0, "%s cache ttl must be positive", name)
		check(entry.MaxEntries >= 0, "%s cache max entries must not be negative", name)
	}

	check(c.Panorama.Concurrency >= 0, "panorama concurrency must not be negative")

	check(c.Imaging.Quality >= 1 && c.Imaging.Quality <= 100, "image quality %d must be between 1 and 100", c.Imaging.Quality)
	check(c.Imaging.MaxSize >= 1, "image max size must be positive")

	check(c.Telemetry.SampleRate >= 0 && c.Telemetry.SampleRate <= 1, "sample rate must be between 0.0 and 1.0")
	check(c.Service.Name != "", "service name is required")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// envReader parses typed environment variables and remembers every failure.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func (e *envReader) fail(key string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
}

func (e *envReader) intVar(key string, dst *int) {
	if value, ok := e.lookup(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = parsed
	}
}

func (e *envReader) int32Var(key string, dst *int32) {
	if value, ok := e.lookup(key); ok {
		parsed, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = int32(parsed)
	}
}

func (e *envReader) floatVar(key string, dst *float64) {
	if value, ok := e.lookup(key); ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = parsed
	}
}

func (e *envReader) boolVar(key string, dst *bool) {
	if value, ok := e.lookup(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = parsed
	}
}

func (e *envReader) durationVar(key string, dst *time.Duration) {
	if value, ok := e.lookup(key); ok {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = parsed
	}
}

func (e *envReader) secondsVar(key string, dst *time.Duration) {
	if value, ok := e.lookup(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = time.Duration(parsed) * time.Second
	}
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(e.errs...))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
