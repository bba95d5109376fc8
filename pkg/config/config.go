// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	App       AppConfig       `koanf:"app"`
	HTTP      HTTPConfig      `koanf:"http"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Database  DatabaseConfig  `koanf:"database"`
	Cache     CacheConfig     `koanf:"cache"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Audit     AuditConfig     `koanf:"audit"`
	DataRoots DataRootsConfig `koanf:"data_roots"`
	Vector    VectorConfig    `koanf:"vector"`
	Streamline StreamlineConfig `koanf:"streamline"`
	Volume    VolumeConfig    `koanf:"volume"`
	Editor    EditorConfig    `koanf:"editor"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// HTTPConfig holds the settings of the public HTTP server.
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORS            CORSConfig    `koanf:"cors"`
}

// CORSConfig holds CORS settings for the public HTTP server.
type CORSConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AllowedOrigins   []string `koanf:"allowed_origins"`
	AllowedMethods   []string `koanf:"allowed_methods"`
	AllowedHeaders   []string `koanf:"allowed_headers"`
	AllowCredentials bool     `koanf:"allow_credentials"`
	MaxAge           int      `koanf:"max_age"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // json, text
	Output     string `koanf:"output"`      // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`    // MB
	MaxBackups int    `koanf:"max_backups"` // количество бэкапов
	MaxAge     int    `koanf:"max_age"`     // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// DatabaseConfig holds catalog database settings.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"` // postgres
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Database        string        `koanf:"database"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	MigrationsPath  string        `koanf:"migrations_path"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// DSN returns the connection string for the configured driver.
func (d DatabaseConfig) DSN() string {
	switch strings.ToLower(d.Driver) {
	case "postgres", "postgresql":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode,
		)
	default:
		return ""
	}
}

// CacheConfig holds the CacheBytes two-tier cache settings: a backend for
// the shared store (redis) plus the fresh/stale/lock windows and the
// cooldown applied to a key after a failed compute.
type CacheConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Driver        string        `koanf:"driver"` // redis; any other value selects the file cache
	Host          string        `koanf:"host"`
	Port          int           `koanf:"port"`
	Password      string        `koanf:"password"`
	DB            int           `koanf:"db"`
	FreshTTL      time.Duration `koanf:"fresh_ttl"`
	StaleTTL      time.Duration `koanf:"stale_ttl"`
	LockTTL       time.Duration `koanf:"lock_ttl"`
	WaitTimeout   time.Duration `koanf:"wait_timeout"`
	PollInterval  time.Duration `koanf:"poll_interval"`
	CooldownMin   time.Duration `koanf:"cooldown_min"`
	CooldownMax   time.Duration `koanf:"cooldown_max"`
	MaxEntries    int           `koanf:"max_entries"` // not read by the cache wiring; the file cache has no entry cap
	FileCacheDir  string        `koanf:"file_cache_dir"`
}

// Address returns the cache backend's network address.
func (c CacheConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RateLimitConfig configures the request rate limiter.
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Requests        int           `koanf:"requests"`
	Window          time.Duration `koanf:"window"`
	Strategy        string        `koanf:"strategy"`
	Backend         string        `koanf:"backend"`
	BurstSize       int           `koanf:"burst_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RedisAddr       string        `koanf:"redis_addr"`
}

// AuditConfig configures the audit log sink.
type AuditConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Backend         string        `koanf:"backend"` // stdout, file; other values fall back to stdout
	FilePath        string        `koanf:"file_path"`
	BufferSize      int           `koanf:"buffer_size"`
	FlushPeriod     time.Duration `koanf:"flush_period"`
	ExcludeMethods  []string      `koanf:"exclude_methods"`
	IncludeRequest  bool          `koanf:"include_request"`
	IncludeResponse bool          `koanf:"include_response"`
}

// DataRootsConfig maps each catalog data-root kind to its filesystem root.
// AssetResolver joins a catalog-relative path onto one of these roots and
// rejects any result that escapes it (symlink or ../ traversal).
type DataRootsConfig struct {
	ECMWF        string `koanf:"ecmwf"`
	CLDAS        string `koanf:"cldas"`
	TownForecast string `koanf:"town_forecast"`
}

// VectorConfig holds the wind-vector-point-cloud endpoint's ceilings.
type VectorConfig struct {
	MaxPoints int `koanf:"max_points"`
}

// StreamlineConfig holds the streamline endpoint's integration parameters.
type StreamlineConfig struct {
	MaxSteps       int     `koanf:"max_steps"`
	DefaultStepSec float64 `koanf:"default_step_seconds"`
	MaxSeeds       int     `koanf:"max_seeds"`
}

// VolumeConfig holds the volume-pack endpoint's resource ceilings.
type VolumeConfig struct {
	MaxBBoxAreaDeg2 float64 `koanf:"max_bbox_area_deg2"`
	MinResMeters    float64 `koanf:"min_res_meters"`
	MaxOutputBytes  int64   `koanf:"max_output_bytes"`
}

// EditorConfig configures the capability token gating prewarm requests.
type EditorConfig struct {
	CapabilityHeader string `koanf:"capability_header"`
	CapabilityToken  string `koanf:"capability_token"`
}

// Validate checks invariants across the configuration tree.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.Vector.MaxPoints <= 0 {
		errs = append(errs, "vector.max_points must be positive")
	}

	if c.Volume.MaxBBoxAreaDeg2 <= 0 {
		errs = append(errs, "volume.max_bbox_area_deg2 must be positive")
	}
	if c.Volume.MinResMeters <= 0 {
		errs = append(errs, "volume.min_res_meters must be positive")
	}
	if c.Volume.MaxOutputBytes <= 0 {
		errs = append(errs, "volume.max_output_bytes must be positive")
	}

	if c.Cache.StaleTTL < c.Cache.FreshTTL {
		errs = append(errs, "cache.stale_ttl must be greater than or equal to cache.fresh_ttl")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether the environment is development.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
