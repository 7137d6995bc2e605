// Package config loads and validates bookingwatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/bookingwatch/internal/persistence"
	"github.com/JakeFAU/bookingwatch/internal/policy/ratelimit"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
	"github.com/JakeFAU/bookingwatch/internal/visual"
)

// Storage and database backends.
const (
	BackendGCS      = "gcs"
	BackendLocal    = "local"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Auth        AuthConfig         `mapstructure:"auth"`
	CORS        CORSConfig         `mapstructure:"cors"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	Tracker     TrackerConfig      `mapstructure:"tracker"`
	Detection   tracker.Confidence `mapstructure:"detection"`
	Visual      visual.Config      `mapstructure:"visual"`
	OCR         OCRConfig          `mapstructure:"ocr"`
	Scanner     ScannerConfig      `mapstructure:"scanner"`
	Browser     BrowserConfig      `mapstructure:"browser"`
	Storage     StorageConfig      `mapstructure:"storage"`
	Database    DatabaseConfig     `mapstructure:"database"`
	PubSub      PubSubConfig       `mapstructure:"pubsub"`
	RateLimit   ratelimit.Config   `mapstructure:"ratelimit"`
	Persistence PersistenceConfig  `mapstructure:"persistence"`
	Telemetry   TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CORSConfig lists the host-site origins allowed to call the ingest API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TrackerConfig holds per-session collection settings.
type TrackerConfig struct {
	SessionParam    string        `mapstructure:"session_param"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	Keywords        []string      `mapstructure:"keywords"`
	CaptureInterval time.Duration `mapstructure:"capture_interval"`
	TieWindow       time.Duration `mapstructure:"tie_window"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
}

// OCRConfig toggles the tesseract engine.
type OCRConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Languages []string `mapstructure:"languages"`
}

// ScannerConfig bounds structured payload traversal.
type ScannerConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
}

// BrowserConfig configures the chromedp tab driver used by `watch`.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless"`
	UserAgent     string        `mapstructure:"user_agent"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	WindowWidth   int           `mapstructure:"window_width"`
	WindowHeight  int           `mapstructure:"window_height"`
	WarmupRetries uint64        `mapstructure:"warmup_retries"`
}

// StorageConfig selects and configures the screenshot blob store.
type StorageConfig struct {
	Backend      string        `mapstructure:"backend"`
	Bucket       string        `mapstructure:"bucket"`
	Prefix       string        `mapstructure:"prefix"`
	BaseDir      string        `mapstructure:"base_dir"`
	SignedURLTTL time.Duration `mapstructure:"signed_url_ttl"`
}

// DatabaseConfig selects and configures the conversion/interaction store.
type DatabaseConfig struct {
	Backend           string        `mapstructure:"backend"`
	DSN               string        `mapstructure:"dsn"`
	ConversionsTable  string        `mapstructure:"conversions_table"`
	InteractionsTable string        `mapstructure:"interactions_table"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	ConnectRetries    uint64        `mapstructure:"connect_retries"`
	Migrate           bool          `mapstructure:"migrate"`
	SQLitePath        string        `mapstructure:"sqlite_path"`
}

// PubSubConfig holds metadata for conversion notifications. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// PersistenceConfig tunes the write gateway.
type PersistenceConfig struct {
	WriteTimeout     time.Duration         `mapstructure:"write_timeout"`
	PublishRetention time.Duration         `mapstructure:"publish_retention"`
	Hub              persistence.HubConfig `mapstructure:",squash"`
}

// TelemetryConfig describes the service to the tracer provider.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment. Without a path it looks for bookingwatch.{yaml,json,toml}
// in the working directory, /etc/bookingwatch and $HOME/.bookingwatch.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOOKINGWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("bookingwatch")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/bookingwatch/")
		v.AddConfigPath("$HOME/.bookingwatch")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_body_bytes", 8<<20)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("tracker.session_param", "session")
	v.SetDefault("tracker.allowed_origins", []string{})
	v.SetDefault("tracker.keywords", tracker.DefaultKeywords())
	v.SetDefault("tracker.capture_interval", "20s")
	v.SetDefault("tracker.tie_window", "50ms")
	v.SetDefault("tracker.idle_timeout", "30m")

	conf := tracker.DefaultConfidence()
	v.SetDefault("detection.structured", conf.Structured)
	v.SetDefault("detection.ocr_color_combined", conf.OCRColorCombined)
	v.SetDefault("detection.ocr_text", conf.OCRText)
	v.SetDefault("detection.text", conf.Text)
	v.SetDefault("detection.color_only", conf.ColorOnly)
	v.SetDefault("detection.high_threshold", conf.HighThreshold)

	vis := visual.DefaultConfig()
	v.SetDefault("visual.stride", vis.Stride)
	v.SetDefault("visual.background", vis.Background)
	v.SetDefault("visual.tolerance", vis.Tolerance)
	v.SetDefault("visual.green_margin", vis.GreenMargin)
	v.SetDefault("visual.green_floor", vis.GreenFloor)
	v.SetDefault("visual.green_threshold", vis.GreenThreshold)
	v.SetDefault("visual.max_pixels", vis.MaxPixels)

	v.SetDefault("ocr.enabled", false)
	v.SetDefault("ocr.languages", []string{"fin", "eng"})
	v.SetDefault("scanner.max_depth", 3)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout", "30s")
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 768)
	v.SetDefault("browser.warmup_retries", 3)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "screenshots")
	v.SetDefault("storage.base_dir", "./data/screenshots")
	v.SetDefault("storage.signed_url_ttl", "15m")

	v.SetDefault("database.backend", BackendMemory)
	v.SetDefault("database.conversions_table", "conversions")
	v.SetDefault("database.interactions_table", "interactions")
	v.SetDefault("database.connect_retries", 5)
	v.SetDefault("database.sqlite_path", "./data/bookingwatch.db")

	v.SetDefault("ratelimit.rps", 5)
	v.SetDefault("ratelimit.burst", 20)

	v.SetDefault("persistence.write_timeout", "10s")
	v.SetDefault("persistence.publish_retention", "24h")
	v.SetDefault("persistence.buffer_size", 1024)
	v.SetDefault("persistence.max_batch", 100)
	v.SetDefault("persistence.max_batch_wait", "250ms")
	v.SetDefault("persistence.sink_timeout", "5s")

	v.SetDefault("telemetry.service_name", "bookingwatch")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits. It also parses derived
// settings (the visual background color) in place.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Tracker.SessionParam) == "" {
		return fmt.Errorf("tracker.session_param is required")
	}
	if c.Tracker.CaptureInterval <= 0 {
		return fmt.Errorf("tracker.capture_interval must be > 0")
	}
	if c.Tracker.TieWindow < 0 {
		return fmt.Errorf("tracker.tie_window must be >= 0")
	}
	if c.Scanner.MaxDepth <= 0 {
		return fmt.Errorf("scanner.max_depth must be > 0")
	}
	if err := c.Detection.Validate(); err != nil {
		return err
	}
	if err := c.Visual.Validate(); err != nil {
		return err
	}
	if c.OCR.Enabled && len(c.OCR.Languages) == 0 {
		return fmt.Errorf("ocr.languages must not be empty when ocr is enabled")
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the gcs backend")
		}
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return errors.New("storage.base_dir is required for the local backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q is not one of gcs, local, memory", c.Storage.Backend)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Backend {
	case BackendPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres backend")
		}
	case BackendSQLite:
		if c.Database.SQLitePath == "" {
			return errors.New("database.sqlite_path is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("database.backend %q is not one of postgres, sqlite, memory", c.Database.Backend)
	}
	return nil
}
