// Package config loads the capture service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mikeyg42/capturekit/internal/capture"
	"github.com/mikeyg42/capturekit/internal/storage"
	"github.com/mikeyg42/capturekit/internal/validate"
)

// Config holds all application configuration
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Session  SessionConfig  `yaml:"session"`
	Camera   CameraConfig   `yaml:"camera"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Storage  StorageConfig  `yaml:"storage"`
	Control  ControlConfig  `yaml:"control"`
}

type LogConfig struct {
	Level       string `yaml:"level"`  // debug, info, warn, error
	Format      string `yaml:"format"` // json or console
	Development bool   `yaml:"development"`
}

type SessionConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
	// Defaults is used when a host starts a session without its own spec.
	Defaults capture.Spec `yaml:"defaults"`
}

type CameraConfig struct {
	Backend   string  `yaml:"backend"` // camera or synthetic
	DeviceID  string  `yaml:"device_id"`
	Facing    string  `yaml:"facing"` // front, back or external
	HasFlash  bool    `yaml:"has_flash"`
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	FrameRate float64 `yaml:"frame_rate"`
	// FrameTimeout bounds how long a photo waits for a fresh frame.
	FrameTimeout time.Duration `yaml:"frame_timeout"`
}

type AnalyzerConfig struct {
	Type        string       `yaml:"type"` // none, motion or face
	CascadePath string       `yaml:"cascade_path"`
	MinFaceSize int          `yaml:"min_face_size"`
	Motion      MotionConfig `yaml:"motion"`
}

// MotionConfig mirrors the motion detector settings.
type MotionConfig struct {
	MinimumArea          int `yaml:"minimum_area"`
	Threshold            int `yaml:"threshold"`
	BlurSize             int `yaml:"blur_size"`
	DilationSize         int `yaml:"dilation_size"`
	MinConsecutiveFrames int `yaml:"min_consecutive_frames"`
	Window               int `yaml:"window"`
}

type StorageConfig struct {
	Platform        string                 `yaml:"platform"` // auto, modern or legacy
	PublicMediaDir  string                 `yaml:"public_media_dir"`
	ImageCollection string                 `yaml:"image_collection"`
	VideoCollection string                 `yaml:"video_collection"`
	MinFreeMB       uint64                 `yaml:"min_free_mb"`
	MinIO           storage.MinIOConfig    `yaml:"minio"`
	Postgres        storage.PostgresConfig `yaml:"postgres"`
}

type ControlConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`

	// Zero disables the corresponding limit.
	RequestsPerSecond    float64 `yaml:"requests_per_second"`
	RequestBurst         int     `yaml:"request_burst"`
	ConnectionsPerMinute float64 `yaml:"connections_per_minute"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Session: SessionConfig{
			GracePeriod: 500 * time.Millisecond,
			StopTimeout: 3 * time.Second,
			Defaults: capture.Spec{
				CacheDir: os.TempDir(),
				Mode:     capture.ModeTakePhoto.String(),
			},
		},
		Camera: CameraConfig{
			Backend:      "camera",
			Facing:       "external",
			Width:        1280,
			Height:       720,
			FrameRate:    15,
			FrameTimeout: 3 * time.Second,
		},
		Analyzer: AnalyzerConfig{
			Type:        "none",
			MinFaceSize: 48,
			Motion: MotionConfig{
				MinimumArea:          3000,
				Threshold:            25,
				BlurSize:             21,
				DilationSize:         3,
				MinConsecutiveFrames: 3,
				Window:               5,
			},
		},
		Storage: StorageConfig{
			Platform:        "auto",
			ImageCollection: storage.DefaultImageCollection,
			VideoCollection: storage.DefaultVideoCollection,
			MinFreeMB:       100,
			MinIO: storage.MinIOConfig{
				Region:         "us-east-1",
				MaxUploads:     4,
				ConnectTimeout: 10 * time.Second,
				MaxRetries:     3,
				RetryBackoff:   time.Second,
			},
			Postgres: storage.PostgresConfig{
				Port:            5432,
				SSLMode:         "disable",
				MaxConnections:  10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		Control: ControlConfig{
			ListenAddr:           "localhost:7000",
			Path:                 "/rpc",
			RequestsPerSecond:    20,
			RequestBurst:         40,
			ConnectionsPerMinute: 30,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result. An
// empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var v validate.Validator

	oneOf(&v, "log.level", c.Log.Level, "debug", "info", "warn", "error")
	oneOf(&v, "log.format", c.Log.Format, "json", "console")

	if c.Session.GracePeriod < 0 {
		v.AddError("session.grace_period must not be negative, got %s", c.Session.GracePeriod)
	}
	if c.Session.StopTimeout <= 0 {
		v.AddError("session.stop_timeout must be positive, got %s", c.Session.StopTimeout)
	}
	if _, err := c.Session.Defaults.Build(); err != nil {
		v.AddError("session.defaults: %v", err)
	}

	oneOf(&v, "camera.backend", c.Camera.Backend, "camera", "synthetic")
	oneOf(&v, "camera.facing", c.Camera.Facing, "front", "back", "external")
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		v.AddError("invalid camera dimensions: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FrameRate <= 0 {
		v.AddError("invalid frame rate: %g", c.Camera.FrameRate)
	}

	oneOf(&v, "analyzer.type", c.Analyzer.Type, "none", "motion", "face")
	if c.Analyzer.Type == "face" {
		v.NotEmpty("analyzer.cascade_path", c.Analyzer.CascadePath)
	}
	if c.Analyzer.Type == "motion" {
		if c.Analyzer.Motion.BlurSize%2 == 0 {
			v.AddError("analyzer.motion.blur_size must be odd, got %d", c.Analyzer.Motion.BlurSize)
		}
		v.NonNegative("analyzer.motion.minimum_area", int64(c.Analyzer.Motion.MinimumArea))
		v.InRange("analyzer.motion.threshold", c.Analyzer.Motion.Threshold, 1, 255)
	}

	oneOf(&v, "storage.platform", c.Storage.Platform, "auto", "modern", "legacy")
	if c.Storage.Platform == "modern" && !c.Storage.MinIO.Enabled() {
		v.AddError("storage.platform modern requires storage.minio.endpoint and storage.minio.bucket")
	}
	if c.Storage.Postgres.Enabled() && !c.Storage.MinIO.Enabled() {
		v.AddError("storage.postgres needs storage.minio; the index only records uploaded objects")
	}
	v.WritableDir("storage.public_media_dir", c.Storage.PublicMediaDir)

	v.NotEmpty("control.listen_addr", c.Control.ListenAddr)
	if !strings.HasPrefix(c.Control.Path, "/") {
		v.AddError("control.path must start with /, got %q", c.Control.Path)
	}
	if c.Control.RequestsPerSecond < 0 || c.Control.ConnectionsPerMinute < 0 {
		v.AddError("control rate limits must not be negative")
	}
	if c.Control.RequestsPerSecond > 0 && c.Control.RequestBurst <= 0 {
		v.AddError("control.request_burst must be positive when requests_per_second is set")
	}

	return v.Err("invalid configuration")
}

// ModernStorage reports whether published media goes to the media index.
// With platform auto that is the case whenever an object store is configured.
func (c *Config) ModernStorage() bool {
	switch c.Storage.Platform {
	case "modern":
		return true
	case "legacy":
		return false
	default:
		return c.Storage.MinIO.Enabled()
	}
}

// StorageProbe turns the storage section into a router probe.
func (c *Config) StorageProbe() storage.Probe {
	modern := c.ModernStorage()
	sc := c.Storage
	return func() storage.Capability {
		capability := storage.DefaultProbe()
		if sc.PublicMediaDir != "" {
			capability.PublicMediaDir = sc.PublicMediaDir
		}
		capability.ImageCollection = sc.ImageCollection
		capability.VideoCollection = sc.VideoCollection
		if modern {
			capability.Platform = storage.PlatformModern
		}
		return capability
	}
}

func oneOf(v *validate.Validator, field, val string, allowed ...string) {
	for _, a := range allowed {
		if val == a {
			return
		}
	}
	v.AddError("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), val)
}
