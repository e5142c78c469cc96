package capture

import (
	"fmt"
	"strings"
	"time"

	"github.com/mikeyg42/capturekit/internal/media"
	"github.com/mikeyg42/capturekit/internal/quality"
	"github.com/mikeyg42/capturekit/internal/validate"
)

const (
	// DefaultJPEGQuality applies when a photo quality is left at zero.
	DefaultJPEGQuality = 100

	// CodeInvalidConfig is the reason code carried by ConfigError.
	CodeInvalidConfig = "invalid_config"
)

// ConfigError lists every problem found while building a Config.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid capture config: " + strings.Join(e.Problems, "; ")
}

// Code is the stable reason code for this error.
func (e *ConfigError) Code() string { return CodeInvalidConfig }

// Builder collects capture settings and validates them in Build.
type Builder struct {
	cfg     Config
	modeSet bool
	v       validate.Validator
}

// NewBuilder starts a config with the defaults used by the camera screens:
// photo mode, automatic flash, HD video and full JPEG quality.
func NewBuilder(cacheDir string) *Builder {
	return &Builder{cfg: Config{
		cacheDir: cacheDir,
		mode:     ModeTakePhoto,
		flash:    FlashAuto,
		video: VideoLimits{
			Quality: quality.DefaultTier,
			Mirror:  MirrorOnFrontOnly,
		},
		image: ImageLimits{
			JPEGQuality:      DefaultJPEGQuality,
			HorizontalMirror: MirrorOnFrontOnly,
			VerticalMirror:   MirrorOnFrontOnly,
			Latency:          MinimizeLatency,
		},
	}}
}

// Mode sets the capture mode. It may only be chosen once per config.
func (b *Builder) Mode(m Mode) *Builder {
	if b.modeSet && b.cfg.mode != m {
		b.v.AddError("capture mode already set to %s, cannot change to %s", b.cfg.mode, m)
		return b
	}
	switch m {
	case ModeTakePhoto, ModeTakeVideo, ModeImageAnalysis:
	default:
		b.v.AddError("unknown capture mode %d", int(m))
		return b
	}
	b.cfg.mode = m
	b.modeSet = true
	return b
}

func (b *Builder) Flash(f FlashMode) *Builder {
	b.cfg.flash = f
	return b
}

func (b *Builder) TargetSize(width, height int) *Builder {
	b.cfg.targetSize = quality.Resolution{Width: width, Height: height}
	return b
}

func (b *Builder) VideoBitRate(bitsPerSecond int) *Builder {
	b.cfg.video.EncodingBitRate = bitsPerSecond
	return b
}

func (b *Builder) DurationLimit(d time.Duration) *Builder {
	b.cfg.video.DurationLimit = d
	return b
}

func (b *Builder) FileSizeLimit(bytes int64) *Builder {
	b.cfg.video.FileSizeLimit = bytes
	return b
}

func (b *Builder) Quality(t quality.Tier) *Builder {
	b.cfg.video.Quality = t
	return b
}

// Persistent keeps a recording alive when the host pauses.
func (b *Builder) Persistent(p bool) *Builder {
	b.cfg.video.Persistent = p
	return b
}

func (b *Builder) VideoMirror(m MirrorMode) *Builder {
	b.cfg.video.Mirror = m
	return b
}

// JPEGQuality sets photo quality in [1,100]. Zero keeps the default.
func (b *Builder) JPEGQuality(q int) *Builder {
	if q == 0 {
		q = DefaultJPEGQuality
	}
	b.cfg.image.JPEGQuality = q
	return b
}

func (b *Builder) PhotoMirror(horizontal, vertical MirrorMode) *Builder {
	b.cfg.image.HorizontalMirror = horizontal
	b.cfg.image.VerticalMirror = vertical
	return b
}

func (b *Builder) Latency(l LatencyMode) *Builder {
	b.cfg.image.Latency = l
	return b
}

func (b *Builder) Location(loc media.Location) *Builder {
	b.cfg.location = &loc
	return b
}

// Build validates the collected settings and returns an immutable Config.
func (b *Builder) Build() (*Config, error) {
	var v validate.Validator
	for _, problem := range b.v.Errors() {
		v.AddError("%s", problem)
	}
	c := b.cfg

	v.NotEmpty("cache_dir", c.cacheDir)
	if c.targetSize.Width < 0 || c.targetSize.Height < 0 {
		v.AddError("target size must not be negative, got %s", c.targetSize)
	}
	if (c.targetSize.Width == 0) != (c.targetSize.Height == 0) {
		v.AddError("target size needs both width and height, got %s", c.targetSize)
	}
	v.NonNegative("encoding_bit_rate", int64(c.video.EncodingBitRate))
	if c.video.DurationLimit < 0 {
		v.AddError("duration_limit must not be negative, got %s", c.video.DurationLimit)
	}
	v.NonNegative("file_size_limit", c.video.FileSizeLimit)
	v.InRange("jpeg_quality", c.image.JPEGQuality, 1, 100)
	if c.location != nil && !c.location.Valid() {
		v.AddError("location %.6f,%.6f is out of range", c.location.Latitude, c.location.Longitude)
	}

	if v.HasErrors() {
		return nil, &ConfigError{Problems: append([]string(nil), v.Errors()...)}
	}
	if c.location != nil {
		loc := *c.location
		c.location = &loc
	}
	return &c, nil
}

// Spec is the plain-data form of a capture config used in YAML files and
// remote requests. Empty strings select defaults.
type Spec struct {
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`
	Mode     string `json:"mode" yaml:"mode"`
	Flash    string `json:"flash,omitempty" yaml:"flash,omitempty"`
	Width    int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height   int    `json:"height,omitempty" yaml:"height,omitempty"`

	Video    VideoSpec       `json:"video" yaml:"video"`
	Image    ImageSpec       `json:"image" yaml:"image"`
	Location *media.Location `json:"location,omitempty" yaml:"location,omitempty"`
}

type VideoSpec struct {
	EncodingBitRate     int    `json:"encoding_bit_rate,omitempty" yaml:"encoding_bit_rate,omitempty"`
	DurationLimitMillis int64  `json:"duration_limit_millis,omitempty" yaml:"duration_limit_millis,omitempty"`
	FileSizeLimitBytes  int64  `json:"file_size_limit_bytes,omitempty" yaml:"file_size_limit_bytes,omitempty"`
	Quality             string `json:"quality,omitempty" yaml:"quality,omitempty"`
	Persistent          bool   `json:"persistent,omitempty" yaml:"persistent,omitempty"`
	Mirror              string `json:"mirror,omitempty" yaml:"mirror,omitempty"`
}

type ImageSpec struct {
	JPEGQuality      int    `json:"jpeg_quality,omitempty" yaml:"jpeg_quality,omitempty"`
	HorizontalMirror string `json:"horizontal_mirror,omitempty" yaml:"horizontal_mirror,omitempty"`
	VerticalMirror   string `json:"vertical_mirror,omitempty" yaml:"vertical_mirror,omitempty"`
	Latency          string `json:"latency,omitempty" yaml:"latency,omitempty"`
}

// Builder converts the spec, recording every parse problem for Build.
func (s Spec) Builder() *Builder {
	b := NewBuilder(s.CacheDir)

	if s.Mode != "" {
		if m, err := ParseMode(s.Mode); err != nil {
			b.v.AddError("%v", err)
		} else {
			b.Mode(m)
		}
	}
	parse(b, s.Flash, ParseFlashMode, b.Flash)
	if s.Width != 0 || s.Height != 0 {
		b.TargetSize(s.Width, s.Height)
	}

	b.VideoBitRate(s.Video.EncodingBitRate)
	b.DurationLimit(time.Duration(s.Video.DurationLimitMillis) * time.Millisecond)
	b.FileSizeLimit(s.Video.FileSizeLimitBytes)
	b.Persistent(s.Video.Persistent)
	parse(b, s.Video.Quality, quality.ParseTier, func(t quality.Tier) *Builder {
		if t == quality.TierUnset {
			return b
		}
		return b.Quality(t)
	})
	parse(b, s.Video.Mirror, ParseMirrorMode, b.VideoMirror)

	b.JPEGQuality(s.Image.JPEGQuality)
	h, hErr := ParseMirrorMode(s.Image.HorizontalMirror)
	if hErr != nil {
		b.v.AddError("horizontal mirror: %v", hErr)
	}
	v, vErr := ParseMirrorMode(s.Image.VerticalMirror)
	if vErr != nil {
		b.v.AddError("vertical mirror: %v", vErr)
	}
	b.PhotoMirror(h, v)
	parse(b, s.Image.Latency, ParseLatencyMode, b.Latency)

	if s.Location != nil {
		b.Location(*s.Location)
	}
	return b
}

// Build is shorthand for s.Builder().Build().
func (s Spec) Build() (*Config, error) {
	return s.Builder().Build()
}

// SpecOf converts a Config back to its plain-data form.
func SpecOf(c *Config) Spec {
	s := Spec{
		CacheDir: c.cacheDir,
		Mode:     c.mode.String(),
		Flash:    c.flash.String(),
		Width:    c.targetSize.Width,
		Height:   c.targetSize.Height,
		Video: VideoSpec{
			EncodingBitRate:     c.video.EncodingBitRate,
			DurationLimitMillis: c.video.DurationLimit.Milliseconds(),
			FileSizeLimitBytes:  c.video.FileSizeLimit,
			Quality:             c.video.Quality.String(),
			Persistent:          c.video.Persistent,
			Mirror:              c.video.Mirror.String(),
		},
		Image: ImageSpec{
			JPEGQuality:      c.image.JPEGQuality,
			HorizontalMirror: c.image.HorizontalMirror.String(),
			VerticalMirror:   c.image.VerticalMirror.String(),
			Latency:          c.image.Latency.String(),
		},
	}
	if c.location != nil {
		loc := *c.location
		s.Location = &loc
	}
	return s
}

func parse[T any](b *Builder, raw string, parseFn func(string) (T, error), set func(T) *Builder) {
	val, err := parseFn(raw)
	if err != nil {
		b.v.AddError("%v", err)
		return
	}
	set(val)
}

// MustBuild panics on invalid settings. Meant for tests and static defaults.
func (b *Builder) MustBuild() *Config {
	c, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("capture: %v", err))
	}
	return c
}
