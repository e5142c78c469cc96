package capture

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mikeyg42/capturekit/internal/media"
	"github.com/mikeyg42/capturekit/internal/quality"
)

func TestBuilderDefaults(t *testing.T) {
	cfg, err := NewBuilder("/tmp/dcim").Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if cfg.Mode() != ModeTakePhoto {
		t.Errorf("mode = %v, want take_photo", cfg.Mode())
	}
	if cfg.Flash() != FlashAuto {
		t.Errorf("flash = %v, want auto", cfg.Flash())
	}
	if got := cfg.Image().JPEGQuality; got != 100 {
		t.Errorf("jpeg quality = %d, want 100", got)
	}
	if got := cfg.Video().Quality; got != quality.TierHD {
		t.Errorf("video quality = %v, want hd", got)
	}
	if cfg.Video().DurationLimit != 0 || cfg.Video().FileSizeLimit != 0 {
		t.Errorf("limits should default to unlimited, got %+v", cfg.Video())
	}
	if cfg.Image().HorizontalMirror != MirrorOnFrontOnly {
		t.Errorf("horizontal mirror = %v, want on_front_only", cfg.Image().HorizontalMirror)
	}
	if cfg.Image().VerticalMirror != MirrorOnFrontOnly {
		t.Errorf("vertical mirror = %v, want on_front_only", cfg.Image().VerticalMirror)
	}
	if _, ok := cfg.Location(); ok {
		t.Error("location should be unset")
	}
}

func TestBuilderRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *Builder
		problem string
	}{
		{"negative duration", func() *Builder { return NewBuilder("/c").DurationLimit(-time.Second) }, "duration_limit"},
		{"negative size", func() *Builder { return NewBuilder("/c").FileSizeLimit(-1) }, "file_size_limit"},
		{"negative bitrate", func() *Builder { return NewBuilder("/c").VideoBitRate(-5) }, "encoding_bit_rate"},
		{"jpeg too high", func() *Builder { return NewBuilder("/c").JPEGQuality(101) }, "jpeg_quality"},
		{"jpeg negative", func() *Builder { return NewBuilder("/c").JPEGQuality(-1) }, "jpeg_quality"},
		{"empty cache dir", func() *Builder { return NewBuilder(" ") }, "cache_dir"},
		{"half target size", func() *Builder { return NewBuilder("/c").TargetSize(1920, 0) }, "target size"},
		{"mode changed", func() *Builder { return NewBuilder("/c").Mode(ModeTakeVideo).Mode(ModeTakePhoto) }, "already set"},
		{"bad location", func() *Builder {
			return NewBuilder("/c").Location(media.Location{Latitude: 91})
		}, "location"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := tt.build().Build()
			if err == nil {
				t.Fatalf("expected error, got config %v", cfg)
			}
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *ConfigError, got %T", err)
			}
			if cerr.Code() != CodeInvalidConfig {
				t.Errorf("code = %q", cerr.Code())
			}
			if !strings.Contains(err.Error(), tt.problem) {
				t.Errorf("error %q does not mention %q", err, tt.problem)
			}
		})
	}
}

func TestBuilderAccumulatesProblems(t *testing.T) {
	_, err := NewBuilder("/c").DurationLimit(-1).FileSizeLimit(-1).JPEGQuality(500).Build()
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if len(cerr.Problems) != 3 {
		t.Fatalf("expected 3 problems, got %d: %v", len(cerr.Problems), cerr.Problems)
	}
}

func TestConfigIsolatedFromBuilder(t *testing.T) {
	b := NewBuilder("/c").Location(media.Location{Latitude: 10, Longitude: 20})
	cfg := b.MustBuild()

	b.Location(media.Location{Latitude: 50, Longitude: 60}).JPEGQuality(10)

	loc, ok := cfg.Location()
	if !ok || loc.Latitude != 10 {
		t.Fatalf("config changed after builder reuse: %+v", loc)
	}
	if cfg.Image().JPEGQuality != 100 {
		t.Fatalf("jpeg quality changed after builder reuse: %d", cfg.Image().JPEGQuality)
	}
}

func TestSpecBuild(t *testing.T) {
	spec := Spec{
		CacheDir: "/app/dcim",
		Mode:     "take_video",
		Flash:    "torch",
		Width:    1920,
		Height:   1080,
		Video: VideoSpec{
			DurationLimitMillis: 15000,
			FileSizeLimitBytes:  1 << 20,
			Quality:             "fhd",
			Persistent:          true,
			Mirror:              "off",
		},
		Image: ImageSpec{Latency: "maximize_quality", VerticalMirror: "on"},
	}

	cfg, err := spec.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if cfg.Mode() != ModeTakeVideo || cfg.Flash() != FlashTorch {
		t.Fatalf("unexpected mode/flash: %v/%v", cfg.Mode(), cfg.Flash())
	}
	v := cfg.Video()
	if v.DurationLimit != 15*time.Second || v.FileSizeLimit != 1<<20 || v.Quality != quality.TierFHD || !v.Persistent || v.Mirror != MirrorOff {
		t.Fatalf("unexpected video limits: %+v", v)
	}
	img := cfg.Image()
	if img.Latency != MaximizeQuality || img.VerticalMirror != MirrorOn || img.JPEGQuality != 100 {
		t.Fatalf("unexpected image limits: %+v", img)
	}

	round, err := SpecOf(cfg).Build()
	if err != nil {
		t.Fatalf("rebuild from SpecOf failed: %v", err)
	}
	if round.Video() != cfg.Video() || round.Image() != cfg.Image() {
		t.Fatalf("SpecOf did not preserve limits: %+v vs %+v", round.Video(), cfg.Video())
	}
}

func TestSpecBuildReportsParseErrors(t *testing.T) {
	_, err := Spec{CacheDir: "/c", Mode: "panorama", Flash: "strobe", Video: VideoSpec{Quality: "8k"}}.Build()
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if len(cerr.Problems) != 3 {
		t.Fatalf("expected 3 problems, got %v", cerr.Problems)
	}
}

func TestMirrorApplies(t *testing.T) {
	tests := []struct {
		mode  MirrorMode
		front bool
		want  bool
	}{
		{MirrorOnFrontOnly, true, true},
		{MirrorOnFrontOnly, false, false},
		{MirrorOn, false, true},
		{MirrorOff, true, false},
	}
	for _, tt := range tests {
		if got := tt.mode.Applies(tt.front); got != tt.want {
			t.Errorf("%v.Applies(%v) = %v, want %v", tt.mode, tt.front, got, tt.want)
		}
	}
}

func TestSpecMirrorDefaults(t *testing.T) {
	cfg, err := Spec{CacheDir: "/app/dcim"}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	img := cfg.Image()
	if img.HorizontalMirror != MirrorOnFrontOnly || img.VerticalMirror != MirrorOnFrontOnly {
		t.Fatalf("photo mirrors = %v/%v, want on_front_only", img.HorizontalMirror, img.VerticalMirror)
	}
	if cfg.Video().Mirror != MirrorOnFrontOnly {
		t.Fatalf("video mirror = %v, want on_front_only", cfg.Video().Mirror)
	}
}
