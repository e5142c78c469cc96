package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mikeyg42/capturekit/internal/media"
	"github.com/mikeyg42/capturekit/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with no path failed: %v", err)
	}
	if cfg.Control.ListenAddr != "localhost:7000" {
		t.Fatalf("unexpected listen addr %q", cfg.Control.ListenAddr)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dcim := filepath.Join(t.TempDir(), "DCIM")
	path := writeConfig(t, `
log:
  level: debug
  format: json
session:
  grace_period: 250ms
  defaults:
    cache_dir: /tmp/capture-cache
    mode: take_video
    video:
      duration_limit_millis: 15000
      quality: fhd
camera:
  backend: synthetic
  frame_rate: 30
storage:
  platform: legacy
  public_media_dir: `+dcim+`
control:
  listen_addr: 0.0.0.0:9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("log section not applied: %+v", cfg.Log)
	}
	if cfg.Session.GracePeriod != 250*time.Millisecond {
		t.Fatalf("expected 250ms grace, got %s", cfg.Session.GracePeriod)
	}
	if cfg.Session.StopTimeout != 3*time.Second {
		t.Fatalf("unset fields should keep defaults, got stop timeout %s", cfg.Session.StopTimeout)
	}
	if cfg.Camera.Backend != "synthetic" || cfg.Camera.FrameRate != 30 || cfg.Camera.Width != 1280 {
		t.Fatalf("camera section not merged: %+v", cfg.Camera)
	}

	spec, err := cfg.Session.Defaults.Build()
	if err != nil {
		t.Fatalf("session defaults should build: %v", err)
	}
	if spec.Video().DurationLimit != 15*time.Second {
		t.Fatalf("expected 15s limit, got %s", spec.Video().DurationLimit)
	}

	router := storage.NewRouter(cfg.StorageProbe())
	target, ok := router.Resolve(media.KindImage).(storage.FilesystemTarget)
	if !ok || target.ParentPath != dcim {
		t.Fatalf("expected filesystem target at %s, got %v", dcim, router.Resolve(media.KindImage))
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Log.Level = "loud"
	cfg.Camera.Backend = "webcam"
	cfg.Camera.Width = 0
	cfg.Analyzer.Type = "face"
	cfg.Session.StopTimeout = 0
	cfg.Control.Path = "rpc"
	cfg.Control.RequestBurst = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"log.level",
		"camera.backend",
		"camera dimensions",
		"analyzer.cascade_path",
		"session.stop_timeout",
		"control.path",
		"control.request_burst",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q:\n%v", want, err)
		}
	}
}

func TestValidateRejectsBadSessionDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Session.Defaults.Video.DurationLimitMillis = -1
	cfg.Session.Defaults.Image.JPEGQuality = 101

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "session.defaults") {
		t.Fatalf("expected session.defaults error, got %v", err)
	}
}

func TestModernStorage(t *testing.T) {
	tests := []struct {
		name     string
		platform string
		minio    bool
		want     bool
	}{
		{"auto without object store", "auto", false, false},
		{"auto with object store", "auto", true, true},
		{"forced legacy", "legacy", true, false},
		{"forced modern", "modern", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Storage.Platform = tt.platform
			if tt.minio {
				cfg.Storage.MinIO.Endpoint = "localhost:9000"
				cfg.Storage.MinIO.Bucket = "captures"
			}
			if got := cfg.ModernStorage(); got != tt.want {
				t.Fatalf("ModernStorage() = %v, want %v", got, tt.want)
			}

			kind := storage.NewRouter(cfg.StorageProbe()).Resolve(media.KindVideo)
			_, indexed := kind.(storage.MediaIndexTarget)
			if indexed != tt.want {
				t.Fatalf("router target %v does not match platform", kind)
			}
		})
	}
}

func TestLoadReportsParseErrors(t *testing.T) {
	path := writeConfig(t, "camera: [not, a, map]\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
