package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	"go.uber.org/zap"

	"github.com/mikeyg42/capturekit/internal/analyzer"
	"github.com/mikeyg42/capturekit/internal/analyzer/vision"
	"github.com/mikeyg42/capturekit/internal/capture"
	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/config"
	"github.com/mikeyg42/capturekit/internal/control"
	"github.com/mikeyg42/capturekit/internal/hardware"
	"github.com/mikeyg42/capturekit/internal/hardware/camera"
	"github.com/mikeyg42/capturekit/internal/hardware/synthetic"
	"github.com/mikeyg42/capturekit/internal/session"
	"github.com/mikeyg42/capturekit/internal/storage"
)

const healthCheckTimeout = 5 * time.Second

// Application holds all components
type Application struct {
	config *config.Config
	logger capturelog.Logger
	zap    *zap.Logger
	index  *storage.PostgresIndex
	ctrl   *control.Controller
	server *ServerManager
}

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	addr := flag.String("addr", "", "control server address (overrides the config file)")
	backend := flag.String("backend", "", "camera backend: camera or synthetic")
	listCameras := flag.Bool("list-cameras", false, "print the available cameras and exit")
	flag.Parse()

	if *listCameras {
		printCameras()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Control.ListenAddr = *addr
	}
	if *backend != "" {
		cfg.Camera.Backend = *backend
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid flags: %v", err)
		}
	}

	app, err := NewApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	runErr := app.Run(ctx)
	stop()
	app.Cleanup()

	if runErr != nil {
		log.Fatalf("Control server failed: %v", runErr)
	}
}

func NewApplication(cfg *config.Config) (*Application, error) {
	logger, zl, err := capturelog.NewZapFromConfig(cfg.Log.Level, cfg.Log.Format, cfg.Log.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	capturelog.ReplaceGlobal(logger)
	zap.ReplaceGlobals(zl)

	app := &Application{config: cfg, logger: logger, zap: zl}

	publisher, err := app.newPublisher()
	if err != nil {
		app.Cleanup()
		return nil, err
	}

	hw := hardware.NewDevice(app.newFrameSource(),
		hardware.WithLogger(logger.Named("hardware")),
		hardware.WithFrameTimeout(cfg.Camera.FrameTimeout))

	app.ctrl = control.New(hw,
		control.WithLogger(logger.Named("control")),
		control.WithDefaults(cfg.Session.Defaults),
		control.WithAnalyzerFactory(newAnalyzerFactory(cfg.Analyzer)),
		control.WithSessionOptions(
			session.WithRouter(storage.NewRouter(cfg.StorageProbe())),
			session.WithPublisher(publisher),
			session.WithGracePeriod(cfg.Session.GracePeriod),
			session.WithStopTimeout(cfg.Session.StopTimeout),
		))
	rpc := control.NewServer(app.ctrl, logger.Named("rpc"),
		control.WithRequestLimit(cfg.Control.RequestsPerSecond, cfg.Control.RequestBurst))
	app.server = NewServerManager(cfg.Control, rpc, logger.Named("server"))
	return app, nil
}

func (app *Application) newPublisher() (*storage.Publisher, error) {
	sc := app.config.Storage
	opts := []storage.PublisherOption{
		storage.WithPublisherLogger(app.logger.Named("publish")),
		storage.WithMinFreeSpace(sc.MinFreeMB << 20),
	}

	if sc.MinIO.Enabled() {
		store, err := storage.NewMinIOStore(sc.MinIO, app.zap)
		if err != nil {
			return nil, fmt.Errorf("failed to connect object store: %w", err)
		}
		opts = append(opts, storage.WithObjectStore(store))
		app.checkHealth("object store", store.HealthCheck)
		app.logger.Info("Object store ready",
			capturelog.String("endpoint", sc.MinIO.Endpoint),
			capturelog.String("bucket", sc.MinIO.Bucket))
	}

	if sc.Postgres.Enabled() {
		index, err := storage.NewPostgresIndex(sc.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to connect media index: %w", err)
		}
		app.index = index
		opts = append(opts, storage.WithMediaIndex(index))
		app.checkHealth("media index", index.HealthCheck)
		app.logger.Info("Media index ready",
			capturelog.String("host", sc.Postgres.Host),
			capturelog.String("database", sc.Postgres.Database))
	}

	return storage.NewPublisher(opts...), nil
}

// checkHealth logs a failing backend without aborting startup.
func (app *Application) checkHealth(name string, check func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()
	if err := check(ctx); err != nil {
		app.logger.Warn("Storage backend unhealthy", capturelog.String("backend", name), capturelog.Error(err))
	}
}

func (app *Application) newFrameSource() hardware.FrameSource {
	cc := app.config.Camera
	facing := parseFacing(cc.Facing)
	if cc.Backend == "synthetic" {
		app.logger.Info("Using synthetic camera")
		return &synthetic.Source{
			Width:     cc.Width,
			Height:    cc.Height,
			FrameRate: cc.FrameRate,
			Facing:    facing,
			HasFlash:  cc.HasFlash,
		}
	}
	return &camera.Source{
		DeviceID:  cc.DeviceID,
		Width:     cc.Width,
		Height:    cc.Height,
		FrameRate: cc.FrameRate,
		Facing:    facing,
		HasFlash:  cc.HasFlash,
		Logger:    app.logger.Named("camera"),
	}
}

func newAnalyzerFactory(ac config.AnalyzerConfig) control.AnalyzerFactory {
	switch ac.Type {
	case "motion":
		return func(*capture.Config) (analyzer.Slot, io.Closer, error) {
			m, err := vision.NewMotion(vision.MotionConfig(ac.Motion))
			if err != nil {
				return analyzer.Empty(), nil, err
			}
			return analyzer.Bound(m), m, nil
		}
	case "face":
		return func(*capture.Config) (analyzer.Slot, io.Closer, error) {
			f, err := vision.NewFace(ac.CascadePath, ac.MinFaceSize)
			if err != nil {
				return analyzer.Empty(), nil, err
			}
			return analyzer.Bound(f), f, nil
		}
	default:
		return nil
	}
}

func parseFacing(s string) hardware.Facing {
	switch s {
	case "front":
		return hardware.FacingFront
	case "back":
		return hardware.FacingBack
	case "external":
		return hardware.FacingExternal
	default:
		return hardware.FacingUnknown
	}
}

// Run serves control clients until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	app.logger.Info("Capture demo starting",
		capturelog.String("addr", app.config.Control.ListenAddr),
		capturelog.String("path", app.config.Control.Path),
		capturelog.String("camera", app.config.Camera.Backend))
	return app.server.Serve(ctx)
}

func (app *Application) Cleanup() {
	if app.ctrl != nil {
		app.ctrl.Teardown(false)
	}
	if app.index != nil {
		if err := app.index.Close(); err != nil {
			app.logger.Warn("Failed to close media index", capturelog.Error(err))
		}
	}
	if app.zap != nil {
		_ = app.zap.Sync()
	}
}

func printCameras() {
	devices := camera.List()
	if len(devices) == 0 {
		fmt.Println("No cameras found")
		return
	}
	fmt.Println("Available cameras:")
	for i, d := range devices {
		fmt.Printf("%d: %s (%s)\n", i, d.Label, d.DeviceID)
	}
}
