// Package control hosts capture sessions on behalf of a host application. It
// creates one session at a time, maps host pause and resume onto it and fans
// session events out to subscribers.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mikeyg42/capturekit/internal/analyzer"
	"github.com/mikeyg42/capturekit/internal/capture"
	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/hardware"
	"github.com/mikeyg42/capturekit/internal/session"
)

var (
	ErrSessionActive = errors.New("a capture session is already active")
	ErrNoSession     = errors.New("no active capture session")
	ErrNotPaused     = errors.New("no paused capture session")
)

// AnalyzerFactory builds the analyzer for an image analysis session. The
// closer, when not nil, is called after the session has closed.
type AnalyzerFactory func(cfg *capture.Config) (analyzer.Slot, io.Closer, error)

// Status describes the controller's current session.
type Status struct {
	SessionID string        `json:"session_id,omitempty"`
	State     session.State `json:"state"`
	Mode      string        `json:"mode,omitempty"`
	Paused    bool          `json:"paused"`
}

type Option func(*Controller)

func WithLogger(l capturelog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDefaults sets the spec used by Init when the host sends none, and the
// cache directory for specs that leave it empty.
func WithDefaults(spec capture.Spec) Option {
	return func(c *Controller) { c.defaults = spec }
}

func WithAnalyzerFactory(f AnalyzerFactory) Option {
	return func(c *Controller) { c.analyzers = f }
}

// WithSessionOptions are passed to every session the controller creates.
func WithSessionOptions(opts ...session.Option) Option {
	return func(c *Controller) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// Controller owns at most one live session.
type Controller struct {
	hw          hardware.Hardware
	logger      capturelog.Logger
	defaults    capture.Spec
	analyzers   AnalyzerFactory
	sessionOpts []session.Option

	mu      sync.Mutex
	current *active
	paused  *capture.Config
	subs    map[int]func(Event)
	nextSub int
}

type active struct {
	machine *session.Machine
	cfg     *capture.Config
	closer  io.Closer
	once    sync.Once
}

func New(hw hardware.Hardware, opts ...Option) *Controller {
	c := &Controller{
		hw:     hw,
		logger: capturelog.L().Named("control"),
		subs:   make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaults.CacheDir == "" {
		c.defaults.CacheDir = filepath.Join(os.TempDir(), "capturekit")
	}
	return c
}

// Subscribe registers fn for every event of every session. fn runs on the
// session's event goroutine and should not block for long.
func (c *Controller) Subscribe(fn func(Event)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) publish(ev Event) {
	c.mu.Lock()
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Init starts a new session from spec, or from the defaults when spec is nil.
// It returns once the camera is bound or binding failed.
func (c *Controller) Init(ctx context.Context, spec *capture.Spec) (Status, error) {
	s := c.defaults
	if spec != nil {
		s = *spec
		if s.CacheDir == "" {
			s.CacheDir = c.defaults.CacheDir
		}
	}
	cfg, err := s.Build()
	if err != nil {
		return c.Status(), err
	}
	return c.start(ctx, cfg, false)
}

func (c *Controller) start(ctx context.Context, cfg *capture.Config, resuming bool) (Status, error) {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return c.Status(), ErrSessionActive
	}

	slot := analyzer.Empty()
	var closer io.Closer
	if cfg.Mode() == capture.ModeImageAnalysis && c.analyzers != nil {
		var err error
		if slot, closer, err = c.analyzers(cfg); err != nil {
			c.mu.Unlock()
			return c.Status(), fmt.Errorf("failed to create analyzer: %w", err)
		}
	}

	events := &sessionEvents{emit: c.publish}
	opts := make([]session.Option, 0, len(c.sessionOpts)+2)
	opts = append(opts, session.WithLogger(c.logger.Named("session")))
	opts = append(opts, c.sessionOpts...)
	opts = append(opts, session.WithListener(events))
	m := session.New(c.hw, opts...)
	events.id = m.ID()

	a := &active{machine: m, cfg: cfg, closer: closer}
	c.current = a
	c.paused = nil
	c.mu.Unlock()

	c.logger.Info("Starting capture session",
		capturelog.String("session_id", m.ID()),
		capturelog.Stringer("mode", cfg.Mode()),
		capturelog.Bool("resuming", resuming))

	if err := m.Start(ctx, cfg, slot); err != nil {
		c.mu.Lock()
		owned := c.current == a
		if owned {
			c.current = nil
			if resuming {
				c.paused = cfg
			}
		}
		c.mu.Unlock()
		// A concurrent Teardown already retired a otherwise.
		if owned {
			c.retire(a, false)
		}
		return c.Status(), err
	}
	return c.Status(), nil
}

// retire closes a's session and releases its analyzer.
func (c *Controller) retire(a *active, notify bool) {
	a.machine.Stop(notify)
	a.once.Do(func() {
		if a.closer == nil {
			return
		}
		if err := a.closer.Close(); err != nil {
			c.logger.Warn("Failed to release analyzer", capturelog.String("session_id", a.machine.ID()), capturelog.Error(err))
		}
	})
}

func (c *Controller) session() (*active, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, ErrNoSession
	}
	return c.current, nil
}

// Capture takes a photo or starts a recording depending on the session mode.
func (c *Controller) Capture() error {
	a, err := c.session()
	if err != nil {
		return err
	}
	return a.machine.RequestCapture()
}

func (c *Controller) StopVideo(reason hardware.StopReason) error {
	a, err := c.session()
	if err != nil {
		return err
	}
	return a.machine.RequestStopVideo(reason)
}

// Pause releases the camera when the host goes to the background. A running
// recording is finalized first unless it is persistent, in which case the
// session keeps running and Pause reports false.
func (c *Controller) Pause() (bool, error) {
	c.mu.Lock()
	a := c.current
	if a == nil {
		c.mu.Unlock()
		return false, ErrNoSession
	}
	recording := a.machine.State() == session.StateRecordingVideo
	if recording && a.cfg.Video().Persistent {
		c.mu.Unlock()
		c.logger.Info("Persistent recording keeps session running", capturelog.String("session_id", a.machine.ID()))
		return false, nil
	}
	c.current = nil
	c.paused = a.cfg
	c.mu.Unlock()

	if recording {
		if err := a.machine.RequestStopVideo(hardware.StopLifecycle); err != nil {
			c.logger.Debug("Recording already stopping", capturelog.Error(err))
		}
	}
	c.retire(a, false)
	c.logger.Info("Capture session paused", capturelog.String("session_id", a.machine.ID()))
	return true, nil
}

// Resume starts a fresh session with the paused session's configuration.
func (c *Controller) Resume(ctx context.Context) (Status, error) {
	c.mu.Lock()
	cfg := c.paused
	c.mu.Unlock()
	if cfg == nil {
		return c.Status(), ErrNotPaused
	}
	return c.start(ctx, cfg, true)
}

// Teardown closes the current session, if any, and forgets a paused one.
// With notify, a session_closed event follows after the grace period.
func (c *Controller) Teardown(notify bool) {
	c.mu.Lock()
	a := c.current
	c.current = nil
	c.paused = nil
	c.mu.Unlock()

	if a == nil {
		return
	}
	c.retire(a, notify)
	c.logger.Info("Capture session closed", capturelog.String("session_id", a.machine.ID()))
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a := c.current; a != nil {
		return Status{SessionID: a.machine.ID(), State: a.machine.State(), Mode: a.cfg.Mode().String()}
	}
	if c.paused != nil {
		return Status{State: session.StateClosed, Mode: c.paused.Mode().String(), Paused: true}
	}
	return Status{State: session.StateIdle}
}
