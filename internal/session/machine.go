// Package session coordinates one camera capture session: binding the
// hardware, taking photos, recording video, running frame analysis and
// tearing everything down again.
//
// All state lives on a single goroutine per Machine. Public methods post
// commands to it; hardware work runs on background goroutines whose results
// are posted back, so the transition for a completion always happens on the
// owning goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/capturekit/internal/analyzer"
	"github.com/mikeyg42/capturekit/internal/capture"
	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/hardware"
	"github.com/mikeyg42/capturekit/internal/media"
	"github.com/mikeyg42/capturekit/internal/quality"
	"github.com/mikeyg42/capturekit/internal/storage"
)

// Machine is the capture session state machine. A Machine is single use:
// once Closed it stays Closed and a new session needs a new Machine.
type Machine struct {
	id          string
	hw          hardware.Hardware
	router      *storage.Router
	publisher   Publisher
	listener    Listener
	logger      capturelog.Logger
	grace       time.Duration
	stopTimeout time.Duration

	events *dispatcher
	state  atomic.Int32
	cmds   chan func()
	done   chan struct{} // loop exited
	closed chan struct{} // reached StateClosed

	// Owned by the loop goroutine.
	exit          bool
	cur           State
	cfg           *capture.Config
	slot          analyzer.Slot
	tier          quality.Tier
	handle        hardware.Handle
	returnTo      State
	rec           *recording
	runner        *analyzer.Runner
	unsubscribe   func()
	lastDetected  bool
	detectPending bool
	pending       int
	opCtx         context.Context
	opCancel      context.CancelFunc
	bindCancel    context.CancelFunc
	startReply    chan error
	notify        bool
	stopTimer     *time.Timer
	graceTimer    *time.Timer
}

type recording struct {
	id          string
	handle      hardware.Recording
	pendingStop *hardware.StopReason
	stopping    bool
	reason      hardware.StopReason
}

// New returns an Idle machine driving hw. The machine owns goroutines until
// it is stopped, so every Machine must eventually be stopped.
func New(hw hardware.Hardware, opts ...Option) *Machine {
	m := &Machine{
		id:          uuid.NewString(),
		hw:          hw,
		grace:       DefaultGracePeriod,
		stopTimeout: DefaultStopTimeout,
		cmds:        make(chan func()),
		done:        make(chan struct{}),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.router == nil {
		m.router = storage.Default()
	}
	if m.publisher == nil {
		m.publisher = storage.NewPublisher()
	}
	if m.logger == nil {
		m.logger = capturelog.L().Named("session")
	}
	m.logger = m.logger.With(capturelog.String("session_id", m.id))
	m.opCtx, m.opCancel = context.WithCancel(context.Background())
	m.events = newDispatcher(m.listener, m.logger)

	go m.loop()
	return m
}

// ID identifies the session in logs and events.
func (m *Machine) ID() string { return m.id }

// State returns the current state. It may be stale by the time it is read.
func (m *Machine) State() State { return State(m.state.Load()) }

// Closed is closed once the machine reaches StateClosed.
func (m *Machine) Closed() <-chan struct{} { return m.closed }

// Done is closed after the last event, including a delayed SessionClosed,
// has been delivered.
func (m *Machine) Done() <-chan struct{} { return m.events.done }

func (m *Machine) loop() {
	defer close(m.done)
	for !m.exit {
		fn := <-m.cmds
		fn()
	}
}

// post runs fn on the loop. It reports false when the loop has exited.
func (m *Machine) post(fn func()) bool {
	select {
	case m.cmds <- fn:
		return true
	case <-m.done:
		return false
	}
}

func (m *Machine) call(op string, fn func() error) error {
	reply := make(chan error, 1)
	if !m.post(func() { reply <- fn() }) {
		return &StateError{Op: op, State: StateClosed}
	}
	return <-reply
}

func (m *Machine) setState(s State) {
	if m.cur == s {
		return
	}
	m.logger.Debug("State transition",
		capturelog.Stringer("from", m.cur),
		capturelog.Stringer("to", s))
	m.cur = s
	m.state.Store(int32(s))
}

func (m *Machine) emit(fn func(Listener)) { m.events.emit(fn) }

func (m *Machine) reject(op string) error {
	err := &StateError{Op: op, State: m.cur}
	m.logger.Warn("Operation rejected",
		capturelog.String("op", op),
		capturelog.Stringer("state", m.cur))
	m.emit(func(l Listener) { l.OnStateRejected(err) })
	return err
}

// BindAnalyzer sets the analyzer used by the next Start. It is only valid
// while Idle.
func (m *Machine) BindAnalyzer(slot analyzer.Slot) error {
	return m.call("bind_analyzer", func() error {
		if m.cur != StateIdle {
			return m.reject("bind_analyzer")
		}
		m.slot = slot
		return nil
	})
}

// Start binds the camera for cfg and blocks until the session is previewing
// (or analyzing) or the bind failed. A non-empty slot replaces one bound with
// BindAnalyzer. Cancelling ctx aborts the bind.
func (m *Machine) Start(ctx context.Context, cfg *capture.Config, slot analyzer.Slot) error {
	if cfg == nil {
		return &capture.ConfigError{Problems: []string{"capture config is required"}}
	}
	reply := make(chan error, 1)
	err := m.call("start", func() error {
		if m.cur != StateIdle {
			return m.reject("start")
		}
		m.cfg = cfg
		if !slot.IsEmpty() {
			m.slot = slot
		}
		m.startReply = reply
		m.setState(StateInitializing)
		m.beginBind(ctx)
		return nil
	})
	if err != nil {
		return err
	}
	return <-reply
}

func (m *Machine) beginBind(ctx context.Context) {
	bindCtx, cancel := context.WithCancel(ctx)
	m.bindCancel = cancel
	cfg := m.cfg
	m.pending++

	m.logger.Info("Binding camera", capturelog.Stringer("config", cfg))
	go func() {
		defer cancel()
		h, err := m.hw.Bind(bindCtx, cfg)
		if !m.post(func() { m.onBound(h, err) }) && err == nil && h != nil {
			_ = m.hw.Unbind(h)
		}
	}()
}

func (m *Machine) onBound(h hardware.Handle, err error) {
	m.pending--
	m.bindCancel = nil
	reply := m.startReply
	m.startReply = nil

	if m.cur != StateInitializing {
		if err == nil && h != nil {
			if m.cur == StateClosing {
				m.handle = h
			} else if uerr := m.hw.Unbind(h); uerr != nil {
				m.logger.Warn("Failed to release late camera binding", capturelog.Error(uerr))
			}
		}
		if reply != nil {
			m.failInit(reply, &InitError{Reason: CodeInitCancelled, Err: context.Canceled})
		}
		m.maybeFinishClose()
		return
	}

	if err != nil {
		m.cfg = nil
		m.setState(StateIdle)
		m.failInit(reply, &InitError{Reason: CodeBindFailed, Err: err})
		return
	}

	m.handle = h
	m.tier = m.resolveQuality(h)
	m.emit(func(l Listener) { l.OnInitialized() })

	if m.cfg.Mode() == capture.ModeImageAnalysis {
		m.startAnalysis()
		m.setState(StateAnalyzing)
	} else {
		m.setState(StatePreviewing)
	}
	m.emit(func(l Listener) { l.OnPreviewReady() })
	m.logger.Info("Session ready",
		capturelog.Stringer("mode", m.cfg.Mode()),
		capturelog.Stringer("analyzer", m.slot),
		capturelog.String("binding_id", h.ID()))
	reply <- nil
}

func (m *Machine) failInit(reply chan error, err *InitError) {
	m.logger.Warn("Session init failed", capturelog.String("reason", err.Reason), capturelog.Error(err.Err))
	m.emit(func(l Listener) { l.OnInitFailed(err) })
	reply <- err
}

func (m *Machine) resolveQuality(h hardware.Handle) quality.Tier {
	requested := m.cfg.Video().Quality
	tier, fellBack := quality.Resolve(requested, h.SupportedQualities())
	if fellBack {
		m.logger.Warn("Requested quality not supported, falling back",
			capturelog.Stringer("requested", requested),
			capturelog.Stringer("using", tier))
	}
	return tier
}

// RequestCapture takes a photo or starts a recording, depending on the
// capture mode. It is only valid while previewing.
func (m *Machine) RequestCapture() error {
	return m.call("capture", func() error {
		if m.cur != StatePreviewing {
			return m.reject("capture")
		}
		switch m.cfg.Mode() {
		case capture.ModeTakeVideo:
			m.beginVideo()
		default:
			m.beginPhoto(StatePreviewing)
		}
		return nil
	})
}

// RequestStopVideo ends the active recording with reason. The result is
// reported through OnVideoRecorded.
func (m *Machine) RequestStopVideo(reason hardware.StopReason) error {
	return m.call("stop_video", func() error {
		if m.cur != StateRecordingVideo || m.rec == nil || m.rec.stopping {
			return m.reject("stop_video")
		}
		m.requestVideoStop(reason)
		return nil
	})
}

func (m *Machine) location() *media.Location {
	loc, ok := m.cfg.Location()
	if !ok {
		return nil
	}
	return &loc
}

func (m *Machine) outputPath(kind media.Kind, id string) string {
	prefix := "IMG"
	if kind == media.KindVideo {
		prefix = "VID"
	}
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("%s_%s_%s%s", prefix, time.Now().Format("20060102_150405"), short, kind.Extension())
	return filepath.Join(m.cfg.CacheDir(), name)
}

func (m *Machine) beginPhoto(returnTo State) {
	m.returnTo = returnTo
	m.setState(StateCapturingPhoto)

	img := m.cfg.Image()
	id := uuid.NewString()
	req := hardware.PhotoRequest{
		ID:               id,
		Path:             m.outputPath(media.KindImage, id),
		JPEGQuality:      img.JPEGQuality,
		HorizontalMirror: img.HorizontalMirror,
		VerticalMirror:   img.VerticalMirror,
		Flash:            m.cfg.Flash(),
		Latency:          img.Latency,
		Location:         m.location(),
	}
	h, ctx := m.handle, m.opCtx
	m.pending++

	go func() {
		var cerr *CaptureError
		meta, err := m.hw.CapturePhoto(ctx, h, req)
		if err != nil {
			cerr = &CaptureError{Op: "capture_photo", Reason: CodePhotoFailed, Err: err}
		} else {
			meta, cerr = m.finalize(ctx, meta)
		}
		m.post(func() { m.onPhoto(meta, cerr) })
	}()
}

// finalize runs off the loop; the router and publisher are safe for
// concurrent use.
func (m *Machine) finalize(ctx context.Context, meta media.FileMetaData) (media.FileMetaData, *CaptureError) {
	target := m.router.Resolve(meta.Kind)
	out, err := m.publisher.Publish(ctx, target, meta)
	if err != nil {
		return meta, &CaptureError{Op: "publish", Reason: CodePublishFailed, Err: err}
	}
	return out, nil
}

func (m *Machine) onPhoto(meta media.FileMetaData, cerr *CaptureError) {
	m.pending--
	if m.lateCompletion("photo", cerr) {
		return
	}
	m.report(func(l Listener) { l.OnPhotoTaken(meta) }, cerr)
	if cerr == nil {
		m.logger.Info("Photo taken",
			capturelog.String("id", meta.ID),
			capturelog.String("uri", meta.URI),
			capturelog.Int64("size", meta.SizeBytes))
	}

	if m.cur == StateCapturingPhoto {
		m.setState(m.returnTo)
	}
	if m.cur == StateAnalyzing && m.detectPending {
		m.detectPending = false
		m.logger.Info("Taking photo for detection seen during capture")
		m.beginPhoto(StateAnalyzing)
	}
	m.maybeFinishClose()
}

// lateCompletion reports whether an operation finished after a forced close.
// Such results are logged and not delivered to the listener.
func (m *Machine) lateCompletion(op string, cerr *CaptureError) bool {
	if m.cur != StateClosed {
		return false
	}
	fields := []capturelog.Field{capturelog.String("op", op)}
	if cerr != nil {
		fields = append(fields, capturelog.Error(cerr))
	}
	m.logger.Debug("Dropping completion after close", fields...)
	return true
}

func (m *Machine) report(success func(Listener), cerr *CaptureError) {
	if cerr != nil {
		m.logger.Error("Capture failed",
			capturelog.String("op", cerr.Op),
			capturelog.String("reason", cerr.Reason),
			capturelog.Error(cerr.Err))
		m.emit(func(l Listener) { l.OnCaptureFailed(cerr) })
		return
	}
	m.emit(success)
}

func (m *Machine) beginVideo() {
	vid := m.cfg.Video()
	rec := &recording{id: uuid.NewString()}
	m.rec = rec
	m.setState(StateRecordingVideo)

	req := hardware.VideoRequest{
		ID:            rec.id,
		Path:          m.outputPath(media.KindVideo, rec.id),
		Quality:       m.tier,
		BitRate:       vid.EncodingBitRate,
		DurationLimit: vid.DurationLimit,
		FileSizeLimit: vid.FileSizeLimit,
		Mirror:        vid.Mirror,
		Location:      m.location(),
	}
	h, ctx := m.handle, m.opCtx
	m.pending++

	onLimit := func(reason hardware.StopReason) {
		m.post(func() { m.onLimit(rec.id, reason) })
	}
	go func() {
		r, err := m.hw.StartVideo(ctx, h, req, onLimit)
		if !m.post(func() { m.onVideoStarted(rec, r, err) }) && err == nil && r != nil {
			_, _ = m.hw.StopVideo(context.Background(), r, hardware.StopSessionClosed)
		}
	}()
}

func (m *Machine) onVideoStarted(rec *recording, r hardware.Recording, err error) {
	m.pending--
	if err != nil {
		if m.rec == rec {
			m.rec = nil
		}
		m.report(nil, &CaptureError{Op: "start_video", Reason: CodeVideoStartFailed, Err: err})
		if m.cur == StateRecordingVideo {
			m.setState(StatePreviewing)
		}
		m.maybeFinishClose()
		return
	}

	if m.rec != rec {
		// The session was force-closed before the recording started.
		go func() {
			_, _ = m.hw.StopVideo(context.Background(), r, hardware.StopSessionClosed)
		}()
		return
	}
	rec.handle = r
	m.logger.Info("Recording started", capturelog.String("id", rec.id), capturelog.Stringer("quality", m.tier))
	if rec.pendingStop != nil {
		m.beginStopVideo(*rec.pendingStop)
	}
}

func (m *Machine) onLimit(id string, reason hardware.StopReason) {
	if m.rec == nil || m.rec.id != id {
		return
	}
	m.logger.Info("Recording limit reached", capturelog.String("id", id), capturelog.Stringer("reason", reason))
	m.requestVideoStop(reason)
}

func (m *Machine) requestVideoStop(reason hardware.StopReason) {
	rec := m.rec
	if rec.handle == nil {
		if rec.pendingStop == nil {
			rec.pendingStop = &reason
		}
		return
	}
	m.beginStopVideo(reason)
}

func (m *Machine) beginStopVideo(reason hardware.StopReason) {
	rec := m.rec
	if rec.stopping {
		return
	}
	rec.stopping = true
	rec.reason = reason
	ctx := m.opCtx
	m.pending++

	go func() {
		var cerr *CaptureError
		meta, err := m.hw.StopVideo(ctx, rec.handle, reason)
		switch {
		case err == nil:
			meta, cerr = m.finalize(ctx, meta)
		case reason.IsLimit() && errors.Is(err, hardware.ErrNoFrames):
			// The cap was hit before the first frame fit; the recording
			// still completes with its limit reason.
			meta = media.FileMetaData{ID: rec.id, Kind: media.KindVideo, ContentType: media.KindVideo.ContentType()}
		default:
			cerr = &CaptureError{Op: "stop_video", Reason: CodeVideoStopFailed, Err: err}
		}
		m.post(func() { m.onVideoStopped(rec, meta, cerr) })
	}()
}

func (m *Machine) onVideoStopped(rec *recording, meta media.FileMetaData, cerr *CaptureError) {
	m.pending--
	if m.rec == rec {
		m.rec = nil
	}
	if m.lateCompletion("video", cerr) {
		return
	}

	res := VideoResult{Meta: meta, Reason: rec.reason}
	if rec.reason.IsLimit() && m.cfg != nil {
		vid := m.cfg.Video()
		res.Limit = &LimitReachedError{
			Reason:        rec.reason,
			DurationLimit: vid.DurationLimit,
			FileSizeLimit: vid.FileSizeLimit,
		}
	}
	m.report(func(l Listener) { l.OnVideoRecorded(res) }, cerr)
	if cerr == nil {
		m.logger.Info("Video recorded",
			capturelog.String("id", meta.ID),
			capturelog.String("uri", meta.URI),
			capturelog.Stringer("reason", rec.reason),
			capturelog.Duration("duration", meta.Duration))
	}

	if m.cur == StateRecordingVideo {
		m.setState(StatePreviewing)
	}
	m.maybeFinishClose()
}

func (m *Machine) startAnalysis() {
	m.lastDetected = false
	m.detectPending = false
	var runner *analyzer.Runner
	runner = analyzer.NewRunner(m.slot, func(res analyzer.Result, err error) {
		m.post(func() { m.onAnalysis(runner, res, err) })
	}, m.logger.Named("analyzer"))
	m.runner = runner
	m.unsubscribe = m.hw.SubscribeFrames(m.handle, func(f media.Frame) {
		runner.Submit(f)
	})
}

func (m *Machine) stopAnalysis() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	if m.runner != nil {
		stats := m.runner.Stats()
		m.runner.Close()
		m.runner = nil
		m.logger.Info("Analysis stopped",
			capturelog.Uint64("submitted", stats.Submitted),
			capturelog.Uint64("processed", stats.Processed),
			capturelog.Uint64("dropped", stats.Dropped))
	}
}

func (m *Machine) onAnalysis(runner *analyzer.Runner, res analyzer.Result, err error) {
	if runner != m.runner {
		return
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Debug("Analyzer error", capturelog.Error(err))
		}
		return
	}
	m.emit(func(l Listener) { l.OnAnalysisTick(res) })

	rising := res.Detected && !m.lastDetected
	m.lastDetected = res.Detected
	if !rising {
		return
	}
	switch m.cur {
	case StateAnalyzing:
		m.logger.Info("Detection, taking photo",
			capturelog.String("label", res.Label),
			capturelog.Float64("confidence", res.Confidence))
		m.beginPhoto(StateAnalyzing)
	case StateCapturingPhoto:
		// At most one detection is held while the previous photo is in flight.
		m.detectPending = true
	}
}

// Stop closes the session from any state and returns once it is Closed.
// With notify, OnSessionClosed follows after the grace period; a later
// Stop(false) inside that window suppresses it.
func (m *Machine) Stop(notify bool) {
	if !m.post(func() { m.beginClose(notify) }) {
		return
	}
	<-m.closed
}

func (m *Machine) beginClose(notify bool) {
	switch m.cur {
	case StateClosed:
		if !notify {
			m.cancelGrace()
		}
		return
	case StateClosing:
		m.notify = m.notify && notify
		return
	}

	m.logger.Info("Stopping session", capturelog.Stringer("state", m.cur), capturelog.Bool("notify", notify))
	m.notify = notify
	m.setState(StateClosing)

	if m.bindCancel != nil {
		m.bindCancel()
	}
	m.stopAnalysis()
	if m.rec != nil {
		m.requestVideoStop(hardware.StopSessionClosed)
	}

	m.stopTimer = time.AfterFunc(m.stopTimeout, func() { m.post(m.forceClose) })
	m.maybeFinishClose()
}

func (m *Machine) maybeFinishClose() {
	if m.cur == StateClosing && m.pending == 0 {
		m.finishClose()
	}
}

func (m *Machine) forceClose() {
	if m.cur != StateClosing {
		return
	}
	m.logger.Warn("Stop timed out, abandoning in-flight operations", capturelog.Int("pending", m.pending))
	m.finishClose()
}

func (m *Machine) finishClose() {
	if m.stopTimer != nil {
		m.stopTimer.Stop()
		m.stopTimer = nil
	}
	m.opCancel()
	m.rec = nil

	if reply := m.startReply; reply != nil {
		m.startReply = nil
		m.failInit(reply, &InitError{Reason: CodeInitCancelled, Err: context.Canceled})
	}
	if m.handle != nil {
		if err := m.hw.Unbind(m.handle); err != nil {
			m.logger.Warn("Failed to unbind camera", capturelog.Error(err))
		}
		m.handle = nil
	}

	m.setState(StateClosed)
	close(m.closed)
	m.logger.Info("Session closed")

	if m.notify {
		m.graceTimer = time.AfterFunc(m.grace, func() { m.post(m.onGraceElapsed) })
		return
	}
	m.shutdown()
}

func (m *Machine) onGraceElapsed() {
	if m.graceTimer == nil {
		return
	}
	m.graceTimer = nil
	m.emit(func(l Listener) { l.OnSessionClosed() })
	m.shutdown()
}

func (m *Machine) cancelGrace() {
	if m.graceTimer == nil {
		return
	}
	m.graceTimer.Stop()
	m.graceTimer = nil
	m.logger.Debug("Pending close notification cancelled")
	m.shutdown()
}

func (m *Machine) shutdown() {
	m.exit = true
	m.events.close()
}
