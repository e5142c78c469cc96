package control

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mikeyg42/capturekit/internal/analyzer"
	"github.com/mikeyg42/capturekit/internal/capture"
	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/hardware"
	"github.com/mikeyg42/capturekit/internal/hardware/synthetic"
	"github.com/mikeyg42/capturekit/internal/media"
	"github.com/mikeyg42/capturekit/internal/session"
	"github.com/mikeyg42/capturekit/internal/storage"
)

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) add(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// waitFor returns the first event matching typ and sessionID (any session
// when sessionID is empty).
func (s *eventSink) waitFor(t *testing.T, typ, sessionID string) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, ev := range s.events {
			if ev.Type == typ && (sessionID == "" || ev.SessionID == sessionID) {
				s.mu.Unlock()
				return ev
			}
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event for session %q", typ, sessionID)
	return Event{}
}

func newTestController(t *testing.T, opts ...Option) (*Controller, *eventSink) {
	t.Helper()
	router := storage.NewRouter(storage.StaticProbe(storage.Capability{
		Platform:       storage.PlatformLegacy,
		PublicMediaDir: t.TempDir(),
	}))
	dev := hardware.NewDevice(&synthetic.Source{Width: 64, Height: 48, FrameRate: 50}, hardware.WithLogger(capturelog.Nop()))

	base := []Option{
		WithLogger(capturelog.Nop()),
		WithDefaults(capture.Spec{CacheDir: t.TempDir(), Mode: "photo"}),
		WithSessionOptions(
			session.WithRouter(router),
			session.WithPublisher(storage.NewPublisher(storage.WithPublisherLogger(capturelog.Nop()))),
			session.WithGracePeriod(10*time.Millisecond),
			session.WithStopTimeout(time.Second),
		),
	}
	c := New(dev, append(base, opts...)...)
	sink := &eventSink{}
	c.Subscribe(sink.add)
	t.Cleanup(func() { c.Teardown(false) })
	return c, sink
}

func waitState(t *testing.T, c *Controller, want session.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.Status().State, want)
}

func TestControllerPhotoSession(t *testing.T) {
	c, events := newTestController(t)
	ctx := context.Background()

	st, err := c.Init(ctx, nil)
	if err != nil {
		t.Fatalf("Failed to init session: %v", err)
	}
	if st.State != session.StatePreviewing || st.Mode != "take_photo" || st.SessionID == "" {
		t.Fatalf("unexpected status after init: %+v", st)
	}
	events.waitFor(t, EventPreviewReady, st.SessionID)

	if err := c.Capture(); err != nil {
		t.Fatalf("Failed to capture: %v", err)
	}
	ev := events.waitFor(t, EventPhotoTaken, st.SessionID)
	if ev.Media == nil || ev.Media.Kind != media.KindImage {
		t.Fatalf("unexpected photo event: %+v", ev)
	}
	if _, err := os.Stat(ev.Media.Path); err != nil {
		t.Fatalf("published photo missing: %v", err)
	}
	waitState(t, c, session.StatePreviewing)

	c.Teardown(true)
	events.waitFor(t, EventSessionClosed, st.SessionID)
	if got := c.Status(); got.State != session.StateIdle || got.SessionID != "" {
		t.Fatalf("unexpected status after teardown: %+v", got)
	}
}

func TestControllerRejectsSecondInit(t *testing.T) {
	c, _ := newTestController(t)
	if _, err := c.Init(context.Background(), nil); err != nil {
		t.Fatalf("Failed to init session: %v", err)
	}
	if _, err := c.Init(context.Background(), nil); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestControllerInvalidSpec(t *testing.T) {
	c, _ := newTestController(t)
	_, err := c.Init(context.Background(), &capture.Spec{Mode: "panorama"})
	var cfgErr *capture.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if st := c.Status(); st.State != session.StateIdle {
		t.Fatalf("state after invalid spec = %s, want idle", st.State)
	}
}

func TestControllerWithoutSession(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.Capture(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Capture: expected ErrNoSession, got %v", err)
	}
	if err := c.StopVideo(hardware.StopUser); !errors.Is(err, ErrNoSession) {
		t.Fatalf("StopVideo: expected ErrNoSession, got %v", err)
	}
	if _, err := c.Pause(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Pause: expected ErrNoSession, got %v", err)
	}
	if _, err := c.Resume(context.Background()); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("Resume: expected ErrNotPaused, got %v", err)
	}
	c.Teardown(true)
}

func TestControllerPauseResume(t *testing.T) {
	c, events := newTestController(t)
	ctx := context.Background()

	first, err := c.Init(ctx, &capture.Spec{Mode: "video"})
	if err != nil {
		t.Fatalf("Failed to init session: %v", err)
	}
	if err := c.Capture(); err != nil {
		t.Fatalf("Failed to start recording: %v", err)
	}
	waitState(t, c, session.StateRecordingVideo)
	time.Sleep(150 * time.Millisecond)

	released, err := c.Pause()
	if err != nil {
		t.Fatalf("Failed to pause: %v", err)
	}
	if !released {
		t.Fatal("expected pause to release the camera")
	}
	ev := events.waitFor(t, EventVideoRecorded, first.SessionID)
	if ev.Reason != hardware.StopLifecycle.String() {
		t.Fatalf("recording stop reason = %q, want lifecycle", ev.Reason)
	}
	if st := c.Status(); !st.Paused || st.Mode != "take_video" {
		t.Fatalf("unexpected paused status: %+v", st)
	}

	second, err := c.Resume(ctx)
	if err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatal("resume should create a fresh session")
	}
	if second.State != session.StatePreviewing || second.Paused {
		t.Fatalf("unexpected status after resume: %+v", second)
	}
	if n := events.count(EventSessionClosed); n != 0 {
		t.Fatalf("pause must not notify session closed, got %d events", n)
	}
}

func TestControllerPersistentRecordingSurvivesPause(t *testing.T) {
	c, events := newTestController(t)

	st, err := c.Init(context.Background(), &capture.Spec{Mode: "video", Video: capture.VideoSpec{Persistent: true}})
	if err != nil {
		t.Fatalf("Failed to init session: %v", err)
	}
	if err := c.Capture(); err != nil {
		t.Fatalf("Failed to start recording: %v", err)
	}
	waitState(t, c, session.StateRecordingVideo)
	time.Sleep(150 * time.Millisecond)

	released, err := c.Pause()
	if err != nil {
		t.Fatalf("Failed to pause: %v", err)
	}
	if released {
		t.Fatal("persistent recording should keep the session running")
	}
	if got := c.Status(); got.State != session.StateRecordingVideo {
		t.Fatalf("state after pause = %s, want recording_video", got.State)
	}

	if err := c.StopVideo(hardware.StopUser); err != nil {
		t.Fatalf("Failed to stop recording: %v", err)
	}
	ev := events.waitFor(t, EventVideoRecorded, st.SessionID)
	if ev.Reason != "user" || ev.Media == nil || ev.Media.SizeBytes == 0 {
		t.Fatalf("unexpected video event: %+v", ev)
	}
}

type countingCloser struct{ n atomic.Int32 }

func (c *countingCloser) Close() error {
	c.n.Add(1)
	return nil
}

func TestControllerAnalyzerFactory(t *testing.T) {
	closer := &countingCloser{}
	var frames atomic.Int32
	factory := func(cfg *capture.Config) (analyzer.Slot, io.Closer, error) {
		return analyzer.Bound(analyzer.Func(func(_ context.Context, f media.Frame) (analyzer.Result, error) {
			frames.Add(1)
			return analyzer.Result{FrameSequence: f.Sequence}, nil
		})), closer, nil
	}
	c, events := newTestController(t, WithAnalyzerFactory(factory))

	st, err := c.Init(context.Background(), &capture.Spec{Mode: "analysis"})
	if err != nil {
		t.Fatalf("Failed to init session: %v", err)
	}
	if st.State != session.StateAnalyzing {
		t.Fatalf("state = %s, want analyzing", st.State)
	}
	events.waitFor(t, EventAnalysisTick, st.SessionID)
	if frames.Load() == 0 {
		t.Fatal("analyzer never ran")
	}
	if n := events.count(EventPhotoTaken); n != 0 {
		t.Fatalf("no detection should not capture, got %d photos", n)
	}

	c.Teardown(false)
	if n := closer.n.Load(); n != 1 {
		t.Fatalf("analyzer closed %d times, want 1", n)
	}
}

func TestControllerAnalyzerFactoryError(t *testing.T) {
	factory := func(*capture.Config) (analyzer.Slot, io.Closer, error) {
		return analyzer.Empty(), nil, errors.New("no cascade")
	}
	c, _ := newTestController(t, WithAnalyzerFactory(factory))
	if _, err := c.Init(context.Background(), &capture.Spec{Mode: "analysis"}); err == nil {
		t.Fatal("expected analyzer error")
	}
	if st := c.Status(); st.State != session.StateIdle {
		t.Fatalf("state = %s, want idle", st.State)
	}
}
