package control

import (
	"time"

	"github.com/mikeyg42/capturekit/internal/analyzer"
	"github.com/mikeyg42/capturekit/internal/media"
	"github.com/mikeyg42/capturekit/internal/session"
)

// Event types published to subscribers.
const (
	EventInitialized   = "initialized"
	EventInitFailed    = "init_failed"
	EventPreviewReady  = "preview_ready"
	EventPhotoTaken    = "photo_taken"
	EventVideoRecorded = "video_recorded"
	EventAnalysisTick  = "analysis_tick"
	EventCaptureFailed = "capture_failed"
	EventStateRejected = "state_rejected"
	EventSessionClosed = "session_closed"
)

// Event is the wire form of a session event.
type Event struct {
	Type      string              `json:"type"`
	SessionID string              `json:"session_id"`
	Time      time.Time           `json:"time"`
	Code      string              `json:"code,omitempty"`
	Message   string              `json:"message,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Media     *media.FileMetaData `json:"media,omitempty"`
	Analysis  *analyzer.Result    `json:"analysis,omitempty"`
}

// sessionEvents converts the callbacks of one session into Events.
type sessionEvents struct {
	id   string
	emit func(Event)
}

var _ session.Listener = (*sessionEvents)(nil)

func (s *sessionEvents) send(ev Event) {
	ev.SessionID = s.id
	ev.Time = time.Now()
	s.emit(ev)
}

func (s *sessionEvents) OnInitialized()   { s.send(Event{Type: EventInitialized}) }
func (s *sessionEvents) OnPreviewReady()  { s.send(Event{Type: EventPreviewReady}) }
func (s *sessionEvents) OnSessionClosed() { s.send(Event{Type: EventSessionClosed}) }

func (s *sessionEvents) OnInitFailed(err *session.InitError) {
	s.send(Event{Type: EventInitFailed, Code: err.Code(), Message: err.Error()})
}

func (s *sessionEvents) OnPhotoTaken(meta media.FileMetaData) {
	s.send(Event{Type: EventPhotoTaken, Media: &meta})
}

func (s *sessionEvents) OnVideoRecorded(res session.VideoResult) {
	ev := Event{Type: EventVideoRecorded, Media: &res.Meta, Reason: res.Reason.String()}
	if res.Limit != nil {
		ev.Code = res.Limit.Code()
		ev.Message = res.Limit.Error()
	}
	s.send(ev)
}

func (s *sessionEvents) OnAnalysisTick(res analyzer.Result) {
	s.send(Event{Type: EventAnalysisTick, Analysis: &res})
}

func (s *sessionEvents) OnCaptureFailed(err *session.CaptureError) {
	s.send(Event{Type: EventCaptureFailed, Code: err.Code(), Message: err.Error()})
}

func (s *sessionEvents) OnStateRejected(err *session.StateError) {
	s.send(Event{Type: EventStateRejected, Code: err.Code(), Message: err.Error()})
}
