package session

import (
	"sync"

	"github.com/mikeyg42/capturekit/internal/analyzer"
	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/hardware"
	"github.com/mikeyg42/capturekit/internal/media"
)

// Listener receives session events. Calls are made one at a time, in the
// order the events happened, from a goroutine owned by the machine. Once
// the session is Closed only OnSessionClosed may follow.
type Listener interface {
	OnInitialized()
	OnInitFailed(err *InitError)
	OnPreviewReady()
	OnPhotoTaken(meta media.FileMetaData)
	OnVideoRecorded(res VideoResult)
	OnAnalysisTick(res analyzer.Result)
	OnCaptureFailed(err *CaptureError)
	OnStateRejected(err *StateError)
	OnSessionClosed()
}

// VideoResult is a finished recording and why it stopped. Limit is set when
// the recording ended on a duration or size cap.
type VideoResult struct {
	Meta   media.FileMetaData
	Reason hardware.StopReason
	Limit  *LimitReachedError
}

// Handlers implements Listener with optional callbacks. Nil fields are
// skipped.
type Handlers struct {
	Initialized   func()
	InitFailed    func(err *InitError)
	PreviewReady  func()
	PhotoTaken    func(meta media.FileMetaData)
	VideoRecorded func(res VideoResult)
	AnalysisTick  func(res analyzer.Result)
	CaptureFailed func(err *CaptureError)
	StateRejected func(err *StateError)
	SessionClosed func()
}

var _ Listener = Handlers{}

func (h Handlers) OnInitialized() {
	if h.Initialized != nil {
		h.Initialized()
	}
}

func (h Handlers) OnInitFailed(err *InitError) {
	if h.InitFailed != nil {
		h.InitFailed(err)
	}
}

func (h Handlers) OnPreviewReady() {
	if h.PreviewReady != nil {
		h.PreviewReady()
	}
}

func (h Handlers) OnPhotoTaken(meta media.FileMetaData) {
	if h.PhotoTaken != nil {
		h.PhotoTaken(meta)
	}
}

func (h Handlers) OnVideoRecorded(res VideoResult) {
	if h.VideoRecorded != nil {
		h.VideoRecorded(res)
	}
}

func (h Handlers) OnAnalysisTick(res analyzer.Result) {
	if h.AnalysisTick != nil {
		h.AnalysisTick(res)
	}
}

func (h Handlers) OnCaptureFailed(err *CaptureError) {
	if h.CaptureFailed != nil {
		h.CaptureFailed(err)
	}
}

func (h Handlers) OnStateRejected(err *StateError) {
	if h.StateRejected != nil {
		h.StateRejected(err)
	}
}

func (h Handlers) OnSessionClosed() {
	if h.SessionClosed != nil {
		h.SessionClosed()
	}
}

// dispatcher delivers events on its own goroutine so a slow listener never
// stalls the state machine. The queue is unbounded.
type dispatcher struct {
	listener Listener
	logger   capturelog.Logger

	mu     sync.Mutex
	queue  []func(Listener)
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher(l Listener, logger capturelog.Logger) *dispatcher {
	if l == nil {
		l = Handlers{}
	}
	d := &dispatcher{
		listener: l,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) emit(fn func(Listener)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	d.signal()
}

// close delivers what is queued, then stops.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-d.wake
			continue
		}
		for _, fn := range batch {
			d.deliver(fn)
		}
	}
}

func (d *dispatcher) deliver(fn func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Listener panicked", capturelog.Any("panic", r))
		}
	}()
	fn(d.listener)
}
