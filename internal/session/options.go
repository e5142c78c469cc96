package session

import (
	"context"
	"time"

	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/media"
	"github.com/mikeyg42/capturekit/internal/storage"
)

const (
	DefaultGracePeriod = 500 * time.Millisecond
	DefaultStopTimeout = 3 * time.Second
)

// Publisher moves a finished capture to its store target.
type Publisher interface {
	Publish(ctx context.Context, target storage.Target, meta media.FileMetaData) (media.FileMetaData, error)
}

// Option configures a Machine.
type Option func(*Machine)

// WithRouter sets the store target router. The process-wide router is used
// otherwise.
func WithRouter(r *storage.Router) Option {
	return func(m *Machine) {
		if r != nil {
			m.router = r
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(m *Machine) {
		if p != nil {
			m.publisher = p
		}
	}
}

func WithListener(l Listener) Option {
	return func(m *Machine) { m.listener = l }
}

func WithLogger(l capturelog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithGracePeriod sets how long after Stop(true) the SessionClosed event is
// delivered.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Machine) {
		if d >= 0 {
			m.grace = d
		}
	}
}

// WithStopTimeout bounds how long Stop waits for in-flight hardware work
// before cancelling it.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.stopTimeout = d
		}
	}
}
