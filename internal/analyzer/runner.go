package analyzer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/media"
)

// DeliverFunc receives each completed analysis.
type DeliverFunc func(Result, error)

// Runner feeds frames to one analyzer without blocking the caller. While an
// analysis is in flight, newly submitted frames are dropped.
type Runner struct {
	analyzer Analyzer
	deliver  DeliverFunc
	logger   capturelog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	busy   atomic.Bool
	closed atomic.Bool
	wg     sync.WaitGroup

	stats RunnerStats
}

// RunnerStats counts frames seen by a Runner.
type RunnerStats struct {
	Submitted atomic.Uint64
	Processed atomic.Uint64
	Dropped   atomic.Uint64
	Failed    atomic.Uint64
}

// Snapshot is a point-in-time copy of RunnerStats.
type Snapshot struct {
	Submitted uint64
	Processed uint64
	Dropped   uint64
	Failed    uint64
}

func NewRunner(slot Slot, deliver DeliverFunc, logger capturelog.Logger) *Runner {
	if logger == nil {
		logger = capturelog.L().Named("analyzer")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		analyzer: slot.Analyzer(),
		deliver:  deliver,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit hands frame to the analyzer. It returns false when the frame was
// dropped because an analysis is pending or the runner is closed.
func (r *Runner) Submit(frame media.Frame) bool {
	r.stats.Submitted.Add(1)
	if r.closed.Load() {
		r.stats.Dropped.Add(1)
		return false
	}
	if !r.busy.CompareAndSwap(false, true) {
		r.stats.Dropped.Add(1)
		return false
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.busy.Store(false)

		start := time.Now()
		res, err := r.analyzer.ProcessFrame(r.ctx, frame)
		if err != nil {
			r.stats.Failed.Add(1)
			r.logger.Debug("Frame analysis failed",
				capturelog.Int64("sequence", frame.Sequence),
				capturelog.Error(err))
		} else {
			r.stats.Processed.Add(1)
		}
		res.FrameSequence = frame.Sequence
		res.FrameTime = frame.Timestamp
		res.Latency = time.Since(start)

		if r.closed.Load() || r.deliver == nil {
			return
		}
		r.deliver(res, err)
	}()
	return true
}

// Close stops delivering results and cancels a pending analysis. It does not
// wait; use Wait for that.
func (r *Runner) Close() {
	if r.closed.CompareAndSwap(false, true) {
		r.cancel()
	}
}

// Wait blocks until a pending analysis has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) Stats() Snapshot {
	return Snapshot{
		Submitted: r.stats.Submitted.Load(),
		Processed: r.stats.Processed.Load(),
		Dropped:   r.stats.Dropped.Load(),
		Failed:    r.stats.Failed.Load(),
	}
}
