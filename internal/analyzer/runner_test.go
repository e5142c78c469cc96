package analyzer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/media"
)

type blockingAnalyzer struct {
	started chan int64
	release chan struct{}
}

func (a *blockingAnalyzer) ProcessFrame(ctx context.Context, f media.Frame) (Result, error) {
	a.started <- f.Sequence
	select {
	case <-a.release:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	return Result{Detected: true, Label: "face"}, nil
}

func TestRunnerDropsFramesWhileBusy(t *testing.T) {
	a := &blockingAnalyzer{started: make(chan int64, 4), release: make(chan struct{})}
	results := make(chan Result, 4)
	r := NewRunner(Bound(a), func(res Result, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		results <- res
	}, capturelog.Nop())
	defer r.Close()

	if !r.Submit(media.Frame{Sequence: 1}) {
		t.Fatal("first frame should be accepted")
	}
	if seq := <-a.started; seq != 1 {
		t.Fatalf("analyzer started on frame %d", seq)
	}
	if r.Submit(media.Frame{Sequence: 2}) {
		t.Fatal("second frame should be dropped while the first is pending")
	}

	close(a.release)

	select {
	case res := <-results:
		if res.FrameSequence != 1 || !res.Detected {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}
	r.Wait()

	select {
	case res := <-results:
		t.Fatalf("unexpected extra result %+v", res)
	default:
	}

	stats := r.Stats()
	if stats.Submitted != 2 || stats.Dropped != 1 || stats.Processed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEmptySlotNeverDetects(t *testing.T) {
	slot := Empty()
	if !slot.IsEmpty() {
		t.Fatal("Empty slot reports bound")
	}
	res, err := slot.Analyzer().ProcessFrame(context.Background(), media.Frame{Sequence: 7})
	if err != nil || res.Detected {
		t.Fatalf("empty analyzer returned %+v, %v", res, err)
	}
	if !Bound(nil).IsEmpty() {
		t.Fatal("Bound(nil) should be empty")
	}
}

func TestRunnerDeliversErrors(t *testing.T) {
	boom := errors.New("model not loaded")
	got := make(chan error, 1)
	r := NewRunner(Bound(Func(func(context.Context, media.Frame) (Result, error) {
		return Result{}, boom
	})), func(_ Result, err error) { got <- err }, capturelog.Nop())
	defer r.Close()

	r.Submit(media.Frame{Sequence: 1})

	select {
	case err := <-got:
		if !errors.Is(err, boom) {
			t.Fatalf("got %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error not delivered")
	}
	r.Wait()
	if r.Stats().Failed != 1 {
		t.Fatalf("failed count = %d", r.Stats().Failed)
	}
}

func TestClosedRunnerRejectsFrames(t *testing.T) {
	r := NewRunner(Empty(), func(Result, error) { t.Error("delivered after close") }, capturelog.Nop())
	r.Close()
	if r.Submit(media.Frame{Sequence: 1}) {
		t.Fatal("closed runner accepted a frame")
	}
	r.Wait()
}
