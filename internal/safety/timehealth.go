package safety

import (
	"math"
	"sync"
	"time"
)

// TimeSource reports the system clock's offset from reference time.
type TimeSource interface {
	Offset() (time.Duration, error)
}

// TimeHealth pauses the queue when the system clock drifts past the
// configured threshold. The threshold is inclusive on the failing side.
type TimeHealth struct {
	source    TimeSource
	threshold time.Duration

	mu         sync.Mutex
	lastOffset time.Duration
	hasOffset  bool
}

func NewTimeHealth(source TimeSource, pauseThreshold time.Duration) *TimeHealth {
	return &TimeHealth{source: source, threshold: pauseThreshold}
}

func (t *TimeHealth) Name() string { return "time_health" }

func (t *TimeHealth) Check() (Action, error) {
	offset, err := t.source.Offset()
	if err != nil {
		return ActionQueueStop, err
	}
	t.mu.Lock()
	t.lastOffset = offset
	t.hasOffset = true
	t.mu.Unlock()

	if absDuration(offset) >= t.threshold {
		return ActionQueueStop, nil
	}
	return ActionSafe, nil
}

func (t *TimeHealth) Status() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := map[string]any{"pause_threshold_s": t.threshold.Seconds()}
	if t.hasOffset {
		st["offset_s"] = t.lastOffset.Seconds()
	}
	return st
}

func absDuration(d time.Duration) time.Duration {
	return time.Duration(math.Abs(float64(d)))
}

var (
	_ Check    = (*TimeHealth)(nil)
	_ Reporter = (*TimeHealth)(nil)
)
