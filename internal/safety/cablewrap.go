package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/citra-space/citrascope/internal/hardware"
)

// WrapStateFile is the on-disk name of the persisted cumulative angle.
const WrapStateFile = "cable_wrap.json"

// ErrUnwindActive guards the unwind against re-entry.
var ErrUnwindActive = errors.New("cable unwind already running")

// AzimuthSource supplies azimuth readings; usually the mount cache.
type AzimuthSource interface {
	Azimuth() (float64, error)
}

// UnwindMount is the minimal motion surface the unwind needs. Direction
// feeds the forensic log only; a read failure there is ignored.
type UnwindMount interface {
	StartAzimuthMotion(rateDegS float64) error
	StopMotion() error
	Direction() (raDeg, decDeg float64, err error)
}

// CableWrapOptions tunes the check. Zero values take the operational
// defaults.
type CableWrapOptions struct {
	SoftLimitDeg   float64       // QUEUE_STOP threshold, default 180
	HardLimitDeg   float64       // EMERGENCY threshold, default 270
	SlewMarginDeg  float64       // slew veto headroom, default 10
	UnwindRateDegS float64       // default 4
	SampleInterval time.Duration // unwind sampling, default 500 ms
}

// CableWrap accumulates signed azimuth rotation so cables wrapped around
// an alt-az pier stay within bounds. Every tick reads the azimuth, adds
// the wrapped shortest arc from the previous reading, and persists the
// total. One full slew can add up to ~180 degrees of wrap, which is why
// the slew gate keeps a margin below the soft limit.
type CableWrap struct {
	source   AzimuthSource
	mount    UnwindMount
	stateDir string
	opts     CableWrapOptions
	log      *slog.Logger

	mu         sync.Mutex
	cumulative float64
	lastAz     float64
	hasLast    bool
	unwinding  bool
}

// NewCableWrap loads the persisted cumulative angle from stateDir. A
// missing state file logs a warning and starts from zero. mount may be
// nil when the adapter cannot drive azimuth directly; the check then
// tracks and gates but cannot unwind.
func NewCableWrap(source AzimuthSource, mount UnwindMount, stateDir string, opts CableWrapOptions) *CableWrap {
	if opts.SoftLimitDeg <= 0 {
		opts.SoftLimitDeg = 180
	}
	if opts.HardLimitDeg <= 0 {
		opts.HardLimitDeg = 270
	}
	if opts.SlewMarginDeg <= 0 {
		opts.SlewMarginDeg = 10
	}
	if opts.UnwindRateDegS <= 0 {
		opts.UnwindRateDegS = 4
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 500 * time.Millisecond
	}

	c := &CableWrap{
		source:   source,
		mount:    mount,
		stateDir: stateDir,
		opts:     opts,
		log:      slog.With("component", "cablewrap"),
	}

	cum, err := loadWrapState(stateDir)
	if err != nil {
		c.log.Warn("no cable wrap state on disk, starting from zero; operator should verify cables are unwound", "error", err)
	} else {
		c.cumulative = cum
	}
	return c
}

func (c *CableWrap) Name() string { return "cable_wrap" }

// Check reads the azimuth, accumulates the wrapped delta, persists, and
// classifies. While an unwind runs it reports QUEUE_STOP without
// touching the accumulator, so the watchdog does not fight the unwind
// with an abort.
func (c *CableWrap) Check() (Action, error) {
	c.mu.Lock()
	if c.unwinding {
		c.mu.Unlock()
		return ActionQueueStop, nil
	}
	c.mu.Unlock()

	az, err := c.source.Azimuth()
	if err != nil {
		return ActionQueueStop, fmt.Errorf("azimuth read: %w", err)
	}

	c.mu.Lock()
	if c.hasLast {
		c.cumulative += hardware.WrappedDelta(c.lastAz, az)
	}
	c.lastAz = az
	c.hasLast = true
	cum := c.cumulative
	c.mu.Unlock()

	c.persist(cum)
	return c.classify(cum), nil
}

func (c *CableWrap) classify(cum float64) Action {
	abs := math.Abs(cum)
	switch {
	case abs >= c.opts.HardLimitDeg:
		return ActionEmergency
	case abs >= c.opts.SoftLimitDeg:
		return ActionQueueStop
	default:
		return ActionSafe
	}
}

// CheckProposedAction vetoes new slews when the remaining headroom to
// the soft limit is below the margin.
func (c *CableWrap) CheckProposedAction(kind string, _ map[string]any) (bool, error) {
	if kind != ProposedSlew {
		return true, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unwinding {
		return false, nil
	}
	headroom := c.opts.SoftLimitDeg - math.Abs(c.cumulative)
	return headroom >= c.opts.SlewMarginDeg, nil
}

// ExecuteAction runs the directional unwind: continuous motion opposite
// the accumulated rotation, sampled until convergence, budget
// exhaustion, stall, or a failed read. On every exit motion stops and
// the accumulator resets to zero.
func (c *CableWrap) ExecuteAction(ctx context.Context) error {
	c.mu.Lock()
	if c.unwinding {
		c.mu.Unlock()
		return ErrUnwindActive
	}
	if c.mount == nil {
		c.mu.Unlock()
		return fmt.Errorf("mount cannot drive azimuth, unwind unavailable")
	}
	c.unwinding = true
	cum := c.cumulative
	prevAz := c.lastAz
	seeded := c.hasLast
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.unwinding = false
		c.cumulative = 0
		c.hasLast = false
		c.mu.Unlock()
		c.persist(0)
	}()

	if !seeded {
		az, err := c.source.Azimuth()
		if err != nil {
			return fmt.Errorf("azimuth read before unwind: %w", err)
		}
		prevAz = az
	}

	rate := c.opts.UnwindRateDegS
	if cum > 0 {
		rate = -rate
	}
	c.log.Info("starting cable unwind", "cumulative", cum, "rate", rate)
	if err := c.mount.StartAzimuthMotion(rate); err != nil {
		return fmt.Errorf("failed to start unwind motion: %w", err)
	}
	defer func() {
		if err := c.mount.StopMotion(); err != nil {
			c.log.Error("failed to stop unwind motion", "error", err)
		}
	}()

	var travel float64
	stallRun := 0
	for {
		select {
		case <-ctx.Done():
			c.log.Warn("unwind cancelled", "cumulative", cum, "travel", travel)
			return ctx.Err()
		case <-time.After(c.opts.SampleInterval):
		}

		az, err := c.source.Azimuth()
		if err != nil {
			c.log.Warn("unwind stopping, azimuth read failed", "error", err, "travel", travel)
			return nil
		}

		d := hardware.WrappedDelta(prevAz, az)
		prevAz = az
		travel += math.Abs(d)
		cum += d
		c.mu.Lock()
		c.cumulative = cum
		c.mu.Unlock()

		if ra, dec, derr := c.mount.Direction(); derr == nil {
			c.log.Info("unwinding", "cumulative", cum, "travel", travel, "ra", ra, "dec", dec)
		}

		// Stall detection must use wrapped arcs: raw spans straddling
		// 0/360 would look like motion when the mount is stuck.
		if math.Abs(d) < 1 {
			stallRun++
		} else {
			stallRun = 0
		}

		switch {
		case math.Abs(cum) <= 5:
			c.log.Info("unwind converged", "cumulative", cum, "travel", travel)
			return nil
		case travel > 360:
			c.log.Warn("unwind travel budget exhausted", "cumulative", cum, "travel", travel)
			return nil
		case stallRun >= 3:
			c.log.Warn("unwind stalled", "cumulative", cum, "travel", travel)
			return nil
		}
	}
}

// Reset zeroes the accumulator on operator request.
func (c *CableWrap) Reset() {
	c.mu.Lock()
	c.cumulative = 0
	c.hasLast = false
	c.mu.Unlock()
	c.persist(0)
	c.log.Info("cable wrap accumulator reset")
}

// Cumulative returns the current accumulated angle.
func (c *CableWrap) Cumulative() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cumulative
}

// Unwinding reports whether an unwind is in progress.
func (c *CableWrap) Unwinding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unwinding
}

func (c *CableWrap) Status() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := map[string]any{
		"cumulative_deg":  c.cumulative,
		"soft_limit_deg":  c.opts.SoftLimitDeg,
		"hard_limit_deg":  c.opts.HardLimitDeg,
		"slew_margin_deg": c.opts.SlewMarginDeg,
		"unwinding":       c.unwinding,
	}
	if c.hasLast {
		st["last_azimuth_deg"] = c.lastAz
	}
	return st
}

// ============================================================================
// PERSISTENCE — cable_wrap.json, rewritten on every tick
// ============================================================================

type wrapState struct {
	CumulativeDeg float64 `json:"cumulative_deg"`
}

func loadWrapState(dir string) (float64, error) {
	raw, err := os.ReadFile(filepath.Join(dir, WrapStateFile))
	if err != nil {
		return 0, err
	}
	var st wrapState
	if err := json.Unmarshal(raw, &st); err != nil {
		return 0, err
	}
	return st.CumulativeDeg, nil
}

// persist writes outside the accumulator lock. A full disk logs and
// continues with the stale on-disk value.
func (c *CableWrap) persist(cum float64) {
	raw, err := json.Marshal(wrapState{CumulativeDeg: cum})
	if err != nil {
		return
	}
	if err := os.MkdirAll(c.stateDir, 0o755); err != nil {
		c.log.Warn("failed to persist cable wrap state", "error", err)
		return
	}
	tmp := filepath.Join(c.stateDir, WrapStateFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		c.log.Warn("failed to persist cable wrap state", "error", err)
		return
	}
	if err := os.Rename(tmp, filepath.Join(c.stateDir, WrapStateFile)); err != nil {
		c.log.Warn("failed to persist cable wrap state", "error", err)
	}
}

var (
	_ Check        = (*CableWrap)(nil)
	_ ActionVetoer = (*CableWrap)(nil)
	_ Corrective   = (*CableWrap)(nil)
	_ Resettable   = (*CableWrap)(nil)
	_ Reporter     = (*CableWrap)(nil)
)
