// Package telescope owns the hardware during a job: the per-task
// pointing/capture driver and the long-running maintenance managers
// that borrow the mount between jobs.
package telescope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/citra-space/citrascope/internal/cache"
	"github.com/citra-space/citrascope/internal/dispatch"
	"github.com/citra-space/citrascope/internal/ephemeris"
	"github.com/citra-space/citrascope/internal/hardware"
	"github.com/citra-space/citrascope/internal/location"
	"github.com/citra-space/citrascope/internal/queue"
	"github.com/citra-space/citrascope/internal/safety"
	"github.com/citra-space/citrascope/internal/task"
)

const (
	// Pointing loop bounds. The outer loop re-slews until the mount is
	// close enough to the moving target; the inner loop is the
	// fixed-point slew-duration estimator.
	maxPointingAttempts = 10
	maxLeadIterations   = 5
	leadConvergence     = 100 * time.Millisecond

	captureThresholdDeg = 0.3
	defaultSlewTimeout  = 5 * time.Minute
	defaultSlewRateDegS = 1.0

	movingPollInterval = 100 * time.Millisecond
)

// SatelliteFetcher is the slice of the dispatch client the driver needs.
type SatelliteFetcher interface {
	Satellite(ctx context.Context, id string) (*dispatch.Satellite, error)
}

// Gate is the safety monitor's pre-action question.
type Gate interface {
	IsActionSafe(kind string, params map[string]any) bool
}

// DriverConfig carries the driver's collaborators and tuning. Cache,
// Gate and Site are optional.
type DriverConfig struct {
	Site         location.Service
	Cache        cache.Store
	CacheTTL     time.Duration
	Gate         Gate
	ExposureS    float64
	SlewRateDegS float64
	SlewTimeout  time.Duration
}

// Driver runs one observation task end to end: satellite lookup, lead
// pointing, capture. It returns the captured file paths and leaves
// queue hand-off to the pipeline.
type Driver struct {
	api     SatelliteFetcher
	adapter hardware.Adapter
	source  ephemeris.Source
	cfg     DriverConfig
	log     *slog.Logger

	now func() time.Time
}

// NewDriver wires a driver. Zero-value tuning fields get defaults.
func NewDriver(api SatelliteFetcher, adapter hardware.Adapter, source ephemeris.Source, cfg DriverConfig) *Driver {
	if cfg.ExposureS <= 0 {
		cfg.ExposureS = 1
	}
	if cfg.SlewRateDegS <= 0 {
		cfg.SlewRateDegS = defaultSlewRateDegS
	}
	if cfg.SlewTimeout <= 0 {
		cfg.SlewTimeout = defaultSlewTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 6 * time.Hour
	}
	return &Driver{
		api:     api,
		adapter: adapter,
		source:  source,
		cfg:     cfg,
		log:     slog.With("component", "driver"),
		now:     time.Now,
	}
}

// Execute runs the full tracking-mode job for one task.
func (d *Driver) Execute(ctx context.Context, t *task.Task) ([]string, error) {
	if t.Cancelled() {
		return nil, queue.ErrCancelled
	}

	sat, err := d.fetchSatellite(ctx, t.SatelliteID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch satellite %s: %w", t.SatelliteID, err)
	}

	if t.AssignedFilterName != "" {
		if fc, ok := d.adapter.(hardware.FilterController); ok {
			if err := fc.SelectFiltersForTask(t); err != nil {
				return nil, fmt.Errorf("failed to select filter %s: %w", t.AssignedFilterName, err)
			}
		}
	}

	// Orchestrator-backed adapters own the whole sequence.
	if d.adapter.Strategy() == hardware.StrategySequenceToController {
		sc, ok := d.adapter.(hardware.SequenceController)
		if !ok {
			return nil, fmt.Errorf("adapter declares sequence strategy but implements no sequence controller")
		}
		t.SetStatus("Running controller sequence...")
		return sc.PerformObservationSequence(ctx, t, sat)
	}

	elset := sat.LatestElset()
	if elset == nil {
		return nil, fmt.Errorf("satellite %s has no elsets", t.SatelliteID)
	}
	var site location.Site
	if d.cfg.Site != nil {
		site = d.cfg.Site.Site()
	}
	eph, err := d.source.FromElset(elset, site)
	if err != nil {
		return nil, fmt.Errorf("failed to build ephemeris: %w", err)
	}

	for attempt := 1; attempt <= maxPointingAttempts; attempt++ {
		if t.Cancelled() {
			return nil, queue.ErrCancelled
		}

		curRA, curDec, err := d.adapter.TelescopeDirection()
		if err != nil {
			return nil, fmt.Errorf("failed to read pointing: %w", err)
		}
		targetRA, targetDec, err := d.leadPoint(eph, curRA, curDec)
		if err != nil {
			return nil, err
		}

		t.SetStatus(fmt.Sprintf("Slewing to lead point (attempt %d)...", attempt))
		if err := d.slew(ctx, targetRA, targetDec); err != nil {
			return nil, err
		}
		if t.Cancelled() {
			return nil, queue.ErrCancelled
		}

		pointRA, pointDec, err := d.adapter.TelescopeDirection()
		if err != nil {
			return nil, fmt.Errorf("failed to read pointing after slew: %w", err)
		}
		satRA, satDec, err := eph.Position(d.now())
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate ephemeris: %w", err)
		}
		miss := hardware.AngularDistance(pointRA, pointDec, satRA, satDec)
		if miss > captureThresholdDeg {
			d.log.Debug("target moved during slew, re-pointing",
				"task_id", t.ID, "attempt", attempt, "miss_deg", miss)
			continue
		}

		if d.cfg.Gate != nil && !d.cfg.Gate.IsActionSafe(safety.ProposedCapture, map[string]any{"task_id": t.ID}) {
			return nil, fmt.Errorf("capture vetoed by safety gate")
		}
		t.SetStatus("Capturing...")
		files, err := d.adapter.TakeImage(ctx, t.ID, d.cfg.ExposureS)
		if err != nil {
			return nil, fmt.Errorf("failed to capture: %w", err)
		}
		d.log.Info("capture complete", "task_id", t.ID, "files", len(files), "attempts", attempt)
		return files, nil
	}
	return nil, fmt.Errorf("target still moving after %d pointing attempts", maxPointingAttempts)
}

// leadPoint estimates where to aim so the mount arrives as the target
// does: predict the slew duration, look up the target that far ahead,
// and iterate until the prediction stabilizes.
func (d *Driver) leadPoint(eph ephemeris.Ephemeris, curRA, curDec float64) (float64, float64, error) {
	now := d.now()
	targetRA, targetDec, err := eph.Position(now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to evaluate ephemeris: %w", err)
	}
	predicted := d.slewDuration(curRA, curDec, targetRA, targetDec)

	for i := 0; i < maxLeadIterations; i++ {
		aheadRA, aheadDec, err := eph.Position(now.Add(predicted))
		if err != nil {
			return 0, 0, fmt.Errorf("failed to evaluate ephemeris: %w", err)
		}
		next := d.slewDuration(curRA, curDec, aheadRA, aheadDec)
		targetRA, targetDec = aheadRA, aheadDec
		if absDuration(next-predicted) < leadConvergence {
			break
		}
		predicted = next
	}
	return targetRA, targetDec, nil
}

func (d *Driver) slewDuration(fromRA, fromDec, toRA, toDec float64) time.Duration {
	dist := hardware.AngularDistance(fromRA, fromDec, toRA, toDec)
	return time.Duration(dist / d.cfg.SlewRateDegS * float64(time.Second))
}

// slew points the mount and waits for motion to stop, aborting the slew
// if it outlives the timeout.
func (d *Driver) slew(ctx context.Context, raDeg, decDeg float64) error {
	slewCtx, cancel := context.WithTimeout(ctx, d.cfg.SlewTimeout)
	defer cancel()

	if err := d.adapter.PointTelescope(slewCtx, raDeg, decDeg); err != nil {
		if errors.Is(slewCtx.Err(), context.DeadlineExceeded) {
			if abortErr := d.adapter.AbortSlew(); abortErr != nil {
				d.log.Error("failed to abort timed-out slew", "error", abortErr)
			}
			return fmt.Errorf("slew timed out after %s: %w", d.cfg.SlewTimeout, err)
		}
		return fmt.Errorf("failed to slew: %w", err)
	}

	for {
		moving, err := d.adapter.TelescopeMoving()
		if err != nil {
			return fmt.Errorf("failed to read motion state: %w", err)
		}
		if !moving {
			return nil
		}
		select {
		case <-slewCtx.Done():
			if abortErr := d.adapter.AbortSlew(); abortErr != nil {
				d.log.Error("failed to abort timed-out slew", "error", abortErr)
			}
			return fmt.Errorf("slew timed out after %s", d.cfg.SlewTimeout)
		case <-time.After(movingPollInterval):
		}
	}
}

func (d *Driver) fetchSatellite(ctx context.Context, id string) (*dispatch.Satellite, error) {
	key := cache.Key("satellite", id)
	if d.cfg.Cache != nil {
		if raw, found, err := d.cfg.Cache.Get(ctx, key); err == nil && found {
			var sat dispatch.Satellite
			if json.Unmarshal(raw, &sat) == nil {
				return &sat, nil
			}
		}
	}

	sat, err := d.api.Satellite(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.cfg.Cache != nil {
		if raw, err := json.Marshal(sat); err == nil {
			if err := d.cfg.Cache.Set(ctx, key, raw, d.cfg.CacheTTL); err != nil {
				d.log.Warn("failed to cache satellite record", "satellite_id", id, "error", err)
			}
		}
	}
	return sat, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
