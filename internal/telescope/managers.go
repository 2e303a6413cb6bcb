package telescope

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/citra-space/citrascope/internal/config"
	"github.com/citra-space/citrascope/internal/hardware"
)

// IdleChecker tells a manager whether the imaging queue is quiescent.
type IdleChecker interface {
	IsIdle() bool
}

// Manager runs one long hardware routine (autofocus, alignment, homing)
// only in the gaps between imaging jobs. The scheduler's runner calls
// CheckAndExecute between dequeued tasks.
type Manager struct {
	name    string
	idle    IdleChecker
	routine func(ctx context.Context, progress func(string)) error
	persist func()
	// autoRequest lets scheduled autofocus treat an elapsed interval as
	// an operator request.
	autoRequest func() bool
	log         *slog.Logger

	mu        sync.Mutex
	requested bool
	running   bool
	progress  string
	cancel    context.CancelFunc
}

func newManager(name string, idle IdleChecker, routine func(context.Context, func(string)) error) *Manager {
	return &Manager{
		name:     name,
		idle:     idle,
		routine:  routine,
		log:      slog.With("component", "manager", "manager", name),
		progress: "idle",
	}
}

// Name returns the manager's identity for status endpoints.
func (m *Manager) Name() string { return m.name }

// Request asks for one run at the next quiescence window.
func (m *Manager) Request() {
	m.mu.Lock()
	m.requested = true
	m.mu.Unlock()
	m.log.Info("run requested")
}

// Cancel withdraws a pending request and interrupts a running routine.
func (m *Manager) Cancel() {
	m.mu.Lock()
	m.requested = false
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		m.log.Info("running routine cancelled")
	}
}

// IsRequested reports whether a run is pending.
func (m *Manager) IsRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requested
}

// IsRunning reports whether the routine is executing right now.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Progress returns the routine's last human-readable progress line.
func (m *Manager) Progress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// Busy reports running-or-requested, the scheduler's yield condition.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running || m.requested
}

func (m *Manager) setProgress(msg string) {
	m.mu.Lock()
	m.progress = msg
	m.mu.Unlock()
}

// CheckAndExecute runs the routine if it was requested (or is due, for
// scheduled autofocus) and the imaging queue is idle. A request that
// finds the queue busy is re-armed for the next call. Returns whether
// the routine ran.
func (m *Manager) CheckAndExecute(ctx context.Context) bool {
	m.mu.Lock()
	requested := m.requested
	m.requested = false
	m.mu.Unlock()

	if !requested {
		if m.autoRequest == nil || !m.autoRequest() {
			return false
		}
		m.log.Info("scheduled run due")
	}

	if m.idle != nil && !m.idle.IsIdle() {
		m.mu.Lock()
		m.requested = true
		m.mu.Unlock()
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.running = true
	m.cancel = cancel
	m.progress = "starting"
	m.mu.Unlock()

	m.log.Info("routine starting")
	err := m.routine(runCtx, m.setProgress)
	cancel()

	m.mu.Lock()
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if err != nil {
		m.log.Error("routine failed", "error", err)
		m.setProgress(fmt.Sprintf("failed: %v", err))
		return true
	}
	m.setProgress("done")
	m.log.Info("routine complete")
	if m.persist != nil {
		m.persist()
	}
	return true
}

// Managers bundles the three maintenance routines.
type Managers struct {
	Autofocus *Manager
	Alignment *Manager
	Homing    *Manager
}

// All returns the managers in scheduler-check order.
func (ms *Managers) All() []*Manager {
	return []*Manager{ms.Autofocus, ms.Alignment, ms.Homing}
}

// AnyBusy reports whether any manager is running or requested.
func (ms *Managers) AnyBusy() bool {
	for _, m := range ms.All() {
		if m.Busy() {
			return true
		}
	}
	return false
}

// CheckAndExecute runs the first manager that is due, blocking until it
// finishes. Returns true when a routine ran, so the caller can skip the
// rest of its cycle.
func (ms *Managers) CheckAndExecute(ctx context.Context) bool {
	for _, m := range ms.All() {
		if m.CheckAndExecute(ctx) {
			return true
		}
	}
	return false
}

// ByName looks a manager up for the operator API.
func (ms *Managers) ByName(name string) *Manager {
	for _, m := range ms.All() {
		if m.name == name {
			return m
		}
	}
	return nil
}

// NewManagers builds the autofocus, alignment, and homing managers over
// one adapter. Completion timestamps persist under stateDir so
// scheduled autofocus survives restarts.
func NewManagers(adapter hardware.Adapter, idle IdleChecker, settings *config.Manager, stateDir string) *Managers {
	now := time.Now

	persistEpoch := func(set func(*config.State, int64)) func() {
		return func() {
			st, err := config.LoadState(stateDir)
			if err != nil {
				slog.Warn("failed to load state for manager timestamp", "error", err)
				st = &config.State{}
			}
			set(st, now().Unix())
			if err := config.SaveState(stateDir, st); err != nil {
				slog.Warn("failed to persist manager timestamp", "error", err)
			}
		}
	}

	autofocus := newManager("autofocus", idle, func(ctx context.Context, progress func(string)) error {
		af, ok := adapter.(hardware.Autofocuser)
		if !ok {
			return fmt.Errorf("adapter does not support autofocus")
		}
		ra, dec, name := ResolveAutofocusTarget(settings.Get().Autofocus)
		progress("slewing to " + name)
		if err := adapter.PointTelescope(ctx, ra, dec); err != nil {
			return fmt.Errorf("failed to slew to focus target: %w", err)
		}
		return af.DoAutofocus(ctx, ra, dec, progress)
	})
	autofocus.persist = persistEpoch(func(st *config.State, epoch int64) { st.LastAutofocusUnix = epoch })
	autofocus.autoRequest = func() bool {
		cfg := settings.Get().Autofocus
		if !cfg.ScheduledEnabled {
			return false
		}
		if _, ok := adapter.(hardware.Autofocuser); !ok {
			return false
		}
		st, err := config.LoadState(stateDir)
		if err != nil {
			return false
		}
		interval := time.Duration(cfg.IntervalS) * time.Second
		return now().Sub(time.Unix(st.LastAutofocusUnix, 0)) >= interval
	}

	alignment := newManager("alignment", idle, func(ctx context.Context, progress func(string)) error {
		syncer, ok := adapter.(hardware.ManualSyncer)
		if !ok {
			return fmt.Errorf("adapter does not support pointing sync")
		}
		ra, dec, name := ResolveAutofocusTarget(settings.Get().Autofocus)
		progress("slewing to " + name)
		if err := adapter.PointTelescope(ctx, ra, dec); err != nil {
			return fmt.Errorf("failed to slew to alignment target: %w", err)
		}
		progress("syncing pointing model")
		return syncer.SyncTo(ra, dec)
	})
	alignment.persist = persistEpoch(func(st *config.State, epoch int64) { st.LastAlignmentUnix = epoch })

	homing := newManager("homing", idle, func(ctx context.Context, progress func(string)) error {
		homer, ok := adapter.(hardware.Homer)
		if !ok {
			return fmt.Errorf("adapter does not support homing")
		}
		progress("driving to home switches")
		return homer.FindHome(ctx)
	})
	homing.persist = persistEpoch(func(st *config.State, epoch int64) { st.LastHomingUnix = epoch })

	return &Managers{Autofocus: autofocus, Alignment: alignment, Homing: homing}
}

// ResolveAutofocusTarget picks the focus target: an explicit custom
// position, then the named preset, then the default preset, then a
// hardcoded near-pole fallback.
func ResolveAutofocusTarget(cfg config.AutofocusConfig) (ra, dec float64, name string) {
	if cfg.Target == "custom" && cfg.CustomRA != nil && cfg.CustomDec != nil {
		return *cfg.CustomRA, *cfg.CustomDec, "custom"
	}
	if cfg.Target != "" && cfg.Target != "custom" {
		if p, ok := cfg.Presets[cfg.Target]; ok {
			return p.RA, p.Dec, cfg.Target
		}
	}
	if p, ok := cfg.Presets[cfg.DefaultPreset]; ok {
		return p.RA, p.Dec, cfg.DefaultPreset
	}
	return 0, 89, "pole"
}
