package safety

import (
	"log/slog"
	"sync"
	"time"
)

// CheckStatus is one check's entry in the safety snapshot. Action is the
// most recent cached severity, not a fresh evaluation, so checks with
// side effects are never re-invoked out of band.
type CheckStatus struct {
	Name   string         `json:"name"`
	Action string         `json:"action"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Snapshot is the monitor's state for status readers.
type Snapshot struct {
	Checks           []CheckStatus `json:"checks"`
	WatchdogAlive    bool          `json:"watchdogAlive"`
	HeartbeatAge     float64       `json:"watchdogHeartbeatAgeS"`
	WorstAction      string        `json:"worstAction"`
	EmergencyLatched bool          `json:"emergencyLatched"`
}

// Monitor owns the ordered check list, the ~1 Hz watchdog, and the
// pre-action gate. The abort callback fires exactly once per transition
// into EMERGENCY and is expected to halt all motion.
type Monitor struct {
	checks   []Check
	abort    func()
	interval time.Duration
	log      *slog.Logger

	mu          sync.Mutex
	lastActions map[string]Action
	worst       Action
	inEmergency bool
	heartbeat   time.Time
	hasBeat     bool

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMonitor builds a monitor over the given checks. abort may be nil.
func NewMonitor(interval time.Duration, abort func(), checks ...Check) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		checks:      checks,
		abort:       abort,
		interval:    interval,
		log:         slog.With("component", "safety"),
		lastActions: make(map[string]Action),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Evaluate runs every check once and returns the worst severity with the
// check that produced it. A check error is fail-closed: recorded as
// QUEUE_STOP, never escalated to EMERGENCY by itself.
func (m *Monitor) Evaluate() (Action, Check) {
	worst := ActionSafe
	var trigger Check

	for _, ch := range m.checks {
		action, err := ch.Check()
		if err != nil {
			m.log.Error("safety check failed, treating as QUEUE_STOP", "check", ch.Name(), "error", err)
			action = ActionQueueStop
		}
		m.mu.Lock()
		m.lastActions[ch.Name()] = action
		m.mu.Unlock()
		if action > worst {
			worst = action
			trigger = ch
		}
	}

	m.mu.Lock()
	m.worst = worst
	m.mu.Unlock()
	return worst, trigger
}

// IsActionSafe asks every gate about a proposed action. Any veto or gate
// error blocks the action.
func (m *Monitor) IsActionSafe(kind string, params map[string]any) bool {
	for _, ch := range m.checks {
		gate, ok := ch.(ActionVetoer)
		if !ok {
			continue
		}
		allowed, err := gate.CheckProposedAction(kind, params)
		if err != nil {
			m.log.Error("pre-action gate failed, vetoing", "check", ch.Name(), "kind", kind, "error", err)
			return false
		}
		if !allowed {
			m.log.Warn("action vetoed", "check", ch.Name(), "kind", kind)
			return false
		}
	}
	return true
}

// GetCheck returns a registered check by name so subsystems can reach a
// check's own thread-safe view without holding monitor locks.
func (m *Monitor) GetCheck(name string) Check {
	for _, ch := range m.checks {
		if ch.Name() == name {
			return ch
		}
	}
	return nil
}

// Start launches the watchdog loop.
func (m *Monitor) Start() {
	go m.watchdog()
}

// Stop terminates the watchdog and joins with a timeout slightly larger
// than one poll interval; a loop that does not exit in time is
// abandoned.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.quit) })
	select {
	case <-m.done:
	case <-time.After(m.interval + 500*time.Millisecond):
		m.log.Warn("watchdog did not stop in time, abandoning")
	}
}

func (m *Monitor) watchdog() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick never lets an evaluation kill the loop.
func (m *Monitor) tick() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("watchdog tick panicked", "panic", r)
		}
	}()

	m.mu.Lock()
	m.heartbeat = time.Now()
	m.hasBeat = true
	m.mu.Unlock()

	worst, trigger := m.Evaluate()

	m.mu.Lock()
	wasEmergency := m.inEmergency
	m.inEmergency = worst == ActionEmergency
	m.mu.Unlock()

	if worst == ActionEmergency && !wasEmergency {
		name := "unknown"
		if trigger != nil {
			name = trigger.Name()
		}
		m.log.Error("EMERGENCY, invoking abort", "check", name)
		if m.abort != nil {
			m.abort()
		}
	}
	if worst != ActionEmergency && wasEmergency {
		m.log.Info("emergency cleared", "worst", worst.String())
	}
}

// WatchdogHealthy reports whether the last heartbeat landed within three
// poll intervals.
func (m *Monitor) WatchdogHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasBeat && time.Since(m.heartbeat) <= 3*m.interval
}

// Worst returns the worst severity from the latest evaluation.
func (m *Monitor) Worst() Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worst
}

// Snapshot renders the cached per-check actions plus watchdog health.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	alive := m.hasBeat && time.Since(m.heartbeat) <= 3*m.interval
	age := 0.0
	if m.hasBeat {
		age = time.Since(m.heartbeat).Seconds()
	}
	worst := m.worst
	latched := m.inEmergency
	actions := make(map[string]Action, len(m.lastActions))
	for k, v := range m.lastActions {
		actions[k] = v
	}
	m.mu.Unlock()

	snap := Snapshot{
		WatchdogAlive:    alive,
		HeartbeatAge:     age,
		WorstAction:      worst.String(),
		EmergencyLatched: latched,
	}
	for _, ch := range m.checks {
		cs := CheckStatus{Name: ch.Name(), Action: actions[ch.Name()].String()}
		if rep, ok := ch.(Reporter); ok {
			cs.Fields = rep.Status()
		}
		snap.Checks = append(snap.Checks, cs)
	}
	return snap
}
