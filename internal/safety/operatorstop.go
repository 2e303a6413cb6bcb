package safety

import (
	"sync"
	"time"
)

// OperatorStop is a latched emergency stop. While active, every proposed
// action is vetoed and the check reports EMERGENCY. The latch is
// session-scoped: a restart clears it.
type OperatorStop struct {
	mu     sync.Mutex
	active bool
	reason string
	since  time.Time
}

func NewOperatorStop() *OperatorStop {
	return &OperatorStop{}
}

func (o *OperatorStop) Name() string { return "operator_stop" }

// Activate latches the stop.
func (o *OperatorStop) Activate(reason string) {
	o.mu.Lock()
	o.active = true
	o.reason = reason
	o.since = time.Now()
	o.mu.Unlock()
}

// Clear unlatches the stop.
func (o *OperatorStop) Clear() {
	o.mu.Lock()
	o.active = false
	o.reason = ""
	o.mu.Unlock()
}

// Active reports whether the stop is latched.
func (o *OperatorStop) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *OperatorStop) Check() (Action, error) {
	if o.Active() {
		return ActionEmergency, nil
	}
	return ActionSafe, nil
}

func (o *OperatorStop) CheckProposedAction(string, map[string]any) (bool, error) {
	return !o.Active(), nil
}

func (o *OperatorStop) Reset() { o.Clear() }

func (o *OperatorStop) Status() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := map[string]any{"active": o.active}
	if o.active {
		st["reason"] = o.reason
		st["since"] = o.since.UTC().Format(time.RFC3339)
	}
	return st
}

var (
	_ Check        = (*OperatorStop)(nil)
	_ ActionVetoer = (*OperatorStop)(nil)
	_ Resettable   = (*OperatorStop)(nil)
	_ Reporter     = (*OperatorStop)(nil)
)
