// Package safety holds the check predicates that gate telescope motion
// and the monitor that composes them into a watchdog.
package safety

import "context"

// Action is the severity a check reports, ordered from benign to
// critical.
type Action int

const (
	ActionSafe Action = iota
	ActionWarn
	ActionQueueStop
	ActionEmergency
)

func (a Action) String() string {
	switch a {
	case ActionSafe:
		return "SAFE"
	case ActionWarn:
		return "WARN"
	case ActionQueueStop:
		return "QUEUE_STOP"
	case ActionEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// Check is one safety predicate. Check errors are handled fail-closed by
// the monitor: the check is recorded as QUEUE_STOP and the system keeps
// running.
type Check interface {
	Name() string
	Check() (Action, error)
}

// ActionVetoer gates proposed actions before they start. An error from
// the gate counts as a veto.
type ActionVetoer interface {
	CheckProposedAction(kind string, params map[string]any) (bool, error)
}

// Corrective performs a check's recovery routine, e.g. the cable-wrap
// unwind.
type Corrective interface {
	ExecuteAction(ctx context.Context) error
}

// Resettable clears a check's accumulated state on operator request.
type Resettable interface {
	Reset()
}

// Reporter exposes check-specific fields for the status snapshot.
type Reporter interface {
	Status() map[string]any
}

// Proposed action kinds understood by the gates.
const (
	ProposedSlew    = "slew"
	ProposedCapture = "capture"
)
