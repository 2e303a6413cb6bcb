// Package hardware defines the capability surface the pipeline drives
// devices through. Concrete protocol drivers live behind this contract;
// the core never touches device handles directly.
package hardware

import (
	"context"
	"time"

	"github.com/citra-space/citrascope/internal/dispatch"
	"github.com/citra-space/citrascope/internal/task"
)

// Strategy declares who owns the slew-capture sequence for a task.
type Strategy int

const (
	// StrategyManual leaves slewing and capture under pipeline control.
	StrategyManual Strategy = iota
	// StrategySequenceToController hands the whole observation sequence
	// to the adapter.
	StrategySequenceToController
)

func (s Strategy) String() string {
	if s == StrategySequenceToController {
		return "sequence_to_controller"
	}
	return "manual"
}

// Device describes one piece of attached equipment.
type Device struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"` // mount, camera, focuser, filterwheel
	Connected bool   `json:"connected"`
}

// MountState is one full status read from the mount. Cached by
// MountCache so concurrent readers never block on device I/O.
type MountState struct {
	RA       float64   `json:"ra"`
	Dec      float64   `json:"dec"`
	Azimuth  float64   `json:"azimuth"`
	Altitude float64   `json:"altitude"`
	Tracking bool      `json:"tracking"`
	Slewing  bool      `json:"slewing"`
	AtHome   bool      `json:"atHome"`
	Parked   bool      `json:"parked"`
	AltAz    bool      `json:"altAz"`
	ReadAt   time.Time `json:"readAt"`
}

// Adapter is the narrow contract every hardware backend satisfies.
// Optional capabilities are separate interfaces discovered by type
// assertion.
type Adapter interface {
	// Lifecycle.
	Connect(ctx context.Context) error
	Disconnect()
	IsTelescopeConnected() bool
	IsCameraConnected() bool
	ListDevices() []Device

	// Pointing. PointTelescope blocks until motion ends or fails.
	PointTelescope(ctx context.Context, raDeg, decDeg float64) error
	TelescopeDirection() (raDeg, decDeg float64, err error)
	TelescopeMoving() (bool, error)
	AbortSlew() error

	// Capture. Returns the paths of the files written.
	TakeImage(ctx context.Context, taskID string, exposureS float64) ([]string, error)

	// Tracking.
	SetCustomTrackingRate(raArcsecS, decArcsecS float64) error
	TrackingRate() (raArcsecS, decArcsecS float64, err error)

	// Status. May perform device I/O; use MountCache for hot paths.
	MountState() (MountState, error)

	Strategy() Strategy
}

// Autofocuser runs a focus routine against a target.
type Autofocuser interface {
	DoAutofocus(ctx context.Context, targetRA, targetDec float64, onProgress func(string)) error
}

// SequenceController owns the full observation sequence for adapters
// declaring StrategySequenceToController.
type SequenceController interface {
	PerformObservationSequence(ctx context.Context, t *task.Task, sat *dispatch.Satellite) ([]string, error)
}

// PlateSolveAligner feeds astrometric solutions back into the mount's
// pointing model.
type PlateSolveAligner interface {
	UpdateFromPlateSolve(raDeg, decDeg, expectedRADeg, expectedDecDeg float64) error
}

// ManualSyncer tells the mount where it is actually pointing without
// moving it.
type ManualSyncer interface {
	SyncTo(raDeg, decDeg float64) error
}

// Homer drives the mount to its home switches.
type Homer interface {
	FindHome(ctx context.Context) error
}

// AzimuthMover supports continuous azimuth motion, used by the
// cable-wrap unwind.
type AzimuthMover interface {
	// StartAzimuthMotion begins continuous motion; the sign of rate
	// gives the direction, the magnitude deg/s.
	StartAzimuthMotion(rateDegS float64) error
	StopMotion() error
}

// FilterConfig maps wheel slots to filter names.
type FilterConfig struct {
	Slots   []string `json:"slots"`
	Default string   `json:"default"`
}

// FilterController manages a filter wheel.
type FilterController interface {
	FilterConfig() (FilterConfig, error)
	UpdateFilterConfig(cfg FilterConfig) error
	SelectFiltersForTask(t *task.Task) error
}
