// Package task holds the scheduled unit of work and the central stage
// registry that tracks where each task sits in the pipeline.
package task

import (
	"sync"
	"time"

	"github.com/citra-space/citrascope/internal/dispatch"
)

// Stage is the pipeline phase a task currently occupies.
type Stage int

const (
	StageScheduled Stage = iota
	StageImaging
	StageProcessing
	StageUploading
)

func (s Stage) String() string {
	switch s {
	case StageScheduled:
		return "scheduled"
	case StageImaging:
		return "imaging"
	case StageProcessing:
		return "processing"
	case StageUploading:
		return "uploading"
	default:
		return "unknown"
	}
}

// Task is one observation job. Identity fields come from the server and
// never change; execution state is process-local and guarded by a lock
// because workers, the scheduler, and status readers touch it
// concurrently.
type Task struct {
	ID                 string
	SatelliteID        string
	SatelliteName      string
	TelescopeID        string
	GroundStationID    string
	Start              time.Time
	Stop               time.Time
	AssignedFilterName string

	mu        sync.Mutex
	statusMsg string
	nextRetry time.Time
	hasRetry  bool
	executing bool
	cancelled bool
}

// FromRecord builds a Task from a wire record, parsing its window.
func FromRecord(rec *dispatch.TaskRecord) (*Task, error) {
	start, stop, err := rec.ParseWindow()
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:                 rec.ID,
		SatelliteID:        rec.SatelliteID,
		SatelliteName:      rec.SatelliteName,
		TelescopeID:        rec.TelescopeID,
		GroundStationID:    rec.GroundStationID,
		Start:              start,
		Stop:               stop,
		AssignedFilterName: rec.AssignedFilterName,
	}, nil
}

// StartEpoch returns the window start as epoch seconds.
func (t *Task) StartEpoch() int64 { return t.Start.Unix() }

// StopEpoch returns the window stop as epoch seconds.
func (t *Task) StopEpoch() int64 { return t.Stop.Unix() }

// SetStatus records the human-readable progress message shown to
// operators.
func (t *Task) SetStatus(msg string) {
	t.mu.Lock()
	t.statusMsg = msg
	t.mu.Unlock()
}

// Status returns the current progress message.
func (t *Task) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusMsg
}

// SetExecuting marks whether a worker is actively running this task.
func (t *Task) SetExecuting(v bool) {
	t.mu.Lock()
	t.executing = v
	t.mu.Unlock()
}

// Executing reports whether a worker is actively running this task.
func (t *Task) Executing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executing
}

// Cancel raises the per-job cancellation flag. The driver polls it at
// loop boundaries and unwinds without retrying.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

// Cancelled reports whether cancellation was requested.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// SetNextRetry records when the next retry attempt is due.
func (t *Task) SetNextRetry(at time.Time) {
	t.mu.Lock()
	t.nextRetry = at
	t.hasRetry = true
	t.mu.Unlock()
}

// ClearNextRetry removes any pending retry marker.
func (t *Task) ClearNextRetry() {
	t.mu.Lock()
	t.nextRetry = time.Time{}
	t.hasRetry = false
	t.mu.Unlock()
}

// NextRetry returns the pending retry instant, if any.
func (t *Task) NextRetry() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextRetry, t.hasRetry
}

// View is a point-in-time copy of a task for status reporting.
type View struct {
	ID            string    `json:"id"`
	SatelliteID   string    `json:"satelliteId"`
	SatelliteName string    `json:"satelliteName"`
	Start         time.Time `json:"start"`
	Stop          time.Time `json:"stop"`
	Stage         string    `json:"stage"`
	Status        string    `json:"status"`
	Executing     bool      `json:"executing"`
	NextRetry     string    `json:"nextRetry,omitempty"`
}

// ViewIn renders the task for status readers.
func (t *Task) ViewIn(stage Stage) View {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := View{
		ID:            t.ID,
		SatelliteID:   t.SatelliteID,
		SatelliteName: t.SatelliteName,
		Start:         t.Start,
		Stop:          t.Stop,
		Stage:         stage.String(),
		Status:        t.statusMsg,
		Executing:     t.executing,
	}
	if t.hasRetry {
		v.NextRetry = t.nextRetry.UTC().Format(time.RFC3339)
	}
	return v
}
