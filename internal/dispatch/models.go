package dispatch

import (
	"fmt"
	"time"
)

// ============================================================================
// DATA MODELS — wire types for the task-dispatch service
// ============================================================================

// Task statuses as reported by the dispatch service.
const (
	StatusPending   = "Pending"
	StatusScheduled = "Scheduled"
	StatusSucceeded = "Succeeded"
	StatusFailed    = "Failed"
	StatusCancelled = "Cancelled"
)

// TaskRecord is one observation task as listed by the server. Start and
// stop stay as wire strings so one malformed record cannot poison a whole
// poll; ParseWindow converts them on demand.
type TaskRecord struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	SatelliteID        string `json:"satelliteId"`
	SatelliteName      string `json:"satelliteName"`
	TaskStart          string `json:"taskStart"`
	TaskStop           string `json:"taskStop"`
	TelescopeID        string `json:"telescopeId"`
	TelescopeName      string `json:"telescopeName"`
	GroundStationID    string `json:"groundStationId"`
	GroundStationName  string `json:"groundStationName"`
	AssignedFilterName string `json:"assignedFilterName,omitempty"`
}

// ParseWindow returns the task's start and stop instants.
func (t *TaskRecord) ParseWindow() (start, stop time.Time, err error) {
	start, err = ParseTime(t.TaskStart)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("task %s start: %w", t.ID, err)
	}
	stop, err = ParseTime(t.TaskStop)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("task %s stop: %w", t.ID, err)
	}
	return start, stop, nil
}

// ParseTime accepts the timestamp forms the server emits: RFC 3339 with
// or without fractional seconds.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Elset is one two-line element set for a satellite.
type Elset struct {
	TLE           []string `json:"tle"`
	CreationEpoch float64  `json:"creationEpoch"`
}

// Satellite carries the orbital data needed to point at a target.
type Satellite struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Elsets []Elset `json:"elsets"`
}

// LatestElset returns the elset with the greatest creation epoch, or nil
// when the satellite has none.
func (s *Satellite) LatestElset() *Elset {
	var latest *Elset
	for i := range s.Elsets {
		if latest == nil || s.Elsets[i].CreationEpoch > latest.CreationEpoch {
			latest = &s.Elsets[i]
		}
	}
	return latest
}

// Telescope is the server's record of this station's instrument,
// including the hardware constants attached to uploaded observations.
type Telescope struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	AutomatedScheduling bool    `json:"automatedScheduling"`
	AngularNoise        float64 `json:"angularNoise"`
	MinWavelength       float64 `json:"minWavelength"`
	MaxWavelength       float64 `json:"maxWavelength"`
	MaxSlewRate         float64 `json:"maxSlewRate"`
}

// GroundStation is the server's record of the observing site.
type GroundStation struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// ImageUploadTicket is the server's response to an upload request: a
// pre-signed destination plus the form fields it must be posted with.
type ImageUploadTicket struct {
	UploadURL  string            `json:"uploadUrl"`
	Fields     map[string]string `json:"fields"`
	ResultsURL string            `json:"resultsUrl"`
}

// OpticalObservation is one astrometric measurement extracted from a
// processed capture.
type OpticalObservation struct {
	SatelliteID     string   `json:"satelliteId"`
	TelescopeID     string   `json:"telescopeId"`
	Epoch           string   `json:"epoch"`
	RightAscension  float64  `json:"rightAscension"`
	Declination     float64  `json:"declination"`
	SensorLatitude  float64  `json:"sensorLatitude"`
	SensorLongitude float64  `json:"sensorLongitude"`
	SensorAltitude  float64  `json:"sensorAltitude"`
	AngularNoise    float64  `json:"angularNoise"`
	VisualMagnitude *float64 `json:"visualMagnitude,omitempty"`
	TaskID          string   `json:"taskId"`
	MinWavelength   float64  `json:"minWavelength"`
	MaxWavelength   float64  `json:"maxWavelength"`
}
