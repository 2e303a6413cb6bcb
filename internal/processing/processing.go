// Package processing runs the ordered processor chain over one capture.
// Processors are stateless; a chain runs sequentially within a job and
// many jobs may run concurrently. The chain is fail-open: a refusal or
// a zero-confidence result still lets the raw capture reach the server.
package processing

import (
	"context"
	"log/slog"
	"time"

	"github.com/citra-space/citrascope/internal/cache"
	"github.com/citra-space/citrascope/internal/config"
	"github.com/citra-space/citrascope/internal/dispatch"
	"github.com/citra-space/citrascope/internal/location"
	"github.com/citra-space/citrascope/internal/task"
)

// Context carries everything a processor may need for one capture.
// WorkingPath starts equal to CapturePath and is always absolute; a
// processor that writes an augmented copy (a plate-solved variant, a
// calibrated frame) points WorkingPath at it for the processors behind
// it. Location and Cache are nullable; processors must tolerate their
// absence.
type Context struct {
	CapturePath string
	WorkingPath string
	WorkDir     string
	Raw         []byte

	Task          *task.Task
	Telescope     *dispatch.Telescope
	GroundStation *dispatch.GroundStation
	Settings      *config.Config

	Log      *slog.Logger
	Location location.Service
	Cache    cache.Store
}

// Result is one processor's verdict on one capture.
type Result struct {
	ShouldUpload bool           `json:"shouldUpload"`
	Extracted    map[string]any `json:"extracted,omitempty"`
	Confidence   float64        `json:"confidence"`
	Reason       string         `json:"reason,omitempty"`
	Duration     time.Duration  `json:"duration"`
	Processor    string         `json:"processor"`
}

// Processor handles one capture. Returning an error aborts the whole
// chain and hands the job back to the queue's retry logic; refusals are
// expressed through Result.ShouldUpload instead.
type Processor interface {
	Name() string
	Process(ctx context.Context, pctx *Context) (Result, error)
}

// Aggregate folds the chain's results. ShouldUpload is the conjunction
// over all results, Extracted the union with keys prefixed by
// "{processor}.", SkipReason the first refusal.
type Aggregate struct {
	ShouldUpload bool           `json:"shouldUpload"`
	Extracted    map[string]any `json:"extracted"`
	SkipReason   string         `json:"skipReason,omitempty"`
	Results      []Result       `json:"results"`
}

func newAggregate() *Aggregate {
	return &Aggregate{ShouldUpload: true, Extracted: make(map[string]any)}
}

func (a *Aggregate) fold(r Result) {
	a.Results = append(a.Results, r)
	if !r.ShouldUpload {
		if a.SkipReason == "" {
			a.SkipReason = r.Processor + ": " + r.Reason
		}
		a.ShouldUpload = false
	}
	for k, v := range r.Extracted {
		a.Extracted[r.Processor+"."+k] = v
	}
}

// Value returns a prefixed extracted value, e.g.
// Value("plate_solver", "ra_center").
func (a *Aggregate) Value(processor, key string) (any, bool) {
	if a == nil {
		return nil, false
	}
	v, ok := a.Extracted[processor+"."+key]
	return v, ok
}

// Float returns a prefixed extracted value as float64 when possible.
func (a *Aggregate) Float(processor, key string) (float64, bool) {
	v, ok := a.Value(processor, key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
