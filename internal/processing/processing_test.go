package processing

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citra-space/citrascope/internal/dispatch"
	"github.com/citra-space/citrascope/internal/fitsio"
	"github.com/citra-space/citrascope/internal/task"
)

// fakeProcessor returns a canned result or error.
type fakeProcessor struct {
	name   string
	result Result
	err    error
	calls  int
}

func (f *fakeProcessor) Name() string { return f.name }

func (f *fakeProcessor) Process(context.Context, *Context) (Result, error) {
	f.calls++
	return f.result, f.err
}

func testContext(t *testing.T, capture string) *Context {
	t.Helper()
	rec := &dispatch.TaskRecord{
		ID:          "T1",
		SatelliteID: "S1",
		TaskStart:   time.Now().Format(time.RFC3339),
		TaskStop:    time.Now().Add(time.Minute).Format(time.RFC3339),
	}
	tk, err := task.FromRecord(rec)
	require.NoError(t, err)
	return &Context{
		CapturePath: capture,
		WorkingPath: capture,
		WorkDir:     t.TempDir(),
		Task:        tk,
		Log:         slog.Default(),
	}
}

func TestRunFoldsInOrder(t *testing.T) {
	a := &fakeProcessor{name: "alpha", result: Result{ShouldUpload: true, Confidence: 0.9, Extracted: map[string]any{"k": 1}}}
	b := &fakeProcessor{name: "beta", result: Result{ShouldUpload: true, Confidence: 0.4, Extracted: map[string]any{"k": 2}}}
	r := NewRegistry(nil)

	agg, err := r.Run(context.Background(), []Processor{a, b}, testContext(t, "unused"))
	require.NoError(t, err)

	assert.True(t, agg.ShouldUpload)
	assert.Empty(t, agg.SkipReason)
	assert.Equal(t, 1, agg.Extracted["alpha.k"], "keys are namespaced per processor")
	assert.Equal(t, 2, agg.Extracted["beta.k"])
	require.Len(t, agg.Results, 2)
	assert.Equal(t, "alpha", agg.Results[0].Processor)
	assert.Equal(t, "beta", agg.Results[1].Processor)
}

func TestRunFirstRefusalWins(t *testing.T) {
	a := &fakeProcessor{name: "alpha", result: Result{ShouldUpload: false, Reason: "streak too faint"}}
	b := &fakeProcessor{name: "beta", result: Result{ShouldUpload: false, Reason: "later refusal"}}
	r := NewRegistry(nil)

	agg, err := r.Run(context.Background(), []Processor{a, b}, testContext(t, "unused"))
	require.NoError(t, err)

	assert.False(t, agg.ShouldUpload)
	assert.Equal(t, "alpha: streak too faint", agg.SkipReason)
	assert.Equal(t, 1, b.calls, "chain still runs to completion after a refusal")
}

func TestRunAbortsOnProcessorError(t *testing.T) {
	a := &fakeProcessor{name: "alpha", result: Result{ShouldUpload: true}}
	boom := &fakeProcessor{name: "boom", err: errors.New("solver crashed")}
	tail := &fakeProcessor{name: "tail", result: Result{ShouldUpload: true}}
	r := NewRegistry(nil)

	agg, err := r.Run(context.Background(), []Processor{a, boom, tail}, testContext(t, "unused"))
	require.Error(t, err)
	assert.Nil(t, agg)
	assert.Contains(t, err.Error(), "boom")
	assert.Zero(t, tail.calls, "processors behind the failure never run")
}

func TestRunClampsConfidence(t *testing.T) {
	high := &fakeProcessor{name: "high", result: Result{ShouldUpload: true, Confidence: 3.5}}
	low := &fakeProcessor{name: "low", result: Result{ShouldUpload: true, Confidence: -2}}
	r := NewRegistry(nil)

	agg, err := r.Run(context.Background(), []Processor{high, low}, testContext(t, "unused"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, agg.Results[0].Confidence)
	assert.Equal(t, 0.0, agg.Results[1].Confidence)
}

func TestChainResolution(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProcessor{name: "extra"})

	chain, err := r.Chain([]string{"headercheck", "extra"})
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "headercheck", chain[0].Name())

	_, err = r.Chain([]string{"headercheck", "nonexistent"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonexistent")
}

func TestAggregateValueHelpers(t *testing.T) {
	agg := newAggregate()
	agg.fold(Result{Processor: "plate_solver", ShouldUpload: true,
		Extracted: map[string]any{"ra_center": 187.5, "matches": 42}})

	v, ok := agg.Value("plate_solver", "ra_center")
	assert.True(t, ok)
	assert.Equal(t, 187.5, v)

	f, ok := agg.Float("plate_solver", "ra_center")
	assert.True(t, ok)
	assert.Equal(t, 187.5, f)

	f, ok = agg.Float("plate_solver", "matches")
	assert.True(t, ok)
	assert.Equal(t, 42.0, f)

	_, ok = agg.Float("plate_solver", "absent")
	assert.False(t, ok)

	var nilAgg *Aggregate
	_, ok = nilAgg.Value("x", "y")
	assert.False(t, ok)
}

func TestHeaderCheckExtractsKeywords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.fits")
	require.NoError(t, fitsio.WriteMinimal(path, map[string]string{
		"DATE-OBS": "2026-03-01T12:00:00",
		"EXPTIME":  "2.5",
	}))

	hc := NewHeaderCheck(nil)
	result, err := hc.Process(context.Background(), testContext(t, path))
	require.NoError(t, err)

	assert.True(t, result.ShouldUpload)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, "2026-03-01T12:00:00", result.Extracted["date-obs"])
	assert.Equal(t, "2.5", result.Extracted["exptime"])
}

func TestHeaderCheckFailsOpenOnMissingKeyword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.fits")
	require.NoError(t, fitsio.WriteMinimal(path, map[string]string{
		"DATE-OBS": "2026-03-01T12:00:00",
	}))

	hc := NewHeaderCheck([]string{"DATE-OBS", "EXPTIME", "FILTER"})
	result, err := hc.Process(context.Background(), testContext(t, path))
	require.NoError(t, err)

	assert.True(t, result.ShouldUpload, "missing metadata never blocks the upload")
	assert.Equal(t, 0.0, result.Confidence)
	assert.Contains(t, result.Reason, "EXPTIME")
	assert.Contains(t, result.Reason, "FILTER")
	assert.Equal(t, "2026-03-01T12:00:00", result.Extracted["date-obs"])
}

func TestHeaderCheckErrorsOnUnreadableFile(t *testing.T) {
	hc := NewHeaderCheck(nil)
	_, err := hc.Process(context.Background(), testContext(t, filepath.Join(t.TempDir(), "missing.fits")))
	assert.Error(t, err)
}

func TestRunRecordsDurations(t *testing.T) {
	slow := &fakeProcessor{name: "slow", result: Result{ShouldUpload: true}}
	r := NewRegistry(nil)

	agg, err := r.Run(context.Background(), []Processor{slow}, testContext(t, "unused"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, agg.Results[0].Duration, time.Duration(0))
}
