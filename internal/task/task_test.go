package task

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citra-space/citrascope/internal/dispatch"
)

func TestFromRecordParsesWindow(t *testing.T) {
	rec := &dispatch.TaskRecord{
		ID:          "T1",
		SatelliteID: "S1",
		TaskStart:   "2026-08-25T10:00:00Z",
		TaskStop:    "2026-08-25T10:05:00Z",
	}
	tk, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, int64(300), tk.StopEpoch()-tk.StartEpoch())

	_, err = FromRecord(&dispatch.TaskRecord{ID: "T2", TaskStart: "bogus", TaskStop: "bogus"})
	require.Error(t, err)
}

func TestStatusFieldsAreConcurrencySafe(t *testing.T) {
	tk := &Task{ID: "T1"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			tk.SetStatus(fmt.Sprintf("attempt %d", n))
			tk.SetExecuting(n%2 == 0)
		}(i)
		go func() {
			defer wg.Done()
			_ = tk.Status()
			_ = tk.Executing()
		}()
	}
	wg.Wait()
	assert.NotEmpty(t, tk.Status())
}

func TestNextRetryLifecycle(t *testing.T) {
	tk := &Task{ID: "T1"}

	_, ok := tk.NextRetry()
	assert.False(t, ok)

	at := time.Now().Add(30 * time.Second)
	tk.SetNextRetry(at)
	got, ok := tk.NextRetry()
	require.True(t, ok)
	assert.Equal(t, at, got)

	tk.ClearNextRetry()
	_, ok = tk.NextRetry()
	assert.False(t, ok)
}

func TestRegistrySingleBucket(t *testing.T) {
	r := NewRegistry()
	tk := &Task{ID: "T1"}

	r.Track(tk, StageScheduled)
	r.Track(tk, StageImaging) // move, not duplicate

	assert.Equal(t, 1, r.Len())
	s, ok := r.Stage("T1")
	require.True(t, ok)
	assert.Equal(t, StageImaging, s)
	assert.Empty(t, r.InStage(StageScheduled))
	assert.Len(t, r.InStage(StageImaging), 1)
}

func TestRegistryMoveAndDrop(t *testing.T) {
	r := NewRegistry()
	tk := &Task{ID: "T1"}
	r.Track(tk, StageImaging)

	require.True(t, r.Move("T1", StageProcessing))
	s, _ := r.Stage("T1")
	assert.Equal(t, StageProcessing, s)

	assert.False(t, r.Move("missing", StageUploading))

	r.Drop("T1")
	assert.False(t, r.Contains("T1"))
	assert.Equal(t, 0, r.Len())

	// Dropping twice is harmless.
	r.Drop("T1")
}

func TestRegistryCountByStage(t *testing.T) {
	r := NewRegistry()
	r.Track(&Task{ID: "a"}, StageScheduled)
	r.Track(&Task{ID: "b"}, StageScheduled)
	r.Track(&Task{ID: "c"}, StageUploading)

	counts := r.CountByStage()
	assert.Equal(t, 2, counts["scheduled"])
	assert.Equal(t, 1, counts["uploading"])
	assert.Zero(t, counts["imaging"])
}

func TestViewRendersRetryAndStage(t *testing.T) {
	tk := &Task{
		ID:    "T1",
		Start: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
		Stop:  time.Date(2026, 8, 25, 10, 5, 0, 0, time.UTC),
	}
	tk.SetStatus("Imaging failed (attempt 2/3), retrying in 30s...")
	tk.SetNextRetry(time.Date(2026, 8, 25, 10, 1, 0, 0, time.UTC))

	v := tk.ViewIn(StageImaging)
	assert.Equal(t, "imaging", v.Stage)
	assert.Equal(t, "2026-08-25T10:01:00Z", v.NextRetry)
	assert.Contains(t, v.Status, "retrying")
}
