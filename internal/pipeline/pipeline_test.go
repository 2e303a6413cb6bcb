package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citra-space/citrascope/internal/config"
	"github.com/citra-space/citrascope/internal/dispatch"
	"github.com/citra-space/citrascope/internal/fitsio"
	"github.com/citra-space/citrascope/internal/hardware"
	"github.com/citra-space/citrascope/internal/processing"
	"github.com/citra-space/citrascope/internal/queue"
	"github.com/citra-space/citrascope/internal/task"
)

// ============================================================================
// FIXTURES
// ============================================================================

// stubDispatch records every server interaction and can inject
// transient failures.
type stubDispatch struct {
	mu           sync.Mutex
	marks        map[string][]string
	uploadReqs   int
	uploaded     []string
	observations []dispatch.OpticalObservation
	requestErr   error
	failUploads  int
}

func newStubDispatch() *stubDispatch {
	return &stubDispatch{marks: make(map[string][]string)}
}

func (c *stubDispatch) MarkTask(_ context.Context, taskID, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks[taskID] = append(c.marks[taskID], status)
	return nil
}

func (c *stubDispatch) RequestImageUpload(_ context.Context, taskID, filename string) (*dispatch.ImageUploadTicket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadReqs++
	if c.requestErr != nil {
		return nil, c.requestErr
	}
	return &dispatch.ImageUploadTicket{UploadURL: "http://sink/" + taskID + "/" + filename}, nil
}

func (c *stubDispatch) UploadImage(_ context.Context, _ *dispatch.ImageUploadTicket, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failUploads > 0 {
		c.failUploads--
		return errors.New("storage hiccup")
	}
	c.uploaded = append(c.uploaded, path)
	return nil
}

func (c *stubDispatch) PostOpticalObservations(_ context.Context, obs []dispatch.OpticalObservation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations = append(c.observations, obs...)
	return nil
}

func (c *stubDispatch) marksFor(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.marks[id]))
	copy(out, c.marks[id])
	return out
}

func (c *stubDispatch) uploadedPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.uploaded))
	copy(out, c.uploaded)
	return out
}

func (c *stubDispatch) uploadRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploadReqs
}

// stubDriver writes n minimal FITS captures per call, or fails.
type stubDriver struct {
	mu       sync.Mutex
	root     string
	captures int
	err      error
	calls    int
}

func (d *stubDriver) Execute(_ context.Context, t *task.Task) ([]string, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	if t.Cancelled() {
		return nil, queue.ErrCancelled
	}
	if d.err != nil {
		return nil, d.err
	}
	var paths []string
	for i := 0; i < d.captures; i++ {
		p := filepath.Join(d.root, fmt.Sprintf("%s_%d_%d.fits", t.ID, n, i))
		if err := fitsio.WriteMinimal(p, map[string]string{"INSTRUME": "stub"}); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (d *stubDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type stubRecords struct {
	tel *dispatch.Telescope
	gs  *dispatch.GroundStation
}

func (r *stubRecords) Telescope() *dispatch.Telescope         { return r.tel }
func (r *stubRecords) GroundStation() *dispatch.GroundStation { return r.gs }

// recordingAligner wraps the simulator to observe plate-solve sync.
type recordingAligner struct {
	*hardware.Simulator
	mu    sync.Mutex
	calls [][4]float64
}

func (r *recordingAligner) UpdateFromPlateSolve(ra, dec, expRA, expDec float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [4]float64{ra, dec, expRA, expDec})
	return nil
}

func (r *recordingAligner) syncCalls() [][4]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][4]float64, len(r.calls))
	copy(out, r.calls)
	return out
}

// fakeProcessor returns a canned result or error.
type fakeProcessor struct {
	name   string
	result processing.Result
	err    error
}

func (f *fakeProcessor) Name() string { return f.name }

func (f *fakeProcessor) Process(context.Context, *processing.Context) (processing.Result, error) {
	if f.err != nil {
		return processing.Result{}, f.err
	}
	return f.result, nil
}

type fixtureOpts struct {
	keepImages bool
	chain      []string
	maxRetries int
	captures   int
	driverErr  error
	processors []processing.Processor
}

type fixture struct {
	p        *Pipeline
	reg      *task.Registry
	client   *stubDispatch
	driver   *stubDriver
	adapter  *recordingAligner
	images   string
	tmp      string
	released chan struct{}
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	tmp := t.TempDir()
	images := filepath.Join(tmp, "images")
	require.NoError(t, os.MkdirAll(images, 0o755))

	chain := " [headercheck]"
	if len(fo.chain) > 0 {
		chain = ""
		for _, name := range fo.chain {
			chain += "\n    - " + name
		}
	}
	yaml := fmt.Sprintf(`
server:
  base_url: http://localhost:9
  telescope_id: tel-1
images:
  root: %s
  keep_images: %v
queues:
  processing_workers: 2
  upload_workers: 2
  max_retries: %d
  initial_delay_s: 0.005
  max_delay_s: 0.02
processing:
  chain:%s
`, images, fo.keepImages, fo.maxRetries, chain)
	cfgPath := filepath.Join(tmp, "citrascope.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o644))
	settings, err := config.NewManager(cfgPath)
	require.NoError(t, err)

	procs := processing.NewRegistry(nil)
	for _, p := range fo.processors {
		procs.Register(p)
	}

	sim := hardware.NewSimulator(hardware.SimOptions{SlewRateDegS: 1e6, ExposureS: 0.001, ImagesRoot: images})
	require.NoError(t, sim.Connect(context.Background()))
	adapter := &recordingAligner{Simulator: sim}

	client := newStubDispatch()
	driver := &stubDriver{root: images, captures: max(fo.captures, 1), err: fo.driverErr}
	reg := task.NewRegistry()

	p := New(client, driver, adapter, reg, procs, Options{
		Records: &stubRecords{
			tel: &dispatch.Telescope{ID: "tel-1", Name: "East Dome", AngularNoise: 0.002, MinWavelength: 400, MaxWavelength: 700},
			gs:  &dispatch.GroundStation{ID: "gs-1", Name: "Sandy Ridge", Latitude: -31.27, Longitude: 149.06, Altitude: 1165},
		},
		Settings: settings,
	})
	p.stopWindow = 2 * time.Second
	p.Start()
	t.Cleanup(p.Stop)

	return &fixture{
		p: p, reg: reg, client: client, driver: driver, adapter: adapter,
		images: images, tmp: tmp, released: make(chan struct{}, 4),
	}
}

func (f *fixture) submit(t *testing.T, id string) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:            id,
		SatelliteID:   "sat-9",
		SatelliteName: "TESTSAT 9",
		TelescopeID:   "tel-1",
		Start:         time.Now().Add(-time.Minute),
		Stop:          time.Now().Add(time.Hour),
	}
	f.reg.Track(tk, task.StageScheduled)
	require.True(t, f.p.SubmitImaging(tk, func() { f.released <- struct{}{} }))
	return tk
}

func (f *fixture) waitReleased(t *testing.T) {
	t.Helper()
	select {
	case <-f.released:
	case <-time.After(5 * time.Second):
		t.Fatal("telescope was never released")
	}
}

func (f *fixture) waitFinished(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !f.reg.Contains(id) && f.p.Drained()
	}, 5*time.Second, 10*time.Millisecond, "task never finished")
}

// ============================================================================
// TESTS
// ============================================================================

func TestObservationHappyPath(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxRetries: 1})
	tk := f.submit(t, "task-a")

	f.waitReleased(t)
	f.waitFinished(t, "task-a")

	assert.Equal(t, []string{dispatch.StatusSucceeded}, f.client.marksFor("task-a"))
	require.Len(t, f.client.uploadedPaths(), 1)
	assert.Equal(t, "Completed", tk.Status())

	// keep_images is off: the capture is gone once the server has it.
	_, err := os.Stat(f.client.uploadedPaths()[0])
	assert.True(t, os.IsNotExist(err))

	// The scratch dir went with the last capture.
	_, err = os.Stat(filepath.Join(f.tmp, "processing", "task-a"))
	assert.True(t, os.IsNotExist(err))
}

func TestUploadedCaptureIsEnriched(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxRetries: 1, keepImages: true})
	f.submit(t, "task-en")
	f.waitFinished(t, "task-en")

	paths := f.client.uploadedPaths()
	require.Len(t, paths, 1)
	hdr, _, err := fitsio.ReadHeader(paths[0])
	require.NoError(t, err)

	taskID, ok := hdr.GetString("TASKID")
	require.True(t, ok)
	assert.Equal(t, "task-en", taskID)
	target, _ := hdr.GetString("OBJECT")
	assert.Equal(t, "TESTSAT 9", target)
	scope, _ := hdr.GetString("TELESCOP")
	assert.Equal(t, "East Dome", scope)
}

func TestKeepImagesPreservesCapture(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxRetries: 1, keepImages: true})
	f.submit(t, "task-keep")
	f.waitFinished(t, "task-keep")

	paths := f.client.uploadedPaths()
	require.Len(t, paths, 1)
	_, err := os.Stat(paths[0])
	assert.NoError(t, err)
}

func TestImagingRetriesThenFailsPermanently(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxRetries: 1, driverErr: errors.New("mount refused slew")})
	f.submit(t, "task-fail")

	f.waitReleased(t)
	f.waitFinished(t, "task-fail")

	// max_retries 1 = one retry after the first attempt, then permanent.
	assert.Equal(t, 2, f.driver.callCount())
	assert.Equal(t, []string{dispatch.StatusFailed}, f.client.marksFor("task-fail"))
	assert.Zero(t, f.client.uploadRequests())

	// No second release: the hook fires exactly once.
	select {
	case <-f.released:
		t.Fatal("release fired more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelledObservationShortCircuits(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxRetries: 3})

	// Cancel before submitting, the way an eviction lands before the
	// driver's next boundary check.
	tk := &task.Task{
		ID:            "task-gone",
		SatelliteID:   "sat-9",
		SatelliteName: "TESTSAT 9",
		TelescopeID:   "tel-1",
		Start:         time.Now().Add(-time.Minute),
		Stop:          time.Now().Add(time.Hour),
	}
	tk.Cancel()
	f.reg.Track(tk, task.StageScheduled)
	require.True(t, f.p.SubmitImaging(tk, func() { f.released <- struct{}{} }))

	f.waitReleased(t)
	f.waitFinished(t, "task-gone")

	// Cancelled means no retry and no status PUT: the server already
	// holds the terminal state it chose.
	assert.Equal(t, 1, f.driver.callCount())
	assert.Empty(t, f.client.marksFor("task-gone"))
	assert.Equal(t, "Cancelled by dispatch", tk.Status())
}

func TestProcessingFailureIsFailOpen(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		maxRetries: 1,
		chain:      []string{"exploder"},
		processors: []processing.Processor{&fakeProcessor{name: "exploder", err: errors.New("solver crashed")}},
	})
	f.submit(t, "task-open")
	f.waitFinished(t, "task-open")

	// The chain never succeeded, yet the raw capture reached the server.
	assert.Equal(t, []string{dispatch.StatusSucceeded}, f.client.marksFor("task-open"))
	assert.Len(t, f.client.uploadedPaths(), 1)
}

func TestProcessorRefusalSkipsUpload(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		maxRetries: 1,
		chain:      []string{"cloudcheck"},
		processors: []processing.Processor{&fakeProcessor{
			name:   "cloudcheck",
			result: processing.Result{ShouldUpload: false, Reason: "frame is clouded out"},
		}},
	})
	tk := f.submit(t, "task-skip")
	f.waitFinished(t, "task-skip")

	// Refusal is not failure: the task succeeds without an upload.
	assert.Equal(t, []string{dispatch.StatusSucceeded}, f.client.marksFor("task-skip"))
	assert.Zero(t, f.client.uploadRequests())
	assert.Empty(t, f.client.uploadedPaths())
	assert.Contains(t, tk.Status(), "clouded out")
}

func TestPlateSolveFeedsPointingModel(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		maxRetries: 1,
		chain:      []string{"plate_solver"},
		processors: []processing.Processor{&fakeProcessor{
			name: "plate_solver",
			result: processing.Result{
				ShouldUpload: true,
				Extracted:    map[string]any{"ra_center": 12.5, "dec_center": -4.25},
			},
		}},
	})
	f.submit(t, "task-solve")
	f.waitFinished(t, "task-solve")

	calls := f.adapter.syncCalls()
	require.Len(t, calls, 1)
	assert.InDelta(t, 12.5, calls[0][0], 1e-9)
	assert.InDelta(t, -4.25, calls[0][1], 1e-9)

	// Expected pointing is whatever the mount believed after capture.
	ra, dec, err := f.adapter.TelescopeDirection()
	require.NoError(t, err)
	assert.InDelta(t, ra, calls[0][2], 1e-9)
	assert.InDelta(t, dec, calls[0][3], 1e-9)
}

func TestObservationsPostedWithSensorContext(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		maxRetries: 1,
		chain:      []string{"astrometry"},
		processors: []processing.Processor{&fakeProcessor{
			name: "astrometry",
			result: processing.Result{
				ShouldUpload: true,
				Extracted: map[string]any{
					"optical_observations": []dispatch.OpticalObservation{
						{Epoch: "2026-08-25T10:00:00Z", RightAscension: 181.2, Declination: 3.4},
					},
				},
			},
		}},
	})
	f.submit(t, "task-obs")
	f.waitFinished(t, "task-obs")

	f.client.mu.Lock()
	obs := f.client.observations
	f.client.mu.Unlock()
	require.Len(t, obs, 1)
	assert.Equal(t, "task-obs", obs[0].TaskID)
	assert.Equal(t, "sat-9", obs[0].SatelliteID)
	assert.Equal(t, "tel-1", obs[0].TelescopeID)
	assert.InDelta(t, -31.27, obs[0].SensorLatitude, 1e-9)
	assert.InDelta(t, 0.002, obs[0].AngularNoise, 1e-9)
}

func TestUploadRetriesThenSucceedsOnce(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxRetries: 2})
	f.client.mu.Lock()
	f.client.failUploads = 1
	f.client.mu.Unlock()

	f.submit(t, "task-retry")
	f.waitFinished(t, "task-retry")

	// One failed attempt, one good one; the outcome is reported once.
	assert.Equal(t, 2, f.client.uploadRequests())
	assert.Len(t, f.client.uploadedPaths(), 1)
	assert.Equal(t, []string{dispatch.StatusSucceeded}, f.client.marksFor("task-retry"))
}

func TestUploadPermanentFailureKeepsCapture(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxRetries: 1})
	f.client.mu.Lock()
	f.client.requestErr = errors.New("object store down")
	f.client.mu.Unlock()

	tk := f.submit(t, "task-stuck")
	f.waitFinished(t, "task-stuck")

	assert.Equal(t, []string{dispatch.StatusFailed}, f.client.marksFor("task-stuck"))
	assert.Equal(t, "Upload permanently failed", tk.Status())

	// The data survives for manual recovery.
	files, err := filepath.Glob(filepath.Join(f.images, "task-stuck_*"))
	require.NoError(t, err)
	assert.NotEmpty(t, files)
}

func TestMultiCaptureTaskFinalizesOnce(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxRetries: 1, captures: 3})
	f.submit(t, "task-multi")
	f.waitFinished(t, "task-multi")

	assert.Len(t, f.client.uploadedPaths(), 3)
	assert.Equal(t, []string{dispatch.StatusSucceeded}, f.client.marksFor("task-multi"),
		"the task outcome must be reported exactly once")

	_, err := os.Stat(filepath.Join(f.tmp, "processing", "task-multi"))
	assert.True(t, os.IsNotExist(err))
}

func TestTaskOccupiesOneBucketThroughout(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxRetries: 1})
	f.submit(t, "task-bucket")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		total := 0
		for _, n := range f.reg.CountByStage() {
			total += n
		}
		require.LessOrEqual(t, total, 1, "task must never appear in two buckets")
		if !f.reg.Contains("task-bucket") && f.p.Drained() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("task never finished")
}
