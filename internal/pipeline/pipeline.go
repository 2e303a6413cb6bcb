// Package pipeline chains the three observation stages — imaging,
// processing, upload — over bounded retry queues. A task enters through
// SubmitImaging when the scheduler releases it and leaves when its last
// capture has been uploaded (or permanently failed), at which point the
// task disappears from the shared registry and the server learns the
// outcome.
//
// Stage boundaries are also failure boundaries. Imaging is all-or-
// nothing: no captures means nothing downstream. Processing is
// fail-open: a capture whose processor chain cannot finish still gets
// uploaded raw, because station-side analysis is an optimization and
// the data is the product. Upload is the only stage that talks to the
// server about results, so only upload decides the task's final status.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/citra-space/citrascope/internal/cache"
	"github.com/citra-space/citrascope/internal/config"
	"github.com/citra-space/citrascope/internal/dispatch"
	"github.com/citra-space/citrascope/internal/hardware"
	"github.com/citra-space/citrascope/internal/location"
	"github.com/citra-space/citrascope/internal/processing"
	"github.com/citra-space/citrascope/internal/queue"
	"github.com/citra-space/citrascope/internal/task"
)

// ============================================================================
// COLLABORATOR CONTRACTS
// ============================================================================

// Client is the slice of the dispatch API the pipeline needs.
type Client interface {
	MarkTask(ctx context.Context, taskID, status string) error
	RequestImageUpload(ctx context.Context, taskID, filename string) (*dispatch.ImageUploadTicket, error)
	UploadImage(ctx context.Context, ticket *dispatch.ImageUploadTicket, path string) error
	PostOpticalObservations(ctx context.Context, obs []dispatch.OpticalObservation) error
}

// Driver executes one observation and returns the captured file paths.
type Driver interface {
	Execute(ctx context.Context, t *task.Task) ([]string, error)
}

// Records serves the dispatch service's telescope and ground-station
// documents. Either may be nil while the daemon is still fetching them;
// the pipeline degrades to unenriched output rather than blocking.
type Records interface {
	Telescope() *dispatch.Telescope
	GroundStation() *dispatch.GroundStation
}

// ============================================================================
// PIPELINE
// ============================================================================

// Options carries the pipeline's collaborators. Queue tuning comes from
// the settings snapshot at construction; per-job knobs (keep_images,
// processor chain, images root) are re-read from Settings on every job
// so config reloads take effect without a restart.
type Options struct {
	Records  Records
	Site     location.Service
	Settings *config.Manager
	Cache    cache.Store
}

// Stats is a point-in-time view over all three stage queues.
type Stats struct {
	Imaging    queue.Stats `json:"imaging"`
	Processing queue.Stats `json:"processing"`
	Upload     queue.Stats `json:"upload"`
}

// jobState tracks one task's outstanding per-capture work. An
// observation can produce several files; the task finishes when the
// last one has cleared the upload stage.
type jobState struct {
	processing int // captures still in the processor chain
	uploading  int // captures still in the upload stage
	moved      bool
	uploadFail bool
}

// Pipeline owns the three stage queues and the callback chain between
// them.
type Pipeline struct {
	client   Client
	driver   Driver
	adapter  hardware.Adapter
	registry *task.Registry
	procs    *processing.Registry
	opts     Options
	log      *slog.Logger

	imagingQ   *queue.Queue
	processQ   *queue.Queue
	uploadQ    *queue.Queue
	stopWindow time.Duration

	mu   sync.Mutex
	jobs map[string]*jobState
}

// New wires the stage queues from the current settings snapshot.
// adapter may be nil when the daemon runs detached from hardware.
func New(client Client, driver Driver, adapter hardware.Adapter, registry *task.Registry, procs *processing.Registry, opts Options) *Pipeline {
	cfg := opts.Settings.Get()

	p := &Pipeline{
		client:     client,
		driver:     driver,
		adapter:    adapter,
		registry:   registry,
		procs:      procs,
		opts:       opts,
		log:        slog.With("component", "pipeline"),
		stopWindow: 30 * time.Second,
		jobs:       make(map[string]*jobState),
	}

	retry := func(workers int) queue.Options {
		return queue.Options{
			Workers:      workers,
			MaxRetries:   cfg.Queues.MaxRetries,
			InitialDelay: cfg.RetryInitialDelay(),
			MaxDelay:     cfg.RetryMaxDelay(),
		}
	}

	imaging := retry(1) // one telescope, one exposure at a time
	imaging.Label = "Imaging"
	p.imagingQ = queue.New(imaging, &imagingExecutor{p: p})

	process := retry(cfg.Queues.ProcessingWorkers)
	process.Label = "Processing"
	p.processQ = queue.New(process, &processingExecutor{p: p})

	upload := retry(cfg.Queues.UploadWorkers)
	upload.Label = "Upload"
	p.uploadQ = queue.New(upload, &uploadExecutor{p: p})

	return p
}

// Start launches the stage workers.
func (p *Pipeline) Start() {
	p.imagingQ.Start()
	p.processQ.Start()
	p.uploadQ.Start()
}

// Stop drains the stages front to back so in-flight work can settle.
func (p *Pipeline) Stop() {
	p.imagingQ.Stop(p.stopWindow)
	p.processQ.Stop(p.stopWindow)
	p.uploadQ.Stop(p.stopWindow)
}

// SubmitImaging accepts a scheduled task for observation. release is
// invoked exactly once, when the task no longer needs the telescope. A
// false return means the imaging queue is full and the task should stay
// scheduled.
func (p *Pipeline) SubmitImaging(t *task.Task, release func()) bool {
	item := &queue.Item{
		ID:      uuid.NewString(),
		Task:    t,
		Payload: &imagingJob{release: release},
	}
	return p.imagingQ.Submit(item)
}

// IsIdle reports whether the telescope is free: nothing queued or
// executing in the imaging stage. Maintenance routines key off this.
func (p *Pipeline) IsIdle() bool {
	return p.imagingQ.IsIdle()
}

// Drained reports whether every stage is empty and quiet.
func (p *Pipeline) Drained() bool {
	return p.imagingQ.IsIdle() && p.processQ.IsIdle() && p.uploadQ.IsIdle()
}

// Stats snapshots all three stage queues.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Imaging:    p.imagingQ.Stats(),
		Processing: p.processQ.Stats(),
		Upload:     p.uploadQ.Stats(),
	}
}

// ============================================================================
// PER-TASK BOOKKEEPING
// ============================================================================

func (p *Pipeline) openJob(taskID string, captures int) {
	p.mu.Lock()
	p.jobs[taskID] = &jobState{processing: captures}
	p.mu.Unlock()
}

// captureProcessed retires one capture from the processing stage and
// reports whether it was the task's last one, which is when the shared
// work dir can go.
func (p *Pipeline) captureProcessed(taskID string) (last bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	js, ok := p.jobs[taskID]
	if !ok {
		return false
	}
	js.processing--
	return js.processing <= 0
}

// enterUpload counts a capture into the upload stage and reports
// whether the task's registry bucket should move with it.
func (p *Pipeline) enterUpload(taskID string) (move bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	js, ok := p.jobs[taskID]
	if !ok {
		return false
	}
	js.uploading++
	if !js.moved {
		js.moved = true
		return true
	}
	return false
}

// uploadDone retires one capture from the upload stage. done reports
// whether the whole task is finished; failed whether any of its
// captures failed to upload.
func (p *Pipeline) uploadDone(taskID string, ok bool) (done, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	js, present := p.jobs[taskID]
	if !present {
		return false, false
	}
	if !ok {
		js.uploadFail = true
	}
	js.uploading--
	if js.processing <= 0 && js.uploading <= 0 {
		delete(p.jobs, taskID)
		return true, js.uploadFail
	}
	return false, js.uploadFail
}

func (p *Pipeline) dropJob(taskID string) {
	p.mu.Lock()
	delete(p.jobs, taskID)
	p.mu.Unlock()
}

// finish closes out a task: final status message, server notification,
// registry removal.
func (p *Pipeline) finish(t *task.Task, status, serverStatus string) {
	t.SetStatus(status)
	p.registry.Drop(t.ID)
	if serverStatus == "" {
		return
	}
	if err := p.client.MarkTask(context.Background(), t.ID, serverStatus); err != nil {
		p.log.Error("failed to report task outcome", "task", t.ID, "status", serverStatus, "error", err)
	}
}

// ============================================================================
// SHARED HELPERS
// ============================================================================

// workDirFor returns the task's processing scratch dir, a sibling of
// the images root so captures and scratch share a filesystem.
func (p *Pipeline) workDirFor(taskID string) string {
	root := p.opts.Settings.Get().Images.Root
	return filepath.Join(filepath.Dir(filepath.Clean(root)), "processing", taskID)
}

func (p *Pipeline) site() location.Site {
	if p.opts.Site != nil {
		return p.opts.Site.Site()
	}
	if gs := p.opts.Records.GroundStation(); gs != nil {
		return location.Site{Latitude: gs.Latitude, Longitude: gs.Longitude, Altitude: gs.Altitude}
	}
	return location.Site{}
}

// collectObservations gathers the astrometric measurements processors
// left in the aggregate and fills in whatever identity and sensor
// fields they did not know.
func (p *Pipeline) collectObservations(t *task.Task, agg *processing.Aggregate) []dispatch.OpticalObservation {
	if agg == nil {
		return nil
	}
	var out []dispatch.OpticalObservation
	for key, v := range agg.Extracted {
		if !strings.HasSuffix(key, ".optical_observations") {
			continue
		}
		obs, ok := v.([]dispatch.OpticalObservation)
		if !ok {
			p.log.Warn("ignoring malformed optical_observations value", "key", key)
			continue
		}
		out = append(out, obs...)
	}
	if len(out) == 0 {
		return nil
	}

	site := p.site()
	tel := p.opts.Records.Telescope()
	for i := range out {
		o := &out[i]
		if o.TaskID == "" {
			o.TaskID = t.ID
		}
		if o.SatelliteID == "" {
			o.SatelliteID = t.SatelliteID
		}
		if o.TelescopeID == "" {
			o.TelescopeID = t.TelescopeID
		}
		if o.SensorLatitude == 0 && o.SensorLongitude == 0 {
			o.SensorLatitude = site.Latitude
			o.SensorLongitude = site.Longitude
			o.SensorAltitude = site.Altitude
		}
		if tel != nil {
			if o.AngularNoise == 0 {
				o.AngularNoise = tel.AngularNoise
			}
			if o.MinWavelength == 0 {
				o.MinWavelength = tel.MinWavelength
			}
			if o.MaxWavelength == 0 {
				o.MaxWavelength = tel.MaxWavelength
			}
		}
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
