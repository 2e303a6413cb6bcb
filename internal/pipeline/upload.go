package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/citra-space/citrascope/internal/dispatch"
	"github.com/citra-space/citrascope/internal/fitsio"
	"github.com/citra-space/citrascope/internal/processing"
	"github.com/citra-space/citrascope/internal/queue"
	"github.com/citra-space/citrascope/internal/task"
)

// uploadJob ships one original capture plus the processing verdict on
// it. A nil aggregate means the chain never finished; the capture goes
// up raw.
type uploadJob struct {
	capture string
	agg     *processing.Aggregate
}

type uploadOutcome struct {
	skipped bool
	reason  string
}

// submitUpload queues one capture for upload and moves the task's
// bucket along with the first one.
func (p *Pipeline) submitUpload(t *task.Task, capture string, agg *processing.Aggregate) {
	if p.enterUpload(t.ID) {
		p.registry.Move(t.ID, task.StageUploading)
		t.SetStatus("Uploading results...")
	}
	item := &queue.Item{ID: uuid.NewString(), Task: t, Payload: &uploadJob{capture: capture, agg: agg}}
	if !p.uploadQ.Submit(item) {
		p.log.Error("upload queue full, capture stays on disk", "task", t.ID, "capture", capture)
		if done, _ := p.uploadDone(t.ID, false); done {
			p.finish(t, "Upload permanently failed", dispatch.StatusFailed)
		}
	}
}

// uploadExecutor is the only stage that reports results to the server:
// header enrichment, signed upload, astrometry hand-off. Everything in
// Execute is safe to repeat, so retries re-run the whole attempt.
type uploadExecutor struct {
	p *Pipeline
}

var _ queue.Executor = (*uploadExecutor)(nil)

func (e *uploadExecutor) Execute(ctx context.Context, item *queue.Item) (any, error) {
	t := item.Task
	job := item.Payload.(*uploadJob)

	if job.agg != nil && !job.agg.ShouldUpload {
		return uploadOutcome{skipped: true, reason: job.agg.SkipReason}, nil
	}

	if _, err := fitsio.EnrichFile(job.capture, e.enrichment(t)); err != nil {
		return nil, fmt.Errorf("failed to enrich capture: %w", err)
	}

	ticket, err := e.p.client.RequestImageUpload(ctx, t.ID, filepath.Base(job.capture))
	if err != nil {
		return nil, fmt.Errorf("failed to request upload slot: %w", err)
	}
	if err := e.p.client.UploadImage(ctx, ticket, job.capture); err != nil {
		return nil, fmt.Errorf("failed to upload capture: %w", err)
	}

	if obs := e.p.collectObservations(t, job.agg); len(obs) > 0 {
		if err := e.p.client.PostOpticalObservations(ctx, obs); err != nil {
			return nil, fmt.Errorf("failed to post observations: %w", err)
		}
		e.p.log.Info("observations posted", "task", t.ID, "count", len(obs))
	}
	return uploadOutcome{}, nil
}

// enrichment stamps provenance into the capture header before it leaves
// the station.
func (e *uploadExecutor) enrichment(t *task.Task) fitsio.Enrichment {
	site := e.p.site()
	enr := fitsio.Enrichment{
		TaskID:    t.ID,
		Target:    t.SatelliteName,
		Filter:    t.AssignedFilterName,
		Origin:    "CitraScope",
		Latitude:  site.Latitude,
		Longitude: site.Longitude,
		Altitude:  site.Altitude,
	}
	if tel := e.p.opts.Records.Telescope(); tel != nil {
		enr.Telescope = tel.Name
	}
	if gs := e.p.opts.Records.GroundStation(); gs != nil {
		enr.Observer = gs.Name
	}
	return enr
}

func (e *uploadExecutor) OnSuccess(item *queue.Item, result any) {
	t := item.Task
	job := item.Payload.(*uploadJob)
	outcome := result.(uploadOutcome)

	if outcome.skipped {
		e.p.log.Info("upload skipped", "task", t.ID, "reason", outcome.reason)
	}
	if !e.p.opts.Settings.Get().Images.KeepImages {
		if err := os.Remove(job.capture); err != nil && !os.IsNotExist(err) {
			e.p.log.Warn("failed to remove capture", "capture", job.capture, "error", err)
		}
	}

	done, failed := e.p.uploadDone(t.ID, true)
	if !done {
		return
	}
	switch {
	case failed:
		e.p.finish(t, "Upload permanently failed", dispatch.StatusFailed)
	case outcome.skipped:
		e.p.finish(t, fmt.Sprintf("Completed, upload skipped: %s", outcome.reason), dispatch.StatusSucceeded)
	default:
		e.p.finish(t, "Completed", dispatch.StatusSucceeded)
	}
}

// OnPermanentFailure keeps the capture on disk; an operator can still
// recover the data by hand.
func (e *uploadExecutor) OnPermanentFailure(item *queue.Item) {
	t := item.Task
	e.p.log.Error("upload permanently failed, capture kept on disk",
		"task", t.ID, "capture", item.Payload.(*uploadJob).capture)

	if done, _ := e.p.uploadDone(t.ID, false); done {
		e.p.finish(t, "Upload permanently failed", dispatch.StatusFailed)
	}
}
