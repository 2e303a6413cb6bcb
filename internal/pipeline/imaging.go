package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/citra-space/citrascope/internal/dispatch"
	"github.com/citra-space/citrascope/internal/queue"
	"github.com/citra-space/citrascope/internal/task"
)

// imagingJob rides the imaging queue item. release hands the telescope
// back to the scheduler; it must fire exactly once, on the attempt that
// settles the item.
type imagingJob struct {
	release func()
}

func (j *imagingJob) released() {
	if j.release != nil {
		j.release()
		j.release = nil
	}
}

// imagingExecutor runs the observation itself. Retries re-run the whole
// pointing-and-capture sequence, so the telescope stays held across
// attempts.
type imagingExecutor struct {
	p *Pipeline
}

var _ queue.Executor = (*imagingExecutor)(nil)

func (e *imagingExecutor) Execute(ctx context.Context, item *queue.Item) (any, error) {
	t := item.Task
	e.p.registry.Move(t.ID, task.StageImaging)
	t.SetStatus("Starting imaging...")

	paths, err := e.p.driver.Execute(ctx, t)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("observation produced no captures")
	}
	return paths, nil
}

// OnSuccess releases the telescope, snapshots where the mount believes
// it is pointing for the plate-solve feedback loop, and fans the
// captures out to the processing stage.
func (e *imagingExecutor) OnSuccess(item *queue.Item, result any) {
	t := item.Task
	job := item.Payload.(*imagingJob)
	job.released()

	paths := result.([]string)

	var expRA, expDec float64
	var expValid bool
	if e.p.adapter != nil {
		if ra, dec, err := e.p.adapter.TelescopeDirection(); err == nil {
			expRA, expDec, expValid = ra, dec, true
		}
	}

	e.p.openJob(t.ID, len(paths))
	e.p.registry.Move(t.ID, task.StageProcessing)
	t.SetStatus("Processing images...")
	e.p.log.Info("imaging complete", "task", t.ID, "captures", len(paths))

	for _, path := range paths {
		pj := &processingJob{
			capture:     path,
			expectedRA:  expRA,
			expectedDec: expDec,
			expValid:    expValid,
		}
		ok := e.p.processQ.Submit(&queue.Item{ID: uuid.NewString(), Task: t, Payload: pj})
		if !ok {
			// Processing is full; the capture still reaches the server.
			e.p.log.Warn("processing queue full, uploading capture raw", "task", t.ID, "capture", path)
			if e.p.captureProcessed(t.ID) {
				e.p.removeWorkDir(t.ID)
			}
			e.p.submitUpload(t, path, nil)
		}
	}
}

// OnPermanentFailure ends the task: the window is spent, nothing was
// captured. Server-cancelled tasks are not reported back; the server
// already holds their terminal status.
func (e *imagingExecutor) OnPermanentFailure(item *queue.Item) {
	t := item.Task
	job := item.Payload.(*imagingJob)
	job.released()
	e.p.dropJob(t.ID)

	if t.Cancelled() {
		e.p.log.Info("observation cancelled", "task", t.ID)
		e.p.finish(t, "Cancelled by dispatch", "")
		return
	}
	e.p.log.Error("imaging permanently failed", "task", t.ID)
	e.p.finish(t, "Imaging permanently failed", dispatch.StatusFailed)
}
