package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/citra-space/citrascope/internal/hardware"
	"github.com/citra-space/citrascope/internal/processing"
	"github.com/citra-space/citrascope/internal/queue"
)

// processingJob carries one capture through the processor chain,
// together with where the mount believed it was pointing when the
// shutter closed. A plate solver's measured center against that belief
// is the pointing-model correction.
type processingJob struct {
	capture     string
	expectedRA  float64
	expectedDec float64
	expValid    bool
}

// processingExecutor runs the configured processor chain over one
// capture inside a per-task scratch dir. The chain works on a copy;
// the original capture is what upload ships.
type processingExecutor struct {
	p *Pipeline
}

var _ queue.Executor = (*processingExecutor)(nil)

func (e *processingExecutor) Execute(ctx context.Context, item *queue.Item) (any, error) {
	t := item.Task
	job := item.Payload.(*processingJob)
	cfg := e.p.opts.Settings.Get()

	chain, err := e.p.procs.Chain(cfg.Processing.Chain)
	if err != nil {
		return nil, fmt.Errorf("failed to build processor chain: %w", err)
	}
	if len(chain) == 0 {
		return (*processing.Aggregate)(nil), nil
	}

	workDir := e.p.workDirFor(t.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	working := filepath.Join(workDir, filepath.Base(job.capture))
	if err := copyFile(job.capture, working); err != nil {
		return nil, fmt.Errorf("failed to stage capture: %w", err)
	}

	pctx := &processing.Context{
		CapturePath:   job.capture,
		WorkingPath:   working,
		WorkDir:       workDir,
		Task:          t,
		Telescope:     e.p.opts.Records.Telescope(),
		GroundStation: e.p.opts.Records.GroundStation(),
		Settings:      cfg,
		Log:           slog.With("component", "processing", "task", t.ID),
		Location:      e.p.opts.Site,
		Cache:         e.p.opts.Cache,
	}
	return e.p.procs.Run(ctx, chain, pctx)
}

func (e *processingExecutor) OnSuccess(item *queue.Item, result any) {
	agg, _ := result.(*processing.Aggregate)
	e.complete(item, agg)
}

// OnPermanentFailure is the fail-open path: the chain never finished,
// so the capture moves on raw with no aggregate.
func (e *processingExecutor) OnPermanentFailure(item *queue.Item) {
	e.p.log.Warn("processing permanently failed, uploading capture raw",
		"task", item.Task.ID)
	e.complete(item, nil)
}

// complete retires one capture from the processing stage: feed the
// plate-solve result back to the mount, drop the scratch dir with the
// last capture, hand the original to upload.
func (e *processingExecutor) complete(item *queue.Item, agg *processing.Aggregate) {
	t := item.Task
	job := item.Payload.(*processingJob)

	e.syncPointing(job, agg)

	if e.p.captureProcessed(t.ID) {
		e.p.removeWorkDir(t.ID)
	}
	e.p.submitUpload(t, job.capture, agg)
}

// syncPointing closes the pointing loop: when a plate solver measured
// the true frame center and the mount's belief at capture time is
// known, the adapter may absorb the difference into its model.
func (e *processingExecutor) syncPointing(job *processingJob, agg *processing.Aggregate) {
	if agg == nil || !job.expValid || e.p.adapter == nil {
		return
	}
	aligner, ok := e.p.adapter.(hardware.PlateSolveAligner)
	if !ok {
		return
	}
	ra, okRA := agg.Float("plate_solver", "ra_center")
	dec, okDec := agg.Float("plate_solver", "dec_center")
	if !okRA || !okDec {
		return
	}
	if err := aligner.UpdateFromPlateSolve(ra, dec, job.expectedRA, job.expectedDec); err != nil {
		e.p.log.Warn("plate-solve sync rejected", "error", err)
		return
	}
	e.p.log.Info("pointing model updated from plate solve",
		"ra", ra, "dec", dec, "expected_ra", job.expectedRA, "expected_dec", job.expectedDec)
}

func (p *Pipeline) removeWorkDir(taskID string) {
	dir := p.workDirFor(taskID)
	if err := os.RemoveAll(dir); err != nil {
		p.log.Warn("failed to remove work dir", "dir", dir, "error", err)
	}
}
