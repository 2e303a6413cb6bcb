package processing

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Registry holds the available processors and builds the configured
// chain from their names.
type Registry struct {
	available map[string]Processor
	log       *slog.Logger
}

// NewRegistry registers the built-in processors. Deployments register
// external ones (plate solvers, photometry) before building the chain.
func NewRegistry(required []string) *Registry {
	r := &Registry{
		available: make(map[string]Processor),
		log:       slog.With("component", "processing"),
	}
	r.Register(NewHeaderCheck(required))
	return r
}

// Register makes a processor available under its own name.
func (r *Registry) Register(p Processor) {
	r.available[p.Name()] = p
}

// Chain resolves config names into the ordered processor slice.
func (r *Registry) Chain(names []string) ([]Processor, error) {
	chain := make([]Processor, 0, len(names))
	for _, name := range names {
		p, ok := r.available[name]
		if !ok {
			return nil, fmt.Errorf("unknown processor %q", name)
		}
		chain = append(chain, p)
	}
	return chain, nil
}

// Deadliner is an optional processor interface. A processor that knows
// its own worst-case runtime (a plate solver shelling out to a blind
// solve) returns it here and Run bounds the call with that deadline.
type Deadliner interface {
	Deadline() time.Duration
}

// Run executes the chain sequentially and folds the results. The first
// processor error aborts the run so the queue's retry logic engages.
func (r *Registry) Run(ctx context.Context, chain []Processor, pctx *Context) (*Aggregate, error) {
	agg := newAggregate()
	for _, p := range chain {
		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if d, ok := p.(Deadliner); ok {
			if limit := d.Deadline(); limit > 0 {
				runCtx, cancel = context.WithTimeout(ctx, limit)
			}
		}
		start := time.Now()
		result, err := p.Process(runCtx, pctx)
		cancel()
		elapsed := time.Since(start)
		processorDuration.WithLabelValues(p.Name()).Observe(elapsed.Seconds())
		if err != nil {
			processorErrors.WithLabelValues(p.Name()).Inc()
			return nil, fmt.Errorf("processor %s failed: %w", p.Name(), err)
		}

		result.Processor = p.Name()
		result.Confidence = clampConfidence(result.Confidence)
		if result.Duration == 0 {
			result.Duration = elapsed
		}
		if !result.ShouldUpload {
			processorRefusals.WithLabelValues(p.Name()).Inc()
		}
		agg.fold(result)

		r.log.Debug("processor finished",
			"processor", p.Name(),
			"task_id", pctx.Task.ID,
			"should_upload", result.ShouldUpload,
			"confidence", result.Confidence,
			"duration", result.Duration)
	}
	return agg, nil
}
