package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/adplabs/PigeonKeeper/internal/scheduler"
	"github.com/adplabs/PigeonKeeper/internal/task"
)

// Engine runs WorkflowSpecs as scheduler campaigns, wiring each TaskSpec
// to a PluginExecutor and threading cache lookups, cancellation, and
// persistence around the core scheduler.
type Engine struct {
	Plugins      *PluginRegistry
	Cache        *ResultCache
	Store        *Store
	Cancellation *CancellationManager

	tracer trace.Tracer
}

// NewEngine wires an Engine from its collaborators.
func NewEngine(plugins *PluginRegistry, cache *ResultCache, store *Store, cancel *CancellationManager) *Engine {
	return &Engine{
		Plugins:      plugins,
		Cache:        cache,
		Store:        store,
		Cancellation: cancel,
		tracer:       otel.Tracer("orchestrator-engine"),
	}
}

// RunCampaign builds a scheduler from spec, registers a vertex per task
// wired to its plugin executor, and drives the campaign to completion.
// It blocks until the terminal callback fires (or ctx is done) and
// returns the persisted CampaignRecord.
func (e *Engine) RunCampaign(ctx context.Context, spec WorkflowSpec, maxConcurrent int, quitOnFailure bool) (*CampaignRecord, error) {
	ctx, span := e.tracer.Start(ctx, "engine.run_campaign", trace.WithAttributes(
		attribute.String("workflow", spec.Name),
	))
	defer span.End()

	campaignID := fmt.Sprintf("%s-%s", spec.Name, uuid.NewString())
	campaignCtx, cancel := context.WithCancel(ctx)

	rec := &CampaignRecord{
		CampaignID:   campaignID,
		WorkflowName: spec.Name,
		StartTime:    time.Now(),
	}

	done := make(chan struct{})
	var terminalErr error

	sched := scheduler.New(scheduler.Config{
		Name:          spec.Name,
		MaxConcurrent: maxConcurrent,
		QuitOnFailure: quitOnFailure,
		Terminal: func(err error, results map[string]any) {
			terminalErr = err
			close(done)
		},
	})

	if e.Cancellation != nil {
		e.Cancellation.Register(campaignID, cancel)
		defer e.Cancellation.Complete(campaignID)
	}

	// Guards the campaign's shared results map: independent branches run
	// their task goroutines concurrently, and a Go map tolerates no
	// concurrent writers even on disjoint keys.
	resultsMu := &sync.Mutex{}

	for _, t := range spec.Tasks {
		adapter := task.NewFunc(e.buildRun(t, resultsMu))
		if err := sched.AddVertex(t.ID, adapter, adapter.Start(campaignCtx)); err != nil {
			cancel()
			return nil, fmt.Errorf("add vertex %s: %w", t.ID, err)
		}
	}
	for _, t := range spec.Tasks {
		for _, dep := range t.DependsOn {
			if err := sched.AddEdge(dep, t.ID); err != nil {
				cancel()
				return nil, fmt.Errorf("add edge %s->%s: %w", dep, t.ID, err)
			}
		}
	}

	results := make(map[string]any)
	if err := sched.Start(campaignCtx, results); err != nil {
		cancel()
		return nil, fmt.Errorf("start campaign: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
		rec.Cancelled = true
	}

	rec.EndTime = time.Now()
	rec.Final = sched.OverallState()

	// Under QuitOnFailure an abandoned branch may still be running and
	// write its output after terminal delivery; persist a stable copy
	// instead of the live map.
	resultsMu.Lock()
	finalResults := make(map[string]any, len(results))
	for k, v := range results {
		finalResults[k] = v
	}
	resultsMu.Unlock()
	rec.Final.Results = finalResults
	if terminalErr != nil {
		rec.Error = terminalErr.Error()
	}

	if e.Store != nil {
		if err := e.Store.PutCampaign(ctx, rec); err != nil {
			return rec, fmt.Errorf("persist campaign: %w", err)
		}
	}
	return rec, nil
}

// buildRun returns the synchronous executor function task.Func wraps for
// t: a cache lookup, a plugin dispatch, and a write of the task's output
// back into the campaign's shared results map (so later tasks' template
// resolution can see it). Every access to results goes through mu — the
// plugin executor gets a snapshot taken under the lock, never the live
// map.
func (e *Engine) buildRun(t TaskSpec, mu *sync.Mutex) func(context.Context, map[string]any) (map[string]any, error) {
	return func(ctx context.Context, results map[string]any) (map[string]any, error) {
		taskCtx := ctx
		if t.Timeout > 0 {
			var cancel context.CancelFunc
			taskCtx, cancel = context.WithTimeout(ctx, t.Timeout)
			defer cancel()
		}

		var cacheKey string
		if t.Cacheable && e.Cache != nil {
			cacheKey = CacheKey(t)
			if cached, found := e.Cache.Get(cacheKey); found {
				mu.Lock()
				results[t.ID] = cached
				mu.Unlock()
				return cached, nil
			}
		}

		mu.Lock()
		snapshot := make(map[string]any, len(results))
		for k, v := range results {
			snapshot[k] = v
		}
		mu.Unlock()

		output, err := e.Plugins.Execute(taskCtx, t, snapshot)
		if err != nil {
			if t.AllowFailure {
				absorbed := map[string]any{"allowed_failure": true, "error": err.Error()}
				mu.Lock()
				results[t.ID] = absorbed
				mu.Unlock()
				return absorbed, nil
			}
			return nil, err
		}

		mu.Lock()
		results[t.ID] = output
		mu.Unlock()
		if cacheKey != "" {
			e.Cache.Put(cacheKey, output)
		}
		return output, nil
	}
}
