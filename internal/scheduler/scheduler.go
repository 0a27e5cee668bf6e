// Package scheduler implements the DAG campaign state machine: vertex
// readiness propagation, concurrency-capped dispatch, failure-policy
// enforcement, and at-most-once delivery of a terminal callback.
//
// Everything here is single-writer: one mutex serializes every mutating
// entry point (Start, SetState, AddVertex, AddEdge, and the internal
// completion handlers wired up by AddVertex), per the REDESIGN note on
// single-writer discipline in SPEC_FULL.md §9.
package scheduler

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/adplabs/PigeonKeeper/internal/graph"
	"github.com/adplabs/PigeonKeeper/internal/task"
)

// TerminalCallback is invoked exactly once per campaign, with either
// (nil, results) on full success or (*Error, results) on failure.
type TerminalCallback func(err error, results map[string]any)

// Config configures a Scheduler.
type Config struct {
	// Name identifies this scheduler for logging; purely cosmetic.
	Name string
	// Terminal is invoked exactly once per campaign.
	Terminal TerminalCallback
	// QuitOnFailure, if true, ends the campaign as soon as any vertex
	// fails. If false, failure propagates only to descendants and the
	// campaign runs every independent branch to completion.
	QuitOnFailure bool
	// MaxConcurrent caps the number of vertices IN_PROGRESS at once.
	// <= 0 means unbounded.
	MaxConcurrent int
	// LogSink receives diagnostics. Defaults to a log/slog-backed sink.
	LogSink LogSink
	// LogContext is attached to every log entry this scheduler emits.
	LogContext map[string]any
	// Meter and Tracer default to otel.Meter("scheduler") /
	// otel.Tracer("scheduler") when nil.
	Meter  metric.Meter
	Tracer trace.Tracer
}

// Scheduler is the DAG campaign state machine described in SPEC_FULL.md
// §4.3. The zero value is not usable; construct with New.
type Scheduler struct {
	mu sync.Mutex

	guid string
	name string

	graph    *graph.Graph
	vertices map[string]*vertexRuntime

	running       bool
	maxConcurrent int
	inFlight      int
	quitOnFailure bool
	terminalFired bool
	topoOrder     []string
	results       map[string]any

	terminal   TerminalCallback
	logSink    LogSink
	logContext map[string]any

	tracer trace.Tracer

	dispatchedCounter metric.Int64Counter
	successCounter    metric.Int64Counter
	failureCounter    metric.Int64Counter
	campaignCounter   metric.Int64Counter
	inFlightGauge     metric.Int64Gauge
}

// New constructs a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter("scheduler")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("scheduler")
	}
	logSink := cfg.LogSink
	if logSink == nil {
		logSink = NewSlogSink(nil)
	}

	dispatched, _ := meter.Int64Counter("scheduler_vertices_dispatched_total")
	success, _ := meter.Int64Counter("scheduler_vertices_succeeded_total")
	failure, _ := meter.Int64Counter("scheduler_vertices_failed_total")
	campaigns, _ := meter.Int64Counter("scheduler_campaigns_total")
	inFlightGauge, _ := meter.Int64Gauge("scheduler_in_flight")

	return &Scheduler{
		guid:              uuid.NewString(),
		name:              cfg.Name,
		graph:             graph.New(),
		vertices:          make(map[string]*vertexRuntime),
		maxConcurrent:     cfg.MaxConcurrent,
		quitOnFailure:     cfg.QuitOnFailure,
		terminal:          cfg.Terminal,
		logSink:           logSink,
		logContext:        cfg.LogContext,
		tracer:            tracer,
		dispatchedCounter: dispatched,
		successCounter:    success,
		failureCounter:    failure,
		campaignCounter:   campaigns,
		inFlightGauge:     inFlightGauge,
	}
}

// GUID returns this scheduler's per-instance correlation id.
func (s *Scheduler) GUID() string {
	return s.guid
}

// AddVertex creates a vertex bound to adapter/start. It may only be called
// while the scheduler is not running.
func (s *Scheduler) AddVertex(id string, adapter task.Adapter, start task.StartFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerRunning
	}
	if _, err := s.graph.AddVertex(id, nil); err != nil {
		return err
	}

	s.vertices[id] = &vertexRuntime{id: id, startFn: start}

	if adapter != nil {
		adapter.OnSuccess(func(data map[string]any) { s.handleSuccess(id, data) })
		adapter.OnFailure(func(err error) { s.handleFailure(id, err) })
	}
	return nil
}

// AddEdge delegates to the underlying graph. It may only be called while
// the scheduler is not running.
func (s *Scheduler) AddEdge(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerRunning
	}
	return s.graph.AddEdge(from, to)
}

// Start begins a campaign. It captures sharedData as the live results map,
// computes a topological order, resets every vertex to NOT_READY, and runs
// an initial propagate+dispatch pass. It returns immediately: all further
// progress is driven by completion callbacks registered in AddVertex.
//
// If the graph has no topological ordering, Start returns ErrCyclicGraph
// synchronously and starts nothing — see SPEC_FULL.md §9 for why this
// deviates from silently running an empty order.
func (s *Scheduler) Start(ctx context.Context, sharedData map[string]any) error {
	s.mu.Lock()

	_, span := s.tracer.Start(ctx, "scheduler.start", trace.WithAttributes(
		attribute.String("scheduler.name", s.name),
		attribute.String("scheduler.guid", s.guid),
	))
	defer span.End()

	order := s.graph.TopologicalSort()
	if order == nil {
		span.AddEvent("cyclic_graph")
		s.mu.Unlock()
		return ErrCyclicGraph
	}

	s.topoOrder = order
	s.results = sharedData
	if s.results == nil {
		s.results = make(map[string]any)
	}
	s.terminalFired = false
	s.inFlight = 0
	s.running = true

	for _, v := range s.vertices {
		v.reset()
	}

	s.log(LevelInfo, "campaign started", map[string]any{"vertices": len(s.vertices)})
	s.campaignCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("scheduler", s.name)))

	s.propagate()
	pending := s.dispatch(ctx)
	s.mu.Unlock()

	runPending(pending)
	return nil
}

// SetState is the Scheduler's internal commit point for a vertex state
// transition, also usable directly as an escape hatch.
func (s *Scheduler) SetState(id string, new VertexState) error {
	s.mu.Lock()
	pending, err := s.commitTransition(context.Background(), id, new)
	s.mu.Unlock()
	runPending(pending)
	return err
}

// Results returns the live results map for the current (or most recent)
// campaign.
func (s *Scheduler) Results() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results
}

func (s *Scheduler) handleSuccess(id string, data map[string]any) {
	s.mu.Lock()

	if s.terminalFired {
		s.mu.Unlock()
		return
	}
	if _, ok := s.vertices[id]; !ok {
		s.mu.Unlock()
		return
	}
	s.graph.SetData(id, data)
	s.successCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("vertex", id)))
	pending, _ := s.commitTransition(context.Background(), id, Success)
	s.mu.Unlock()

	runPending(pending)
}

func (s *Scheduler) handleFailure(id string, err error) {
	s.mu.Lock()

	if s.terminalFired {
		s.mu.Unlock()
		return
	}
	if _, ok := s.vertices[id]; !ok {
		s.mu.Unlock()
		return
	}
	s.failureCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("vertex", id)))
	if err != nil {
		s.log(LevelError, "task failed", map[string]any{"vertex": id, "error": err.Error()})
	}
	pending, _ := s.commitTransition(context.Background(), id, Fail)
	s.mu.Unlock()

	runPending(pending)
}

// runPending invokes StartFuncs and a terminal callback collected while the
// lock was held. It must run with the lock released: a StartFunc is free to
// complete synchronously and report success/failure back into the scheduler
// on this same goroutine (handleSuccess/handleFailure re-acquire the lock
// themselves), and sync.Mutex is not reentrant.
func runPending(pending []func()) {
	for _, fn := range pending {
		fn()
	}
}

// commitTransition implements SPEC_FULL.md §4.3.3. Must be called with the
// lock held. It returns the StartFuncs/terminal callback that became due as
// a result of this transition, deferred for the caller to run via
// runPending only after releasing the lock.
func (s *Scheduler) commitTransition(ctx context.Context, id string, new VertexState) ([]func(), error) {
	v, ok := s.vertices[id]
	if !ok {
		return nil, &Error{Kind: KindVertexNotFound, Payload: id}
	}
	if s.terminalFired {
		// Late transitions after terminal delivery are absorbed silently.
		return nil, nil
	}
	if err := v.setState(new); err != nil {
		return nil, err
	}

	if new != Success && new != Fail {
		return nil, nil
	}

	s.inFlight--
	s.inFlightGauge.Record(ctx, int64(s.inFlight))

	var pending []func()
	switch new {
	case Success:
		s.propagate()
		allSuccess, anyFailed, allFinal := s.campaignStatus()
		switch {
		case allFinal:
			if t := s.finish(ctx, allSuccess); t != nil {
				pending = append(pending, t)
			}
		case anyFailed:
			if s.quitOnFailure {
				if t := s.finish(ctx, false); t != nil {
					pending = append(pending, t)
				}
			}
			// else: descendants already marked FAIL by propagate; dispatch
			// will simply find no READY roots in that subtree.
		default:
			pending = append(pending, s.dispatch(ctx)...)
		}
	case Fail:
		s.propagate()
		if s.quitOnFailure {
			if t := s.finishStateFailed(ctx, id); t != nil {
				pending = append(pending, t)
			}
			return pending, nil
		}
		_, anyFailed, allFinal := s.campaignStatus()
		if allFinal && anyFailed {
			if t := s.finish(ctx, false); t != nil {
				pending = append(pending, t)
			}
		} else {
			pending = append(pending, s.dispatch(ctx)...)
		}
	}
	return pending, nil
}

// dispatch transitions every READY vertex to IN_PROGRESS, subject to
// maxConcurrent, and returns a StartFunc invocation for each vertex newly
// started. Must be called with the lock held; the returned closures must
// not be invoked until the lock is released.
func (s *Scheduler) dispatch(ctx context.Context) []func() {
	var pending []func()
	for _, id := range s.topoOrder {
		v := s.vertices[id]
		if v.state != Ready {
			continue
		}
		if s.maxConcurrent > 0 && s.inFlight >= s.maxConcurrent {
			break
		}
		s.inFlight++
		s.inFlightGauge.Record(ctx, int64(s.inFlight))
		s.dispatchedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("vertex", id)))
		_ = v.setState(InProgress)

		if !v.started && v.startFn != nil {
			v.started = true
			start, results := v.startFn, s.results
			pending = append(pending, func() { start(results) })
		}
	}
	return pending
}

// campaignStatus computes allSuccess, anyFailed, and allFinal over every
// vertex. Must be called with the lock held.
func (s *Scheduler) campaignStatus() (allSuccess, anyFailed, allFinal bool) {
	allSuccess = true
	allFinal = true
	for _, v := range s.vertices {
		switch v.state {
		case Success:
		case Fail:
			anyFailed = true
			allSuccess = false
		default:
			allSuccess = false
			allFinal = false
		}
	}
	return
}

func (s *Scheduler) failedIDs() []string {
	var ids []string
	for _, id := range s.topoOrder {
		if s.vertices[id].state == Fail {
			ids = append(ids, id)
		}
	}
	return ids
}

// finish marks the campaign terminally finished and returns a closure that
// delivers the terminal callback exactly once: (nil, results) on success, or
// a FailedStates error listing every vertex in state Fail. Returns nil if
// the terminal callback already fired, or none is configured. The closure
// must be invoked via runPending, after the lock is released.
func (s *Scheduler) finish(ctx context.Context, success bool) func() {
	if s.terminalFired {
		return nil
	}
	s.terminalFired = true
	s.running = false

	var err error
	if !success {
		err = &Error{Kind: KindFailedStates, Payload: s.failedIDs()}
	}
	s.log(LevelInfo, "campaign finished", map[string]any{"success": success})
	if s.terminal == nil {
		return nil
	}
	terminal, results := s.terminal, s.results
	return func() { terminal(err, results) }
}

// finishStateFailed marks the campaign terminally aborted and returns a
// closure delivering the terminal callback exactly once with a StateFailed
// error naming the single vertex that triggered early termination under
// QuitOnFailure. Returns nil if the terminal callback already fired, or
// none is configured. The closure must be invoked via runPending, after the
// lock is released.
func (s *Scheduler) finishStateFailed(ctx context.Context, id string) func() {
	if s.terminalFired {
		return nil
	}
	s.terminalFired = true
	s.running = false

	s.log(LevelError, "campaign aborted", map[string]any{"failed_vertex": id})
	if s.terminal == nil {
		return nil
	}
	terminal, results := s.terminal, s.results
	return func() { terminal(&Error{Kind: KindStateFailed, Payload: id}, results) }
}

func (s *Scheduler) log(level LogLevel, message string, fields map[string]any) {
	if s.logSink == nil {
		return
	}
	ctx := make(map[string]any, len(s.logContext)+len(fields))
	for k, v := range s.logContext {
		ctx[k] = v
	}
	for k, v := range fields {
		ctx[k] = v
	}
	ctx["scheduler_guid"] = s.guid
	s.logSink.AddLog(level, message, ctx)
}
