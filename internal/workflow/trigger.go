package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	nats "github.com/nats-io/nats.go"

	"github.com/adplabs/PigeonKeeper/internal/natsctx"
)

// ScheduleConfig describes when and how a WorkflowSpec should be
// triggered: either on a cron expression, or in response to a NATS
// subject.
type ScheduleConfig struct {
	WorkflowName  string            `json:"workflow_name"`
	CronExpr      string            `json:"cron_expr,omitempty"`
	NATSSubject   string            `json:"nats_subject,omitempty"`
	Enabled       bool              `json:"enabled"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Trigger drives cron- and NATS-based campaign launches on top of an
// Engine, persisting schedules to Store so they survive a restart.
type Trigger struct {
	cron  *cron.Cron
	store *Store
	nc    *nats.Conn
	run   func(ctx context.Context, workflowName string, cfg *ScheduleConfig)

	mu      sync.Mutex
	running map[string]int // workflow name -> in-flight trigger count

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	tracer        trace.Tracer
}

// NewTrigger builds a Trigger. run is invoked each time a schedule fires
// (cron tick or matching NATS message); it is typically a thin wrapper
// around Store.GetWorkflow + Engine.RunCampaign.
func NewTrigger(store *Store, nc *nats.Conn, meter metric.Meter, run func(ctx context.Context, workflowName string, cfg *ScheduleConfig)) *Trigger {
	scheduleRuns, _ := meter.Int64Counter("orchestrator_schedule_runs_total")
	scheduleFails, _ := meter.Int64Counter("orchestrator_schedule_failures_total")
	eventTriggers, _ := meter.Int64Counter("orchestrator_event_triggers_total")

	return &Trigger{
		cron:          cron.New(cron.WithSeconds()),
		store:         store,
		nc:            nc,
		run:           run,
		running:       make(map[string]int),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
		tracer:        otel.Tracer("orchestrator-trigger"),
	}
}

// Start begins the cron scheduler. NATS subscriptions are set up per
// schedule in AddSchedule.
func (t *Trigger) Start() {
	t.cron.Start()
	slog.Info("trigger started")
}

// Stop gracefully stops the cron scheduler, waiting up to the context
// deadline for in-flight jobs to finish.
func (t *Trigger) Stop(ctx context.Context) error {
	stopCtx := t.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSchedule registers cfg's cron entry or, when no cron expression is
// set, its NATS subscription, persists it, and starts enforcing its
// MaxConcurrent cap.
func (t *Trigger) AddSchedule(ctx context.Context, cfg *ScheduleConfig) error {
	ctx, span := t.tracer.Start(ctx, "trigger.add_schedule", trace.WithAttributes(
		attribute.String("workflow", cfg.WorkflowName),
	))
	defer span.End()

	switch {
	case cfg.CronExpr != "":
		if _, err := t.cron.AddFunc(cfg.CronExpr, func() {
			t.fire(context.Background(), cfg)
		}); err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
	case cfg.NATSSubject != "":
		if t.nc == nil {
			return fmt.Errorf("nats connection not configured, cannot register subject %s", cfg.NATSSubject)
		}
		if _, err := natsctx.Subscribe(t.nc, cfg.NATSSubject, func(c context.Context, m *nats.Msg) {
			t.eventTriggers.Add(c, 1, metric.WithAttributes(attribute.String("subject", cfg.NATSSubject)))
			t.fire(c, cfg)
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.NATSSubject, err)
		}
	default:
		return fmt.Errorf("schedule for %s must set cron_expr or nats_subject", cfg.WorkflowName)
	}

	if t.store != nil {
		if err := t.store.PutSchedule(ctx, cfg); err != nil {
			return fmt.Errorf("persist schedule: %w", err)
		}
	}
	return nil
}

func (t *Trigger) fire(ctx context.Context, cfg *ScheduleConfig) {
	if !cfg.Enabled {
		return
	}

	t.mu.Lock()
	if cfg.MaxConcurrent > 0 && t.running[cfg.WorkflowName] >= cfg.MaxConcurrent {
		t.mu.Unlock()
		slog.Warn("schedule max concurrency reached", "workflow", cfg.WorkflowName)
		return
	}
	t.running[cfg.WorkflowName]++
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running[cfg.WorkflowName]--
		t.mu.Unlock()
	}()

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	t.run(runCtx, cfg.WorkflowName, cfg)
	t.scheduleRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", cfg.WorkflowName),
		attribute.Int64("duration_ms", time.Since(start).Milliseconds()),
	))
}

// RemoveSchedule deletes a persisted schedule. Cron entries cannot be
// removed by name with this library; restart the process to drop a
// cancelled cron job from the running set.
func (t *Trigger) RemoveSchedule(ctx context.Context, workflowName string) error {
	if t.store == nil {
		return nil
	}
	return t.store.DeleteSchedule(ctx, workflowName)
}

// ListSchedules returns every persisted ScheduleConfig.
func (t *Trigger) ListSchedules(ctx context.Context) ([]*ScheduleConfig, error) {
	if t.store == nil {
		return nil, nil
	}
	return t.store.ListSchedules(ctx)
}

// RestoreSchedules re-registers every enabled schedule persisted in
// Store, for use on process startup.
func (t *Trigger) RestoreSchedules(ctx context.Context) error {
	schedules, err := t.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	restored, failed := 0, 0
	for _, cfg := range schedules {
		if !cfg.Enabled {
			continue
		}
		if err := t.AddSchedule(ctx, cfg); err != nil {
			slog.Error("failed to restore schedule", "workflow", cfg.WorkflowName, "error", err)
			failed++
			continue
		}
		restored++
	}
	slog.Info("schedules restored", "restored", restored, "failed", failed)
	return nil
}
