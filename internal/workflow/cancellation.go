package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ExecutionStatus is the lifecycle state CancellationManager tracks for
// one campaign.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

type trackedCampaign struct {
	cancel      context.CancelFunc
	status      ExecutionStatus
	reason      string
	cancelledAt time.Time
}

// CancellationManager tracks in-flight campaigns and lets a caller cancel
// one by id. Cancelling cancels the campaign's context, under which every
// task executor runs: executors that honor it abort (in-flight HTTP
// requests, python and shell processes), and vertices dispatched later
// start with an already-cancelled context. The scheduler itself is not
// stopped; it keeps dispatching and records each task's outcome.
type CancellationManager struct {
	mu        sync.RWMutex
	campaigns map[string]*trackedCampaign

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// NewCancellationManager constructs a CancellationManager.
func NewCancellationManager(meter metric.Meter) *CancellationManager {
	cancellations, _ := meter.Int64Counter("orchestrator_cancellations_total")
	return &CancellationManager{
		campaigns:     make(map[string]*trackedCampaign),
		cancellations: cancellations,
		tracer:        otel.Tracer("orchestrator-cancellation"),
	}
}

// Register tracks a running campaign under id.
func (cm *CancellationManager) Register(id string, cancel context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.campaigns[id] = &trackedCampaign{cancel: cancel, status: ExecutionRunning}
}

// Cancel cancels the context of the running campaign identified by id and
// marks it ExecutionCancelled.
func (cm *CancellationManager) Cancel(ctx context.Context, id, reason string) error {
	ctx, span := cm.tracer.Start(ctx, "cancellation.cancel", trace.WithAttributes(
		attribute.String("campaign_id", id),
		attribute.String("reason", reason),
	))
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	tc, ok := cm.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign not found or already completed: %s", id)
	}
	if tc.status != ExecutionRunning {
		return fmt.Errorf("campaign is not running: %s (status: %s)", id, tc.status)
	}

	tc.cancel()
	tc.status = ExecutionCancelled
	tc.reason = reason
	tc.cancelledAt = time.Now()

	cm.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	span.AddEvent("campaign_cancelled")
	return nil
}

// Complete marks id as finished and eligible for later cleanup.
func (cm *CancellationManager) Complete(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if tc, ok := cm.campaigns[id]; ok && tc.status == ExecutionRunning {
		tc.status = ExecutionCompleted
	}
}

// Status reports the tracked status of id.
func (cm *CancellationManager) Status(id string) (ExecutionStatus, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	tc, ok := cm.campaigns[id]
	if !ok {
		return "", false
	}
	return tc.status, true
}

// Cleanup removes every completed campaign, and every cancelled campaign
// cancelled more than retention ago; running campaigns are kept. It
// returns the number removed.
func (cm *CancellationManager) Cleanup(retention time.Duration) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for id, tc := range cm.campaigns {
		if tc.status == ExecutionRunning {
			continue
		}
		if tc.status == ExecutionCancelled && now.Sub(tc.cancelledAt) > retention {
			delete(cm.campaigns, id)
			cleaned++
		} else if tc.status == ExecutionCompleted {
			delete(cm.campaigns, id)
			cleaned++
		}
	}
	return cleaned
}

// StartCleanupLoop runs Cleanup every interval until ctx is done.
func (cm *CancellationManager) StartCleanupLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.Cleanup(retention)
		}
	}
}
