// Package task defines the adapter contract external task implementations
// satisfy so the scheduler can drive them: a start function it invokes
// once, and a pair of one-shot completion signals it subscribes to.
package task

import (
	"context"
	"sync"
)

// SuccessFunc is invoked exactly once when a task completes successfully.
type SuccessFunc func(data map[string]any)

// FailureFunc is invoked exactly once when a task fails.
type FailureFunc func(err error)

// StartFunc is bound to a vertex and invoked exactly once, when the
// scheduler transitions that vertex to IN_PROGRESS.
type StartFunc func(results map[string]any)

// Adapter is the external task contract. OnSuccess and OnFailure each
// register a one-shot callback; of the two, at most one ever fires for a
// well-behaved task (a task emitting both is a protocol violation — the
// scheduler acts on whichever arrives first and the adapter silently
// drops the second, see Func).
type Adapter interface {
	OnSuccess(fn SuccessFunc)
	OnFailure(fn FailureFunc)
}

// Func adapts a synchronous executor function — the natural call/return
// shape of the bundled plugins — into the event-emitter Adapter contract
// the scheduler expects, plus the StartFunc the scheduler invokes to kick
// it off.
//
// Run is executed on its own goroutine so that Start never blocks the
// scheduler. Exactly one of the registered success/failure callbacks fires,
// guarded by a sync.Once: a second call (e.g. a protocol-violating executor,
// or a completion that arrives after the adapter's campaign already ended)
// is silently dropped.
type Func struct {
	Run func(ctx context.Context, results map[string]any) (map[string]any, error)

	once      sync.Once
	onSuccess SuccessFunc
	onFailure FailureFunc
}

// NewFunc returns a Func wrapping run.
func NewFunc(run func(ctx context.Context, results map[string]any) (map[string]any, error)) *Func {
	return &Func{Run: run}
}

// OnSuccess implements Adapter.
func (f *Func) OnSuccess(fn SuccessFunc) { f.onSuccess = fn }

// OnFailure implements Adapter.
func (f *Func) OnFailure(fn FailureFunc) { f.onFailure = fn }

// Start returns the StartFunc to bind to a scheduler vertex. ctx governs
// cancellation of Run; it is typically the campaign's context, or a
// narrower one derived from it.
func (f *Func) Start(ctx context.Context) StartFunc {
	return func(results map[string]any) {
		go func() {
			data, err := f.Run(ctx, results)
			f.once.Do(func() {
				if err != nil {
					if f.onFailure != nil {
						f.onFailure(err)
					}
					return
				}
				if f.onSuccess != nil {
					f.onSuccess(data)
				}
			})
		}()
	}
}
