package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/adplabs/PigeonKeeper/internal/task"
)

// VertexState is the execution state of one vertex within a campaign.
type VertexState int

const (
	// NotReady is the initial state: predecessors have not all succeeded.
	NotReady VertexState = iota
	// Ready means the vertex's predecessors are satisfied and it is
	// eligible for dispatch.
	Ready
	// InProgress means the vertex's task has been started and has not yet
	// reported success or failure.
	InProgress
	// Success is a terminal state.
	Success
	// Fail is a terminal state.
	Fail
)

func (s VertexState) String() string {
	switch s {
	case NotReady:
		return "NOT_READY"
	case Ready:
		return "READY"
	case InProgress:
		return "IN_PROGRESS"
	case Success:
		return "SUCCESS"
	case Fail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders a VertexState as its string name, so API responses
// and persisted records read as "SUCCESS" rather than a bare integer.
func (s VertexState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a VertexState from its string name.
func (s *VertexState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "NOT_READY":
		*s = NotReady
	case "READY":
		*s = Ready
	case "IN_PROGRESS":
		*s = InProgress
	case "SUCCESS":
		*s = Success
	case "FAIL":
		*s = Fail
	default:
		return fmt.Errorf("unknown vertex state %q", name)
	}
	return nil
}

func validState(s VertexState) bool {
	switch s {
	case NotReady, Ready, InProgress, Success, Fail:
		return true
	default:
		return false
	}
}

// vertexRuntime is the scheduler-owned execution record for one vertex,
// scoped to a single campaign. It holds no reference back to the owning
// Scheduler: completion events flow from its bound adapter into the
// Scheduler's handleSuccess/handleFailure, keyed by vertex id, rather than
// through a back-pointer (REDESIGN note, SPEC_FULL.md §9).
type vertexRuntime struct {
	id      string
	state   VertexState
	startFn task.StartFunc
	started bool // guards against firing startFn more than once per campaign
}

// setState validates and applies a state transition. It never invokes the
// bound start function — that is dispatch's job, deliberately deferred
// until after the Scheduler's lock is released, since a StartFunc may
// complete synchronously and call back into the scheduler on the same
// goroutine. Must be called with the owning Scheduler's lock held.
func (v *vertexRuntime) setState(new VertexState) error {
	if !validState(new) {
		return &Error{Kind: KindInvalidState, Payload: new}
	}
	v.state = new
	return nil
}

// reset returns the vertex to its pre-campaign state, for Start's re-entry
// path.
func (v *vertexRuntime) reset() {
	v.state = NotReady
	v.started = false
}
