package scheduler

import (
	"fmt"
	"strings"
)

// OverallState is a point-in-time snapshot of a campaign, safe to read
// and hold onto after it is returned.
type OverallState struct {
	GUID          string
	Name          string
	Running       bool
	InFlight      int
	MaxConcurrent int
	QuitOnFailure bool
	TopoOrder     []string
	States        map[string]VertexState
	Failed        []string
	Results       map[string]any
}

// OverallState takes a consistent snapshot of the current campaign.
func (s *Scheduler) OverallState() OverallState {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make(map[string]VertexState, len(s.vertices))
	for id, v := range s.vertices {
		states[id] = v.state
	}
	return OverallState{
		GUID:          s.guid,
		Name:          s.name,
		Running:       s.running,
		InFlight:      s.inFlight,
		MaxConcurrent: s.maxConcurrent,
		QuitOnFailure: s.quitOnFailure,
		TopoOrder:     append([]string(nil), s.topoOrder...),
		States:        states,
		Failed:        s.failedIDs(),
		Results:       s.results,
	}
}

// PrettyPrint renders an OverallState as a human-readable multi-line
// summary, in topological order.
func PrettyPrint(st OverallState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "campaign %s (guid=%s) running=%v in_flight=%d/%d quit_on_failure=%v\n",
		st.Name, st.GUID, st.Running, st.InFlight, st.MaxConcurrent, st.QuitOnFailure)

	ids := st.TopoOrder
	if ids == nil {
		ids = make([]string, 0, len(st.States))
		for id := range st.States {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		state, ok := st.States[id]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  %-24s %s\n", id, state)
	}
	if len(st.Failed) > 0 {
		fmt.Fprintf(&b, "failed: %v\n", st.Failed)
	}
	return b.String()
}
