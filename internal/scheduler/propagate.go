package scheduler

// propagate derives each vertex's new state from its parents' states,
// iterating topoOrder. It computes every new state from a single snapshot
// of prior states before applying any of them (two-pass), so that one
// vertex's transition within a call never influences the decision for a
// later vertex in the same call. Must be called with the lock held.
func (s *Scheduler) propagate() {
	type change struct {
		id  string
		new VertexState
	}
	var changes []change

	for _, id := range s.topoOrder {
		v := s.vertices[id]
		if v.state != NotReady {
			continue
		}

		if s.graph.Indegree(id) == 0 {
			changes = append(changes, change{id, Ready})
			continue
		}

		allSuccess := true
		anyFail := false
		for _, pid := range s.graph.Parents(id) {
			switch s.vertices[pid].state {
			case Success:
			case Fail:
				anyFail = true
				allSuccess = false
			default:
				allSuccess = false
			}
		}

		switch {
		case allSuccess:
			changes = append(changes, change{id, Ready})
		case anyFail:
			changes = append(changes, change{id, Fail})
		}
	}

	for _, c := range changes {
		_ = s.vertices[c.id].setState(c.new)
	}
}
