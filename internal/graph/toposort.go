package graph

// TopologicalSort returns a full ordering of every vertex consistent with
// the graph's edges (Kahn's algorithm), or nil if the graph contains a
// cycle.
//
// It is non-destructive: it copies indegree counts into a working map
// instead of mutating the adjacency structures, so the edge set is
// identical before and after the call (REDESIGN note, SPEC_FULL.md §9 —
// snapshotting and restoring the edge set is unnecessary when the
// algorithm never touches it in the first place).
func (g *Graph) TopologicalSort() []string {
	indegree := make(map[string]int, len(g.vertices))
	for id := range g.vertices {
		indegree[id] = len(g.parents[id])
	}

	queue := g.Roots()
	order := make([]string, 0, len(g.vertices))

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		for child := range g.children[n] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(order) != len(g.vertices) {
		return nil
	}
	return order
}
