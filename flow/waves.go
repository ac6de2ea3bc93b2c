package flow

// Wave is one longest-path level of the DAG: every node in a wave has all
// of its parents in strictly earlier waves, so nodes within a wave carry no
// mutual dependencies.
type Wave struct {
	Level   int
	NodeIDs []string
}

// PlanWaves groups a topological order into waves by longest-path level:
// L(n) = max over parents p of L(p)+1, defaulting to 0 for roots. Node
// order within a wave preserves the topological order, so wave-sequential
// execution visits nodes exactly in the validator's order.
//
// Waves expose the parallelism the graph permits; whether an engine
// exploits it is an execution policy, not a property of the plan.
func PlanWaves(order []string, edges []Edge) []Wave {
	if len(order) == 0 {
		return []Wave{}
	}

	parents := make(map[string][]string, len(order))
	for _, e := range edges {
		parents[e.Target] = append(parents[e.Target], e.Source)
	}

	level := make(map[string]int, len(order))
	maxLevel := 0
	for _, id := range order {
		l := 0
		for _, p := range parents[id] {
			if pl, ok := level[p]; ok && pl+1 > l {
				l = pl + 1
			}
		}
		level[id] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	waves := make([]Wave, maxLevel+1)
	for i := range waves {
		waves[i].Level = i
	}
	for _, id := range order {
		l := level[id]
		waves[l].NodeIDs = append(waves[l].NodeIDs, id)
	}
	return waves
}

// waveNodeLists renders the plan as nested []interface{} values, the shape
// recorded under knowledge["scheduler.waves"] and carried into snapshots.
func waveNodeLists(waves []Wave) []interface{} {
	out := make([]interface{}, 0, len(waves))
	for _, w := range waves {
		ids := make([]interface{}, 0, len(w.NodeIDs))
		for _, id := range w.NodeIDs {
			ids = append(ids, id)
		}
		out = append(out, ids)
	}
	return out
}
