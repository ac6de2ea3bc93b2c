package flow

import "fmt"

// ValidationReport is the outcome of DAG validation. When Valid is false,
// ExecutionOrder is empty and Errors lists every problem found.
type ValidationReport struct {
	Valid          bool
	ExecutionOrder []string
	Errors         []string
}

// ValidateDAG checks graph integrity and computes a topological execution
// order using Kahn's algorithm. It is pure: no state, no side effects, and
// it never panics on malformed input.
//
// Rejected shapes: duplicate node IDs, edges whose endpoints are not nodes,
// self-loops, and cycles. When several nodes are ready at once the
// insertion order of nodes breaks the tie, which makes the order
// deterministic for a given definition.
func ValidateDAG(nodes []Node, edges []Edge) ValidationReport {
	var errs []string

	index := make(map[string]int, len(nodes)) // node ID -> insertion position
	for i, n := range nodes {
		if n.ID == "" {
			errs = append(errs, fmt.Sprintf("node at position %d has an empty id", i))
			continue
		}
		if _, dup := index[n.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		index[n.ID] = i
	}

	adjacency := make(map[string][]string, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] = 0
	}

	for _, e := range edges {
		if _, ok := index[e.Source]; !ok {
			errs = append(errs, fmt.Sprintf("edge %q references unknown source node %q", e.ID, e.Source))
			continue
		}
		if _, ok := index[e.Target]; !ok {
			errs = append(errs, fmt.Sprintf("edge %q references unknown target node %q", e.ID, e.Target))
			continue
		}
		if e.Source == e.Target {
			errs = append(errs, fmt.Sprintf("edge %q is a self-loop on node %q", e.ID, e.Source))
			continue
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		inDegree[e.Target]++
	}

	if len(errs) > 0 {
		return ValidationReport{Valid: false, ExecutionOrder: []string{}, Errors: errs}
	}

	// Kahn's algorithm. The ready set is scanned in node insertion order so
	// independent roots and siblings run in the order the author listed them.
	order := make([]string, 0, len(nodes))
	visited := make(map[string]bool, len(nodes))
	for len(order) < len(nodes) {
		next := ""
		for _, n := range nodes {
			if !visited[n.ID] && inDegree[n.ID] == 0 {
				next = n.ID
				break
			}
		}
		if next == "" {
			// Every unvisited node has a positive in-degree.
			break
		}
		visited[next] = true
		order = append(order, next)
		for _, child := range adjacency[next] {
			inDegree[child]--
		}
	}

	if len(order) != len(nodes) {
		return ValidationReport{
			Valid:          false,
			ExecutionOrder: []string{},
			Errors:         []string{"workflow graph contains a cycle"},
		}
	}

	return ValidationReport{Valid: true, ExecutionOrder: order, Errors: []string{}}
}
