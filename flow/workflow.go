package flow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Workflow is a user-authored DAG of typed nodes and edges.
//
// Version increments whenever nodes or edges change; Status reflects the
// authoring lifecycle (draft, active, archived) and is opaque to the engine.
type Workflow struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty"`
	Version     int       `json:"version"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// Node is one vertex of a workflow. Type maps to a registered definition;
// Config is interpreted by that definition's schema and execute function.
// Position is editor layout data the engine never reads.
type Node struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Label    string                 `json:"label,omitempty"`
	Position map[string]interface{} `json:"position,omitempty"`
	Config   map[string]interface{} `json:"config,omitempty"`
}

// Edge connects Source to Target. Condition is the raw condition string;
// see ParseEdgeCondition for its domain.
type Edge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// ParseWorkflow decodes a workflow definition from JSON.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	return &wf, nil
}

// nodeByID builds an index of nodes keyed by ID. Later duplicates are
// reported by the validator, not silently merged.
func nodeByID(nodes []Node) map[string]Node {
	index := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if _, exists := index[n.ID]; exists {
			continue
		}
		index[n.ID] = n
	}
	return index
}
