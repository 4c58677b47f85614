package model

import (
	"errors"
	"fmt"
)

// GraphNode is a labelled node of a graph artifact
type GraphNode struct {
	ID         string                 `json:"id"`
	Labels     []string               `json:"labels"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// GraphRelationship is a typed edge between two node ids
type GraphRelationship struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	StartNode  string                 `json:"start_node"`
	EndNode    string                 `json:"end_node"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// GraphSnapshot is the full graph handed to a worker as input/graph_data.json
type GraphSnapshot struct {
	Nodes         []GraphNode            `json:"nodes"`
	Relationships []GraphRelationship    `json:"relationships"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// GraphDelta has the snapshot shape but is applied as an additive patch
type GraphDelta GraphSnapshot

// GraphStats summarises a graph artifact
type GraphStats struct {
	NodeCount         int `json:"node_count"`
	RelationshipCount int `json:"relationship_count"`
}

var (
	// ErrInvalidGraph is returned when a graph artifact fails shape validation
	ErrInvalidGraph = errors.New("invalid graph")
)

// Validate checks shape only. Relationship endpoints may point at nodes
// committed by earlier executions, so they are not resolved here.
func (g *GraphSnapshot) Validate() error {
	nodeIDs := make(map[string]struct{}, len(g.Nodes))
	for i, node := range g.Nodes {
		if node.ID == "" {
			return fmt.Errorf("%w: node %d has no id", ErrInvalidGraph, i)
		}
		if _, dup := nodeIDs[node.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, node.ID)
		}
		nodeIDs[node.ID] = struct{}{}
	}

	relIDs := make(map[string]struct{}, len(g.Relationships))
	for i, rel := range g.Relationships {
		switch {
		case rel.ID == "":
			return fmt.Errorf("%w: relationship %d has no id", ErrInvalidGraph, i)
		case rel.Type == "":
			return fmt.Errorf("%w: relationship %q has no type", ErrInvalidGraph, rel.ID)
		case rel.StartNode == "" || rel.EndNode == "":
			return fmt.Errorf("%w: relationship %q is missing an endpoint", ErrInvalidGraph, rel.ID)
		}
		if _, dup := relIDs[rel.ID]; dup {
			return fmt.Errorf("%w: duplicate relationship id %q", ErrInvalidGraph, rel.ID)
		}
		relIDs[rel.ID] = struct{}{}
	}
	return nil
}

// Stats returns node and relationship counts
func (g *GraphSnapshot) Stats() GraphStats {
	return GraphStats{
		NodeCount:         len(g.Nodes),
		RelationshipCount: len(g.Relationships),
	}
}

// Validate checks the delta with the same shape rules as a snapshot
func (d *GraphDelta) Validate() error {
	return (*GraphSnapshot)(d).Validate()
}

// Stats returns node and relationship counts
func (d *GraphDelta) Stats() GraphStats {
	return (*GraphSnapshot)(d).Stats()
}
