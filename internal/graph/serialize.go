package graph

import (
	"encoding/json"
	"fmt"
)

type serializedNode struct {
	ID               string  `json:"id"`
	EstimatedMinutes float64 `json:"estimatedMinutes"`
}

type serializedGraph struct {
	Tasks []serializedNode `json:"tasks"`
	Edges [][2]string      `json:"edges"` // [taskId, depId]
}

// Serialize encodes the graph as a flat task list plus (taskId, depId) edges.
func (g *Graph) Serialize() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	data := serializedGraph{
		Tasks: make([]serializedNode, 0, len(g.order)),
		Edges: [][2]string{},
	}
	for _, id := range g.order {
		data.Tasks = append(data.Tasks, serializedNode{ID: id, EstimatedMinutes: g.durations[id]})
		for _, dep := range g.deps[id] {
			data.Edges = append(data.Edges, [2]string{id, dep})
		}
	}
	return json.Marshal(data)
}

// Deserialize rebuilds a graph through AddTask and AddDependency, so
// duplicate ids and dangling edges are rejected.
func Deserialize(raw []byte) (*Graph, error) {
	var data serializedGraph
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decoding graph: %w", err)
	}

	g := New()
	for _, node := range data.Tasks {
		if err := g.AddTask(node.ID, node.EstimatedMinutes); err != nil {
			return nil, err
		}
	}
	for _, edge := range data.Edges {
		if err := g.AddDependency(edge[0], edge[1]); err != nil {
			return nil, err
		}
	}
	return g, nil
}
