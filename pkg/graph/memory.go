package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Node is a node held by MemoryGraph
type Node struct {
	Label string `json:"label"`
	Key   string `json:"key"`
	Value string `json:"value"`
	Props Props  `json:"props,omitempty"`
}

// Edge is a relationship held by MemoryGraph
type Edge struct {
	Type  string `json:"type"`
	From  string `json:"from"`
	To    string `json:"to"`
	Match Props  `json:"match,omitempty"`
	Props Props  `json:"props,omitempty"`
}

func (e *Edge) id() string {
	return e.From + "|" + e.Type + "|" + e.To + "|" + matchSignature(e.Match)
}

// MemoryGraph is an in-process Store with adjacency and label indexes.
// It can persist itself as a JSON snapshot.
type MemoryGraph struct {
	nodes     map[string]*Node
	adjacency map[string]map[string]*Edge // node -> {edge id -> edge}
	reverse   map[string]map[string]*Edge // reverse edges for incoming queries
	index     map[string]map[string]struct{}
	snapshot  string
	mu        sync.RWMutex
}

// NewMemoryGraph creates an empty graph
func NewMemoryGraph() *MemoryGraph {
	g := &MemoryGraph{}
	g.reset()
	return g
}

// OpenMemoryGraph loads the snapshot at path (if any) and saves back to it
// on Close
func OpenMemoryGraph(path string) (*MemoryGraph, error) {
	g := NewMemoryGraph()
	if path == "" {
		return g, nil
	}
	if err := g.Load(path); err != nil {
		return nil, fmt.Errorf("failed to load graph snapshot: %w", err)
	}
	g.snapshot = path
	return g, nil
}

func (g *MemoryGraph) reset() {
	g.nodes = make(map[string]*Node)
	g.adjacency = make(map[string]map[string]*Edge)
	g.reverse = make(map[string]map[string]*Edge)
	g.index = make(map[string]map[string]struct{})
}

// Apply validates the whole unit before touching the graph, so a unit is
// either fully applied or not applied at all
func (g *MemoryGraph) Apply(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateAll(ops); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, op := range ops {
		switch op.Kind {
		case OpNode:
			g.mergeProps(g.ensureNode(op.Node), op.Props)
		case OpEdge:
			from := g.ensureNode(op.From)
			to := g.ensureNode(op.To)
			g.mergeEdge(from, to, op)
		}
	}
	return nil
}

// ensureNode returns the node for ref, creating it. Caller holds g.mu.
func (g *MemoryGraph) ensureNode(ref NodeRef) *Node {
	id := ref.ID()
	if n, exists := g.nodes[id]; exists {
		return n
	}
	n := &Node{Label: ref.Label, Key: ref.Key, Value: ref.Value, Props: Props{}}
	g.nodes[id] = n
	g.adjacency[id] = make(map[string]*Edge)
	g.reverse[id] = make(map[string]*Edge)

	if g.index[ref.Label] == nil {
		g.index[ref.Label] = make(map[string]struct{})
	}
	g.index[ref.Label][id] = struct{}{}
	return n
}

func (g *MemoryGraph) mergeProps(n *Node, props Props) {
	for k, v := range props {
		n.Props[k] = v
	}
}

// mergeEdge upserts an edge between existing nodes. Caller holds g.mu.
func (g *MemoryGraph) mergeEdge(from, to *Node, op Op) {
	candidate := &Edge{
		Type:  op.Type,
		From:  NodeRef{Label: from.Label, Value: from.Value}.ID(),
		To:    NodeRef{Label: to.Label, Value: to.Value}.ID(),
		Match: copyProps(op.Match),
		Props: Props{},
	}
	id := candidate.id()

	edge, exists := g.adjacency[candidate.From][id]
	if !exists {
		edge = candidate
		g.adjacency[edge.From][id] = edge
		g.reverse[edge.To][id] = edge
	}
	for k, v := range op.Props {
		edge.Props[k] = v
	}
}

// Node returns a copy of the node with the given label and key value
func (g *MemoryGraph) Node(label, value string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, exists := g.nodes[NodeRef{Label: label, Value: value}.ID()]
	if !exists {
		return Node{}, false
	}
	return Node{Label: n.Label, Key: n.Key, Value: n.Value, Props: copyProps(n.Props)}, true
}

// Outgoing returns copies of the edges leaving a node, optionally filtered by type
func (g *MemoryGraph) Outgoing(label, value, relType string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return collectEdges(g.adjacency[NodeRef{Label: label, Value: value}.ID()], relType)
}

// Incoming returns copies of the edges entering a node, optionally filtered by type
func (g *MemoryGraph) Incoming(label, value, relType string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return collectEdges(g.reverse[NodeRef{Label: label, Value: value}.ID()], relType)
}

func collectEdges(edges map[string]*Edge, relType string) []Edge {
	result := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if relType != "" && e.Type != relType {
			continue
		}
		result = append(result, Edge{
			Type:  e.Type,
			From:  e.From,
			To:    e.To,
			Match: copyProps(e.Match),
			Props: copyProps(e.Props),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].id() < result[j].id() })
	return result
}

// NodesByLabel returns the key values of every node with label, sorted
func (g *MemoryGraph) NodesByLabel(label string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	values := make([]string, 0, len(g.index[label]))
	for id := range g.index[label] {
		values = append(values, g.nodes[id].Value)
	}
	sort.Strings(values)
	return values
}

// NodeCount returns the number of nodes in the graph
func (g *MemoryGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of edges in the graph
func (g *MemoryGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	count := 0
	for _, edges := range g.adjacency {
		count += len(edges)
	}
	return count
}

type snapshot struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// Save writes the graph to a file
func (g *MemoryGraph) Save(filename string) error {
	g.mu.RLock()
	snap := snapshot{
		Nodes: make([]*Node, 0, len(g.nodes)),
		Edges: make([]*Edge, 0),
	}
	for _, n := range g.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	for _, edges := range g.adjacency {
		for _, e := range edges {
			snap.Edges = append(snap.Edges, e)
		}
	}
	data, err := json.Marshal(snap)
	g.mu.RUnlock()
	if err != nil {
		return err
	}

	tempFile := filename + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempFile, filename)
}

// Load replaces the graph with the snapshot in filename. A missing file
// leaves the graph empty.
func (g *MemoryGraph) Load(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.reset()
	for _, n := range snap.Nodes {
		node := g.ensureNode(NodeRef{Label: n.Label, Key: n.Key, Value: n.Value})
		g.mergeProps(node, n.Props)
	}
	for _, e := range snap.Edges {
		from, ok := g.nodes[e.From]
		if !ok {
			return fmt.Errorf("snapshot edge references unknown node %s", e.From)
		}
		to, ok := g.nodes[e.To]
		if !ok {
			return fmt.Errorf("snapshot edge references unknown node %s", e.To)
		}
		g.mergeEdge(from, to, Op{Kind: OpEdge, Type: e.Type, Match: e.Match, Props: e.Props})
	}
	return nil
}

// Clear removes all nodes and edges
func (g *MemoryGraph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reset()
}

// Close saves the snapshot when the graph was opened from a file
func (g *MemoryGraph) Close() error {
	if g.snapshot == "" {
		return nil
	}
	return g.Save(g.snapshot)
}

func copyProps(p Props) Props {
	if p == nil {
		return nil
	}
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func matchSignature(p Props) string {
	if len(p) == 0 {
		return ""
	}
	keys := sortedKeys(p)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, p[k])
	}
	return strings.Join(parts, ",")
}
