package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Graph holds the argument nodes and edges for one session. Node order is
// tracked explicitly because the edge-synthesis fallback depends on the
// key-insertion order of the server payload, which a plain Go map discards.
type Graph struct {
	nodes map[string]Node
	order []string
	edges []Edge
}

// GraphPayload is the decoded nodes/edges portion of an initial_state or
// argument_update frame. Nodes preserve payload key order. HasEdges records
// whether the payload carried an "edges" member at all; an explicit empty
// list still replaces the local edge set.
type GraphPayload struct {
	Nodes    map[string]Node
	Order    []string
	Edges    []Edge
	HasEdges bool
}

func NewGraph() *Graph {
	return &Graph{nodes: map[string]Node{}}
}

// DecodeGraphPayload parses a raw graph object while preserving the order in
// which node keys appear in the payload text.
func DecodeGraphPayload(raw json.RawMessage) (GraphPayload, error) {
	payload := GraphPayload{Nodes: map[string]Node{}}
	if len(raw) == 0 {
		return payload, nil
	}
	var envelope struct {
		Nodes json.RawMessage `json:"nodes"`
		Edges *[]Edge         `json:"edges"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return GraphPayload{}, err
	}
	if envelope.Edges != nil {
		payload.HasEdges = true
		payload.Edges = append([]Edge(nil), (*envelope.Edges)...)
	}
	if len(envelope.Nodes) == 0 {
		return payload, nil
	}
	order, nodes, err := decodeOrderedNodes(envelope.Nodes)
	if err != nil {
		return GraphPayload{}, err
	}
	payload.Order = order
	payload.Nodes = nodes
	return payload, nil
}

func decodeOrderedNodes(raw json.RawMessage) ([]string, map[string]Node, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("nodes: expected object, got %v", tok)
	}
	order := []string{}
	nodes := map[string]Node{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("nodes: expected string key, got %v", keyTok)
		}
		var node Node
		if err := dec.Decode(&node); err != nil {
			return nil, nil, fmt.Errorf("nodes[%s]: %w", key, err)
		}
		if node.ID == "" {
			node.ID = key
		}
		if _, exists := nodes[key]; !exists {
			order = append(order, key)
		}
		nodes[key] = node
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return order, nodes, nil
}

// Replace installs the payload wholesale. Existing nodes are discarded, so a
// node whose pinned position is omitted from the payload reverts to simulated
// placement.
func (g *Graph) Replace(payload GraphPayload) {
	g.nodes = map[string]Node{}
	g.order = append([]string(nil), payload.Order...)
	for key, node := range payload.Nodes {
		g.nodes[key] = node
	}
	g.edges = append([]Edge(nil), payload.Edges...)
}

// Merge applies an incremental graph update. Nodes always replace the local
// set by key. Edges replace the local list only when the payload carried one;
// otherwise a linear chain is synthesized from the payload's node order, each
// node linked to its predecessor with the later node's type and timestamp.
//
// The chain fallback is a compatibility shim: it reproduces observed server
// behavior when edges are omitted and does not reflect real argumentative
// relationships.
func (g *Graph) Merge(payload GraphPayload) {
	g.nodes = map[string]Node{}
	g.order = append([]string(nil), payload.Order...)
	for key, node := range payload.Nodes {
		g.nodes[key] = node
	}
	if payload.HasEdges {
		g.edges = append([]Edge(nil), payload.Edges...)
		return
	}
	if len(payload.Order) == 0 {
		return
	}
	edges := make([]Edge, 0, len(payload.Order)-1)
	for i := 1; i < len(payload.Order); i++ {
		later := g.nodes[payload.Order[i]]
		edges = append(edges, Edge{
			Source:    payload.Order[i-1],
			Target:    payload.Order[i],
			Type:      later.Type,
			Timestamp: later.Timestamp,
		})
	}
	g.edges = edges
}

// SetNodePosition pins a node's layout coordinate after a drag ends. The pin
// survives until a later payload omits the node's position.
func (g *Graph) SetNodePosition(id string, x, y float64) error {
	node, ok := g.nodes[id]
	if !ok {
		return ErrNotFound
	}
	node.Position = &Point{X: x, Y: y}
	g.nodes[id] = node
	return nil
}

func (g *Graph) Node(id string) (Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// Nodes returns the nodes in payload key order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, key := range g.order {
		out = append(out, g.nodes[key])
	}
	return out
}

func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// GraphSnapshot is the outward-facing copy handed to renderers and exports.
// Nodes is keyed by id; NodeOrder preserves payload order for deterministic
// output.
type GraphSnapshot struct {
	Nodes     map[string]Node `json:"nodes"`
	NodeOrder []string        `json:"-"`
	Edges     []Edge          `json:"edges"`
}

// Snapshot copies the graph. Pinned coordinates are rounded to two decimal
// places so repeated exports of the same state are byte-identical.
func (g *Graph) Snapshot() GraphSnapshot {
	snapshot := GraphSnapshot{
		Nodes:     make(map[string]Node, len(g.nodes)),
		NodeOrder: append([]string(nil), g.order...),
		Edges:     append([]Edge(nil), g.edges...),
	}
	for key, node := range g.nodes {
		if node.Position != nil {
			node.Position = &Point{
				X: roundCoordinate(node.Position.X),
				Y: roundCoordinate(node.Position.Y),
			}
		}
		snapshot.Nodes[key] = node
	}
	return snapshot
}

func roundCoordinate(v float64) float64 {
	return math.Round(v*100) / 100
}
