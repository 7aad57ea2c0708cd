// Package graph applies idempotent upserts to the graph store.
//
// Every mutation is an Op: a node upsert keyed by (label, key property) or
// an edge upsert keyed by (type, endpoints, merge properties). Applying the
// same ops twice leaves the graph unchanged.
package graph

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrInvalidName is returned for labels, relationship types or property
// names that cannot be used as Cypher identifiers
var ErrInvalidName = errors.New("invalid graph identifier")

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidName reports whether s is safe to splice into a query as an identifier
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// Props holds node or edge properties
type Props map[string]any

// NodeRef identifies a node by label and key property
type NodeRef struct {
	Label string
	Key   string
	Value string
}

// ID returns the node identity used by in-process stores
func (n NodeRef) ID() string {
	return n.Label + ":" + n.Value
}

func (n NodeRef) String() string {
	return fmt.Sprintf("(%s {%s: %q})", n.Label, n.Key, n.Value)
}

// OpKind distinguishes node and edge upserts
type OpKind int

const (
	OpNode OpKind = iota
	OpEdge
)

// Op is a single idempotent upsert
type Op struct {
	Kind  OpKind
	Node  NodeRef // OpNode
	Type  string  // OpEdge relationship type
	From  NodeRef // OpEdge
	To    NodeRef // OpEdge
	Match Props   // OpEdge merge properties; empty means one edge per (from, type, to)
	Props Props   // properties overwritten on every apply
}

// UpsertNode returns an op that merges a node and sets props on it
func UpsertNode(ref NodeRef, props Props) Op {
	return Op{Kind: OpNode, Node: ref, Props: props}
}

// UpsertEdge returns an op that merges both endpoints and the edge between them
func UpsertEdge(relType string, from, to NodeRef, match, props Props) Op {
	return Op{Kind: OpEdge, Type: relType, From: from, To: to, Match: match, Props: props}
}

// Validate checks every identifier the op would splice into a query
func (o Op) Validate() error {
	var names []string
	switch o.Kind {
	case OpNode:
		names = append(names, o.Node.Label, o.Node.Key)
		if o.Node.Value == "" {
			return fmt.Errorf("node %s has an empty key", o.Node.Label)
		}
	case OpEdge:
		names = append(names, o.Type, o.From.Label, o.From.Key, o.To.Label, o.To.Key)
		if o.From.Value == "" || o.To.Value == "" {
			return fmt.Errorf("edge %s has an empty endpoint", o.Type)
		}
		for k := range o.Match {
			names = append(names, k)
		}
	default:
		return fmt.Errorf("unknown op kind %d", o.Kind)
	}
	for k := range o.Props {
		names = append(names, k)
	}
	for _, n := range names {
		if !ValidName(n) {
			return fmt.Errorf("%w: %q", ErrInvalidName, n)
		}
	}
	return nil
}

// Cypher renders the op as a parameterized MERGE statement
func (o Op) Cypher() (string, map[string]any) {
	params := map[string]any{"props": map[string]any(o.Props)}
	if o.Props == nil {
		params["props"] = map[string]any{}
	}

	if o.Kind == OpNode {
		params["key"] = o.Node.Value
		return fmt.Sprintf("MERGE (n:%s {%s: $key}) SET n += $props", o.Node.Label, o.Node.Key), params
	}

	params["from"] = o.From.Value
	params["to"] = o.To.Value

	var match string
	if len(o.Match) > 0 {
		keys := sortedKeys(o.Match)
		parts := make([]string, len(keys))
		for i, k := range keys {
			param := "m_" + k
			params[param] = o.Match[k]
			parts[i] = fmt.Sprintf("%s: $%s", k, param)
		}
		match = " {" + strings.Join(parts, ", ") + "}"
	}

	return fmt.Sprintf(
		"MERGE (a:%s {%s: $from}) MERGE (b:%s {%s: $to}) MERGE (a)-[r:%s%s]->(b) SET r += $props",
		o.From.Label, o.From.Key, o.To.Label, o.To.Key, o.Type, match), params
}

// Store applies ops. The ops passed to one Apply call are one record's
// unit of work: they are committed together or not at all.
type Store interface {
	Apply(ctx context.Context, ops []Op) error
	Close() error
}

// ValidateAll validates every op in a unit
func ValidateAll(ops []Op) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(p Props) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
