// Package platform models the configuration a transport consumes at setup
// time: a device-tree-shaped hierarchy of nodes with typed properties,
// phandle references between nodes, and address resources. Trees are built
// in code or loaded from a YAML platform description.
package platform

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound reports a missing node or property.
var ErrNotFound = errors.New("platform: not found")

// Node is one node in the configuration hierarchy. Property values are
// plain Go scalars (strings, integers) or integer lists; a string value
// of the form "&label" is a phandle reference to the node carrying that
// label.
type Node struct {
	Name     string           `yaml:"-"`
	Label    string           `yaml:"label,omitempty"`
	Props    map[string]any   `yaml:"props,omitempty"`
	Children map[string]*Node `yaml:"children,omitempty"`
}

// Tree is a configuration hierarchy with its phandle label index.
type Tree struct {
	Root   *Node `yaml:"root"`
	labels map[string]*Node
}

// Resource is a physical address range.
type Resource struct {
	Start uint64
	Size  uint64
}

// Device is a configured device: a name bound to its configuration node.
type Device struct {
	Name string
	Node *Node
}

// NewTree builds a tree around the given root node, naming child nodes
// after their map keys and indexing phandle labels.
func NewTree(root *Node) *Tree {
	t := &Tree{
		Root:   root,
		labels: make(map[string]*Node),
	}

	t.index(root, "/")
	return t
}

func (t *Tree) index(n *Node, name string) {
	if n == nil {
		return
	}

	n.Name = name
	if n.Label != "" {
		t.labels[n.Label] = n
	}

	for name, c := range n.Children {
		t.index(c, name)
	}
}

// FindByPath returns the node at the given absolute path, or nil if no
// such node exists.
func (t *Tree) FindByPath(path string) *Node {
	if t == nil || t.Root == nil || !strings.HasPrefix(path, "/") {
		return nil
	}

	n := t.Root
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}

		if n = n.Children[part]; n == nil {
			return nil
		}
	}

	return n
}

// Phandle resolves a phandle property of n to its target node. It returns
// nil if n is nil, the property is absent, or the referenced label is
// unknown.
func (t *Tree) Phandle(n *Node, prop string) *Node {
	if n == nil {
		return nil
	}

	ref, err := n.Str(prop)
	if err != nil || !strings.HasPrefix(ref, "&") {
		return nil
	}

	return t.labels[ref[1:]]
}

// Str reads a string property.
func (n *Node) Str(name string) (string, error) {
	v, ok := n.Props[name]
	if !ok {
		return "", fmt.Errorf("%w: property %q of %s", ErrNotFound, name, n.Name)
	}

	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("property %q of %s: %T is not a string", name, n.Name, v)
	}

	return s, nil
}

// U32 reads a 32-bit integer property.
func (n *Node) U32(name string) (uint32, error) {
	v, ok := n.Props[name]
	if !ok {
		return 0, fmt.Errorf("%w: property %q of %s", ErrNotFound, name, n.Name)
	}

	u, err := toU64(v)
	if err != nil {
		return 0, fmt.Errorf("property %q of %s: %w", name, n.Name, err)
	}

	if u > 1<<32-1 {
		return 0, fmt.Errorf("property %q of %s: %#x overflows u32", name, n.Name, u)
	}

	return uint32(u), nil
}

// Resource reads the node's "reg" property as a [start size] address range.
func (n *Node) Resource() (Resource, error) {
	if n == nil {
		return Resource{}, fmt.Errorf("%w: node", ErrNotFound)
	}

	v, ok := n.Props["reg"]
	if !ok {
		return Resource{}, fmt.Errorf("%w: property \"reg\" of %s", ErrNotFound, n.Name)
	}

	cells, err := toU64List(v)
	if err != nil {
		return Resource{}, fmt.Errorf("property \"reg\" of %s: %w", n.Name, err)
	}

	if len(cells) != 2 {
		return Resource{}, fmt.Errorf("property \"reg\" of %s: want 2 cells, have %d", n.Name, len(cells))
	}

	return Resource{Start: cells[0], Size: cells[1]}, nil
}

func toU64(v any) (uint64, error) {
	switch v := v.(type) {
	case int:
		if v < 0 {
			return 0, fmt.Errorf("%d is negative", v)
		}

		return uint64(v), nil

	case int64:
		if v < 0 {
			return 0, fmt.Errorf("%d is negative", v)
		}

		return uint64(v), nil

	case uint32:
		return uint64(v), nil

	case uint64:
		return v, nil

	default:
		return 0, fmt.Errorf("%T is not an integer", v)
	}
}

func toU64List(v any) ([]uint64, error) {
	var raw []any
	switch v := v.(type) {
	case []any:
		raw = v

	case []int:
		for _, e := range v {
			raw = append(raw, e)
		}

	case []uint64:
		for _, e := range v {
			raw = append(raw, e)
		}

	default:
		return nil, fmt.Errorf("%T is not an integer list", v)
	}

	out := make([]uint64, len(raw))
	for i, e := range raw {
		u, err := toU64(e)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", i, err)
		}

		out[i] = u
	}

	return out, nil
}
