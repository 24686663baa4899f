// Package fdt reads and writes flattened device-tree blobs.
package fdt

import (
	"encoding/binary"
	"strings"
)

// Property is a single device-tree property. Exactly one of the typed fields
// is populated when the property is built by hand; decoded properties carry
// their payload in Bytes.
type Property struct {
	Strings []string `json:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty"`
}

// kinds counts the populated value fields.
func (p Property) kinds() int {
	n := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if set {
			n++
		}
	}
	return n
}

// Cells returns the property as big-endian 32-bit cells.
func (p Property) Cells() []uint32 {
	if len(p.U32) > 0 {
		return p.U32
	}
	if len(p.U64) > 0 {
		out := make([]uint32, 0, 2*len(p.U64))
		for _, v := range p.U64 {
			out = append(out, uint32(v>>32), uint32(v))
		}
		return out
	}
	out := make([]uint32, 0, len(p.Bytes)/4)
	for i := 0; i+4 <= len(p.Bytes); i += 4 {
		out = append(out, binary.BigEndian.Uint32(p.Bytes[i:]))
	}
	return out
}

// StringList returns the property as a list of NUL-terminated strings.
func (p Property) StringList() []string {
	if len(p.Strings) > 0 {
		return p.Strings
	}
	s := strings.TrimRight(string(p.Bytes), "\x00")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}

// Node is a device-tree node.
type Node struct {
	Name       string              `json:"name"`
	Properties map[string]Property `json:"properties,omitempty"`
	Children   []Node              `json:"children,omitempty"`
}

// Cell returns the first cell of property name, or def when it is absent.
func (n *Node) Cell(name string, def uint32) uint32 {
	p, ok := n.Properties[name]
	if !ok {
		return def
	}
	cells := p.Cells()
	if len(cells) == 0 {
		return def
	}
	return cells[0]
}

// Compatible reports whether the node's compatible list contains any of ids.
func (n *Node) Compatible(ids ...string) bool {
	p, ok := n.Properties["compatible"]
	if !ok {
		return false
	}
	for _, have := range p.StringList() {
		for _, want := range ids {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Walk calls fn for n and every descendant, depth first, with the node's
// parent (nil for n itself). It stops when fn returns false.
func (n *Node) Walk(fn func(node, parent *Node) bool) bool {
	return n.walk(nil, fn)
}

func (n *Node) walk(parent *Node, fn func(node, parent *Node) bool) bool {
	if !fn(n, parent) {
		return false
	}
	for i := range n.Children {
		if !n.Children[i].walk(n, fn) {
			return false
		}
	}
	return true
}

// Reg decodes the node's reg property using the parent's address and size
// cell counts.
func (n *Node) Reg(parent *Node) [][2]uint64 {
	addrCells, sizeCells := uint32(2), uint32(1)
	if parent != nil {
		addrCells = parent.Cell("#address-cells", addrCells)
		sizeCells = parent.Cell("#size-cells", sizeCells)
	}
	p, ok := n.Properties["reg"]
	if !ok || addrCells == 0 {
		return nil
	}
	cells := p.Cells()
	stride := int(addrCells + sizeCells)
	var out [][2]uint64
	for i := 0; i+stride <= len(cells); i += stride {
		out = append(out, [2]uint64{
			joinCells(cells[i : i+int(addrCells)]),
			joinCells(cells[i+int(addrCells) : i+stride]),
		})
	}
	return out
}

func joinCells(cells []uint32) uint64 {
	var v uint64
	for _, c := range cells {
		v = v<<32 | uint64(c)
	}
	return v
}
