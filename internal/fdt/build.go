package fdt

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
)

const (
	fdtHeaderSize  = 0x28
	fdtVersion     = 17
	fdtLastCompVer = 16
	fdtMagic       = 0xd00dfeed

	fdtBeginNodeToken = 0x1
	fdtEndNodeToken   = 0x2
	fdtPropToken      = 0x3
	fdtEndToken       = 0x9

	// one empty reservation entry terminates the memory reservation map
	fdtMemReserveSize = 16
)

// Build serializes the node tree into an FDT blob. Properties are written in
// name order so equal trees produce equal blobs. A property with no value is
// written empty, the way decoded flag properties come back from Parse.
func Build(root Node) ([]byte, error) {
	e := encoder{names: make(map[string]uint32)}
	if err := e.node(root); err != nil {
		return nil, err
	}
	e.structs = be32(e.structs, fdtEndToken)
	return e.blob(), nil
}

// encode returns the property payload in device-tree byte order.
func (p Property) encode() ([]byte, error) {
	if p.kinds() > 1 {
		return nil, fmt.Errorf("multiple value kinds")
	}
	var out []byte
	for _, s := range p.Strings {
		out = append(append(out, s...), 0)
	}
	for _, v := range p.U32 {
		out = be32(out, v)
	}
	for _, v := range p.U64 {
		out = binary.BigEndian.AppendUint64(out, v)
	}
	return append(out, p.Bytes...), nil
}

type encoder struct {
	structs []byte
	strtab  []byte
	names   map[string]uint32
}

func (e *encoder) node(n Node) error {
	e.structs = be32(e.structs, fdtBeginNodeToken)
	e.structs = align4(append(append(e.structs, n.Name...), 0))

	for _, name := range slices.Sorted(maps.Keys(n.Properties)) {
		data, err := n.Properties[name].encode()
		if err != nil {
			return fmt.Errorf("fdt property %q: %w", name, err)
		}
		e.structs = be32(e.structs, fdtPropToken)
		e.structs = be32(e.structs, uint32(len(data)))
		e.structs = be32(e.structs, e.name(name))
		e.structs = align4(append(e.structs, data...))
	}

	for _, child := range n.Children {
		if err := e.node(child); err != nil {
			return err
		}
	}

	e.structs = be32(e.structs, fdtEndNodeToken)
	return nil
}

// name returns the offset of name in the strings block, appending it once.
func (e *encoder) name(name string) uint32 {
	off, ok := e.names[name]
	if !ok {
		off = uint32(len(e.strtab))
		e.strtab = append(append(e.strtab, name...), 0)
		e.names[name] = off
	}
	return off
}

func (e *encoder) blob() []byte {
	offStruct := fdtHeaderSize + fdtMemReserveSize
	offStrings := offStruct + len(e.structs)
	total := offStrings + len(e.strtab)

	out := make([]byte, 0, total)
	for _, v := range []uint32{
		fdtMagic,
		uint32(total),
		uint32(offStruct),
		uint32(offStrings),
		fdtHeaderSize, // memory reservation map
		fdtVersion,
		fdtLastCompVer,
		0, // boot cpu
		uint32(len(e.strtab)),
		uint32(len(e.structs)),
	} {
		out = be32(out, v)
	}
	out = append(out, make([]byte, fdtMemReserveSize)...)
	out = append(out, e.structs...)
	return append(out, e.strtab...)
}

func be32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

func align4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}
