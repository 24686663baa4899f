package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const fdtNopToken = 0x4

var ErrBadBlob = errors.New("fdt: malformed blob")

// Parse decodes an FDT blob into its root node. Property payloads are
// returned in Bytes; empty properties come back as flags.
func Parse(blob []byte) (Node, error) {
	if len(blob) < fdtHeaderSize {
		return Node{}, fmt.Errorf("%w: short header", ErrBadBlob)
	}
	be := binary.BigEndian
	if be.Uint32(blob[0:4]) != fdtMagic {
		return Node{}, fmt.Errorf("%w: bad magic %#x", ErrBadBlob, be.Uint32(blob[0:4]))
	}
	total := be.Uint32(blob[4:8])
	offStruct := be.Uint32(blob[8:12])
	offStrings := be.Uint32(blob[12:16])
	sizeStrings := be.Uint32(blob[32:36])
	sizeStruct := be.Uint32(blob[36:40])
	if uint64(total) > uint64(len(blob)) ||
		uint64(offStruct)+uint64(sizeStruct) > uint64(total) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(total) {
		return Node{}, fmt.Errorf("%w: blocks outside blob", ErrBadBlob)
	}

	p := parser{
		data:    blob[offStruct : offStruct+sizeStruct],
		strings: blob[offStrings : offStrings+sizeStrings],
	}
	p.skipNops()
	tok, err := p.token()
	if err != nil {
		return Node{}, err
	}
	if tok != fdtBeginNodeToken {
		return Node{}, fmt.Errorf("%w: struct block does not start with a node", ErrBadBlob)
	}
	return p.node()
}

type parser struct {
	data    []byte
	strings []byte
	off     int
}

func (p *parser) token() (uint32, error) {
	if p.off+4 > len(p.data) {
		return 0, fmt.Errorf("%w: truncated struct block", ErrBadBlob)
	}
	v := binary.BigEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) skipNops() {
	for p.off+4 <= len(p.data) && binary.BigEndian.Uint32(p.data[p.off:]) == fdtNopToken {
		p.off += 4
	}
}

func (p *parser) align() {
	p.off = (p.off + 3) &^ 3
}

func (p *parser) cstring(buf []byte, off int) (string, int, error) {
	if off < 0 || off >= len(buf) {
		return "", 0, fmt.Errorf("%w: string offset %d out of range", ErrBadBlob, off)
	}
	end := bytes.IndexByte(buf[off:], 0)
	if end < 0 {
		return "", 0, fmt.Errorf("%w: unterminated string", ErrBadBlob)
	}
	return string(buf[off : off+end]), off + end + 1, nil
}

// node decodes a node whose begin token has already been consumed.
func (p *parser) node() (Node, error) {
	name, next, err := p.cstring(p.data, p.off)
	if err != nil {
		return Node{}, err
	}
	p.off = next
	p.align()

	n := Node{Name: name}
	for {
		tok, err := p.token()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case fdtNopToken:
		case fdtPropToken:
			if p.off+8 > len(p.data) {
				return Node{}, fmt.Errorf("%w: truncated property", ErrBadBlob)
			}
			size := int(binary.BigEndian.Uint32(p.data[p.off:]))
			nameOff := int(binary.BigEndian.Uint32(p.data[p.off+4:]))
			p.off += 8
			if size < 0 || p.off+size > len(p.data) {
				return Node{}, fmt.Errorf("%w: property overruns struct block", ErrBadBlob)
			}
			propName, _, err := p.cstring(p.strings, nameOff)
			if err != nil {
				return Node{}, err
			}
			prop := Property{Flag: size == 0}
			if size > 0 {
				prop.Bytes = append([]byte(nil), p.data[p.off:p.off+size]...)
			}
			p.off += size
			p.align()
			if n.Properties == nil {
				n.Properties = make(map[string]Property)
			}
			n.Properties[propName] = prop
		case fdtBeginNodeToken:
			child, err := p.node()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case fdtEndNodeToken:
			return n, nil
		default:
			return Node{}, fmt.Errorf("%w: unexpected token %#x", ErrBadBlob, tok)
		}
	}
}
