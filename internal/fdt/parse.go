package fdt

import (
	"encoding/binary"
	"fmt"
)

// Parse decodes a version-17 FDT blob produced by Build back into a Node
// tree. It is the mirror image of Build, reading against the same token
// format Build emits.
func Parse(blob []byte) (Node, error) {
	if len(blob) < fdtHeaderSize {
		return Node{}, fmt.Errorf("fdt: blob too small for header")
	}
	magic := binary.BigEndian.Uint32(blob[0:4])
	if magic != fdtMagic {
		return Node{}, fmt.Errorf("fdt: bad magic 0x%x", magic)
	}
	version := binary.BigEndian.Uint32(blob[20:24])
	if version != fdtVersion {
		return Node{}, fmt.Errorf("fdt: unsupported version %d", version)
	}
	offStruct := binary.BigEndian.Uint32(blob[8:12])
	offStrings := binary.BigEndian.Uint32(blob[12:16])

	p := &parser{
		structBuf: blob[offStruct:],
		strings:   blob[offStrings:],
	}
	root, _, err := p.parseNode(0)
	if err != nil {
		return Node{}, err
	}
	return root, nil
}

type parser struct {
	structBuf []byte
	strings   []byte
}

func (p *parser) parseNode(off int) (Node, int, error) {
	token, off, err := p.readToken(off)
	if err != nil {
		return Node{}, off, err
	}
	if token != fdtBeginNodeToken {
		return Node{}, off, fmt.Errorf("fdt: expected FDT_BEGIN_NODE, got %d", token)
	}

	name, off, err := p.readCString(off)
	if err != nil {
		return Node{}, off, err
	}
	off = align4(off)

	n := Node{Name: name, Properties: make(map[string]Property)}

	for {
		var tok uint32
		tok, off, err = p.readToken(off)
		if err != nil {
			return Node{}, off, err
		}
		switch tok {
		case fdtPropToken:
			var prop Property
			var propName string
			prop, propName, off, err = p.readProperty(off)
			if err != nil {
				return Node{}, off, err
			}
			n.Properties[propName] = prop
		case fdtBeginNodeToken:
			var child Node
			child, off, err = p.parseNode(off - 4)
			if err != nil {
				return Node{}, off, err
			}
			n.Children = append(n.Children, child)
		case fdtEndNodeToken:
			return n, off, nil
		case fdtEndToken:
			return n, off, nil
		default:
			return Node{}, off, fmt.Errorf("fdt: unexpected token %d in node %q", tok, name)
		}
	}
}

func (p *parser) readProperty(off int) (Property, string, int, error) {
	if off+8 > len(p.structBuf) {
		return Property{}, "", off, fmt.Errorf("fdt: truncated property header")
	}
	length := binary.BigEndian.Uint32(p.structBuf[off : off+4])
	nameOff := binary.BigEndian.Uint32(p.structBuf[off+4 : off+8])
	off += 8

	if off+int(length) > len(p.structBuf) {
		return Property{}, "", off, fmt.Errorf("fdt: truncated property value")
	}
	value := p.structBuf[off : off+int(length)]
	off += int(length)
	off = align4(off)

	name, err := cStringAt(p.strings, int(nameOff))
	if err != nil {
		return Property{}, "", off, err
	}

	return bytesToProperty(value), name, off, nil
}

// bytesToProperty stores the raw property bytes verbatim. Parse does not
// try to guess whether a property was originally written as u32/u64/
// strings; callers that know a property's schema decode Bytes
// themselves. Node/Property round-trips through Build are exact either
// way, since Build serializes every kind down to bytes on the wire.
func bytesToProperty(value []byte) Property {
	if len(value) == 0 {
		return Property{Flag: true}
	}
	return Property{Bytes: append([]byte{}, value...)}
}

func (p *parser) readToken(off int) (uint32, int, error) {
	if off+4 > len(p.structBuf) {
		return 0, off, fmt.Errorf("fdt: truncated token")
	}
	return binary.BigEndian.Uint32(p.structBuf[off : off+4]), off + 4, nil
}

func (p *parser) readCString(off int) (string, int, error) {
	start := off
	for off < len(p.structBuf) && p.structBuf[off] != 0 {
		off++
	}
	if off >= len(p.structBuf) {
		return "", off, fmt.Errorf("fdt: unterminated string in struct block")
	}
	return string(p.structBuf[start:off]), off + 1, nil
}

func cStringAt(strings []byte, off int) (string, error) {
	if off > len(strings) {
		return "", fmt.Errorf("fdt: string offset out of range")
	}
	end := off
	for end < len(strings) && strings[end] != 0 {
		end++
	}
	if end >= len(strings) {
		return "", fmt.Errorf("fdt: unterminated string in strings block")
	}
	return string(strings[off:end]), nil
}

func align4(off int) int {
	for off%4 != 0 {
		off++
	}
	return off
}

// U32Cells decodes a big-endian u32 property's raw bytes into a slice of
// uint32 cells, as used by "reg" and "interrupts" properties.
func U32Cells(p Property) ([]uint32, error) {
	if len(p.Bytes)%4 != 0 {
		return nil, fmt.Errorf("fdt: property length %d is not a multiple of 4", len(p.Bytes))
	}
	cells := make([]uint32, len(p.Bytes)/4)
	for i := range cells {
		cells[i] = binary.BigEndian.Uint32(p.Bytes[i*4 : i*4+4])
	}
	return cells, nil
}

// FindCompatible walks the tree depth-first and returns the first node
// whose "compatible" property contains compat as one of its NUL-separated
// strings.
func FindCompatible(root Node, compat string) (Node, bool) {
	if prop, ok := root.Properties["compatible"]; ok {
		for _, s := range SplitCStrings(prop.Bytes) {
			if s == compat {
				return root, true
			}
		}
	}
	for _, child := range root.Children {
		if found, ok := FindCompatible(child, compat); ok {
			return found, true
		}
	}
	return Node{}, false
}

// SplitCStrings splits a NUL-separated byte blob (the wire form of a
// "stringlist" property, e.g. "compatible") into its component strings.
func SplitCStrings(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	return out
}
