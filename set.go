package gocci

import (
	"encoding/binary"

	"github.com/gocci/gocci/ccierr"
	"github.com/gocci/gocci/internal/protocol"
)

// Collection is an in-memory set, multiset or sequence value. It carries its
// own encoded payload so elements can be inspected or rebuilt without a live
// connection.
type Collection struct {
	Type     protocol.UType
	elements [][]byte
	nulls    []bool
}

// NewCollection builds a collection of the given element type from string
// elements; a nil entry becomes a NULL element.
func NewCollection(typ protocol.UType, elements []*string) *Collection {
	c := &Collection{Type: typ}
	for _, e := range elements {
		if e == nil {
			c.elements = append(c.elements, nil)
			c.nulls = append(c.nulls, true)
		} else {
			c.elements = append(c.elements, []byte(*e))
			c.nulls = append(c.nulls, false)
		}
	}
	return c
}

// Size returns the element count.
func (c *Collection) Size() int { return len(c.elements) }

// Element returns the element at 1-based index, and whether it is NULL.
func (c *Collection) Element(index int) (string, bool, error) {
	if index < 1 || index > len(c.elements) {
		return "", false, ccierr.New(ccierr.ErrInvalidArgs, "collection index out of range")
	}
	if c.nulls[index-1] {
		return "", true, nil
	}
	return string(c.elements[index-1]), false, nil
}

const nullElement = 0xFFFFFFFF

// Encode renders the collection into its wire payload: element type, element
// count, then length-prefixed element bytes with an all-ones length marking
// NULL.
func (c *Collection) Encode() []byte {
	size := 5
	for _, e := range c.elements {
		size += 4 + len(e)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, byte(c.Type))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.elements)))
	for i, e := range c.elements {
		if c.nulls[i] {
			buf = binary.BigEndian.AppendUint32(buf, nullElement)
			continue
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e)))
		buf = append(buf, e...)
	}
	return buf
}

// DecodeCollection parses a wire payload produced by Encode (or received in
// a fetched column) back into a Collection.
func DecodeCollection(payload []byte) (*Collection, error) {
	if len(payload) < 5 {
		return nil, ccierr.New(ccierr.ErrInvalidArgs, "collection payload too short")
	}
	c := &Collection{Type: protocol.UType(payload[0])}
	count := binary.BigEndian.Uint32(payload[1:5])
	pos := 5
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(payload) {
			return nil, ccierr.New(ccierr.ErrInvalidArgs, "truncated collection payload")
		}
		n := binary.BigEndian.Uint32(payload[pos : pos+4])
		pos += 4
		if n == nullElement {
			c.elements = append(c.elements, nil)
			c.nulls = append(c.nulls, true)
			continue
		}
		if pos+int(n) > len(payload) {
			return nil, ccierr.New(ccierr.ErrInvalidArgs, "truncated collection element")
		}
		c.elements = append(c.elements, payload[pos:pos+int(n)])
		c.nulls = append(c.nulls, false)
		pos += int(n)
	}
	return c, nil
}
