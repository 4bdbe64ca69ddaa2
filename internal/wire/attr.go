package wire

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// Attribute header: id uint16, type uint8, length uint32.
const attrHeaderLen = 7

// Attribute type IDs.
const (
	AttrTypeU16    uint8 = 1
	AttrTypeU64    uint8 = 2
	AttrTypeString uint8 = 3
	AttrTypeBytes  uint8 = 4
)

// Attribute IDs.
const (
	AttrCandidate    uint16 = 1
	AttrChannelID    uint16 = 2
	AttrChannelLabel uint16 = 3
	AttrPayload      uint16 = 4
)

var (
	ErrShortAttrHeader   = errors.New("wire: short attribute header")
	ErrShortAttrValue    = errors.New("wire: short attribute value")
	ErrAttrTypeMismatch  = errors.New("wire: attribute type mismatch")
	ErrInvalidAttrLength = errors.New("wire: invalid attribute length")
)

// Attr is one decoded attribute.
type Attr struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func EncodeAttr(a Attr) []byte {
	buf := make([]byte, attrHeaderLen+len(a.Value))
	binary.BigEndian.PutUint16(buf[0:2], a.ID)
	buf[2] = a.Type
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(a.Value)))
	copy(buf[7:], a.Value)
	return buf
}

func EncodeAttrs(attrs []Attr) []byte {
	out := make([]byte, 0)
	for _, a := range attrs {
		out = append(out, EncodeAttr(a)...)
	}
	return out
}

func DecodeAttrs(body []byte) ([]Attr, error) {
	attrs := make([]Attr, 0)
	i := 0
	for i < len(body) {
		if len(body)-i < attrHeaderLen {
			return nil, ErrShortAttrHeader
		}
		id := binary.BigEndian.Uint16(body[i : i+2])
		typeID := body[i+2]
		l := binary.BigEndian.Uint32(body[i+3 : i+7])
		i += attrHeaderLen
		if uint32(len(body)-i) < l {
			return nil, ErrShortAttrValue
		}
		val := make([]byte, l)
		copy(val, body[i:i+int(l)])
		i += int(l)
		attrs = append(attrs, Attr{ID: id, Type: typeID, Value: val})
	}
	return attrs, nil
}

// GetAttr returns the first attribute with the given id.
func GetAttr(attrs []Attr, id uint16) (Attr, bool) {
	for _, a := range attrs {
		if a.ID == id {
			return a, true
		}
	}
	return Attr{}, false
}

// GetAttrs returns every attribute with the given id, in wire order.
func GetAttrs(attrs []Attr, id uint16) []Attr {
	out := make([]Attr, 0)
	for _, a := range attrs {
		if a.ID == id {
			out = append(out, a)
		}
	}
	return out
}

// NewAttrU16 creates a uint16 attribute.
func NewAttrU16(id uint16, v uint16) Attr {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return Attr{ID: id, Type: AttrTypeU16, Value: buf}
}

// NewAttrU64 creates a uint64 attribute.
func NewAttrU64(id uint16, v uint64) Attr {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return Attr{ID: id, Type: AttrTypeU64, Value: buf}
}

// NewAttrString creates a string attribute.
func NewAttrString(id uint16, v string) Attr {
	return Attr{ID: id, Type: AttrTypeString, Value: []byte(v)}
}

// NewAttrBytes creates a bytes attribute.
func NewAttrBytes(id uint16, v []byte) Attr {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Attr{ID: id, Type: AttrTypeBytes, Value: buf}
}

// NewAttrAddrPort creates a candidate attribute from an address.
func NewAttrAddrPort(id uint16, ap netip.AddrPort) Attr {
	return NewAttrString(id, ap.String())
}

// U16 returns the attribute value as uint16.
func (a Attr) U16() (uint16, error) {
	if a.Type != AttrTypeU16 {
		return 0, ErrAttrTypeMismatch
	}
	if len(a.Value) != 2 {
		return 0, ErrInvalidAttrLength
	}
	return binary.BigEndian.Uint16(a.Value), nil
}

// U64 returns the attribute value as uint64.
func (a Attr) U64() (uint64, error) {
	if a.Type != AttrTypeU64 {
		return 0, ErrAttrTypeMismatch
	}
	if len(a.Value) != 8 {
		return 0, ErrInvalidAttrLength
	}
	return binary.BigEndian.Uint64(a.Value), nil
}

// String returns the attribute value as string.
func (a Attr) String() (string, error) {
	if a.Type != AttrTypeString {
		return "", ErrAttrTypeMismatch
	}
	return string(a.Value), nil
}

// Bytes returns the attribute value as bytes.
func (a Attr) Bytes() ([]byte, error) {
	if a.Type != AttrTypeBytes {
		return nil, ErrAttrTypeMismatch
	}
	buf := make([]byte, len(a.Value))
	copy(buf, a.Value)
	return buf, nil
}

// AddrPort returns the attribute value parsed as an address and port.
func (a Attr) AddrPort() (netip.AddrPort, error) {
	s, err := a.String()
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.ParseAddrPort(s)
}
