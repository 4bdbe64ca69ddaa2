package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic is "RVLK" big-endian.
	Magic   uint32 = 0x52564C4B
	Version uint16 = 1

	HeaderLen uint16 = 32

	// MaxDatagramBytes bounds one encoded datagram, header included.
	MaxDatagramBytes = 2000
)

// Datagram kinds.
const (
	KindHello          uint16 = 1
	KindHelloAck       uint16 = 2
	KindProbe          uint16 = 3
	KindProbeAck       uint16 = 4
	KindChannelOpen    uint16 = 5
	KindChannelOpenAck uint16 = 6
	KindChannelData    uint16 = 7
	KindChannelClose   uint16 = 8
	KindBye            uint16 = 9
)

// Header flags.
const (
	FlagRenegotiate uint32 = 0x01
)

var (
	ErrShortHeader      = errors.New("wire: short fixed header")
	ErrInvalidMagic     = errors.New("wire: invalid magic")
	ErrVersionMismatch  = errors.New("wire: unsupported version")
	ErrTruncated        = errors.New("wire: truncated datagram")
	ErrLengthMismatch   = errors.New("wire: payload length mismatch")
	ErrDatagramTooLarge = errors.New("wire: datagram too large")
)

// Header is the fixed datagram header. LinkToken identifies the logical
// connection independently of the sender's network path.
type Header struct {
	Magic      uint32
	Version    uint16
	Kind       uint16
	LinkToken  uint64
	Seq        uint64
	Flags      uint32
	PayloadLen uint32
}

// Datagram is one complete wire datagram: a fixed header followed by
// zero or more attributes.
type Datagram struct {
	Header Header
	Attrs  []Attr
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.Kind)
	binary.BigEndian.PutUint64(buf[8:16], h.LinkToken)
	binary.BigEndian.PutUint64(buf[16:24], h.Seq)
	binary.BigEndian.PutUint32(buf[24:28], h.Flags)
	binary.BigEndian.PutUint32(buf[28:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < int(HeaderLen) {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Kind:       binary.BigEndian.Uint16(b[6:8]),
		LinkToken:  binary.BigEndian.Uint64(b[8:16]),
		Seq:        binary.BigEndian.Uint64(b[16:24]),
		Flags:      binary.BigEndian.Uint32(b[24:28]),
		PayloadLen: binary.BigEndian.Uint32(b[28:32]),
	}
	if h.Magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrVersionMismatch, h.Version)
	}
	return h, nil
}

// EncodeDatagram fills in Magic, Version and PayloadLen from the
// attribute block.
func EncodeDatagram(d Datagram) ([]byte, error) {
	attrs := EncodeAttrs(d.Attrs)
	total := int(HeaderLen) + len(attrs)
	if total > MaxDatagramBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrDatagramTooLarge, total)
	}
	h := d.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = uint32(len(attrs))
	out := make([]byte, 0, total)
	out = append(out, EncodeHeader(h)...)
	out = append(out, attrs...)
	return out, nil
}

func DecodeDatagram(b []byte) (Datagram, error) {
	if len(b) > MaxDatagramBytes {
		return Datagram{}, fmt.Errorf("%w: %d bytes", ErrDatagramTooLarge, len(b))
	}
	h, err := DecodeHeader(b)
	if err != nil {
		return Datagram{}, err
	}
	body := b[HeaderLen:]
	if uint32(len(body)) != h.PayloadLen {
		return Datagram{}, fmt.Errorf("%w: header=%d body=%d", ErrLengthMismatch, h.PayloadLen, len(body))
	}
	attrs, err := DecodeAttrs(body)
	if err != nil {
		return Datagram{}, err
	}
	return Datagram{Header: h, Attrs: attrs}, nil
}

// PeekLinkToken extracts the link token without a full decode. It reports
// false when the buffer is not a datagram of this protocol.
func PeekLinkToken(b []byte) (uint64, bool) {
	if len(b) < int(HeaderLen) {
		return 0, false
	}
	if binary.BigEndian.Uint32(b[0:4]) != Magic {
		return 0, false
	}
	if binary.BigEndian.Uint16(b[4:6]) != Version {
		return 0, false
	}
	return binary.BigEndian.Uint64(b[8:16]), true
}
