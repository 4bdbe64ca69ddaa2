package wire

import (
	"encoding/binary"
	"errors"
	"time"
)

var ErrShortPayload = errors.New("wire: short channel payload")

// Payload is the envelope carried by channel data: the sender's send
// time followed by the raw application bytes.
type Payload struct {
	Data   []byte
	SentAt time.Time
}

func NewPayload(data []byte, now time.Time) Payload {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Payload{Data: buf, SentAt: now}
}

// Latency reports how long the payload was in flight.
func (p Payload) Latency(now time.Time) time.Duration {
	return now.Sub(p.SentAt)
}

func EncodePayload(p Payload) []byte {
	buf := make([]byte, 8+len(p.Data))
	binary.BigEndian.PutUint64(buf[0:8], uint64(p.SentAt.UnixNano()))
	copy(buf[8:], p.Data)
	return buf
}

func DecodePayload(b []byte) (Payload, error) {
	if len(b) < 8 {
		return Payload{}, ErrShortPayload
	}
	nanos := int64(binary.BigEndian.Uint64(b[0:8]))
	data := make([]byte, len(b)-8)
	copy(data, b[8:])
	return Payload{Data: data, SentAt: time.Unix(0, nanos)}, nil
}
