package wire

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Kind   uint16
	AttrID uint16
	Reason string
}

func (e ValidationError) Error() string {
	if e.AttrID == 0 {
		return fmt.Sprintf("wire: kind=%d: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("wire: kind=%d attr=%d: %s", e.Kind, e.AttrID, e.Reason)
}

var requirements = map[uint16][]Requirement{
	KindHello:          {},
	KindHelloAck:       {},
	KindProbe:          {},
	KindProbeAck:       {},
	KindChannelOpen:    {{AttrChannelID, AttrTypeU16}, {AttrChannelLabel, AttrTypeString}},
	KindChannelOpenAck: {{AttrChannelID, AttrTypeU16}},
	KindChannelData:    {{AttrChannelID, AttrTypeU16}, {AttrPayload, AttrTypeBytes}},
	KindChannelClose:   {{AttrChannelID, AttrTypeU16}},
	KindBye:            {},
}

// Validate enforces required attributes and their types for a datagram kind.
// Unknown attributes are ignored.
func Validate(kind uint16, attrs []Attr) error {
	reqs, ok := requirements[kind]
	if !ok {
		log.Debug().Uint16("kind", kind).Msg("wire: unknown datagram kind")
		return ValidationError{Kind: kind, Reason: "unknown kind"}
	}
	for _, req := range reqs {
		a, found := GetAttr(attrs, req.ID)
		if !found {
			log.Debug().Uint16("kind", kind).Uint16("attr", req.ID).Msg("wire: missing required attribute")
			return ValidationError{Kind: kind, AttrID: req.ID, Reason: "missing required attribute"}
		}
		if a.Type != req.Type {
			log.Debug().Uint16("kind", kind).Uint16("attr", req.ID).Msg("wire: attribute type mismatch")
			return ValidationError{Kind: kind, AttrID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
