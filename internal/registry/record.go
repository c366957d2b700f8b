package registry

import (
	"encoding/json"
	"fmt"
	"time"
)

type State uint8

const (
	StatePending State = iota
	StateClaimed
	StateAnswered
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateClaimed:
		return "claimed"
	case StateAnswered:
		return "answered"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Offer is an offering peer's session description. Payload is opaque JSON;
// DeviceID is the caller-supplied device tag, kept out of Payload so it never
// reaches the answering peer.
type Offer struct {
	Payload  json.RawMessage
	DeviceID string
}

// Record is a point-in-time copy of a connection record. Mutating it has no
// effect on the registry.
type Record struct {
	ID     string
	Offer  Offer
	Answer json.RawMessage
	State  State

	// Seq is the insertion sequence number; it breaks CreatedAt ties in the
	// pending queue.
	Seq uint64

	CreatedAt     time.Time
	LastTouchedAt time.Time
	ClaimedAt     time.Time
	AnsweredAt    time.Time
}

func (r Record) clone() Record {
	r.Offer.Payload = cloneRaw(r.Offer.Payload)
	r.Answer = cloneRaw(r.Answer)
	return r
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
