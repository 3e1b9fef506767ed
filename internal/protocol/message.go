// Package protocol defines the JSON frames exchanged over the signaling
// channel between mesh clients and the relay.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/studio/internal/domain"
	"github.com/pion/webrtc/v4"
)

// EventType names a frame on the wire.
type EventType string

const (
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"

	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "ice-candidate"
	EventRenegotiate  EventType = "renegotiate"

	EventParticipantJoined EventType = "participant-joined"
	EventParticipantLeft   EventType = "participant-left"
	EventCurrentMembers    EventType = "current-members"

	EventLivenessProbe    EventType = "liveness-probe"
	EventLivenessResponse EventType = "liveness-response"

	EventSessionTerminated EventType = "session-terminated"
	EventError             EventType = "error"
)

// Liveness statuses carried by liveness-response.
const (
	StatusAlive       = "alive"
	StatusUnreachable = "unreachable"
)

// Envelope is the outer frame. Payload is decoded lazily by the handler
// registered for Type.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode builds a wire frame for v.
func Encode(t EventType, v any) ([]byte, error) {
	env := Envelope{Type: t}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses the envelope only.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// DecodePayload unmarshals the payload of env into v.
func DecodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%s: bad payload: %w", env.Type, err)
	}
	return nil
}

type Join struct {
	Room     domain.RoomName `json:"room"`
	Identity domain.Identity `json:"identity"`
	Name     string          `json:"name,omitempty"`
}

// Description carries an SDP offer or answer. Clients fill TargetAddress,
// the relay rewrites it into SenderAddress when forwarding. Session
// identifies the sender's connection instance: an offer with a session the
// receiver has not seen starts a new connection rather than renegotiating.
type Description struct {
	TargetAddress domain.Address            `json:"targetAddress,omitempty"`
	SenderAddress domain.Address            `json:"senderAddress,omitempty"`
	Session       uint64                    `json:"session,omitempty"`
	Description   webrtc.SessionDescription `json:"description"`
}

type Candidate struct {
	TargetAddress domain.Address          `json:"targetAddress,omitempty"`
	SenderAddress domain.Address          `json:"senderAddress,omitempty"`
	Candidate     webrtc.ICECandidateInit `json:"candidate"`
}

// Renegotiate hands out the right to offer on an established connection.
// The larger identity of a pair sends it to ask for a turn; the smaller
// one sends it back to grant the turn and makes no offer of its own until
// it has answered.
type Renegotiate struct {
	TargetAddress domain.Address `json:"targetAddress,omitempty"`
	SenderAddress domain.Address `json:"senderAddress,omitempty"`
}

type ParticipantJoined struct {
	Identity      domain.Identity `json:"identity"`
	Address       domain.Address  `json:"address"`
	Name          string          `json:"name,omitempty"`
	ShouldConnect bool            `json:"shouldConnect"`
}

type ParticipantLeft struct {
	Identity domain.Identity `json:"identity"`
}

type Member struct {
	Identity domain.Identity `json:"identity"`
	Address  domain.Address  `json:"address"`
	Name     string          `json:"name,omitempty"`
}

// CurrentMembers is sent to a joiner. Self is the joiner's own address.
type CurrentMembers struct {
	Room    domain.RoomName `json:"room"`
	Self    domain.Address  `json:"self"`
	Members []Member        `json:"members"`
}

type LivenessProbe struct {
	TargetAddress domain.Address `json:"targetAddress,omitempty"`
	SenderAddress domain.Address `json:"senderAddress,omitempty"`
	ProbeID       string         `json:"probeId"`
}

type LivenessResponse struct {
	TargetAddress domain.Address `json:"targetAddress,omitempty"`
	SenderAddress domain.Address `json:"senderAddress,omitempty"`
	ProbeID       string         `json:"probeId"`
	Status        string         `json:"status"`
}

type SessionTerminated struct {
	Reason string `json:"reason"`
}

type Error struct {
	Error string `json:"error"`
}

// Termination reasons sent by the relay.
const (
	ReasonReplaced   = "replaced"
	ReasonRoomClosed = "room closed"
	ReasonKicked     = "kicked"
)

// Forward rewrites an addressed frame for delivery: targetAddress is
// removed and senderAddress is set to from. Every other payload field is
// passed through untouched.
func Forward(env Envelope, from domain.Address) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &fields); err != nil {
			return nil, fmt.Errorf("forward %s: %w", env.Type, err)
		}
	}
	delete(fields, "targetAddress")
	sender, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	fields["senderAddress"] = sender
	return Encode(env.Type, fields)
}

// Target is the routing header shared by every addressed payload.
type Target struct {
	TargetAddress domain.Address `json:"targetAddress"`
	ProbeID       string         `json:"probeId,omitempty"`
}

// Addressed reports whether frames of t are routed to a single peer.
func Addressed(t EventType) bool {
	switch t {
	case EventOffer, EventAnswer, EventICECandidate, EventRenegotiate, EventLivenessProbe, EventLivenessResponse:
		return true
	}
	return false
}
