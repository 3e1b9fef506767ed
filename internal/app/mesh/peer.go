package mesh

import (
	"fmt"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
)

// NegotiationState tracks the offer/answer handshake of one peer.
type NegotiationState int

const (
	StateNew NegotiationState = iota
	StateOffering
	StateAwaitingAnswer
	StateAnswering
	StateStable
	StateClosed
)

func (s NegotiationState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAnswering:
		return "answering"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

func (s NegotiationState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *NegotiationState) UnmarshalText(b []byte) error {
	for st := StateNew; st <= StateClosed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown negotiation state %q", b)
}

// outstandingOffer reports whether a local offer has been created and not
// yet answered.
func (s NegotiationState) outstandingOffer() bool {
	return s == StateOffering || s == StateAwaitingAnswer
}

// peer is one connection instance with a remote identity. A reconnect
// always creates a new peer with a new token; continuations carrying an
// old token are dropped.
type peer struct {
	id       domain.Identity
	addr     domain.Address
	token    uint64
	conn     core.MediaConnection
	state    NegotiationState
	remote   bool
	session  uint64 // remote connection instance, 0 until it has signaled
	renego   bool
	// offer turns on an established connection, see renegotiate
	turnAsked bool
	turnGiven bool
	turnOwed  bool
	sampling bool
	ice      webrtc.PeerConnectionState
	grace    clockwork.Timer
	pending  candidateQueue
	streams  map[string]*core.RemoteStream
	health   *healthWindow
}

func newPeer(id domain.Identity, addr domain.Address, token uint64, conn core.MediaConnection, window int) *peer {
	return &peer{
		id:      id,
		addr:    addr,
		token:   token,
		conn:    conn,
		state:   StateNew,
		ice:     webrtc.PeerConnectionStateNew,
		streams: make(map[string]*core.RemoteStream),
		health:  newHealthWindow(window),
	}
}

func (p *peer) open() bool { return p.state != StateClosed }

func (p *peer) stopGrace() {
	if p.grace != nil {
		p.grace.Stop()
		p.grace = nil
	}
}

// sender returns the sender carrying kind, if any.
func (p *peer) sender(kind webrtc.RTPCodecType) core.TrackSender {
	for _, s := range p.conn.Senders() {
		if s.Kind() == kind {
			return s
		}
	}
	return nil
}

// slot is the per-identity state that outlives a single peer instance.
type slot struct {
	dialing   bool
	dialToken uint64
	retried   bool
	retry     clockwork.Timer
}

func (s *slot) cancelRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}
