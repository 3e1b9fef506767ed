package mesh

import (
	"fmt"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/dkeye/studio/internal/protocol"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type dialStart struct {
	addr    domain.Address
	token   uint64
	probeID string
	result  chan string
	skip    bool
	err     error
}

func (c *Coordinator) beginDial(id domain.Identity, addr domain.Address) dialStart {
	if id == c.self {
		return dialStart{err: ErrSelfTarget}
	}
	if addr == "" {
		var ok bool
		if addr, ok = c.registry.ResolveAddress(id); !ok {
			return dialStart{err: ErrAddressUnknown}
		}
	}
	if _, ok := c.peers[id]; ok {
		log.Debug().Str("module", "mesh").Str("identity", string(id)).Msg("already connected")
		return dialStart{skip: true}
	}
	s := c.slotFor(id)
	if s.dialing {
		log.Debug().Str("module", "mesh").Str("identity", string(id)).Msg("connect already pending")
		return dialStart{skip: true}
	}
	s.cancelRetry()
	s.dialing = true
	s.dialToken = c.nextToken()

	d := dialStart{addr: addr, token: s.dialToken, probeID: uuid.NewString(), result: make(chan string, 1)}
	c.probes[d.probeID] = d.result
	probe := protocol.LivenessProbe{TargetAddress: addr, ProbeID: d.probeID}
	if err := c.signal.Emit(protocol.EventLivenessProbe, probe); err != nil {
		delete(c.probes, d.probeID)
		s.dialing = false
		return dialStart{err: fmt.Errorf("send liveness probe: %w", err)}
	}
	return d
}

func (c *Coordinator) abortDial(id domain.Identity, d dialStart) {
	delete(c.probes, d.probeID)
	if s, ok := c.slots[id]; ok && s.dialing && s.dialToken == d.token {
		s.dialing = false
	}
}

func (c *Coordinator) handleLivenessResponse(m protocol.LivenessResponse) {
	ch, ok := c.probes[m.ProbeID]
	if !ok {
		log.Debug().Str("module", "mesh").Str("probe", m.ProbeID).Msg("late liveness response dropped")
		return
	}
	delete(c.probes, m.ProbeID)
	ch <- m.Status
}

func (c *Coordinator) finishDial(id domain.Identity, d dialStart, offered chan<- error) {
	s, ok := c.slots[id]
	if !ok || !s.dialing || s.dialToken != d.token {
		// superseded by an incoming offer, a leave or a rebind
		offered <- nil
		return
	}
	s.dialing = false
	if _, ok := c.peers[id]; ok {
		offered <- nil
		return
	}
	if prev, had := c.registry.Bind(id, d.addr); had && prev != d.addr {
		log.Info().Str("module", "mesh").Str("identity", string(id)).Str("old", string(prev)).Str("new", string(d.addr)).Msg("address rebound")
	}
	p, err := c.openPeer(id, d.addr)
	if err != nil {
		offered <- err
		return
	}
	p.state = StateOffering
	c.createOffer(p, offered)
}

// openPeer creates a connection instance for id carrying the current
// bundle tracks and registers it.
func (c *Coordinator) openPeer(id domain.Identity, addr domain.Address) (*peer, error) {
	conn, err := c.media.NewConnection(id)
	if err != nil {
		return nil, fmt.Errorf("new connection: %w", err)
	}
	for _, kind := range core.MediaKinds {
		t := c.bundle.Track(kind)
		if t == nil {
			continue
		}
		if _, err := conn.AddTrack(t); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("add %s track: %w", kind, err)
		}
	}

	p := newPeer(id, addr, c.nextToken(), conn, c.opts.HealthWindow)
	token := p.token
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		c.post(func() { c.onLocalCandidate(id, token, ci) })
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.post(func() { c.onTransportState(id, token, s) })
	})
	conn.OnTrack(func(rt core.RemoteTrack) {
		c.post(func() { c.onRemoteTrack(id, token, rt) })
	})

	c.peers[id] = p
	log.Info().Str("module", "mesh").Str("identity", string(id)).Str("address", string(addr)).Uint64("token", token).Msg("peer created")
	return p, nil
}

func reply(ch chan<- error, err error) {
	if ch != nil {
		ch <- err
	}
}

// createOffer builds the local offer off the control goroutine.
func (c *Coordinator) createOffer(p *peer, done chan<- error) {
	conn, id, token := p.conn, p.id, p.token
	go func() {
		offer, err := conn.CreateOffer(c.ctx)
		if !c.post(func() { c.offerReady(id, token, offer, err, done) }) {
			reply(done, ErrClosed)
		}
	}()
}

func (c *Coordinator) offerReady(id domain.Identity, token uint64, offer webrtc.SessionDescription, err error, done chan<- error) {
	p, ok := c.current(id, token)
	if !ok || p.state != StateOffering {
		log.Debug().Str("module", "mesh").Str("identity", string(id)).Msg("stale offer discarded")
		reply(done, nil)
		return
	}
	if err == nil {
		msg := protocol.Description{TargetAddress: p.addr, Session: p.token, Description: offer}
		if err = c.signal.Emit(protocol.EventOffer, msg); err != nil {
			err = fmt.Errorf("send offer: %w", err)
		}
	}
	if err != nil {
		log.Error().Str("module", "mesh").Str("identity", string(id)).Err(err).Msg("offer failed")
		if done != nil {
			// the caller of Connect sees the error
			c.closePeer(p)
		} else {
			c.fail(p)
		}
		reply(done, err)
		return
	}
	p.state = StateAwaitingAnswer
	log.Debug().Str("module", "mesh").Str("identity", string(id)).Str("address", string(p.addr)).Msg("offer sent")
	reply(done, nil)
}

func (c *Coordinator) handleOffer(m protocol.Description) {
	from := m.SenderAddress
	id, ok := c.registry.ResolveIdentity(from)
	if !ok {
		log.Warn().Str("module", "mesh").Str("address", string(from)).Msg("offer from unknown address dropped")
		return
	}
	p := c.peers[id]
	if p != nil {
		switch {
		case p.addr != from:
			log.Info().Str("module", "mesh").Str("identity", string(id)).Msg("offer from new address replaces stale peer")
			c.closePeer(p)
			p = nil
		case p.session != 0 && p.session != m.Session:
			log.Info().Str("module", "mesh").Str("identity", string(id)).Uint64("session", m.Session).Msg("offer opens a new session, replacing peer")
			c.closePeer(p)
			p = nil
		case p.state.outstandingOffer():
			if c.self < id {
				log.Debug().Str("module", "mesh").Str("identity", string(id)).Msg("offer collision, keeping local offer")
				return
			}
			if p.remote {
				// the turn protocol rules this out and there is no rollback
				log.Warn().Str("module", "mesh").Str("identity", string(id)).Msg("offer collision on established peer")
				c.fail(p)
				return
			}
			log.Debug().Str("module", "mesh").Str("identity", string(id)).Msg("offer collision, yielding")
			c.closePeer(p)
			p = nil
		case p.state == StateAnswering:
			log.Debug().Str("module", "mesh").Str("identity", string(id)).Msg("duplicate offer dropped")
			return
		}
	}

	s := c.slotFor(id)
	s.dialing = false
	s.cancelRetry()

	if p == nil {
		var err error
		if p, err = c.openPeer(id, from); err != nil {
			log.Error().Str("module", "mesh").Str("identity", string(id)).Err(err).Msg("cannot answer offer")
			return
		}
	}
	p.session = m.Session
	p.state = StateAnswering
	c.acceptOffer(p, m.Description)
}

func (c *Coordinator) acceptOffer(p *peer, offer webrtc.SessionDescription) {
	conn, id, token := p.conn, p.id, p.token
	go func() {
		answer, err := conn.AcceptOffer(c.ctx, offer)
		c.post(func() { c.answerReady(id, token, answer, err) })
	}()
}

func (c *Coordinator) answerReady(id domain.Identity, token uint64, answer webrtc.SessionDescription, err error) {
	p, ok := c.current(id, token)
	if !ok || p.state != StateAnswering {
		log.Debug().Str("module", "mesh").Str("identity", string(id)).Msg("stale answer discarded")
		return
	}
	if err != nil {
		log.Error().Str("module", "mesh").Str("identity", string(id)).Err(err).Msg("accept offer failed")
		c.fail(p)
		return
	}
	msg := protocol.Description{TargetAddress: p.addr, Session: p.token, Description: answer}
	if err := c.signal.Emit(protocol.EventAnswer, msg); err != nil {
		log.Error().Str("module", "mesh").Str("identity", string(id)).Err(err).Msg("send answer failed")
		c.fail(p)
		return
	}
	log.Debug().Str("module", "mesh").Str("identity", string(id)).Msg("answer sent")
	// a granted turn ends with our answer
	p.turnGiven = false
	c.settle(p)
}

func (c *Coordinator) handleAnswer(m protocol.Description) {
	from := m.SenderAddress
	id, ok := c.registry.ResolveIdentity(from)
	if !ok {
		log.Warn().Str("module", "mesh").Str("address", string(from)).Msg("answer from unknown address dropped")
		return
	}
	p, ok := c.peers[id]
	if !ok || p.addr != from || p.state != StateAwaitingAnswer {
		log.Debug().Str("module", "mesh").Str("identity", string(id)).Msg("unexpected answer ignored")
		return
	}
	if p.session != 0 && p.session != m.Session {
		log.Debug().Str("module", "mesh").Str("identity", string(id)).Uint64("session", m.Session).Msg("answer from another session ignored")
		return
	}
	if err := p.conn.ApplyAnswer(m.Description); err != nil {
		log.Error().Str("module", "mesh").Str("identity", string(id)).Err(err).Msg("apply answer failed")
		c.fail(p)
		return
	}
	p.session = m.Session
	c.settle(p)
}

// settle moves p to stable once both descriptions are applied, then runs
// whatever waited for it: a turn owed to the remote side goes first.
func (c *Coordinator) settle(p *peer) {
	p.state = StateStable
	c.markRemote(p)
	log.Info().Str("module", "mesh").Str("identity", string(p.id)).Msg("negotiation stable")
	if p.turnOwed {
		p.turnOwed = false
		c.giveTurn(p)
		return
	}
	if p.renego {
		p.renego = false
		c.renegotiate(p)
	}
}

// renegotiate updates the session with p. pion cannot roll back a local
// offer, so on an established connection only one side may hold an offer
// at a time: the smaller identity offers unless it has handed its turn to
// the other side, the larger identity asks for a turn and offers once it
// is granted. Nothing starts until p is stable.
func (c *Coordinator) renegotiate(p *peer) {
	if c.self > p.id {
		if p.turnAsked {
			// the offer made on grant carries this change too
			return
		}
		if p.state != StateStable {
			p.renego = true
			return
		}
		if err := c.signal.Emit(protocol.EventRenegotiate, protocol.Renegotiate{TargetAddress: p.addr}); err != nil {
			log.Warn().Str("module", "mesh").Str("identity", string(p.id)).Err(err).Msg("send turn request failed")
			return
		}
		p.turnAsked = true
		log.Debug().Str("module", "mesh").Str("identity", string(p.id)).Msg("offer turn requested")
		return
	}
	if p.state != StateStable || p.turnGiven {
		p.renego = true
		return
	}
	p.state = StateOffering
	c.createOffer(p, nil)
}

func (c *Coordinator) giveTurn(p *peer) {
	if err := c.signal.Emit(protocol.EventRenegotiate, protocol.Renegotiate{TargetAddress: p.addr}); err != nil {
		log.Warn().Str("module", "mesh").Str("identity", string(p.id)).Err(err).Msg("send turn grant failed")
		return
	}
	p.turnGiven = true
	log.Debug().Str("module", "mesh").Str("identity", string(p.id)).Msg("offer turn granted")
}

// handleRenegotiate is a turn request when it comes from a larger identity
// and a grant when it comes from a smaller one.
func (c *Coordinator) handleRenegotiate(m protocol.Renegotiate) {
	id, ok := c.registry.ResolveIdentity(m.SenderAddress)
	if !ok {
		log.Debug().Str("module", "mesh").Str("address", string(m.SenderAddress)).Msg("turn message from unknown address dropped")
		return
	}
	p, ok := c.peers[id]
	if !ok || p.addr != m.SenderAddress {
		log.Debug().Str("module", "mesh").Str("identity", string(id)).Msg("turn message without peer dropped")
		return
	}
	if c.self < id {
		if p.state != StateStable {
			p.turnOwed = true
			return
		}
		c.giveTurn(p)
		return
	}
	if !p.turnAsked {
		log.Debug().Str("module", "mesh").Str("identity", string(id)).Msg("unrequested turn grant dropped")
		return
	}
	p.turnAsked = false
	if p.state != StateStable {
		p.renego = true
		return
	}
	p.state = StateOffering
	c.createOffer(p, nil)
}

func (c *Coordinator) markRemote(p *peer) {
	if p.remote && p.pending.len() == 0 {
		return
	}
	p.remote = true
	queued, dropped := p.pending.drain(p.addr)
	for _, ci := range queued {
		if err := p.conn.AddICECandidate(ci); err != nil {
			log.Warn().Str("module", "mesh").Str("identity", string(p.id)).Err(err).Msg("queued candidate rejected")
		}
	}
	if len(queued) > 0 || dropped > 0 {
		log.Debug().Str("module", "mesh").Str("identity", string(p.id)).Int("applied", len(queued)).Int("dropped", dropped).Msg("candidate queue drained")
	}
}

func (c *Coordinator) handleCandidate(from domain.Address, ci webrtc.ICECandidateInit) {
	id, ok := c.registry.ResolveIdentity(from)
	if !ok {
		log.Debug().Str("module", "mesh").Str("address", string(from)).Msg("candidate from unknown address dropped")
		return
	}
	p, ok := c.peers[id]
	if !ok || p.addr != from {
		log.Debug().Str("module", "mesh").Str("identity", string(id)).Msg("candidate without peer dropped")
		return
	}
	if !p.remote {
		p.pending.push(from, ci)
		return
	}
	if err := p.conn.AddICECandidate(ci); err != nil {
		log.Warn().Str("module", "mesh").Str("identity", string(id)).Err(err).Msg("candidate rejected")
	}
}

func (c *Coordinator) onLocalCandidate(id domain.Identity, token uint64, ci webrtc.ICECandidateInit) {
	p, ok := c.current(id, token)
	if !ok {
		return
	}
	msg := protocol.Candidate{TargetAddress: p.addr, Candidate: ci}
	if err := c.signal.Emit(protocol.EventICECandidate, msg); err != nil {
		log.Warn().Str("module", "mesh").Str("identity", string(id)).Err(err).Msg("send candidate failed")
	}
}

func (c *Coordinator) onRemoteTrack(id domain.Identity, token uint64, rt core.RemoteTrack) {
	p, ok := c.current(id, token)
	if !ok {
		return
	}
	sid := rt.StreamID
	if sid == "" {
		sid = rt.ID
	}
	if st, ok := p.streams[sid]; ok {
		st.Tracks = append(st.Tracks, rt)
		return
	}
	st := &core.RemoteStream{ID: sid, Tracks: []core.RemoteTrack{rt}}
	p.streams[sid] = st
	log.Info().Str("module", "mesh").Str("identity", string(id)).Str("stream", sid).Msg("remote stream added")
	c.obs.RemoteStreamAdded(id, core.RemoteStream{ID: sid, Tracks: append([]core.RemoteTrack(nil), st.Tracks...)})
}

func (c *Coordinator) onTransportState(id domain.Identity, token uint64, state webrtc.PeerConnectionState) {
	p, ok := c.current(id, token)
	if !ok || p.ice == state {
		return
	}
	p.ice = state
	log.Info().Str("module", "mesh").Str("identity", string(id)).Str("state", state.String()).Msg("transport state")
	if state == webrtc.PeerConnectionStateClosed {
		c.closePeer(p)
		return
	}
	c.obs.ConnectionStateChanged(id, state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.stopGrace()
		s := c.slotFor(id)
		s.retried = false
		s.cancelRetry()
	case webrtc.PeerConnectionStateDisconnected:
		if p.grace == nil {
			p.grace = c.clock.AfterFunc(c.opts.GraceWindow, func() {
				c.post(func() { c.graceExpired(id, token) })
			})
		}
	case webrtc.PeerConnectionStateFailed:
		c.fail(p)
	}
}

func (c *Coordinator) graceExpired(id domain.Identity, token uint64) {
	p, ok := c.current(id, token)
	if !ok {
		return
	}
	p.grace = nil
	if p.ice == webrtc.PeerConnectionStateConnected {
		return
	}
	log.Warn().Str("module", "mesh").Str("identity", string(id)).Dur("grace", c.opts.GraceWindow).Msg("connection did not recover")
	c.fail(p)
}

// fail closes p and schedules one reconnect unless the previous failure
// already used it.
func (c *Coordinator) fail(p *peer) {
	id := p.id
	c.closePeer(p)
	s := c.slotFor(id)
	if s.retried {
		log.Warn().Str("module", "mesh").Str("identity", string(id)).Msg("reconnect already attempted, giving up")
		return
	}
	if _, ok := c.registry.ResolveAddress(id); !ok {
		return
	}
	s.retried = true
	s.cancelRetry()
	s.retry = c.clock.AfterFunc(c.opts.ReconnectDelay, func() {
		c.post(func() { c.retry(id) })
	})
	log.Info().Str("module", "mesh").Str("identity", string(id)).Dur("delay", c.opts.ReconnectDelay).Msg("reconnect scheduled")
}

func (c *Coordinator) retry(id domain.Identity) {
	s, ok := c.slots[id]
	if !ok || s.retry == nil {
		return
	}
	s.retry = nil
	if _, ok := c.peers[id]; ok || s.dialing {
		return
	}
	addr, ok := c.registry.ResolveAddress(id)
	if !ok {
		return
	}
	log.Info().Str("module", "mesh").Str("identity", string(id)).Msg("reconnecting")
	c.connectAsync(id, addr)
}

// closePeer releases p and forgets it. The identity stays registered.
func (c *Coordinator) closePeer(p *peer) {
	if !p.open() {
		return
	}
	p.state = StateClosed
	p.stopGrace()
	p.pending.clear()
	if c.peers[p.id] == p {
		delete(c.peers, p.id)
	}
	if err := p.conn.Close(); err != nil {
		log.Warn().Str("module", "mesh").Str("identity", string(p.id)).Err(err).Msg("close connection")
	}
	log.Info().Str("module", "mesh").Str("identity", string(p.id)).Uint64("token", p.token).Msg("peer closed")
	c.obs.ConnectionStateChanged(p.id, webrtc.PeerConnectionStateClosed)
}
