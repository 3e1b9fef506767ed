package mesh

import (
	"github.com/dkeye/studio/internal/domain"
	"github.com/dkeye/studio/internal/protocol"
	"github.com/rs/zerolog/log"
)

// bindMember records addr for id. A peer still attached to an older
// address of id is closed without retry: the participant reconnected and
// will negotiate again from its new address.
func (c *Coordinator) bindMember(id domain.Identity, addr domain.Address) {
	prev, had := c.registry.Bind(id, addr)
	if !had || prev == addr {
		return
	}
	log.Info().Str("module", "mesh").Str("identity", string(id)).Str("old", string(prev)).Str("new", string(addr)).Msg("participant rebound")
	if s, ok := c.slots[id]; ok {
		s.cancelRetry()
		s.dialing = false
	}
	if p, ok := c.peers[id]; ok && p.addr != addr {
		c.closePeer(p)
	}
}

func (c *Coordinator) handleParticipantJoined(m protocol.ParticipantJoined) {
	if m.Identity == c.self {
		return
	}
	if err := m.Identity.Validate(); err != nil || m.Address == "" {
		log.Warn().Str("module", "mesh").Str("identity", string(m.Identity)).Msg("malformed participant-joined dropped")
		return
	}
	c.bindMember(m.Identity, m.Address)
	log.Info().Str("module", "mesh").Str("identity", string(m.Identity)).Str("address", string(m.Address)).Bool("connect", m.ShouldConnect).Msg("participant joined")
	if m.ShouldConnect {
		c.connectAsync(m.Identity, m.Address)
	}
}

// handleCurrentMembers seeds the registry on (re)join and dials every
// member. Replays are harmless: Connect skips identities that already have
// a peer or a pending attempt.
func (c *Coordinator) handleCurrentMembers(m protocol.CurrentMembers) {
	if c.selfAddr != "" && c.selfAddr != m.Self {
		// we rejoined from a new address; remote sides drop our old peers
		for _, p := range c.peers {
			c.closePeer(p)
		}
		for _, s := range c.slots {
			s.cancelRetry()
			s.dialing = false
		}
	}
	c.selfAddr = m.Self
	dialed := 0
	for _, mem := range m.Members {
		if mem.Identity == c.self || mem.Address == m.Self {
			continue
		}
		if mem.Identity.Validate() != nil || mem.Address == "" {
			continue
		}
		c.bindMember(mem.Identity, mem.Address)
		c.connectAsync(mem.Identity, mem.Address)
		dialed++
	}
	log.Info().Str("module", "mesh").Str("room", string(m.Room)).Str("self", string(m.Self)).Int("members", dialed).Msg("current members received")
}

func (c *Coordinator) handleParticipantLeft(id domain.Identity) {
	if s, ok := c.slots[id]; ok {
		s.cancelRetry()
		delete(c.slots, id)
	}
	p, hadPeer := c.peers[id]
	if hadPeer {
		c.closePeer(p)
	}
	c.registry.Forget(id)
	log.Info().Str("module", "mesh").Str("identity", string(id)).Bool("peer", hadPeer).Msg("participant left")
	if hadPeer {
		c.obs.PeerRemoved(id)
	}
}
