package orch

import (
	"sort"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/dkeye/studio/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Join places addr in the requested room, creating it on first use. The joiner receives the current
// members and is expected to dial them; everyone else learns about the
// joiner with shouldConnect=false. A previous session of the same identity
// is terminated.
func (o *Orchestrator) Join(addr domain.Address, req protocol.Join) error {
	if err := req.Room.Validate(); err != nil {
		return err
	}
	user, err := domain.NewUser(req.Identity, req.Name)
	if err != nil {
		return err
	}
	conn, ok := o.Registry.Signal(addr)
	if !ok {
		return ErrUnknownSession
	}
	if from, _, in := o.Registry.RoomOf(addr); in {
		o.Leave(addr)
		log.Info().Str("module", "orch").Str("addr", string(addr)).Str("from_room", string(from)).Msg("left previous room")
	}

	sess := core.NewMemberSession(domain.NewMember(user, addr), conn)
	room, stale, replaced := o.Rooms.Enter(req.Room, sess)
	existing := room.MembersSnapshot()
	o.Registry.BindSession(addr, req.Room, sess)
	log.Info().Str("module", "orch").Str("addr", string(addr)).Str("identity", string(user.ID)).Str("room", string(req.Room)).Msg("joined")

	if replaced {
		staleAddr := stale.Meta().Address
		o.Registry.RemoveRoom(staleAddr)
		_ = o.send(stale.Signal(), protocol.EventSessionTerminated, protocol.SessionTerminated{Reason: protocol.ReasonReplaced})
		log.Info().Str("module", "orch").Str("addr", string(staleAddr)).Str("identity", string(user.ID)).Msg("previous session replaced")
	}

	members := make([]protocol.Member, 0, len(existing))
	for _, m := range existing {
		if m.ID == user.ID {
			continue
		}
		members = append(members, protocol.Member{Identity: m.ID, Address: m.Address, Name: m.Username})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Identity < members[j].Identity })
	if err := o.send(conn, protocol.EventCurrentMembers, protocol.CurrentMembers{Room: req.Room, Self: addr, Members: members}); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("addr", string(addr)).Msg("current-members not delivered")
	}

	o.broadcast(room, addr, protocol.EventParticipantJoined, protocol.ParticipantJoined{
		Identity: user.ID,
		Address:  addr,
		Name:     user.Username,
	})
	return nil
}

// Leave removes addr from its room and releases the room once empty.
// Nothing is announced when the identity is still present under a newer
// address.
func (o *Orchestrator) Leave(addr domain.Address) {
	roomName, sess, ok := o.Registry.RoomOf(addr)
	if !ok {
		return
	}
	o.Registry.RemoveRoom(addr)
	room, ok := o.Rooms.Get(roomName)
	if !ok {
		return
	}
	if _, removed := room.RemoveMember(addr); !removed {
		return
	}
	o.Rooms.ReleaseIfEmpty(roomName)
	id := sess.Meta().User.ID
	if cur, still := room.AddressOf(id); still && cur != addr {
		return
	}
	log.Info().Str("module", "orch").Str("addr", string(addr)).Str("identity", string(id)).Str("room", string(roomName)).Msg("left")
	o.broadcast(room, addr, protocol.EventParticipantLeft, protocol.ParticipantLeft{Identity: id})
}

// Kick terminates the session of addr. A connection that cannot even take
// the termination frame is closed.
func (o *Orchestrator) Kick(addr domain.Address, reason string) {
	if err := o.SendTo(addr, protocol.EventSessionTerminated, protocol.SessionTerminated{Reason: reason}); err != nil {
		o.Registry.Cancel(addr)
	}
	o.Leave(addr)
	log.Info().Str("module", "orch").Str("addr", string(addr)).Str("reason", reason).Msg("kicked")
}

func (o *Orchestrator) OnDisconnect(addr domain.Address) {
	o.Leave(addr)
	o.Registry.Unbind(addr)
}

// EvictRoom terminates every session of the room and forgets it.
func (o *Orchestrator) EvictRoom(name domain.RoomName) bool {
	room, ok := o.Rooms.Get(name)
	if !ok {
		return false
	}
	for _, snap := range o.Registry.MembersOfRoom(name) {
		_ = o.SendTo(snap.Addr, protocol.EventSessionTerminated, protocol.SessionTerminated{Reason: protocol.ReasonRoomClosed})
		room.RemoveMember(snap.Addr)
		o.Registry.RemoveRoom(snap.Addr)
	}
	o.Rooms.StopRoom(name)
	log.Info().Str("module", "orch").Str("room", string(name)).Msg("room evicted")
	return true
}
