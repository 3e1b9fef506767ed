// Package orch is the relay side of the signaling channel: room
// membership, membership events and opaque forwarding of negotiation
// frames between addresses of the same room.
package orch

import (
	"errors"

	"github.com/dkeye/studio/internal/app"
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/dkeye/studio/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotInRoom      = errors.New("not in a room")
	ErrNoTarget       = errors.New("target address required")
	ErrUnknownTarget  = errors.New("target not in room")
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
}

func (o *Orchestrator) send(conn core.SignalConnection, t protocol.EventType, v any) error {
	frame, err := protocol.Encode(t, v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", string(t)).Msg("encode")
		return err
	}
	return conn.TrySend(frame)
}

// SendTo delivers an event to addr whether or not it joined a room.
func (o *Orchestrator) SendTo(addr domain.Address, t protocol.EventType, v any) error {
	conn, ok := o.Registry.Signal(addr)
	if !ok {
		return ErrUnknownSession
	}
	return o.send(conn, t, v)
}

func (o *Orchestrator) broadcast(room core.RoomService, from domain.Address, t protocol.EventType, v any) {
	frame, err := protocol.Encode(t, v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", string(t)).Msg("encode")
		return
	}
	res := room.Broadcast(from, frame)
	o.onDropped(room, res.Dropped, t)
}

func (o *Orchestrator) onDropped(room core.RoomService, dropped []core.MemberSession, t protocol.EventType) {
	if o.Policy == nil {
		return
	}
	for _, slow := range dropped {
		action := o.Policy.OnBackPressure(room, slow, t)
		addr := slow.Meta().Address
		log.Warn().Str("module", "orch").Str("addr", string(addr)).Str("type", string(t)).Str("action", action.String()).Msg("backpressure")
		switch action {
		case app.KickMember:
			o.Kick(addr, protocol.ReasonKicked)
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}
