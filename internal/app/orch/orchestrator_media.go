package orch

import (
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/dkeye/studio/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Relay forwards an addressed negotiation frame to another member of the
// sender's room. The payload is opaque apart from the routing header. A
// liveness probe that cannot be delivered is answered with unreachable
// right away so the prober does not wait for its timeout.
func (o *Orchestrator) Relay(from domain.Address, env protocol.Envelope) error {
	var head protocol.Target
	if err := protocol.DecodePayload(env, &head); err != nil {
		return err
	}
	if head.TargetAddress == "" {
		return ErrNoTarget
	}

	err := o.forward(from, head.TargetAddress, env)
	if err == nil {
		return nil
	}
	if env.Type == protocol.EventLivenessProbe {
		log.Debug().Str("module", "orch").Str("from", string(from)).Str("target", string(head.TargetAddress)).Err(err).Msg("probe target unreachable")
		return o.SendTo(from, protocol.EventLivenessResponse, protocol.LivenessResponse{
			SenderAddress: head.TargetAddress,
			ProbeID:       head.ProbeID,
			Status:        protocol.StatusUnreachable,
		})
	}
	return err
}

func (o *Orchestrator) forward(from, to domain.Address, env protocol.Envelope) error {
	roomName, _, ok := o.Registry.RoomOf(from)
	if !ok {
		return ErrNotInRoom
	}
	room, ok := o.Rooms.Get(roomName)
	if !ok {
		return ErrNotInRoom
	}
	target, ok := room.Member(to)
	if !ok || to == from {
		return ErrUnknownTarget
	}
	frame, err := protocol.Forward(env, from)
	if err != nil {
		return err
	}
	if err := room.SendTo(to, frame); err != nil {
		o.onDropped(room, []core.MemberSession{target}, env.Type)
		return err
	}
	log.Debug().Str("module", "orch").Str("type", string(env.Type)).Str("from", string(from)).Str("to", string(to)).Msg("relayed")
	return nil
}
