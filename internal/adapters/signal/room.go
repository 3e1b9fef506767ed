package signal

import (
	"errors"

	"github.com/dkeye/studio/internal/domain"
	"github.com/dkeye/studio/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(addr domain.Address, conn *WsSignalConn, env protocol.Envelope) {
	var p protocol.Join
	if err := protocol.DecodePayload(env, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if !ctl.Limiter.Allow(p.Identity) {
		log.Warn().Str("module", "signal").Str("addr", string(addr)).Str("identity", string(p.Identity)).Msg("join rate limited")
		ctl.sendError(conn, "rate_limited")
		return
	}

	log.Info().Str("module", "signal").Str("addr", string(addr)).Str("identity", string(p.Identity)).Str("room", string(p.Room)).Msg("join")
	if err := ctl.Orch.Join(addr, p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("addr", string(addr)).Msg("join rejected")
		ctl.sendError(conn, joinError(err))
	}
}

func joinError(err error) string {
	switch {
	case errors.Is(err, domain.ErrRoomNameEmpty):
		return "room_required"
	case errors.Is(err, domain.ErrRoomNameTooLong):
		return "invalid_room"
	case errors.Is(err, domain.ErrIdentityEmpty), errors.Is(err, domain.ErrIdentityTooLong):
		return "invalid_identity"
	case errors.Is(err, domain.ErrUsernameTooLong), errors.Is(err, domain.ErrUsernameEmpty):
		return "invalid_name"
	}
	return "join_failed"
}

// handleLeave exits the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(addr domain.Address) {
	log.Info().Str("module", "signal").Str("addr", string(addr)).Msg("leave")
	ctl.Orch.Leave(addr)
}
