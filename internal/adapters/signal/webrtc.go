package signal

import (
	"errors"

	"github.com/dkeye/studio/internal/app/orch"
	"github.com/dkeye/studio/internal/domain"
	"github.com/dkeye/studio/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handleRelay passes offers, answers, candidates and liveness frames to
// their target. Frames for a target that already left are dropped quietly:
// late candidates after a departure are routine.
func (ctl *SignalWSController) handleRelay(addr domain.Address, conn *WsSignalConn, env protocol.Envelope) {
	err := ctl.Orch.Relay(addr, env)
	switch {
	case err == nil:
	case errors.Is(err, orch.ErrUnknownTarget):
		log.Debug().Str("module", "signal").Str("addr", string(addr)).Str("type", string(env.Type)).Msg("target gone, frame dropped")
	case errors.Is(err, orch.ErrNotInRoom):
		ctl.sendError(conn, "not_in_room")
	default:
		log.Warn().Err(err).Str("module", "signal").Str("addr", string(addr)).Str("type", string(env.Type)).Msg("relay failed")
		ctl.sendError(conn, "bad_payload")
	}
}
