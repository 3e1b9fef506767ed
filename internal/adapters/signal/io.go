package signal

import (
	"context"
	"time"

	"github.com/dkeye/studio/internal/domain"
	"github.com/dkeye/studio/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := ctl.ping(c); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, addr domain.Address, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("addr", string(addr)).Msg("readPump closing")
		ctl.Orch.Registry.Cancel(addr)
		ctl.Orch.OnDisconnect(addr)
		c.Close()
	}()

	if ctl.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.ReadLimit)
	}
	ctl.keepAlive(c)

	for {
		if ctx.Err() != nil {
			log.Info().Str("module", "signal").Str("addr", string(addr)).Msg("readPump ctx done")
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal").Str("addr", string(addr)).Msg("readPump read error")
			}
			return
		}
		ctl.handleSignal(addr, c, data)
	}
}

func (ctl *SignalWSController) handleSignal(addr domain.Address, c *WsSignalConn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("addr", string(addr)).Msg("bad json")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch {
	case env.Type == protocol.EventJoin:
		ctl.handleJoin(addr, c, env)
	case env.Type == protocol.EventLeave:
		ctl.handleLeave(addr)
	case protocol.Addressed(env.Type):
		ctl.handleRelay(addr, c, env)
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unknown signal")
		ctl.sendError(c, "unknown_type")
	}
}

func (ctl *SignalWSController) send(c *WsSignalConn, t protocol.EventType, v any) {
	b, err := protocol.Encode(t, v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send encode")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, msg string) {
	ctl.send(c, protocol.EventError, protocol.Error{Error: msg})
}
