package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/studio/internal/app/orch"
	"github.com/dkeye/studio/internal/config"
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	writeWait         = 5 * time.Second
	sendBuffer        = 64
	defaultPingPeriod = 54 * time.Second
)

type SignalWSController struct {
	Orch       *orch.Orchestrator
	Limiter    *RoomRateLimiter
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(o *orch.Orchestrator, cfg *config.Config) *SignalWSController {
	ping := cfg.PingPeriod
	if ping <= 0 {
		ping = defaultPingPeriod
	}
	return &SignalWSController{
		Orch:       o,
		Limiter:    NewRoomRateLimiter(cfg.JoinRateLimit, cfg.JoinRateInterval, clockwork.NewRealClock()),
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: ping,
	}
}

// pongWait is how long the peer may stay silent before the read fails.
func (ctl *SignalWSController) pongWait() time.Duration {
	return ctl.PingPeriod * 10 / 9
}

// WsSignalConn is the relay end of one websocket. Frames are queued on a
// bounded buffer; a full buffer is reported as ErrBackpressure.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and assigns the connection a fresh
// address. The address lives exactly as long as the websocket.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	addr := domain.NewAddress()
	client := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("addr", string(addr)).Str("client", client).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(addr, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, addr, conn)
}
