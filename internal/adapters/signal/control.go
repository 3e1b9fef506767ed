package signal

import (
	"time"

	"github.com/gorilla/websocket"
)

// keepAlive arms the read deadline and extends it on every pong.
func (ctl *SignalWSController) keepAlive(c *WsSignalConn) {
	wait := ctl.pongWait()
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})
}

func (ctl *SignalWSController) ping(c *WsSignalConn) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
