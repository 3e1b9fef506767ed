// Package wsclient is the participant end of the signaling websocket. It
// implements core.SignalChannel.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/dkeye/studio/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024
	sendBuffer     = 256
)

var (
	ErrClosed       = errors.New("signaling connection closed")
	ErrBackpressure = errors.New("signaling send buffer full")
)

// Client manages the websocket connection to the relay.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	stopped chan struct{} // closed once writePump has released the socket

	mu       sync.RWMutex
	handlers map[protocol.EventType]map[uint64]core.Handler
	nextID   uint64

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to serverURL and starts the pumps.
func Dial(ctx context.Context, serverURL string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverURL, err)
	}
	c := &Client{
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		handlers: make(map[protocol.EventType]map[uint64]core.Handler),
	}

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
	log.Info().Str("module", "wsclient").Str("url", serverURL).Msg("connected")
	return c, nil
}

// Emit queues an event. It never blocks: a full buffer is an error.
func (c *Client) Emit(t protocol.EventType, v any) error {
	frame, err := protocol.Encode(t, v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		log.Warn().Str("module", "wsclient").Str("type", string(t)).Msg("send buffer full")
		return ErrBackpressure
	}
}

func (c *Client) Join(room domain.RoomName, id domain.Identity, name string) error {
	return c.Emit(protocol.EventJoin, protocol.Join{Room: room, Identity: id, Name: name})
}

func (c *Client) Leave() error {
	return c.Emit(protocol.EventLeave, nil)
}

// On registers h for t. Handlers of one type run in registration order.
func (c *Client) On(t protocol.EventType, h core.Handler) core.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[t] == nil {
		c.handlers[t] = make(map[uint64]core.Handler)
	}
	c.handlers[t][id] = h
	return &subscription{c: c, t: t, id: id}
}

type subscription struct {
	c    *Client
	t    protocol.EventType
	id   uint64
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.c.mu.Lock()
		defer s.c.mu.Unlock()
		delete(s.c.handlers[s.t], s.id)
	})
}

func (c *Client) handlersFor(t protocol.EventType) []core.Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uint64, 0, len(c.handlers[t]))
	for id := range c.handlers[t] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]core.Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.handlers[t][id])
	}
	return out
}

func (c *Client) dispatch(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "wsclient").Msg("bad frame dropped")
		return
	}
	hs := c.handlersFor(env.Type)
	if len(hs) == 0 {
		log.Debug().Str("module", "wsclient").Str("type", string(env.Type)).Msg("no handler")
		return
	}
	payload := json.RawMessage(env.Payload)
	for _, h := range hs {
		h(payload)
	}
}

// readPump delivers frames to handlers one at a time, in arrival order.
func (c *Client) readPump() {
	defer c.shutdown(nil)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return
				}
				log.Error().Err(err).Str("module", "wsclient").Msg("read error")
				c.shutdown(err)
			}
			return
		}
		c.dispatch(data)
	}
}

// writePump is the only writer of data frames. It also owns closing the
// socket, so frames queued before a clean Close still go out.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.release()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().Err(err).Str("module", "wsclient").Msg("write error")
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			if c.Err() == nil {
				c.flush()
			}
			return
		}
	}
}

// flush writes the frames still queued, giving up after writeWait.
func (c *Client) flush() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	n := 0
	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn().Err(err).Str("module", "wsclient").Int("flushed", n).Msg("flush aborted")
				return
			}
			n++
		default:
			if n > 0 {
				log.Debug().Str("module", "wsclient").Int("flushed", n).Msg("send queue flushed")
			}
			return
		}
	}
}

func (c *Client) release() {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	_ = c.conn.Close()
	close(c.stopped)
	log.Info().Str("module", "wsclient").Msg("closed")
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended; nil after a clean close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends whatever is still queued, then closes the socket. It returns
// once the socket is released.
func (c *Client) Close() {
	c.shutdown(nil)
	<-c.stopped
}
