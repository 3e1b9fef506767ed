package app

import (
	"context"
	"sync"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/rs/zerolog/log"
)

// sessionEntry is one live signaling connection. Session is set once the
// connection joined a room.
type sessionEntry struct {
	RoomName domain.RoomName
	Signal   core.SignalConnection
	Session  core.MemberSession
	Cancel   context.CancelFunc
}

// Registry tracks every signaling connection of the relay by its address.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.Address]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.Address]*sessionEntry)}
}

func (r *Registry) BindSignal(addr domain.Address, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[addr] = &sessionEntry{Signal: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("addr", string(addr)).Msg("bound signal")
}

func (r *Registry) Signal(addr domain.Address) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[addr]; ok {
		return e.Signal, true
	}
	return nil, false
}

// BindSession records that addr joined roomName as sess.
func (r *Registry) BindSession(addr domain.Address, roomName domain.RoomName, sess core.MemberSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[addr]
	if !ok {
		return false
	}
	e.RoomName = roomName
	e.Session = sess
	log.Info().Str("module", "app.registry").Str("addr", string(addr)).Str("room", string(roomName)).Msg("bound session")
	return true
}

func (r *Registry) Unbind(addr domain.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, addr)
	log.Info().Str("module", "app.registry").Str("addr", string(addr)).Msg("unbind session")
}

func (r *Registry) RoomOf(addr domain.Address) (domain.RoomName, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[addr]
	if !ok || entry.RoomName == "" {
		return "", nil, false
	}
	return entry.RoomName, entry.Session, true
}

func (r *Registry) RemoveRoom(addr domain.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[addr]; ok {
		entry.RoomName = ""
		entry.Session = nil
	}
	log.Info().Str("module", "app.registry").Str("addr", string(addr)).Msg("removed room association")
}

type RegSnap struct {
	Addr    domain.Address
	Session core.MemberSession
}

func (r *Registry) MembersOfRoom(name domain.RoomName) []RegSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegSnap, 0, len(r.sessions))
	for addr, e := range r.sessions {
		if e.RoomName == name {
			out = append(out, RegSnap{Addr: addr, Session: e.Session})
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Cancel(addr domain.Address) bool {
	r.mu.RLock()
	e, ok := r.sessions[addr]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("addr", string(addr)).Msg("canceled session")
	return true
}
