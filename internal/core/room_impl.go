package core

import (
	"errors"
	"sync"

	"github.com/dkeye/studio/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrNoSuchMember = errors.New("no such member")

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room   *domain.Room
	mu     sync.RWMutex
	byAddr map[domain.Address]MemberSession
	byUser map[domain.Identity]domain.Address
}

func NewRoomService(room *domain.Room) RoomService {
	return &roomImpl{
		room:   room,
		byAddr: make(map[domain.Address]MemberSession),
		byUser: make(map[domain.Identity]domain.Address),
	}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr)
}

func (r *roomImpl) AddMember(ms MemberSession) (MemberSession, bool) {
	meta := ms.Meta()
	u, addr := meta.User.ID, meta.Address
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale MemberSession
	if old, ok := r.byUser[u]; ok && old != addr {
		stale = r.byAddr[old]
		delete(r.byAddr, old)
		log.Info().Str("module", "core.room").Str("addr", string(old)).Str("user", string(u)).Msg("stale member evicted")
	}
	r.byAddr[addr] = ms
	r.byUser[u] = addr
	log.Info().Str("module", "core.room").Str("addr", string(addr)).Str("user", string(u)).Msg("member added")
	return stale, stale != nil
}

func (r *roomImpl) RemoveMember(addr domain.Address) (MemberSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.byAddr[addr]
	if !ok {
		return nil, false
	}
	u := ms.Meta().User.ID
	if r.byUser[u] == addr {
		delete(r.byUser, u)
	}
	delete(r.byAddr, addr)
	log.Info().Str("module", "core.room").Str("addr", string(addr)).Msg("member removed")
	return ms, true
}

func (r *roomImpl) Member(addr domain.Address) (MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.byAddr[addr]
	return ms, ok
}

func (r *roomImpl) AddressOf(id domain.Identity) (domain.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.byUser[id]
	return addr, ok
}

func (r *roomImpl) SendTo(addr domain.Address, data Frame) error {
	r.mu.RLock()
	ms, ok := r.byAddr[addr]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSuchMember
	}
	return ms.Signal().TrySend(data)
}

func (r *roomImpl) Broadcast(from domain.Address, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for addr, m := range r.byAddr {
		if addr == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberDTO, 0, len(r.byAddr))
	for addr, ms := range r.byAddr {
		u := ms.Meta().User
		out = append(out, MemberDTO{ID: u.ID, Username: u.Username, Address: addr})
	}
	return out
}
