package app

import (
	"sort"
	"sync"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/rs/zerolog/log"
)

type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.RoomName]core.RoomService
}

func NewRoomManager() core.RoomManager {
	return &RoomManagerImpl{rooms: make(map[domain.RoomName]core.RoomService)}
}

func (f *RoomManagerImpl) GetOrCreate(name domain.RoomName) core.RoomService {
	f.mu.RLock()
	room, ok := f.rooms[name]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getOrCreateLocked(name)
}

func (f *RoomManagerImpl) getOrCreateLocked(name domain.RoomName) core.RoomService {
	if room, ok := f.rooms[name]; ok {
		return room
	}
	room := core.NewRoomService(&domain.Room{Name: name})
	f.rooms[name] = room
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Msg("room created")
	return room
}

// Enter holds the manager lock across create and add, so a concurrent
// ReleaseIfEmpty can never drop the room a member is entering.
func (f *RoomManagerImpl) Enter(name domain.RoomName, ms core.MemberSession) (core.RoomService, core.MemberSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := f.getOrCreateLocked(name)
	stale, replaced := room.AddMember(ms)
	return room, stale, replaced
}

func (f *RoomManagerImpl) ReleaseIfEmpty(name domain.RoomName) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[name]
	if !ok || room.MemberCount() > 0 {
		return false
	}
	delete(f.rooms, name)
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Msg("empty room released")
	return true
}

func (f *RoomManagerImpl) Get(name domain.RoomName) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[name]
	return room, ok
}

// List returns the rooms sorted by name.
func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for name, r := range f.rooms {
		out = append(out, core.RoomInfo{Name: name, MemberCount: r.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *RoomManagerImpl) StopRoom(name domain.RoomName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, name)
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Msg("room stopped")
}
