package core

import (
	"github.com/dkeye/studio/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID       domain.Identity `json:"id"`
	Username string          `json:"username"`
	Address  domain.Address  `json:"address"`
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	MembersSnapshot() []MemberDTO

	// AddMember stores ms. If the same identity was present under another
	// address, that stale session is evicted and returned.
	AddMember(ms MemberSession) (MemberSession, bool)
	RemoveMember(addr domain.Address) (MemberSession, bool)
	Member(addr domain.Address) (MemberSession, bool)
	AddressOf(id domain.Identity) (domain.Address, bool)

	SendTo(addr domain.Address, data Frame) error
	Broadcast(from domain.Address, data Frame) PublishResult
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"client_count"`
}

type RoomManager interface {
	GetOrCreate(name domain.RoomName) RoomService
	// Enter adds ms to the named room, creating the room when needed. It
	// returns the stale session of the same identity, if one was evicted.
	Enter(name domain.RoomName, ms MemberSession) (RoomService, MemberSession, bool)
	// ReleaseIfEmpty forgets the room once its last member left.
	ReleaseIfEmpty(name domain.RoomName) bool
	Get(name domain.RoomName) (RoomService, bool)
	List() []RoomInfo
	StopRoom(name domain.RoomName)
}
