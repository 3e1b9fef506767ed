package app

import (
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/protocol"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case MarkSlow:
		return "mark_slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	}
	return "none"
}

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession, t protocol.EventType) BackpressureAction
}

// SimplePolicy drops ICE candidates and kicks on anything else: a member
// that misses an offer, an answer or a membership event has a broken view
// of the mesh.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ core.RoomService, _ core.MemberSession, t protocol.EventType) BackpressureAction {
	if t == protocol.EventICECandidate {
		return DropFrame
	}
	return KickMember
}
