package domain

import "errors"

const MaxRoomNameLen = 64

var (
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
)

// RoomName is the rendezvous key clients join by. Rooms exist only while
// they have members.
type RoomName string

func (n RoomName) Validate() error {
	if len(n) == 0 {
		return ErrRoomNameEmpty
	}
	if len(n) > MaxRoomNameLen {
		return ErrRoomNameTooLong
	}
	return nil
}

type Room struct {
	Name RoomName
}
