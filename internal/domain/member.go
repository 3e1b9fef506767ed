package domain

// Member represents user's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	User    *User
	Address Address
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user *User, addr Address) *Member {
	return &Member{User: user, Address: addr}
}
