package domain

import "time"

// Member is one user's presence in a hub room, one per bus connection.
type Member struct {
	User     *User
	JoinedAt time.Time
}

func NewMember(user *User) *Member {
	return &Member{User: user, JoinedAt: time.Now()}
}
