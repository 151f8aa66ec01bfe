package domain

import "time"

// Participant represents a user's membership in a room.
// No transport or lifecycle logic here.
type Participant struct {
	User     *User
	RoomID   RoomID
	JoinedAt time.Time
}

func NewParticipant(user *User, room RoomID) *Participant {
	return &Participant{User: user, RoomID: room, JoinedAt: time.Now()}
}
