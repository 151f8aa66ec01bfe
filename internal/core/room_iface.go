package core

import "github.com/dkeye/duet/internal/domain"

// PublishResult reports delivery stats/backpressure to the caller.
type PublishResult struct {
	SendTo  int
	Dropped []domain.UserID
}

func (r *PublishResult) add(id domain.UserID, err error) {
	if err != nil {
		r.Dropped = append(r.Dropped, id)
		return
	}
	r.SendTo++
}

// Deliver sends f on conn and records the outcome under id.
func (r *PublishResult) Deliver(id domain.UserID, conn SignalConnection, f Frame) {
	r.add(id, conn.TrySend(f))
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
	Capacity    int           `json:"capacity"`
}
