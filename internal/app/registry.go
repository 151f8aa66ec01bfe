package app

import (
	"slices"
	"sort"
	"sync"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/dkeye/duet/internal/protocol"
	"github.com/rs/zerolog/log"
)

type member struct {
	participant *domain.Participant
	conn        core.SignalConnection
}

func (m *member) id() domain.UserID { return m.participant.User.ID }

func (m *member) dto() protocol.User {
	return protocol.User{ID: m.participant.User.ID, Username: m.participant.User.Username}
}

// room keeps members in join order.
type room struct {
	id      domain.RoomID
	members []*member
}

func (r *room) find(id domain.UserID) (*member, int) {
	for i, m := range r.members {
		if m.id() == id {
			return m, i
		}
	}
	return nil, -1
}

// Registry owns room membership and routes signaling messages between
// members of the same room. A single mutex serializes join, relay and leave;
// sends are non-blocking queue pushes, so no network I/O happens under it.
type Registry struct {
	capacity int

	mu     sync.RWMutex
	rooms  map[domain.RoomID]*room
	roomOf map[domain.UserID]domain.RoomID
}

func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = domain.DefaultCapacity
	}
	return &Registry{
		capacity: capacity,
		rooms:    make(map[domain.RoomID]*room),
		roomOf:   make(map[domain.UserID]domain.RoomID),
	}
}

func (r *Registry) Capacity() int { return r.capacity }

// Join admits user into roomID, creating the room on first join. The
// admitted user receives all-users with the members admitted before it, in
// join order; those members receive user-joined. A full room yields
// domain.ErrRoomFull, a room-full message to conn and no state change.
func (r *Registry) Join(
	user *domain.User,
	conn core.SignalConnection,
	roomID domain.RoomID,
) ([]protocol.User, core.PublishResult, error) {
	var res core.PublishResult
	logger := log.With().Str("module", "app.registry").Str("sid", string(user.ID)).Str("room", string(roomID)).Logger()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.roomOf[user.ID]; ok {
		return nil, res, domain.ErrAlreadyJoined
	}

	rm, ok := r.rooms[roomID]
	if ok && len(rm.members) >= r.capacity {
		logger.Info().Str("username", user.Username).Int("capacity", r.capacity).Msg("room full, join denied")
		r.send(&res, user.ID, conn, protocol.NewRoomFull())
		return nil, res, domain.ErrRoomFull
	}
	if !ok {
		rm = &room{id: roomID}
		r.rooms[roomID] = rm
		logger.Info().Msg("room created")
	}

	existing := make([]protocol.User, 0, len(rm.members))
	for _, m := range rm.members {
		existing = append(existing, m.dto())
	}

	joined := &member{participant: domain.NewParticipant(user, roomID), conn: conn}
	rm.members = append(rm.members, joined)
	r.roomOf[user.ID] = roomID

	r.send(&res, user.ID, conn, protocol.NewAllUsers(user.ID, existing))
	r.broadcast(&res, rm, user.ID, protocol.NewUserJoined(joined.dto()))

	logger.Info().Str("username", user.Username).Int("members", len(rm.members)).Msg("joined room")
	return existing, res, nil
}

// Relay forwards sig from sender to sig.Target within the sender's room.
// The sdp and candidate payloads are passed through untouched. Messages from
// non-members and to participants outside the sender's room are dropped
// silently: both are benign races with a disconnect.
func (r *Registry) Relay(sender domain.UserID, sig protocol.Signal) core.PublishResult {
	var res core.PublishResult
	logger := log.With().Str("module", "app.registry").Str("sid", string(sender)).
		Str("type", string(sig.Type)).Str("target", string(sig.Target)).Logger()

	r.mu.RLock()
	defer r.mu.RUnlock()

	roomID, ok := r.roomOf[sender]
	if !ok {
		logger.Debug().Msg("relay from non-member dropped")
		return res
	}
	rm := r.rooms[roomID]
	from, _ := rm.find(sender)
	if from == nil {
		logger.Debug().Msg("relay from non-member dropped")
		return res
	}
	to, _ := rm.find(sig.Target)
	if to == nil {
		logger.Debug().Msg("relay to absent target dropped")
		return res
	}

	out := protocol.Signal{
		Type:      sig.Type,
		From:      sender,
		SDP:       sig.SDP,
		Candidate: sig.Candidate,
	}
	if sig.Type == protocol.TypeOffer {
		out.Username = from.participant.User.Username
	}
	r.send(&res, to.id(), to.conn, out)
	logger.Debug().Str("room", string(roomID)).Int("sent_to", res.SendTo).Msg("relayed")
	return res
}

// Leave removes id from its room and notifies the remaining members. An
// emptied room is deleted. Leaving twice is a no-op; ok reports whether a
// membership was actually removed.
func (r *Registry) Leave(id domain.UserID) (res core.PublishResult, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.roomOf[id]
	if !ok {
		return res, false
	}
	delete(r.roomOf, id)

	logger := log.With().Str("module", "app.registry").Str("sid", string(id)).Str("room", string(roomID)).Logger()
	rm, exists := r.rooms[roomID]
	if !exists {
		return res, true
	}
	if _, i := rm.find(id); i >= 0 {
		rm.members = slices.Delete(rm.members, i, i+1)
	}
	logger.Info().Int("members", len(rm.members)).Msg("left room")

	r.broadcast(&res, rm, id, protocol.NewUserLeft(id))

	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		logger.Info().Msg("room empty, deleted")
	}
	return res, true
}

// Connection returns the signaling connection of a current member.
func (r *Registry) Connection(id domain.UserID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.roomOf[id]
	if !ok {
		return nil, false
	}
	m, _ := r.rooms[roomID].find(id)
	if m == nil {
		return nil, false
	}
	return m.conn, true
}

func (r *Registry) RoomOf(id domain.UserID) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.roomOf[id]
	return roomID, ok
}

// Members returns the members of roomID in join order.
func (r *Registry) Members(roomID domain.RoomID) ([]protocol.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	out := make([]protocol.User, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, m.dto())
	}
	return out, true
}

func (r *Registry) List() []core.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(r.rooms))
	for id, rm := range r.rooms {
		out = append(out, core.RoomInfo{ID: id, MemberCount: len(rm.members), Capacity: r.capacity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) broadcast(res *core.PublishResult, rm *room, except domain.UserID, v any) {
	for _, m := range rm.members {
		if m.id() == except {
			continue
		}
		r.send(res, m.id(), m.conn, v)
	}
}

func (r *Registry) send(res *core.PublishResult, id domain.UserID, conn core.SignalConnection, v any) {
	f, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("encode")
		return
	}
	res.Deliver(id, conn, f)
}
