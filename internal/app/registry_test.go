package app

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/dkeye/duet/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) types() []protocol.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Type, 0, len(c.frames))
	for _, f := range c.frames {
		typ, _ := protocol.PeekType(f)
		out = append(out, typ)
	}
	return out
}

func (c *fakeConn) last(t *testing.T, v any) {
	t.Helper()
	c.mu.Lock()
	n := len(c.frames)
	c.mu.Unlock()
	require.NotZero(t, n)
	c.nth(t, n-1, v)
}

// nth decodes the i-th frame received, in send order.
func (c *fakeConn) nth(t *testing.T, i int, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Less(t, i, len(c.frames))
	require.NoError(t, json.Unmarshal(c.frames[i], v))
}

func user(id string) *domain.User {
	return &domain.User{ID: domain.UserID(id), Username: "name-" + id}
}

func join(t *testing.T, r *Registry, id string, room domain.RoomID) *fakeConn {
	t.Helper()
	c := &fakeConn{}
	_, _, err := r.Join(user(id), c, room)
	require.NoError(t, err)
	return c
}

func TestJoinRejectsOverCapacity(t *testing.T) {
	r := NewRegistry(2)
	a := join(t, r, "A", "r1")
	b := join(t, r, "B", "r1")

	var first protocol.AllUsers
	a.nth(t, 0, &first)
	assert.Equal(t, protocol.TypeAllUsers, first.Type)
	assert.Equal(t, domain.UserID("A"), first.ID)
	assert.Empty(t, first.Users)

	var joined protocol.UserJoined
	a.nth(t, 1, &joined)
	assert.Equal(t, protocol.TypeUserJoined, joined.Type)
	assert.Equal(t, domain.UserID("B"), joined.ID)

	var second protocol.AllUsers
	b.last(t, &second)
	assert.Equal(t, protocol.TypeAllUsers, second.Type)
	assert.Equal(t, []protocol.User{{ID: "A", Username: "name-A"}}, second.Users)
	assert.Equal(t, domain.UserID("B"), second.ID)

	c := &fakeConn{}
	snap, _, err := r.Join(user("C"), c, "r1")
	assert.ErrorIs(t, err, domain.ErrRoomFull)
	assert.Nil(t, snap)
	assert.Equal(t, []protocol.Type{protocol.TypeRoomFull}, c.types())

	members, ok := r.Members("r1")
	require.True(t, ok)
	assert.Equal(t, []domain.UserID{"A", "B"}, ids(members))
	_, inRoom := r.RoomOf("C")
	assert.False(t, inRoom)

	// A only saw its own admission and B joining.
	assert.Equal(t, []protocol.Type{protocol.TypeAllUsers, protocol.TypeUserJoined}, a.types())
}

func TestJoinSnapshotInJoinOrder(t *testing.T) {
	r := NewRegistry(3)
	b := join(t, r, "B", "r1")
	c := join(t, r, "C", "r1")
	join(t, r, "other", "r2")

	snap, _, err := r.Join(user("A"), &fakeConn{}, "r1")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"B", "C"}, ids(snap))

	var joined protocol.UserJoined
	b.last(t, &joined)
	assert.Equal(t, domain.UserID("A"), joined.ID)
	c.last(t, &joined)
	assert.Equal(t, domain.UserID("A"), joined.ID)
}

func TestJoinTwiceFromSameConnection(t *testing.T) {
	r := NewRegistry(2)
	join(t, r, "A", "r1")
	_, _, err := r.Join(user("A"), &fakeConn{}, "r2")
	assert.ErrorIs(t, err, domain.ErrAlreadyJoined)
	_, ok := r.Members("r2")
	assert.False(t, ok)
}

func TestConcurrentJoinsKeepCapacityAndSnapshots(t *testing.T) {
	const rooms, perRoom = 20, 6
	r := NewRegistry(2)

	type outcome struct {
		id   domain.UserID
		snap []protocol.User
		err  error
	}
	results := make(chan outcome, rooms*perRoom)

	var wg sync.WaitGroup
	for i := range rooms {
		roomID := domain.RoomID(fmt.Sprintf("room-%d", i))
		for j := range perRoom {
			wg.Add(1)
			go func() {
				defer wg.Done()
				u := user(fmt.Sprintf("%s-u%d", roomID, j))
				snap, _, err := r.Join(u, &fakeConn{}, roomID)
				results <- outcome{id: u.ID, snap: snap, err: err}
			}()
		}
	}
	wg.Wait()
	close(results)

	admitted := 0
	for res := range results {
		if res.err != nil {
			assert.ErrorIs(t, res.err, domain.ErrRoomFull)
			continue
		}
		admitted++
		roomID, ok := r.RoomOf(res.id)
		require.True(t, ok)
		members, _ := r.Members(roomID)
		// The snapshot is exactly the members admitted before this one.
		pos := indexOf(ids(members), res.id)
		require.GreaterOrEqual(t, pos, 0)
		assert.Equal(t, ids(members)[:pos], ids(res.snap))
	}
	assert.Equal(t, rooms*2, admitted)
	for _, info := range r.List() {
		assert.Equal(t, 2, info.MemberCount)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	r := NewRegistry(2)
	join(t, r, "A", "r1")
	b := join(t, r, "B", "r1")

	_, ok := r.Leave("A")
	assert.True(t, ok)
	_, ok = r.Leave("A")
	assert.False(t, ok)

	assert.Equal(t, []protocol.Type{protocol.TypeAllUsers, protocol.TypeUserLeft}, b.types())
	var left protocol.UserLeft
	b.last(t, &left)
	assert.Equal(t, domain.UserID("A"), left.ID)

	members, ok := r.Members("r1")
	require.True(t, ok)
	assert.Equal(t, []domain.UserID{"B"}, ids(members))

	_, ok = r.Leave("B")
	assert.True(t, ok)
	_, ok = r.Members("r1")
	assert.False(t, ok, "empty room must be deleted")
	assert.Empty(t, r.List())
}

func TestRelayForwardsWithSenderIdentity(t *testing.T) {
	r := NewRegistry(2)
	join(t, r, "A", "r1")
	b := join(t, r, "B", "r1")

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	res := r.Relay("A", protocol.Signal{Type: protocol.TypeOffer, Target: "B", SDP: sdp})
	assert.Equal(t, 1, res.SendTo)

	var got protocol.Signal
	b.last(t, &got)
	assert.Equal(t, protocol.TypeOffer, got.Type)
	assert.Equal(t, domain.UserID("A"), got.From)
	assert.Equal(t, "name-A", got.Username)
	assert.Empty(t, got.Target)
	assert.JSONEq(t, string(sdp), string(got.SDP))

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host"}`)
	r.Relay("A", protocol.Signal{Type: protocol.TypeICECandidate, Target: "B", Candidate: cand})
	var relayed protocol.Signal
	b.last(t, &relayed)
	assert.Equal(t, protocol.TypeICECandidate, relayed.Type)
	assert.Equal(t, domain.UserID("A"), relayed.From)
	assert.Empty(t, relayed.Username, "username is only attached to offers")
	assert.Empty(t, relayed.SDP)
	assert.JSONEq(t, string(cand), string(relayed.Candidate))
}

func TestRelayDropsBenignRaces(t *testing.T) {
	r := NewRegistry(2)
	a := join(t, r, "A", "r1")
	b := join(t, r, "B", "r1")
	x := join(t, r, "X", "r2")
	before := [][]protocol.Type{a.types(), b.types(), x.types()}

	cases := []struct {
		name   string
		sender domain.UserID
		target domain.UserID
	}{
		{"from non-member", "ghost", "B"},
		{"to unknown target", "A", "ghost"},
		{"to another room", "A", "X"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := r.Relay(tc.sender, protocol.Signal{Type: protocol.TypeAnswer, Target: tc.target})
			assert.Zero(t, res.SendTo)
			assert.Empty(t, res.Dropped)
		})
	}

	r.Leave("B")
	res := r.Relay("A", protocol.Signal{Type: protocol.TypeAnswer, Target: "B"})
	assert.Zero(t, res.SendTo)

	assert.Equal(t, before[0], a.types()[:len(before[0])])
	assert.Len(t, a.types(), len(before[0])+1) // user-left only
	assert.Equal(t, before[2], x.types())
}

func TestRelayReportsBackpressure(t *testing.T) {
	r := NewRegistry(2)
	join(t, r, "A", "r1")
	b := join(t, r, "B", "r1")
	b.mu.Lock()
	b.full = true
	b.mu.Unlock()

	res := r.Relay("A", protocol.Signal{Type: protocol.TypeOffer, Target: "B"})
	assert.Equal(t, []domain.UserID{"B"}, res.Dropped)
	assert.Zero(t, res.SendTo)
}

func TestConnectionLookup(t *testing.T) {
	r := NewRegistry(0)
	assert.Equal(t, domain.DefaultCapacity, r.Capacity())
	a := join(t, r, "A", "r1")
	conn, ok := r.Connection("A")
	require.True(t, ok)
	assert.Same(t, a, conn)
	r.Leave("A")
	_, ok = r.Connection("A")
	assert.False(t, ok)
}

func ids(users []protocol.User) []domain.UserID {
	out := make([]domain.UserID, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}

func indexOf(list []domain.UserID, id domain.UserID) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}
