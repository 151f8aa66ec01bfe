package signal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/duet/internal/app"
	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
)

type stubConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *stubConn) TrySend(core.Frame) error { return nil }

func (c *stubConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *stubConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func slowMember(t *testing.T, policy app.Policy) (*SignalWSController, *stubConn) {
	t.Helper()
	reg := app.NewRegistry(2)
	conn := &stubConn{}
	_, _, err := reg.Join(&domain.User{ID: "B", Username: "bob"}, conn, "r1")
	require.NoError(t, err)
	return NewSignalWSController(reg, policy, nil, Settings{}), conn
}

func TestKickPolicyClosesSlowMember(t *testing.T) {
	ctl, conn := slowMember(t, app.SimplePolicy{})
	ctl.applyPolicy(core.PublishResult{Dropped: []domain.UserID{"B"}})
	assert.True(t, conn.isClosed())
}

func TestDropPolicyKeepsSlowMember(t *testing.T) {
	ctl, conn := slowMember(t, app.DropPolicy{})
	ctl.applyPolicy(core.PublishResult{Dropped: []domain.UserID{"B"}})
	assert.False(t, conn.isClosed())
	_, ok := ctl.Registry.Connection("B")
	assert.True(t, ok)
}
