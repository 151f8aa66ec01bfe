package negotiation

import (
	"time"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

type State int

const (
	Idle State = iota
	OfferCreated
	AnswerAwaited
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferCreated:
		return "offer-created"
	case AnswerAwaited:
		return "answer-awaited"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// session is the negotiation state with one remote participant. It is only
// touched by the controller loop.
type session struct {
	remote    domain.UserID
	username  string
	role      Role
	state     State
	transport core.PeerTransport

	// pending holds remote candidates received before the remote
	// description, in receipt order.
	pending   []webrtc.ICECandidateInit
	hasRemote bool
	// glareIgnored is set while a competing remote offer was dropped and
	// our answer has not arrived; remote candidates then belong to the
	// dropped offer.
	glareIgnored bool

	deadline *time.Timer
}

func (s *session) stopDeadline() {
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	Remote   domain.UserID
	Username string
	Role     Role
	State    State
	Pending  int
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		Remote:   s.remote,
		Username: s.username,
		Role:     s.role,
		State:    s.state,
		Pending:  len(s.pending),
	}
}
