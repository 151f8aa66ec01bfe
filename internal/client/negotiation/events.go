package negotiation

import (
	"encoding/json"

	"github.com/dkeye/duet/internal/domain"
	"github.com/dkeye/duet/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// EventKind classifies what the controller reports upward.
type EventKind int

const (
	// Admitted: the local participant entered the room; Peers is the
	// number of participants already there.
	Admitted EventKind = iota
	PeerJoined
	PeerConnected
	PeerLeft
	// PeerFailed: negotiation or transport with one peer failed. Err wraps
	// domain.ErrPeerUnreachable.
	PeerFailed
)

func (k EventKind) String() string {
	switch k {
	case Admitted:
		return "admitted"
	case PeerJoined:
		return "peer-joined"
	case PeerConnected:
		return "peer-connected"
	case PeerLeft:
		return "peer-left"
	case PeerFailed:
		return "peer-failed"
	}
	return "unknown"
}

type Event struct {
	Kind     EventKind
	Peer     domain.UserID
	Username string
	Peers    int
	Err      error
}

// Inbound events, applied one at a time by the controller loop.
type (
	admittedEvent struct {
		self  domain.UserID
		users []protocol.User
	}
	joinedEvent struct {
		user protocol.User
	}
	leftEvent struct {
		id domain.UserID
	}
	offerEvent struct {
		from     domain.UserID
		username string
		sdp      json.RawMessage
	}
	answerEvent struct {
		from domain.UserID
		sdp  json.RawMessage
	}
	candidateEvent struct {
		from      domain.UserID
		candidate json.RawMessage
	}
)

// Events produced by the controller itself or by a session's transport.
// They carry the session pointer so that events for a replaced or closed
// session are recognized and discarded.
type (
	negotiateEvent struct {
		s *session
	}
	localCandidateEvent struct {
		s         *session
		candidate webrtc.ICECandidateInit
	}
	stateEvent struct {
		s     *session
		state webrtc.PeerConnectionState
	}
	deadlineEvent struct {
		s *session
	}
	snapshotEvent struct {
		reply chan []SessionInfo
	}
)
