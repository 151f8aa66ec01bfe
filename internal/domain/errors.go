package domain

import "errors"

// Errors surfaced to the user of a client session.
var (
	// ErrRoomFull is returned when a join would exceed the room capacity.
	ErrRoomFull = errors.New("room is full")
	// ErrMediaUnavailable means the local audio source could not be acquired.
	ErrMediaUnavailable = errors.New("local media unavailable")
	// ErrPeerUnreachable reports a failed negotiation or transport with one remote peer.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrSignalingDisconnected means the signaling channel was lost.
	ErrSignalingDisconnected = errors.New("signaling disconnected")
)

var ErrAlreadyJoined = errors.New("already joined")
