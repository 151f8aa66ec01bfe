// Package protocol defines the messages exchanged over the signaling channel.
//
// Every message is a JSON object with a "type" discriminator. The relay fields
// (target, from, username) are the only ones the server looks at; sdp and
// candidate are carried as raw JSON and never decoded by the server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/duet/internal/domain"
)

type Type string

const (
	TypeJoinRoom     Type = "join-room"
	TypeAllUsers     Type = "all-users"
	TypeRoomFull     Type = "room-full"
	TypeUserJoined   Type = "user-joined"
	TypeUserLeft     Type = "user-left"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeError        Type = "error"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
)

// IsRelayed reports whether messages of this type are routed peer to peer.
func (t Type) IsRelayed() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

var ErrNoType = errors.New("message has no type")

type Envelope struct {
	Type Type `json:"type"`
}

type JoinRoom struct {
	Type     Type          `json:"type"`
	RoomID   domain.RoomID `json:"roomId"`
	Username string        `json:"username"`
}

type User struct {
	ID       domain.UserID `json:"id"`
	Username string        `json:"username"`
}

// AllUsers is the admission result: the participants admitted before the
// receiver, in join order. ID is the receiver's own connection id.
type AllUsers struct {
	Type  Type          `json:"type"`
	ID    domain.UserID `json:"id"`
	Users []User        `json:"users"`
}

type RoomFull struct {
	Type Type `json:"type"`
}

type UserJoined struct {
	Type     Type          `json:"type"`
	ID       domain.UserID `json:"id"`
	Username string        `json:"username"`
}

type UserLeft struct {
	Type Type          `json:"type"`
	ID   domain.UserID `json:"id"`
}

// Signal is an offer, answer or ice-candidate. Clients fill Target; the
// server clears it and fills From (and Username for offers) before relaying.
type Signal struct {
	Type      Type            `json:"type"`
	Target    domain.UserID   `json:"target,omitempty"`
	From      domain.UserID   `json:"from,omitempty"`
	Username  string          `json:"username,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Error codes sent in Error messages.
const (
	CodeBadPayload      = "bad_payload"
	CodeInvalidUsername = "invalid_username"
	CodeInvalidRoom     = "invalid_room"
	CodeAlreadyJoined   = "already_joined"
	CodeRateLimited     = "rate_limited"
)

type Error struct {
	Type  Type   `json:"type"`
	Error string `json:"error"`
}

func NewJoinRoom(room domain.RoomID, username string) JoinRoom {
	return JoinRoom{Type: TypeJoinRoom, RoomID: room, Username: username}
}

func NewAllUsers(self domain.UserID, users []User) AllUsers {
	if users == nil {
		users = []User{}
	}
	return AllUsers{Type: TypeAllUsers, ID: self, Users: users}
}

func NewRoomFull() RoomFull { return RoomFull{Type: TypeRoomFull} }

func NewUserJoined(u User) UserJoined {
	return UserJoined{Type: TypeUserJoined, ID: u.ID, Username: u.Username}
}

func NewUserLeft(id domain.UserID) UserLeft { return UserLeft{Type: TypeUserLeft, ID: id} }

func NewError(code string) Error { return Error{Type: TypeError, Error: code} }

// PeekType returns the discriminator of a raw message.
func PeekType(data []byte) (Type, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", ErrNoType
	}
	return env.Type, nil
}

// Decode unmarshals data into v, annotating failures with the message type.
func Decode(t Type, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", t, err)
	}
	return nil
}

func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}
