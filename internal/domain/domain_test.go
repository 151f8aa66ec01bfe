package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUserValidatesUsername(t *testing.T) {
	u, err := NewUser("id-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, UserID("id-1"), u.ID)
	assert.Equal(t, "alice", u.Username)

	_, err = NewUser("id-2", "")
	assert.ErrorIs(t, err, ErrUsernameEmpty)

	_, err = NewUser("id-3", strings.Repeat("x", MaxUsernameLen+1))
	assert.ErrorIs(t, err, ErrUsernameTooLong)
}

func TestValidateRoomID(t *testing.T) {
	assert.NoError(t, ValidateRoomID("r1"))
	assert.ErrorIs(t, ValidateRoomID(""), ErrRoomIDEmpty)
	assert.ErrorIs(t, ValidateRoomID(RoomID(strings.Repeat("r", MaxRoomIDLen+1))), ErrRoomIDTooLong)
}
