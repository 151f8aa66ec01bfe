package signal

import (
	"errors"

	"github.com/dkeye/duet/internal/domain"
	"github.com/dkeye/duet/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(
	sid domain.UserID,
	conn *WsSignalConn,
	data []byte,
) {
	var p protocol.JoinRoom
	if err := protocol.Decode(protocol.TypeJoinRoom, data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendJSON(conn, protocol.NewError(protocol.CodeBadPayload))
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(sid) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("join rate limited")
		ctl.sendJSON(conn, protocol.NewError(protocol.CodeRateLimited))
		return
	}
	if err := domain.ValidateRoomID(p.RoomID); err != nil {
		ctl.sendJSON(conn, protocol.NewError(protocol.CodeInvalidRoom))
		return
	}
	user, err := domain.NewUser(sid, p.Username)
	if err != nil {
		ctl.sendJSON(conn, protocol.NewError(protocol.CodeInvalidUsername))
		return
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", string(p.RoomID)).Str("username", p.Username).Msg("join")
	_, res, err := ctl.Registry.Join(user, conn, p.RoomID)
	switch {
	case errors.Is(err, domain.ErrAlreadyJoined):
		ctl.sendJSON(conn, protocol.NewError(protocol.CodeAlreadyJoined))
	case errors.Is(err, domain.ErrRoomFull):
		// room-full was sent by the registry.
	case err != nil:
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join failed")
	}
	ctl.applyPolicy(res)
}
