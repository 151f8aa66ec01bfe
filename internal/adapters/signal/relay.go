package signal

import (
	"github.com/dkeye/duet/internal/domain"
	"github.com/dkeye/duet/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handleRelay routes an offer, answer or ice-candidate to its target.
// Only the routing fields are decoded.
func (ctl *SignalWSController) handleRelay(
	sid domain.UserID,
	conn *WsSignalConn,
	typ protocol.Type,
	data []byte,
) {
	var sig protocol.Signal
	if err := protocol.Decode(typ, data, &sig); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad relay payload")
		ctl.sendJSON(conn, protocol.NewError(protocol.CodeBadPayload))
		return
	}
	if sig.Target == "" {
		log.Debug().Str("module", "signal").Str("sid", string(sid)).Str("type", string(typ)).Msg("relay without target dropped")
		return
	}
	sig.Type = typ
	ctl.applyPolicy(ctl.Registry.Relay(sid, sig))
}
