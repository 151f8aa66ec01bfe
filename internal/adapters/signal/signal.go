package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/duet/internal/app"
	"github.com/dkeye/duet/internal/config"
	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
	}
}

type SignalWSController struct {
	Registry *app.Registry
	Policy   app.Policy
	Limiter  *RoomRateLimiter
	settings Settings
}

func NewSignalWSController(reg *app.Registry, policy app.Policy, limiter *RoomRateLimiter, s Settings) *SignalWSController {
	return &SignalWSController{
		Registry: reg,
		Policy:   policy,
		Limiter:  limiter,
		settings: s,
	}
}

// WsSignalConn implements core.SignalConnection on top of a WebSocket.
// Only writePump writes to conn.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves one signaling connection.
// Every connection gets a fresh id that lives as long as the socket.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := domain.UserID(uuid.NewString())
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Str("client", c.GetString("client_token")).Logger()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	logger.Info().Str("remote", c.Request.RemoteAddr).Msg("new WS connection")

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.settings.SendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, sid, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, sid, conn)
	}()
}

// applyPolicy handles members that could not take a message.
func (ctl *SignalWSController) applyPolicy(res core.PublishResult) {
	if ctl.Policy == nil {
		return
	}
	for _, id := range res.Dropped {
		roomID, _ := ctl.Registry.RoomOf(id)
		switch ctl.Policy.OnBackPressure(roomID, id) {
		case app.KickMember:
			if conn, ok := ctl.Registry.Connection(id); ok {
				log.Warn().Str("module", "signal").Str("sid", string(id)).Str("room", string(roomID)).Msg("kicking slow member")
				conn.Close()
			}
		case app.DropFrame:
			log.Debug().Str("module", "signal").Str("sid", string(id)).Str("room", string(roomID)).Msg("frame dropped for slow member")
		}
	}
}

func (ctl *SignalWSController) disconnect(sid domain.UserID) {
	res, ok := ctl.Registry.Leave(sid)
	if ctl.Limiter != nil {
		ctl.Limiter.Forget(sid)
	}
	if ok {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("left on disconnect")
	}
	ctl.applyPolicy(res)
}
