// Package client joins a room on the signaling server and feeds everything
// it hears into a negotiation.Controller.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/duet/internal/client/negotiation"
	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/dkeye/duet/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrRejected is returned when the server refuses the join request.
var ErrRejected = errors.New("join rejected")

type Options struct {
	Server   string
	Room     domain.RoomID
	Username string

	// OpenMedia acquires the local audio. It runs before anything is sent.
	OpenMedia  func() (core.LocalMedia, error)
	Transports core.TransportFactory

	OnTrack            func(remote domain.UserID, track *webrtc.TrackRemote)
	OnEvent            func(negotiation.Event)
	NegotiationTimeout time.Duration
}

// Run joins opts.Room and serves the session until ctx is done (nil) or the
// session ends with domain.ErrRoomFull, domain.ErrMediaUnavailable,
// domain.ErrSignalingDisconnected or ErrRejected. All peer connections are
// closed when Run returns.
func Run(ctx context.Context, opts Options) error {
	logger := log.With().Str("module", "client").Str("room", string(opts.Room)).Logger()

	if err := domain.ValidateRoomID(opts.Room); err != nil {
		return err
	}
	if err := domain.ValidateUsername(opts.Username); err != nil {
		return err
	}

	media, err := opts.OpenMedia()
	if err != nil {
		if !errors.Is(err, domain.ErrMediaUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err)
		}
		return err
	}

	ws, err := connect(ctx, opts.Server)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSignalingDisconnected, err)
	}
	conn := newSignalConn(ws, &logger)
	go conn.writePump()

	ctrlCtx, stop := context.WithCancel(context.Background())
	ctrl := negotiation.NewController(negotiation.Options{
		Transports:         opts.Transports,
		Media:              media,
		Signaler:           conn,
		OnTrack:            opts.OnTrack,
		OnEvent:            opts.OnEvent,
		NegotiationTimeout: opts.NegotiationTimeout,
	})
	go ctrl.Run(ctrlCtx)
	defer func() {
		stop()
		<-ctrl.Done()
		conn.Close()
	}()

	// Unblock the reader on cancellation.
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-ctrl.Done():
		}
	}()

	if err := conn.Send(protocol.NewJoinRoom(opts.Room, opts.Username)); err != nil {
		return fmt.Errorf("%w: send join: %w", domain.ErrSignalingDisconnected, err)
	}
	logger.Info().Str("username", opts.Username).Msg("joining")

	s := &dispatcher{ctrl: ctrl, logger: &logger}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("leaving")
				return nil
			}
			logger.Warn().Err(err).Msg("signaling lost")
			return fmt.Errorf("%w: %w", domain.ErrSignalingDisconnected, err)
		}
		if err := s.handle(data); err != nil {
			return err
		}
	}
}

type dispatcher struct {
	ctrl     *negotiation.Controller
	admitted bool
	logger   *zerolog.Logger
}

// handle routes one server message. A non-nil error ends the session.
func (d *dispatcher) handle(data []byte) error {
	typ, err := protocol.PeekType(data)
	if err != nil {
		d.logger.Warn().Err(err).Msg("unreadable message dropped")
		return nil
	}

	switch typ {
	case protocol.TypeAllUsers:
		var m protocol.AllUsers
		if err := protocol.Decode(typ, data, &m); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrSignalingDisconnected, err)
		}
		d.admitted = true
		if len(m.Users) == 0 {
			d.logger.Info().Str("self", string(m.ID)).Msg("waiting for others")
		} else {
			d.logger.Info().Str("self", string(m.ID)).Int("peers", len(m.Users)).Msg("connecting to peers")
		}
		d.ctrl.Admitted(m.ID, m.Users)

	case protocol.TypeRoomFull:
		d.logger.Warn().Msg("room is full")
		return domain.ErrRoomFull

	case protocol.TypeUserJoined:
		var m protocol.UserJoined
		if err := protocol.Decode(typ, data, &m); err != nil {
			d.logger.Warn().Err(err).Msg("bad user-joined")
			return nil
		}
		d.ctrl.PeerJoined(protocol.User{ID: m.ID, Username: m.Username})

	case protocol.TypeUserLeft:
		var m protocol.UserLeft
		if err := protocol.Decode(typ, data, &m); err != nil {
			d.logger.Warn().Err(err).Msg("bad user-left")
			return nil
		}
		d.ctrl.PeerLeft(m.ID)

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		var sig protocol.Signal
		if err := protocol.Decode(typ, data, &sig); err != nil || sig.From == "" {
			d.logger.Warn().Err(err).Str("type", string(typ)).Msg("bad relayed message")
			return nil
		}
		switch typ {
		case protocol.TypeOffer:
			d.ctrl.Offer(sig)
		case protocol.TypeAnswer:
			d.ctrl.Answer(sig)
		default:
			d.ctrl.Candidate(sig)
		}

	case protocol.TypeError:
		var m protocol.Error
		_ = protocol.Decode(typ, data, &m)
		if !d.admitted {
			return fmt.Errorf("%w: %s", ErrRejected, m.Error)
		}
		d.logger.Warn().Str("code", m.Error).Msg("server error")

	case protocol.TypePong:

	default:
		d.logger.Debug().Str("type", string(typ)).Msg("unknown message dropped")
	}
	return nil
}
