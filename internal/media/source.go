// Package media moves audio between RTP-over-UDP endpoints and peer
// connections.
package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/dkeye/duet/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
)

func (s TrackState) String() string {
	if s == TrackStateMuted {
		return "muted"
	}
	return "ok"
}

const maxPacket = 1500

// SourceStats counts packets seen by the ingest loop.
type SourceStats struct {
	Forwarded uint64
	Muted     uint64
	Malformed uint64
}

// Source is the local audio stream. It reads Opus RTP from a UDP socket and
// writes it to one track that every peer connection shares.
type Source struct {
	track *webrtc.TrackLocalStaticRTP
	conn  net.PacketConn
	state atomic.Int32

	forwarded atomic.Uint64
	muted     atomic.Uint64
	malformed atomic.Uint64

	logger zerolog.Logger
}

// OpenSource creates the local audio track and binds addr for RTP ingest.
// An empty addr gives a silent track. Failures wrap domain.ErrMediaUnavailable.
func OpenSource(addr, streamID string) (*Source, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err)
	}
	s := &Source{
		track:  track,
		logger: log.With().Str("module", "media").Str("stream", streamID).Logger(),
	}
	if addr == "" {
		s.logger.Warn().Msg("no rtp input configured, sending silence")
		return s, nil
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", domain.ErrMediaUnavailable, addr, err)
	}
	s.conn = conn
	s.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("rtp input bound")
	return s, nil
}

func (s *Source) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

// Addr is the bound ingest address, nil for a silent source.
func (s *Source) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Source) State() TrackState { return TrackState(s.state.Load()) }

func (s *Source) Mute() {
	s.state.Store(int32(TrackStateMuted))
	s.logger.Info().Msg("muted")
}

func (s *Source) Unmute() {
	s.state.Store(int32(TrackStateOk))
	s.logger.Info().Msg("unmuted")
}

// ToggleMute flips the mute state and returns the new one.
func (s *Source) ToggleMute() TrackState {
	if s.State() == TrackStateMuted {
		s.Unmute()
		return TrackStateOk
	}
	s.Mute()
	return TrackStateMuted
}

func (s *Source) Stats() SourceStats {
	return SourceStats{
		Forwarded: s.forwarded.Load(),
		Muted:     s.muted.Load(),
		Malformed: s.malformed.Load(),
	}
}

// Run reads RTP datagrams until ctx is done or the socket fails.
func (s *Source) Run(ctx context.Context) error {
	if s.conn == nil {
		<-ctx.Done()
		return nil
	}
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, maxPacket)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info().Msg("rtp input closed")
				return nil
			}
			return fmt.Errorf("read rtp input: %w", err)
		}
		s.forward(buf[:n])
	}
}

func (s *Source) forward(b []byte) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		if s.malformed.Add(1) == 1 {
			s.logger.Warn().Err(err).Msg("dropping malformed rtp input")
		}
		return
	}
	if s.State() == TrackStateMuted {
		s.muted.Add(1)
		return
	}
	if err := s.track.WriteRTP(&pkt); err != nil {
		s.logger.Error().Err(err).Msg("write local track")
		return
	}
	s.forwarded.Add(1)
}

func (s *Source) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
