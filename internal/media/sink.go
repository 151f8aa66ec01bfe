package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/dkeye/duet/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink plays out remote audio by forwarding every remote track as RTP to a
// UDP address. Without an address packets are read and discarded.
type Sink struct {
	conn net.Conn

	mu      sync.Mutex
	streams map[domain.UserID]context.CancelFunc
	packets map[domain.UserID]uint64

	logger zerolog.Logger
}

func NewSink(addr string) (*Sink, error) {
	s := &Sink{
		streams: make(map[domain.UserID]context.CancelFunc),
		packets: make(map[domain.UserID]uint64),
		logger:  log.With().Str("module", "sink").Logger(),
	}
	if addr == "" {
		s.logger.Info().Msg("no rtp output configured, remote audio is discarded")
		return s, nil
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", domain.ErrMediaUnavailable, addr, err)
	}
	s.conn = conn
	return s, nil
}

// Attach starts forwarding a remote track. A newer track from the same peer
// replaces the previous one.
func (s *Sink) Attach(ctx context.Context, remote domain.UserID, track *webrtc.TrackRemote) {
	s.start(ctx, remote, func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	})
}

// Detach stops forwarding audio from remote.
func (s *Sink) Detach(remote domain.UserID) {
	s.mu.Lock()
	cancel, ok := s.streams[remote]
	delete(s.streams, remote)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Packets reports how many packets were read from remote so far.
func (s *Sink) Packets(remote domain.UserID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets[remote]
}

func (s *Sink) start(ctx context.Context, remote domain.UserID, read func() (*rtp.Packet, error)) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if old, ok := s.streams[remote]; ok {
		s.logger.Info().Str("remote", string(remote)).Msg("replacing remote stream")
		old()
	}
	s.streams[remote] = cancel
	s.mu.Unlock()

	logger := s.logger.With().Str("remote", string(remote)).Logger()
	logger.Info().Msg("remote audio started")
	go s.loop(ctx, remote, read, &logger)
}

func (s *Sink) loop(ctx context.Context, remote domain.UserID, read func() (*rtp.Packet, error), logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("remote audio stopped")
			return
		default:
		}
		pkt, err := read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info().Msg("remote track ended")
			} else {
				logger.Error().Err(err).Msg("read remote rtp, stopping")
			}
			return
		}
		s.mu.Lock()
		s.packets[remote]++
		s.mu.Unlock()
		s.write(pkt, logger)
	}
}

func (s *Sink) write(pkt *rtp.Packet, logger *zerolog.Logger) {
	if s.conn == nil {
		return
	}
	b, err := pkt.Marshal()
	if err != nil {
		logger.Warn().Err(err).Msg("marshal remote rtp")
		return
	}
	if _, err := s.conn.Write(b); err != nil {
		logger.Debug().Err(err).Msg("write rtp output")
	}
}

// Close stops every stream and releases the output socket.
func (s *Sink) Close() error {
	s.mu.Lock()
	for id, cancel := range s.streams {
		cancel()
		delete(s.streams, id)
	}
	s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
