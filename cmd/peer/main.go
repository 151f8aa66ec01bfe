package main

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/duet/internal/adapters/rtc"
	"github.com/dkeye/duet/internal/client"
	"github.com/dkeye/duet/internal/client/negotiation"
	"github.com/dkeye/duet/internal/config"
	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/dkeye/duet/internal/media"
)

var rootCmd = &cobra.Command{
	Use:   "duet-peer",
	Short: "Join a room and talk to the other participant over a direct audio connection",
	Long: `duet-peer joins a room on a duet signaling server and opens a WebRTC audio
connection to every other participant. Local audio is read as Opus RTP from
--rtp-in; remote audio is written as RTP to --rtp-out.

Type "m" and Enter to toggle mute.`,
	RunE: run,
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	config.PeerFlags(rootCmd.Flags())
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		switch {
		case errors.Is(err, domain.ErrRoomFull):
			log.Error().Msg("the room is full, try another one")
		case errors.Is(err, domain.ErrMediaUnavailable):
			log.Error().Err(err).Msg("audio is unavailable")
		default:
			log.Error().Err(err).Msg("peer stopped")
		}
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadPeer(cmd.Flags())
	if err != nil {
		return err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var source *media.Source
	defer func() {
		if source != nil {
			_ = source.Close()
		}
	}()

	sink, err := media.NewSink(cfg.RTPOut)
	if err != nil {
		return err
	}
	defer sink.Close()

	return client.Run(ctx, client.Options{
		Server:   cfg.Server,
		Room:     domain.RoomID(cfg.Room),
		Username: cfg.Name,
		OpenMedia: func() (core.LocalMedia, error) {
			s, err := media.OpenSource(cfg.RTPIn, cfg.Name)
			if err != nil {
				return nil, err
			}
			source = s
			go func() {
				if err := s.Run(ctx); err != nil {
					log.Error().Err(err).Str("module", "media").Msg("rtp input stopped")
				}
			}()
			go muteToggle(ctx, s)
			return s, nil
		},
		Transports: rtc.NewFactory(rtc.DefaultWebRTCConfig(cfg.ICEServers)),
		OnTrack: func(remote domain.UserID, track *webrtc.TrackRemote) {
			sink.Attach(ctx, remote, track)
		},
		OnEvent: func(ev negotiation.Event) {
			report(ev)
			if ev.Kind == negotiation.PeerLeft || ev.Kind == negotiation.PeerFailed {
				sink.Detach(ev.Peer)
			}
		},
		NegotiationTimeout: cfg.NegotiationTimeout,
	})
}

func report(ev negotiation.Event) {
	logger := log.With().Str("module", "peer").Logger()
	switch ev.Kind {
	case negotiation.Admitted:
		if ev.Peers == 0 {
			logger.Info().Msg("in the room, waiting for others")
			return
		}
		logger.Info().Int("peers", ev.Peers).Msg("in the room, connecting to peers")
	case negotiation.PeerJoined:
		logger.Info().Str("peer", ev.Username).Msg("joined")
	case negotiation.PeerConnected:
		logger.Info().Str("peer", ev.Username).Msg("talking")
	case negotiation.PeerLeft:
		logger.Info().Str("peer", ev.Username).Msg("left")
	case negotiation.PeerFailed:
		logger.Warn().Err(ev.Err).Str("peer", ev.Username).Msg("could not reach peer")
	}
}

func muteToggle(ctx context.Context, s *media.Source) {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "m" {
				log.Info().Str("module", "peer").Str("state", s.ToggleMute().String()).Msg("microphone")
			}
		}
	}
}
