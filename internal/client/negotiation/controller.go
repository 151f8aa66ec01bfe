// Package negotiation drives one peer connection per remote participant
// through offer/answer and candidate exchange.
//
// All state lives in a single loop goroutine (Run). Inbound signaling
// messages and transport callbacks are turned into events and applied in
// arrival order, so a controller never needs locks around its sessions.
//
// Transitions:
//
//	Idle          -> OfferCreated   initiator, local offer produced
//	OfferCreated  -> AnswerAwaited  offer sent
//	(none)        -> AnswerAwaited  responder, offer received and answered
//	AnswerAwaited -> Connected      transport reports connected
//	any           -> Closed         peer left, transport failed, deadline, teardown
package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/dkeye/duet/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Signaler delivers messages to the signaling server. Send must not block.
type Signaler interface {
	Send(v any) error
}

type Options struct {
	Transports core.TransportFactory
	Media      core.LocalMedia
	Signaler   Signaler
	// OnTrack is called from transport goroutines for every remote track.
	OnTrack func(remote domain.UserID, track *webrtc.TrackRemote)
	// OnEvent is called from the controller loop and must not block.
	OnEvent func(Event)
	// NegotiationTimeout closes sessions that are not connected in time.
	// Zero disables it.
	NegotiationTimeout time.Duration
}

type Controller struct {
	opts   Options
	logger zerolog.Logger

	events  chan any
	backlog []any
	done    chan struct{}

	// Owned by the loop.
	self     domain.UserID
	sessions map[domain.UserID]*session
}

func NewController(opts Options) *Controller {
	return &Controller{
		opts:     opts,
		logger:   log.With().Str("module", "negotiation").Logger(),
		events:   make(chan any, 64),
		done:     make(chan struct{}),
		sessions: make(map[domain.UserID]*session),
	}
}

// Run applies events until ctx is done, then closes every session.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	for {
		for len(c.backlog) > 0 {
			ev := c.backlog[0]
			c.backlog = c.backlog[1:]
			c.dispatch(ev)
		}
		select {
		case <-ctx.Done():
			c.closeAll()
			return
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

// Done is closed once Run has returned and all sessions are closed.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Admitted handles the all-users snapshot: the local side becomes the
// initiator toward every participant already in the room.
func (c *Controller) Admitted(self domain.UserID, users []protocol.User) {
	c.post(admittedEvent{self: self, users: users})
}

// PeerJoined handles user-joined. Responders wait for the newcomer's offer.
func (c *Controller) PeerJoined(u protocol.User) { c.post(joinedEvent{user: u}) }

func (c *Controller) PeerLeft(id domain.UserID) { c.post(leftEvent{id: id}) }

func (c *Controller) Offer(sig protocol.Signal) {
	c.post(offerEvent{from: sig.From, username: sig.Username, sdp: sig.SDP})
}

func (c *Controller) Answer(sig protocol.Signal) {
	c.post(answerEvent{from: sig.From, sdp: sig.SDP})
}

func (c *Controller) Candidate(sig protocol.Signal) {
	c.post(candidateEvent{from: sig.From, candidate: sig.Candidate})
}

// Sessions returns a snapshot of the live sessions ordered by remote id.
func (c *Controller) Sessions() []SessionInfo {
	reply := make(chan []SessionInfo, 1)
	select {
	case c.events <- snapshotEvent{reply: reply}:
	case <-c.done:
		return nil
	}
	select {
	case out := <-reply:
		return out
	case <-c.done:
		return nil
	}
}

func (c *Controller) dispatch(ev any) {
	switch ev := ev.(type) {
	case admittedEvent:
		c.onAdmitted(ev)
	case joinedEvent:
		c.emit(Event{Kind: PeerJoined, Peer: ev.user.ID, Username: ev.user.Username})
	case leftEvent:
		c.onLeft(ev)
	case negotiateEvent:
		c.onNegotiate(ev.s)
	case offerEvent:
		c.onOffer(ev)
	case answerEvent:
		c.onAnswer(ev)
	case candidateEvent:
		c.onCandidate(ev)
	case localCandidateEvent:
		c.onLocalCandidate(ev)
	case stateEvent:
		c.onState(ev)
	case deadlineEvent:
		c.onDeadline(ev.s)
	case snapshotEvent:
		out := make([]SessionInfo, 0, len(c.sessions))
		for _, s := range c.sessions {
			out = append(out, s.info())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
		ev.reply <- out
	default:
		c.logger.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("unknown event")
	}
}

func (c *Controller) onAdmitted(ev admittedEvent) {
	c.self = ev.self
	c.logger.Info().Str("self", string(ev.self)).Int("peers", len(ev.users)).Msg("admitted")
	c.emit(Event{Kind: Admitted, Peer: ev.self, Peers: len(ev.users)})

	for _, u := range ev.users {
		if u.ID == c.self {
			continue
		}
		if _, ok := c.sessions[u.ID]; ok {
			continue
		}
		s := c.start(u.ID, u.Username, Initiator)
		if s == nil {
			continue
		}
		// Offers are produced once the whole snapshot is applied.
		c.backlog = append(c.backlog, negotiateEvent{s: s})
	}
}

func (c *Controller) onNegotiate(s *session) {
	if !c.current(s) || s.state != Idle {
		return
	}
	offer, err := s.transport.CreateOffer()
	if err != nil {
		c.fail(s, fmt.Errorf("create offer: %w", err))
		return
	}
	s.state = OfferCreated
	if err := s.transport.SetLocalDescription(offer); err != nil {
		c.fail(s, fmt.Errorf("set local offer: %w", err))
		return
	}
	if err := c.sendDescription(protocol.TypeOffer, s.remote, offer); err != nil {
		c.fail(s, fmt.Errorf("send offer: %w", err))
		return
	}
	c.await(s)
	c.logger.Info().Str("remote", string(s.remote)).Msg("offer sent")
}

func (c *Controller) onOffer(ev offerEvent) {
	logger := c.logger.With().Str("remote", string(ev.from)).Logger()
	s := c.sessions[ev.from]

	switch {
	case s == nil:
		s = c.start(ev.from, ev.username, Responder)
	case s.state == Idle || s.state == OfferCreated:
		// Our attempt has not reached the peer yet; theirs is authoritative.
		logger.Info().Str("state", s.state.String()).Msg("incoming offer replaces local attempt")
		c.drop(s)
		s = c.start(ev.from, ev.username, Responder)
	case s.role == Initiator && !s.hasRemote:
		if c.keepsInitiator(ev.from) {
			logger.Info().Msg("glare: keeping local offer, incoming offer ignored")
			s.glareIgnored = true
			return
		}
		logger.Info().Msg("glare: yielding to remote offer")
		c.drop(s)
		s = c.start(ev.from, ev.username, Responder)
	default:
		logger.Info().Str("state", s.state.String()).Msg("renegotiation offer")
	}
	if s == nil {
		return
	}
	if ev.username != "" {
		s.username = ev.username
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(ev.sdp, &offer); err != nil {
		c.fail(s, fmt.Errorf("decode offer: %w", err))
		return
	}
	if err := s.transport.SetRemoteDescription(offer); err != nil {
		c.fail(s, fmt.Errorf("set remote offer: %w", err))
		return
	}
	c.remoteDescriptionSet(s)

	answer, err := s.transport.CreateAnswer()
	if err != nil {
		c.fail(s, fmt.Errorf("create answer: %w", err))
		return
	}
	if err := s.transport.SetLocalDescription(answer); err != nil {
		c.fail(s, fmt.Errorf("set local answer: %w", err))
		return
	}
	if err := c.sendDescription(protocol.TypeAnswer, s.remote, answer); err != nil {
		c.fail(s, fmt.Errorf("send answer: %w", err))
		return
	}
	if s.state != Connected {
		c.await(s)
	}
	logger.Info().Msg("answer sent")
}

// keepsInitiator breaks glare deterministically: the lower connection id
// keeps its offer.
func (c *Controller) keepsInitiator(remote domain.UserID) bool {
	return c.self != "" && c.self < remote
}

func (c *Controller) onAnswer(ev answerEvent) {
	s := c.sessions[ev.from]
	if s == nil || s.role != Initiator || s.state != AnswerAwaited || s.hasRemote {
		c.logger.Debug().Str("remote", string(ev.from)).Msg("stray answer dropped")
		return
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(ev.sdp, &answer); err != nil {
		c.fail(s, fmt.Errorf("decode answer: %w", err))
		return
	}
	if err := s.transport.SetRemoteDescription(answer); err != nil {
		c.fail(s, fmt.Errorf("set remote answer: %w", err))
		return
	}
	s.glareIgnored = false
	c.remoteDescriptionSet(s)
	c.logger.Info().Str("remote", string(s.remote)).Msg("answer applied")
}

func (c *Controller) onCandidate(ev candidateEvent) {
	s := c.sessions[ev.from]
	if s == nil {
		c.logger.Debug().Str("remote", string(ev.from)).Msg("candidate for unknown session dropped")
		return
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(ev.candidate, &cand); err != nil {
		c.logger.Warn().Err(err).Str("remote", string(ev.from)).Msg("bad candidate dropped")
		return
	}
	if !s.hasRemote {
		if s.glareIgnored {
			// Gathered for the remote's abandoned offer.
			c.logger.Debug().Str("remote", string(s.remote)).Msg("candidate for ignored offer dropped")
			return
		}
		s.pending = append(s.pending, cand)
		return
	}
	if err := s.transport.AddICECandidate(cand); err != nil {
		c.logger.Warn().Err(err).Str("remote", string(s.remote)).Msg("add ice candidate")
	}
}

// remoteDescriptionSet applies buffered candidates in receipt order.
func (c *Controller) remoteDescriptionSet(s *session) {
	s.hasRemote = true
	pending := s.pending
	s.pending = nil
	for _, cand := range pending {
		if err := s.transport.AddICECandidate(cand); err != nil {
			c.logger.Warn().Err(err).Str("remote", string(s.remote)).Msg("add buffered ice candidate")
		}
	}
}

func (c *Controller) onLocalCandidate(ev localCandidateEvent) {
	if !c.current(ev.s) {
		return
	}
	b, err := json.Marshal(ev.candidate)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode candidate")
		return
	}
	sig := protocol.Signal{Type: protocol.TypeICECandidate, Target: ev.s.remote, Candidate: b}
	if err := c.opts.Signaler.Send(sig); err != nil {
		c.logger.Warn().Err(err).Str("remote", string(ev.s.remote)).Msg("send candidate")
	}
}

func (c *Controller) onState(ev stateEvent) {
	s := ev.s
	if !c.current(s) {
		return
	}
	switch ev.state {
	case webrtc.PeerConnectionStateConnected:
		if s.state == Connected {
			return
		}
		s.state = Connected
		s.stopDeadline()
		c.logger.Info().Str("remote", string(s.remote)).Str("role", s.role.String()).Msg("connected")
		c.emit(Event{Kind: PeerConnected, Peer: s.remote, Username: s.username})
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		c.fail(s, fmt.Errorf("transport %s", ev.state))
	}
}

func (c *Controller) onDeadline(s *session) {
	if !c.current(s) || s.state == Connected {
		return
	}
	c.fail(s, fmt.Errorf("not connected after %s", c.opts.NegotiationTimeout))
}

func (c *Controller) onLeft(ev leftEvent) {
	username := ""
	if s, ok := c.sessions[ev.id]; ok {
		username = s.username
		c.drop(s)
	}
	c.logger.Info().Str("remote", string(ev.id)).Msg("peer left")
	c.emit(Event{Kind: PeerLeft, Peer: ev.id, Username: username})
}

// start creates a session with its transport and local tracks attached.
// It returns nil if the transport cannot be set up.
func (c *Controller) start(remote domain.UserID, username string, role Role) *session {
	t, err := c.opts.Transports(remote)
	if err != nil {
		c.report(remote, username, fmt.Errorf("create transport: %w", err))
		return nil
	}
	if c.opts.Media != nil {
		for _, track := range c.opts.Media.Tracks() {
			if err := t.AddTrack(track); err != nil {
				_ = t.Close()
				c.report(remote, username, fmt.Errorf("attach track: %w", err))
				return nil
			}
		}
	}

	s := &session{remote: remote, username: username, role: role, state: Idle, transport: t}
	t.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		c.post(localCandidateEvent{s: s, candidate: cand})
	})
	t.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		c.post(stateEvent{s: s, state: st})
	})
	if c.opts.OnTrack != nil {
		t.OnTrack(func(track *webrtc.TrackRemote) {
			c.opts.OnTrack(remote, track)
		})
	}

	c.sessions[remote] = s
	c.logger.Info().Str("remote", string(remote)).Str("role", role.String()).Msg("session created")
	return s
}

func (c *Controller) await(s *session) {
	s.state = AnswerAwaited
	if c.opts.NegotiationTimeout <= 0 || s.deadline != nil {
		return
	}
	s.deadline = time.AfterFunc(c.opts.NegotiationTimeout, func() {
		c.post(deadlineEvent{s: s})
	})
}

func (c *Controller) current(s *session) bool {
	return s != nil && s.state != Closed && c.sessions[s.remote] == s
}

// drop closes a session without reporting a failure.
func (c *Controller) drop(s *session) {
	if s.state == Closed {
		return
	}
	s.state = Closed
	s.stopDeadline()
	s.pending = nil
	if c.sessions[s.remote] == s {
		delete(c.sessions, s.remote)
	}
	// Callbacks fired by Close would post back into this loop.
	s.transport.OnICECandidate(nil)
	s.transport.OnConnectionStateChange(nil)
	s.transport.OnTrack(nil)
	if err := s.transport.Close(); err != nil {
		c.logger.Warn().Err(err).Str("remote", string(s.remote)).Msg("close transport")
	}
}

// fail tears down one session and reports the peer as unreachable. Other
// sessions are unaffected.
func (c *Controller) fail(s *session, err error) {
	c.drop(s)
	c.report(s.remote, s.username, err)
}

func (c *Controller) report(remote domain.UserID, username string, err error) {
	err = fmt.Errorf("%w: %s: %w", domain.ErrPeerUnreachable, remote, err)
	c.logger.Warn().Err(err).Str("remote", string(remote)).Msg("peer failed")
	c.emit(Event{Kind: PeerFailed, Peer: remote, Username: username, Err: err})
}

func (c *Controller) closeAll() {
	for _, s := range c.sessions {
		c.drop(s)
	}
}

func (c *Controller) emit(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

func (c *Controller) sendDescription(typ protocol.Type, target domain.UserID, d webrtc.SessionDescription) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.opts.Signaler.Send(protocol.Signal{Type: typ, Target: target, SDP: b})
}
