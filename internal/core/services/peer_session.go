package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	apperrors "classmesh/pkg/errors"
	"classmesh/pkg/retry"
	"classmesh/pkg/tracing"
	"classmesh/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// sessionListener is notified from the session's event loop. Implementations
// must not block on the session.
type sessionListener interface {
	sessionStateChanged(s *PeerSession, from, to domain.SessionState)
	sessionStreamStarted(s *PeerSession, stream *domain.RemoteStream)
	sessionTransportLost(s *PeerSession, state webrtc.PeerConnectionState)
	sessionNegotiationFailed(s *PeerSession, err error)
}

// descriptionFields names the record fields one role writes and reads.
type descriptionFields struct {
	offer         string
	answer        string
	restartOffer  string
	restartAnswer string
	counterOffer  string
	counterAnswer string
}

var roleFields = map[domain.SessionRole]descriptionFields{
	domain.SessionInitiator: {
		offer:         domain.FieldOffer,
		answer:        domain.FieldAnswer,
		restartOffer:  domain.FieldICERestartOffer,
		restartAnswer: domain.FieldICERestartAnswer,
		counterOffer:  domain.FieldReconnectionOffer,
		counterAnswer: domain.FieldReconnectionAnswer,
	},
	domain.SessionResponder: {
		offer:         domain.FieldOffer,
		answer:        domain.FieldAnswer,
		restartOffer:  domain.FieldReconnectionOffer,
		restartAnswer: domain.FieldReconnectionAnswer,
		counterOffer:  domain.FieldICERestartOffer,
		counterAnswer: domain.FieldICERestartAnswer,
	},
}

type peerSessionParams struct {
	RoomID     domain.RoomID
	PeerID     domain.ParticipantID
	Role       domain.SessionRole
	RecordPath string
	Outbound   string // own candidate collection
	Inbound    string // remote candidate collection
	Tracks     []domain.LocalTrack

	Transport ports.PeerConnection
	Signaling ports.SignalingChannel
	Bandwidth ports.BandwidthPolicy
	Metrics   ports.SessionMetrics
	Listener  sessionListener
	Config    SessionConfig
	Logger    *zap.SugaredLogger
}

// PeerSession negotiates and maintains one media session with one remote
// peer. All negotiation work runs on the session's event loop.
type PeerSession struct {
	params peerSessionParams
	fields descriptionFields
	pc     ports.PeerConnection
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	state     domain.SessionState
	unsubs    []ports.Unsubscribe

	// Owned by the event loop.
	createdAt          time.Time
	remoteSet          bool
	remote             webrtc.SessionDescription
	pending            []webrtc.ICECandidateInit
	localIndex         int
	remoteStream       *domain.RemoteStream
	restartOffer       string
	restartOutstanding bool
	lastCounterOffer   string
}

func newPeerSession(p peerSessionParams) *PeerSession {
	if p.Metrics == nil {
		p.Metrics = ports.NoopMetrics()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &PeerSession{
		params: p,
		fields: roleFields[p.Role],
		pc:     p.Transport,
		logger: p.Logger.With(
			"room_id", p.RoomID,
			"peer_id", p.PeerID,
			"role", p.Role,
		),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan func(), 64),
		done:      make(chan struct{}),
		state:     domain.StateNew,
		createdAt: time.Now(),
	}
	go s.run()
	return s
}

func (s *PeerSession) PeerID() domain.ParticipantID { return s.params.PeerID }
func (s *PeerSession) Role() domain.SessionRole     { return s.params.Role }

func (s *PeerSession) State() domain.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *PeerSession) Info() domain.SessionInfo {
	return domain.SessionInfo{
		PeerID: s.params.PeerID,
		Role:   s.params.Role,
		State:  s.State(),
	}
}

// Senders returns the outbound senders, or nil once the session is closed.
func (s *PeerSession) Senders() []ports.TrackSender {
	select {
	case <-s.done:
		return nil
	default:
	}
	return s.pc.Senders()
}

// Start attaches local tracks, subscribes to the signaling record and
// runs the first half of the handshake. A responder passes the remote
// offer; an initiator passes nil and publishes its own.
func (s *PeerSession) Start(ctx context.Context, offer *webrtc.SessionDescription) error {
	ctx, span := tracing.TraceSession(ctx, "start", string(s.params.RoomID), string(s.params.PeerID))
	defer span.End()

	s.pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			return
		}
		candidate := *c
		s.do(func() { s.publishCandidate(candidate) })
	})
	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.do(func() { s.handleTransportState(state) })
	})
	s.pc.OnTrack(func(track domain.MediaTrack) {
		s.do(func() { s.handleRemoteTrack(track) })
	})

	for _, track := range s.params.Tracks {
		if _, err := s.pc.AddTrack(track); err != nil {
			tracing.RecordError(ctx, err)
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
	}

	unsubCandidates, err := s.params.Signaling.WatchCollection(ctx, s.params.Inbound, s.onCandidateChange)
	if err != nil {
		return apperrors.NewSignalingUnavailableError(err)
	}
	s.addUnsub(unsubCandidates)

	unsubRecord, err := s.params.Signaling.WatchDocument(ctx, s.params.RecordPath, s.onRecordChange)
	if err != nil {
		return apperrors.NewSignalingUnavailableError(err)
	}
	s.addUnsub(unsubRecord)

	err = s.call(ctx, func() error {
		if s.params.Role == domain.SessionInitiator {
			return s.publishOffer()
		}
		if offer == nil {
			return apperrors.NewInvalidInputError("responder session requires a remote offer")
		}
		return s.answerOffer(*offer)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

// SetRemoteDescription applies the initial remote description. Reapplying
// the current description is a no-op, and so is any application once the
// session has connected.
func (s *PeerSession) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	return s.call(ctx, func() error {
		return s.applyRemote(desc)
	})
}

// AddRemoteCandidate applies a remote candidate, buffering it until the
// remote description is set.
func (s *PeerSession) AddRemoteCandidate(candidate webrtc.ICECandidateInit) {
	s.do(func() { s.handleRemoteCandidate(candidate) })
}

// Restart publishes a restart offer into this role's restart field and
// clears the matching answer field in the same write.
func (s *PeerSession) Restart(ctx context.Context) error {
	ctx, span := tracing.TraceSession(ctx, "restart", string(s.params.RoomID), string(s.params.PeerID))
	defer span.End()
	start := time.Now()
	defer tracing.MeasureDuration(ctx, start, "restart")

	err := s.call(ctx, func() error {
		if s.State().Terminal() {
			return domain.ErrSessionClosed
		}

		offer, err := s.pc.CreateOffer(true)
		if err != nil {
			return fmt.Errorf("failed to create restart offer: %w", err)
		}
		offer = s.shape(offer)
		if err := s.pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("failed to set restart offer: %w", err)
		}

		err = writeSignaling(s.ctx, s.params.Config.SignalingWrite, func(ctx context.Context) error {
			return s.params.Signaling.Update(ctx, s.params.RecordPath, domain.Document{
				s.fields.restartOffer:  descriptionValue(offer),
				s.fields.restartAnswer: nil,
			})
		})
		if err != nil {
			return fmt.Errorf("failed to publish restart offer: %w", err)
		}

		s.restartOffer = offer.SDP
		s.restartOutstanding = true
		s.transition(domain.StateReconnecting)
		s.params.Metrics.RestartIssued(s.params.Role)
		s.logger.Infow("restart offer published", "field", s.fields.restartOffer)
		return nil
	})
	tracing.RecordError(ctx, err)
	return err
}

// Fail moves the session to failed. It reports whether this call did so.
func (s *PeerSession) Fail() bool {
	if s.transition(domain.StateFailed) {
		s.params.Metrics.SessionFailed(s.params.Role)
		return true
	}
	return false
}

// Close stops the event loop, cancels subscriptions and closes the
// transport. It may be called from any goroutine, including the loop.
func (s *PeerSession) Close() {
	s.closeOnce.Do(func() {
		s.transition(domain.StateClosed)
		s.cancel()

		s.mu.Lock()
		unsubs := s.unsubs
		s.unsubs = nil
		s.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}

		if err := s.pc.Close(); err != nil {
			s.logger.Warnw("failed to close peer connection", "error", err)
		}
		close(s.done)
	})
}

func (s *PeerSession) run() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			return
		}
	}
}

// do queues fn on the event loop. It reports false once the session is
// closed.
func (s *PeerSession) do(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *PeerSession) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !s.do(func() { result <- fn() }) {
		return domain.ErrSessionClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return domain.ErrSessionClosed
		}
	}
}

func (s *PeerSession) addUnsub(unsub ports.Unsubscribe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs, unsub)
}

func (s *PeerSession) transition(to domain.SessionState) bool {
	s.mu.Lock()
	from := s.state
	if !from.CanTransition(to) {
		s.mu.Unlock()
		if from != to {
			s.logger.Debugw("ignoring illegal transition", "from", from, "to", to)
		}
		return false
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Debugw("session state changed", "from", from, "to", to)
	s.params.Metrics.StateChanged(from, to)
	if to == domain.StateConnected && (from == domain.StateConnecting || from == domain.StateAnswerExchanged) {
		elapsed := time.Since(s.createdAt)
		s.params.Metrics.Connected(s.params.Role, elapsed)
		s.logger.Infow("session connected", "elapsed", utils.FormatDuration(elapsed))
	}
	if s.params.Listener != nil {
		s.params.Listener.sessionStateChanged(s, from, to)
	}
	return true
}

func (s *PeerSession) shape(desc webrtc.SessionDescription) webrtc.SessionDescription {
	if s.params.Bandwidth == nil {
		return desc
	}
	shaped, err := s.params.Bandwidth.ShapeOffer(desc.SDP)
	if err != nil {
		s.logger.Warnw("keeping unshaped session description", "error", err)
	}
	desc.SDP = shaped
	return desc
}

func (s *PeerSession) publishOffer() error {
	offer, err := s.pc.CreateOffer(false)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	offer = s.shape(offer)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local offer: %w", err)
	}
	err = s.params.Signaling.Update(s.ctx, s.params.RecordPath, domain.Document{
		s.fields.offer: descriptionValue(offer),
	})
	if err != nil {
		return fmt.Errorf("failed to publish offer: %w", err)
	}
	s.transition(domain.StateOfferSent)
	s.logger.Infow("offer published")
	return nil
}

func (s *PeerSession) answerOffer(offer webrtc.SessionDescription) error {
	if err := s.applyRemote(offer); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return apperrors.NewNegotiationFailedError(fmt.Errorf("failed to create answer: %w", err))
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return apperrors.NewNegotiationFailedError(fmt.Errorf("failed to set local answer: %w", err))
	}
	err = s.params.Signaling.Update(s.ctx, s.params.RecordPath, domain.Document{
		s.fields.answer: descriptionValue(answer),
	})
	if err != nil {
		return fmt.Errorf("failed to publish answer: %w", err)
	}
	s.transition(domain.StateAnswerExchanged)
	s.transition(domain.StateConnecting)
	s.logger.Infow("answer published")
	return nil
}

// applyRemote sets the initial remote description once and flushes
// buffered candidates.
func (s *PeerSession) applyRemote(desc webrtc.SessionDescription) error {
	state := s.State()
	if state.Terminal() {
		return domain.ErrSessionClosed
	}
	if s.remoteSet {
		if desc.SDP != s.remote.SDP {
			s.logger.Debugw("ignoring additional remote description", "type", desc.Type, "state", state)
		}
		return nil
	}

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return apperrors.NewNegotiationFailedError(err)
	}
	s.remoteSet = true
	s.remote = desc

	if s.params.Role == domain.SessionInitiator {
		s.transition(domain.StateAnswerExchanged)
		s.transition(domain.StateConnecting)
	} else {
		s.transition(domain.StateOfferReceived)
	}

	pending := s.pending
	s.pending = nil
	for _, candidate := range pending {
		s.applyCandidate(candidate, 0)
	}
	return nil
}

func (s *PeerSession) onRecordChange(ch ports.Change) {
	if ch.Type == ports.ChangeRemoved || ch.Data == nil {
		return
	}
	data := ch.Data
	s.do(func() { s.handleRecord(data) })
}

func (s *PeerSession) handleRecord(doc domain.Document) {
	if s.State().Terminal() {
		return
	}

	if s.params.Role == domain.SessionInitiator {
		if answer := descriptionField(doc, s.fields.answer); answer != nil {
			if err := s.applyRemote(*answer); err != nil {
				s.negotiationFailed(err)
				return
			}
		}
	}

	// Only an answer written next to our outstanding restart offer matches.
	if answer := descriptionField(doc, s.fields.restartAnswer); answer != nil && s.restartOutstanding {
		if offer := descriptionField(doc, s.fields.restartOffer); offer != nil && offer.SDP == s.restartOffer {
			if err := s.pc.SetRemoteDescription(*answer); err != nil {
				s.logger.Warnw("failed to apply restart answer", "error", err)
			} else {
				s.restartOutstanding = false
				s.logger.Infow("restart answer applied", "field", s.fields.restartAnswer)
				s.transition(domain.StateConnected)
			}
		}
	}

	if offer := descriptionField(doc, s.fields.counterOffer); offer != nil &&
		s.remoteSet && offer.SDP != s.lastCounterOffer {
		s.lastCounterOffer = offer.SDP
		if err := s.answerCounterOffer(*offer); err != nil {
			s.logger.Warnw("failed to answer restart offer", "field", s.fields.counterOffer, "error", err)
		}
	}
}

func (s *PeerSession) answerCounterOffer(offer webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	if err := s.params.Signaling.Update(s.ctx, s.params.RecordPath, domain.Document{
		s.fields.counterAnswer: descriptionValue(answer),
	}); err != nil {
		return err
	}
	s.logger.Infow("restart offer answered", "field", s.fields.counterAnswer)
	return nil
}

func (s *PeerSession) negotiationFailed(err error) {
	s.logger.Errorw("remote description rejected", "error", err)
	s.Fail()
	if s.params.Listener != nil {
		s.params.Listener.sessionNegotiationFailed(s, err)
	}
}

func (s *PeerSession) onCandidateChange(ch ports.Change) {
	if ch.Type != ports.ChangeAdded || ch.Data == nil {
		return
	}
	var record domain.ICECandidateRecord
	if err := ch.Data.Decode(&record); err != nil {
		s.logger.Warnw("dropping malformed candidate record", "id", ch.ID, "error", err)
		return
	}
	s.AddRemoteCandidate(record.Payload)
}

func (s *PeerSession) handleRemoteCandidate(candidate webrtc.ICECandidateInit) {
	if s.State().Terminal() {
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, candidate)
		s.params.Metrics.CandidateBuffered()
		return
	}
	s.applyCandidate(candidate, 0)
}

// applyCandidate runs on the loop; retries are scheduled back onto it.
func (s *PeerSession) applyCandidate(candidate webrtc.ICECandidateInit, attempt int) {
	err := s.pc.AddICECandidate(candidate)
	if err == nil {
		return
	}

	policy := s.params.Config.ICEApply
	next := attempt + 1
	if !policy.Allow(next) {
		s.params.Metrics.CandidateApplyFailed(true)
		s.logger.Warnw("dropping ice candidate",
			"candidate", candidate.Candidate,
			"attempts", next,
			"error", fmt.Errorf("%w: %v", domain.ErrICEApplyFailed, err),
		)
		return
	}

	s.params.Metrics.CandidateApplyFailed(false)
	s.logger.Debugw("retrying ice candidate", "candidate", candidate.Candidate, "error", err)
	time.AfterFunc(policy.Backoff(next), func() {
		s.do(func() {
			if !s.State().Terminal() {
				s.applyCandidate(candidate, next)
			}
		})
	})
}

func (s *PeerSession) publishCandidate(candidate webrtc.ICECandidateInit) {
	record := domain.ICECandidateRecord{
		Payload:   candidate,
		Timestamp: time.Now().UTC(),
		Index:     s.localIndex,
	}
	s.localIndex++

	doc, err := domain.NewDocument(record)
	if err != nil {
		s.logger.Warnw("failed to encode candidate", "error", err)
		return
	}
	_, err = retry.DoWithResult(s.ctx, writePolicy(s.params.Config.SignalingWrite), func() (string, error) {
		return s.params.Signaling.Append(s.ctx, s.params.Outbound, doc)
	})
	if err != nil {
		s.logger.Warnw("failed to publish candidate", "index", record.Index, "error", err)
	}
}

func (s *PeerSession) handleTransportState(state webrtc.PeerConnectionState) {
	if s.State().Terminal() {
		return
	}
	s.logger.Debugw("transport state changed", "transport_state", state.String())

	if s.params.Role == domain.SessionInitiator {
		err := s.params.Signaling.Update(s.ctx, s.params.RecordPath, domain.Document{
			domain.FieldConnectionState: state.String(),
		})
		if err != nil {
			s.logger.Debugw("failed to mirror connection state", "error", err)
		}
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.transition(domain.StateConnected)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if s.params.Listener != nil {
			s.params.Listener.sessionTransportLost(s, state)
		}
	}
}

func (s *PeerSession) handleRemoteTrack(track domain.MediaTrack) {
	first := s.remoteStream == nil
	if first {
		s.remoteStream = domain.NewRemoteStream(string(s.params.PeerID))
	}
	s.remoteStream.AddTrack(track)
	s.logger.Debugw("remote track received", "track_id", track.ID(), "kind", track.Kind())

	if first && s.params.Listener != nil {
		s.params.Listener.sessionStreamStarted(s, s.remoteStream)
	}
}

func descriptionValue(desc webrtc.SessionDescription) map[string]interface{} {
	return map[string]interface{}{
		"type": desc.Type.String(),
		"sdp":  desc.SDP,
	}
}

func descriptionField(doc domain.Document, field string) *webrtc.SessionDescription {
	raw, ok := doc[field]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(data, &desc); err != nil || desc.SDP == "" {
		return nil
	}
	return &desc
}
