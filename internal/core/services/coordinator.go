package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	apperrors "classmesh/pkg/errors"
	"classmesh/pkg/tracing"
	"classmesh/pkg/utils"
	"classmesh/pkg/validation"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type CoordinatorOptions struct {
	Role      domain.Role
	Signaling ports.SignalingChannel
	Transport ports.PeerConnectionFactory
	Devices   ports.MediaDevices
	Bandwidth ports.BandwidthPolicy
	Metrics   ports.SessionMetrics
	Observer  ports.Observer
	Config    CoordinatorConfig
	Logger    *zap.SugaredLogger
}

type rosterState struct {
	handRaised   bool
	audioEnabled bool
}

// SessionCoordinator owns the room membership of one local endpoint and the
// PeerSession for every remote peer. A host holds one responder session per
// participant; a participant holds one initiator session to the host.
type SessionCoordinator struct {
	role      domain.Role
	signaling ports.SignalingChannel
	transport ports.PeerConnectionFactory
	bandwidth ports.BandwidthPolicy
	metrics   ports.SessionMetrics
	observer  ports.Observer
	cfg       CoordinatorConfig
	logger    *zap.SugaredLogger

	media      *MediaTrackController
	supervisor *ReconnectionSupervisor

	alive       atomic.Bool
	cleanupOnce sync.Once
	ctx         context.Context
	cancel      context.CancelFunc

	mu            sync.Mutex
	paths         roomPaths
	attached      bool
	participantID domain.ParticipantID
	sessions      map[domain.ParticipantID]*PeerSession
	pendingOffers map[domain.ParticipantID]struct{}
	// attempted holds the last offer SDP a responder was started for, so a
	// failed offer is not retried on every later change to the record.
	attempted map[domain.ParticipantID]string
	roster    map[domain.ParticipantID]rosterState
	unsubs    []ports.Unsubscribe
	starts    sync.WaitGroup
}

func NewSessionCoordinator(opts CoordinatorOptions) (*SessionCoordinator, error) {
	if !opts.Role.Valid() {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("unknown role %q", opts.Role))
	}
	if opts.Signaling == nil || opts.Transport == nil {
		return nil, apperrors.NewInvalidInputError("signaling channel and transport factory are required")
	}
	if opts.Config.RootCollection == "" {
		opts.Config.RootCollection = DefaultCoordinatorConfig().RootCollection
	}
	if opts.Metrics == nil {
		opts.Metrics = ports.NoopMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &SessionCoordinator{
		role:          opts.Role,
		signaling:     opts.Signaling,
		transport:     opts.Transport,
		bandwidth:     opts.Bandwidth,
		metrics:       opts.Metrics,
		observer:      opts.Observer,
		cfg:           opts.Config,
		logger:        opts.Logger.With("role", opts.Role),
		ctx:           ctx,
		cancel:        cancel,
		sessions:      make(map[domain.ParticipantID]*PeerSession),
		pendingOffers: make(map[domain.ParticipantID]struct{}),
		attempted:     make(map[domain.ParticipantID]string),
		roster:        make(map[domain.ParticipantID]rosterState),
	}
	c.media = NewMediaTrackController(c, opts.Devices, opts.Metrics, opts.Config.Session.QualitySampleInterval, c.logger)
	c.supervisor = NewReconnectionSupervisor(opts.Config.Session, c.sessionFailed, c.logger)
	return c, nil
}

func (c *SessionCoordinator) Role() domain.Role                   { return c.role }
func (c *SessionCoordinator) Media() *MediaTrackController        { return c.media }
func (c *SessionCoordinator) Supervisor() *ReconnectionSupervisor { return c.supervisor }

func (c *SessionCoordinator) RoomID() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paths.room
}

func (c *SessionCoordinator) ParticipantID() domain.ParticipantID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// CreateRoom creates the room record and starts accepting participants.
// An empty roomID generates one.
func (c *SessionCoordinator) CreateRoom(ctx context.Context, roomID domain.RoomID, stream *domain.LocalStream) (domain.RoomID, error) {
	if c.role != domain.RoleHost {
		return "", rejectJoin(stream, apperrors.NewRoleMismatchError("only the host can create a room"))
	}
	if roomID == "" {
		roomID = domain.RoomID(utils.GenerateRoomID())
	}
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return "", rejectJoin(stream, apperrors.NewInvalidInputError(err.Error()))
	}

	ctx, span := tracing.TraceSession(ctx, "create_room", string(roomID), string(domain.HostPeerID))
	defer span.End()

	paths, err := c.attach(roomID)
	if err != nil {
		return "", err
	}

	room := domain.Room{
		ID:        roomID,
		HostID:    utils.GenerateID("host"),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	doc, err := domain.NewDocument(room)
	if err != nil {
		return "", c.abortJoin(stream, fmt.Errorf("failed to encode room: %w", err))
	}
	err = writeSignaling(ctx, c.cfg.Session.SignalingWrite, func(ctx context.Context) error {
		return c.signaling.Create(ctx, paths.Room(), doc)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, domain.ErrDocumentExists) {
			return "", c.abortJoin(stream, apperrors.NewRoomAlreadyExistsError(roomID))
		}
		return "", c.abortJoin(stream, apperrors.NewSignalingUnavailableError(err))
	}

	c.media.SetLocalStream(stream)
	c.alive.Store(true)

	unsub, err := c.signaling.WatchCollection(ctx, paths.Participants(), c.handleParticipantChange)
	if err != nil {
		c.alive.Store(false)
		return "", c.abortJoin(stream, apperrors.NewSignalingUnavailableError(err))
	}
	c.addUnsub(unsub)
	c.media.StartQualityLoop(c.ctx)

	c.logger.Infow("room created", "room_id", roomID)
	return roomID, nil
}

// JoinRoom registers this participant in an active room and starts the
// handshake with the host.
func (c *SessionCoordinator) JoinRoom(ctx context.Context, roomID domain.RoomID, stream *domain.LocalStream) (domain.ParticipantID, error) {
	if c.role != domain.RoleParticipant {
		return "", rejectJoin(stream, apperrors.NewRoleMismatchError("only a participant can join a room"))
	}
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return "", rejectJoin(stream, apperrors.NewInvalidInputError(err.Error()))
	}

	participantID := domain.ParticipantID(utils.GenerateParticipantID())
	ctx, span := tracing.TraceSession(ctx, "join_room", string(roomID), string(participantID))
	defer span.End()

	paths, err := c.attach(roomID)
	if err != nil {
		return "", err
	}

	roomDoc, err := c.signaling.Get(ctx, paths.Room())
	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, domain.ErrDocumentNotFound) {
			return "", c.abortJoin(stream, apperrors.NewRoomNotFoundError(roomID))
		}
		return "", c.abortJoin(stream, apperrors.NewSignalingUnavailableError(err))
	}
	var room domain.Room
	if err := roomDoc.Decode(&room); err != nil {
		return "", c.abortJoin(stream, apperrors.NewRoomNotFoundError(roomID))
	}
	if !room.Active {
		return "", c.abortJoin(stream, apperrors.NewRoomInactiveError(roomID))
	}

	c.media.SetLocalStream(stream)
	record, err := domain.NewDocument(domain.Participant{
		Role:           domain.RoleParticipant,
		IsAudioEnabled: c.media.AudioEnabled(),
		JoinedAt:       time.Now().UTC(),
	})
	if err != nil {
		return "", c.abortJoin(stream, fmt.Errorf("failed to encode participant: %w", err))
	}
	err = writeSignaling(ctx, c.cfg.Session.SignalingWrite, func(ctx context.Context) error {
		return c.signaling.Create(ctx, paths.Participant(participantID), record)
	})
	if err != nil {
		return "", c.abortJoin(stream, apperrors.NewSignalingUnavailableError(err))
	}

	c.mu.Lock()
	c.participantID = participantID
	c.mu.Unlock()
	c.alive.Store(true)

	session, err := c.startSession(ctx, domain.HostPeerID, domain.SessionInitiator, participantID, nil)
	if err != nil {
		c.alive.Store(false)
		if delErr := c.signaling.Delete(ctx, paths.Participant(participantID)); delErr != nil {
			c.logger.Warnw("failed to remove participant record", "participant_id", participantID, "error", delErr)
		}
		return "", c.abortJoin(stream, err)
	}

	unsub, err := c.signaling.WatchDocument(ctx, paths.Room(), c.handleRoomChange)
	if err != nil {
		c.logger.Warnw("failed to watch room record", "room_id", roomID, "error", err)
	} else {
		c.addUnsub(unsub)
	}
	c.media.StartQualityLoop(c.ctx)

	c.logger.Infow("joined room",
		"room_id", roomID,
		"participant_id", participantID,
		"state", session.State(),
	)
	return participantID, nil
}

// UpdateAudioState mutes or unmutes the local audio on every session. A
// participant also publishes the flag for the host.
func (c *SessionCoordinator) UpdateAudioState(ctx context.Context, enabled bool) error {
	c.media.SetAudioEnabled(enabled)

	if c.role != domain.RoleParticipant || !c.alive.Load() {
		return nil
	}
	return c.updateOwnRecord(ctx, domain.Document{domain.FieldIsAudioEnabled: enabled})
}

// UpdateHandRaise publishes the participant's hand raise flag.
func (c *SessionCoordinator) UpdateHandRaise(ctx context.Context, raised bool) error {
	if c.role != domain.RoleParticipant {
		return apperrors.NewRoleMismatchError("only a participant can raise a hand")
	}
	if !c.alive.Load() {
		return domain.ErrSessionClosed
	}
	return c.updateOwnRecord(ctx, domain.Document{domain.FieldIsHandRaised: raised})
}

func (c *SessionCoordinator) StartScreenShare(track domain.LocalTrack) error {
	return c.media.ReplaceVideoTrack(track)
}

func (c *SessionCoordinator) StopScreenShare() error {
	return c.media.RestoreOriginalVideoTrack()
}

// Sessions returns a snapshot of the live sessions ordered by peer id.
func (c *SessionCoordinator) Sessions() []domain.SessionInfo {
	sessions := c.liveSessions()
	out := make([]domain.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Cleanup leaves the room. The host marks the room inactive; a participant
// deletes its record so the host sees it leave. Later calls do nothing.
func (c *SessionCoordinator) Cleanup(ctx context.Context) error {
	var err error
	c.cleanupOnce.Do(func() {
		// Under mu so no responder start is added once Wait begins.
		c.mu.Lock()
		c.alive.Store(false)
		c.mu.Unlock()
		c.cancel()
		c.starts.Wait()

		c.mu.Lock()
		unsubs := c.unsubs
		c.unsubs = nil
		sessions := c.sessions
		c.sessions = make(map[domain.ParticipantID]*PeerSession)
		attached := c.attached
		paths := c.paths
		participantID := c.participantID
		c.mu.Unlock()

		for _, unsub := range unsubs {
			unsub()
		}
		c.supervisor.Stop()
		for _, s := range sessions {
			s.Close()
			c.metrics.SessionEnded(s.Role())
		}
		c.media.Stop()

		if !attached {
			return
		}
		err = writeSignaling(ctx, c.cfg.Session.SignalingWrite, func(ctx context.Context) error {
			switch c.role {
			case domain.RoleHost:
				return c.signaling.Update(ctx, paths.Room(), domain.Document{domain.FieldActive: false})
			case domain.RoleParticipant:
				if participantID != "" {
					return c.signaling.Delete(ctx, paths.Participant(participantID))
				}
			}
			return nil
		})
		if err != nil {
			c.logger.Warnw("failed to release room record", "room_id", paths.room, "error", err)
			err = fmt.Errorf("failed to release room record: %w", err)
			return
		}
		c.logger.Infow("left room", "room_id", paths.room, "sessions_closed", len(sessions))
	})
	return err
}

func (c *SessionCoordinator) attach(roomID domain.RoomID) (roomPaths, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached {
		return roomPaths{}, apperrors.NewInvalidInputError("coordinator is already attached to a room")
	}
	c.attached = true
	c.paths = roomPaths{root: c.cfg.RootCollection, room: roomID}
	return c.paths, nil
}

// abortJoin releases what a failed create or join acquired.
func (c *SessionCoordinator) abortJoin(stream *domain.LocalStream, err error) error {
	c.mu.Lock()
	c.attached = false
	c.paths = roomPaths{}
	c.participantID = ""
	c.mu.Unlock()

	return rejectJoin(stream, err)
}

// rejectJoin stops the tracks handed to a failed create or join.
func rejectJoin(stream *domain.LocalStream, err error) error {
	if stream != nil {
		stream.Stop()
	}
	return err
}

func (c *SessionCoordinator) updateOwnRecord(ctx context.Context, fields domain.Document) error {
	c.mu.Lock()
	path := c.paths.Participant(c.participantID)
	c.mu.Unlock()

	err := writeSignaling(ctx, c.cfg.Session.SignalingWrite, func(ctx context.Context) error {
		return c.signaling.Update(ctx, path, fields)
	})
	if err != nil {
		return apperrors.NewSignalingUnavailableError(err)
	}
	return nil
}

func (c *SessionCoordinator) addUnsub(unsub ports.Unsubscribe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs, unsub)
}

func (c *SessionCoordinator) liveSessions() []*PeerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*PeerSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// startSession registers and starts the session for peerID. The session is
// in the map before the handshake begins so every callback can find it.
func (c *SessionCoordinator) startSession(
	ctx context.Context,
	peerID domain.ParticipantID,
	role domain.SessionRole,
	recordID domain.ParticipantID,
	offer *webrtc.SessionDescription,
) (*PeerSession, error) {
	pc, err := c.transport.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c.mu.Lock()
	paths := c.paths
	c.mu.Unlock()

	outbound, inbound := domain.CandidatesToHost, domain.CandidatesToParticipant
	if role == domain.SessionResponder {
		outbound, inbound = inbound, outbound
	}

	session := newPeerSession(peerSessionParams{
		RoomID:     paths.room,
		PeerID:     peerID,
		Role:       role,
		RecordPath: paths.Participant(recordID),
		Outbound:   paths.Candidates(recordID, outbound),
		Inbound:    paths.Candidates(recordID, inbound),
		Tracks:     c.media.OutboundTracks(),
		Transport:  pc,
		Signaling:  c.signaling,
		Bandwidth:  c.bandwidth,
		Metrics:    c.metrics,
		Listener:   c,
		Config:     c.cfg.Session,
		Logger:     c.logger,
	})

	c.mu.Lock()
	if !c.alive.Load() {
		c.mu.Unlock()
		session.Close()
		return nil, domain.ErrSessionClosed
	}
	if _, present := c.roster[peerID]; role == domain.SessionResponder && !present {
		// The participant left while its transport was being created.
		c.mu.Unlock()
		session.Close()
		return nil, domain.ErrParticipantNotFound
	}
	c.sessions[peerID] = session
	c.mu.Unlock()
	c.metrics.SessionStarted(role)

	if err := session.Start(ctx, offer); err != nil {
		session.Fail()
		c.detach(session, false)
		return nil, err
	}
	return session, nil
}

// detach removes the session if it is still the registered one for its
// peer. Only the call that removes it closes it and fires the leave
// callback.
func (c *SessionCoordinator) detach(s *PeerSession, notify bool) bool {
	c.mu.Lock()
	current, ok := c.sessions[s.PeerID()]
	if !ok || current != s {
		c.mu.Unlock()
		return false
	}
	delete(c.sessions, s.PeerID())
	c.mu.Unlock()

	c.supervisor.Forget(s)
	s.Close()
	c.metrics.SessionEnded(s.Role())
	c.logger.Infow("session detached", "peer_id", s.PeerID(), "state", s.State())

	if notify && c.alive.Load() && c.observer.OnParticipantLeft != nil {
		c.observer.OnParticipantLeft(s.PeerID())
	}
	return true
}

func (c *SessionCoordinator) sessionByPeer(id domain.ParticipantID) *PeerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

// handleParticipantChange runs on the participants subscription, one change
// at a time in write order.
func (c *SessionCoordinator) handleParticipantChange(ch ports.Change) {
	if !c.alive.Load() {
		return
	}
	id := domain.ParticipantID(ch.ID)
	if err := validation.ValidateParticipantID(ch.ID); err != nil {
		c.logger.Warnw("ignoring participant record with invalid id", "participant_id", id, "error", err)
		return
	}

	if ch.Type == ports.ChangeRemoved {
		if s := c.sessionByPeer(id); s != nil {
			c.logger.Infow("participant left", "participant_id", id)
			c.detach(s, true)
		}
		c.mu.Lock()
		delete(c.roster, id)
		delete(c.attempted, id)
		c.mu.Unlock()
		return
	}

	var participant domain.Participant
	if err := ch.Data.Decode(&participant); err != nil {
		c.logger.Warnw("ignoring malformed participant record", "participant_id", id, "error", err)
		return
	}

	c.updateRoster(id, ch.Type, participant)

	if participant.Offer != nil && participant.Offer.SDP != "" {
		c.ensureResponder(id, *participant.Offer)
	}
}

func (c *SessionCoordinator) updateRoster(id domain.ParticipantID, changeType ports.ChangeType, p domain.Participant) {
	next := rosterState{handRaised: p.IsHandRaised, audioEnabled: p.IsAudioEnabled}

	c.mu.Lock()
	prev, known := c.roster[id]
	c.roster[id] = next
	c.mu.Unlock()

	if !known {
		// A late subscriber still learns about a hand that is already up.
		if next.handRaised && c.observer.OnHandRaiseUpdate != nil {
			c.observer.OnHandRaiseUpdate(id, true)
		}
		return
	}
	if changeType != ports.ChangeModified {
		return
	}
	if prev.handRaised != next.handRaised && c.observer.OnHandRaiseUpdate != nil {
		c.observer.OnHandRaiseUpdate(id, next.handRaised)
	}
	if prev.audioEnabled != next.audioEnabled && c.observer.OnAudioStateUpdate != nil {
		c.observer.OnAudioStateUpdate(id, next.audioEnabled)
	}
}

// ensureResponder creates the responder session for a participant at most
// once per offer, no matter how many changes carry it. The handshake runs on
// its own goroutine so the participants subscription keeps delivering other
// peers' changes; later changes for this peer reach the session through its
// own subscriptions.
func (c *SessionCoordinator) ensureResponder(id domain.ParticipantID, offer webrtc.SessionDescription) {
	c.mu.Lock()
	if _, exists := c.sessions[id]; exists {
		c.mu.Unlock()
		return
	}
	if _, pending := c.pendingOffers[id]; pending {
		c.mu.Unlock()
		return
	}
	if !c.alive.Load() || c.attempted[id] == offer.SDP {
		c.mu.Unlock()
		return
	}
	c.pendingOffers[id] = struct{}{}
	c.attempted[id] = offer.SDP
	c.starts.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.starts.Done()
		defer func() {
			c.mu.Lock()
			delete(c.pendingOffers, id)
			c.mu.Unlock()
		}()

		_, err := c.startSession(c.ctx, id, domain.SessionResponder, id, &offer)
		switch {
		case err == nil:
			c.logger.Infow("participant session started", "participant_id", id)
		case errors.Is(err, domain.ErrParticipantNotFound), errors.Is(err, domain.ErrSessionClosed):
			c.logger.Debugw("participant session abandoned", "participant_id", id, "error", err)
		default:
			c.logger.Errorw("failed to start participant session", "participant_id", id, "error", err)
		}
	}()
}

// handleRoomChange ends the host session when the room closes.
func (c *SessionCoordinator) handleRoomChange(ch ports.Change) {
	if !c.alive.Load() {
		return
	}
	if ch.Type != ports.ChangeRemoved {
		var room domain.Room
		if err := ch.Data.Decode(&room); err != nil || room.Active {
			return
		}
	}
	if s := c.sessionByPeer(domain.HostPeerID); s != nil {
		c.logger.Infow("host left the room", "room_id", c.RoomID())
		c.detach(s, true)
	}
}

// sessionFailed is the supervisor's terminal path: the session is removed
// exactly once and the leave callback fires once.
func (c *SessionCoordinator) sessionFailed(s *PeerSession) {
	if !c.detach(s, true) {
		return
	}
	if c.role == domain.RoleHost {
		c.mu.Lock()
		path := c.paths.Participant(s.PeerID())
		c.mu.Unlock()
		err := writeSignaling(c.ctx, c.cfg.Session.SignalingWrite, func(ctx context.Context) error {
			return c.signaling.Delete(ctx, path)
		})
		if err != nil {
			c.logger.Warnw("failed to remove failed participant", "participant_id", s.PeerID(), "error", err)
		}
	}
}

func (c *SessionCoordinator) sessionStateChanged(s *PeerSession, from, to domain.SessionState) {
	switch to {
	case domain.StateConnecting:
		c.supervisor.Watch(s)
	case domain.StateConnected:
		c.supervisor.Resolve(s)
	}
}

func (c *SessionCoordinator) sessionStreamStarted(s *PeerSession, stream *domain.RemoteStream) {
	if !c.alive.Load() || c.observer.OnParticipantJoined == nil {
		return
	}
	c.observer.OnParticipantJoined(s.PeerID(), stream)
}

func (c *SessionCoordinator) sessionTransportLost(s *PeerSession, state webrtc.PeerConnectionState) {
	if !c.alive.Load() {
		return
	}
	c.supervisor.TransportLost(s, state)
}

func (c *SessionCoordinator) sessionNegotiationFailed(s *PeerSession, err error) {
	c.detach(s, false)
}
