package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/internal/infrastructure/signaling/memory"
	"classmesh/pkg/retry"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func fakeSDP(origin string, version int) string {
	return strings.Join([]string{
		"v=0",
		fmt.Sprintf("o=- 4611731400430051336 %d IN IP4 127.0.0.1", version),
		"s=-",
		"t=0 0",
		"a=tool:" + origin,
		"m=audio 9 UDP/TLS/RTP/SAVPF 0 111",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:111 opus/48000/2",
		"m=video 9 UDP/TLS/RTP/SAVPF 96 98",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:96 VP8/90000",
		"a=rtpmap:98 VP9/90000",
	}, "\r\n") + "\r\n"
}

// fakeTrack is a LocalTrack whose end can be triggered by the test.
type fakeTrack struct {
	id   string
	kind domain.TrackKind

	mu      sync.Mutex
	enabled bool
	ended   bool
	stopped bool
	onEnded func()
}

func newFakeTrack(id string, kind domain.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.ended = true
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

// End simulates the capture device going away.
func (t *fakeTrack) End() {
	t.mu.Lock()
	t.ended = true
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type remoteTrack struct {
	id   string
	kind domain.TrackKind
}

func (t remoteTrack) ID() string             { return t.id }
func (t remoteTrack) Kind() domain.TrackKind { return t.kind }

type fakeSender struct {
	kind domain.TrackKind

	mu       sync.Mutex
	track    domain.LocalTrack
	stats    domain.SenderStats
	statsErr error
	pref     domain.DegradationPreference
	replaced int
}

func (s *fakeSender) Kind() domain.TrackKind { return s.kind }

func (s *fakeSender) Track() domain.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(track domain.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced++
	return nil
}

func (s *fakeSender) Stats(ctx context.Context) (domain.SenderStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, s.statsErr
}

func (s *fakeSender) SetDegradationPreference(pref domain.DegradationPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pref = pref
	return nil
}

func (s *fakeSender) setStats(stats domain.SenderStats, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
	s.statsErr = err
}

func (s *fakeSender) preference() domain.DegradationPreference {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pref
}

// fakePeerConnection records negotiation calls and lets the test drive
// transport events.
type fakePeerConnection struct {
	id string

	mu                sync.Mutex
	offers            int
	restartOffers     int
	answers           int
	local             []webrtc.SessionDescription
	remote            []webrtc.SessionDescription
	remoteErr         error
	applied           []webrtc.ICECandidateInit
	candidateAttempts int
	candidateFailures int
	senders           []*fakeSender
	closed            bool

	onCandidate func(*webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(domain.MediaTrack)
}

var _ ports.PeerConnection = (*fakePeerConnection)(nil)

func (pc *fakePeerConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.offers++
	if iceRestart {
		pc.restartOffers++
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fakeSDP(pc.id+"-offer", pc.offers),
	}, nil
}

func (pc *fakePeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.answers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fakeSDP(pc.id+"-answer", pc.answers),
	}, nil
}

func (pc *fakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.local = append(pc.local, desc)
	return nil
}

func (pc *fakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remoteErr != nil {
		return pc.remoteErr
	}
	pc.remote = append(pc.remote, desc)
	return nil
}

func (pc *fakePeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.candidateAttempts++
	if pc.candidateFailures > 0 {
		pc.candidateFailures--
		return errors.New("candidate rejected")
	}
	pc.applied = append(pc.applied, candidate)
	return nil
}

func (pc *fakePeerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onCandidate = fn
}

func (pc *fakePeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onState = fn
}

func (pc *fakePeerConnection) OnTrack(fn func(domain.MediaTrack)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onTrack = fn
}

func (pc *fakePeerConnection) AddTrack(track domain.LocalTrack) (ports.TrackSender, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	sender := &fakeSender{kind: track.Kind(), track: track}
	pc.senders = append(pc.senders, sender)
	return sender, nil
}

func (pc *fakePeerConnection) Senders() []ports.TrackSender {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]ports.TrackSender, len(pc.senders))
	for i, s := range pc.senders {
		out[i] = s
	}
	return out
}

func (pc *fakePeerConnection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.closed = true
	return nil
}

func (pc *fakePeerConnection) emitState(state webrtc.PeerConnectionState) {
	pc.mu.Lock()
	fn := pc.onState
	pc.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (pc *fakePeerConnection) emitTrack(track domain.MediaTrack) {
	pc.mu.Lock()
	fn := pc.onTrack
	pc.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

func (pc *fakePeerConnection) emitCandidate(candidate *webrtc.ICECandidateInit) {
	pc.mu.Lock()
	fn := pc.onCandidate
	pc.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

func (pc *fakePeerConnection) appliedCandidates() []string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]string, len(pc.applied))
	for i, c := range pc.applied {
		out[i] = c.Candidate
	}
	return out
}

func (pc *fakePeerConnection) remoteDescriptions() []webrtc.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]webrtc.SessionDescription, len(pc.remote))
	copy(out, pc.remote)
	return out
}

func (pc *fakePeerConnection) counts() (offers, restartOffers, answers int) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.offers, pc.restartOffers, pc.answers
}

func (pc *fakePeerConnection) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *fakePeerConnection) fakeSenders(kind domain.TrackKind) []*fakeSender {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	var out []*fakeSender
	for _, s := range pc.senders {
		if s.kind == kind {
			out = append(out, s)
		}
	}
	return out
}

type fakeFactory struct {
	prefix string

	mu        sync.Mutex
	pcs       []*fakePeerConnection
	onCreate  func(pc *fakePeerConnection)
	configure func(pc *fakePeerConnection)
}

func newFakeFactory(prefix string) *fakeFactory {
	return &fakeFactory{prefix: prefix}
}

func (f *fakeFactory) NewPeerConnection() (ports.PeerConnection, error) {
	f.mu.Lock()
	pc := &fakePeerConnection{id: fmt.Sprintf("%s-%d", f.prefix, len(f.pcs))}
	if f.configure != nil {
		f.configure(pc)
	}
	f.pcs = append(f.pcs, pc)
	onCreate := f.onCreate
	f.mu.Unlock()

	if onCreate != nil {
		onCreate(pc)
	}
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *fakeFactory) pc(i int) *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[i]
}

type mockDevices struct {
	mock.Mock
}

func (m *mockDevices) AcquireAudioTrack(ctx context.Context) (domain.LocalTrack, error) {
	args := m.Called(ctx)
	track, _ := args.Get(0).(domain.LocalTrack)
	return track, args.Error(1)
}

// countingMetrics counts the measurements the properties depend on.
type countingMetrics struct {
	mu              sync.Mutex
	started         int
	ended           int
	failed          int
	restarts        int
	buffered        int
	applyRetried    int
	applyDropped    int
	qualityAdapted  []domain.DegradationPreference
	connectedEvents int
}

func (m *countingMetrics) SessionStarted(domain.SessionRole) { m.inc(&m.started) }
func (m *countingMetrics) SessionEnded(domain.SessionRole)   { m.inc(&m.ended) }
func (m *countingMetrics) StateChanged(from, to domain.SessionState) {
}
func (m *countingMetrics) Connected(domain.SessionRole, time.Duration) { m.inc(&m.connectedEvents) }
func (m *countingMetrics) RestartIssued(domain.SessionRole)            { m.inc(&m.restarts) }
func (m *countingMetrics) SessionFailed(domain.SessionRole)            { m.inc(&m.failed) }
func (m *countingMetrics) CandidateBuffered()                          { m.inc(&m.buffered) }

func (m *countingMetrics) CandidateApplyFailed(dropped bool) {
	if dropped {
		m.inc(&m.applyDropped)
		return
	}
	m.inc(&m.applyRetried)
}

func (m *countingMetrics) QualityAdapted(pref domain.DegradationPreference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.qualityAdapted = append(m.qualityAdapted, pref)
}

func (m *countingMetrics) inc(field *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field++
}

func (m *countingMetrics) get(field *int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *field
}

// eventLog collects observer callbacks in the order they happen.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) count(event string) int {
	n := 0
	for _, e := range l.all() {
		if e == event {
			n++
		}
	}
	return n
}

func (l *eventLog) index(event string) int {
	for i, e := range l.all() {
		if e == event {
			return i
		}
	}
	return -1
}

func (l *eventLog) observer() ports.Observer {
	return ports.Observer{
		OnParticipantJoined: func(id domain.ParticipantID, stream *domain.RemoteStream) {
			l.add("joined:%s", id)
		},
		OnParticipantLeft: func(id domain.ParticipantID) {
			l.add("left:%s", id)
		},
		OnHandRaiseUpdate: func(id domain.ParticipantID, raised bool) {
			l.add("hand:%s:%t", id, raised)
		},
		OnAudioStateUpdate: func(id domain.ParticipantID, enabled bool) {
			l.add("audio:%s:%t", id, enabled)
		},
	}
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		ConnectTimeout:        time.Minute,
		ReconnectWindow:       time.Minute,
		Reconnect:             retry.Fixed(1, 0),
		ICEApply:              retry.Fixed(1, 10*time.Millisecond),
		SignalingWrite:        retry.Fixed(2, 5*time.Millisecond),
		QualitySampleInterval: 0,
	}
}

func testStream(prefix string) (*domain.LocalStream, *fakeTrack, *fakeTrack) {
	audio := newFakeTrack(prefix+"-audio", domain.TrackKindAudio)
	video := newFakeTrack(prefix+"-video", domain.TrackKindVideo)
	return domain.NewLocalStream(prefix, audio, video), audio, video
}

type coordinatorFixture struct {
	coordinator *SessionCoordinator
	factory     *fakeFactory
	metrics     *countingMetrics
	log         *eventLog
	audio       *fakeTrack
	video       *fakeTrack
	stream      *domain.LocalStream
}

func newFixture(t *testing.T, store ports.SignalingChannel, role domain.Role, cfg SessionConfig, devices ports.MediaDevices) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		factory: newFakeFactory(string(role)),
		metrics: &countingMetrics{},
		log:     &eventLog{},
	}
	f.stream, f.audio, f.video = testStream(string(role))

	c, err := NewSessionCoordinator(CoordinatorOptions{
		Role:      role,
		Signaling: store,
		Transport: f.factory,
		Devices:   devices,
		Bandwidth: DefaultBandwidthPolicy(),
		Metrics:   f.metrics,
		Observer:  f.log.observer(),
		Config:    CoordinatorConfig{RootCollection: "classrooms", Session: cfg},
	})
	require.NoError(t, err)
	f.coordinator = c
	t.Cleanup(func() { _ = c.Cleanup(context.Background()) })
	return f
}

func newStore(t *testing.T) *memory.MemorySignalingChannel {
	t.Helper()
	store := memory.NewMemorySignalingChannel()
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// simulateParticipant writes a participant record carrying an offer, as a
// joining participant would, without running a participant coordinator.
func simulateParticipant(t *testing.T, store ports.SignalingChannel, roomID domain.RoomID, id domain.ParticipantID) string {
	t.Helper()
	paths := roomPaths{root: "classrooms", room: roomID}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP("sim-"+string(id), 1)}
	doc, err := domain.NewDocument(domain.Participant{
		Role:           domain.RoleParticipant,
		Offer:          &offer,
		IsAudioEnabled: true,
		JoinedAt:       time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), paths.Participant(id), doc))
	return paths.Participant(id)
}

func sessionState(c *SessionCoordinator, id domain.ParticipantID) domain.SessionState {
	for _, info := range c.Sessions() {
		if info.PeerID == id {
			return info.State
		}
	}
	return ""
}

func recordField(t *testing.T, store ports.SignalingChannel, path, field string) *webrtc.SessionDescription {
	t.Helper()
	doc, err := store.Get(context.Background(), path)
	if err != nil {
		return nil
	}
	return descriptionField(doc, field)
}
