package services

import (
	"context"
	"errors"
	"testing"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/internal/infrastructure/signaling/memory"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mediaFixture struct {
	*coordinatorFixture
	store *memory.MemorySignalingChannel
	pcs   []*fakePeerConnection
}

// hostWithParticipants creates a room and lets simulated participants reach
// the host. Peer connections are listed in creation order.
func hostWithParticipants(t *testing.T, devices ports.MediaDevices, ids ...domain.ParticipantID) *mediaFixture {
	t.Helper()
	store := newStore(t)
	f := newFixture(t, store, domain.RoleHost, testSessionConfig(), devices)

	roomID, err := f.coordinator.CreateRoom(context.Background(), "media-room", f.stream)
	require.NoError(t, err)

	for _, id := range ids {
		simulateParticipant(t, store, roomID, id)
	}
	require.Eventually(t, func() bool {
		return len(f.coordinator.Sessions()) == len(ids) && f.factory.count() == len(ids)
	}, waitFor, tick)

	m := &mediaFixture{coordinatorFixture: f, store: store}
	for i := 0; i < f.factory.count(); i++ {
		m.pcs = append(m.pcs, f.factory.pc(i))
	}
	// Senders are attached when the session starts.
	require.Eventually(t, func() bool {
		return len(sendersOf(m.pcs, domain.TrackKindAudio)) == len(ids) &&
			len(sendersOf(m.pcs, domain.TrackKindVideo)) == len(ids)
	}, waitFor, tick)
	return m
}

func sendersOf(pcs []*fakePeerConnection, kind domain.TrackKind) []*fakeSender {
	var out []*fakeSender
	for _, pc := range pcs {
		out = append(out, pc.fakeSenders(kind)...)
	}
	return out
}

func TestMedia_AudioToggleReachesEverySender(t *testing.T) {
	f := hostWithParticipants(t, nil, "p1", "p2")
	media := f.coordinator.Media()

	require.NoError(t, f.coordinator.UpdateAudioState(context.Background(), false))
	assert.False(t, media.AudioEnabled())
	assert.False(t, f.audio.Enabled())
	for _, sender := range sendersOf(f.pcs, domain.TrackKindAudio) {
		assert.False(t, sender.Track().Enabled())
	}

	require.NoError(t, f.coordinator.UpdateAudioState(context.Background(), true))
	assert.True(t, f.audio.Enabled())
	for _, sender := range sendersOf(f.pcs, domain.TrackKindAudio) {
		assert.True(t, sender.Track().Enabled())
	}
	// Video is untouched by the audio flag.
	assert.True(t, f.video.Enabled())
}

func TestMedia_ScreenShareRestoresOriginalByIdentity(t *testing.T) {
	f := hostWithParticipants(t, nil, "p1", "p2")
	screen := newFakeTrack("screen", domain.TrackKindVideo)

	require.NoError(t, f.coordinator.StartScreenShare(screen))
	assert.True(t, f.coordinator.Media().Sharing())
	for _, sender := range sendersOf(f.pcs, domain.TrackKindVideo) {
		assert.Same(t, screen, sender.Track())
	}

	require.NoError(t, f.coordinator.StopScreenShare())
	assert.False(t, f.coordinator.Media().Sharing())
	for _, sender := range sendersOf(f.pcs, domain.TrackKindVideo) {
		assert.Same(t, f.video, sender.Track())
	}
	assert.True(t, screen.Stopped())
	assert.False(t, f.video.Stopped())

	// A second stop is a no-op.
	require.NoError(t, f.coordinator.StopScreenShare())
}

func TestMedia_SessionCreatedWhileSharingSendsSharedTrack(t *testing.T) {
	f := hostWithParticipants(t, nil, "p1")
	screen := newFakeTrack("screen", domain.TrackKindVideo)
	require.NoError(t, f.coordinator.StartScreenShare(screen))

	simulateParticipant(t, f.store, "media-room", "p2")
	require.Eventually(t, func() bool { return f.factory.count() == 2 }, waitFor, tick)
	late := f.factory.pc(1)
	require.Eventually(t, func() bool {
		return len(late.fakeSenders(domain.TrackKindVideo)) == 1
	}, waitFor, tick)
	assert.Same(t, screen, late.fakeSenders(domain.TrackKindVideo)[0].Track())

	require.NoError(t, f.coordinator.StopScreenShare())
	assert.Same(t, f.video, late.fakeSenders(domain.TrackKindVideo)[0].Track())
}

func TestMedia_SharedTrackEndRestoresCamera(t *testing.T) {
	f := hostWithParticipants(t, nil, "p1")
	screen := newFakeTrack("screen", domain.TrackKindVideo)
	require.NoError(t, f.coordinator.StartScreenShare(screen))

	screen.End()

	assert.False(t, f.coordinator.Media().Sharing())
	for _, sender := range sendersOf(f.pcs, domain.TrackKindVideo) {
		assert.Same(t, f.video, sender.Track())
	}
}

func TestMedia_ScreenShareWithoutStream(t *testing.T) {
	media := NewMediaTrackController(staticSessions(nil), nil, nil, 0, nil)
	err := media.ReplaceVideoTrack(newFakeTrack("screen", domain.TrackKindVideo))
	assert.ErrorIs(t, err, domain.ErrTrackNotFound)
}

func TestMedia_EndedAudioTrackIsReplaced(t *testing.T) {
	devices := &mockDevices{}
	replacement := newFakeTrack("audio-2", domain.TrackKindAudio)
	devices.On("AcquireAudioTrack", mock.Anything).Return(replacement, nil).Once()

	f := hostWithParticipants(t, devices, "p1")
	f.coordinator.Media().SetAudioEnabled(false)

	f.audio.End()

	devices.AssertExpectations(t)
	assert.False(t, replacement.Enabled())
	for _, sender := range sendersOf(f.pcs, domain.TrackKindAudio) {
		assert.Same(t, replacement, sender.Track())
	}
	assert.Equal(t, []domain.LocalTrack{replacement}, f.stream.AudioTracks())
}

func TestMedia_AudioReplacementFailureKeepsSenders(t *testing.T) {
	devices := &mockDevices{}
	devices.On("AcquireAudioTrack", mock.Anything).Return(nil, errors.New("no microphone")).Once()

	f := hostWithParticipants(t, devices, "p1")
	f.audio.End()

	devices.AssertExpectations(t)
	for _, sender := range sendersOf(f.pcs, domain.TrackKindAudio) {
		assert.Same(t, f.audio, sender.Track())
	}
}

func TestMedia_SampleQualityAdjustsConnectedSenders(t *testing.T) {
	f := hostWithParticipants(t, nil, "p1")
	pc := f.pcs[0]
	pc.emitState(webrtc.PeerConnectionStateConnected)
	require.Eventually(t, func() bool {
		return sessionState(f.coordinator, "p1") == domain.StateConnected
	}, waitFor, tick)

	video := pc.fakeSenders(domain.TrackKindVideo)[0]
	audio := pc.fakeSenders(domain.TrackKindAudio)[0]

	tests := []struct {
		name     string
		stats    domain.SenderStats
		expected domain.DegradationPreference
	}{
		{
			name:     "high loss favours framerate",
			stats:    domain.SenderStats{LossRate: 0.2, BitrateBps: 3_000_000},
			expected: domain.DegradationMaintainFramerate,
		},
		{
			name:     "clean high bitrate favours resolution",
			stats:    domain.SenderStats{LossRate: 0.01, BitrateBps: 2_500_000},
			expected: domain.DegradationMaintainResolution,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			video.setStats(tt.stats, nil)
			audio.setStats(domain.SenderStats{}, errors.New("stats unavailable"))

			f.coordinator.Media().SampleQuality(context.Background())

			assert.Equal(t, tt.expected, video.preference())
			assert.Empty(t, audio.preference())
		})
	}

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	assert.Equal(t, []domain.DegradationPreference{domain.DegradationMaintainFramerate, domain.DegradationMaintainResolution}, f.metrics.qualityAdapted)
}

func TestMedia_SampleQualitySkipsUnconnectedSessions(t *testing.T) {
	f := hostWithParticipants(t, nil, "p1")
	video := f.pcs[0].fakeSenders(domain.TrackKindVideo)[0]
	video.setStats(domain.SenderStats{LossRate: 0.5}, nil)

	f.coordinator.Media().SampleQuality(context.Background())
	assert.Empty(t, video.preference())
}

func TestMedia_StopStopsCameraWhileSharing(t *testing.T) {
	f := hostWithParticipants(t, nil, "p1")
	screen := newFakeTrack("screen", domain.TrackKindVideo)
	require.NoError(t, f.coordinator.StartScreenShare(screen))

	f.coordinator.Media().Stop()

	assert.True(t, screen.Stopped())
	assert.True(t, f.video.Stopped())
	assert.True(t, f.audio.Stopped())
}

type staticSessions []*PeerSession

func (s staticSessions) liveSessions() []*PeerSession { return s }
