package webrtc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFactory(t *testing.T) *PeerConnectionFactory {
	t.Helper()
	factory, err := NewPeerConnectionFactory(Config{}, nil)
	require.NoError(t, err)
	return factory
}

func newTestPeer(t *testing.T, factory *PeerConnectionFactory) *PeerConnection {
	t.Helper()
	pc, err := factory.NewPeerConnection()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc.(*PeerConnection)
}

func iceUfrag(sdp string) string {
	for _, line := range strings.Split(sdp, "\r\n") {
		if strings.HasPrefix(line, "a=ice-ufrag:") {
			return strings.TrimPrefix(line, "a=ice-ufrag:")
		}
	}
	return ""
}

func TestPeerConnectionFactory_PortRange(t *testing.T) {
	cfg := Config{}
	cfg.PortRange.Min = 50000
	cfg.PortRange.Max = 40000
	_, err := NewPeerConnectionFactory(cfg, nil)
	assert.Error(t, err)
}

func TestPeerConnection_RejectsForeignTracks(t *testing.T) {
	pc := newTestPeer(t, newTestFactory(t))
	_, err := pc.AddTrack(foreignTrack{})
	assert.ErrorIs(t, err, ErrUnsupportedTrack)
}

func TestPeerConnection_RestartOfferChangesCredentials(t *testing.T) {
	pc := newTestPeer(t, newTestFactory(t))
	audio, err := NewLocalTrack(domain.TrackKindAudio, "mic", "stream-1")
	require.NoError(t, err)
	_, err = pc.AddTrack(audio)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(false)
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=audio")
	require.NoError(t, pc.SetLocalDescription(offer))

	restart, err := pc.CreateOffer(true)
	require.NoError(t, err)
	assert.NotEmpty(t, iceUfrag(restart.SDP))
	assert.NotEqual(t, iceUfrag(offer.SDP), iceUfrag(restart.SDP))
}

func TestPeerConnection_LoopbackHandshake(t *testing.T) {
	if testing.Short() {
		t.Skip("opens local UDP sockets")
	}
	factory := newTestFactory(t)
	offerer := newTestPeer(t, factory)
	answerer := newTestPeer(t, factory)

	audio, err := NewLocalTrack(domain.TrackKindAudio, "mic", "stream-1")
	require.NoError(t, err)
	_, err = offerer.AddTrack(audio)
	require.NoError(t, err)

	// Candidates are held until both descriptions are in place.
	toAnswerer := make(chan webrtc.ICECandidateInit, 64)
	toOfferer := make(chan webrtc.ICECandidateInit, 64)
	offerer.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c != nil {
			toAnswerer <- *c
		}
	})
	answerer.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c != nil {
			toOfferer <- *c
		}
	})

	states := make(chan webrtc.PeerConnectionState, 16)
	answerer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { states <- s })

	var once sync.Once
	tracks := make(chan domain.MediaTrack, 1)
	answerer.OnTrack(func(track domain.MediaTrack) {
		once.Do(func() { tracks <- track })
	})

	offer, err := offerer.CreateOffer(false)
	require.NoError(t, err)
	require.NoError(t, offerer.SetLocalDescription(offer))
	require.NoError(t, answerer.SetRemoteDescription(offer))
	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, answerer.SetLocalDescription(answer))
	require.NoError(t, offerer.SetRemoteDescription(answer))
	go trickle(answerer, toAnswerer)
	go trickle(offerer, toOfferer)

	deadline := time.After(10 * time.Second)
	for connected := false; !connected; {
		select {
		case s := <-states:
			connected = s == webrtc.PeerConnectionStateConnected
		case <-deadline:
			t.Fatal("peers did not connect")
		}
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for seq := uint16(0); ; seq++ {
		select {
		case track := <-tracks:
			assert.Equal(t, domain.TrackKindAudio, track.Kind())
			assert.Equal(t, "mic", track.ID())
			return
		case <-ticker.C:
			require.NoError(t, audio.WriteRTP(audioPacket(seq)))
		case <-deadline:
			t.Fatal("remote track never arrived")
		}
	}
}

func TestSender_StatsFromReportsAndBytes(t *testing.T) {
	pc := newTestPeer(t, newTestFactory(t))
	audio, err := NewLocalTrack(domain.TrackKindAudio, "mic", "stream-1")
	require.NoError(t, err)
	ts, err := pc.AddTrack(audio)
	require.NoError(t, err)
	sender := ts.(*Sender)

	sender.handleRTCP([]rtcp.Packet{&rtcp.ReceiverReport{
		Reports: []rtcp.ReceptionReport{{FractionLost: 64, TotalLost: 12}},
	}})
	for i := 0; i < 10; i++ {
		require.NoError(t, audio.WriteRTP(audioPacket(uint16(i))))
	}
	time.Sleep(10 * time.Millisecond)

	stats, err := sender.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.25, stats.LossRate)
	assert.Equal(t, uint64(12), stats.PacketsLost)
	assert.Equal(t, uint64(10), stats.PacketsSent)
	assert.Equal(t, domain.TrackKindAudio, stats.Kind)
	assert.Greater(t, stats.BitrateBps, 0.0)

	require.NoError(t, sender.SetDegradationPreference(domain.DegradationMaintainFramerate))
	assert.Equal(t, domain.DegradationMaintainFramerate, audio.DegradationPreference())

	assert.Len(t, pc.Senders(), 1)
}

func TestSender_ReplaceTrack(t *testing.T) {
	pc := newTestPeer(t, newTestFactory(t))
	camera, err := NewLocalTrack(domain.TrackKindVideo, "camera", "stream-1")
	require.NoError(t, err)
	screen, err := NewLocalTrack(domain.TrackKindVideo, "screen", "stream-1")
	require.NoError(t, err)

	ts, err := pc.AddTrack(camera)
	require.NoError(t, err)
	require.NoError(t, ts.ReplaceTrack(screen))
	assert.Same(t, screen, ts.Track().(*LocalTrack))
	assert.ErrorIs(t, ts.ReplaceTrack(foreignTrack{}), ErrUnsupportedTrack)
}

func trickle(pc *PeerConnection, candidates <-chan webrtc.ICECandidateInit) {
	for c := range candidates {
		if err := pc.AddICECandidate(c); err != nil {
			return
		}
	}
}

type foreignTrack struct{}

func (foreignTrack) ID() string             { return "foreign" }
func (foreignTrack) Kind() domain.TrackKind { return domain.TrackKindAudio }
func (foreignTrack) Enabled() bool          { return true }
func (foreignTrack) SetEnabled(bool)        {}
func (foreignTrack) Stop()                  {}
func (foreignTrack) Ended() bool            { return false }
func (foreignTrack) OnEnded(func())         {}

var _ ports.TrackSender = (*Sender)(nil)
