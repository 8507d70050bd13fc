package webrtc

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"classmesh/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// LocalTrack is a domain.LocalTrack fed with RTP by a capture pipeline. A
// disabled track drops packets; a stopped track rejects them.
type LocalTrack struct {
	kind domain.TrackKind
	rtp  *webrtc.TrackLocalStaticRTP
	gate *keyframeGate

	enabled     atomic.Bool
	ended       atomic.Bool
	bytesSent   atomic.Uint64
	packetsSent atomic.Uint64

	mu      sync.Mutex
	onEnded func()
	pref    domain.DegradationPreference
}

var _ domain.LocalTrack = (*LocalTrack)(nil)

func NewLocalTrack(kind domain.TrackKind, id, streamID string) (*LocalTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	var gate *keyframeGate
	if kind == domain.TrackKindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		gate = &keyframeGate{}
	}

	track, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	t := &LocalTrack{kind: kind, rtp: track, gate: gate, pref: domain.DegradationBalanced}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string             { return t.rtp.ID() }
func (t *LocalTrack) Kind() domain.TrackKind { return t.kind }
func (t *LocalTrack) Enabled() bool          { return t.enabled.Load() }
func (t *LocalTrack) Ended() bool            { return t.ended.Load() }

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *LocalTrack) Stop() {
	t.ended.Store(true)
}

func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

// End marks the track as terminated by its source, firing the ended
// callback once. It does nothing after Stop.
func (t *LocalTrack) End() {
	if !t.ended.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// WriteRTP sends one packet to every sender bound to the track.
func (t *LocalTrack) WriteRTP(packet *rtp.Packet) error {
	if t.ended.Load() {
		return io.ErrClosedPipe
	}
	if !t.enabled.Load() {
		return nil
	}
	if t.gate != nil && !t.gate.admit(packet) {
		return nil
	}
	if err := t.rtp.WriteRTP(packet); err != nil {
		return err
	}
	t.bytesSent.Add(uint64(packet.MarshalSize()))
	t.packetsSent.Add(1)
	return nil
}

func (t *LocalTrack) BytesSent() uint64   { return t.bytesSent.Load() }
func (t *LocalTrack) PacketsSent() uint64 { return t.packetsSent.Load() }

// DegradationPreference is the encoder hint last chosen for this track.
func (t *LocalTrack) DegradationPreference() domain.DegradationPreference {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pref
}

func (t *LocalTrack) setDegradationPreference(pref domain.DegradationPreference) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pref = pref
}

func (t *LocalTrack) requireKeyframe() {
	if t.gate != nil {
		t.gate.arm()
	}
}
