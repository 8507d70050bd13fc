package services

import (
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mediaSection(t *testing.T, raw, kind string) *sdp.MediaDescription {
	t.Helper()
	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal([]byte(raw)))
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media == kind {
			return media
		}
	}
	t.Fatalf("no %s section", kind)
	return nil
}

func bandwidthOf(media *sdp.MediaDescription, kind string) uint64 {
	for _, bw := range media.Bandwidth {
		if bw.Type == kind {
			return bw.Bandwidth
		}
	}
	return 0
}

func TestBandwidthPolicy_ShapeOffer(t *testing.T) {
	shaped, err := DefaultBandwidthPolicy().ShapeOffer(fakeSDP("shape", 1))
	require.NoError(t, err)

	video := mediaSection(t, shaped, "video")
	assert.Equal(t, uint64(3500), bandwidthOf(video, "AS"))
	assert.Equal(t, uint64(3_500_000), bandwidthOf(video, "TIAS"))
	assert.Equal(t, []string{"98", "96"}, video.MediaName.Formats)

	audio := mediaSection(t, shaped, "audio")
	assert.Equal(t, uint64(128), bandwidthOf(audio, "AS"))
	assert.Equal(t, uint64(128_000), bandwidthOf(audio, "TIAS"))
	assert.Equal(t, []string{"111", "0"}, audio.MediaName.Formats)
}

func TestBandwidthPolicy_ReplacesExistingLimits(t *testing.T) {
	videoLine := "m=video 9 UDP/TLS/RTP/SAVPF 96 98\r\nc=IN IP4 0.0.0.0"
	raw := strings.Replace(fakeSDP("limits", 1), videoLine, videoLine+"\r\nb=AS:9000", 1)
	policy := NewSDPBandwidthPolicy(1000, 0, nil, nil)

	shaped, err := policy.ShapeOffer(raw)
	require.NoError(t, err)

	video := mediaSection(t, shaped, "video")
	assert.Equal(t, uint64(1000), bandwidthOf(video, "AS"))
	assert.Len(t, video.Bandwidth, 2)
	// Unset preferences leave the audio section alone.
	audio := mediaSection(t, shaped, "audio")
	assert.Empty(t, audio.Bandwidth)
	assert.Equal(t, []string{"0", "111"}, audio.MediaName.Formats)
}

func TestBandwidthPolicy_UnparseableOfferPassesThrough(t *testing.T) {
	raw := "not a session description"
	shaped, err := DefaultBandwidthPolicy().ShapeOffer(raw)
	assert.Error(t, err)
	assert.Equal(t, raw, shaped)
}
