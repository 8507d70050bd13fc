package services

import (
	"fmt"
	"sort"
	"strings"

	"classmesh/internal/core/ports"

	"github.com/pion/sdp/v3"
)

// SDPBandwidthPolicy caps per-media bitrate with b=AS and b=TIAS and moves
// preferred codecs to the front of each m= line.
type SDPBandwidthPolicy struct {
	VideoMaxKbps int
	AudioKbps    int
	VideoCodecs  []string
	AudioCodecs  []string
}

func NewSDPBandwidthPolicy(videoMaxKbps, audioKbps int, videoCodecs, audioCodecs []string) *SDPBandwidthPolicy {
	return &SDPBandwidthPolicy{
		VideoMaxKbps: videoMaxKbps,
		AudioKbps:    audioKbps,
		VideoCodecs:  videoCodecs,
		AudioCodecs:  audioCodecs,
	}
}

func DefaultBandwidthPolicy() *SDPBandwidthPolicy {
	return NewSDPBandwidthPolicy(3500, 128,
		[]string{"VP9", "H264", "VP8"},
		[]string{"opus", "G722", "PCMU", "PCMA"},
	)
}

var _ ports.BandwidthPolicy = (*SDPBandwidthPolicy)(nil)

// ShapeOffer rewrites the description. On a parse or marshal error the
// original text is returned together with the error.
func (p *SDPBandwidthPolicy) ShapeOffer(raw string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return raw, fmt.Errorf("failed to parse session description: %w", err)
	}

	for _, media := range desc.MediaDescriptions {
		switch media.MediaName.Media {
		case "video":
			setBandwidth(media, p.VideoMaxKbps)
			preferCodecs(media, p.VideoCodecs)
		case "audio":
			setBandwidth(media, p.AudioKbps)
			preferCodecs(media, p.AudioCodecs)
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return raw, fmt.Errorf("failed to marshal session description: %w", err)
	}
	return string(out), nil
}

func setBandwidth(media *sdp.MediaDescription, kbps int) {
	if kbps <= 0 {
		return
	}
	kept := media.Bandwidth[:0]
	for _, bw := range media.Bandwidth {
		if bw.Type != "AS" && bw.Type != "TIAS" {
			kept = append(kept, bw)
		}
	}
	media.Bandwidth = append(kept,
		sdp.Bandwidth{Type: "AS", Bandwidth: uint64(kbps)},
		sdp.Bandwidth{Type: "TIAS", Bandwidth: uint64(kbps) * 1000},
	)
}

func preferCodecs(media *sdp.MediaDescription, preferred []string) {
	if len(preferred) == 0 {
		return
	}

	codecs := make(map[string]string)
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		// rtpmap:<payload> <name>/<clock>[/<channels>]
		fields := strings.Fields(attr.Value)
		if len(fields) != 2 {
			continue
		}
		codecs[fields[0]] = strings.ToLower(strings.SplitN(fields[1], "/", 2)[0])
	}

	rank := func(payload string) int {
		name, ok := codecs[payload]
		if !ok {
			return len(preferred)
		}
		for i, codec := range preferred {
			if strings.EqualFold(codec, name) {
				return i
			}
		}
		return len(preferred)
	}

	sort.SliceStable(media.MediaName.Formats, func(i, j int) bool {
		return rank(media.MediaName.Formats[i]) < rank(media.MediaName.Formats[j])
	})
}
