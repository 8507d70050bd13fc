package webrtc

import (
	"sync"

	"github.com/pion/rtp"
)

// keyframeGate holds back video packets after a sender switches to a track
// until a keyframe arrives, so the receiver's decoder restarts cleanly.
type keyframeGate struct {
	mu      sync.Mutex
	waiting bool
}

// arm makes the gate drop packets until the next keyframe.
func (g *keyframeGate) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waiting = true
}

func (g *keyframeGate) admit(packet *rtp.Packet) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.waiting {
		return true
	}
	if isKeyframe(packet.Payload) {
		g.waiting = false
		return true
	}
	return false
}

// isKeyframe reports whether an RTP payload starts a VP8 or H.264 keyframe.
func isKeyframe(payload []byte) bool {
	return isVP8Keyframe(payload) || isH264Keyframe(payload)
}

// isVP8Keyframe parses the VP8 payload descriptor (RFC 7741 section 4.2)
// and checks the P bit of the first partition.
func isVP8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	first := payload[0]
	start := first&0x10 != 0
	partition := first & 0x07
	if !start || partition != 0 {
		return false
	}

	offset := 1
	if first&0x80 != 0 {
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		offset++
		if ext&0x80 != 0 { // I: picture id
			if len(payload) <= offset {
				return false
			}
			if payload[offset]&0x80 != 0 {
				offset += 2
			} else {
				offset++
			}
		}
		if ext&0x40 != 0 { // L: TL0PICIDX
			offset++
		}
		if ext&0x20 != 0 || ext&0x10 != 0 { // T or K
			offset++
		}
	}
	if len(payload) <= offset {
		return false
	}
	return payload[offset]&0x01 == 0
}

const (
	h264NALIDR   = 5
	h264NALSPS   = 7
	h264NALStapA = 24
	h264NALFUA   = 28
)

func isH264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	switch nal := payload[0] & 0x1F; nal {
	case h264NALIDR, h264NALSPS:
		return true
	case h264NALStapA:
		for offset := 1; offset+2 < len(payload); {
			size := int(payload[offset])<<8 | int(payload[offset+1])
			offset += 2
			if offset >= len(payload) {
				return false
			}
			if t := payload[offset] & 0x1F; t == h264NALIDR || t == h264NALSPS {
				return true
			}
			offset += size
		}
	case h264NALFUA:
		if len(payload) < 2 {
			return false
		}
		header := payload[1]
		return header&0x80 != 0 && header&0x1F == h264NALIDR
	}
	return false
}
