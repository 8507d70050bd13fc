package webrtc

import (
	"context"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/pkg/utils"
)

// TrackSource creates the local tracks of one endpoint. Capture pipelines
// write RTP into the tracks it hands out.
type TrackSource struct {
	streamID string
}

var _ ports.MediaDevices = (*TrackSource)(nil)

func NewTrackSource(streamID string) *TrackSource {
	if streamID == "" {
		streamID = utils.GenerateID("stream")
	}
	return &TrackSource{streamID: streamID}
}

func (s *TrackSource) AcquireAudioTrack(ctx context.Context) (domain.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := NewLocalTrack(domain.TrackKindAudio, utils.GenerateID("audio"), s.streamID)
	if err != nil {
		return nil, err
	}
	return track, nil
}

func (s *TrackSource) AcquireVideoTrack(ctx context.Context) (*LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewLocalTrack(domain.TrackKindVideo, utils.GenerateID("video"), s.streamID)
}

// LocalStream acquires one audio and one camera track.
func (s *TrackSource) LocalStream(ctx context.Context) (*domain.LocalStream, error) {
	audio, err := s.AcquireAudioTrack(ctx)
	if err != nil {
		return nil, err
	}
	video, err := s.AcquireVideoTrack(ctx)
	if err != nil {
		return nil, err
	}
	return domain.NewLocalStream(s.streamID, audio, video), nil
}
