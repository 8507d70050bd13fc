package domain

import "sync"

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// MediaTrack is the minimal view shared by local and remote tracks.
type MediaTrack interface {
	ID() string
	Kind() TrackKind
}

// LocalTrack is a track produced on this side of the session.
type LocalTrack interface {
	MediaTrack
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop ends the track permanently. It does not fire the ended callback.
	Stop()
	Ended() bool
	// OnEnded registers a callback for unexpected termination.
	OnEnded(fn func())
}

// LocalStream is the set of tracks the local side publishes.
type LocalStream struct {
	ID string

	mu     sync.RWMutex
	tracks []LocalTrack
}

func NewLocalStream(id string, tracks ...LocalTrack) *LocalStream {
	return &LocalStream{ID: id, tracks: tracks}
}

func (s *LocalStream) Tracks() []LocalTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *LocalStream) AudioTracks() []LocalTrack { return s.byKind(TrackKindAudio) }
func (s *LocalStream) VideoTracks() []LocalTrack { return s.byKind(TrackKindVideo) }

func (s *LocalStream) byKind(kind TrackKind) []LocalTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LocalTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *LocalStream) AddTrack(t LocalTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// ReplaceTrack swaps old for replacement in place, keeping track order.
func (s *LocalStream) ReplaceTrack(old, replacement LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t == old {
			s.tracks[i] = replacement
			return nil
		}
	}
	return ErrTrackNotFound
}

// Stop stops every track in the stream.
func (s *LocalStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// RemoteStream collects the tracks received from one remote peer.
type RemoteStream struct {
	ID string

	mu     sync.RWMutex
	tracks []MediaTrack
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{ID: id}
}

func (s *RemoteStream) AddTrack(t MediaTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) Tracks() []MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MediaTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}
