package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zlnvch/studysync/signaling"
)

var ErrNotCreator = errors.New("only the session creator can share")
var ErrCaptureDenied = errors.New("screen capture denied")
var ErrNotSharing = errors.New("not sharing")

type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

// LocalTrack is an outbound capture track fed with encoded samples.
type LocalTrack interface {
	Id() string
	Kind() TrackKind
	WriteSample(data []byte, duration time.Duration) error
}

// Capture is an acquired screen and audio capture.
type Capture interface {
	Tracks() []LocalTrack
	Release()
}

// Capturer acquires capture tracks. It returns ErrCaptureDenied when the
// user or the platform refuses.
type Capturer interface {
	Acquire(ctx context.Context) (Capture, error)
}

type RemoteTrack struct {
	Id       string    `json:"id"`
	StreamId string    `json:"streamId"`
	Kind     TrackKind `json:"kind"`
}

// Peer is a peer connection able to carry media.
type Peer interface {
	signaling.Peer
	AddLocalTrack(track LocalTrack) error
	OnRemoteTrack(fn func(RemoteTrack))
	OnRemotePacket(fn func(trackId string, packet []byte))
}

type PeerFactory interface {
	NewPeer() (Peer, error)
}

// RemoteSink accumulates the tracks received from the peer and fans out their packets.
type RemoteSink struct {
	mu       sync.Mutex
	tracks   []RemoteTrack
	onPacket func(trackId string, packet []byte)
}

func (s *RemoteSink) Add(track RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Id == track.Id {
			return
		}
	}
	s.tracks = append(s.tracks, track)
}

func (s *RemoteSink) Tracks() []RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RemoteTrack(nil), s.tracks...)
}

func (s *RemoteSink) Clear() {
	s.mu.Lock()
	s.tracks = nil
	s.mu.Unlock()
}

func (s *RemoteSink) OnPacket(fn func(trackId string, packet []byte)) {
	s.mu.Lock()
	s.onPacket = fn
	s.mu.Unlock()
}

func (s *RemoteSink) deliver(trackId string, packet []byte) {
	s.mu.Lock()
	fn := s.onPacket
	s.mu.Unlock()
	if fn != nil {
		fn(trackId, packet)
	}
}
