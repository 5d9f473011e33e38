package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/zlnvch/studysync/media"
)

var errTrackReleased = errors.New("track released")

// SampleTrack is a capture track fed with already encoded samples from the
// hosting UI.
type SampleTrack struct {
	track    *webrtc.TrackLocalStaticSample
	kind     media.TrackKind
	released atomic.Bool
}

func (t *SampleTrack) Id() string {
	return t.track.ID()
}

func (t *SampleTrack) Kind() media.TrackKind {
	return t.kind
}

func (t *SampleTrack) WriteSample(data []byte, duration time.Duration) error {
	if t.released.Load() {
		return errTrackReleased
	}
	return t.track.WriteSample(pionmedia.Sample{
		Data:     data,
		Duration: duration,
	})
}

type sampleCapture struct {
	tracks []media.LocalTrack
}

func (c *sampleCapture) Tracks() []media.LocalTrack {
	return c.tracks
}

func (c *sampleCapture) Release() {
	for _, t := range c.tracks {
		t.(*SampleTrack).released.Store(true)
	}
}

// ScreenCapturer hands out a VP8 screen track and an Opus audio track once
// the hosting UI reports that the user granted capture.
type ScreenCapturer struct {
	streamId string

	mu      sync.Mutex
	granted bool
}

func NewScreenCapturer(streamId string) *ScreenCapturer {
	return &ScreenCapturer{streamId: streamId}
}

func (c *ScreenCapturer) SetPermission(granted bool) {
	c.mu.Lock()
	c.granted = granted
	c.mu.Unlock()
}

func (c *ScreenCapturer) Acquire(ctx context.Context) (media.Capture, error) {
	c.mu.Lock()
	granted := c.granted
	c.mu.Unlock()
	if !granted {
		return nil, media.ErrCaptureDenied
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen",
		c.streamId,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		c.streamId,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	return &sampleCapture{tracks: []media.LocalTrack{
		&SampleTrack{track: video, kind: media.TrackVideo},
		&SampleTrack{track: audio, kind: media.TrackAudio},
	}}, nil
}
