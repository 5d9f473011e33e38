package mocks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/zlnvch/studysync/media"
	"github.com/zlnvch/studysync/models"
	"github.com/zlnvch/studysync/signaling"
)

// FakePeer simulates a peer connection. It emits one local candidate per
// local description and reports Connected once both descriptions are set.
// Remote descriptions mentioning tracks produce remote track events.
type FakePeer struct {
	Name string
	// FailOffer makes CreateOffer fail.
	FailOffer bool

	mu             sync.Mutex
	local          *signaling.Description
	remote         *signaling.Description
	tracks         []media.LocalTrack
	remoteSets     int
	candidates     []models.Candidate
	closed         bool
	connected      bool
	holdConnected  bool
	onCandidate    func(models.Candidate)
	onState        func(signaling.ConnectionState)
	onRemoteTrack  func(media.RemoteTrack)
	onRemotePacket func(string, []byte)
}

func NewFakePeer(name string) *FakePeer {
	return &FakePeer{Name: name}
}

// HoldConnection keeps the fake from ever reporting Connected.
func (p *FakePeer) HoldConnection() {
	p.mu.Lock()
	p.holdConnected = true
	p.mu.Unlock()
}

func (p *FakePeer) sdp(kind string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	parts := []string{kind + ":" + p.Name}
	for _, t := range p.tracks {
		parts = append(parts, "m="+string(t.Kind())+":"+t.Id())
	}
	return strings.Join(parts, "\n")
}

func (p *FakePeer) CreateOffer(ctx context.Context) (signaling.Description, error) {
	if p.FailOffer {
		return signaling.Description{}, errors.New("fake offer failure")
	}
	return signaling.Description{Type: signaling.DescriptionOffer, SDP: p.sdp("offer")}, nil
}

func (p *FakePeer) CreateAnswer(ctx context.Context) (signaling.Description, error) {
	return signaling.Description{Type: signaling.DescriptionAnswer, SDP: p.sdp("answer")}, nil
}

func (p *FakePeer) SetLocalDescription(ctx context.Context, d signaling.Description) error {
	p.mu.Lock()
	first := p.local == nil
	p.local = &d
	onCandidate := p.onCandidate
	p.mu.Unlock()

	if first && onCandidate != nil {
		go onCandidate(models.Candidate{Candidate: "candidate:" + p.Name})
	}
	p.maybeConnect()
	return nil
}

func (p *FakePeer) SetRemoteDescription(ctx context.Context, d signaling.Description) error {
	p.mu.Lock()
	p.remote = &d
	p.remoteSets++
	onRemoteTrack := p.onRemoteTrack
	p.mu.Unlock()

	if onRemoteTrack != nil {
		for _, line := range strings.Split(d.SDP, "\n") {
			if !strings.HasPrefix(line, "m=") {
				continue
			}
			fields := strings.SplitN(strings.TrimPrefix(line, "m="), ":", 2)
			if len(fields) == 2 {
				onRemoteTrack(media.RemoteTrack{Id: fields[1], StreamId: "stream", Kind: media.TrackKind(fields[0])})
			}
		}
	}
	p.maybeConnect()
	return nil
}

func (p *FakePeer) maybeConnect() {
	p.mu.Lock()
	ready := p.local != nil && p.remote != nil && !p.connected && !p.closed && !p.holdConnected
	if ready {
		p.connected = true
	}
	onState := p.onState
	p.mu.Unlock()

	if ready && onState != nil {
		go onState(signaling.ConnectionConnected)
	}
}

func (p *FakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *FakePeer) AddRemoteCandidate(c models.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *FakePeer) OnLocalCandidate(fn func(models.Candidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *FakePeer) OnConnectionState(fn func(signaling.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *FakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *FakePeer) AddLocalTrack(track media.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *FakePeer) OnRemoteTrack(fn func(media.RemoteTrack)) {
	p.mu.Lock()
	p.onRemoteTrack = fn
	p.mu.Unlock()
}

func (p *FakePeer) OnRemotePacket(fn func(string, []byte)) {
	p.mu.Lock()
	p.onRemotePacket = fn
	p.mu.Unlock()
}

// Deliver pushes a packet as if it arrived on a remote track.
func (p *FakePeer) Deliver(trackId string, packet []byte) {
	p.mu.Lock()
	fn := p.onRemotePacket
	p.mu.Unlock()
	if fn != nil {
		fn(trackId, packet)
	}
}

func (p *FakePeer) RemoteSets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets
}

func (p *FakePeer) RemoteCandidates() []models.Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Candidate(nil), p.candidates...)
}

func (p *FakePeer) Remote() *signaling.Description {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *FakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// FakePeerFactory hands out FakePeers and remembers them.
type FakePeerFactory struct {
	Name      string
	Hold      bool
	FailOffer bool

	mu    sync.Mutex
	peers []*FakePeer
}

func (f *FakePeerFactory) NewPeer() (media.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := NewFakePeer(f.Name)
	p.FailOffer = f.FailOffer
	if f.Hold {
		p.HoldConnection()
	}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *FakePeerFactory) Last() *FakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type FakeTrack struct {
	TrackId   string
	TrackKind media.TrackKind

	mu      sync.Mutex
	Samples [][]byte
}

func (t *FakeTrack) Id() string            { return t.TrackId }
func (t *FakeTrack) Kind() media.TrackKind { return t.TrackKind }

func (t *FakeTrack) WriteSample(data []byte, duration time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Samples = append(t.Samples, data)
	return nil
}

type FakeCapture struct {
	LocalTracks []media.LocalTrack

	mu       sync.Mutex
	released bool
}

func (c *FakeCapture) Tracks() []media.LocalTrack { return c.LocalTracks }

func (c *FakeCapture) Release() {
	c.mu.Lock()
	c.released = true
	c.mu.Unlock()
}

func (c *FakeCapture) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// FakeCapturer grants capture unless Deny is set.
type FakeCapturer struct {
	Deny bool

	mu       sync.Mutex
	captures []*FakeCapture
}

// SetPermission mirrors the user granting or refusing capture.
func (c *FakeCapturer) SetPermission(granted bool) {
	c.mu.Lock()
	c.Deny = !granted
	c.mu.Unlock()
}

func (c *FakeCapturer) Acquire(ctx context.Context) (media.Capture, error) {
	c.mu.Lock()
	deny := c.Deny
	c.mu.Unlock()
	if deny {
		return nil, media.ErrCaptureDenied
	}
	capture := &FakeCapture{LocalTracks: []media.LocalTrack{
		&FakeTrack{TrackId: "screen", TrackKind: media.TrackVideo},
		&FakeTrack{TrackId: "audio", TrackKind: media.TrackAudio},
	}}
	c.mu.Lock()
	c.captures = append(c.captures, capture)
	c.mu.Unlock()
	return capture, nil
}

func (c *FakeCapturer) Last() *FakeCapture {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.captures) == 0 {
		return nil
	}
	return c.captures[len(c.captures)-1]
}
