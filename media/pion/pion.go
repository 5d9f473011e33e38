package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/media"
	"github.com/zlnvch/studysync/models"
	"github.com/zlnvch/studysync/signaling"
)

// ICE servers for NAT traversal
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

var errForeignTrack = errors.New("track was not created by this package")

// ICEConfig holds ICE server configuration
type ICEConfig struct {
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// PeerFactory creates pion peer connections sharing one ICE configuration.
type PeerFactory struct {
	config webrtc.Configuration
}

func NewPeerFactory(iceConfig ICEConfig) *PeerFactory {
	iceServers := make([]webrtc.ICEServer, 0)

	if !iceConfig.ForceRelay {
		iceServers = append(iceServers, defaultICEServers...)
	}

	if iceConfig.TURNServer != "" {
		turnServer := webrtc.ICEServer{
			URLs: []string{iceConfig.TURNServer},
		}
		if iceConfig.TURNUser != "" {
			turnServer.Username = iceConfig.TURNUser
			turnServer.Credential = iceConfig.TURNPass
			turnServer.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, turnServer)
	}

	iceTransportPolicy := webrtc.ICETransportPolicyAll
	if iceConfig.ForceRelay {
		iceTransportPolicy = webrtc.ICETransportPolicyRelay
	}

	return &PeerFactory{
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: iceTransportPolicy,
		},
	}
}

func (f *PeerFactory) Configuration() webrtc.Configuration {
	return f.config
}

func (f *PeerFactory) NewPeer() (media.Peer, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &Peer{pc: pc}, nil
}

// Peer adapts a pion PeerConnection to the signaling and media contracts.
type Peer struct {
	pc *webrtc.PeerConnection

	mu             sync.Mutex
	onRemotePacket func(trackId string, packet []byte)
}

func toSDPType(t signaling.DescriptionType) webrtc.SDPType {
	if t == signaling.DescriptionAnswer {
		return webrtc.SDPTypeAnswer
	}
	return webrtc.SDPTypeOffer
}

func (p *Peer) CreateOffer(ctx context.Context) (signaling.Description, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signaling.Description{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return signaling.Description{Type: signaling.DescriptionOffer, SDP: offer.SDP}, nil
}

func (p *Peer) CreateAnswer(ctx context.Context) (signaling.Description, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.Description{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return signaling.Description{Type: signaling.DescriptionAnswer, SDP: answer.SDP}, nil
}

func (p *Peer) SetLocalDescription(ctx context.Context, d signaling.Description) error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: toSDPType(d.Type), SDP: d.SDP})
}

func (p *Peer) SetRemoteDescription(ctx context.Context, d signaling.Description) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: toSDPType(d.Type), SDP: d.SDP})
}

func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *Peer) AddRemoteCandidate(c models.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *Peer) OnLocalCandidate(fn func(models.Candidate)) {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		fn(models.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *Peer) OnConnectionState(fn func(signaling.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logrus.WithField("state", state.String()).Debug("Peer connection state")
		switch state {
		case webrtc.PeerConnectionStateConnecting:
			fn(signaling.ConnectionConnecting)
		case webrtc.PeerConnectionStateConnected:
			fn(signaling.ConnectionConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(signaling.ConnectionDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(signaling.ConnectionFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(signaling.ConnectionClosed)
		default:
			fn(signaling.ConnectionNew)
		}
	})
}

func (p *Peer) AddLocalTrack(track media.LocalTrack) error {
	sample, ok := track.(*SampleTrack)
	if !ok {
		return errForeignTrack
	}
	sender, err := p.pc.AddTrack(sample.track)
	if err != nil {
		return err
	}

	// Read incoming RTCP so interceptors like NACK keep working
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *Peer) OnRemoteTrack(fn func(media.RemoteTrack)) {
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := media.TrackVideo
		if remote.Kind() == webrtc.RTPCodecTypeAudio {
			kind = media.TrackAudio
		}
		fn(media.RemoteTrack{Id: remote.ID(), StreamId: remote.StreamID(), Kind: kind})
		go p.forward(remote)
	})
}

func (p *Peer) OnRemotePacket(fn func(trackId string, packet []byte)) {
	p.mu.Lock()
	p.onRemotePacket = fn
	p.mu.Unlock()
}

func (p *Peer) forward(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		p.mu.Lock()
		fn := p.onRemotePacket
		p.mu.Unlock()
		if fn == nil {
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		fn(remote.ID(), packet)
	}
}

func (p *Peer) Close() error {
	return p.pc.Close()
}
