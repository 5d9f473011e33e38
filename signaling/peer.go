package signaling

import (
	"context"

	"github.com/zlnvch/studysync/models"
)

type DescriptionType string

const (
	DescriptionOffer  DescriptionType = "offer"
	DescriptionAnswer DescriptionType = "answer"
)

type Description struct {
	Type DescriptionType
	SDP  string
}

type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

// Peer is the media transport half the coordinator drives. Implementations
// must be safe for concurrent use.
type Peer interface {
	CreateOffer(ctx context.Context) (Description, error)
	CreateAnswer(ctx context.Context) (Description, error)
	SetLocalDescription(ctx context.Context, d Description) error
	SetRemoteDescription(ctx context.Context, d Description) error
	HasRemoteDescription() bool
	AddRemoteCandidate(c models.Candidate) error

	OnLocalCandidate(fn func(models.Candidate))
	OnConnectionState(fn func(ConnectionState))
	Close() error
}
