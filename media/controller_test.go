package media_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/bus/memory"
	"github.com/zlnvch/studysync/media"
	"github.com/zlnvch/studysync/media/mocks"
	"github.com/zlnvch/studysync/models"
	"github.com/zlnvch/studysync/signaling"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type side struct {
	ctrl     *media.Controller
	factory  *mocks.FakePeerFactory
	capturer *mocks.FakeCapturer
}

func newSide(store *memory.Store, name string) side {
	s := side{
		factory:  &mocks.FakePeerFactory{Name: name},
		capturer: &mocks.FakeCapturer{},
	}
	s.ctrl = media.NewController(store.Connect(name), "R1", s.factory, s.capturer, signaling.Config{})
	return s
}

func TestStartShare_NonCreator(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	b := newSide(store, "B")
	ctx := context.Background()

	assert.ErrorIs(t, b.ctrl.StartShare(ctx), media.ErrNotCreator)

	require.NoError(t, b.ctrl.Attach(ctx, false))
	assert.ErrorIs(t, b.ctrl.StartShare(ctx), media.ErrNotCreator)
	assert.Nil(t, b.capturer.Last())
	b.ctrl.Close()
}

func TestStartShare_CaptureDenied(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	a := newSide(store, "A")
	a.capturer.Deny = true
	ctx := context.Background()

	require.NoError(t, a.ctrl.Attach(ctx, true))
	err := a.ctrl.StartShare(ctx)
	assert.ErrorIs(t, err, media.ErrCaptureDenied)

	state := a.ctrl.State()
	assert.True(t, state.Unavailable)
	assert.False(t, state.Sharing)
	assert.Nil(t, a.factory.Last())

	offer, err := store.Connect("observer").Get(ctx, "sessions/R1/signal/offer")
	require.NoError(t, err)
	assert.False(t, offer.Exists())
}

func TestShareBetweenCreatorAndPeer(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	a := newSide(store, "A")
	b := newSide(store, "B")
	ctx := context.Background()

	require.NoError(t, a.ctrl.Attach(ctx, true))
	require.NoError(t, b.ctrl.Attach(ctx, false))
	defer a.ctrl.Close()
	defer b.ctrl.Close()

	require.NoError(t, a.ctrl.StartShare(ctx))
	assert.True(t, a.ctrl.State().Sharing)

	// The published offer already describes the capture tracks
	snap, err := store.Connect("observer").Get(ctx, "sessions/R1/signal/offer")
	require.NoError(t, err)
	offer, err := models.Decode[models.Offer](snap.Value)
	require.NoError(t, err)
	assert.True(t, strings.Contains(offer.SDP, "m=video:screen"))
	assert.True(t, strings.Contains(offer.SDP, "m=audio:audio"))

	assert.Eventually(t, func() bool {
		return a.ctrl.State().Negotiation == signaling.Connected && b.ctrl.State().Negotiation == signaling.Connected
	}, waitFor, tick)

	state := b.ctrl.State()
	assert.True(t, state.Sharing)
	assert.Len(t, state.RemoteTracks, 2)
}

func TestRemoteSinkForwardsPackets(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	a := newSide(store, "A")
	b := newSide(store, "B")
	ctx := context.Background()

	require.NoError(t, a.ctrl.Attach(ctx, true))
	require.NoError(t, b.ctrl.Attach(ctx, false))
	defer a.ctrl.Close()
	defer b.ctrl.Close()

	var mu sync.Mutex
	var got []string
	b.ctrl.Sink().OnPacket(func(trackId string, packet []byte) {
		mu.Lock()
		got = append(got, trackId+":"+string(packet))
		mu.Unlock()
	})

	b.factory.Last().Deliver("screen", []byte("frame"))

	mu.Lock()
	assert.Equal(t, []string{"screen:frame"}, got)
	mu.Unlock()
}

func TestWriteSample(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	a := newSide(store, "A")
	ctx := context.Background()

	require.NoError(t, a.ctrl.Attach(ctx, true))
	assert.ErrorIs(t, a.ctrl.WriteSample(media.TrackVideo, []byte{1}, time.Millisecond), media.ErrNotSharing)

	require.NoError(t, a.ctrl.StartShare(ctx))
	defer a.ctrl.Close()
	require.NoError(t, a.ctrl.WriteSample(media.TrackVideo, []byte{1, 2}, 33*time.Millisecond))

	video := a.capturer.Last().Tracks()[0].(*mocks.FakeTrack)
	assert.Equal(t, [][]byte{{1, 2}}, video.Samples)
}

func TestStop_CreatorTearsDown(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	a := newSide(store, "A")
	ctx := context.Background()

	torn := false
	a.ctrl.OnTeardown(func(ctx context.Context) error {
		torn = true
		return nil
	})

	require.NoError(t, a.ctrl.Attach(ctx, true))
	require.NoError(t, a.ctrl.StartShare(ctx))
	require.NoError(t, a.ctrl.Stop(ctx))

	assert.True(t, torn)
	assert.True(t, a.capturer.Last().Released())
	assert.True(t, a.factory.Last().Closed())
	assert.False(t, a.ctrl.State().Sharing)
}

func TestStop_NonCreatorKeepsSession(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	b := newSide(store, "B")
	ctx := context.Background()

	torn := false
	b.ctrl.OnTeardown(func(ctx context.Context) error {
		torn = true
		return nil
	})

	require.NoError(t, b.ctrl.Attach(ctx, false))
	first := b.factory.Last()
	require.NoError(t, b.ctrl.Stop(ctx))
	defer b.ctrl.Close()
	assert.False(t, torn)
	assert.True(t, first.Closed())

	// A fresh connection waits for the next offer
	assert.NotSame(t, first, b.factory.Last())
	assert.False(t, b.factory.Last().Closed())
}

func TestStop_NonCreatorReceivesLaterShare(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	a := newSide(store, "A")
	b := newSide(store, "B")
	ctx := context.Background()

	require.NoError(t, a.ctrl.Attach(ctx, true))
	require.NoError(t, b.ctrl.Attach(ctx, false))
	defer a.ctrl.Close()
	defer b.ctrl.Close()

	require.NoError(t, b.ctrl.Stop(ctx))
	require.NoError(t, a.ctrl.StartShare(ctx))

	assert.Eventually(t, func() bool {
		state := b.ctrl.State()
		return state.Negotiation == signaling.Connected && len(state.RemoteTracks) == 2
	}, waitFor, tick)
	assert.True(t, b.ctrl.State().Sharing)
}

func TestStartShare_OfferFailureReleasesCapture(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	a := newSide(store, "A")
	a.factory.FailOffer = true
	ctx := context.Background()

	require.NoError(t, a.ctrl.Attach(ctx, true))
	assert.Error(t, a.ctrl.StartShare(ctx))

	state := a.ctrl.State()
	assert.False(t, state.Sharing)
	assert.Equal(t, signaling.Idle, state.Negotiation)
	assert.True(t, a.capturer.Last().Released())
	assert.True(t, a.factory.Last().Closed())

	// Sharing can be retried once the peer behaves
	a.factory.FailOffer = false
	require.NoError(t, a.ctrl.StartShare(ctx))
	assert.True(t, a.ctrl.State().Sharing)
	a.ctrl.Close()
}

func TestRemoteSinkDeduplicatesTracks(t *testing.T) {
	sink := &media.RemoteSink{}
	sink.Add(media.RemoteTrack{Id: "screen", Kind: media.TrackVideo})
	sink.Add(media.RemoteTrack{Id: "screen", Kind: media.TrackVideo})
	sink.Add(media.RemoteTrack{Id: "audio", Kind: media.TrackAudio})
	assert.Len(t, sink.Tracks(), 2)

	sink.Clear()
	assert.Empty(t, sink.Tracks())
}

var _ bus.Bus = (*memory.Conn)(nil)
