package pionrtc

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/media/mediatest"
)

func newConn(t *testing.T) *Connection {
	t.Helper()
	f := NewFactory(Config{})
	c, err := f.NewConnection(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c.(*Connection)
}

func TestOfferAnswer(t *testing.T) {
	ctx := context.Background()
	caller, callee := newConn(t), newConn(t)

	stream, err := (&Capturer{}).Capture(ctx, media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	require.Len(t, stream.Tracks(), 2)
	for _, tr := range stream.Tracks() {
		_, err := caller.AddTrack(tr, stream)
		require.NoError(t, err)
	}
	assert.Len(t, caller.Senders(), 2)

	offer, err := caller.CreateOffer(ctx, media.OfferOptions{})
	require.NoError(t, err)
	assert.Equal(t, media.SDPOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")
	require.NoError(t, caller.SetLocalDescription(ctx, offer))

	require.NoError(t, callee.SetRemoteDescription(ctx, offer))
	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, media.SDPAnswer, answer.Type)
	require.NoError(t, callee.SetLocalDescription(ctx, answer))
	require.NoError(t, caller.SetRemoteDescription(ctx, answer))

	require.NotNil(t, caller.RemoteDescription())
	assert.Equal(t, media.SDPAnswer, caller.RemoteDescription().Type)
	require.NotNil(t, callee.LocalDescription())
}

func TestGatheringCompletes(t *testing.T) {
	ctx := context.Background()
	c := newConn(t)

	done := make(chan struct{})
	c.OnICECandidate(func(cand *media.Candidate) {
		if cand == nil {
			close(done)
		}
	})
	stream, err := (&Capturer{}).Capture(ctx, media.Constraints{Audio: true})
	require.NoError(t, err)
	_, err = c.AddTrack(stream.Tracks()[0], stream)
	require.NoError(t, err)

	offer, err := c.CreateOffer(ctx, media.OfferOptions{})
	require.NoError(t, err)
	require.NoError(t, c.SetLocalDescription(ctx, offer))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("сбор кандидатов не завершился")
	}
}

func TestRemoveTrack(t *testing.T) {
	c := newConn(t)
	stream, err := (&Capturer{}).Capture(context.Background(), media.Constraints{Audio: true})
	require.NoError(t, err)

	s, err := c.AddTrack(stream.Tracks()[0], stream)
	require.NoError(t, err)
	require.NoError(t, c.RemoveTrack(s))
	assert.Empty(t, c.Senders())
}

func TestForeignTrackRejected(t *testing.T) {
	c := newConn(t)
	_, err := c.AddTrack(mediatest.NewTrack(media.KindAudio), nil)
	assert.Error(t, err)
}

func TestReplaceTrack(t *testing.T) {
	c := newConn(t)
	a, err := NewLocalTrack(media.KindAudio, "s1")
	require.NoError(t, err)
	b, err := NewLocalTrack(media.KindAudio, "s1")
	require.NoError(t, err)

	s, err := c.AddTrack(a, nil)
	require.NoError(t, err)
	require.NoError(t, s.ReplaceTrack(b))
	assert.Equal(t, b.ID(), s.Track().ID())
	assert.Error(t, s.ReplaceTrack(mediatest.NewTrack(media.KindAudio)))
}

func TestLocalTrackEnabled(t *testing.T) {
	tr, err := NewLocalTrack(media.KindVideo, "s1")
	require.NoError(t, err)
	assert.Equal(t, media.KindVideo, tr.Kind())
	assert.Equal(t, "s1", tr.StreamID())
	assert.True(t, tr.Enabled())

	tr.SetEnabled(false)
	assert.NoError(t, tr.WriteSample([]byte{1, 2, 3}, 20*time.Millisecond), "выключенный трек отбрасывает кадры")
}

func TestConnectionState(t *testing.T) {
	assert.Equal(t, media.StateConnected, connectionState(webrtc.PeerConnectionStateConnected))
	assert.Equal(t, media.StateFailed, connectionState(webrtc.PeerConnectionStateFailed))
	assert.Equal(t, media.StateClosed, connectionState(webrtc.PeerConnectionStateClosed))
	assert.Equal(t, media.StateNew, connectionState(webrtc.PeerConnectionStateUnknown))
}
