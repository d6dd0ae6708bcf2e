// Package pionrtc реализует медиа интерфейсы ядра на pion/webrtc.
package pionrtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/sfu_phone/pkg/media"
)

// Connection обертка над webrtc.PeerConnection
type Connection struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	mu      sync.Mutex
	senders []*sender
}

var _ media.Connection = (*Connection)(nil)

func toPion(d media.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}

func fromPion(d *webrtc.SessionDescription) *media.Description {
	if d == nil {
		return nil
	}
	return &media.Description{Type: media.SDPType(d.Type.String()), SDP: d.SDP}
}

// CreateOffer создает предложение
func (c *Connection) CreateOffer(_ context.Context, opts media.OfferOptions) (media.Description, error) {
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: opts.ICERestart})
	if err != nil {
		return media.Description{}, errors.Wrap(err, "create offer")
	}
	return *fromPion(&offer), nil
}

// CreateAnswer создает ответ на установленное удаленное предложение
func (c *Connection) CreateAnswer(_ context.Context) (media.Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return media.Description{}, errors.Wrap(err, "create answer")
	}
	return *fromPion(&answer), nil
}

func (c *Connection) SetLocalDescription(_ context.Context, d media.Description) error {
	if err := c.pc.SetLocalDescription(toPion(d)); err != nil {
		return errors.Wrapf(err, "set local %s", d.Type)
	}
	return nil
}

func (c *Connection) SetRemoteDescription(_ context.Context, d media.Description) error {
	if err := c.pc.SetRemoteDescription(toPion(d)); err != nil {
		return errors.Wrapf(err, "set remote %s", d.Type)
	}
	return nil
}

// LocalDescription локальное описание с собранными кандидатами
func (c *Connection) LocalDescription() *media.Description {
	return fromPion(c.pc.LocalDescription())
}

func (c *Connection) RemoteDescription() *media.Description {
	return fromPion(c.pc.RemoteDescription())
}

// AddTrack добавляет локальный трек. Поддерживаются только треки LocalTrack.
func (c *Connection) AddTrack(track media.Track, _ *media.Stream) (media.Sender, error) {
	local, ok := track.(*LocalTrack)
	if !ok {
		return nil, errors.Errorf("track %s is not a pion local track", track.ID())
	}
	rtp, err := c.pc.AddTrack(local.local)
	if err != nil {
		return nil, errors.Wrap(err, "add track")
	}
	s := &sender{rtp: rtp}
	s.track.Store(local)

	// RTCP нужно вычитывать, иначе перехватчики pion не работают
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtp.Read(buf); err != nil {
				return
			}
		}
	}()

	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()
	return s, nil
}

func (c *Connection) RemoveTrack(ms media.Sender) error {
	s, ok := ms.(*sender)
	if !ok {
		return errors.New("foreign sender")
	}
	if err := c.pc.RemoveTrack(s.rtp); err != nil {
		return errors.Wrap(err, "remove track")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.senders {
		if cur == s {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			break
		}
	}
	return nil
}

func (c *Connection) Senders() []media.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]media.Sender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

// OnICECandidate nil кандидат означает окончание сбора
func (c *Connection) OnICECandidate(fn func(*media.Candidate)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			fn(nil)
			return
		}
		init := cand.ToJSON()
		out := &media.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(out)
	})
}

func (c *Connection) OnConnectionStateChange(fn func(media.ConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Debug().Str("peer_connection_state", s.String()).Msg("peer state")
		fn(connectionState(s))
	})
}

func connectionState(s webrtc.PeerConnectionState) media.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return media.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return media.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return media.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return media.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return media.StateClosed
	default:
		return media.StateNew
	}
}

func (c *Connection) OnTrack(fn func(media.Track, string)) {
	c.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Debug().
			Str("kind", remote.Kind().String()).
			Str("track_id", remote.ID()).
			Str("stream_id", remote.StreamID()).
			Msg("remote track")
		fn(newRemoteTrack(remote), remote.StreamID())
	})
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		return errors.Wrap(err, "close peer connection")
	}
	return nil
}
