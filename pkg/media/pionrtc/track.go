package pionrtc

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/media"
)

// LocalTrack локальный трек на базе TrackLocalStaticSample.
// Выключенный трек молча отбрасывает сэмплы.
type LocalTrack struct {
	local   *webrtc.TrackLocalStaticSample
	kind    media.Kind
	enabled atomic.Bool
	stopped atomic.Bool
}

var _ media.Track = (*LocalTrack)(nil)

// NewLocalTrack создает трек с кодеком по умолчанию для вида медиа:
// opus для звука, VP8 для видео
func NewLocalTrack(kind media.Kind, streamID string) (*LocalTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == media.KindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticSample(capability, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, errors.Wrapf(err, "new %s track", kind)
	}
	t := &LocalTrack{local: local, kind: kind}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string              { return t.local.ID() }
func (t *LocalTrack) Kind() media.Kind        { return t.kind }
func (t *LocalTrack) Enabled() bool           { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *LocalTrack) Stop()                   { t.stopped.Store(true) }

// StreamID идентификатор потока, с которым трек попадает в SDP
func (t *LocalTrack) StreamID() string { return t.local.StreamID() }

// WriteSample передает закодированный кадр. Сэмплы выключенного или
// остановленного трека отбрасываются.
func (t *LocalTrack) WriteSample(data []byte, duration time.Duration) error {
	if !t.enabled.Load() || t.stopped.Load() {
		return nil
	}
	return t.local.WriteSample(pionmedia.Sample{Data: data, Duration: duration})
}

// RemoteTrack входящий трек соединения
type RemoteTrack struct {
	remote  *webrtc.TrackRemote
	enabled atomic.Bool
}

var _ media.Track = (*RemoteTrack)(nil)

func newRemoteTrack(remote *webrtc.TrackRemote) *RemoteTrack {
	t := &RemoteTrack{remote: remote}
	t.enabled.Store(true)
	return t
}

func (t *RemoteTrack) ID() string { return t.remote.ID() }

func (t *RemoteTrack) Kind() media.Kind {
	if t.remote.Kind() == webrtc.RTPCodecTypeVideo {
		return media.KindVideo
	}
	return media.KindAudio
}

func (t *RemoteTrack) Enabled() bool           { return t.enabled.Load() }
func (t *RemoteTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *RemoteTrack) Stop()                   {}

// Read читает следующий RTP пакет. Пакеты выключенного трека
// вычитываются и отбрасываются.
func (t *RemoteTrack) Read(buf []byte) (int, error) {
	for {
		n, _, err := t.remote.Read(buf)
		if err != nil || t.enabled.Load() {
			return n, err
		}
	}
}

// sender отправитель трека в PeerConnection
type sender struct {
	rtp   *webrtc.RTPSender
	track atomic.Pointer[LocalTrack]
}

var _ media.Sender = (*sender)(nil)

func (s *sender) Track() media.Track {
	if t := s.track.Load(); t != nil {
		return t
	}
	return nil
}

// ReplaceTrack подменяет трек отправителя без пересогласования
func (s *sender) ReplaceTrack(track media.Track) error {
	if track == nil {
		if err := s.rtp.ReplaceTrack(nil); err != nil {
			return errors.Wrap(err, "replace track")
		}
		s.track.Store(nil)
		return nil
	}
	local, ok := track.(*LocalTrack)
	if !ok {
		return errors.Errorf("track %s is not a pion local track", track.ID())
	}
	if err := s.rtp.ReplaceTrack(local.local); err != nil {
		return errors.Wrap(err, "replace track")
	}
	s.track.Store(local)
	return nil
}
