// Package mediatest содержит тестовую реализацию медиа движка.
//
// Соединения генерируют синтаксически корректный SDP (audio + video),
// по запросу выдают ICE кандидатов и позволяют внедрять ошибки на каждом
// асинхронном шаге.
package mediatest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/media"
)

// ErrInjected ошибка, внедренная тестом
var ErrInjected = errors.New("injected media failure")

var seq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, seq.Add(1))
}

// Track тестовый трек
type Track struct {
	id      string
	kind    media.Kind
	enabled atomic.Bool
	stopped atomic.Bool
}

// NewTrack создает включенный трек
func NewTrack(kind media.Kind) *Track {
	t := &Track{id: nextID(string(kind)), kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string              { return t.id }
func (t *Track) Kind() media.Kind        { return t.kind }
func (t *Track) Enabled() bool           { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *Track) Stop()                   { t.stopped.Store(true) }

// Stopped был ли трек остановлен
func (t *Track) Stopped() bool { return t.stopped.Load() }

// Sender тестовый отправитель
type Sender struct {
	mu    sync.Mutex
	track media.Track
	swaps int
}

// Track реализует media.Sender
func (s *Sender) Track() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// ReplaceTrack реализует media.Sender
func (s *Sender) ReplaceTrack(t media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.swaps++
	return nil
}

// Swaps количество подмен трека
func (s *Sender) Swaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swaps
}

const sdpTemplate = "v=0\r\n" +
	"o=- %d 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0 1\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=%s\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=%s\r\n"

// SDP формирует тестовый SDP с указанным направлением для всех медиа
func SDP(direction string) string {
	return fmt.Sprintf(sdpTemplate, seq.Add(1), direction, direction)
}

func answerDirection(offer string) string {
	switch {
	case strings.Contains(offer, "a=inactive"):
		return "inactive"
	case strings.Contains(offer, "a=sendonly"):
		return "recvonly"
	case strings.Contains(offer, "a=recvonly"):
		return "sendonly"
	default:
		return "sendrecv"
	}
}

// Faults набор внедряемых ошибок
type Faults struct {
	CreateOffer  bool
	CreateAnswer bool
	SetLocal     bool
	SetRemote    bool
}

// Connection тестовое соединение
type Connection struct {
	id string

	mu        sync.Mutex
	local     *media.Description
	remote    *media.Description
	senders   []*Sender
	onICE     func(*media.Candidate)
	onState   func(media.ConnectionState)
	onTrack   func(media.Track, string)
	closed    bool
	offers    int
	faults    Faults
	autoCands int
}

// ID идентичность соединения
func (c *Connection) ID() string { return c.id }

// SetFaults задает внедряемые ошибки
func (c *Connection) SetFaults(f Faults) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = f
}

// CreateOffer реализует media.Connection
func (c *Connection) CreateOffer(_ context.Context, _ media.OfferOptions) (media.Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faults.CreateOffer {
		return media.Description{}, ErrInjected
	}
	c.offers++
	return media.Description{Type: media.SDPOffer, SDP: SDP("sendrecv")}, nil
}

// CreateAnswer реализует media.Connection
func (c *Connection) CreateAnswer(_ context.Context) (media.Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faults.CreateAnswer || c.remote == nil {
		return media.Description{}, ErrInjected
	}
	return media.Description{Type: media.SDPAnswer, SDP: SDP(answerDirection(c.remote.SDP))}, nil
}

// SetLocalDescription реализует media.Connection.
// Если заданы авто-кандидаты, они выдаются асинхронно после установки.
func (c *Connection) SetLocalDescription(_ context.Context, d media.Description) error {
	c.mu.Lock()
	if c.faults.SetLocal {
		c.mu.Unlock()
		return ErrInjected
	}
	c.local = &d
	n := c.autoCands
	c.autoCands = 0
	c.mu.Unlock()

	if n > 0 {
		go func() {
			for i := 0; i < n; i++ {
				c.EmitCandidate(&media.Candidate{
					Candidate:     fmt.Sprintf("candidate:%d 1 udp 2122260223 127.0.0.1 %d typ host", i, 50000+i),
					SDPMid:        "0",
					SDPMLineIndex: 0,
				})
			}
			c.EmitCandidate(nil)
		}()
	}
	return nil
}

// SetRemoteDescription реализует media.Connection
func (c *Connection) SetRemoteDescription(_ context.Context, d media.Description) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faults.SetRemote {
		return ErrInjected
	}
	c.remote = &d
	return nil
}

// LocalDescription реализует media.Connection
func (c *Connection) LocalDescription() *media.Description {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// RemoteDescription реализует media.Connection
func (c *Connection) RemoteDescription() *media.Description {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// AddTrack реализует media.Connection
func (c *Connection) AddTrack(t media.Track, _ *media.Stream) (media.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Sender{track: t}
	c.senders = append(c.senders, s)
	return s, nil
}

// RemoveTrack реализует media.Connection
func (c *Connection) RemoveTrack(sender media.Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.senders {
		if media.Sender(s) == sender {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("sender not found")
}

// Senders реализует media.Connection
func (c *Connection) Senders() []media.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]media.Sender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

// OnICECandidate реализует media.Connection
func (c *Connection) OnICECandidate(fn func(*media.Candidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

// OnConnectionStateChange реализует media.Connection
func (c *Connection) OnConnectionStateChange(fn func(media.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// OnTrack реализует media.Connection
func (c *Connection) OnTrack(fn func(media.Track, string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

// Close реализует media.Connection
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(media.StateClosed)
	}
	return nil
}

// Closed было ли соединение закрыто
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Offers количество сгенерированных предложений
func (c *Connection) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

// EmitCandidate выдает ICE кандидата (nil - окончание сбора)
func (c *Connection) EmitCandidate(cand *media.Candidate) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

// EmitTrack выдает удаленный трек
func (c *Connection) EmitTrack(t media.Track, streamID string) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(t, streamID)
	}
}

// EmitState меняет состояние соединения
func (c *Connection) EmitState(s media.ConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Factory тестовая фабрика соединений
type Factory struct {
	mu    sync.Mutex
	conns []*Connection

	// Candidates количество авто-кандидатов для каждого нового соединения
	Candidates int
	// Faults ошибки для каждого нового соединения
	Faults Faults
	// Err ошибка создания соединения
	Err error
}

// NewConnection реализует media.Factory
func (f *Factory) NewConnection(_ context.Context) (media.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Connection{id: nextID("pc"), faults: f.Faults, autoCands: f.Candidates}
	f.conns = append(f.conns, c)
	return c, nil
}

// Connections все созданные соединения
func (f *Factory) Connections() []*Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Connection(nil), f.conns...)
}

// Last последнее созданное соединение
func (f *Factory) Last() *Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// Capturer тестовый захват медиа
type Capturer struct {
	mu       sync.Mutex
	captures int
	streams  []*media.Stream
	// Err ошибка захвата
	Err error
}

// Capture реализует media.Capturer
func (c *Capturer) Capture(_ context.Context, cons media.Constraints) (*media.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	c.captures++
	var tracks []media.Track
	if cons.Audio {
		tracks = append(tracks, NewTrack(media.KindAudio))
	}
	if cons.Video || cons.Screen {
		tracks = append(tracks, NewTrack(media.KindVideo))
	}
	s := media.NewStream(nextID("stream"), tracks...)
	c.streams = append(c.streams, s)
	return s, nil
}

// Captures количество захватов
func (c *Capturer) Captures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures
}

// Streams все захваченные потоки
func (c *Capturer) Streams() []*media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*media.Stream(nil), c.streams...)
}
