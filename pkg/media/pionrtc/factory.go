package pionrtc

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/sfu_phone/pkg/media"
)

// ICEServer адрес STUN/TURN сервера
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// Config параметры фабрики соединений
type Config struct {
	ICEServers []ICEServer
	Logger     zerolog.Logger
}

// DefaultICEServers публичный STUN по умолчанию
func DefaultICEServers() []ICEServer {
	return []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// Factory создает соединения pion с общей конфигурацией ICE
type Factory struct {
	cfg webrtc.Configuration
	log zerolog.Logger
}

var _ media.Factory = (*Factory)(nil)

func NewFactory(cfg Config) *Factory {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		servers = append(servers, srv)
	}
	return &Factory{
		cfg: webrtc.Configuration{ICEServers: servers},
		log: cfg.Logger.With().Str("module", "webrtc").Logger(),
	}
}

// NewConnection создает PeerConnection
func (f *Factory) NewConnection(_ context.Context) (media.Connection, error) {
	pc, err := webrtc.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}
	return &Connection{pc: pc, log: f.log.With().Str("pc", uuid.NewString()).Logger()}, nil
}

// Capturer создает локальные треки, в которые приложение пишет
// закодированные кадры через LocalTrack.WriteSample
type Capturer struct {
	// OnCapture получает созданный поток, например для запуска источника кадров
	OnCapture func(*media.Stream)
}

var _ media.Capturer = (*Capturer)(nil)

func (c *Capturer) Capture(_ context.Context, cons media.Constraints) (*media.Stream, error) {
	stream := media.NewStream(uuid.NewString())
	if cons.Audio {
		t, err := NewLocalTrack(media.KindAudio, stream.ID())
		if err != nil {
			return nil, err
		}
		stream.AddTrack(t)
	}
	if cons.Video || cons.Screen {
		t, err := NewLocalTrack(media.KindVideo, stream.ID())
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.AddTrack(t)
	}
	if c.OnCapture != nil {
		c.OnCapture(stream)
	}
	return stream, nil
}
