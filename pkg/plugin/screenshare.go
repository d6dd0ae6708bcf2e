package plugin

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/metrics"
)

// ScreenShareName имя плагина демонстрации экрана
const ScreenShareName = "ScreenShare"

// ScreenShareConfig параметры демонстрации экрана
type ScreenShareConfig struct {
	Name    string
	Room    uint64
	Display string
	// Debounce задержка пачки кандидатов
	Debounce time.Duration
	// StopTimeout время на detach и завершение диалога при остановке
	StopTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// ScreenShare публикует захват экрана отдельным SIP диалогом с собственным
// handle SFU. Основная сессия предоставляет только Host.
type ScreenShare struct {
	cfg ScreenShareConfig
	log zerolog.Logger

	mu        sync.Mutex
	running   bool
	host      Host
	leg       Leg
	conn      media.Connection
	stream    *media.Stream
	publisher *janus.Publisher
}

// NewScreenShare создает плагин демонстрации экрана
func NewScreenShare(cfg ScreenShareConfig) *ScreenShare {
	if cfg.Name == "" {
		cfg.Name = ScreenShareName
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = janus.DefaultTimeout
	}
	return &ScreenShare{
		cfg: cfg,
		log: cfg.Logger.With().Str("module", "plugin").Str("plugin", cfg.Name).Logger(),
	}
}

// Name реализует StreamSource
func (s *ScreenShare) Name() string { return s.cfg.Name }

// Running реализует StreamSource
func (s *ScreenShare) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stream реализует StreamSource
func (s *ScreenShare) Stream() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Start захватывает экран, открывает отдельный диалог и публикует поток.
// При ошибке все созданное освобождается.
func (s *ScreenShare) Start(ctx context.Context, host Host) (err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	stream, err := host.Capture(ctx, media.Constraints{Screen: true})
	if err != nil {
		return errors.Wrap(err, "capture screen")
	}

	var (
		conn media.Connection
		leg  Leg
		pub  *janus.Publisher
	)
	defer func() {
		if err == nil {
			return
		}
		if pub != nil {
			pub.Close()
		}
		if leg != nil {
			s.closeLeg(leg)
		}
		if conn != nil {
			_ = conn.Close()
		}
		stream.Stop()
	}()

	conn, err = host.NewConnection(ctx)
	if err != nil {
		return errors.Wrap(err, "screen connection")
	}
	for _, t := range stream.Tracks() {
		if _, err = conn.AddTrack(t, stream); err != nil {
			return errors.Wrap(err, "add screen track")
		}
	}

	leg, err = host.OpenTunnel(ctx, host.OpaqueID())
	if err != nil {
		return errors.Wrap(err, "open screen tunnel")
	}

	pub = janus.NewPublisher(context.Background(), leg.Handle(), janus.PublisherConfig{
		Room:      s.cfg.Room,
		Display:   s.cfg.Display,
		Configure: janus.Configure{Audio: false, Video: true},
		Debounce:  s.cfg.Debounce,
		OnAnswer: func(ctx context.Context, answer media.Description) error {
			return conn.SetRemoteDescription(ctx, answer)
		},
		Logger:  s.cfg.Logger,
		Metrics: s.cfg.Metrics,
	})
	conn.OnICECandidate(pub.AddCandidate)

	offer, err := conn.CreateOffer(ctx, media.OfferOptions{})
	if err != nil {
		return errors.Wrap(err, "screen offer")
	}
	pub.SetOffer(offer)
	if err = conn.SetLocalDescription(ctx, offer); err != nil {
		return errors.Wrap(err, "set screen offer")
	}
	if _, err = pub.Join(ctx); err != nil {
		return errors.Wrap(err, "join screen publisher")
	}

	s.mu.Lock()
	s.running = true
	s.host = host
	s.leg = leg
	s.conn = conn
	s.stream = stream
	s.publisher = pub
	s.mu.Unlock()

	go s.watch(leg)

	s.log.Info().Str("session", host.SessionID()).Uint64("handle", leg.Handle().ID).Msg("screen share started")
	host.Emit(event.Event{
		SessionID: host.SessionID(),
		Kind:      event.PluginStart(s.cfg.Name),
		Plugin:    s.cfg.Name,
		Stream:    stream,
		Time:      time.Now(),
	})
	return nil
}

// Stop завершает публикацию: освобождает handle, закрывает диалог и
// соединение, останавливает захват. Повторный вызов ничего не делает.
func (s *ScreenShare) Stop(_ context.Context) error {
	s.stop(nil)
	return nil
}

// watch останавливает плагин, если диалог завершила удаленная сторона
func (s *ScreenShare) watch(leg Leg) {
	<-leg.Done()
	s.stop(leg)
}

// stop освобождает ресурсы публикации. Непустой ended означает, что этот
// диалог уже завершен удаленной стороной: остановка касается только его.
func (s *ScreenShare) stop(ended Leg) {
	s.mu.Lock()
	if !s.running || (ended != nil && s.leg != ended) {
		s.mu.Unlock()
		return
	}
	s.running = false
	host, leg, conn, stream, pub := s.host, s.leg, s.conn, s.stream, s.publisher
	s.host, s.leg, s.conn, s.stream, s.publisher = nil, nil, nil, nil, nil
	s.mu.Unlock()

	pub.Close()
	s.closeLeg(leg)
	if err := conn.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close screen connection")
	}
	stream.Stop()

	originator := event.Local
	if ended != nil {
		originator = event.Remote
	}
	s.log.Info().Str("originator", string(originator)).Msg("screen share stopped")
	host.Emit(event.Event{
		SessionID:  host.SessionID(),
		Kind:       event.PluginStop(s.cfg.Name),
		Originator: originator,
		Plugin:     s.cfg.Name,
		Time:       time.Now(),
	})
}

func (s *ScreenShare) closeLeg(leg Leg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := leg.Close(ctx); err != nil {
		s.log.Warn().Err(err).Msg("close screen tunnel")
	}
}
