package session

import (
	"context"
	"path"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/room"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// conference туннель SFU основного диалога, публикация локального потока
// и реестр участников комнаты
type conference struct {
	s      *Session
	opts   CallOptions
	room   uint64
	tunnel *janus.Tunnel
	log    zerolog.Logger

	mu        sync.Mutex
	handle    *janus.Handle
	publisher *janus.Publisher
	registry  *room.Registry
	early     []*media.Candidate
	// offline диалог закрыт удаленной стороной, сообщения SFU не отправляются
	offline bool
	closed  bool
}

func newConference(s *Session, opts CallOptions) *conference {
	c := &conference{
		s:    s,
		opts: opts,
		room: opts.Room,
		log:  s.log.With().Str("component", "conference").Logger(),
	}
	if c.room == 0 {
		c.room = s.cfg.Room
	}
	c.tunnel = janus.New(janus.CarrierFunc(c.send), janus.Config{
		Plugin:   s.cfg.Plugin,
		OpaqueID: s.OpaqueID(),
		Timeout:  s.cfg.SFUTimeout,
		Logger:   s.cfg.Logger,
		Metrics:  s.cfg.Metrics,
	})
	return c
}

// send передает сообщение SFU запросом внутри основного диалога
func (c *conference) send(ctx context.Context, method string, headers sipmsg.Headers, body []byte) ([]byte, error) {
	c.mu.Lock()
	offline := c.offline
	c.mu.Unlock()
	if offline {
		return nil, ErrTerminated
	}
	dlg := c.s.Dialog()
	if dlg == nil {
		return nil, errors.Wrap(ErrInvalidState, "no dialog for sfu message")
	}
	req, err := dlg.NewRequest(method, headers, janus.ContentType, body)
	if err != nil {
		return nil, err
	}
	res, err := c.s.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

// accept разбирает attach из 2xx и создает реестр комнаты
func (c *conference) accept(body []byte) error {
	handle, err := c.tunnel.AcceptAttach(body)
	if err != nil {
		return err
	}
	registry := room.New(room.Config{
		SessionID:     c.s.ID(),
		Room:          c.room,
		Signaler:      c.tunnel,
		Factory:       c.s.cfg.Factory,
		Sink:          event.SinkFunc(c.s.emit),
		Debounce:      c.s.cfg.Debounce,
		DetachTimeout: c.s.cfg.SFUTimeout,
		Logger:        c.s.cfg.Logger,
		Metrics:       c.s.cfg.Metrics,
	})
	handle.OnEvent(c.onEvent)

	c.mu.Lock()
	c.handle = handle
	c.registry = registry
	c.mu.Unlock()
	c.log.Info().Uint64("handle", handle.ID).Uint64("sfu_session", c.tunnel.SessionID()).Msg("sfu attached")
	return nil
}

func (c *conference) onEvent(reply *janus.Reply) {
	ev, err := reply.Room()
	if err != nil {
		c.log.Debug().Err(err).Str("janus", reply.Janus).Msg("ignore sfu event")
		return
	}
	c.mu.Lock()
	registry := c.registry
	c.mu.Unlock()
	if registry != nil {
		registry.HandleEvent(ev)
	}
}

// publish публикует локальный поток в комнату. Выполняется в очереди
// согласования сессии.
func (c *conference) publish() {
	c.s.queue.Submit(func(ctx context.Context) error {
		err := c.doPublish(ctx)
		if err != nil && !errors.Is(err, ErrTerminated) {
			c.log.Error().Err(err).Msg("publish local stream")
		}
		return err
	})
}

func (c *conference) doPublish(ctx context.Context) error {
	conn := c.s.Connection()
	c.mu.Lock()
	if c.closed || c.handle == nil || conn == nil {
		c.mu.Unlock()
		return ErrTerminated
	}
	display := c.opts.Display
	if display == "" {
		display = c.s.cfg.DisplayName
	}
	configure := janus.Configure{Audio: c.opts.Audio, Video: c.opts.Video}
	if c.s.cfg.RecordingPath != "" {
		configure.Filename = path.Join(c.s.cfg.RecordingPath, c.s.OpaqueID())
	}
	pub := janus.NewPublisher(c.s.ctx, c.handle, janus.PublisherConfig{
		Room:      c.room,
		Display:   display,
		Configure: configure,
		Debounce:  c.s.cfg.Debounce,
		OnJoined:  c.onJoined,
		OnAnswer:  conn.SetRemoteDescription,
		Logger:    c.s.cfg.Logger,
		Metrics:   c.s.cfg.Metrics,
	})
	c.publisher = pub
	early := c.early
	c.early = nil
	c.mu.Unlock()
	for _, cand := range early {
		pub.AddCandidate(cand)
	}

	offer, err := conn.CreateOffer(ctx, media.OfferOptions{})
	if err != nil {
		return errors.Wrap(err, "publisher offer")
	}
	if offer, err = c.s.mangle(offer); err != nil {
		return err
	}
	pub.SetOffer(offer)
	if err := conn.SetLocalDescription(ctx, offer); err != nil {
		return errors.Wrap(err, "set publisher offer")
	}
	if _, err := pub.Join(ctx); err != nil {
		// join не критичен: сессия остается, участники не появятся
		c.log.Warn().Err(err).Uint64("room", c.room).Msg("join room")
	}
	return nil
}

func (c *conference) onJoined(ev *janus.RoomEvent) {
	c.mu.Lock()
	registry := c.registry
	c.mu.Unlock()
	if registry == nil {
		return
	}
	registry.SetSelf(ev.ID, ev.PrivateID)
	registry.Join(ev.Publishers)
	c.log.Info().Uint64("room", c.room).Uint64("id", ev.ID).Int("publishers", len(ev.Publishers)).Msg("joined room")
	c.s.emit(event.Event{Kind: event.ConferenceStart, Originator: event.Local})
}

func (c *conference) addCandidate(cand *media.Candidate) {
	c.mu.Lock()
	pub := c.publisher
	if pub == nil {
		c.early = append(c.early, cand)
	}
	c.mu.Unlock()
	if pub != nil {
		pub.AddCandidate(cand)
	}
}

func (c *conference) setOffer(offer media.Description) {
	c.mu.Lock()
	pub := c.publisher
	c.mu.Unlock()
	if pub != nil {
		pub.SetOffer(offer)
	}
}

// reconfigure отправляет новое предложение в SFU (удержание) и
// возвращает ответ
func (c *conference) reconfigure(ctx context.Context, offer media.Description) (*media.Description, error) {
	c.mu.Lock()
	pub := c.publisher
	c.mu.Unlock()
	if pub == nil {
		return nil, errors.Wrap(ErrNotReadyToReOffer, "not published")
	}
	return pub.Reconfigure(ctx, offer)
}

// dispatch передает тело NOTIFY/INFO туннелю
func (c *conference) dispatch(body []byte) {
	if err := c.tunnel.Dispatch(body); err != nil {
		c.log.Warn().Err(err).Msg("dispatch sfu message")
	}
}

func (c *conference) members() []uint64 {
	c.mu.Lock()
	registry := c.registry
	c.mu.Unlock()
	if registry == nil {
		return nil
	}
	return registry.IDs()
}

// close освобождает все ресурсы конференции. detach=false - диалог уже
// закрыт удаленной стороной.
func (c *conference) close(ctx context.Context, detach bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if !detach {
		c.offline = true
	}
	pub, registry, handle := c.publisher, c.registry, c.handle
	c.mu.Unlock()

	if pub != nil {
		pub.Close()
	}
	if registry != nil {
		registry.Close()
	}
	if detach && handle != nil {
		if err := handle.Detach(ctx); err != nil {
			c.log.Warn().Err(err).Msg("detach primary handle")
		}
	}
	c.tunnel.Close()
	if registry != nil {
		c.s.emit(event.Event{Kind: event.ConferenceEnd, Originator: event.Local})
	}
}

// Members идентификаторы публикаций участников конференции
func (s *Session) Members() []uint64 {
	s.mu.Lock()
	conf := s.conf
	s.mu.Unlock()
	if conf == nil {
		return nil
	}
	return conf.members()
}
