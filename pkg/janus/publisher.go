package janus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/metrics"
)

// PublisherConfig параметры публикации потока в комнату
type PublisherConfig struct {
	Room      uint64
	Display   string
	Configure Configure
	// Debounce задержка пачки кандидатов (по умолчанию TrickleDebounce)
	Debounce time.Duration

	// OnJoined вызывается после успешного join (список публикаций и свой id)
	OnJoined func(ev *RoomEvent)
	// OnAnswer применяет SDP ответ SFU к медиа соединению
	OnAnswer func(ctx context.Context, answer media.Description) error

	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// Publisher ведет цикл публикации: join -> сбор кандидатов -> configure.
//
// configure отправляется ровно один раз за цикл согласования: когда join
// завершен и таймер пачки кандидатов сработал. Кандидаты, собранные после
// configure, отправляются отдельными trickle сообщениями.
type Publisher struct {
	handle  *Handle
	cfg     PublisherConfig
	log     zerolog.Logger
	batcher *Batcher

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	offer         *media.Description
	joined        bool
	configureSent bool
	closed        bool
}

// NewPublisher создает публикацию для handle
func NewPublisher(ctx context.Context, handle *Handle, cfg PublisherConfig) *Publisher {
	ctx, cancel := context.WithCancel(ctx)
	p := &Publisher{
		handle: handle,
		cfg:    cfg,
		log: cfg.Logger.With().
			Str("module", "janus").
			Str("role", RolePublisher).
			Uint64("handle", handle.ID).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	p.batcher = NewBatcher(cfg.Debounce, p.onTrickleTimer)
	return p
}

// Handle handle публикации
func (p *Publisher) Handle() *Handle {
	return p.handle
}

// SetOffer задает локальное предложение для configure.
// Вызывается до установки локального описания, чтобы кандидаты не
// опередили предложение.
func (p *Publisher) SetOffer(offer media.Description) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offer = &offer
}

// AddCandidate добавляет локального кандидата; nil - окончание сбора
func (p *Publisher) AddCandidate(c *media.Candidate) {
	if c == nil {
		p.batcher.Add(media.Candidate{Completed: true})
		return
	}
	p.batcher.Add(*c)
}

// Join присоединяется к комнате как publisher. Если таймер кандидатов уже
// сработал, configure отправляется сразу.
func (p *Publisher) Join(ctx context.Context) (*RoomEvent, error) {
	ev, _, err := p.handle.Join(ctx, Join{
		Room:    p.cfg.Room,
		PType:   RolePublisher,
		Display: p.cfg.Display,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ev, ErrClosed
	}
	p.joined = true
	p.mu.Unlock()

	if p.cfg.OnJoined != nil {
		p.cfg.OnJoined(ev)
	}
	p.maybeConfigure()
	return ev, nil
}

// Joined завершен ли join
func (p *Publisher) Joined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined
}

// ConfigureSent был ли отправлен configure в текущем цикле
func (p *Publisher) ConfigureSent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configureSent
}

func (p *Publisher) onTrickleTimer() {
	p.mu.Lock()
	sent := p.configureSent
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	if !sent {
		p.maybeConfigure()
		return
	}

	cands := p.batcher.Drain()
	if len(cands) == 0 {
		return
	}
	p.cfg.Metrics.TrickleBatch(len(cands))
	if err := p.handle.Trickle(p.ctx, cands); err != nil {
		p.log.Warn().Err(err).Int("candidates", len(cands)).Msg("trickle failed")
	}
}

// maybeConfigure отправляет configure, если join завершен, таймер
// кандидатов сработал и configure еще не отправлялся
func (p *Publisher) maybeConfigure() {
	p.mu.Lock()
	if p.closed || !p.joined || p.configureSent || p.offer == nil || !p.batcher.Fired() {
		p.mu.Unlock()
		return
	}
	p.configureSent = true
	offer := *p.offer
	p.mu.Unlock()

	cands := p.batcher.Drain()
	p.cfg.Metrics.TrickleBatch(len(cands))
	p.log.Debug().Int("candidates", len(cands)).Msg("sending configure")

	reply, err := p.handle.Configure(p.ctx, p.cfg.Configure, cands, &offer)
	if err != nil {
		p.log.Error().Err(err).Msg("configure failed")
		return
	}
	p.applyAnswer(reply)
}

func (p *Publisher) applyAnswer(reply *Reply) {
	if reply.JSEP == nil {
		p.log.Warn().Msg("configure reply without jsep")
		return
	}
	if p.cfg.OnAnswer == nil {
		return
	}
	if err := p.cfg.OnAnswer(p.ctx, *reply.JSEP); err != nil {
		p.log.Error().Err(err).Msg("apply sfu answer")
	}
}

// Reconfigure начинает новый цикл согласования с новым предложением
// (удержание, пересогласование) и возвращает ответ SFU
func (p *Publisher) Reconfigure(ctx context.Context, offer media.Description) (*media.Description, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.offer = &offer
	p.configureSent = true
	p.mu.Unlock()

	reply, err := p.handle.Configure(ctx, p.cfg.Configure, p.batcher.Drain(), &offer)
	if err != nil {
		return nil, err
	}
	if reply.JSEP == nil {
		return nil, ErrMalformedReply
	}
	return reply.JSEP, nil
}

// Close останавливает таймер кандидатов и прерывает ожидающие операции
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.batcher.Stop()
	p.cancel()
}
