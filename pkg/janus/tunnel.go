// Package janus реализует туннель сигнализации SFU (Janus JSON-RPC) внутри
// SIP диалога.
//
// Каждая операция SFU передается JSON телом SIP запроса с типом
// application/janus+json:
//
//	attach (основной)  тело INVITE, ответ success в теле 2xx
//	attach (участник)  INFO
//	message join       SUBSCRIBE (Event: janus, X-Janus-Role: publisher|subscriber)
//	message configure  INFO
//	message start      INFO
//	trickle            INFO
//	detach             INFO
//
// Ответы SFU приходят в теле SIP ответа или асинхронно в NOTIFY/INFO и
// сопоставляются с ожидающими операциями по полю transaction. Ответ ack
// оставляет операцию ожидающей, success, event и error ее завершают.
package janus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/metrics"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

var (
	// ErrAttachFailed SFU не выдал идентификатор handle
	ErrAttachFailed = errors.New("sfu attach failed")
	// ErrMalformedReply ответ SFU не удалось разобрать
	ErrMalformedReply = errors.New("malformed sfu reply")
	// ErrSFU SFU ответил ошибкой (см. *Error)
	ErrSFU = errors.New("sfu error")
	// ErrClosed туннель закрыт
	ErrClosed = errors.New("sfu tunnel closed")
)

// Заголовки SIP, которые использует туннель
const (
	HeaderEvent = "Event"
	HeaderRole  = "X-Janus-Role"
	// EventPackage значение заголовка Event для join и NOTIFY событий
	EventPackage = "janus"
)

// DefaultPlugin плагин SFU по умолчанию
const DefaultPlugin = "janus.plugin.videoroom"

// DefaultTimeout время ожидания ответа SFU
const DefaultTimeout = 10 * time.Second

// Carrier отправляет тело сообщения SFU в SIP запросе внутри диалога.
//
// Реализация выставляет Content-Type application/janus+json, ждет
// финального ответа и возвращает его тело (может быть пустым, если ответ
// SFU придет позже отдельным запросом). Ответ не 2xx возвращается ошибкой.
type Carrier interface {
	Send(ctx context.Context, method string, headers sipmsg.Headers, body []byte) ([]byte, error)
}

// CarrierFunc адаптер функции к Carrier
type CarrierFunc func(ctx context.Context, method string, headers sipmsg.Headers, body []byte) ([]byte, error)

// Send вызывает f
func (f CarrierFunc) Send(ctx context.Context, method string, headers sipmsg.Headers, body []byte) ([]byte, error) {
	return f(ctx, method, headers, body)
}

// Config параметры туннеля
type Config struct {
	Plugin   string
	OpaqueID string
	Timeout  time.Duration
	// NewTransaction генератор идентификаторов транзакций
	NewTransaction func() string
	Logger         zerolog.Logger
	Metrics        *metrics.Collector
}

// Tunnel сопоставляет сообщения SFU с ожидающими операциями
type Tunnel struct {
	cfg     Config
	carrier Carrier
	log     zerolog.Logger

	mu        sync.Mutex
	sessionID uint64
	pending   map[string]chan *Reply
	handles   map[uint64]*Handle
	closed    bool
}

// New создает туннель поверх carrier
func New(carrier Carrier, cfg Config) *Tunnel {
	if cfg.Plugin == "" {
		cfg.Plugin = DefaultPlugin
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.NewTransaction == nil {
		cfg.NewTransaction = uuid.NewString
	}
	return &Tunnel{
		cfg:     cfg,
		carrier: carrier,
		log:     cfg.Logger.With().Str("module", "janus").Str("opaque_id", cfg.OpaqueID).Logger(),
		pending: make(map[string]chan *Reply),
		handles: make(map[uint64]*Handle),
	}
}

// OpaqueID локальный идентификатор корреляции
func (t *Tunnel) OpaqueID() string {
	return t.cfg.OpaqueID
}

// SessionID идентификатор сессии SFU (0 до attach)
func (t *Tunnel) SessionID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// AttachBody формирует тело attach для INVITE, открывающего диалог
func (t *Tunnel) AttachBody() ([]byte, error) {
	msg := &Message{
		Janus:       TypeAttach,
		Transaction: t.cfg.NewTransaction(),
		Plugin:      t.cfg.Plugin,
		OpaqueID:    t.cfg.OpaqueID,
	}
	return json.Marshal(msg)
}

// AcceptAttach разбирает success из тела 2xx на INVITE и создает основной
// handle. Отсутствующий или некорректный ответ фатален.
func (t *Tunnel) AcceptAttach(body []byte) (*Handle, error) {
	h, err := t.acceptAttach(body)
	t.cfg.Metrics.SFUOperation(TypeAttach, err)
	return h, err
}

func (t *Tunnel) acceptAttach(body []byte) (*Handle, error) {
	if len(body) == 0 {
		return nil, errors.Wrap(ErrAttachFailed, "empty attach reply")
	}
	var reply Reply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, errors.Wrap(ErrAttachFailed, err.Error())
	}
	if reply.Janus == TypeError && reply.Error != nil {
		return nil, errors.Wrap(ErrAttachFailed, reply.Error.Error())
	}
	if reply.Janus != TypeSuccess || reply.Data == nil || reply.Data.ID == 0 {
		return nil, errors.Wrapf(ErrAttachFailed, "unexpected attach reply %q", reply.Janus)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if reply.SessionID != 0 {
		t.sessionID = reply.SessionID
	}
	return t.newHandleLocked(reply.Data.ID), nil
}

// Attach создает дополнительный handle (для участника конференции)
func (t *Tunnel) Attach(ctx context.Context) (*Handle, error) {
	msg := &Message{
		Janus:    TypeAttach,
		Plugin:   t.cfg.Plugin,
		OpaqueID: t.cfg.OpaqueID,
	}
	reply, err := t.call(ctx, sipmsg.INFO, nil, msg, false)
	if err == nil && (reply.Janus != TypeSuccess || reply.Data == nil || reply.Data.ID == 0) {
		err = ErrMalformedReply
	}
	t.cfg.Metrics.SFUOperation(TypeAttach, err)
	if err != nil {
		return nil, errors.Wrap(ErrAttachFailed, err.Error())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	return t.newHandleLocked(reply.Data.ID), nil
}

func (t *Tunnel) newHandleLocked(id uint64) *Handle {
	h := &Handle{ID: id, tunnel: t}
	t.handles[id] = h
	return h
}

func (t *Tunnel) forget(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handles, id)
}

// call отправляет сообщение и ждет завершающего ответа.
// ackResolves - ack считается финальным (trickle).
func (t *Tunnel) call(ctx context.Context, method string, headers sipmsg.Headers, msg *Message, ackResolves bool) (*Reply, error) {
	tx := t.cfg.NewTransaction()
	msg.Transaction = tx

	ch := make(chan *Reply, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	msg.SessionID = t.sessionID
	t.pending[tx] = ch
	t.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		t.drop(tx)
		return nil, errors.Wrap(err, "marshal sfu message")
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	respBody, err := t.carrier.Send(ctx, method, headers, body)
	if err != nil {
		t.drop(tx)
		return nil, errors.Wrapf(err, "send %s", msg.Janus)
	}
	if len(respBody) > 0 {
		reply, err := t.dispatch(respBody)
		if err != nil {
			t.drop(tx)
			return nil, err
		}
		if ackResolves && reply.Transaction == tx && reply.Janus == TypeAck {
			t.drop(tx)
			return reply, nil
		}
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if reply.Janus == TypeError {
			if reply.Error == nil {
				return reply, &Error{Reason: "unknown"}
			}
			return reply, reply.Error
		}
		return reply, nil
	case <-ctx.Done():
		t.drop(tx)
		return nil, errors.Wrapf(ctx.Err(), "wait %s reply", msg.Janus)
	}
}

func (t *Tunnel) drop(tx string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, tx)
}

// Dispatch принимает тело сообщения SFU (из NOTIFY, INFO или ответа).
// Ответы на транзакции доставляются ожидающим операциям, остальные
// события - подписчику handle по полю sender.
func (t *Tunnel) Dispatch(body []byte) error {
	_, err := t.dispatch(body)
	return err
}

func (t *Tunnel) dispatch(body []byte) (*Reply, error) {
	var reply Reply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, errors.Wrap(ErrMalformedReply, err.Error())
	}
	if reply.Janus == "" {
		return nil, errors.Wrap(ErrMalformedReply, "missing janus field")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if ch, ok := t.pending[reply.Transaction]; ok && reply.Transaction != "" {
		if reply.Resolves() {
			delete(t.pending, reply.Transaction)
			ch <- &reply
		}
		t.mu.Unlock()
		return &reply, nil
	}
	h := t.handles[reply.Sender]
	t.mu.Unlock()

	if h == nil {
		t.log.Debug().Str("janus", reply.Janus).Uint64("sender", reply.Sender).Msg("unsolicited message for unknown handle")
		return &reply, nil
	}
	h.deliver(&reply)
	return &reply, nil
}

// Close завершает все ожидающие операции ошибкой ErrClosed
func (t *Tunnel) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for tx, ch := range t.pending {
		delete(t.pending, tx)
		close(ch)
	}
	t.handles = make(map[uint64]*Handle)
}

// Handle идентификатор подключения к плагину SFU
type Handle struct {
	ID     uint64
	tunnel *Tunnel

	mu      sync.Mutex
	onEvent func(*Reply)
}

// OnEvent задает обработчик незапрошенных событий handle
func (h *Handle) OnEvent(fn func(*Reply)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEvent = fn
}

func (h *Handle) deliver(r *Reply) {
	h.mu.Lock()
	fn := h.onEvent
	h.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func roomFailure(reply *Reply) error {
	if reply == nil || reply.PluginData == nil {
		return nil
	}
	ev, err := reply.Room()
	if err != nil {
		return nil
	}
	return ev.Failure()
}

// Join присоединяется к комнате в роли publisher или subscriber.
// Возвращает событие комнаты (joined или attached) и полный ответ.
func (h *Handle) Join(ctx context.Context, j Join) (*RoomEvent, *Reply, error) {
	j.Request = RequestJoin
	headers := sipmsg.Headers{}.
		Add(HeaderEvent, EventPackage).
		Add(HeaderRole, j.PType)
	reply, err := h.tunnel.call(ctx, sipmsg.SUBSCRIBE, headers, &Message{
		Janus:    TypeMessage,
		HandleID: h.ID,
		Body:     j,
	}, false)

	var ev *RoomEvent
	if err == nil {
		ev, err = reply.Room()
	}
	if err == nil {
		err = ev.Failure()
	}
	h.tunnel.cfg.Metrics.SFUOperation(RequestJoin, err)
	if err != nil {
		return nil, reply, errors.Wrap(err, "join")
	}
	return ev, reply, nil
}

// Configure отправляет configure вместе с накопленными кандидатами и
// предложением. Ответ содержит SDP ответ SFU в jsep.
func (h *Handle) Configure(ctx context.Context, c Configure, trickles []media.Candidate, offer *media.Description) (*Reply, error) {
	c.Request = RequestConfigure
	if trickles == nil {
		trickles = []media.Candidate{}
	}
	reply, err := h.tunnel.call(ctx, sipmsg.INFO, nil, &Message{
		Janus:    TypeMessage,
		HandleID: h.ID,
		Body:     ConfigureBody{Configure: c, Trickles: trickles},
		JSEP:     offer,
	}, false)
	if err == nil {
		err = roomFailure(reply)
	}
	h.tunnel.cfg.Metrics.SFUOperation(RequestConfigure, err)
	if err != nil {
		return reply, errors.Wrap(err, "configure")
	}
	return reply, nil
}

// Start отправляет SDP ответ подписчика
func (h *Handle) Start(ctx context.Context, room uint64, answer media.Description) error {
	reply, err := h.tunnel.call(ctx, sipmsg.INFO, nil, &Message{
		Janus:    TypeMessage,
		HandleID: h.ID,
		Body:     Start{Request: RequestStart, Room: room},
		JSEP:     &answer,
	}, false)
	if err == nil {
		err = roomFailure(reply)
	}
	h.tunnel.cfg.Metrics.SFUOperation(RequestStart, err)
	return errors.Wrap(err, "start")
}

// Trickle отправляет кандидатов без configure
func (h *Handle) Trickle(ctx context.Context, cands []media.Candidate) error {
	if len(cands) == 0 {
		return nil
	}
	msg := &Message{Janus: TypeTrickle, HandleID: h.ID}
	if len(cands) == 1 {
		msg.Candidate = &cands[0]
	} else {
		msg.Candidates = cands
	}
	_, err := h.tunnel.call(ctx, sipmsg.INFO, nil, msg, true)
	h.tunnel.cfg.Metrics.SFUOperation(TypeTrickle, err)
	return errors.Wrap(err, "trickle")
}

// Detach освобождает handle. Отправляется один раз без повторов;
// handle забывается в любом случае.
func (h *Handle) Detach(ctx context.Context) error {
	defer h.tunnel.forget(h.ID)
	_, err := h.tunnel.call(ctx, sipmsg.INFO, nil, &Message{
		Janus:    TypeDetach,
		HandleID: h.ID,
	}, false)
	h.tunnel.cfg.Metrics.SFUOperation(TypeDetach, err)
	return errors.Wrap(err, "detach")
}
