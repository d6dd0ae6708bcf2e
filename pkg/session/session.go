// Package session реализует SIP сессию с медиа соединением: исходящий и
// входящий вызов, завершение, удержание, пересогласование, таймеры сессии,
// DTMF, INFO и REFER. В режиме конференции сессия несет туннель SFU и
// реестр участников.
//
// Состояние сессии защищено мьютексом; операции согласования выполняются
// через очередь с одним потребителем, поэтому удержание и входящий
// re-INVITE никогда не пересекаются. Блокировка не удерживается во время
// вызовов транспорта и медиа: после каждого ожидания состояние проверяется
// заново.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/sfu_phone/pkg/dialog"
	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/plugin"
	"github.com/arzzra/sfu_phone/pkg/sdputil"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// Direction направление вызова
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// router связь сессии с Manager: маршрутизация запросов по ключу диалога
// и создание новых сессий для REFER
type router interface {
	bind(key dialog.Key, h sipmsg.RequestHandler)
	unbind(key dialog.Key)
	spawn(ctx context.Context, target string, opts CallOptions) (*Session, error)
	forget(s *Session)
}

// Session одна SIP сессия с медиа
type Session struct {
	cfg       Config
	direction Direction
	log       zerolog.Logger
	created   time.Time
	router    router
	observer  func(event.Event)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	queue    *opQueue
	timers   *timerSet
	pipeline *plugin.Pipeline
	gathered chan struct{}
	gatherMu sync.Once

	mu       sync.Mutex
	id       string
	opaqueID string
	machine  *fsm.FSM
	invite   *sipmsg.Request
	// remoteURI адрес удаленной стороны для дополнительных диалогов
	remoteURI string
	inviteTx  sipmsg.ClientTx
	serverTx  sipmsg.ServerTx
	dlg       *dialog.Dialog

	// acked ACK на 2xx по to-тегу, повторяется на каждый повтор 2xx
	acked         map[string]*sipmsg.Request
	provisional   bool
	pendingCancel sipmsg.Headers
	cancelPending bool
	cancelSent    bool

	conn           media.Connection
	base           *media.Stream
	local          *media.Stream
	remote         *media.Stream
	remoteAnswered bool

	localHold  bool
	remoteHold bool
	audioMuted bool
	videoMuted bool
	// negotiating локальное предложение в работе (ожидается ответ)
	negotiating bool
	// remotePending входящее предложение в работе
	remotePending bool
	// lateOffer 200 содержит наше предложение, ответ ожидается в ACK
	lateOffer        bool
	confirmedEmitted bool
	deferredBye      sipmsg.Headers
	byeDeferred      bool

	expires   time.Duration
	refresher bool

	referSubs map[string]*dialog.ReferSubscription
	dtmf      []dtmfTone
	dtmfBusy  bool

	conf *conference
}

func newSession(cfg Config, r router, direction Direction, observer func(event.Event)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		direction: direction,
		created:   time.Now(),
		router:    r,
		observer:  observer,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		queue:     newOpQueue(),
		timers:    newTimerSet(),
		gathered:  make(chan struct{}),
		machine:   newStatusFSM(),
		opaqueID:  cfg.NewOpaqueID(),
		acked:     make(map[string]*sipmsg.Request),
		referSubs: make(map[string]*dialog.ReferSubscription),
	}
	s.log = cfg.Logger.With().Str("module", "session").Str("direction", string(direction)).Logger()
	return s
}

// setID задает идентификатор сессии (Call-ID + локальный тег) и создает
// конвейер плагинов
func (s *Session) setID(callID, localTag string) {
	s.mu.Lock()
	s.id = callID + localTag
	s.mu.Unlock()
	s.log = s.log.With().Str("session", s.id).Str("call_id", callID).Logger()

	s.pipeline = plugin.NewPipeline(plugin.PipelineConfig{
		SessionID: s.id,
		Capturer:  s.cfg.Capturer,
		Sink:      event.SinkFunc(s.emit),
		Logger:    s.cfg.Logger,
		Metrics:   s.cfg.Metrics,
	})
	if s.cfg.Transforms != nil {
		for _, t := range s.cfg.Transforms() {
			s.pipeline.Add(t)
		}
	}
	if s.cfg.Sources != nil {
		for _, src := range s.cfg.Sources() {
			s.pipeline.AddSource(src)
		}
	}
	s.pipeline.Bind(senderSwapper{s: s}, &sessionHost{s: s})
	s.cfg.Metrics.SessionCreated(string(s.direction))
}

// ID идентификатор сессии
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Direction направление вызова
func (s *Session) Direction() Direction {
	return s.direction
}

// Status текущее состояние
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// IsTerminated завершена ли сессия
func (s *Session) IsTerminated() bool {
	return s.Status().Terminal()
}

// Done закрывается при переходе в конечное состояние
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// OpaqueID идентификатор корреляции SFU
func (s *Session) OpaqueID() string {
	return s.opaqueID
}

// Dialog текущий диалог или nil
func (s *Session) Dialog() *dialog.Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dlg
}

// Connection медиа соединение или nil
func (s *Session) Connection() media.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// LocalStream внешний локальный поток
func (s *Session) LocalStream() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// RemoteStream поток удаленных треков
func (s *Session) RemoteStream() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// IsOnHold флаги локального и удаленного удержания
func (s *Session) IsOnHold() (local, remote bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localHold, s.remoteHold
}

// IsMuted флаги выключения звука и видео
func (s *Session) IsMuted() (audio, video bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioMuted, s.videoMuted
}

// Conference признак режима конференции
func (s *Session) Conference() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conf != nil
}

// Plugins имена плагинов сессии
func (s *Session) Plugins() []string {
	return s.pipeline.Plugins()
}

// TogglePlugin включает или выключает плагин посреди вызова
func (s *Session) TogglePlugin(ctx context.Context, name string, on bool) error {
	if s.IsTerminated() {
		return ErrTerminated
	}
	return s.pipeline.Toggle(ctx, name, on)
}

func (s *Session) emit(e event.Event) {
	if e.SessionID == "" {
		e.SessionID = s.ID()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.cfg.Sink.Emit(e)
	if s.observer != nil {
		s.observer(e)
	}
}

// prepareMedia захватывает локальный поток, пропускает его через
// немедленные плагины и создает соединение
func (s *Session) prepareMedia(ctx context.Context, c media.Constraints) (Cause, error) {
	base := media.NewStream(s.ID())
	if (c.Audio || c.Video) && s.cfg.Capturer != nil {
		captured, err := s.cfg.Capturer.Capture(ctx, c)
		if err != nil {
			return CauseUserDeniedMediaAcces, errors.Wrap(err, "capture local media")
		}
		base = captured
	}

	outward, err := s.pipeline.Process(ctx, plugin.TypeVideo, base)
	if err != nil {
		base.Stop()
		return CauseInternalError, errors.Wrap(err, "process local stream")
	}

	conn, err := s.cfg.Factory.NewConnection(ctx)
	if err != nil {
		base.Stop()
		return CauseWebRTCError, errors.Wrap(err, "new connection")
	}
	for _, t := range outward.Tracks() {
		if _, err := conn.AddTrack(t, outward); err != nil {
			_ = conn.Close()
			base.Stop()
			return CauseWebRTCError, errors.Wrapf(err, "add %s track", t.Kind())
		}
	}
	conn.OnICECandidate(s.onCandidate)
	conn.OnConnectionStateChange(s.onConnectionState)
	conn.OnTrack(s.onTrack)

	s.mu.Lock()
	if s.statusLocked().Terminal() {
		s.mu.Unlock()
		_ = conn.Close()
		base.Stop()
		return CauseCanceled, ErrTerminated
	}
	s.conn = conn
	s.base = base
	s.local = outward
	s.remote = media.NewStream(s.id + "-remote")
	s.mu.Unlock()

	s.applyTransmit()
	return "", nil
}

func (s *Session) onCandidate(c *media.Candidate) {
	s.mu.Lock()
	conf := s.conf
	s.mu.Unlock()
	if conf != nil {
		conf.addCandidate(c)
	}
	if c == nil {
		s.gatherMu.Do(func() { close(s.gathered) })
	}
}

func (s *Session) onConnectionState(state media.ConnectionState) {
	s.log.Debug().Str("state", string(state)).Msg("media connection state")
	if state != media.StateFailed {
		return
	}
	go func() {
		err := s.Terminate(TerminateOptions{Code: 408, Reason: "RTP Timeout", cause: CauseRTPTimeout})
		if err != nil && !errors.Is(err, ErrTerminated) {
			s.log.Warn().Err(err).Msg("terminate after media failure")
		}
	}()
}

func (s *Session) onTrack(t media.Track, streamID string) {
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if remote != nil {
		remote.AddTrack(t)
	}
	s.log.Debug().Str("track", t.ID()).Str("kind", string(t.Kind())).Str("stream", streamID).Msg("remote track")
}

// awaitGathering ждет окончания сбора ICE кандидатов, но не дольше
// ICETimeout
func (s *Session) awaitGathering(ctx context.Context) {
	timer := time.NewTimer(s.cfg.ICETimeout)
	defer timer.Stop()
	select {
	case <-s.gathered:
	case <-timer.C:
		s.log.Debug().Msg("ice gathering timeout, sending current description")
	case <-ctx.Done():
	case <-s.done:
	}
}

// localSDP текущее локальное описание с направлениями по флагам удержания
func (s *Session) localSDP(conn media.Connection) string {
	d := conn.LocalDescription()
	if d == nil {
		return ""
	}
	return d.SDP
}

// mangle выставляет направления медиа по текущим флагам удержания
func (s *Session) mangle(d media.Description) (media.Description, error) {
	s.mu.Lock()
	localHold, remoteHold := s.localHold, s.remoteHold
	s.mu.Unlock()
	raw, err := sdputil.MangleDirections(d.SDP, localHold, remoteHold)
	if err != nil {
		return d, err
	}
	d.SDP = raw
	return d, nil
}

// applyTransmit включает передачу треков: трек передает, только если он
// не выключен и сессия не на удержании ни с одной стороны
func (s *Session) applyTransmit() {
	s.mu.Lock()
	held := s.localHold || s.remoteHold
	audio := !s.audioMuted && !held
	video := !s.videoMuted && !held
	local := s.local
	s.mu.Unlock()
	if local == nil {
		return
	}
	local.SetEnabled(media.KindAudio, audio)
	local.SetEnabled(media.KindVideo, video)
}

// ending параметры перехода в конечное состояние
type ending struct {
	kind       event.Kind
	originator event.Originator
	cause      Cause
	code       int
	reason     string
	// status событие автомата: evCancel или evTerminate
	status string
	// bye отправить BYE с заголовками byeHeaders
	bye        bool
	byeHeaders sipmsg.Headers
}

// end переводит сессию в конечное состояние ровно один раз и освобождает
// все, чем она владеет. Возвращает false, если сессия уже завершена.
func (s *Session) end(e ending) bool {
	s.mu.Lock()
	if s.statusLocked().Terminal() {
		s.mu.Unlock()
		return false
	}
	if e.status == "" {
		e.status = evTerminate
	}
	if err := s.transitionLocked(e.status); err != nil {
		s.log.Error().Err(err).Msg("terminal transition")
	}
	s.timers.stopAll()
	dlg := s.dlg
	conn := s.conn
	base, local := s.base, s.local
	conf := s.conf
	subs := s.referSubs
	s.referSubs = make(map[string]*dialog.ReferSubscription)
	s.dtmf = nil
	s.mu.Unlock()

	close(s.done)
	s.queue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SFUTimeout)
	defer cancel()

	if conf != nil {
		// detach уходит до BYE, пока диалог жив
		conf.close(ctx, e.bye)
	}
	if e.bye && dlg != nil {
		s.sendBye(dlg, e.byeHeaders)
	}
	if dlg != nil {
		dlg.Terminate()
		if s.router != nil {
			s.router.unbind(dlg.Key())
		}
	}
	for _, sub := range subs {
		sub.Terminate(487)
	}
	if s.pipeline != nil {
		s.pipeline.Close(ctx)
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close media connection")
		}
	}
	if local != nil {
		local.Stop()
	}
	if base != nil {
		base.Stop()
	}
	if s.router != nil {
		s.router.forget(s)
	}
	s.cancel()

	s.cfg.Metrics.SessionTerminated(string(e.cause), string(e.originator), time.Since(s.created))
	s.log.Info().
		Str("cause", string(e.cause)).
		Str("originator", string(e.originator)).
		Int("code", e.code).
		Msg("session " + string(e.kind))
	s.emit(event.Event{
		Kind:       e.kind,
		Originator: e.originator,
		Cause:      string(e.cause),
		Code:       e.code,
		Reason:     e.reason,
	})
	return true
}

// fail завершает сессию с событием failed
func (s *Session) fail(originator event.Originator, cause Cause, code int, reason string) {
	s.end(ending{kind: event.Failed, originator: originator, cause: cause, code: code, reason: reason})
}

func (s *Session) sendBye(dlg *dialog.Dialog, headers sipmsg.Headers) {
	req, err := dlg.NewRequest(sipmsg.BYE, headers, "", nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("build BYE")
		return
	}
	// транзакция BYE переживает контекст сессии
	if _, err := s.cfg.Transport.Request(context.Background(), req, sipmsg.ClientHandlers{}); err != nil {
		s.log.Warn().Err(err).Msg("send BYE")
	}
}

// reasonHeaders добавляет Reason к заголовкам, если задан код
func reasonHeaders(h sipmsg.Headers, code int, reason string) sipmsg.Headers {
	if code == 0 {
		return h
	}
	return h.Add("Reason", sipmsg.CancelReason(code, reason))
}

// senderSwapper подменяет трек у отправителя соединения сессии
type senderSwapper struct {
	s *Session
}

// SwapTrack реализует plugin.TrackSwapper
func (w senderSwapper) SwapTrack(old, track media.Track) error {
	w.s.mu.Lock()
	conn := w.s.conn
	local := w.s.local
	w.s.mu.Unlock()
	if conn == nil {
		return ErrTerminated
	}
	defer w.s.applyTransmit()
	for _, snd := range conn.Senders() {
		if t := snd.Track(); t != nil && t.ID() == old.ID() {
			return snd.ReplaceTrack(track)
		}
	}
	_, err := conn.AddTrack(track, local)
	return err
}
