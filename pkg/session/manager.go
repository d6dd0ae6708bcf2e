package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/sfu_phone/pkg/dialog"
	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// ErrManagerClosed менеджер остановлен
var ErrManagerClosed = errors.New("session manager closed")

// Manager владеет сессиями и маршрутизирует входящие запросы: новые
// INVITE создают входящие сессии, запросы внутри диалога уходят
// обработчику по ключу диалога.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	routes   map[dialog.Key]sipmsg.RequestHandler
	// invites входящие сессии по Call-ID и тегу From для CANCEL
	invites map[string]*Session
	closed  bool
}

var _ router = (*Manager)(nil)

// NewManager создает менеджер сессий
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("module", "session_manager").Logger(),
		sessions: make(map[*Session]struct{}),
		routes:   make(map[dialog.Key]sipmsg.RequestHandler),
		invites:  make(map[string]*Session),
	}
}

// Call начинает исходящий вызов. Сессия возвращается и при ошибке
// отправки, если она успела быть создана.
func (m *Manager) Call(ctx context.Context, target string, opts CallOptions) (*Session, error) {
	s := newSession(m.cfg, m, Outgoing, opts.OnEvent)
	if !m.track(s) {
		s.discard()
		return nil, ErrManagerClosed
	}
	if err := s.connect(ctx, target, opts); err != nil {
		if s.ID() == "" {
			m.forget(s)
			s.discard()
			return nil, err
		}
		return s, err
	}
	return s, nil
}

func (m *Manager) track(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.sessions[s] = struct{}{}
	return true
}

// Session ищет сессию по идентификатору
func (m *Manager) Session(id string) (*Session, bool) {
	for _, s := range m.Sessions() {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// Sessions активные сессии
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// HandleRequest точка входа транспорта для всех входящих запросов
func (m *Manager) HandleRequest(req *sipmsg.Request, tx sipmsg.ServerTx) {
	if req.ToTag != "" {
		m.mu.RLock()
		h, ok := m.routes[dialog.KeyFromRequest(req)]
		m.mu.RUnlock()
		if !ok {
			if req.Method != sipmsg.ACK {
				respond(tx, sipmsg.NewResponse(req, 481, ""))
			}
			return
		}
		h.HandleRequest(req, tx)
		return
	}

	switch req.Method {
	case sipmsg.INVITE:
		m.receiveInvite(req, tx)
	case sipmsg.CANCEL:
		m.mu.RLock()
		s, ok := m.invites[inviteKey(req.CallID, req.FromTag)]
		m.mu.RUnlock()
		if !ok {
			respond(tx, sipmsg.NewResponse(req, 481, ""))
			return
		}
		s.HandleRequest(req, tx)
	case sipmsg.OPTIONS:
		respond(tx, optionsResponse(req))
	case sipmsg.ACK:
	default:
		respond(tx, sipmsg.NewResponse(req, 405, "").WithHeaders(sipmsg.Header{Name: "Allow", Value: allowedMethods}))
	}
}

func (m *Manager) receiveInvite(req *sipmsg.Request, tx sipmsg.ServerTx) {
	key := inviteKey(req.CallID, req.FromTag)
	m.mu.RLock()
	_, dup := m.invites[key]
	m.mu.RUnlock()
	if dup {
		m.log.Debug().Str("call_id", req.CallID).Msg("drop retransmitted INVITE")
		return
	}

	s := newSession(m.cfg, m, Incoming, nil)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		respond(tx, sipmsg.NewResponse(req, 503, ""))
		s.discard()
		return
	}
	m.sessions[s] = struct{}{}
	m.invites[key] = s
	m.mu.Unlock()

	if err := s.receiveInvite(req, tx); err != nil {
		m.log.Warn().Err(err).Str("call_id", req.CallID).Msg("reject incoming INVITE")
		m.forget(s)
		return
	}
	s.emit(event.Event{Kind: event.NewSession, Originator: event.Remote, Info: req.From, Payload: s})
}

func inviteKey(callID, fromTag string) string {
	return callID + ";" + fromTag
}

func (m *Manager) bind(key dialog.Key, h sipmsg.RequestHandler) {
	m.mu.Lock()
	m.routes[key] = h
	m.mu.Unlock()
}

func (m *Manager) unbind(key dialog.Key) {
	m.mu.Lock()
	delete(m.routes, key)
	m.mu.Unlock()
}

func (m *Manager) spawn(ctx context.Context, target string, opts CallOptions) (*Session, error) {
	return m.Call(ctx, target, opts)
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s)
	for k, v := range m.invites {
		if v == s {
			delete(m.invites, k)
		}
	}
}

// Close завершает все сессии и ждет их окончания
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	sessions := m.Sessions()
	for _, s := range sessions {
		if err := s.Terminate(TerminateOptions{}); err != nil && !errors.Is(err, ErrTerminated) {
			m.log.Warn().Err(err).Str("session", s.ID()).Msg("terminate on shutdown")
		}
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
