package room

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/media"
)

// Member удаленный участник конференции: подписка на его публикацию.
//
// Участник владеет своим медиа соединением и handle SFU; они создаются и
// освобождаются вместе.
type Member struct {
	id      uint64
	display string

	handle  *janus.Handle
	conn    media.Connection
	stream  *media.Stream
	batcher *janus.Batcher
	log     zerolog.Logger

	mu     sync.RWMutex
	state  map[string]any
	hungUp bool
}

// ID идентификатор публикации участника
func (m *Member) ID() uint64 { return m.id }

// Display отображаемое имя
func (m *Member) Display() string { return m.display }

// HandleID идентификатор handle SFU участника
func (m *Member) HandleID() uint64 { return m.handle.ID }

// Connection медиа соединение участника
func (m *Member) Connection() media.Connection { return m.conn }

// Stream поток с удаленными треками участника
func (m *Member) Stream() *media.Stream { return m.stream }

// State копия состояния, сообщенного SFU (например, флаги mute)
func (m *Member) State() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.state))
	for k, v := range m.state {
		out[k] = v
	}
	return out
}

func (m *Member) mergeState(state map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for k, v := range state {
		if old, ok := m.state[k]; !ok || old != v {
			m.state[k] = v
			changed = true
		}
	}
	return changed
}

// attachMember выполняет последовательность подключения участника:
// attach -> join subscriber -> SDP предложение SFU -> новое соединение ->
// ответ -> start. Кандидаты отправляются отдельными trickle сообщениями.
func (r *Registry) attachMember(ctx context.Context, info janus.PublisherInfo) (*Member, error) {
	h, err := r.cfg.Signaler.Attach(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "attach member")
	}

	m := &Member{
		id:      info.ID,
		display: info.Display,
		handle:  h,
		stream:  media.NewStream(strconv.FormatUint(info.ID, 10)),
		state:   make(map[string]any, len(info.State)),
		log:     r.log.With().Uint64("member", info.ID).Uint64("handle", h.ID).Logger(),
	}
	for k, v := range info.State {
		m.state[k] = v
	}

	_, reply, err := h.Join(ctx, janus.Join{
		Room:      r.cfg.Room,
		PType:     janus.RoleSubscriber,
		Feed:      info.ID,
		PrivateID: r.PrivateID(),
	})
	if err != nil {
		r.detach(m)
		return nil, err
	}
	if reply.JSEP == nil || reply.JSEP.Type != media.SDPOffer {
		r.detach(m)
		return nil, errors.Wrap(janus.ErrMalformedReply, "subscriber join without offer")
	}

	conn, err := r.cfg.Factory.NewConnection(ctx)
	if err != nil {
		r.detach(m)
		return nil, errors.Wrap(err, "new member connection")
	}
	m.conn = conn
	m.batcher = janus.NewBatcher(r.cfg.Debounce, func() { r.trickle(m) })

	conn.OnTrack(func(t media.Track, _ string) {
		m.stream.AddTrack(t)
	})
	conn.OnICECandidate(func(c *media.Candidate) {
		if c == nil {
			m.batcher.Add(media.Candidate{Completed: true})
			return
		}
		m.batcher.Add(*c)
	})

	if err := r.negotiate(ctx, m, *reply.JSEP); err != nil {
		r.hangup(m)
		r.detach(m)
		return nil, err
	}

	h.OnEvent(func(ev *janus.Reply) {
		if ev.Janus == janus.TypeHangup || ev.Janus == janus.TypeDetached {
			r.Unpublished(m.id)
		}
	})
	return m, nil
}

func (r *Registry) negotiate(ctx context.Context, m *Member, offer media.Description) error {
	if err := m.conn.SetRemoteDescription(ctx, offer); err != nil {
		return errors.Wrap(err, "apply member offer")
	}
	answer, err := m.conn.CreateAnswer(ctx)
	if err != nil {
		return errors.Wrap(err, "create member answer")
	}
	if err := m.conn.SetLocalDescription(ctx, answer); err != nil {
		return errors.Wrap(err, "set member answer")
	}
	return m.handle.Start(ctx, r.cfg.Room, answer)
}

// trickle отправляет пачку кандидатов участника без configure
func (r *Registry) trickle(m *Member) {
	cands := m.batcher.Drain()
	if len(cands) == 0 {
		return
	}
	r.cfg.Metrics.TrickleBatch(len(cands))
	if err := m.handle.Trickle(r.ctx, cands); err != nil {
		m.log.Warn().Err(err).Msg("member trickle failed")
	}
}

// hangup останавливает треки и закрывает соединение участника
func (r *Registry) hangup(m *Member) {
	m.mu.Lock()
	if m.hungUp {
		m.mu.Unlock()
		return
	}
	m.hungUp = true
	m.mu.Unlock()

	if m.batcher != nil {
		m.batcher.Stop()
	}
	m.stream.Stop()
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.log.Warn().Err(err).Msg("close member connection")
		}
	}
}

// detach освобождает handle участника; ошибка только логируется
func (r *Registry) detach(m *Member) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DetachTimeout)
	defer cancel()
	if err := m.handle.Detach(ctx); err != nil {
		m.log.Warn().Err(err).Msg("member detach failed")
	}
}
