// Package room ведет модель конференции: реестр удаленных участников,
// публикующих потоки в комнату SFU.
//
// Реестр получает списки публикаций от SFU (joined, event, synced) и
// создает участника для каждой новой публикации, кроме собственной.
// Участник, пропавший из полного снимка (synced) или явно снятый с
// публикации (unpublished, leaving), отключается: треки останавливаются,
// соединение закрывается, handle освобождается.
package room

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/metrics"
)

// Signaler создает handle SFU для нового участника
type Signaler interface {
	Attach(ctx context.Context) (*janus.Handle, error)
}

// Config параметры реестра
type Config struct {
	// SessionID идентификатор сессии-владельца для событий
	SessionID string
	Room      uint64
	Signaler  Signaler
	Factory   media.Factory
	Sink      event.Sink
	// Debounce задержка пачки кандидатов участника
	Debounce time.Duration
	// DetachTimeout время ожидания ответа на detach
	DetachTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// Registry участники одной конференции, ключ - id публикации
type Registry struct {
	cfg Config
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	self      uint64
	privateID uint64
	members   map[uint64]*Member
	// attaching участники, для которых идет последовательность подключения;
	// false - участник снят до ее завершения
	attaching map[uint64]bool
	closed    bool
}

// New создает реестр
func New(cfg Config) *Registry {
	if cfg.Sink == nil {
		cfg.Sink = event.Discard
	}
	if cfg.DetachTimeout <= 0 {
		cfg.DetachTimeout = janus.DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("module", "room").Str("session", cfg.SessionID).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		members:   make(map[uint64]*Member),
		attaching: make(map[uint64]bool),
	}
}

// SetSelf запоминает собственный id публикации, чтобы не подписываться на себя
func (r *Registry) SetSelf(id, privateID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = id
	r.privateID = privateID
}

// PrivateID идентификатор владельца для join subscriber
func (r *Registry) PrivateID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.privateID
}

// Join добавляет новые публикации из списка, не удаляя отсутствующие
func (r *Registry) Join(pubs []janus.PublisherInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(pubs)
}

// Sync приводит реестр к полному снимку публикаций
func (r *Registry) Sync(pubs []janus.PublisherInfo) {
	r.mu.Lock()
	present := make(map[uint64]bool, len(pubs))
	for _, p := range pubs {
		present[p.ID] = true
	}
	var gone []*Member
	for id, m := range r.members {
		if !present[id] {
			delete(r.members, id)
			gone = append(gone, m)
		}
	}
	for id := range r.attaching {
		if !present[id] {
			r.attaching[id] = false
		}
	}
	r.addLocked(pubs)
	r.mu.Unlock()

	for _, m := range gone {
		r.remove(m)
	}
}

// Unpublished отключает участника по id публикации
func (r *Registry) Unpublished(id uint64) {
	r.mu.Lock()
	m, ok := r.members[id]
	if ok {
		delete(r.members, id)
	}
	if _, pending := r.attaching[id]; pending {
		r.attaching[id] = false
	}
	r.mu.Unlock()

	if ok {
		r.remove(m)
	}
}

// UpdateState обновляет состояние участника и сообщает об изменении
func (r *Registry) UpdateState(id uint64, state map[string]any) {
	r.mu.Lock()
	m, ok := r.members[id]
	r.mu.Unlock()
	if !ok || !m.mergeState(state) {
		return
	}
	r.cfg.Sink.Emit(event.Event{
		SessionID: r.cfg.SessionID,
		Kind:      event.MemberUpdate,
		Member:    m.display,
		Payload:   m.State(),
		Stream:    m.stream,
		Time:      time.Now(),
	})
}

// HandleEvent разбирает событие видеокомнаты основного handle
func (r *Registry) HandleEvent(ev *janus.RoomEvent) {
	switch {
	case ev.VideoRoom == janus.RoomSynced:
		r.Sync(ev.Publishers)
	case len(ev.Publishers) > 0:
		r.Join(ev.Publishers)
		for _, p := range ev.Publishers {
			if len(p.State) > 0 {
				r.UpdateState(p.ID, p.State)
			}
		}
	}
	if id, ok := ev.UnpublishedID(); ok {
		r.Unpublished(id)
	}
	if id, ok := ev.LeavingID(); ok {
		r.Unpublished(id)
	}
}

func (r *Registry) addLocked(pubs []janus.PublisherInfo) {
	if r.closed {
		return
	}
	for _, p := range pubs {
		if p.ID == 0 || p.ID == r.self {
			continue
		}
		if _, ok := r.members[p.ID]; ok {
			continue
		}
		if alive, ok := r.attaching[p.ID]; ok {
			// повторно объявлен до завершения подключения
			if !alive {
				r.attaching[p.ID] = true
			}
			continue
		}
		r.attaching[p.ID] = true
		r.wg.Add(1)
		go r.runAttach(p)
	}
}

func (r *Registry) runAttach(info janus.PublisherInfo) {
	defer r.wg.Done()

	m, err := r.attachMember(r.ctx, info)

	r.mu.Lock()
	alive := r.attaching[info.ID] && !r.closed
	delete(r.attaching, info.ID)
	if err == nil && alive {
		r.members[info.ID] = m
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn().Err(err).Uint64("member", info.ID).Msg("member attach failed")
		return
	}
	if !alive {
		r.hangup(m)
		r.detach(m)
		return
	}

	r.cfg.Metrics.MembersDelta(1)
	m.log.Info().Str("display", m.display).Msg("member joined")
	r.cfg.Sink.Emit(event.Event{
		SessionID: r.cfg.SessionID,
		Kind:      event.MemberJoin,
		Member:    m.display,
		Stream:    m.stream,
		Payload:   m,
		Time:      time.Now(),
	})
}

// remove отключает участника и освобождает его handle
func (r *Registry) remove(m *Member) {
	r.hangup(m)
	r.detach(m)
	r.cfg.Metrics.MembersDelta(-1)
	m.log.Info().Msg("member hung up")
	r.cfg.Sink.Emit(event.Event{
		SessionID: r.cfg.SessionID,
		Kind:      event.MemberHangup,
		Member:    m.display,
		Payload:   m,
		Time:      time.Now(),
	})
}

// Member участник по id публикации
func (r *Registry) Member(id uint64) (*Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	return m, ok
}

// IDs отсортированные id участников
func (r *Registry) IDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len количество участников
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Wait ждет завершения всех начатых подключений
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Close отключает всех участников. Незавершенные подключения прерываются.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	members := make([]*Member, 0, len(r.members))
	for id, m := range r.members {
		delete(r.members, id)
		members = append(members, m)
	}
	r.mu.Unlock()

	for _, m := range members {
		r.remove(m)
	}
	r.cancel()
	r.wg.Wait()
}
