package event

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// subscriberBuffer размер буфера канала подписчика
const subscriberBuffer = 128

// terminalWait сколько доставка ждет место в буфере для ended и failed
const terminalWait = time.Second

// Bus упорядоченная неблокирующая доставка событий подписчикам.
//
// Emit только ставит событие в очередь; доставку выполняет отдельная
// горутина. Медленный подписчик теряет промежуточные события, но не
// тормозит сессию. Завершающие события ended и failed не теряются, пока
// подписчик освобождает буфер в пределах terminalWait.
type Bus struct {
	log zerolog.Logger

	mu     sync.Mutex
	queue  []Event
	subs   map[int]*subscriber
	nextID int
	closed bool

	wake chan struct{}
	done chan struct{}
}

type subscriber struct {
	id   int
	ch   chan Event
	gone chan struct{}
	once sync.Once

	// mu держится на время отправки: канал не закрывается под ней
	mu     sync.Mutex
	closed bool
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.gone)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		close(s.ch)
	})
}

// NewBus создает шину и запускает горутину доставки
func NewBus(log zerolog.Logger) *Bus {
	b := &Bus{
		log:  log.With().Str("module", "event").Logger(),
		subs: make(map[int]*subscriber),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go b.loop()
	return b
}

// Emit реализует Sink
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, e)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Subscribe возвращает канал событий и функцию отписки
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscriber{
		id:   b.nextID,
		ch:   make(chan Event, subscriberBuffer),
		gone: make(chan struct{}),
	}
	b.nextID++
	if b.closed {
		sub.close()
		return sub.ch, func() {}
	}
	b.subs[sub.id] = sub

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
		sub.close()
	}
}

// Close останавливает доставку и закрывает каналы подписчиков
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
}

func (b *Bus) loop() {
	for {
		select {
		case <-b.wake:
			b.flush()
		case <-b.done:
			b.mu.Lock()
			subs := b.subs
			b.subs = make(map[int]*subscriber)
			b.mu.Unlock()
			for _, sub := range subs {
				sub.close()
			}
			return
		}
	}
}

func (b *Bus) flush() {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, e := range batch {
		for _, sub := range subs {
			b.deliver(sub, e)
		}
	}
}

func (b *Bus) deliver(sub *subscriber, e Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- e:
		return
	default:
	}
	if e.Kind == Ended || e.Kind == Failed {
		timer := time.NewTimer(terminalWait)
		defer timer.Stop()
		select {
		case sub.ch <- e:
			return
		case <-sub.gone:
			return
		case <-b.done:
		case <-timer.C:
		}
	}
	b.log.Warn().Int("subscriber", sub.id).Str("kind", string(e.Kind)).Str("session", e.SessionID).Msg("event dropped, subscriber is slow")
}

// Recorder накапливает события в памяти. Используется в тестах и в
// хостах, которым нужна история событий.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit реализует Sink
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events копия накопленных событий
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds типы событий по порядку
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

// Count количество событий указанного типа
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Has было ли событие указанного типа
func (r *Recorder) Has(kind Kind) bool {
	return r.Count(kind) > 0
}

// Last последнее событие указанного типа
func (r *Recorder) Last(kind Kind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}
