package janus

import (
	"sync"
	"time"

	"github.com/arzzra/sfu_phone/pkg/media"
)

// TrickleDebounce фиксированная задержка пачки ICE кандидатов
const TrickleDebounce = 500 * time.Millisecond

// Batcher накапливает ICE кандидатов и вызывает fire после паузы.
//
// Каждый новый кандидат перезапускает таймер. Срабатывание отмечает
// "последний trickle получен"; кандидаты остаются в буфере, пока владелец
// не заберет их через Drain.
type Batcher struct {
	delay time.Duration
	fire  func()

	mu      sync.Mutex
	buf     []media.Candidate
	timer   *time.Timer
	gen     uint64
	fired   bool
	stopped bool
}

// NewBatcher создает буфер; delay <= 0 означает TrickleDebounce
func NewBatcher(delay time.Duration, fire func()) *Batcher {
	if delay <= 0 {
		delay = TrickleDebounce
	}
	return &Batcher{delay: delay, fire: fire}
}

// Add добавляет кандидата и перезапускает таймер
func (b *Batcher) Add(c media.Candidate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.buf = append(b.buf, c)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = time.AfterFunc(b.delay, func() { b.onTimer(gen) })
}

func (b *Batcher) onTimer(gen uint64) {
	b.mu.Lock()
	// таймер перезапущен или остановлен после планирования
	if b.stopped || gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.fired = true
	b.timer = nil
	b.mu.Unlock()

	if b.fire != nil {
		b.fire()
	}
}

// Fired сработал ли таймер хотя бы раз
func (b *Batcher) Fired() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fired
}

// Drain забирает накопленных кандидатов
func (b *Batcher) Drain() []media.Candidate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf
	b.buf = nil
	return out
}

// Len количество накопленных кандидатов
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Stop отменяет таймер; дальнейшие кандидаты игнорируются
func (b *Batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.buf = nil
}
