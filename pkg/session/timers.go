package session

import (
	"sync"
	"time"
)

// Таймеры, которыми владеет сессия
const (
	timerNoAnswer  = "no_answer"
	timerExpires   = "expires"
	timerInvite2xx = "invite_2xx"
	timerAck       = "ack"
	timerSession   = "session"
)

// timerSet именованные таймеры сессии.
//
// Каждый запуск получает поколение; сработавший таймер выполняет
// обработчик, только если его поколение актуально и набор не остановлен.
type timerSet struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	gen     map[string]uint64
	stopped bool
	stops   int
}

func newTimerSet() *timerSet {
	return &timerSet{
		timers: make(map[string]*time.Timer),
		gen:    make(map[string]uint64),
	}
}

// start запускает (или перезапускает) таймер name
func (t *timerSet) start(name string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if old, ok := t.timers[name]; ok {
		old.Stop()
	}
	t.gen[name]++
	g := t.gen[name]
	t.timers[name] = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.stopped || t.gen[name] != g {
			t.mu.Unlock()
			return
		}
		delete(t.timers, name)
		t.mu.Unlock()
		fn()
	})
}

// stop отменяет таймер name
func (t *timerSet) stop(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[name]; ok {
		old.Stop()
		delete(t.timers, name)
		t.gen[name]++
	}
}

// active запущен ли таймер name
func (t *timerSet) active(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[name]
	return ok
}

// stopAll отменяет все таймеры; после этого новые не запускаются
func (t *timerSet) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.stops++
	for name, tm := range t.timers {
		tm.Stop()
		delete(t.timers, name)
	}
}

// pending количество запущенных таймеров
func (t *timerSet) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
