package dialog

import (
	"context"
	"strconv"
	"sync"

	"github.com/looplab/fsm"
)

// ReferState состояние подписки REFER (RFC 3515/3265).
// Состояния сведены к упрощенному набору, достаточному для софтфона:
// pending    - REFER отправлен/получен, NOTIFY еще не было;
// trying     - NOTIFY с 100 Trying;
// proceeding - NOTIFY с 1xx (Ringing);
// completed  - NOTIFY с окончательным кодом < 300;
// failed     - NOTIFY с окончательным кодом >= 300 или REFER отклонен;
// terminated - подписка закрыта, NOTIFY больше не будет.
const (
	ReferStatePending    = "pending"
	ReferStateTrying     = "trying"
	ReferStateProceeding = "proceeding"
	ReferStateCompleted  = "completed"
	ReferStateFailed     = "failed"
	ReferStateTerminated = "terminated"
)

const (
	referNotify100     = "notify_100"
	referNotify1xx     = "notify_1xx"
	referNotifySuccess = "notify_success"
	referNotifyFailure = "notify_failure"
	referTerminate     = "terminate"
)

func newReferFSM() *fsm.FSM {
	return fsm.NewFSM(
		ReferStatePending,
		fsm.Events{
			{Name: referNotify100, Src: []string{ReferStatePending}, Dst: ReferStateTrying},
			{Name: referNotify1xx, Src: []string{ReferStatePending, ReferStateTrying, ReferStateProceeding}, Dst: ReferStateProceeding},
			{Name: referNotifySuccess, Src: []string{ReferStatePending, ReferStateTrying, ReferStateProceeding}, Dst: ReferStateCompleted},
			{Name: referNotifyFailure, Src: []string{ReferStatePending, ReferStateTrying, ReferStateProceeding}, Dst: ReferStateFailed},
			{Name: referTerminate, Src: []string{ReferStatePending, ReferStateTrying, ReferStateProceeding, ReferStateCompleted, ReferStateFailed}, Dst: ReferStateTerminated},
		},
		fsm.Callbacks{},
	)
}

// ReferSubscription подписка на результат перевода.
//
// Используется обеими сторонами: отправитель REFER продвигает ее по
// кодам из NOTIFY, получатель - по кодам новой сессии перед отправкой
// NOTIFY. Ключ подписки - CSeq запроса REFER (параметр id заголовка Event).
type ReferSubscription struct {
	id string

	mu        sync.Mutex
	machine   *fsm.FSM
	finalCode int
	done      chan struct{}
}

// NewReferSubscription создает подписку для REFER с указанным CSeq
func NewReferSubscription(cseq uint32) *ReferSubscription {
	return &ReferSubscription{
		id:      strconv.FormatUint(uint64(cseq), 10),
		machine: newReferFSM(),
		done:    make(chan struct{}),
	}
}

// ID идентификатор подписки
func (s *ReferSubscription) ID() string {
	return s.id
}

// State текущее состояние
func (s *ReferSubscription) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// FinalCode окончательный код перевода (0, пока не известен)
func (s *ReferSubscription) FinalCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalCode
}

// Done закрывается, когда известен окончательный результат
func (s *ReferSubscription) Done() <-chan struct{} {
	return s.done
}

// Advance применяет код статуса из sipfrag. Возвращает false, если код
// не меняет состояние (повтор или подписка уже завершена).
func (s *ReferSubscription) Advance(code int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var event string
	switch {
	case code == 100:
		event = referNotify100
	case code > 100 && code < 200:
		event = referNotify1xx
	case code >= 200 && code < 300:
		event = referNotifySuccess
	case code >= 300:
		event = referNotifyFailure
	default:
		return false
	}
	if !s.machine.Can(event) {
		return false
	}
	before := s.machine.Current()
	if err := s.machine.Event(context.Background(), event); err != nil && before == s.machine.Current() {
		// повторный 1xx в proceeding
		return event == referNotify1xx
	}
	if event == referNotifySuccess || event == referNotifyFailure {
		s.finalCode = code
		close(s.done)
	}
	return true
}

// Terminate закрывает подписку. Если результат не был получен, подписка
// считается неудачной с кодом code.
func (s *ReferSubscription) Terminate(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.Current() == ReferStateTerminated {
		return
	}
	if s.finalCode == 0 {
		s.finalCode = code
		close(s.done)
	}
	_ = s.machine.Event(context.Background(), referTerminate)
}

// Final получен ли окончательный результат
func (s *ReferSubscription) Final() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalCode != 0
}
