// Package dialog хранит состояние SIP диалога (RFC 3261 раздел 12):
// идентичность (Call-ID и пара тегов), номера CSeq, набор маршрутов и
// удаленный target.
//
// Диалог не отправляет сообщения сам: он формирует запросы внутри
// диалога и проверяет входящие, а транзакции выполняет владелец (сессия)
// через sipmsg.Transport.
package dialog

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// State состояние диалога
type State string

const (
	StateNone       State = "none"
	StateEarly      State = "early"
	StateConfirmed  State = "confirmed"
	StateTerminated State = "terminated"
)

// Role роль локальной стороны в диалоге
type Role int

const (
	RoleUAC Role = iota
	RoleUAS
)

func (r Role) String() string {
	if r == RoleUAS {
		return "uas"
	}
	return "uac"
}

var (
	// ErrTerminated диалог завершен, запросы внутри него недопустимы
	ErrTerminated = errors.New("dialog terminated")
	// ErrMissingTag ответ или запрос без тега удаленной стороны
	ErrMissingTag = errors.New("missing remote tag")
	// ErrOutOfOrder входящий запрос с CSeq меньше последнего
	ErrOutOfOrder = errors.New("request out of order")
	// ErrMismatch сообщение не относится к диалогу
	ErrMismatch = errors.New("message does not match dialog")
)

// Key идентификатор диалога с точки зрения локальной стороны
type Key struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// String формирует строковый идентификатор
func (k Key) String() string {
	return fmt.Sprintf("%s;%s;%s", k.CallID, k.LocalTag, k.RemoteTag)
}

// KeyFromRequest ключ диалога для входящего запроса внутри диалога:
// локальный тег в To, удаленный в From
func KeyFromRequest(req *sipmsg.Request) Key {
	return Key{CallID: req.CallID, LocalTag: req.ToTag, RemoteTag: req.FromTag}
}

// KeyFromResponse ключ диалога для ответа на исходящий запрос
func KeyFromResponse(res *sipmsg.Response) Key {
	return Key{CallID: res.CallID, LocalTag: res.FromTag, RemoteTag: res.ToTag}
}

// Dialog SIP диалог
type Dialog struct {
	mu sync.RWMutex

	key  Key
	role Role

	localURI     string
	remoteURI    string
	localTarget  string
	remoteTarget string
	routes       []string

	localSeq  uint32
	remoteSeq uint32

	machine *fsm.FSM
	onState func(from, to State)
}

func newDialog(role Role, key Key) *Dialog {
	return &Dialog{
		key:  key,
		role: role,
		machine: fsm.NewFSM(
			string(StateNone),
			fsm.Events{
				{Name: "early", Src: []string{string(StateNone)}, Dst: string(StateEarly)},
				// повторные confirm/terminate дают NoTransitionError
				{Name: "confirm", Src: []string{string(StateNone), string(StateEarly), string(StateConfirmed)}, Dst: string(StateConfirmed)},
				{Name: "terminate", Src: []string{string(StateNone), string(StateEarly), string(StateConfirmed), string(StateTerminated)}, Dst: string(StateTerminated)},
			},
			fsm.Callbacks{},
		),
	}
}

// NewUAC создает диалог исходящего INVITE по ответу с to-tag.
// 1xx создает ранний диалог, 2xx - подтвержденный.
func NewUAC(invite *sipmsg.Request, res *sipmsg.Response) (*Dialog, error) {
	if res.ToTag == "" {
		return nil, errors.Wrap(ErrMissingTag, "uac dialog")
	}
	d := newDialog(RoleUAC, Key{CallID: invite.CallID, LocalTag: invite.FromTag, RemoteTag: res.ToTag})
	d.localURI = invite.From
	d.remoteURI = invite.To
	d.localTarget = invite.Contact
	d.remoteTarget = res.Contact
	if d.remoteTarget == "" {
		d.remoteTarget = invite.URI
	}
	d.localSeq = invite.CSeq

	// для UAC набор маршрутов - Record-Route в обратном порядке
	d.routes = make([]string, 0, len(res.RecordRoute))
	for i := len(res.RecordRoute) - 1; i >= 0; i-- {
		d.routes = append(d.routes, res.RecordRoute[i])
	}

	event := "early"
	if res.IsSuccess() {
		event = "confirm"
	}
	if err := d.machine.Event(context.Background(), event); err != nil {
		return nil, errors.Wrap(err, "uac dialog")
	}
	return d, nil
}

// NewUAS создает ранний диалог входящего INVITE. localTag - тег,
// который будет отправлен в To ответов. Маршруты берутся из Record-Route
// запроса (поле Routes входящего запроса) в исходном порядке.
func NewUAS(invite *sipmsg.Request, localTag, contact string) (*Dialog, error) {
	if invite.FromTag == "" {
		return nil, errors.Wrap(ErrMissingTag, "uas dialog")
	}
	d := newDialog(RoleUAS, Key{CallID: invite.CallID, LocalTag: localTag, RemoteTag: invite.FromTag})
	d.localURI = invite.To
	d.remoteURI = invite.From
	d.localTarget = contact
	d.remoteTarget = invite.Contact
	d.remoteSeq = invite.CSeq
	d.routes = append([]string(nil), invite.Routes...)

	if err := d.machine.Event(context.Background(), "early"); err != nil {
		return nil, errors.Wrap(err, "uas dialog")
	}
	return d, nil
}

// Key ключ диалога
func (d *Dialog) Key() Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.key
}

// ID строковый идентификатор диалога
func (d *Dialog) ID() string {
	return d.Key().String()
}

// Role роль локальной стороны
func (d *Dialog) Role() Role {
	return d.role
}

// State текущее состояние
func (d *Dialog) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return State(d.machine.Current())
}

// IsTerminated завершен ли диалог
func (d *Dialog) IsTerminated() bool {
	return d.State() == StateTerminated
}

// OnStateChange задает обработчик смены состояния
func (d *Dialog) OnStateChange(fn func(from, to State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onState = fn
}

func (d *Dialog) transition(event string) error {
	d.mu.Lock()
	from := State(d.machine.Current())
	err := d.machine.Event(context.Background(), event)
	to := State(d.machine.Current())
	fn := d.onState
	d.mu.Unlock()

	if err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return errors.Wrapf(err, "dialog %s", event)
	}
	if fn != nil && from != to {
		fn(from, to)
	}
	return nil
}

// Confirm переводит диалог в подтвержденное состояние
func (d *Dialog) Confirm() error {
	return d.transition("confirm")
}

// Terminate завершает диалог. Повторный вызов ничего не делает.
func (d *Dialog) Terminate() {
	if d.IsTerminated() {
		return
	}
	_ = d.transition("terminate")
}

// Match проверяет, относится ли ключ к диалогу
func (d *Dialog) Match(k Key) bool {
	return d.Key() == k
}

// Update применяет ответ на запрос внутри диалога: 2xx на INVITE
// подтверждает ранний диалог, Contact обновляет удаленный target
func (d *Dialog) Update(res *sipmsg.Response) error {
	if res.ToTag != "" && res.ToTag != d.Key().RemoteTag {
		return errors.Wrapf(ErrMismatch, "to-tag %s", res.ToTag)
	}
	d.mu.Lock()
	if res.Contact != "" && (res.IsSuccess() || res.IsProvisional()) {
		d.remoteTarget = res.Contact
	}
	d.mu.Unlock()

	if res.IsSuccess() && res.CSeqMethod == sipmsg.INVITE {
		return d.Confirm()
	}
	return nil
}

// LocalSeq последний использованный локальный CSeq
func (d *Dialog) LocalSeq() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localSeq
}

// RemoteSeq последний принятый CSeq удаленной стороны
func (d *Dialog) RemoteSeq() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteSeq
}

// RemoteTarget текущий Contact удаленной стороны
func (d *Dialog) RemoteTarget() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTarget
}

// Routes копия набора маршрутов
func (d *Dialog) Routes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.routes...)
}

// NewRequest формирует запрос внутри диалога со следующим CSeq
func (d *Dialog) NewRequest(method string, headers sipmsg.Headers, contentType string, body []byte) (*sipmsg.Request, error) {
	if d.IsTerminated() {
		return nil, errors.Wrap(ErrTerminated, method)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localSeq++
	return d.buildLocked(method, d.localSeq, headers, contentType, body), nil
}

// NewAck формирует ACK на 2xx INVITE с CSeq этого INVITE.
// ACK формируется и для завершенного диалога: 2xx, пришедший после
// отмены, все равно подтверждается.
func (d *Dialog) NewAck(cseq uint32, contentType string, body []byte) *sipmsg.Request {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.buildLocked(sipmsg.ACK, cseq, nil, contentType, body)
}

func (d *Dialog) buildLocked(method string, cseq uint32, headers sipmsg.Headers, contentType string, body []byte) *sipmsg.Request {
	return &sipmsg.Request{
		Method:      method,
		URI:         d.remoteTarget,
		From:        d.localURI,
		FromTag:     d.key.LocalTag,
		To:          d.remoteURI,
		ToTag:       d.key.RemoteTag,
		CallID:      d.key.CallID,
		CSeq:        cseq,
		Contact:     d.localTarget,
		Routes:      append([]string(nil), d.routes...),
		Headers:     append(sipmsg.Headers(nil), headers...),
		ContentType: contentType,
		Body:        body,
	}
}

// Receive проверяет входящий запрос внутри диалога и запоминает его CSeq.
// ACK и CANCEL используют CSeq INVITE и не проверяются.
func (d *Dialog) Receive(req *sipmsg.Request) error {
	if !d.Match(KeyFromRequest(req)) {
		return ErrMismatch
	}
	if req.Method == sipmsg.ACK || req.Method == sipmsg.CANCEL {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remoteSeq != 0 && req.CSeq <= d.remoteSeq {
		return errors.Wrapf(ErrOutOfOrder, "cseq %d after %d", req.CSeq, d.remoteSeq)
	}
	d.remoteSeq = req.CSeq
	if (req.Method == sipmsg.INVITE || req.Method == sipmsg.UPDATE) && req.Contact != "" {
		d.remoteTarget = req.Contact
	}
	return nil
}
