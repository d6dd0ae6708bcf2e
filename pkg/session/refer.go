package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/dialog"
	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// referExpires время жизни подписки REFER в Subscription-State
const referExpires = 60

// ReferOptions параметры перевода
type ReferOptions struct {
	Headers sipmsg.Headers
}

// Refer отправляет REFER и возвращает подписку на результат перевода.
// Ход перевода приходит событиями refer с Originator local.
func (s *Session) Refer(target string, opts ReferOptions) (*dialog.ReferSubscription, error) {
	uri, err := validTarget(target)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if st := s.statusLocked(); st != StatusConfirmed || s.dlg == nil {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidState, "refer in %s", st)
	}
	headers := append(sipmsg.Headers(nil), opts.Headers...).Add("Refer-To", "<"+uri+">")
	req, err := s.dlg.NewRequest(sipmsg.REFER, headers, "", nil)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sub := dialog.NewReferSubscription(req.CSeq)
	s.referSubs[sub.ID()] = sub
	s.mu.Unlock()

	finish := func(code int) {
		sub.Terminate(code)
		s.forgetRefer(sub)
		s.emitRefer(sub, code)
	}
	_, err = s.cfg.Transport.Request(context.Background(), req, sipmsg.ClientHandlers{
		OnSuccess: func(res *sipmsg.Response) {
			s.emitRefer(sub, res.StatusCode)
		},
		OnError: func(res *sipmsg.Response) {
			finish(res.StatusCode)
		},
		OnTimeout: func() {
			finish(408)
		},
		OnTransportError: func(error) {
			finish(503)
		},
	})
	if err != nil {
		s.forgetRefer(sub)
		sub.Terminate(503)
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	return sub, nil
}

func (s *Session) forgetRefer(sub *dialog.ReferSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.referSubs[sub.ID()] == sub {
		delete(s.referSubs, sub.ID())
	}
}

func (s *Session) emitRefer(sub *dialog.ReferSubscription, code int) {
	s.emit(event.Event{
		Kind:       event.Refer,
		Originator: event.Local,
		Code:       code,
		Info:       sub.State(),
		Payload:    sub,
	})
}

// receiveNotify обрабатывает NOTIFY подписки REFER и события SFU
func (s *Session) receiveNotify(req *sipmsg.Request, tx sipmsg.ServerTx) {
	ev := sipmsg.ParseEvent(req.Header("Event"))
	switch ev.Package {
	case "refer":
		s.mu.Lock()
		sub, ok := s.referSubs[ev.ID]
		s.mu.Unlock()
		if !ok {
			respond(tx, sipmsg.NewResponse(req, 481, ""))
			return
		}
		code, _, err := sipmsg.ParseSipfrag(req.Body)
		if err != nil {
			respond(tx, sipmsg.NewResponse(req, 400, ""))
			return
		}
		respond(tx, sipmsg.NewResponse(req, 200, ""))

		changed := sub.Advance(code)
		terminated := sipmsg.ParseEvent(req.Header("Subscription-State")).Package == "terminated"
		if sub.Final() || terminated {
			sub.Terminate(code)
			s.forgetRefer(sub)
			changed = true
		}
		if changed {
			s.emitRefer(sub, code)
		}

	case janus.EventPackage:
		respond(tx, sipmsg.NewResponse(req, 200, ""))
		s.mu.Lock()
		conf := s.conf
		s.mu.Unlock()
		if conf != nil {
			conf.dispatch(req.Body)
		}

	default:
		respond(tx, sipmsg.NewResponse(req, 489, ""))
	}
}

// ReferRequest входящий запрос перевода, ожидающий решения хоста
type ReferRequest struct {
	// Target адрес, на который предлагается перевести вызов
	Target  string
	Request *sipmsg.Request

	s    *Session
	id   string
	once sync.Once
}

// Accept принимает перевод: создает новую сессию к Target и сообщает ее
// ход удаленной стороне через NOTIFY
func (r *ReferRequest) Accept(ctx context.Context, opts CallOptions) (*Session, error) {
	var (
		res *Session
		err error
	)
	decided := false
	r.once.Do(func() {
		decided = true
		observer := opts.OnEvent
		opts.OnEvent = func(e event.Event) {
			r.progress(e)
			if observer != nil {
				observer(e)
			}
		}
		res, err = r.s.router.spawn(ctx, r.Target, opts)
		if err != nil {
			r.s.sendReferNotify(r.id, 503, "", true)
		}
	})
	if !decided {
		return nil, errors.Wrap(ErrInvalidState, "refer already decided")
	}
	return res, err
}

// Reject отклоняет перевод (NOTIFY 603)
func (r *ReferRequest) Reject() {
	r.once.Do(func() {
		r.s.sendReferNotify(r.id, 603, "", true)
	})
}

// progress переводит события новой сессии в NOTIFY
func (r *ReferRequest) progress(e event.Event) {
	switch e.Kind {
	case event.Progress:
		if e.Code > 100 {
			r.s.sendReferNotify(r.id, e.Code, e.Reason, false)
		}
	case event.Accepted:
		r.s.sendReferNotify(r.id, 200, "", true)
	case event.Failed:
		code := e.Code
		if code < 300 {
			code = 487
		}
		r.s.sendReferNotify(r.id, code, e.Reason, true)
	}
}

// receiveRefer принимает REFER: 202, NOTIFY 100 Trying и событие refer с
// решением для хоста
func (s *Session) receiveRefer(req *sipmsg.Request, tx sipmsg.ServerTx) {
	if s.Status() != StatusConfirmed {
		respond(tx, sipmsg.NewResponse(req, 403, "Wrong Status"))
		return
	}
	referTo := req.Header("Refer-To")
	if referTo == "" {
		respond(tx, sipmsg.NewResponse(req, 400, "Missing Refer-To"))
		return
	}
	uri := sipmsg.ExtractURI(referTo)
	if scheme := sipmsg.URIScheme(uri); scheme != "sip" && scheme != "sips" {
		respond(tx, sipmsg.NewResponse(req, 416, ""))
		return
	}
	respond(tx, sipmsg.NewResponse(req, 202, ""))

	id := fmt.Sprintf("%d", req.CSeq)
	s.sendReferNotify(id, 100, "", false)
	s.emit(event.Event{
		Kind:       event.Refer,
		Originator: event.Remote,
		Info:       uri,
		Payload:    &ReferRequest{Target: uri, Request: req, s: s, id: id},
	})
}

// sendReferNotify сообщает ход перевода телом message/sipfrag
func (s *Session) sendReferNotify(id string, code int, reason string, final bool) {
	state := fmt.Sprintf("active;expires=%d", referExpires)
	if final {
		state = "terminated;reason=noresource"
	}
	headers := sipmsg.Headers{}.
		Add("Event", "refer;id="+id).
		Add("Subscription-State", state)

	dlg := s.Dialog()
	if dlg == nil {
		return
	}
	req, err := dlg.NewRequest(sipmsg.NOTIFY, headers, sipmsg.ContentTypeSipfrag, sipmsg.Sipfrag(code, reason))
	if err != nil {
		s.log.Debug().Err(err).Int("code", code).Msg("refer notify after dialog end")
		return
	}
	if _, err := s.cfg.Transport.Request(context.Background(), req, sipmsg.ClientHandlers{}); err != nil {
		s.log.Warn().Err(err).Msg("send refer NOTIFY")
	}
}
