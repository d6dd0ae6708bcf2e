package session

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/dialog"
	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/sdputil"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// AnswerOptions параметры ответа на входящий вызов
type AnswerOptions struct {
	Audio   bool
	Video   bool
	Headers sipmsg.Headers
}

// receiveInvite принимает новый входящий INVITE: проверяет предложение,
// создает ранний диалог и отвечает 180. Ошибка означает, что запрос уже
// отклонен и сессия не создана.
func (s *Session) receiveInvite(req *sipmsg.Request, tx sipmsg.ServerTx) error {
	if req.HasBody() {
		if sipmsg.BaseContentType(req.ContentType) != sipmsg.ContentTypeSDP {
			respond(tx, sipmsg.NewResponse(req, 415, ""))
			s.discard()
			return errors.Wrapf(ErrInvalidState, "unsupported content type %q", req.ContentType)
		}
		if err := sdputil.Validate(string(req.Body)); err != nil {
			respond(tx, sipmsg.NewResponse(req, 488, ""))
			s.discard()
			return err
		}
	}

	tag := s.cfg.NewTag()
	d, err := dialog.NewUAS(req, tag, s.cfg.Contact)
	if err != nil {
		respond(tx, sipmsg.NewResponse(req, 400, ""))
		s.discard()
		return err
	}
	s.setID(req.CallID, tag)

	s.mu.Lock()
	s.invite = req
	s.serverTx = tx
	s.remoteURI = req.From
	s.bindDialogLocked(d)
	if err := s.transitionLocked(evReceiveInvite); err != nil {
		s.mu.Unlock()
		return err
	}
	s.sessionTimersFromRequestLocked(req)
	s.mu.Unlock()

	if v := req.Header("Expires"); v != "" {
		if delta, err := sipmsg.ParseDelta(v); err == nil {
			s.timers.start(timerExpires, time.Duration(delta)*time.Second, s.onInviteExpired)
		}
	}

	ringing := sipmsg.NewResponse(req, 180, "")
	ringing.ToTag = tag
	ringing.Contact = s.cfg.Contact
	respond(tx, ringing)

	s.mu.Lock()
	err = s.transitionLocked(evWaitAnswer)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.timers.start(timerNoAnswer, s.cfg.NoAnswerTimeout, s.onNoAnswer)
	return nil
}

// discard освобождает сессию, которая так и не была создана
func (s *Session) discard() {
	s.queue.Close()
	s.cancel()
}

func respond(tx sipmsg.ServerTx, res *sipmsg.Response) {
	if tx == nil {
		return
	}
	_ = tx.Respond(res)
}

func (s *Session) onInviteExpired() {
	s.rejectWaiting(487, event.System, CauseExpires)
}

func (s *Session) onNoAnswer() {
	s.rejectWaiting(408, event.Local, CauseNoAnswer)
}

// rejectWaiting отклоняет вызов, который все еще ждет ответа пользователя
func (s *Session) rejectWaiting(code int, originator event.Originator, cause Cause) {
	s.mu.Lock()
	if s.statusLocked() != StatusWaitingForAnswer {
		s.mu.Unlock()
		return
	}
	tx, invite := s.serverTx, s.invite
	s.mu.Unlock()
	s.reject(tx, invite, code, "", nil)
	s.end(ending{kind: event.Failed, originator: originator, cause: cause, code: code, status: evCancel})
}

// Answer принимает входящий вызов
func (s *Session) Answer(ctx context.Context, opts AnswerOptions) error {
	if s.direction != Incoming {
		return errors.Wrap(ErrInvalidState, "answer on outgoing session")
	}
	if st := s.Status(); st != StatusWaitingForAnswer {
		return errors.Wrapf(ErrInvalidState, "answer in %s", st)
	}
	return s.queue.Do(ctx, func(ctx context.Context) error {
		return s.answer(ctx, opts)
	})
}

func (s *Session) answer(ctx context.Context, opts AnswerOptions) error {
	s.mu.Lock()
	if err := s.transitionLocked(evAnswer); err != nil {
		s.mu.Unlock()
		return err
	}
	invite, tx := s.invite, s.serverTx
	s.mu.Unlock()
	s.timers.stop(timerNoAnswer)
	s.timers.stop(timerExpires)

	failWith := func(code int, cause Cause, err error) error {
		s.reject(tx, invite, code, "", nil)
		s.fail(event.Local, cause, code, err.Error())
		return err
	}

	cause, err := s.prepareMedia(ctx, media.Constraints{Audio: opts.Audio, Video: opts.Video})
	if err != nil {
		if errors.Is(err, ErrTerminated) {
			return err
		}
		code := 500
		if cause == CauseUserDeniedMediaAcces {
			code = 480
		}
		return failWith(code, cause, err)
	}
	conn := s.Connection()

	var local media.Description
	if invite.HasBody() {
		offer := media.Description{Type: media.SDPOffer, SDP: string(invite.Body)}
		if err := conn.SetRemoteDescription(ctx, offer); err != nil {
			return failWith(488, CauseBadMediaDescription, errors.Wrap(err, "apply offer"))
		}
		s.mu.Lock()
		s.remoteAnswered = true
		s.mu.Unlock()
		if local, err = conn.CreateAnswer(ctx); err != nil {
			return failWith(500, CauseWebRTCError, errors.Wrap(err, "create answer"))
		}
	} else {
		// поздний offer: предложение в 200, ответ ожидается в ACK
		if local, err = conn.CreateOffer(ctx, media.OfferOptions{}); err != nil {
			return failWith(500, CauseWebRTCError, errors.Wrap(err, "create offer"))
		}
		s.mu.Lock()
		s.lateOffer = true
		s.mu.Unlock()
	}
	if local, err = s.mangle(local); err != nil {
		return failWith(500, CauseWebRTCError, err)
	}
	if err := conn.SetLocalDescription(ctx, local); err != nil {
		return failWith(500, CauseWebRTCError, errors.Wrap(err, "set local description"))
	}
	s.awaitGathering(ctx)

	s.mu.Lock()
	if s.statusLocked() != StatusAnswered {
		// отменено во время согласования
		s.mu.Unlock()
		return ErrTerminated
	}
	res := sipmsg.NewResponse(invite, 200, "")
	res.ToTag = s.dlg.Key().LocalTag
	res.Contact = s.cfg.Contact
	res.Headers = append(res.Headers, opts.Headers...)
	res.Headers = append(res.Headers, s.answerHeadersLocked()...)
	res.WithBody(sipmsg.ContentTypeSDP, []byte(s.localSDP(conn)))
	if err := s.transitionLocked(evWaitAck); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := tx.Respond(res); err != nil {
		s.fail(event.System, CauseConnectionError, 0, err.Error())
		return errors.Wrap(ErrTransport, err.Error())
	}
	s.awaitAck(tx)
	s.emit(event.Event{Kind: event.Accepted, Originator: event.Local, Code: 200})
	return nil
}

// answerHeadersLocked заголовки 2xx: Allow и согласованный Session-Expires
func (s *Session) answerHeadersLocked() sipmsg.Headers {
	h := sipmsg.Headers{}.Add("Allow", allowedMethods)
	if s.cfg.UserAgent != "" {
		h = h.Add("Server", s.cfg.UserAgent)
	}
	return append(h, s.sessionExpiresResponseLocked()...)
}

// awaitAck запускает повтор 2xx (от T1 с удвоением до T2) и таймер H
func (s *Session) awaitAck(tx sipmsg.ServerTx) {
	var retransmit func(interval time.Duration)
	retransmit = func(interval time.Duration) {
		s.timers.start(timerInvite2xx, interval, func() {
			if s.Status() != StatusWaitingForAck {
				return
			}
			if err := tx.Retransmit(); err != nil {
				s.log.Warn().Err(err).Msg("retransmit 2xx")
			}
			retransmit(dialog.NextRetransmit(interval, s.cfg.T2))
		})
	}
	retransmit(s.cfg.T1)
	s.timers.start(timerAck, s.cfg.TimerH, s.onAckTimeout)
}

func (s *Session) onAckTimeout() {
	s.mu.Lock()
	if s.statusLocked() != StatusWaitingForAck {
		s.mu.Unlock()
		return
	}
	deferred, headers := s.byeDeferred, s.deferredBye
	s.mu.Unlock()
	s.timers.stop(timerInvite2xx)
	if deferred {
		s.end(ending{kind: event.Ended, originator: event.Local, cause: CauseBye, bye: true, byeHeaders: headers})
		return
	}
	s.end(ending{kind: event.Ended, originator: event.Remote, cause: CauseNoAck, bye: true})
}

// receiveAck подтверждает диалог после 2xx на INVITE или re-INVITE
func (s *Session) receiveAck(req *sipmsg.Request) {
	s.mu.Lock()
	if s.statusLocked() != StatusWaitingForAck {
		s.mu.Unlock()
		return
	}
	late := s.lateOffer
	s.lateOffer = false
	conn := s.conn
	s.mu.Unlock()
	s.timers.stop(timerInvite2xx)
	s.timers.stop(timerAck)

	if late {
		if !req.HasBody() {
			s.end(ending{
				kind: event.Ended, originator: event.Remote, cause: CauseMissingSDP,
				reason: ErrMissingAnswer.Error(),
				bye:    true, byeHeaders: reasonHeaders(nil, 400, "Missing SDP"),
			})
			return
		}
		err := conn.SetRemoteDescription(s.ctx, media.Description{Type: media.SDPAnswer, SDP: string(req.Body)})
		if err != nil {
			s.log.Error().Err(err).Msg("apply answer from ACK")
			s.end(ending{
				kind: event.Ended, originator: event.Remote, cause: CauseBadMediaDescription,
				reason: err.Error(),
				bye:    true, byeHeaders: reasonHeaders(nil, 488, ""),
			})
			return
		}
	}

	s.mu.Lock()
	if err := s.transitionLocked(evConfirm); err != nil {
		s.mu.Unlock()
		return
	}
	if s.dlg != nil {
		_ = s.dlg.Confirm()
	}
	s.remotePending = false
	deferred, headers := s.byeDeferred, s.deferredBye
	first := !s.confirmedEmitted
	s.confirmedEmitted = true
	if !deferred {
		s.startSessionTimerLocked()
	}
	s.mu.Unlock()

	if first {
		s.emit(event.Event{Kind: event.Confirmed, Originator: event.Remote})
	}
	if deferred {
		s.end(ending{kind: event.Ended, originator: event.Local, cause: CauseBye, bye: true, byeHeaders: headers})
	}
}

// receiveCancel отменяет входящий вызов, ожидающий ответа
func (s *Session) receiveCancel(req *sipmsg.Request, tx sipmsg.ServerTx) {
	s.mu.Lock()
	st := s.statusLocked()
	if st != StatusInviteReceived && st != StatusWaitingForAnswer && st != StatusAnswered {
		s.mu.Unlock()
		respond(tx, sipmsg.NewResponse(req, 481, ""))
		return
	}
	inviteTx, invite := s.serverTx, s.invite
	s.mu.Unlock()

	respond(tx, sipmsg.NewResponse(req, 200, ""))
	s.reject(inviteTx, invite, 487, "", nil)
	s.end(ending{kind: event.Failed, originator: event.Remote, cause: CauseCanceled, code: 487, status: evCancel})
}
