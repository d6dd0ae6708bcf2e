package session

import (
	"context"

	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/sdputil"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// RenegotiateOptions параметры удержания и пересогласования
type RenegotiateOptions struct {
	// UseUpdate отправить UPDATE вместо re-INVITE
	UseUpdate  bool
	Headers    sipmsg.Headers
	ICERestart bool
	// OnFailure вызывается, если пересогласование не удалось (сессия
	// после этого завершается)
	OnFailure func(err error)
}

// readyToReOfferLocked можно ли отправить новое предложение: диалог
// подтвержден и ни одна транзакция согласования не в работе
func (s *Session) readyToReOfferLocked() bool {
	return s.statusLocked() == StatusConfirmed && !s.negotiating && !s.remotePending && s.dlg != nil
}

// Hold ставит сессию на удержание
func (s *Session) Hold(ctx context.Context, opts RenegotiateOptions) error {
	return s.setHold(ctx, opts, true)
}

// Unhold снимает удержание
func (s *Session) Unhold(ctx context.Context, opts RenegotiateOptions) error {
	return s.setHold(ctx, opts, false)
}

func (s *Session) setHold(ctx context.Context, opts RenegotiateOptions, hold bool) error {
	s.mu.Lock()
	st := s.statusLocked()
	if st != StatusConfirmed && st != StatusWaitingForAck {
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "hold in %s", st)
	}
	switch {
	case hold && s.localHold:
		s.mu.Unlock()
		return ErrAlreadyHeld
	case !hold && !s.localHold:
		s.mu.Unlock()
		return ErrNotHeld
	}
	if !s.readyToReOfferLocked() {
		s.mu.Unlock()
		return ErrNotReadyToReOffer
	}
	s.localHold = hold
	s.mu.Unlock()

	s.applyTransmit()
	kind := event.Hold
	if !hold {
		kind = event.Unhold
	}
	s.emit(event.Event{Kind: kind, Originator: event.Local})

	return s.queue.Do(ctx, func(ctx context.Context) error {
		return s.reoffer(ctx, opts, true)
	})
}

// Renegotiate отправляет новое предложение с текущими флагами удержания
func (s *Session) Renegotiate(ctx context.Context, opts RenegotiateOptions) error {
	s.mu.Lock()
	if !s.readyToReOfferLocked() {
		st := s.statusLocked()
		s.mu.Unlock()
		if st != StatusConfirmed {
			return errors.Wrapf(ErrInvalidState, "renegotiate in %s", st)
		}
		return ErrNotReadyToReOffer
	}
	s.mu.Unlock()
	return s.queue.Do(ctx, func(ctx context.Context) error {
		return s.reoffer(ctx, opts, false)
	})
}

// reoffer выполняет одно локальное пересогласование. Ошибка завершает
// сессию: частичное удержание не остается.
func (s *Session) reoffer(ctx context.Context, opts RenegotiateOptions, holdOp bool) error {
	s.mu.Lock()
	if !s.readyToReOfferLocked() {
		s.mu.Unlock()
		if s.IsTerminated() {
			return ErrTerminated
		}
		return ErrNotReadyToReOffer
	}
	s.negotiating = true
	s.mu.Unlock()

	cause, err := s.doReoffer(ctx, opts)
	s.doneNegotiating()
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTerminated) {
		return err
	}

	s.log.Error().Err(err).Str("cause", string(cause)).Msg("renegotiation failed")
	if opts.OnFailure != nil {
		opts.OnFailure(err)
	}
	if holdOp {
		s.emit(event.Event{Kind: event.HoldFailed, Originator: event.Local, Reason: err.Error()})
	}
	s.end(ending{kind: event.Ended, originator: event.Local, cause: cause, reason: err.Error(), bye: true})
	return err
}

func (s *Session) doReoffer(ctx context.Context, opts RenegotiateOptions) (Cause, error) {
	s.mu.Lock()
	conn, dlg, conf := s.conn, s.dlg, s.conf
	headers := append(append(sipmsg.Headers(nil), opts.Headers...), s.sessionExpiresRequestLocked()...)
	s.mu.Unlock()

	offer, err := conn.CreateOffer(ctx, media.OfferOptions{ICERestart: opts.ICERestart})
	if err != nil {
		return CauseWebRTCError, errors.Wrap(err, "create offer")
	}
	if offer, err = s.mangle(offer); err != nil {
		return CauseWebRTCError, err
	}

	if conf != nil {
		// в конференции предложение уходит в SFU через configure
		conf.setOffer(offer)
		if err := conn.SetLocalDescription(ctx, offer); err != nil {
			return CauseWebRTCError, errors.Wrap(err, "set local offer")
		}
		answer, err := conf.reconfigure(ctx, offer)
		if err != nil {
			return CauseSFUError, err
		}
		if err := conn.SetRemoteDescription(ctx, *answer); err != nil {
			return CauseBadMediaDescription, errors.Wrap(err, "apply sfu answer")
		}
		return "", nil
	}

	if err := conn.SetLocalDescription(ctx, offer); err != nil {
		return CauseWebRTCError, errors.Wrap(err, "set local offer")
	}
	if opts.ICERestart {
		s.awaitGathering(ctx)
	}

	method := sipmsg.INVITE
	if opts.UseUpdate {
		method = sipmsg.UPDATE
	}
	req, err := dlg.NewRequest(method, headers, sipmsg.ContentTypeSDP, []byte(s.localSDP(conn)))
	if err != nil {
		return CauseDialogError, err
	}
	s.emit(event.Event{Kind: event.SDP, Originator: event.Local, Info: string(req.Body), ContentType: sipmsg.ContentTypeSDP})

	res, err := s.roundTrip(ctx, req)
	if method == sipmsg.INVITE && res != nil && res.IsSuccess() {
		s.ackReinvite(dlg, req)
	}
	if err != nil {
		return causeOf(err, CauseDialogError), errors.Wrap(err, method)
	}
	if !res.HasBody() {
		return CauseMissingSDP, ErrMissingAnswer
	}
	answer := media.Description{Type: media.SDPAnswer, SDP: string(res.Body)}
	if err := conn.SetRemoteDescription(ctx, answer); err != nil {
		return CauseBadMediaDescription, errors.Wrap(err, "apply answer")
	}

	s.mu.Lock()
	s.sessionTimersFromResponseLocked(res)
	s.mu.Unlock()
	return "", nil
}

// receiveReinvite обрабатывает re-INVITE удаленной стороны
func (s *Session) receiveReinvite(req *sipmsg.Request, tx sipmsg.ServerTx) {
	if !s.acceptOffer(req, tx) {
		return
	}
	s.emit(event.Event{Kind: event.ReInvite, Originator: event.Remote, Payload: req})
	s.queue.Submit(func(ctx context.Context) error {
		return s.answerReoffer(ctx, req, tx)
	})
}

// receiveUpdate обрабатывает UPDATE: без тела это обновление сессии,
// с телом - новое предложение
func (s *Session) receiveUpdate(req *sipmsg.Request, tx sipmsg.ServerTx) {
	if !req.HasBody() {
		s.mu.Lock()
		s.sessionTimersFromRequestLocked(req)
		s.startSessionTimerLocked()
		res := s.okLocked(req)
		res.Headers = append(res.Headers, s.sessionExpiresResponseLocked()...)
		s.mu.Unlock()
		respond(tx, res)
		s.emit(event.Event{Kind: event.Update, Originator: event.Remote, Payload: req})
		return
	}
	if !s.acceptOffer(req, tx) {
		return
	}
	s.emit(event.Event{Kind: event.Update, Originator: event.Remote, Payload: req})
	s.queue.Submit(func(ctx context.Context) error {
		return s.answerReoffer(ctx, req, tx)
	})
}

// acceptOffer проверяет, можно ли принять входящее предложение, и
// помечает его как находящееся в работе. Иначе отвечает отказом.
func (s *Session) acceptOffer(req *sipmsg.Request, tx sipmsg.ServerTx) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statusLocked()
	switch {
	case s.negotiating || s.remotePending || st == StatusWaitingForAck:
		respond(tx, sipmsg.NewResponse(req, 491, ""))
		return false
	case st != StatusConfirmed:
		respond(tx, sipmsg.NewResponse(req, 403, "Wrong Status"))
		return false
	case req.HasBody() && sipmsg.BaseContentType(req.ContentType) != sipmsg.ContentTypeSDP:
		respond(tx, sipmsg.NewResponse(req, 415, ""))
		return false
	}
	s.remotePending = true
	return true
}

func (s *Session) okLocked(req *sipmsg.Request) *sipmsg.Response {
	res := sipmsg.NewResponse(req, 200, "")
	res.Contact = s.cfg.Contact
	return res
}

// answerReoffer отвечает на входящее предложение. Отказ не завершает
// сессию: действует предыдущее согласование.
func (s *Session) answerReoffer(ctx context.Context, req *sipmsg.Request, tx sipmsg.ServerTx) error {
	if s.IsTerminated() {
		return ErrTerminated
	}
	rejectWith := func(code int, err error) error {
		s.mu.Lock()
		s.remotePending = false
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("method", req.Method).Int("code", code).Msg("reject remote offer")
		respond(tx, sipmsg.NewResponse(req, code, ""))
		return err
	}
	conn := s.Connection()

	var (
		local media.Description
		err   error
	)
	if req.HasBody() {
		held, err := sdputil.IsRemoteHold(string(req.Body))
		if err != nil {
			return rejectWith(488, err)
		}
		s.setRemoteHold(held)
		if err := conn.SetRemoteDescription(ctx, media.Description{Type: media.SDPOffer, SDP: string(req.Body)}); err != nil {
			return rejectWith(488, errors.Wrap(err, "apply offer"))
		}
		if local, err = conn.CreateAnswer(ctx); err != nil {
			return rejectWith(500, errors.Wrap(err, "create answer"))
		}
	} else {
		if local, err = conn.CreateOffer(ctx, media.OfferOptions{}); err != nil {
			return rejectWith(500, errors.Wrap(err, "create offer"))
		}
	}
	if local, err = s.mangle(local); err != nil {
		return rejectWith(500, err)
	}
	if err := conn.SetLocalDescription(ctx, local); err != nil {
		return rejectWith(500, errors.Wrap(err, "set local description"))
	}

	s.mu.Lock()
	if s.statusLocked().Terminal() {
		s.mu.Unlock()
		return ErrTerminated
	}
	s.sessionTimersFromRequestLocked(req)
	res := s.okLocked(req)
	res.Headers = append(res.Headers, s.answerHeadersLocked()...)
	res.WithBody(sipmsg.ContentTypeSDP, []byte(s.localSDP(conn)))
	if req.Method == sipmsg.INVITE {
		s.lateOffer = !req.HasBody()
		if err := s.transitionLocked(evWaitAck); err != nil {
			s.mu.Unlock()
			return err
		}
	} else {
		s.remotePending = false
		s.startSessionTimerLocked()
	}
	s.mu.Unlock()

	if err := tx.Respond(res); err != nil {
		s.log.Warn().Err(err).Msg("answer remote offer")
	}
	if req.Method == sipmsg.INVITE {
		s.awaitAck(tx)
	}
	return nil
}

// setRemoteHold применяет удержание удаленной стороной
func (s *Session) setRemoteHold(held bool) {
	s.mu.Lock()
	changed := s.remoteHold != held
	s.remoteHold = held
	s.mu.Unlock()
	if !changed {
		return
	}
	kind := event.Hold
	if !held {
		kind = event.Unhold
	}
	s.emit(event.Event{Kind: kind, Originator: event.Remote})
	s.applyTransmit()
}
