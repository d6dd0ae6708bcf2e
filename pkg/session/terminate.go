package session

import (
	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// TerminateOptions параметры завершения сессии
type TerminateOptions struct {
	// Code код ответа (отказ входящему) или причины в Reason (CANCEL, BYE)
	Code    int
	Reason  string
	Headers sipmsg.Headers

	cause Cause
}

// Terminate завершает сессию способом, допустимым в текущем состоянии:
// CANCEL исходящего вызова, отказ входящему, BYE подтвержденного диалога.
func (s *Session) Terminate(opts TerminateOptions) error {
	s.mu.Lock()
	st := s.statusLocked()
	switch st {
	case StatusCanceled, StatusTerminated:
		s.mu.Unlock()
		return ErrTerminated

	case StatusNull, StatusInviteSent, Status1xxReceived:
		if opts.Code != 0 && (opts.Code < 200 || opts.Code >= 700) {
			s.mu.Unlock()
			return errors.Wrapf(ErrInvalidCode, "%d", opts.Code)
		}
		s.cancelPending = true
		s.pendingCancel = reasonHeaders(opts.Headers, opts.Code, opts.Reason)
		flush := s.flushCancelLocked()
		s.mu.Unlock()
		flush()
		s.end(ending{
			kind: event.Failed, originator: event.Local,
			cause: pick(opts.cause, CauseCanceled), code: opts.Code, reason: opts.Reason,
			status: evCancel,
		})
		return nil

	case StatusInviteReceived, StatusWaitingForAnswer, StatusAnswered:
		code := opts.Code
		if code == 0 {
			code = 480
		}
		if code < 300 || code >= 700 {
			s.mu.Unlock()
			return errors.Wrapf(ErrInvalidCode, "%d", code)
		}
		tx, invite := s.serverTx, s.invite
		s.mu.Unlock()
		s.reject(tx, invite, code, opts.Reason, opts.Headers)
		s.end(ending{
			kind: event.Failed, originator: event.Local,
			cause: pick(opts.cause, CauseRejected), code: code, reason: opts.Reason,
			status: evCancel,
		})
		return nil

	case StatusWaitingForAck:
		// BYE уходит после ACK или по таймеру H
		s.byeDeferred = true
		s.deferredBye = reasonHeaders(opts.Headers, opts.Code, opts.Reason)
		s.mu.Unlock()
		s.log.Debug().Msg("bye deferred until ack")
		return nil
	}
	s.mu.Unlock()

	s.end(ending{
		kind: event.Ended, originator: event.Local,
		cause: pick(opts.cause, CauseBye), code: opts.Code, reason: opts.Reason,
		bye: true, byeHeaders: reasonHeaders(opts.Headers, opts.Code, opts.Reason),
	})
	return nil
}

// reject отправляет финальный отказ на входящий INVITE
func (s *Session) reject(tx sipmsg.ServerTx, invite *sipmsg.Request, code int, reason string, headers sipmsg.Headers) {
	if tx == nil || invite == nil {
		return
	}
	res := sipmsg.NewResponse(invite, code, reason).WithHeaders(headers...)
	res.ToTag = s.localTag()
	if err := tx.Respond(res); err != nil {
		s.log.Warn().Err(err).Int("code", code).Msg("reject invite")
	}
}

// localTag локальный тег диалога
func (s *Session) localTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dlg != nil {
		return s.dlg.Key().LocalTag
	}
	return ""
}

func pick(c, fallback Cause) Cause {
	if c != "" {
		return c
	}
	return fallback
}
