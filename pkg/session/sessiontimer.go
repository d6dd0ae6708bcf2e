package session

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/dialog"
	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

func seconds(d time.Duration) uint32 {
	return uint32(d / time.Second)
}

// sessionTimersFromRequestLocked применяет Session-Expires входящего
// INVITE/UPDATE. refresher=uac означает удаленную сторону.
func (s *Session) sessionTimersFromRequestLocked(req *sipmsg.Request) {
	if !s.cfg.SessionTimers {
		return
	}
	s.expires = s.cfg.SessionExpires
	s.refresher = true
	v := req.Header("Session-Expires")
	if v == "" {
		return
	}
	se, err := sipmsg.ParseSessionExpires(v)
	if err != nil {
		s.log.Debug().Err(err).Msg("ignore Session-Expires")
		return
	}
	if e := time.Duration(se.Delta) * time.Second; e >= s.cfg.MinSessionExpires {
		s.expires = e
	}
	s.refresher = se.Refresher != sipmsg.RefresherUAC
}

// sessionTimersFromResponseLocked применяет Session-Expires ответа на наш
// запрос. Без заголовка действует интервал из конфигурации, обновляем мы.
func (s *Session) sessionTimersFromResponseLocked(res *sipmsg.Response) {
	if !s.cfg.SessionTimers {
		return
	}
	s.expires = s.cfg.SessionExpires
	s.refresher = true
	if v := res.Header("Session-Expires"); v != "" {
		se, err := sipmsg.ParseSessionExpires(v)
		if err != nil {
			s.log.Debug().Err(err).Msg("ignore Session-Expires")
		} else {
			if e := time.Duration(se.Delta) * time.Second; e >= s.cfg.MinSessionExpires {
				s.expires = e
			}
			s.refresher = se.Refresher != sipmsg.RefresherUAS
		}
	}
	s.startSessionTimerLocked()
}

// sessionExpiresResponseLocked заголовки 2xx с согласованным интервалом
func (s *Session) sessionExpiresResponseLocked() sipmsg.Headers {
	if !s.cfg.SessionTimers || s.expires == 0 {
		return nil
	}
	se := sipmsg.SessionExpires{Delta: seconds(s.expires), Refresher: sipmsg.RefresherUAC}
	if s.refresher {
		se.Refresher = sipmsg.RefresherUAS
	}
	return sipmsg.Headers{}.
		Add("Session-Expires", se.String()).
		Add("Require", "timer")
}

// sessionExpiresRequestLocked заголовки запроса внутри диалога
func (s *Session) sessionExpiresRequestLocked() sipmsg.Headers {
	if !s.cfg.SessionTimers {
		return nil
	}
	expires := s.expires
	if expires == 0 {
		expires = s.cfg.SessionExpires
	}
	return sipmsg.Headers{}.
		Add("Supported", "timer").
		Add("Session-Expires", sipmsg.SessionExpires{Delta: seconds(expires), Refresher: sipmsg.RefresherUAC}.String())
}

// startSessionTimerLocked планирует обновление (обновитель) или
// принудительное завершение (другая сторона)
func (s *Session) startSessionTimerLocked() {
	if !s.cfg.SessionTimers || s.expires == 0 {
		return
	}
	if s.refresher {
		s.timers.start(timerSession, dialog.RefreshInterval(s.expires), s.refreshSession)
		return
	}
	s.timers.start(timerSession, dialog.ExpiryInterval(s.expires), s.onSessionExpired)
}

func (s *Session) onSessionExpired() {
	s.end(ending{
		kind: event.Ended, originator: event.System, cause: CauseSessionTimerExpired,
		code: 408, reason: "Session Timer Expired",
		bye: true, byeHeaders: reasonHeaders(nil, 408, "Session Timer Expired"),
	})
}

func (s *Session) refreshSession() {
	s.queue.Submit(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 64*s.cfg.T1)
		defer cancel()
		return s.refresh(ctx)
	})
}

// refresh отправляет обновление сессии: UPDATE без тела или re-INVITE с
// текущим локальным описанием
func (s *Session) refresh(ctx context.Context) error {
	s.mu.Lock()
	if !s.readyToReOfferLocked() {
		// обновление придет с текущим согласованием
		if !s.statusLocked().Terminal() {
			s.startSessionTimerLocked()
		}
		s.mu.Unlock()
		return nil
	}
	s.negotiating = true
	dlg, conn := s.dlg, s.conn
	headers := s.sessionExpiresRequestLocked()
	s.mu.Unlock()
	defer s.doneNegotiating()

	var (
		req *sipmsg.Request
		err error
	)
	if s.cfg.RefreshMethod == RefreshReinvite && conn != nil {
		req, err = dlg.NewRequest(sipmsg.INVITE, headers, sipmsg.ContentTypeSDP, []byte(s.localSDP(conn)))
	} else {
		req, err = dlg.NewRequest(sipmsg.UPDATE, headers, "", nil)
	}
	if err != nil {
		return err
	}
	res, err := s.roundTrip(ctx, req)
	if req.Method == sipmsg.INVITE && res != nil && res.IsSuccess() {
		s.ackReinvite(dlg, req)
	}
	if err != nil {
		if errors.Is(err, ErrTerminated) {
			return err
		}
		cause := causeOf(err, "")
		if cause == "" {
			// отказ без потери диалога: пробуем в следующий интервал
			s.log.Warn().Err(err).Msg("session refresh rejected")
			s.mu.Lock()
			s.startSessionTimerLocked()
			s.mu.Unlock()
			return err
		}
		s.end(ending{kind: event.Ended, originator: event.System, cause: cause, reason: err.Error(), bye: true})
		return err
	}

	s.mu.Lock()
	s.sessionTimersFromResponseLocked(res)
	s.mu.Unlock()
	return nil
}

// ackReinvite подтверждает 2xx на наш re-INVITE
func (s *Session) ackReinvite(dlg *dialog.Dialog, req *sipmsg.Request) {
	if err := s.cfg.Transport.Ack(context.Background(), dlg.NewAck(req.CSeq, "", nil)); err != nil {
		s.log.Warn().Err(err).Msg("ack re-INVITE")
	}
}

func (s *Session) doneNegotiating() {
	s.mu.Lock()
	s.negotiating = false
	s.mu.Unlock()
}
