package session

import (
	"context"

	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/dialog"
	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// CallOptions параметры исходящего вызова
type CallOptions struct {
	Audio bool
	Video bool
	// Conference вызов через SFU: INVITE несет attach, локальный поток
	// публикуется в комнату после установления диалога
	Conference bool
	// Room комната конференции; 0 - комната из Config
	Room    uint64
	Display string
	Headers sipmsg.Headers
	// OnEvent дополнительный получатель событий этой сессии
	OnEvent func(event.Event)
}

func validTarget(target string) (string, error) {
	uri := sipmsg.ExtractURI(target)
	switch sipmsg.URIScheme(uri) {
	case "sip", "sips":
		return uri, nil
	}
	return "", errors.Wrapf(ErrInvalidTarget, "%q", target)
}

// connect начинает исходящий вызов: готовит медиа, формирует INVITE с
// предложением (или attach в режиме конференции) и отправляет его
func (s *Session) connect(ctx context.Context, target string, opts CallOptions) error {
	uri, err := validTarget(target)
	if err != nil {
		return err
	}
	if s.cfg.Transport == nil {
		return errors.New("no sip transport")
	}

	s.mu.Lock()
	if s.statusLocked() != StatusNull {
		st := s.statusLocked()
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "connect in %s", st)
	}
	s.remoteURI = uri
	// идентичность вызова известна до отправки: по ней строятся ID и конвейер
	s.invite = &sipmsg.Request{CallID: s.cfg.NewCallID(), FromTag: s.cfg.NewTag()}
	callID, tag := s.invite.CallID, s.invite.FromTag
	s.mu.Unlock()

	s.setID(callID, tag)
	s.emit(event.Event{Kind: event.Connecting, Originator: event.Local, Info: uri})

	return s.queue.Do(ctx, func(ctx context.Context) error {
		return s.sendInvite(ctx, uri, opts)
	})
}

func (s *Session) sendInvite(ctx context.Context, uri string, opts CallOptions) error {
	cause, err := s.prepareMedia(ctx, media.Constraints{Audio: opts.Audio, Video: opts.Video})
	if err != nil {
		s.fail(event.Local, cause, 0, err.Error())
		return err
	}

	var (
		contentType string
		body        []byte
	)
	if opts.Conference {
		conf := newConference(s, opts)
		s.mu.Lock()
		s.conf = conf
		s.mu.Unlock()
		body, err = conf.tunnel.AttachBody()
		if err != nil {
			s.fail(event.Local, CauseSFUError, 0, err.Error())
			return errors.Wrap(err, "attach body")
		}
		contentType = janus.ContentType
	} else {
		conn := s.Connection()
		offer, err := conn.CreateOffer(ctx, media.OfferOptions{})
		if err != nil {
			s.fail(event.Local, CauseWebRTCError, 0, err.Error())
			return errors.Wrap(err, "create offer")
		}
		if err := conn.SetLocalDescription(ctx, offer); err != nil {
			s.fail(event.Local, CauseWebRTCError, 0, err.Error())
			return errors.Wrap(err, "set local offer")
		}
		s.awaitGathering(ctx)
		contentType = sipmsg.ContentTypeSDP
		body = []byte(s.localSDP(conn))
	}

	headers := append(sipmsg.Headers(nil), opts.Headers...)
	headers = append(headers, s.inviteHeaders()...)

	s.mu.Lock()
	if s.statusLocked() != StatusNull {
		s.mu.Unlock()
		return ErrTerminated
	}
	req := &sipmsg.Request{
		Method:      sipmsg.INVITE,
		URI:         uri,
		From:        s.cfg.LocalURI,
		FromTag:     s.invite.FromTag,
		To:          uri,
		CallID:      s.invite.CallID,
		CSeq:        1,
		Contact:     s.cfg.Contact,
		Headers:     headers,
		ContentType: contentType,
		Body:        body,
	}
	s.invite = req
	if err := s.transitionLocked(evSendInvite); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	tx, err := s.cfg.Transport.Request(context.Background(), req, sipmsg.ClientHandlers{
		OnProvisional:    s.onInviteProvisional,
		OnSuccess:        s.onInviteSuccess,
		OnError:          s.onInviteError,
		OnTimeout:        s.onInviteTimeout,
		OnTransportError: s.onInviteTransportError,
		OnAuthenticated:  s.onInviteAuthenticated,
	})
	if err != nil {
		s.fail(event.System, CauseConnectionError, 0, err.Error())
		return errors.Wrap(ErrTransport, err.Error())
	}

	s.mu.Lock()
	s.inviteTx = tx
	flush := s.flushCancelLocked()
	s.mu.Unlock()
	flush()

	s.emit(event.Event{Kind: event.Sending, Originator: event.Local, Payload: req})
	return nil
}

// inviteHeaders заголовки первого INVITE
func (s *Session) inviteHeaders() sipmsg.Headers {
	var h sipmsg.Headers
	if s.cfg.UserAgent != "" {
		h = h.Add("User-Agent", s.cfg.UserAgent)
	}
	h = h.Add("Allow", allowedMethods)
	if s.cfg.SessionTimers {
		h = h.Add("Supported", "timer").
			Add("Session-Expires", sipmsg.SessionExpires{Delta: seconds(s.cfg.SessionExpires)}.String()).
			Add("Min-SE", sipmsg.SessionExpires{Delta: seconds(s.cfg.MinSessionExpires)}.String())
	}
	return h
}

// flushCancelLocked возвращает функцию отправки отложенного CANCEL, если
// отмена запрошена и уже получен предварительный ответ
func (s *Session) flushCancelLocked() func() {
	if !s.cancelPending || s.cancelSent || !s.provisional || s.inviteTx == nil {
		return func() {}
	}
	s.cancelSent = true
	tx := s.inviteTx
	headers := s.pendingCancel
	return func() {
		if err := tx.Cancel(context.Background(), headers); err != nil {
			s.log.Warn().Err(err).Msg("send CANCEL")
		}
	}
}

func (s *Session) onInviteAuthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	// адаптер повторил INVITE с учетными данными и следующим CSeq
	s.invite.CSeq++
}

func (s *Session) onInviteProvisional(res *sipmsg.Response) {
	s.mu.Lock()
	s.provisional = true
	if s.cancelPending {
		flush := s.flushCancelLocked()
		s.mu.Unlock()
		flush()
		return
	}
	st := s.statusLocked()
	if st != StatusInviteSent && st != Status1xxReceived {
		s.mu.Unlock()
		return
	}
	if res.StatusCode > 100 && res.ToTag != "" && s.dlg == nil {
		d, err := dialog.NewUAC(s.invite, res)
		if err != nil {
			s.log.Warn().Err(err).Msg("early dialog")
		} else {
			s.bindDialogLocked(d)
		}
	}
	apply := s.conf == nil && res.HasBody() && !s.remoteAnswered &&
		sipmsg.BaseContentType(res.ContentType) == sipmsg.ContentTypeSDP
	if apply {
		s.remoteAnswered = true
	}
	conn := s.conn
	s.mu.Unlock()

	if apply {
		err := conn.SetRemoteDescription(s.ctx, media.Description{Type: media.SDPAnswer, SDP: string(res.Body)})
		if err != nil {
			s.log.Error().Err(err).Int("code", res.StatusCode).Msg("apply early answer")
			s.cancelWith(CauseBadMediaDescription, 488)
			return
		}
	}

	s.mu.Lock()
	if err := s.transitionLocked(evProvisional); err != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if res.StatusCode == 100 {
		return
	}
	e := event.Event{Kind: event.Progress, Originator: event.Remote, Code: res.StatusCode, Reason: res.Reason}
	if apply {
		e.Info = string(res.Body)
		e.ContentType = res.ContentType
	}
	s.emit(e)
}

// cancelWith отменяет исходящий вызов по локальной причине
func (s *Session) cancelWith(cause Cause, code int) {
	s.mu.Lock()
	if s.statusLocked().Terminal() {
		s.mu.Unlock()
		return
	}
	s.cancelPending = true
	s.pendingCancel = reasonHeaders(nil, code, "")
	flush := s.flushCancelLocked()
	s.mu.Unlock()
	flush()
	s.end(ending{kind: event.Failed, originator: event.Local, cause: cause, code: code, status: evCancel})
}

func (s *Session) bindDialogLocked(d *dialog.Dialog) {
	if s.dlg != nil && s.router != nil {
		s.router.unbind(s.dlg.Key())
	}
	s.dlg = d
	if s.router != nil {
		s.router.bind(d.Key(), s)
	}
}

func (s *Session) onInviteSuccess(res *sipmsg.Response) {
	s.mu.Lock()
	if ack, seen := s.acked[res.ToTag]; seen {
		s.mu.Unlock()
		// повтор 2xx: ACK теряется в сети, отправляем тот же еще раз.
		// nil пока первый 2xx еще обрабатывается.
		if ack != nil {
			s.transmitAck(ack)
		}
		return
	}
	s.acked[res.ToTag] = nil
	st := s.statusLocked()
	stray := st.Terminal() || s.cancelPending ||
		(s.dlg != nil && s.dlg.State() == dialog.StateConfirmed && s.dlg.Key().RemoteTag != res.ToTag)
	invite := s.invite
	if stray || (st != StatusInviteSent && st != Status1xxReceived) {
		s.mu.Unlock()
		if stray {
			s.ackAndBye(invite, res)
		}
		return
	}

	if s.dlg == nil || s.dlg.Key().RemoteTag != res.ToTag {
		d, err := dialog.NewUAC(invite, res)
		if err != nil {
			s.mu.Unlock()
			s.log.Error().Err(err).Msg("confirmed dialog")
			s.fail(event.Remote, CauseDialogError, res.StatusCode, res.Reason)
			return
		}
		s.bindDialogLocked(d)
	} else if err := s.dlg.Update(res); err != nil {
		s.log.Warn().Err(err).Msg("update dialog")
	}
	dlg := s.dlg
	conn := s.conn
	conf := s.conf
	answered := s.remoteAnswered
	s.remoteAnswered = true
	s.mu.Unlock()

	ack := dlg.NewAck(invite.CSeq, "", nil)
	sendAck := func() {
		s.mu.Lock()
		s.acked[res.ToTag] = ack
		s.mu.Unlock()
		s.transmitAck(ack)
	}

	switch {
	case conf != nil:
		if err := conf.accept(res.Body); err != nil {
			s.log.Error().Err(err).Msg("sfu attach")
			sendAck()
			s.end(ending{
				kind: event.Failed, originator: event.Remote, cause: CauseSFUError,
				code: res.StatusCode, reason: err.Error(),
				bye: true, byeHeaders: reasonHeaders(nil, 500, "SFU Attach Failed"),
			})
			return
		}
	case !answered:
		// 2xx с ответом после SDP в 1xx не применяется повторно
		if !res.HasBody() {
			sendAck()
			s.end(ending{
				kind: event.Failed, originator: event.Remote, cause: CauseMissingSDP,
				code: res.StatusCode, reason: ErrMissingAnswer.Error(),
				bye: true, byeHeaders: reasonHeaders(nil, 400, "Missing SDP"),
			})
			return
		}
		err := conn.SetRemoteDescription(s.ctx, media.Description{Type: media.SDPAnswer, SDP: string(res.Body)})
		if err != nil {
			s.log.Error().Err(err).Msg("apply answer")
			sendAck()
			s.end(ending{
				kind: event.Failed, originator: event.Remote, cause: CauseBadMediaDescription,
				code: res.StatusCode, reason: err.Error(),
				bye: true, byeHeaders: reasonHeaders(nil, 488, ""),
			})
			return
		}
	}

	sendAck()

	s.mu.Lock()
	if s.statusLocked().Terminal() {
		// отменено во время применения ответа: диалог подтвержден, закрываем
		s.mu.Unlock()
		s.sendBye(dlg, nil)
		return
	}
	if err := s.transitionLocked(evConfirm); err != nil {
		s.mu.Unlock()
		return
	}
	s.confirmedEmitted = true
	s.sessionTimersFromResponseLocked(res)
	s.mu.Unlock()

	s.emit(event.Event{Kind: event.Accepted, Originator: event.Remote, Code: res.StatusCode, Reason: res.Reason})
	s.emit(event.Event{Kind: event.Confirmed, Originator: event.Local})

	if conf != nil {
		conf.publish()
	}
}

// ackAndBye подтверждает и сразу закрывает лишний диалог (2xx после
// отмены или от другой ветви)
func (s *Session) ackAndBye(invite *sipmsg.Request, res *sipmsg.Response) {
	d, err := dialog.NewUAC(invite, res)
	if err != nil {
		s.log.Warn().Err(err).Msg("stray 2xx without to-tag")
		return
	}
	ack := d.NewAck(invite.CSeq, "", nil)
	s.mu.Lock()
	s.acked[res.ToTag] = ack
	s.mu.Unlock()
	s.transmitAck(ack)
	bye, err := d.NewRequest(sipmsg.BYE, nil, "", nil)
	if err != nil {
		return
	}
	if _, err := s.cfg.Transport.Request(context.Background(), bye, sipmsg.ClientHandlers{}); err != nil {
		s.log.Warn().Err(err).Msg("bye stray 2xx")
	}
	s.log.Info().Str("to_tag", res.ToTag).Msg("stray 2xx acknowledged and closed")
}

func (s *Session) transmitAck(ack *sipmsg.Request) {
	if err := s.cfg.Transport.Ack(context.Background(), ack); err != nil {
		s.log.Warn().Err(err).Str("call_id", ack.CallID).Msg("send ACK")
	}
}

func (s *Session) onInviteError(res *sipmsg.Response) {
	st := s.Status()
	if st != StatusInviteSent && st != Status1xxReceived {
		return
	}
	s.fail(event.Remote, CauseFromCode(res.StatusCode), res.StatusCode, res.Reason)
}

func (s *Session) onInviteTimeout() {
	s.fail(event.System, CauseRequestTimeout, 0, "")
}

func (s *Session) onInviteTransportError(err error) {
	s.fail(event.System, CauseConnectionError, 0, err.Error())
}
