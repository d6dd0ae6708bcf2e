package session

import (
	"fmt"

	"github.com/pkg/errors"
)

// Cause каноническая причина завершения сессии
type Cause string

const (
	CauseBye                  Cause = "BYE"
	CauseCanceled             Cause = "CANCELED"
	CauseNoAnswer             Cause = "NO_ANSWER"
	CauseExpires              Cause = "EXPIRES"
	CauseNoAck                Cause = "NO_ACK"
	CauseRequestTimeout       Cause = "REQUEST_TIMEOUT"
	CauseConnectionError      Cause = "CONNECTION_ERROR"
	CauseDialogError          Cause = "DIALOG_ERROR"
	CauseSIPFailureCode       Cause = "SIP_FAILURE_CODE"
	CauseBusy                 Cause = "BUSY"
	CauseRejected             Cause = "REJECTED"
	CauseRedirected           Cause = "REDIRECTED"
	CauseUnavailable          Cause = "UNAVAILABLE"
	CauseNotFound             Cause = "NOT_FOUND"
	CauseAddressIncomplete    Cause = "ADDRESS_INCOMPLETE"
	CauseIncompatibleSDP      Cause = "INCOMPATIBLE_SDP"
	CauseMissingSDP           Cause = "MISSING_SDP"
	CauseBadMediaDescription  Cause = "BAD_MEDIA_DESCRIPTION"
	CauseWebRTCError          Cause = "WEBRTC_ERROR"
	CauseRTPTimeout           Cause = "RTP_TIMEOUT"
	CauseInternalError        Cause = "INTERNAL_ERROR"
	CauseAuthenticationError  Cause = "AUTHENTICATION_ERROR"
	CauseSessionTimerExpired  Cause = "SESSION_TIMER_EXPIRED"
	CauseSFUError             Cause = "SFU_ERROR"
	CauseUserDeniedMediaAcces Cause = "USER_DENIED_MEDIA_ACCESS"
)

// CauseFromCode причина по коду финального ответа
func CauseFromCode(code int) Cause {
	switch {
	case code >= 300 && code < 400:
		return CauseRedirected
	}
	switch code {
	case 486, 600:
		return CauseBusy
	case 403, 603:
		return CauseRejected
	case 480, 410, 408, 430:
		return CauseUnavailable
	case 404, 604:
		return CauseNotFound
	case 484, 485:
		return CauseAddressIncomplete
	case 488, 606:
		return CauseIncompatibleSDP
	case 401, 407:
		return CauseAuthenticationError
	}
	return CauseSIPFailureCode
}

var (
	// ErrInvalidState операция недопустима в текущем состоянии сессии
	ErrInvalidState = errors.New("invalid session state")
	// ErrAlreadyHeld сессия уже на удержании
	ErrAlreadyHeld = errors.New("already on hold")
	// ErrNotHeld сессия не на удержании
	ErrNotHeld = errors.New("not on hold")
	// ErrNotReadyToReOffer другая транзакция согласования не завершена
	ErrNotReadyToReOffer = errors.New("not ready to re-offer")
	// ErrMissingAnswer 2xx без SDP ответа
	ErrMissingAnswer = errors.New("missing sdp answer")
	// ErrTerminated сессия завершена
	ErrTerminated = errors.New("session terminated")
	// ErrInvalidTarget некорректный адрес назначения
	ErrInvalidTarget = errors.New("invalid target")
	// ErrInvalidTone некорректный DTMF тон
	ErrInvalidTone = errors.New("invalid dtmf tone")
	// ErrInvalidCode некорректный код ответа для завершения
	ErrInvalidCode = errors.New("invalid status code")

	// ErrRequestTimeout запрос внутри диалога не получил ответа
	ErrRequestTimeout = errors.New("request timeout")
	// ErrTransport ошибка транспорта при отправке запроса
	ErrTransport = errors.New("transport error")
)

// ResponseError финальный ответ с ошибкой на исходящий запрос
type ResponseError struct {
	Code   int
	Reason string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("sip %d %s", e.Code, e.Reason)
}

// causeOf причина завершения по ошибке запроса внутри диалога.
// fallback используется для ошибок, не связанных с транспортом.
func causeOf(err error, fallback Cause) Cause {
	var resErr *ResponseError
	switch {
	case errors.As(err, &resErr):
		if resErr.Code == 408 || resErr.Code == 481 {
			return CauseDialogError
		}
		return fallback
	case errors.Is(err, ErrRequestTimeout):
		return CauseRequestTimeout
	case errors.Is(err, ErrTransport):
		return CauseConnectionError
	}
	return fallback
}
