package session

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// Status состояние сессии
type Status string

const (
	StatusNull             Status = "NULL"
	StatusInviteSent       Status = "INVITE_SENT"
	Status1xxReceived      Status = "1XX_RECEIVED"
	StatusInviteReceived   Status = "INVITE_RECEIVED"
	StatusWaitingForAnswer Status = "WAITING_FOR_ANSWER"
	StatusAnswered         Status = "ANSWERED"
	StatusWaitingForAck    Status = "WAITING_FOR_ACK"
	StatusConfirmed        Status = "CONFIRMED"
	StatusCanceled         Status = "CANCELED"
	StatusTerminated       Status = "TERMINATED"
)

// Terminal конечное ли состояние
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusTerminated
}

// hasDialog состояния, в которых существует диалог и допустимы INFO/DTMF
func (s Status) hasDialog() bool {
	switch s {
	case Status1xxReceived, StatusWaitingForAnswer, StatusAnswered, StatusWaitingForAck, StatusConfirmed:
		return true
	}
	return false
}

const (
	evSendInvite    = "send_invite"
	evReceiveInvite = "receive_invite"
	evProvisional   = "provisional"
	evWaitAnswer    = "wait_answer"
	evAnswer        = "answer"
	evWaitAck       = "wait_ack"
	evConfirm       = "confirm"
	evCancel        = "cancel"
	evTerminate     = "terminate"
)

var nonTerminal = []string{
	string(StatusNull),
	string(StatusInviteSent),
	string(Status1xxReceived),
	string(StatusInviteReceived),
	string(StatusWaitingForAnswer),
	string(StatusAnswered),
	string(StatusWaitingForAck),
	string(StatusConfirmed),
}

func newStatusFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(StatusNull),
		fsm.Events{
			{Name: evSendInvite, Src: []string{string(StatusNull)}, Dst: string(StatusInviteSent)},
			{Name: evReceiveInvite, Src: []string{string(StatusNull)}, Dst: string(StatusInviteReceived)},
			{Name: evProvisional, Src: []string{string(StatusInviteSent), string(Status1xxReceived)}, Dst: string(Status1xxReceived)},
			{Name: evWaitAnswer, Src: []string{string(StatusInviteReceived)}, Dst: string(StatusWaitingForAnswer)},
			{Name: evAnswer, Src: []string{string(StatusWaitingForAnswer)}, Dst: string(StatusAnswered)},
			// re-INVITE от удаленной стороны снова ждет ACK
			{Name: evWaitAck, Src: []string{string(StatusAnswered), string(StatusConfirmed), string(StatusWaitingForAck)}, Dst: string(StatusWaitingForAck)},
			{Name: evConfirm, Src: []string{string(StatusInviteSent), string(Status1xxReceived), string(StatusWaitingForAck), string(StatusConfirmed)}, Dst: string(StatusConfirmed)},
			{Name: evCancel, Src: nonTerminal, Dst: string(StatusCanceled)},
			{Name: evTerminate, Src: nonTerminal, Dst: string(StatusTerminated)},
		},
		fsm.Callbacks{},
	)
}

// transitionLocked переводит сессию по событию. Вызывается под s.mu.
// Повтор перехода в то же состояние не считается ошибкой.
func (s *Session) transitionLocked(event string) error {
	from := s.machine.Current()
	err := s.machine.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return errors.Wrapf(ErrInvalidState, "%s in %s", event, from)
	}
	if to := s.machine.Current(); to != from {
		s.cfg.Metrics.StateTransition(from, to)
		s.log.Debug().Str("from", from).Str("to", to).Msg("status changed")
	}
	return nil
}

func (s *Session) statusLocked() Status {
	return Status(s.machine.Current())
}
