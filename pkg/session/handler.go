package session

import (
	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/dialog"
	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

const (
	allowedMethods  = "INVITE, ACK, CANCEL, BYE, UPDATE, INFO, REFER, NOTIFY, OPTIONS"
	acceptedContent = "application/sdp, application/dtmf-relay, application/janus+json"
)

// HandleRequest принимает запрос внутри диалога сессии (или CANCEL
// входящего INVITE)
func (s *Session) HandleRequest(req *sipmsg.Request, tx sipmsg.ServerTx) {
	if req.Method == sipmsg.CANCEL {
		s.receiveCancel(req, tx)
		return
	}

	s.mu.Lock()
	st, dlg := s.statusLocked(), s.dlg
	s.mu.Unlock()
	if st.Terminal() {
		if req.Method != sipmsg.ACK {
			respond(tx, sipmsg.NewResponse(req, 481, ""))
		}
		return
	}
	if dlg != nil {
		if err := dlg.Receive(req); err != nil {
			if req.Method == sipmsg.ACK {
				return
			}
			code := 400
			switch {
			case errors.Is(err, dialog.ErrMismatch):
				code = 481
			case errors.Is(err, dialog.ErrOutOfOrder):
				code = 500
			}
			s.log.Debug().Err(err).Str("method", req.Method).Msg("reject in-dialog request")
			respond(tx, sipmsg.NewResponse(req, code, ""))
			return
		}
	}

	switch req.Method {
	case sipmsg.ACK:
		s.receiveAck(req)
	case sipmsg.BYE:
		s.receiveBye(req, tx)
	case sipmsg.INVITE:
		s.receiveReinvite(req, tx)
	case sipmsg.UPDATE:
		s.receiveUpdate(req, tx)
	case sipmsg.INFO:
		s.receiveInfo(req, tx)
	case sipmsg.REFER:
		s.receiveRefer(req, tx)
	case sipmsg.NOTIFY:
		s.receiveNotify(req, tx)
	case sipmsg.OPTIONS:
		respond(tx, optionsResponse(req))
	default:
		respond(tx, sipmsg.NewResponse(req, 405, "").WithHeaders(sipmsg.Header{Name: "Allow", Value: allowedMethods}))
	}
}

func optionsResponse(req *sipmsg.Request) *sipmsg.Response {
	return sipmsg.NewResponse(req, 200, "").WithHeaders(
		sipmsg.Header{Name: "Allow", Value: allowedMethods},
		sipmsg.Header{Name: "Accept", Value: acceptedContent},
	)
}

func (s *Session) receiveBye(req *sipmsg.Request, tx sipmsg.ServerTx) {
	s.mu.Lock()
	st := s.statusLocked()
	inviteTx, invite := s.serverTx, s.invite
	s.mu.Unlock()

	switch st {
	case StatusConfirmed, StatusWaitingForAck:
		respond(tx, sipmsg.NewResponse(req, 200, ""))
	case StatusInviteReceived, StatusWaitingForAnswer, StatusAnswered:
		respond(tx, sipmsg.NewResponse(req, 200, ""))
		s.reject(inviteTx, invite, 487, "", nil)
	default:
		respond(tx, sipmsg.NewResponse(req, 403, "Wrong Status"))
		return
	}
	s.end(ending{kind: event.Ended, originator: event.Remote, cause: CauseBye})
}
