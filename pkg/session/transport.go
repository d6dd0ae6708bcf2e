package session

import (
	"context"

	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

type outcome struct {
	res *sipmsg.Response
	err error
}

// roundTrip отправляет запрос внутри диалога и ждет финального ответа.
// Ответ не 2xx возвращается вместе с *ResponseError. Повторные 2xx
// (ретрансмиссии на re-INVITE) игнорируются: ACK отправляется один раз.
func (s *Session) roundTrip(ctx context.Context, req *sipmsg.Request) (*sipmsg.Response, error) {
	ch := make(chan outcome, 1)
	deliver := func(o outcome) {
		select {
		case ch <- o:
		default:
		}
	}
	_, err := s.cfg.Transport.Request(ctx, req, sipmsg.ClientHandlers{
		OnSuccess: func(res *sipmsg.Response) {
			deliver(outcome{res: res})
		},
		OnError: func(res *sipmsg.Response) {
			deliver(outcome{res: res, err: &ResponseError{Code: res.StatusCode, Reason: res.Reason}})
		},
		OnTimeout: func() {
			deliver(outcome{err: errors.Wrap(ErrRequestTimeout, req.Method)})
		},
		OnTransportError: func(err error) {
			deliver(outcome{err: errors.Wrap(ErrTransport, err.Error())})
		},
	})
	if err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrTerminated
	}
}
