package sipua

import (
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// serverTx серверная транзакция входящего запроса
type serverTx struct {
	ua  *UA
	req *sip.Request
	tx  sip.ServerTransaction

	mu   sync.Mutex
	last *sip.Response
}

var _ sipmsg.ServerTx = (*serverTx)(nil)

// Respond отправляет ответ в транзакции sipgo
func (s *serverTx) Respond(r *sipmsg.Response) error {
	res, err := toSIPResponse(s.req, r, s.ua.Contact())
	if err != nil {
		return err
	}
	return s.respond(res, r.StatusCode >= 200)
}

func (s *serverTx) respond(res *sip.Response, final bool) error {
	if final {
		s.mu.Lock()
		s.last = res
		s.mu.Unlock()
	}
	if err := s.tx.Respond(res); err != nil {
		return errors.Wrapf(err, "respond %d", res.StatusCode)
	}
	s.ua.log.Debug().
		Int("code", res.StatusCode).
		Str("method", string(s.req.Method)).
		Msg("response sent")
	return nil
}

// Retransmit повторяет последний финальный ответ. Транзакция INVITE в
// sipgo завершается после 2xx, поэтому ответ пишется напрямую в транспорт.
func (s *serverTx) Retransmit() error {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last == nil {
		return errors.New("no final response to retransmit")
	}
	if err := s.ua.srv.WriteResponse(last); err != nil {
		return errors.Wrap(err, "retransmit response")
	}
	return nil
}
