// Package siptest содержит тестовую реализацию SIP транспорта.
//
// Transport записывает все исходящие запросы и позволяет тесту отвечать на
// них вручную (Sent.Respond) или автоматически (Transport.Auto). ServerTx
// записывает ответы на входящие запросы.
package siptest

import (
	"context"
	"sync"

	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// Sent исходящий запрос, записанный транспортом
type Sent struct {
	Req      *sipmsg.Request
	handlers sipmsg.ClientHandlers

	mu            sync.Mutex
	canceled      bool
	cancelHeaders sipmsg.Headers
}

// Respond доставляет ответ в обработчики запроса
func (s *Sent) Respond(res *sipmsg.Response) {
	h := s.handlers
	switch {
	case res.IsProvisional():
		if h.OnProvisional != nil {
			h.OnProvisional(res)
		}
	case res.IsSuccess():
		if h.OnSuccess != nil {
			h.OnSuccess(res)
		}
	default:
		if h.OnError != nil {
			h.OnError(res)
		}
	}
}

// Reply формирует ответ на запрос и доставляет его
func (s *Sent) Reply(code int, toTag string, contentType string, body []byte) {
	s.Respond(Response(s.Req, code, toTag, contentType, body))
}

// Timeout имитирует таймаут транзакции
func (s *Sent) Timeout() {
	if s.handlers.OnTimeout != nil {
		s.handlers.OnTimeout()
	}
}

// TransportError имитирует ошибку транспорта
func (s *Sent) TransportError(err error) {
	if s.handlers.OnTransportError != nil {
		s.handlers.OnTransportError(err)
	}
}

// Canceled сообщает, был ли отправлен CANCEL
func (s *Sent) Canceled() (bool, sipmsg.Headers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled, s.cancelHeaders
}

// Cancel реализует sipmsg.ClientTx
func (s *Sent) Cancel(_ context.Context, headers sipmsg.Headers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
	s.cancelHeaders = headers
	return nil
}

// Transport записывающий транспорт
type Transport struct {
	mu   sync.Mutex
	sent []*Sent
	acks []*sipmsg.Request

	// Auto если задан, вызывается для каждого запроса; ненулевой ответ
	// доставляется асинхронно, как из сети
	Auto func(req *sipmsg.Request) *sipmsg.Response
	// Err если задан, возвращается из Request
	Err error
}

// New создает транспорт
func New() *Transport {
	return &Transport{}
}

// Request реализует sipmsg.Transport
func (t *Transport) Request(_ context.Context, req *sipmsg.Request, h sipmsg.ClientHandlers) (sipmsg.ClientTx, error) {
	t.mu.Lock()
	if t.Err != nil {
		err := t.Err
		t.mu.Unlock()
		return nil, err
	}
	s := &Sent{Req: req, handlers: h}
	t.sent = append(t.sent, s)
	auto := t.Auto
	t.mu.Unlock()

	if auto != nil {
		if res := auto(req); res != nil {
			go s.Respond(res)
		}
	}
	return s, nil
}

// Ack реализует sipmsg.Transport
func (t *Transport) Ack(_ context.Context, req *sipmsg.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acks = append(t.acks, req)
	return nil
}

// Sent возвращает все запросы с указанным методом (пустой метод - все)
func (t *Transport) Sent(method string) []*Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Sent
	for _, s := range t.sent {
		if method == "" || s.Req.Method == method {
			out = append(out, s)
		}
	}
	return out
}

// Count количество запросов с указанным методом
func (t *Transport) Count(method string) int {
	return len(t.Sent(method))
}

// Last последний запрос с указанным методом или nil
func (t *Transport) Last(method string) *Sent {
	sent := t.Sent(method)
	if len(sent) == 0 {
		return nil
	}
	return sent[len(sent)-1]
}

// Acks отправленные ACK
func (t *Transport) Acks() []*sipmsg.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sipmsg.Request(nil), t.acks...)
}

// Response формирует ответ на запрос с заданным to-tag
func Response(req *sipmsg.Request, code int, toTag string, contentType string, body []byte) *sipmsg.Response {
	res := sipmsg.NewResponse(req, code, "")
	if toTag != "" {
		res.ToTag = toTag
	}
	res.Contact = "sip:remote@127.0.0.1:5070"
	if len(body) > 0 {
		res.WithBody(contentType, body)
	}
	return res
}
