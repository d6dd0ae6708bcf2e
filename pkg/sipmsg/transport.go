package sipmsg

import "context"

// ClientHandlers типизированные обработчики ответов на исходящий запрос.
//
// Адаптер вызывает ровно один финальный обработчик (OnSuccess для 2xx
// может прийти повторно при ретрансмиссиях). Незаданные обработчики
// пропускаются.
type ClientHandlers struct {
	OnProvisional    func(*Response)
	OnSuccess        func(*Response)
	OnError          func(*Response)
	OnTimeout        func()
	OnTransportError func(error)
	OnAuthenticated  func()
}

// ClientTx клиентская транзакция исходящего запроса
type ClientTx interface {
	// Cancel отправляет CANCEL для INVITE транзакции
	Cancel(ctx context.Context, headers Headers) error
}

// ServerTx серверная транзакция входящего запроса
type ServerTx interface {
	// Respond отправляет ответ на запрос
	Respond(res *Response) error
	// Retransmit повторно отправляет последний финальный ответ (2xx на INVITE)
	Retransmit() error
}

// Transport отправка запросов через SIP кодек
type Transport interface {
	// Request отправляет запрос в новой клиентской транзакции.
	// Ответы приходят асинхронно в обработчики.
	Request(ctx context.Context, req *Request, h ClientHandlers) (ClientTx, error)
	// Ack отправляет ACK на 2xx вне транзакции
	Ack(ctx context.Context, req *Request) error
}

// RequestHandler получатель входящих запросов
type RequestHandler interface {
	HandleRequest(req *Request, tx ServerTx)
}

// RequestHandlerFunc адаптер функции к RequestHandler
type RequestHandlerFunc func(req *Request, tx ServerTx)

// HandleRequest вызывает f(req, tx)
func (f RequestHandlerFunc) HandleRequest(req *Request, tx ServerTx) {
	f(req, tx)
}
