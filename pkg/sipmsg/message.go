// Package sipmsg описывает границу между ядром звонка и SIP кодеком.
//
// Ядро (dialog, session, janus) работает только с типами этого пакета:
// разбор и сериализация SIP сообщений, транзакции и транспорт живут в
// адаптере (см. pkg/sipua). Благодаря этому состояние сессии тестируется
// без сети через пакет siptest.
package sipmsg

import (
	"strings"
)

// Методы SIP, которые использует ядро
const (
	INVITE    = "INVITE"
	ACK       = "ACK"
	BYE       = "BYE"
	CANCEL    = "CANCEL"
	UPDATE    = "UPDATE"
	INFO      = "INFO"
	REFER     = "REFER"
	NOTIFY    = "NOTIFY"
	SUBSCRIBE = "SUBSCRIBE"
	OPTIONS   = "OPTIONS"
	MESSAGE   = "MESSAGE"
)

// Типы содержимого тел сообщений
const (
	ContentTypeSDP       = "application/sdp"
	ContentTypeDTMFRelay = "application/dtmf-relay"
	ContentTypeSipfrag   = "message/sipfrag;version=2.0"
)

// Header один SIP заголовок
type Header struct {
	Name  string
	Value string
}

// Headers упорядоченный набор заголовков. Поиск по имени регистронезависимый.
type Headers []Header

// Get возвращает значение первого заголовка с указанным именем
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Has проверяет наличие заголовка
func (h Headers) Has(name string) bool {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return true
		}
	}
	return false
}

// Values возвращает значения всех заголовков с указанным именем
func (h Headers) Values(name string) []string {
	var out []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Add добавляет заголовок и возвращает новый набор
func (h Headers) Add(name, value string) Headers {
	return append(h, Header{Name: name, Value: value})
}

// Request SIP запрос в независимом от кодека виде.
//
// Для исходящих запросов поля заполняет Dialog (или сессия для первого
// INVITE), для входящих - адаптер кодека.
type Request struct {
	Method string
	// URI адрес запроса (Request-URI)
	URI string

	From    string // URI локальной стороны (для исходящих) или отправителя
	FromTag string
	To      string
	ToTag   string
	CallID  string
	CSeq    uint32

	// Contact URI отправителя
	Contact string
	// Routes набор маршрутов диалога в порядке использования
	Routes []string

	Headers     Headers
	ContentType string
	Body        []byte
}

// Header возвращает значение заголовка запроса
func (r *Request) Header(name string) string {
	return r.Headers.Get(name)
}

// HasBody проверяет, есть ли у запроса тело
func (r *Request) HasBody() bool {
	return len(r.Body) > 0
}

// Response SIP ответ в независимом от кодека виде
type Response struct {
	StatusCode int
	Reason     string

	CallID     string
	FromTag    string
	ToTag      string
	CSeq       uint32
	CSeqMethod string

	Contact     string
	RecordRoute []string

	Headers     Headers
	ContentType string
	Body        []byte
}

// Header возвращает значение заголовка ответа
func (r *Response) Header(name string) string {
	return r.Headers.Get(name)
}

// HasBody проверяет, есть ли у ответа тело
func (r *Response) HasBody() bool {
	return len(r.Body) > 0
}

// IsProvisional 1xx
func (r *Response) IsProvisional() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200
}

// IsSuccess 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// NewResponse создает ответ на запрос с указанным кодом.
// Reason подставляется по коду, если не задан.
func NewResponse(req *Request, code int, reason string) *Response {
	if reason == "" {
		reason = ReasonPhrase(code)
	}
	return &Response{
		StatusCode: code,
		Reason:     reason,
		CallID:     req.CallID,
		FromTag:    req.FromTag,
		ToTag:      req.ToTag,
		CSeq:       req.CSeq,
		CSeqMethod: req.Method,
	}
}

// WithBody устанавливает тело ответа
func (r *Response) WithBody(contentType string, body []byte) *Response {
	r.ContentType = contentType
	r.Body = body
	return r
}

// WithHeaders добавляет заголовки к ответу
func (r *Response) WithHeaders(h ...Header) *Response {
	r.Headers = append(r.Headers, h...)
	return r
}
