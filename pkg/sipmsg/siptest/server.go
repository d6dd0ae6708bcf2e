package siptest

import (
	"sync"

	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// ServerTx записывает ответы на входящий запрос
type ServerTx struct {
	mu          sync.Mutex
	responses   []*sipmsg.Response
	retransmits int
}

// NewServerTx создает серверную транзакцию
func NewServerTx() *ServerTx {
	return &ServerTx{}
}

// Respond реализует sipmsg.ServerTx
func (s *ServerTx) Respond(res *sipmsg.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, res)
	return nil
}

// Retransmit реализует sipmsg.ServerTx
func (s *ServerTx) Retransmit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retransmits++
	return nil
}

// Responses все отправленные ответы
func (s *ServerTx) Responses() []*sipmsg.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sipmsg.Response(nil), s.responses...)
}

// Codes коды отправленных ответов по порядку
func (s *ServerTx) Codes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]int, 0, len(s.responses))
	for _, r := range s.responses {
		codes = append(codes, r.StatusCode)
	}
	return codes
}

// Last последний ответ или nil
func (s *ServerTx) Last() *sipmsg.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return nil
	}
	return s.responses[len(s.responses)-1]
}

// Retransmits количество повторных отправок финального ответа
func (s *ServerTx) Retransmits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retransmits
}

// Incoming описание входящего запроса для тестов
type Incoming struct {
	Method      string
	CallID      string
	FromTag     string
	ToTag       string
	CSeq        uint32
	Headers     sipmsg.Headers
	ContentType string
	Body        []byte
}

// Build формирует входящий запрос с разумными значениями по умолчанию
func (in Incoming) Build() *sipmsg.Request {
	cseq := in.CSeq
	if cseq == 0 {
		cseq = 1
	}
	return &sipmsg.Request{
		Method:      in.Method,
		URI:         "sip:local@127.0.0.1:5060",
		From:        "sip:remote@127.0.0.1:5070",
		FromTag:     in.FromTag,
		To:          "sip:local@127.0.0.1:5060",
		ToTag:       in.ToTag,
		CallID:      in.CallID,
		CSeq:        cseq,
		Contact:     "sip:remote@127.0.0.1:5070",
		Headers:     in.Headers,
		ContentType: in.ContentType,
		Body:        in.Body,
	}
}
