// Package janustest содержит сценарный тестовый SFU.
//
// SFU отвечает на сообщения туннеля как плагин видеокомнаты: attach выдает
// новый handle, join publisher возвращает joined со списком публикаций,
// join subscriber - attached с SDP предложением, configure - SDP ответ.
// Все полученные сообщения записываются для проверок.
package janustest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/media/mediatest"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// ErrRejected ошибка SIP уровня, которую SFU возвращает по сценарию
var ErrRejected = errors.New("sfu rejected request")

// Received сообщение, полученное SFU
type Received struct {
	Method  string
	Headers sipmsg.Headers
	Msg     janus.Message
	// Request значение body.request для message
	Request string
	Raw     []byte
}

// SFU тестовый сервер
type SFU struct {
	mu       sync.Mutex
	received []Received
	nextID   uint64
	detached map[uint64]bool

	// SessionID идентификатор сессии SFU
	SessionID uint64
	// SelfID идентификатор, который SFU выдает publisher при join
	SelfID uint64
	// Publishers список публикаций, возвращаемый при join publisher
	Publishers []janus.PublisherInfo
	// Fail операции ("attach", "join", "configure", "start", "trickle",
	// "detach"), на которые SFU отвечает ошибкой SIP уровня
	Fail map[string]bool
	// Malformed операции, на которые SFU отвечает некорректным телом
	Malformed map[string]bool
	// Async если задан, ответы на message приходят через ack и затем
	// асинхронно этой функцией (как NOTIFY от сервера)
	Async func(body []byte)
}

// New создает SFU
func New() *SFU {
	return &SFU{
		nextID:    1000,
		detached:  make(map[uint64]bool),
		SessionID: 77,
		SelfID:    1,
		Fail:      make(map[string]bool),
		Malformed: make(map[string]bool),
	}
}

// Send реализует janus.Carrier
func (s *SFU) Send(_ context.Context, method string, headers sipmsg.Headers, body []byte) ([]byte, error) {
	return s.Handle(method, headers, body)
}

func requestOf(msg janus.Message) string {
	if msg.Janus != janus.TypeMessage {
		return msg.Janus
	}
	raw, err := json.Marshal(msg.Body)
	if err != nil {
		return ""
	}
	var peek struct {
		Request   string `json:"request"`
		Configure *struct {
			Request string `json:"request"`
		} `json:"configure"`
	}
	_ = json.Unmarshal(raw, &peek)
	if peek.Configure != nil {
		return peek.Configure.Request
	}
	return peek.Request
}

// Handle обрабатывает тело SIP запроса и возвращает тело ответа
func (s *SFU) Handle(method string, headers sipmsg.Headers, body []byte) ([]byte, error) {
	var msg janus.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, errors.Wrap(err, "sfu: bad message")
	}
	op := requestOf(msg)

	s.mu.Lock()
	s.received = append(s.received, Received{Method: method, Headers: headers, Msg: msg, Request: op, Raw: body})
	fail := s.Fail[op]
	malformed := s.Malformed[op]
	async := s.Async
	s.mu.Unlock()

	if fail {
		return nil, errors.Wrap(ErrRejected, op)
	}
	if malformed {
		return []byte(`{"janus":`), nil
	}

	reply := s.reply(msg, op)
	if async != nil && msg.Janus == janus.TypeMessage {
		out, _ := json.Marshal(reply)
		go async(out)
		return json.Marshal(janus.Reply{Janus: janus.TypeAck, Transaction: msg.Transaction, SessionID: s.SessionID})
	}
	return json.Marshal(reply)
}

// AttachReply формирует тело 2xx на INVITE с attach
func (s *SFU) AttachReply(body []byte) []byte {
	out, err := s.Handle(sipmsg.INVITE, nil, body)
	if err != nil {
		return nil
	}
	return out
}

func (s *SFU) newHandle() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *SFU) reply(msg janus.Message, op string) *janus.Reply {
	r := &janus.Reply{
		Transaction: msg.Transaction,
		SessionID:   s.SessionID,
		Sender:      msg.HandleID,
	}
	switch op {
	case janus.TypeAttach:
		r.Janus = janus.TypeSuccess
		r.Data = &janus.SuccessData{ID: s.newHandle()}
	case janus.TypeDetach:
		s.mu.Lock()
		s.detached[msg.HandleID] = true
		s.mu.Unlock()
		r.Janus = janus.TypeSuccess
	case janus.TypeTrickle:
		r.Janus = janus.TypeAck
	case janus.RequestJoin:
		r.Janus = janus.TypeEvent
		s.joinReply(msg, r)
	case janus.RequestConfigure:
		r.Janus = janus.TypeEvent
		r.PluginData = roomData(janus.RoomEvent{VideoRoom: janus.RoomEventKey, Configured: "ok"})
		if msg.JSEP != nil {
			r.JSEP = &media.Description{Type: media.SDPAnswer, SDP: mediatest.SDP(answerDirection(msg.JSEP.SDP))}
		}
	case janus.RequestStart:
		r.Janus = janus.TypeEvent
		r.PluginData = roomData(janus.RoomEvent{VideoRoom: janus.RoomEventKey, Started: "ok"})
	default:
		r.Janus = janus.TypeError
		r.Error = &janus.Error{Code: 490, Reason: "unknown request " + op}
	}
	return r
}

func (s *SFU) joinReply(msg janus.Message, r *janus.Reply) {
	raw, _ := json.Marshal(msg.Body)
	var j janus.Join
	_ = json.Unmarshal(raw, &j)

	if j.PType == janus.RoleSubscriber {
		r.PluginData = roomData(janus.RoomEvent{VideoRoom: janus.RoomAttached, Room: j.Room, ID: j.Feed})
		r.JSEP = &media.Description{Type: media.SDPOffer, SDP: mediatest.SDP("sendonly")}
		return
	}
	s.mu.Lock()
	pubs := append([]janus.PublisherInfo(nil), s.Publishers...)
	self := s.SelfID
	s.mu.Unlock()
	r.PluginData = roomData(janus.RoomEvent{
		VideoRoom:  janus.RoomJoined,
		Room:       j.Room,
		ID:         self,
		PrivateID:  self + 1,
		Publishers: pubs,
	})
}

func answerDirection(offer string) string {
	switch {
	case strings.Contains(offer, "a=inactive"):
		return "inactive"
	case strings.Contains(offer, "a=sendonly"):
		return "recvonly"
	default:
		return "sendrecv"
	}
}

func roomData(ev janus.RoomEvent) *janus.PluginData {
	data, _ := json.Marshal(ev)
	return &janus.PluginData{Plugin: janus.DefaultPlugin, Data: data}
}

// Event формирует незапрошенное событие видеокомнаты для handle
func (s *SFU) Event(handle uint64, ev janus.RoomEvent) []byte {
	out, _ := json.Marshal(janus.Reply{
		Janus:      janus.TypeEvent,
		SessionID:  s.SessionID,
		Sender:     handle,
		PluginData: roomData(ev),
	})
	return out
}

// Received все полученные сообщения
func (s *SFU) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// Requests сообщения с указанной операцией
func (s *SFU) Requests(op string) []Received {
	var out []Received
	for _, r := range s.Received() {
		if r.Request == op {
			out = append(out, r)
		}
	}
	return out
}

// Count количество сообщений с указанной операцией
func (s *SFU) Count(op string) int {
	return len(s.Requests(op))
}

// Detached был ли handle освобожден
func (s *SFU) Detached(handle uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached[handle]
}
