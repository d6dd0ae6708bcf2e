package janus

import (
	"encoding/json"
	"fmt"

	"github.com/arzzra/sfu_phone/pkg/media"
)

// ContentType тип тела SIP сообщения с JSON сообщением SFU
const ContentType = "application/janus+json"

// Значения дискриминатора "janus"
const (
	TypeAttach   = "attach"
	TypeMessage  = "message"
	TypeTrickle  = "trickle"
	TypeDetach   = "detach"
	TypeSuccess  = "success"
	TypeAck      = "ack"
	TypeEvent    = "event"
	TypeError    = "error"
	TypeHangup   = "hangup"
	TypeDetached = "detached"
	TypeWebRTCUp = "webrtcup"
	TypeMedia    = "media"
	TypeSlowLink = "slowlink"
)

// Значения body.request для "message"
const (
	RequestJoin      = "join"
	RequestConfigure = "configure"
	RequestStart     = "start"
)

// Роли участника комнаты
const (
	RolePublisher  = "publisher"
	RoleSubscriber = "subscriber"
)

// Message исходящее сообщение SFU
type Message struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction"`
	SessionID   uint64 `json:"session_id,omitempty"`
	HandleID    uint64 `json:"handle_id,omitempty"`
	Plugin      string `json:"plugin,omitempty"`
	OpaqueID    string `json:"opaque_id,omitempty"`

	Body       any                `json:"body,omitempty"`
	JSEP       *media.Description `json:"jsep,omitempty"`
	Candidate  *media.Candidate   `json:"candidate,omitempty"`
	Candidates []media.Candidate  `json:"candidates,omitempty"`
}

// Join тело запроса join
type Join struct {
	Request string `json:"request"`
	Room    uint64 `json:"room"`
	PType   string `json:"ptype"`
	Display string `json:"display,omitempty"`
	// Feed публикация, на которую подписывается subscriber
	Feed uint64 `json:"feed,omitempty"`
	// PrivateID идентификатор владельца, полученный при join publisher
	PrivateID uint64 `json:"private_id,omitempty"`
}

// Configure тело запроса configure
type Configure struct {
	Request  string `json:"request"`
	Audio    bool   `json:"audio"`
	Video    bool   `json:"video"`
	Filename string `json:"filename,omitempty"`
}

// ConfigureBody конверт configure вместе с накопленными кандидатами
//
//	{ "configure": {...}, "trickles": [...] }
type ConfigureBody struct {
	Configure Configure         `json:"configure"`
	Trickles  []media.Candidate `json:"trickles"`
}

// Start тело запроса start
type Start struct {
	Request string `json:"request"`
	Room    uint64 `json:"room,omitempty"`
}

// Error ответ SFU с ошибкой
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("janus error %d: %s", e.Code, e.Reason)
}

// Is позволяет сравнивать с ErrSFU
func (e *Error) Is(target error) bool {
	return target == ErrSFU
}

// SuccessData данные success ответа
type SuccessData struct {
	ID uint64 `json:"id"`
}

// PluginData данные плагина в событии
type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

// Reply входящее сообщение SFU: ответ на транзакцию или событие
type Reply struct {
	Janus       string             `json:"janus"`
	Transaction string             `json:"transaction,omitempty"`
	SessionID   uint64             `json:"session_id,omitempty"`
	Sender      uint64             `json:"sender,omitempty"`
	Data        *SuccessData       `json:"data,omitempty"`
	PluginData  *PluginData        `json:"plugindata,omitempty"`
	JSEP        *media.Description `json:"jsep,omitempty"`
	Error       *Error             `json:"error,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

// Resolves сообщает, завершает ли ответ транзакцию (ack ее не завершает)
func (r *Reply) Resolves() bool {
	switch r.Janus {
	case TypeSuccess, TypeEvent, TypeError:
		return true
	}
	return false
}

// Room разбирает данные плагина видеокомнаты
func (r *Reply) Room() (*RoomEvent, error) {
	if r.PluginData == nil || len(r.PluginData.Data) == 0 {
		return nil, ErrMalformedReply
	}
	var ev RoomEvent
	if err := json.Unmarshal(r.PluginData.Data, &ev); err != nil {
		return nil, ErrMalformedReply
	}
	return &ev, nil
}

// Значения поля videoroom
const (
	RoomJoined   = "joined"
	RoomEventKey = "event"
	RoomAttached = "attached"
	RoomSynced   = "synced"
)

// RoomEvent данные события видеокомнаты
type RoomEvent struct {
	VideoRoom  string          `json:"videoroom"`
	Room       uint64          `json:"room,omitempty"`
	ID         uint64          `json:"id,omitempty"`
	PrivateID  uint64          `json:"private_id,omitempty"`
	Publishers []PublisherInfo `json:"publishers,omitempty"`

	// Unpublished идентификатор ушедшей публикации или "ok" для себя
	Unpublished json.RawMessage `json:"unpublished,omitempty"`
	Leaving     json.RawMessage `json:"leaving,omitempty"`

	Configured string `json:"configured,omitempty"`
	Started    string `json:"started,omitempty"`

	ErrorCode int    `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Failure возвращает ошибку плагина, если событие ее содержит
func (ev *RoomEvent) Failure() error {
	if ev.ErrorCode == 0 && ev.Error == "" {
		return nil
	}
	return &Error{Code: ev.ErrorCode, Reason: ev.Error}
}

func feedID(raw json.RawMessage) (uint64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

// UnpublishedID идентификатор публикации из unpublished
func (ev *RoomEvent) UnpublishedID() (uint64, bool) {
	return feedID(ev.Unpublished)
}

// LeavingID идентификатор участника из leaving
func (ev *RoomEvent) LeavingID() (uint64, bool) {
	return feedID(ev.Leaving)
}

// PublisherInfo описание публикации удаленного участника.
//
// Все поля, кроме id и display, сохраняются в State как есть.
type PublisherInfo struct {
	ID      uint64         `json:"id"`
	Display string         `json:"display,omitempty"`
	State   map[string]any `json:"-"`
}

// UnmarshalJSON сохраняет неизвестные поля в State
func (p *PublisherInfo) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	idRaw, ok := raw["id"]
	if !ok {
		return ErrMalformedReply
	}
	if err := json.Unmarshal(idRaw, &p.ID); err != nil {
		return err
	}
	if d, ok := raw["display"]; ok {
		if err := json.Unmarshal(d, &p.Display); err != nil {
			return err
		}
	}
	p.State = make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "id" || k == "display" {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		p.State[k] = val
	}
	return nil
}

// MarshalJSON сериализует State вместе с id и display
func (p PublisherInfo) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.State)+2)
	for k, v := range p.State {
		out[k] = v
	}
	out["id"] = p.ID
	if p.Display != "" {
		out["display"] = p.Display
	}
	return json.Marshal(out)
}
