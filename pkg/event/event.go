// Package event описывает события, которые сессия, участники конференции и
// плагины отправляют хосту.
//
// События передаются явно через Sink, который хост передает при создании
// сессии. Глобального реестра обработчиков нет.
package event

import (
	"time"

	"github.com/arzzra/sfu_phone/pkg/media"
)

// Kind тип события
type Kind string

// События жизненного цикла сессии
const (
	NewSession Kind = "newSession"
	Connecting Kind = "connecting"
	Sending    Kind = "sending"
	Progress   Kind = "progress"
	Accepted   Kind = "accepted"
	Confirmed  Kind = "confirmed"
	Ended      Kind = "ended"
	Failed     Kind = "failed"
	Hold       Kind = "hold"
	Unhold     Kind = "unhold"
	HoldFailed Kind = "holdFailed"
	Muted      Kind = "muted"
	Unmuted    Kind = "unmuted"
	NewDTMF    Kind = "newDTMF"
	NewInfo    Kind = "newInfo"
	Refer      Kind = "refer"
	ReInvite   Kind = "reinvite"
	Update     Kind = "update"
	SDP        Kind = "sdp"
)

// События конференции
const (
	MemberJoin      Kind = "memberJoin"
	MemberHangup    Kind = "memberHangup"
	MemberUpdate    Kind = "memberUpdate"
	ConferenceStart Kind = "conferenceStart"
	ConferenceEnd   Kind = "conferenceEnd"
)

// События конвейера плагинов
const (
	ChangeMainVideoStream Kind = "changeMainVideoStream"
	ChangePluginStream    Kind = "changePluginStream"
)

// PluginStart событие запуска плагина ("startScreenShare")
func PluginStart(plugin string) Kind {
	return Kind("start" + plugin)
}

// PluginStop событие остановки плагина ("stopScreenShare")
func PluginStop(plugin string) Kind {
	return Kind("stop" + plugin)
}

// Originator источник события
type Originator string

const (
	Local  Originator = "local"
	Remote Originator = "remote"
	System Originator = "system"
)

// Event одно событие
type Event struct {
	SessionID  string     `json:"session_id"`
	Kind       Kind       `json:"kind"`
	Originator Originator `json:"originator,omitempty"`
	// Cause каноническая причина для ended/failed
	Cause string `json:"cause,omitempty"`
	// Code код SIP ответа, если событие вызвано ответом
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`

	Member string `json:"member,omitempty"`
	Plugin string `json:"plugin,omitempty"`

	Audio bool `json:"audio,omitempty"`
	Video bool `json:"video,omitempty"`

	// Info текстовые данные (DTMF тон, тело INFO, SDP)
	Info        string `json:"info,omitempty"`
	ContentType string `json:"content_type,omitempty"`

	Stream *media.Stream `json:"-"`
	// Payload объект для хоста (например, решение по REFER)
	Payload any `json:"-"`

	Time time.Time `json:"time"`
}

// Sink получатель событий. Emit не должен блокироваться и вызывать
// источник события обратно.
type Sink interface {
	Emit(e Event)
}

// SinkFunc адаптер функции к Sink
type SinkFunc func(e Event)

// Emit вызывает f(e)
func (f SinkFunc) Emit(e Event) {
	f(e)
}

// Discard отбрасывает все события
var Discard Sink = SinkFunc(func(Event) {})
