// Package media описывает внешний медиа движок на уровне интерфейсов.
//
// Ядро не кодирует и не передает медиа: оно создает соединения, применяет
// описания сессии (SDP), получает ICE кандидатов и управляет треками.
// Реализация на pion/webrtc находится в пакете pionrtc, тестовая - в
// mediatest.
package media

import (
	"context"
)

// Kind тип медиа трека
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// SDPType тип описания сессии
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// Description описание сессии (SDP) с типом
type Description struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Candidate ICE кандидат в формате trickle
type Candidate struct {
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	// Completed маркер окончания сбора кандидатов
	Completed bool `json:"completed,omitempty"`
}

// ConnectionState состояние медиа соединения
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Track медиа трек. Enabled управляет передачей без пересогласования SDP.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop освобождает источник трека
	Stop()
}

// Sender отправитель трека в соединении
type Sender interface {
	Track() Track
	// ReplaceTrack подменяет трек без пересогласования
	ReplaceTrack(track Track) error
}

// OfferOptions параметры генерации предложения
type OfferOptions struct {
	ICERestart bool
}

// Connection медиа соединение (PeerConnection).
//
// Соединение принадлежит ровно одному владельцу: сессии, участнику
// конференции или плагину.
type Connection interface {
	CreateOffer(ctx context.Context, opts OfferOptions) (Description, error)
	CreateAnswer(ctx context.Context) (Description, error)
	SetLocalDescription(ctx context.Context, d Description) error
	SetRemoteDescription(ctx context.Context, d Description) error
	LocalDescription() *Description
	RemoteDescription() *Description

	AddTrack(track Track, stream *Stream) (Sender, error)
	RemoveTrack(sender Sender) error
	Senders() []Sender

	// OnICECandidate nil кандидат означает окончание сбора
	OnICECandidate(fn func(c *Candidate))
	OnConnectionStateChange(fn func(s ConnectionState))
	// OnTrack удаленный трек с идентификатором его потока
	OnTrack(fn func(t Track, streamID string))

	Close() error
}

// Factory создает медиа соединения
type Factory interface {
	NewConnection(ctx context.Context) (Connection, error)
}

// Constraints ограничения захвата локального медиа
type Constraints struct {
	Audio bool
	Video bool
	// Screen захват экрана вместо камеры
	Screen bool
}

// Capturer внешний шаг захвата локального медиа (камера, микрофон, экран)
type Capturer interface {
	Capture(ctx context.Context, c Constraints) (*Stream, error)
}
