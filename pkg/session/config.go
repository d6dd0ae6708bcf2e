package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arzzra/sfu_phone/pkg/dialog"
	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/metrics"
	"github.com/arzzra/sfu_phone/pkg/plugin"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// Методы обновления сессии
const (
	RefreshUpdate   = sipmsg.UPDATE
	RefreshReinvite = sipmsg.INVITE
)

// Значения по умолчанию
const (
	DefaultNoAnswerTimeout = 60 * time.Second
	DefaultDTMFDuration    = 100 * time.Millisecond
	DefaultDTMFGap         = 500 * time.Millisecond
	DTMFPause              = 2 * time.Second
	DefaultICETimeout      = 5 * time.Second

	MinDTMFDuration = 70 * time.Millisecond
	MaxDTMFDuration = 6000 * time.Millisecond
	MinDTMFGap      = 50 * time.Millisecond
)

// Config параметры сессий. Все значения передаются при создании Manager;
// глобального изменяемого состояния нет.
type Config struct {
	Transport sipmsg.Transport
	Factory   media.Factory
	Capturer  media.Capturer
	Sink      event.Sink

	// LocalURI адрес локального пользователя (From)
	LocalURI    string
	DisplayName string
	// Contact адрес для Contact исходящих запросов и ответов
	Contact   string
	UserAgent string

	// Таймеры SIP. Нулевые значения заменяются стандартными.
	T1     time.Duration
	T2     time.Duration
	TimerH time.Duration
	// NoAnswerTimeout автоматический отказ входящему вызову без ответа
	NoAnswerTimeout time.Duration
	// ICETimeout максимальное ожидание сбора кандидатов перед отправкой SDP
	ICETimeout time.Duration

	SessionTimers     bool
	SessionExpires    time.Duration
	MinSessionExpires time.Duration
	// RefreshMethod UPDATE или INVITE
	RefreshMethod string

	DTMFDuration time.Duration
	DTMFGap      time.Duration

	// Plugin имя плагина SFU
	Plugin string
	// Room комната конференции по умолчанию
	Room uint64
	// RecordingPath каталог записи на стороне SFU; пустой - без записи
	RecordingPath string
	// SFUTimeout ожидание ответа SFU
	SFUTimeout time.Duration
	// Debounce задержка пачки ICE кандидатов
	Debounce time.Duration

	// Transforms создает преобразования потока для новой сессии
	Transforms func() []plugin.StreamTransform
	// Sources создает плагины-источники для новой сессии
	Sources func() []plugin.StreamSource

	NewOpaqueID func() string
	NewTag      func() string
	NewCallID   func() string

	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.Sink == nil {
		c.Sink = event.Discard
	}
	if c.T1 <= 0 {
		c.T1 = dialog.TimerT1
	}
	if c.T2 <= 0 {
		c.T2 = dialog.TimerT2
	}
	if c.TimerH <= 0 {
		c.TimerH = 64 * c.T1
	}
	if c.NoAnswerTimeout <= 0 {
		c.NoAnswerTimeout = DefaultNoAnswerTimeout
	}
	if c.ICETimeout <= 0 {
		c.ICETimeout = DefaultICETimeout
	}
	if c.SessionExpires <= 0 {
		c.SessionExpires = dialog.SessionExpiresDefault * time.Second
	}
	if c.MinSessionExpires <= 0 {
		c.MinSessionExpires = dialog.MinSessionExpires * time.Second
	}
	if c.RefreshMethod != RefreshReinvite {
		c.RefreshMethod = RefreshUpdate
	}
	if c.DTMFDuration <= 0 {
		c.DTMFDuration = DefaultDTMFDuration
	}
	if c.DTMFGap <= 0 {
		c.DTMFGap = DefaultDTMFGap
	}
	if c.Plugin == "" {
		c.Plugin = janus.DefaultPlugin
	}
	if c.SFUTimeout <= 0 {
		c.SFUTimeout = janus.DefaultTimeout
	}
	if c.Debounce <= 0 {
		c.Debounce = janus.TrickleDebounce
	}
	if c.NewOpaqueID == nil {
		c.NewOpaqueID = uuid.NewString
	}
	if c.NewTag == nil {
		c.NewTag = dialog.NewTag
	}
	if c.NewCallID == nil {
		c.NewCallID = dialog.NewCallID
	}
	return c
}
