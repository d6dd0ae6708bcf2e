// Package plugin реализует конвейер медиа плагинов.
//
// Плагины описываются двумя возможностями:
//
//   - StreamTransform преобразует локальный поток на месте (размытие фона,
//     наложение). Преобразования одного типа потока ("video", "screen")
//     выполняются по порядку, выход одного становится входом следующего.
//   - StreamSource открывает собственный поток с отдельной сигнализацией
//     (демонстрация экрана). С основной сессией его связывает только Host.
package plugin

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/media"
)

// Типы потоков, по которым группируются преобразования
const (
	TypeVideo  = "video"
	TypeScreen = "screen"
)

var (
	// ErrUnknownPlugin плагин с таким именем не зарегистрирован
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrClosed конвейер закрыт
	ErrClosed = errors.New("pipeline closed")
)

// StreamTransform плагин, преобразующий поток на месте
type StreamTransform interface {
	Name() string
	// Type тип потока, к которому применяется преобразование
	Type() string
	// Immediate применять сразу при подключении потока
	Immediate() bool
	// Running владеет ли плагин преобразованным выходом
	Running() bool
	// Start запускает преобразование и возвращает выходной поток
	Start(ctx context.Context, in *media.Stream) (*media.Stream, error)
	// Stop идемпотентен и безопасен без предшествующего Start
	Stop()
}

// Process шаг конвейера: без флага Immediate поток проходит как есть
func Process(ctx context.Context, t StreamTransform, in *media.Stream) (*media.Stream, error) {
	if !t.Immediate() {
		return in, nil
	}
	return t.Start(ctx, in)
}

// ApplyFunc функция преобразования потока
type ApplyFunc func(ctx context.Context, in *media.Stream) (*media.Stream, error)

// TransformConfig параметры преобразования
type TransformConfig struct {
	Name      string
	Type      string
	Immediate bool
	Apply     ApplyFunc
}

// Transform преобразование на основе функции.
//
// При Stop останавливаются треки, созданные преобразованием; треки входа
// не трогаются, они принадлежат источнику.
type Transform struct {
	cfg TransformConfig

	mu      sync.Mutex
	running bool
	in      *media.Stream
	out     *media.Stream
}

// NewTransform создает преобразование
func NewTransform(cfg TransformConfig) *Transform {
	if cfg.Type == "" {
		cfg.Type = TypeVideo
	}
	return &Transform{cfg: cfg}
}

func (t *Transform) Name() string    { return t.cfg.Name }
func (t *Transform) Type() string    { return t.cfg.Type }
func (t *Transform) Immediate() bool { return t.cfg.Immediate }

// Running реализует StreamTransform
func (t *Transform) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Start реализует StreamTransform
func (t *Transform) Start(ctx context.Context, in *media.Stream) (*media.Stream, error) {
	t.Stop()
	out, err := t.cfg.Apply(ctx, in)
	if err != nil {
		return nil, errors.Wrapf(err, "plugin %s", t.cfg.Name)
	}
	if out == nil {
		return nil, errors.Errorf("plugin %s returned no stream", t.cfg.Name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.in = in
	t.out = out
	t.running = true
	return out, nil
}

// Stop реализует StreamTransform
func (t *Transform) Stop() {
	t.mu.Lock()
	in, out := t.in, t.out
	t.in, t.out = nil, nil
	t.running = false
	t.mu.Unlock()

	if out == nil {
		return
	}
	for _, tr := range out.Tracks() {
		if in != nil && in.Has(tr) {
			continue
		}
		tr.Stop()
	}
}

// NewKindFilter преобразование, оставляющее в потоке треки одного типа
// (например, только звук при слабом канале)
func NewKindFilter(name, streamType string, keep media.Kind, immediate bool) *Transform {
	return NewTransform(TransformConfig{
		Name:      name,
		Type:      streamType,
		Immediate: immediate,
		Apply: func(_ context.Context, in *media.Stream) (*media.Stream, error) {
			return media.NewStream(in.ID()+"-"+name, in.TracksOf(keep)...), nil
		},
	})
}

// Leg отдельный SIP диалог с туннелем SFU для плагина-источника
type Leg interface {
	// Handle основной handle SFU диалога
	Handle() *janus.Handle
	// Close освобождает handle и завершает диалог
	Close(ctx context.Context) error
	// Done закрывается, когда диалог завершен любой стороной
	Done() <-chan struct{}
}

// Host возможности основной сессии, доступные плагину-источнику
type Host interface {
	SessionID() string
	// OpaqueID новый идентификатор корреляции SFU
	OpaqueID() string
	// OpenTunnel открывает новый диалог с attach в INVITE
	OpenTunnel(ctx context.Context, opaqueID string) (Leg, error)
	Capture(ctx context.Context, c media.Constraints) (*media.Stream, error)
	NewConnection(ctx context.Context) (media.Connection, error)
	Emit(e event.Event)
}

// StreamSource плагин с собственным потоком и сигнализацией
type StreamSource interface {
	Name() string
	Running() bool
	// Stream выходной поток плагина (nil, если не запущен)
	Stream() *media.Stream
	Start(ctx context.Context, host Host) error
	Stop(ctx context.Context) error
}
