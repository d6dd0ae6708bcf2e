package plugin

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/metrics"
)

// TrackSwapper подменяет трек у отправителей соединения без
// пересогласования
type TrackSwapper interface {
	SwapTrack(old, new media.Track) error
}

// PipelineConfig параметры конвейера
type PipelineConfig struct {
	SessionID string
	// Capturer повторный захват базового потока при пересинхронизации
	Capturer media.Capturer
	Sink     event.Sink
	Logger   zerolog.Logger
	Metrics  *metrics.Collector
}

// Pipeline упорядоченный набор плагинов одной сессии.
//
// Для каждого типа потока хранится базовый (захваченный) поток и внешний
// поток. Внешний поток сохраняет идентичность: при пересинхронизации его
// треки заменяются на месте, а отправители получают новый трек через
// TrackSwapper.
type Pipeline struct {
	cfg PipelineConfig
	log zerolog.Logger

	// resync сериализует пересинхронизации и запуск источников
	resync sync.Mutex

	mu         sync.Mutex
	transforms []StreamTransform
	enabled    map[string]bool
	sources    map[string]StreamSource
	base       map[string]*media.Stream
	outward    map[string]*media.Stream
	swapper    TrackSwapper
	host       Host
	closed     bool
}

// NewPipeline создает конвейер
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Sink == nil {
		cfg.Sink = event.Discard
	}
	return &Pipeline{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("module", "plugin").Str("session", cfg.SessionID).Logger(),
		enabled: make(map[string]bool),
		sources: make(map[string]StreamSource),
		base:    make(map[string]*media.Stream),
		outward: make(map[string]*media.Stream),
	}
}

// Add регистрирует преобразование в конец списка
func (p *Pipeline) Add(t StreamTransform) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transforms = append(p.transforms, t)
	if t.Immediate() {
		p.enabled[t.Name()] = true
	}
}

// AddSource регистрирует плагин-источник
func (p *Pipeline) AddSource(s StreamSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[s.Name()] = s
}

// Bind задает получателя подмены треков и хост для источников
func (p *Pipeline) Bind(swapper TrackSwapper, host Host) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.swapper = swapper
	p.host = host
}

// Plugins имена зарегистрированных плагинов
func (p *Pipeline) Plugins() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.transforms)+len(p.sources))
	for _, t := range p.transforms {
		names = append(names, t.Name())
	}
	for name := range p.sources {
		names = append(names, name)
	}
	return names
}

func (p *Pipeline) transformsOf(typ string) []StreamTransform {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []StreamTransform
	for _, t := range p.transforms {
		if t.Type() == typ {
			out = append(out, t)
		}
	}
	return out
}

// stepFunc один шаг конвейера: запускает преобразование или пропускает
// поток как есть
type stepFunc func(ctx context.Context, t StreamTransform, in *media.Stream) (*media.Stream, error)

// run прогоняет поток через преобразования. Ошибка запуска не прерывает
// конвейер: поток проходит дальше без изменений.
func (p *Pipeline) run(ctx context.Context, typ string, in *media.Stream, step stepFunc) (*media.Stream, error) {
	stream := in
	for _, t := range p.transformsOf(typ) {
		out, err := step(ctx, t, stream)

		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			// результат запоздавшего запуска отбрасывается
			t.Stop()
			return nil, ErrClosed
		}

		if err != nil {
			t.Stop()
			p.cfg.Metrics.PluginFailure(t.Name())
			p.log.Error().Err(err).Str("plugin", t.Name()).Msg("plugin start failed, passing stream through")
			continue
		}
		stream = out
	}
	return stream, nil
}

// Process применяет немедленные преобразования к захваченному потоку
// перед подключением к соединению и возвращает внешний поток
func (p *Pipeline) Process(ctx context.Context, typ string, base *media.Stream) (*media.Stream, error) {
	p.resync.Lock()
	defer p.resync.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.base[typ] = base
	p.mu.Unlock()

	result, err := p.run(ctx, typ, base, Process)
	if err != nil {
		return nil, err
	}

	outward := media.NewStream(base.ID(), result.Tracks()...)
	p.mu.Lock()
	p.outward[typ] = outward
	p.mu.Unlock()
	return outward, nil
}

// Outward внешний поток указанного типа
func (p *Pipeline) Outward(typ string) *media.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outward[typ]
}

// Toggle включает или выключает плагин по имени: преобразование
// вызывает пересинхронизацию своего типа, источник запускается или
// останавливается
func (p *Pipeline) Toggle(ctx context.Context, name string, on bool) error {
	p.mu.Lock()
	source, isSource := p.sources[name]
	var transform StreamTransform
	for _, t := range p.transforms {
		if t.Name() == name {
			transform = t
		}
	}
	host := p.host
	p.mu.Unlock()

	switch {
	case isSource:
		return p.toggleSource(ctx, source, host, on)
	case transform != nil:
		p.mu.Lock()
		changed := p.enabled[name] != on
		p.enabled[name] = on
		p.mu.Unlock()
		if !changed {
			return nil
		}
		if err := p.Resync(ctx, transform.Type()); err != nil {
			return err
		}
		p.emitToggle(name, on, nil)
		return nil
	default:
		return errors.Wrap(ErrUnknownPlugin, name)
	}
}

func (p *Pipeline) toggleSource(ctx context.Context, s StreamSource, host Host, on bool) error {
	p.resync.Lock()
	defer p.resync.Unlock()

	if on == s.Running() {
		return nil
	}
	if !on {
		return s.Stop(ctx)
	}
	if host == nil {
		return errors.Errorf("plugin %s: no host bound", s.Name())
	}
	if err := s.Start(ctx, host); err != nil {
		p.cfg.Metrics.PluginFailure(s.Name())
		return err
	}
	return nil
}

// Resync пересобирает поток указанного типа после переключения плагина:
// останавливает работающие преобразования, берет базовый поток, заново
// запускает включенные преобразования и заменяет треки внешнего потока
// на месте.
func (p *Pipeline) Resync(ctx context.Context, typ string) error {
	p.resync.Lock()
	defer p.resync.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	base := p.base[typ]
	outward := p.outward[typ]
	swapper := p.swapper
	p.mu.Unlock()

	if outward == nil {
		// поток еще не подключен: применится при Process
		return nil
	}

	for _, t := range p.transformsOf(typ) {
		t.Stop()
	}

	if base == nil || !live(base) {
		captured, err := p.capture(ctx, typ)
		if err != nil {
			return err
		}
		base = captured
		p.mu.Lock()
		p.base[typ] = base
		p.mu.Unlock()
	}

	result, err := p.run(ctx, typ, base, func(ctx context.Context, t StreamTransform, in *media.Stream) (*media.Stream, error) {
		p.mu.Lock()
		on := p.enabled[t.Name()]
		p.mu.Unlock()
		if !on {
			return in, nil
		}
		return t.Start(ctx, in)
	})
	if err != nil {
		return err
	}

	p.replaceTracks(outward, base, result, swapper)
	p.cfg.Metrics.PluginResync(typ)

	kind := event.ChangePluginStream
	if typ == TypeVideo {
		kind = event.ChangeMainVideoStream
	}
	p.cfg.Sink.Emit(event.Event{
		SessionID: p.cfg.SessionID,
		Kind:      kind,
		Info:      typ,
		Stream:    outward,
		Time:      time.Now(),
	})
	return nil
}

func live(s *media.Stream) bool {
	return len(s.Tracks()) > 0
}

func (p *Pipeline) capture(ctx context.Context, typ string) (*media.Stream, error) {
	if p.cfg.Capturer == nil {
		return nil, errors.Errorf("no base stream for %s", typ)
	}
	c := media.Constraints{Audio: true, Video: true}
	if typ == TypeScreen {
		c = media.Constraints{Screen: true}
	}
	s, err := p.cfg.Capturer.Capture(ctx, c)
	return s, errors.Wrap(err, "recapture base stream")
}

// replaceTracks заменяет треки внешнего потока на треки результата.
// Старые треки, не принадлежащие базовому потоку, останавливаются.
func (p *Pipeline) replaceTracks(outward, base, result *media.Stream, swapper TrackSwapper) {
	old := outward.Tracks()
	fresh := result.Tracks()

	for _, o := range old {
		if result.Has(o) {
			continue
		}
		var replacement media.Track
		for _, n := range fresh {
			if n.Kind() == o.Kind() && !outward.Has(n) {
				replacement = n
				break
			}
		}
		outward.RemoveTrack(o)
		if replacement != nil {
			outward.AddTrack(replacement)
			if swapper != nil {
				if err := swapper.SwapTrack(o, replacement); err != nil {
					p.log.Warn().Err(err).Str("track", o.ID()).Msg("swap sender track")
				}
			}
		}
		if !base.Has(o) {
			o.Stop()
		}
	}
	for _, n := range fresh {
		outward.AddTrack(n)
	}
}

func (p *Pipeline) emitToggle(name string, on bool, stream *media.Stream) {
	kind := event.PluginStop(name)
	if on {
		kind = event.PluginStart(name)
	}
	p.cfg.Sink.Emit(event.Event{
		SessionID: p.cfg.SessionID,
		Kind:      kind,
		Plugin:    name,
		Stream:    stream,
		Time:      time.Now(),
	})
}

// Close останавливает все плагины. Запуски, завершившиеся после Close,
// отбрасываются.
func (p *Pipeline) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	transforms := append([]StreamTransform(nil), p.transforms...)
	sources := make([]StreamSource, 0, len(p.sources))
	for _, s := range p.sources {
		sources = append(sources, s)
	}
	p.mu.Unlock()

	for _, t := range transforms {
		t.Stop()
	}
	for _, s := range sources {
		if !s.Running() {
			continue
		}
		if err := s.Stop(ctx); err != nil {
			p.log.Warn().Err(err).Str("plugin", s.Name()).Msg("stop source plugin")
		}
	}
}
