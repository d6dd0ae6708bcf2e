package media

import (
	"sync"
)

// Stream набор треков с постоянной идентичностью.
//
// Конвейер плагинов подменяет треки внутри потока, не меняя сам объект,
// поэтому ссылки на поток у хоста и у отправителей остаются валидными.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []Track
}

// NewStream создает поток с треками
func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{id: id, tracks: append([]Track(nil), tracks...)}
}

// ID идентификатор потока
func (s *Stream) ID() string {
	return s.id
}

// Tracks копия списка треков
func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Track(nil), s.tracks...)
}

// TracksOf треки указанного типа
func (s *Stream) TracksOf(kind Kind) []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// AddTrack добавляет трек, если его еще нет
func (s *Stream) AddTrack(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tracks {
		if existing.ID() == t.ID() {
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

// RemoveTrack удаляет трек по идентификатору
func (s *Stream) RemoveTrack(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.tracks {
		if existing.ID() == t.ID() {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Has проверяет наличие трека
func (s *Stream) Has(t Track) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, existing := range s.tracks {
		if existing.ID() == t.ID() {
			return true
		}
	}
	return false
}

// SetEnabled включает или выключает все треки указанного типа
func (s *Stream) SetEnabled(kind Kind, enabled bool) {
	for _, t := range s.TracksOf(kind) {
		t.SetEnabled(enabled)
	}
}

// Stop останавливает все треки
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
