package session

import (
	"github.com/arzzra/sfu_phone/pkg/event"
)

// MuteOptions какие треки выключить или включить. Пустые опции
// означают звук.
type MuteOptions struct {
	Audio bool
	Video bool
}

func (o MuteOptions) normalize() MuteOptions {
	if !o.Audio && !o.Video {
		o.Audio = true
	}
	return o
}

// Mute выключает передачу треков без пересогласования
func (s *Session) Mute(opts MuteOptions) error {
	return s.setMuted(opts.normalize(), true)
}

// Unmute включает передачу треков. На удержании треки остаются
// выключенными до снятия удержания.
func (s *Session) Unmute(opts MuteOptions) error {
	return s.setMuted(opts.normalize(), false)
}

func (s *Session) setMuted(opts MuteOptions, muted bool) error {
	s.mu.Lock()
	if s.statusLocked().Terminal() {
		s.mu.Unlock()
		return ErrTerminated
	}
	var changed MuteOptions
	if opts.Audio && s.audioMuted != muted {
		s.audioMuted = muted
		changed.Audio = true
	}
	if opts.Video && s.videoMuted != muted {
		s.videoMuted = muted
		changed.Video = true
	}
	s.mu.Unlock()

	if !changed.Audio && !changed.Video {
		return nil
	}
	s.applyTransmit()
	kind := event.Muted
	if !muted {
		kind = event.Unmuted
	}
	s.emit(event.Event{Kind: kind, Originator: event.Local, Audio: changed.Audio, Video: changed.Video})
	return nil
}
