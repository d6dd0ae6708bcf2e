package media_test

import (
	"testing"

	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/media/mediatest"
	"github.com/stretchr/testify/assert"
)

func TestStreamTracksKeepIdentity(t *testing.T) {
	a := mediatest.NewTrack(media.KindAudio)
	v := mediatest.NewTrack(media.KindVideo)
	s := media.NewStream("local", a, v)

	s.AddTrack(a)
	assert.Len(t, s.Tracks(), 2, "повторное добавление не дублирует трек")

	v2 := mediatest.NewTrack(media.KindVideo)
	s.RemoveTrack(v)
	s.AddTrack(v2)
	assert.Equal(t, "local", s.ID())
	assert.True(t, s.Has(v2))
	assert.False(t, s.Has(v))
	assert.Len(t, s.TracksOf(media.KindVideo), 1)

	s.SetEnabled(media.KindAudio, false)
	assert.False(t, a.Enabled())
	assert.True(t, v2.Enabled())

	s.Stop()
	assert.True(t, a.Stopped())
	assert.True(t, v2.Stopped())
}
