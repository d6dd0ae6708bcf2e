package plugin

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/media/mediatest"
)

// connSwapper подменяет трек у отправителя соединения
type connSwapper struct {
	conn media.Connection
}

func (s connSwapper) SwapTrack(old, new media.Track) error {
	for _, sender := range s.conn.Senders() {
		if sender.Track() == old {
			return sender.ReplaceTrack(new)
		}
	}
	return errors.New("no sender for track")
}

// overlay преобразование, заменяющее видео трек новым
func overlay(name string, immediate bool, fail error) *Transform {
	return NewTransform(TransformConfig{
		Name:      name,
		Type:      TypeVideo,
		Immediate: immediate,
		Apply: func(_ context.Context, in *media.Stream) (*media.Stream, error) {
			if fail != nil {
				return nil, fail
			}
			out := media.NewStream(in.ID()+"-"+name, in.TracksOf(media.KindAudio)...)
			out.AddTrack(mediatest.NewTrack(media.KindVideo))
			return out, nil
		},
	})
}

func attach(t *testing.T, p *Pipeline, capturer *mediatest.Capturer) (*media.Stream, *media.Stream, *mediatest.Connection) {
	t.Helper()
	base, err := capturer.Capture(context.Background(), media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	outward, err := p.Process(context.Background(), TypeVideo, base)
	require.NoError(t, err)

	conn := &mediatest.Factory{}
	c, err := conn.NewConnection(context.Background())
	require.NoError(t, err)
	for _, tr := range outward.Tracks() {
		_, err := c.AddTrack(tr, outward)
		require.NoError(t, err)
	}
	p.Bind(connSwapper{conn: c}, nil)
	return base, outward, c.(*mediatest.Connection)
}

func TestProcessPassthroughWithoutImmediate(t *testing.T) {
	ctx := context.Background()
	in := media.NewStream("s", mediatest.NewTrack(media.KindVideo))

	out, err := Process(ctx, overlay("Blur", false, nil), in)
	require.NoError(t, err)
	assert.Same(t, in, out)

	out, err = Process(ctx, overlay("Blur", true, nil), in)
	require.NoError(t, err)
	assert.NotSame(t, in, out)
}

func TestImmediateTransformAppliedOnProcess(t *testing.T) {
	p := NewPipeline(PipelineConfig{SessionID: "s1"})
	blur := overlay("Blur", true, nil)
	p.Add(blur)

	capturer := &mediatest.Capturer{}
	base, outward, _ := attach(t, p, capturer)

	assert.True(t, blur.Running())
	assert.Equal(t, base.ID(), outward.ID())
	video := outward.TracksOf(media.KindVideo)
	require.Len(t, video, 1)
	assert.False(t, base.Has(video[0]), "видео трек заменен преобразованием")
	assert.Len(t, outward.TracksOf(media.KindAudio), 1)
}

func TestProcessSkipsDeferredTransforms(t *testing.T) {
	p := NewPipeline(PipelineConfig{SessionID: "s1"})
	blur := overlay("Blur", false, nil)
	mask := overlay("Mask", true, nil)
	p.Add(blur)
	p.Add(mask)

	base, outward, _ := attach(t, p, &mediatest.Capturer{})

	assert.False(t, blur.Running())
	assert.True(t, mask.Running())
	video := outward.TracksOf(media.KindVideo)
	require.Len(t, video, 1)
	assert.False(t, base.Has(video[0]))
}

func TestStartFailurePassesStreamThrough(t *testing.T) {
	p := NewPipeline(PipelineConfig{SessionID: "s1"})
	broken := overlay("Broken", true, errors.New("no gpu"))
	p.Add(broken)

	base, outward, _ := attach(t, p, &mediatest.Capturer{})

	assert.False(t, broken.Running())
	for _, tr := range base.Tracks() {
		assert.True(t, outward.Has(tr))
	}
}

func TestToggleMidCallSwapsSenderTrack(t *testing.T) {
	events := &event.Recorder{}
	capturer := &mediatest.Capturer{}
	p := NewPipeline(PipelineConfig{SessionID: "s1", Sink: events, Capturer: capturer})
	blur := overlay("Blur", false, nil)
	p.Add(blur)

	base, outward, conn := attach(t, p, capturer)
	baseVideo := base.TracksOf(media.KindVideo)[0]
	senders := conn.Senders()

	require.NoError(t, p.Toggle(context.Background(), "Blur", true))

	assert.True(t, blur.Running())
	assert.Same(t, outward, p.Outward(TypeVideo), "внешний поток сохраняет идентичность")
	assert.Equal(t, senders, conn.Senders(), "отправители не пересоздаются")
	assert.Equal(t, 1, events.Count(event.ChangeMainVideoStream))
	assert.True(t, events.Has(event.PluginStart("Blur")))
	assert.Zero(t, conn.Offers(), "пересогласование не требуется")

	video := outward.TracksOf(media.KindVideo)
	require.Len(t, video, 1)
	blurred := video[0]
	assert.NotEqual(t, baseVideo.ID(), blurred.ID())
	assert.False(t, baseVideo.(*mediatest.Track).Stopped(), "трек источника не останавливается")

	swaps := 0
	for _, s := range conn.Senders() {
		swaps += s.(*mediatest.Sender).Swaps()
	}
	assert.Equal(t, 1, swaps)

	require.NoError(t, p.Toggle(context.Background(), "Blur", false))
	assert.False(t, blur.Running())
	assert.True(t, outward.Has(baseVideo), "возвращен исходный трек")
	assert.True(t, blurred.(*mediatest.Track).Stopped())
	assert.Equal(t, 2, events.Count(event.ChangeMainVideoStream))
	assert.True(t, events.Has(event.PluginStop("Blur")))
	assert.Equal(t, 1, capturer.Captures(), "базовый поток переиспользуется")
}

func TestToggleSameStateIsNoop(t *testing.T) {
	events := &event.Recorder{}
	p := NewPipeline(PipelineConfig{SessionID: "s1", Sink: events})
	p.Add(overlay("Blur", false, nil))
	attach(t, p, &mediatest.Capturer{})

	require.NoError(t, p.Toggle(context.Background(), "Blur", false))
	assert.Zero(t, events.Count(event.ChangeMainVideoStream))
}

func TestToggleUnknownPlugin(t *testing.T) {
	p := NewPipeline(PipelineConfig{})
	err := p.Toggle(context.Background(), "Nope", true)
	assert.True(t, errors.Is(err, ErrUnknownPlugin))
}

func TestResyncRecapturesStoppedBase(t *testing.T) {
	capturer := &mediatest.Capturer{}
	p := NewPipeline(PipelineConfig{SessionID: "s1", Capturer: capturer})
	p.Add(overlay("Blur", false, nil))
	base, _, _ := attach(t, p, capturer)

	for _, tr := range base.Tracks() {
		base.RemoveTrack(tr)
	}
	require.NoError(t, p.Toggle(context.Background(), "Blur", true))
	assert.Equal(t, 2, capturer.Captures())
}

func TestTransformStopIsIdempotent(t *testing.T) {
	blur := overlay("Blur", true, nil)
	blur.Stop()

	in := media.NewStream("s", mediatest.NewTrack(media.KindAudio), mediatest.NewTrack(media.KindVideo))
	out, err := blur.Start(context.Background(), in)
	require.NoError(t, err)
	blur.Stop()
	blur.Stop()

	assert.False(t, blur.Running())
	for _, tr := range out.Tracks() {
		stopped := tr.(*mediatest.Track).Stopped()
		assert.Equal(t, !in.Has(tr), stopped, "останавливаются только собственные треки")
	}
}

func TestKindFilter(t *testing.T) {
	f := NewKindFilter("AudioOnly", TypeVideo, media.KindAudio, true)
	in := media.NewStream("s", mediatest.NewTrack(media.KindAudio), mediatest.NewTrack(media.KindVideo))
	out, err := f.Start(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, out.Tracks(), 1)
	assert.Equal(t, media.KindAudio, out.Tracks()[0].Kind())

	f.Stop()
	assert.False(t, in.Tracks()[0].(*mediatest.Track).Stopped())
}

func TestClosedPipelineRejectsWork(t *testing.T) {
	p := NewPipeline(PipelineConfig{})
	blur := overlay("Blur", true, nil)
	p.Add(blur)
	attach(t, p, &mediatest.Capturer{})

	p.Close(context.Background())
	p.Close(context.Background())
	assert.False(t, blur.Running())

	_, err := p.Process(context.Background(), TypeVideo, media.NewStream("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Resync(context.Background(), TypeVideo), ErrClosed)
}
