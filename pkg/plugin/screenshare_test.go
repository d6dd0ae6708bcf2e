package plugin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/janus/janustest"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/media/mediatest"
)

type testLeg struct {
	handle *janus.Handle
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func newTestLeg(handle *janus.Handle) *testLeg {
	return &testLeg{handle: handle, done: make(chan struct{})}
}

func (l *testLeg) Handle() *janus.Handle { return l.handle }

func (l *testLeg) Done() <-chan struct{} { return l.done }

func (l *testLeg) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.end()
	return l.handle.Detach(ctx)
}

// end завершение диалога без Close, как после BYE удаленной стороны
func (l *testLeg) end() {
	l.once.Do(func() { close(l.done) })
}

func (l *testLeg) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// testHost основная сессия с туннелями на тестовый SFU
type testHost struct {
	sfu      *janustest.SFU
	factory  *mediatest.Factory
	capturer *mediatest.Capturer
	events   *event.Recorder
	openErr  error

	mu   sync.Mutex
	legs []*testLeg
}

func newTestHost() *testHost {
	return &testHost{
		sfu:      janustest.New(),
		factory:  &mediatest.Factory{Candidates: 2},
		capturer: &mediatest.Capturer{},
		events:   &event.Recorder{},
	}
}

func (h *testHost) SessionID() string { return "main" }
func (h *testHost) OpaqueID() string  { return "screen-opaque" }

func (h *testHost) OpenTunnel(_ context.Context, opaqueID string) (Leg, error) {
	if h.openErr != nil {
		return nil, h.openErr
	}
	tun := janus.New(h.sfu, janus.Config{OpaqueID: opaqueID, Timeout: time.Second})
	body, err := tun.AttachBody()
	if err != nil {
		return nil, err
	}
	handle, err := tun.AcceptAttach(h.sfu.AttachReply(body))
	if err != nil {
		return nil, err
	}
	leg := newTestLeg(handle)
	h.mu.Lock()
	h.legs = append(h.legs, leg)
	h.mu.Unlock()
	return leg, nil
}

func (h *testHost) Capture(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	return h.capturer.Capture(ctx, c)
}

func (h *testHost) NewConnection(ctx context.Context) (media.Connection, error) {
	return h.factory.NewConnection(ctx)
}

func (h *testHost) Emit(e event.Event) { h.events.Emit(e) }

func TestScreenShareLifecycle(t *testing.T) {
	host := newTestHost()
	share := NewScreenShare(ScreenShareConfig{Room: 1234, Display: "screen", Debounce: 10 * time.Millisecond})

	require.NoError(t, share.Start(context.Background(), host))
	assert.True(t, share.Running())
	require.NotNil(t, share.Stream())
	assert.Len(t, share.Stream().TracksOf(media.KindVideo), 1)
	assert.True(t, host.events.Has(event.PluginStart(ScreenShareName)))

	joins := host.sfu.Requests(janus.RequestJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, janus.RolePublisher, joins[0].Headers.Get(janus.HeaderRole))

	conn := host.factory.Last()
	require.Eventually(t, func() bool { return conn.RemoteDescription() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, media.SDPAnswer, conn.RemoteDescription().Type)
	assert.Equal(t, 1, host.sfu.Count(janus.RequestConfigure))

	stream := share.Stream()
	require.NoError(t, share.Stop(context.Background()))
	require.NoError(t, share.Stop(context.Background()))

	assert.False(t, share.Running())
	assert.Nil(t, share.Stream())
	assert.True(t, conn.Closed())
	for _, tr := range stream.Tracks() {
		assert.True(t, tr.(*mediatest.Track).Stopped())
	}
	require.Len(t, host.legs, 1)
	assert.True(t, host.legs[0].Closed())
	assert.True(t, host.sfu.Detached(host.legs[0].handle.ID))
	assert.Equal(t, 1, host.events.Count(event.PluginStop(ScreenShareName)))
}

func TestScreenShareStopsWhenLegEnds(t *testing.T) {
	host := newTestHost()
	share := NewScreenShare(ScreenShareConfig{Room: 1, Debounce: 10 * time.Millisecond})
	require.NoError(t, share.Start(context.Background(), host))
	conn := host.factory.Last()
	stream := share.Stream()

	host.legs[0].end()

	require.Eventually(t, func() bool { return !share.Running() }, time.Second, 5*time.Millisecond)
	assert.Nil(t, share.Stream())
	assert.True(t, conn.Closed())
	for _, tr := range stream.Tracks() {
		assert.True(t, tr.(*mediatest.Track).Stopped())
	}
	stop, ok := host.events.Last(event.PluginStop(ScreenShareName))
	require.True(t, ok)
	assert.Equal(t, event.Remote, stop.Originator)

	// повторное включение открывает новый диалог
	require.NoError(t, share.Start(context.Background(), host))
	assert.True(t, share.Running())
	assert.Len(t, host.legs, 2)
	require.NoError(t, share.Stop(context.Background()))
	assert.Equal(t, 2, host.events.Count(event.PluginStop(ScreenShareName)))
}

func TestScreenShareJoinFailureReleasesEverything(t *testing.T) {
	host := newTestHost()
	host.sfu.Fail[janus.RequestJoin] = true
	share := NewScreenShare(ScreenShareConfig{Room: 1})

	err := share.Start(context.Background(), host)
	require.Error(t, err)
	assert.False(t, share.Running())

	assert.True(t, host.factory.Last().Closed())
	require.Len(t, host.legs, 1)
	assert.True(t, host.legs[0].Closed())
	for _, tr := range host.capturer.Streams()[0].Tracks() {
		assert.True(t, tr.(*mediatest.Track).Stopped())
	}
	assert.False(t, host.events.Has(event.PluginStart(ScreenShareName)))
}

func TestPipelineTogglesSource(t *testing.T) {
	host := newTestHost()
	p := NewPipeline(PipelineConfig{SessionID: "main"})
	share := NewScreenShare(ScreenShareConfig{Room: 1, Debounce: 10 * time.Millisecond})
	p.AddSource(share)

	err := p.Toggle(context.Background(), ScreenShareName, true)
	require.Error(t, err, "без хоста источник не запускается")

	p.Bind(nil, host)
	require.NoError(t, p.Toggle(context.Background(), ScreenShareName, true))
	require.NoError(t, p.Toggle(context.Background(), ScreenShareName, true))
	assert.True(t, share.Running())
	assert.Len(t, host.legs, 1)

	p.Close(context.Background())
	assert.False(t, share.Running())
	assert.True(t, host.legs[0].Closed())
}
