package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/janus/janustest"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/media/mediatest"
)

type RegistrySuite struct {
	suite.Suite

	sfu     *janustest.SFU
	tunnel  *janus.Tunnel
	factory *mediatest.Factory
	events  *event.Recorder
	reg     *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.sfu = janustest.New()
	s.tunnel = janus.New(s.sfu, janus.Config{OpaqueID: "opaque", Timeout: time.Second})
	body, err := s.tunnel.AttachBody()
	s.Require().NoError(err)
	_, err = s.tunnel.AcceptAttach(s.sfu.AttachReply(body))
	s.Require().NoError(err)

	s.factory = &mediatest.Factory{Candidates: 2}
	s.events = &event.Recorder{}
	s.reg = New(Config{
		SessionID: "session-1",
		Room:      1234,
		Signaler:  s.tunnel,
		Factory:   s.factory,
		Sink:      s.events,
		Debounce:  20 * time.Millisecond,
	})
	s.reg.SetSelf(1, 2)
}

func (s *RegistrySuite) TearDownTest() {
	s.reg.Close()
}

func pubs(ids ...uint64) []janus.PublisherInfo {
	out := make([]janus.PublisherInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, janus.PublisherInfo{ID: id, Display: "user"})
	}
	return out
}

func (s *RegistrySuite) TestSnapshotDiff() {
	const a, b, c = 10, 20, 30

	s.reg.Sync(pubs(b, a))
	s.reg.Wait()
	s.Equal([]uint64{a, b}, s.reg.IDs())

	memberA, ok := s.reg.Member(a)
	s.Require().True(ok)
	connA := memberA.Connection().(*mediatest.Connection)
	handleA := memberA.HandleID()

	s.reg.Sync(pubs(c, b))
	s.reg.Wait()

	s.Equal([]uint64{b, c}, s.reg.IDs())
	s.True(connA.Closed(), "соединение A закрыто")
	s.True(s.sfu.Detached(handleA), "handle A освобожден")
	s.Equal(3, s.events.Count(event.MemberJoin))
	s.Equal(1, s.events.Count(event.MemberHangup))

	// для каждого участника: attach, join subscriber, start
	s.Equal(3, s.sfu.Count(janus.RequestStart))
}

func (s *RegistrySuite) TestSelfIsNeverSubscribed() {
	s.reg.Join(pubs(1, 10))
	s.reg.Wait()
	s.Equal([]uint64{10}, s.reg.IDs())
}

func (s *RegistrySuite) TestJoinIsAddOnly() {
	s.reg.Join(pubs(10, 20))
	s.reg.Wait()
	s.reg.Join(pubs(30))
	s.reg.Wait()
	s.Equal([]uint64{10, 20, 30}, s.reg.IDs())
	s.Equal(4, s.sfu.Count(janus.TypeAttach), "основной handle и по одному на участника")
}

func (s *RegistrySuite) TestMemberAttachSequence() {
	s.reg.Join(pubs(10))
	s.reg.Wait()

	m, ok := s.reg.Member(10)
	s.Require().True(ok)

	joins := s.sfu.Requests(janus.RequestJoin)
	s.Require().Len(joins, 1)
	s.Equal(janus.RoleSubscriber, joins[0].Headers.Get(janus.HeaderRole))

	conn := m.Connection().(*mediatest.Connection)
	s.Require().NotNil(conn.RemoteDescription())
	s.Equal(media.SDPOffer, conn.RemoteDescription().Type)
	s.Require().NotNil(conn.LocalDescription())
	s.Equal(media.SDPAnswer, conn.LocalDescription().Type)

	starts := s.sfu.Requests(janus.RequestStart)
	s.Require().Len(starts, 1)
	s.Require().NotNil(starts[0].Msg.JSEP)
	s.Equal(media.SDPAnswer, starts[0].Msg.JSEP.Type)

	// кандидаты участника уходят trickle сообщением, не configure
	s.Eventually(func() bool { return s.sfu.Count(janus.TypeTrickle) == 1 }, time.Second, 5*time.Millisecond)
	s.Zero(s.sfu.Count(janus.RequestConfigure))

	track := mediatest.NewTrack(media.KindAudio)
	conn.EmitTrack(track, "10")
	s.True(m.Stream().Has(track))
}

func (s *RegistrySuite) TestUnpublishedEvent() {
	s.reg.Join(pubs(10, 20))
	s.reg.Wait()

	s.reg.HandleEvent(&janus.RoomEvent{VideoRoom: janus.RoomEventKey, Unpublished: []byte("10")})
	s.Equal([]uint64{20}, s.reg.IDs())

	s.reg.HandleEvent(&janus.RoomEvent{VideoRoom: janus.RoomEventKey, Leaving: []byte("20")})
	s.Zero(s.reg.Len())
	s.Equal(2, s.events.Count(event.MemberHangup))
}

func (s *RegistrySuite) TestAttachFailureLeavesNoMember() {
	s.sfu.Fail[janus.RequestStart] = true
	s.reg.Join(pubs(10))
	s.reg.Wait()

	s.Zero(s.reg.Len())
	conns := s.factory.Connections()
	s.Require().Len(conns, 1)
	s.True(conns[0].Closed(), "соединение и handle освобождаются вместе")
	s.Equal(1, s.sfu.Count(janus.TypeDetach))
}

func (s *RegistrySuite) TestUpdateState() {
	s.reg.Join(pubs(10))
	s.reg.Wait()

	s.reg.UpdateState(10, map[string]any{"audio_muted": true})
	s.reg.UpdateState(10, map[string]any{"audio_muted": true})
	s.Equal(1, s.events.Count(event.MemberUpdate))
	m, _ := s.reg.Member(10)
	s.Equal(true, m.State()["audio_muted"])
}

func (s *RegistrySuite) TestCloseHangsUpEveryone() {
	s.reg.Join(pubs(10, 20))
	s.reg.Wait()
	s.reg.Close()

	s.Zero(s.reg.Len())
	for _, c := range s.factory.Connections() {
		s.True(c.Closed())
	}
	s.Equal(2, s.sfu.Count(janus.TypeDetach))

	// после закрытия новые публикации игнорируются
	s.reg.Join(pubs(30))
	s.reg.Wait()
	s.Zero(s.reg.Len())
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func TestSnapshotOrderIndependence(t *testing.T) {
	const a, b, c = 10, 20, 30
	orders := [][2][]uint64{
		{{a, b}, {b, c}},
		{{b, a}, {c, b}},
		{{a, b}, {c, b}},
		{{b, a}, {b, c}},
	}
	for _, order := range orders {
		sfu := janustest.New()
		tun := janus.New(sfu, janus.Config{Timeout: time.Second})
		body, err := tun.AttachBody()
		require.NoError(t, err)
		_, err = tun.AcceptAttach(sfu.AttachReply(body))
		require.NoError(t, err)

		reg := New(Config{Room: 1, Signaler: tun, Factory: &mediatest.Factory{}})
		reg.Sync(pubs(order[0]...))
		reg.Wait()
		reg.Sync(pubs(order[1]...))
		reg.Wait()

		assert.Equal(t, []uint64{b, c}, reg.IDs(), "order %v", order)
		reg.Close()
	}
}
