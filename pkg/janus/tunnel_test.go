package janus_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/janus/janustest"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

func attachPrimary(t *testing.T, sfu *janustest.SFU) (*janus.Tunnel, *janus.Handle) {
	t.Helper()
	tun := janus.New(sfu, janus.Config{OpaqueID: "opaque-1", Timeout: time.Second})
	body, err := tun.AttachBody()
	require.NoError(t, err)

	h, err := tun.AcceptAttach(sfu.AttachReply(body))
	require.NoError(t, err)
	require.NotZero(t, h.ID)
	assert.Equal(t, sfu.SessionID, tun.SessionID())
	return tun, h
}

func TestAttachBodyCarriesOpaqueID(t *testing.T) {
	tun := janus.New(janustest.New(), janus.Config{OpaqueID: "opaque-1"})
	body, err := tun.AttachBody()
	require.NoError(t, err)

	var msg janus.Message
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, janus.TypeAttach, msg.Janus)
	assert.Equal(t, "opaque-1", msg.OpaqueID)
	assert.Equal(t, janus.DefaultPlugin, msg.Plugin)
	assert.NotEmpty(t, msg.Transaction)
}

func TestAcceptAttachFailures(t *testing.T) {
	tun := janus.New(janustest.New(), janus.Config{})

	_, err := tun.AcceptAttach(nil)
	assert.ErrorIs(t, err, janus.ErrAttachFailed)

	_, err = tun.AcceptAttach([]byte(`{"janus":"success"}`))
	assert.ErrorIs(t, err, janus.ErrAttachFailed)

	_, err = tun.AcceptAttach([]byte(`{"janus":"error","error":{"code":403,"reason":"denied"}}`))
	assert.ErrorIs(t, err, janus.ErrAttachFailed)

	_, err = tun.AcceptAttach([]byte(`not json`))
	assert.ErrorIs(t, err, janus.ErrAttachFailed)
}

func TestJoinUsesSubscribeWithRole(t *testing.T) {
	sfu := janustest.New()
	sfu.Publishers = []janus.PublisherInfo{{ID: 10, Display: "alice"}}
	_, h := attachPrimary(t, sfu)

	ev, _, err := h.Join(context.Background(), janus.Join{Room: 1234, PType: janus.RolePublisher, Display: "me"})
	require.NoError(t, err)
	assert.Equal(t, janus.RoomJoined, ev.VideoRoom)
	assert.Equal(t, sfu.SelfID, ev.ID)
	require.Len(t, ev.Publishers, 1)
	assert.Equal(t, uint64(10), ev.Publishers[0].ID)

	joins := sfu.Requests(janus.RequestJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, sipmsg.SUBSCRIBE, joins[0].Method)
	assert.Equal(t, janus.EventPackage, joins[0].Headers.Get(janus.HeaderEvent))
	assert.Equal(t, janus.RolePublisher, joins[0].Headers.Get(janus.HeaderRole))
	assert.Equal(t, h.ID, joins[0].Msg.HandleID)
	assert.Equal(t, sfu.SessionID, joins[0].Msg.SessionID)
}

func TestConfigureBundlesTrickles(t *testing.T) {
	sfu := janustest.New()
	_, h := attachPrimary(t, sfu)

	cands := []media.Candidate{{Candidate: "candidate:1"}, {Candidate: "candidate:2"}}
	offer := &media.Description{Type: media.SDPOffer, SDP: "v=0"}
	reply, err := h.Configure(context.Background(), janus.Configure{Audio: true, Video: true, Filename: "/tmp/rec"}, cands, offer)
	require.NoError(t, err)
	require.NotNil(t, reply.JSEP)
	assert.Equal(t, media.SDPAnswer, reply.JSEP.Type)

	sent := sfu.Requests(janus.RequestConfigure)
	require.Len(t, sent, 1)
	assert.Equal(t, sipmsg.INFO, sent[0].Method)

	var raw struct {
		Body janus.ConfigureBody `json:"body"`
	}
	require.NoError(t, json.Unmarshal(sent[0].Raw, &raw))
	assert.Equal(t, janus.RequestConfigure, raw.Body.Configure.Request)
	assert.Equal(t, "/tmp/rec", raw.Body.Configure.Filename)
	assert.Len(t, raw.Body.Trickles, 2)
}

func TestAckKeepsTransactionPending(t *testing.T) {
	sfu := janustest.New()
	tun, h := attachPrimary(t, sfu)
	// ответы на message приходят асинхронно, после ack
	sfu.Async = func(body []byte) {
		time.Sleep(20 * time.Millisecond)
		_ = tun.Dispatch(body)
	}

	_, reply, err := h.Join(context.Background(), janus.Join{Room: 1, PType: janus.RolePublisher})
	require.NoError(t, err)
	assert.Equal(t, janus.TypeEvent, reply.Janus)
}

func TestTrickleResolvesOnAck(t *testing.T) {
	sfu := janustest.New()
	_, h := attachPrimary(t, sfu)

	err := h.Trickle(context.Background(), []media.Candidate{{Candidate: "c1"}})
	require.NoError(t, err)
	sent := sfu.Requests(janus.TypeTrickle)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Msg.Candidate)
	assert.Equal(t, "c1", sent[0].Msg.Candidate.Candidate)

	require.NoError(t, h.Trickle(context.Background(), []media.Candidate{{Candidate: "c2"}, {Completed: true}}))
	sent = sfu.Requests(janus.TypeTrickle)
	require.Len(t, sent, 2)
	assert.Len(t, sent[1].Msg.Candidates, 2)

	// пустая пачка не отправляется
	require.NoError(t, h.Trickle(context.Background(), nil))
	assert.Equal(t, 2, sfu.Count(janus.TypeTrickle))
}

func TestNonCriticalFailures(t *testing.T) {
	sfu := janustest.New()
	_, h := attachPrimary(t, sfu)

	sfu.Fail[janus.RequestJoin] = true
	_, _, err := h.Join(context.Background(), janus.Join{PType: janus.RolePublisher})
	assert.ErrorIs(t, err, janustest.ErrRejected)

	sfu.Malformed[janus.RequestConfigure] = true
	_, err = h.Configure(context.Background(), janus.Configure{}, nil, nil)
	assert.ErrorIs(t, err, janus.ErrMalformedReply)
}

func TestSFUErrorReply(t *testing.T) {
	carrier := janus.CarrierFunc(func(_ context.Context, _ string, _ sipmsg.Headers, body []byte) ([]byte, error) {
		var msg janus.Message
		_ = json.Unmarshal(body, &msg)
		return json.Marshal(janus.Reply{Janus: janus.TypeError, Transaction: msg.Transaction, Error: &janus.Error{Code: 458, Reason: "no such session"}})
	})
	tun := janus.New(carrier, janus.Config{})
	_, err := tun.Attach(context.Background())
	assert.ErrorIs(t, err, janus.ErrAttachFailed)

	h, err := tun.AcceptAttach([]byte(`{"janus":"success","data":{"id":5}}`))
	require.NoError(t, err)
	err = h.Detach(context.Background())
	var sfuErr *janus.Error
	require.ErrorAs(t, err, &sfuErr)
	assert.Equal(t, 458, sfuErr.Code)
	assert.ErrorIs(t, err, janus.ErrSFU)
}

func TestUnsolicitedEventsRouteToHandle(t *testing.T) {
	sfu := janustest.New()
	tun, h := attachPrimary(t, sfu)

	var got atomic.Pointer[janus.Reply]
	h.OnEvent(func(r *janus.Reply) { got.Store(r) })

	body := sfu.Event(h.ID, janus.RoomEvent{VideoRoom: janus.RoomEventKey, Unpublished: json.RawMessage("42")})
	require.NoError(t, tun.Dispatch(body))

	r := got.Load()
	require.NotNil(t, r)
	ev, err := r.Room()
	require.NoError(t, err)
	id, ok := ev.UnpublishedID()
	require.True(t, ok)
	assert.Equal(t, uint64(42), id)

	assert.ErrorIs(t, tun.Dispatch([]byte(`{}`)), janus.ErrMalformedReply)
}

func TestCloseReleasesPending(t *testing.T) {
	block := make(chan struct{})
	carrier := janus.CarrierFunc(func(ctx context.Context, _ string, _ sipmsg.Headers, _ []byte) ([]byte, error) {
		close(block)
		return nil, nil
	})
	tun := janus.New(carrier, janus.Config{Timeout: 5 * time.Second})
	h, err := tun.AcceptAttach([]byte(`{"janus":"success","data":{"id":5}}`))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var callErr error
	go func() {
		defer wg.Done()
		_, _, callErr = h.Join(context.Background(), janus.Join{PType: janus.RolePublisher})
	}()
	<-block
	tun.Close()
	wg.Wait()
	assert.ErrorIs(t, callErr, janus.ErrClosed)
}

func TestPublisherInfoKeepsState(t *testing.T) {
	var p janus.PublisherInfo
	require.NoError(t, json.Unmarshal([]byte(`{"id":7,"display":"bob","audio_muted":true,"talking":false}`), &p))
	assert.Equal(t, uint64(7), p.ID)
	assert.Equal(t, "bob", p.Display)
	assert.Equal(t, true, p.State["audio_muted"])

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"display":"bob","audio_muted":true,"talking":false}`, string(out))
}
