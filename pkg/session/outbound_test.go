package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/media/mediatest"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
	"github.com/arzzra/sfu_phone/pkg/sipmsg/siptest"
)

func TestOutboundEarlyAnswerThenConfirm(t *testing.T) {
	e := newEnv(t)
	s, inv := e.call(CallOptions{Audio: true})

	assert.Equal(t, StatusInviteSent, s.Status())
	assert.Equal(t, sipmsg.ContentTypeSDP, inv.Req.ContentType)
	assert.Equal(t, uint32(1), inv.Req.CSeq)
	assert.Contains(t, inv.Req.Headers.Get("Allow"), sipmsg.REFER)
	assert.Equal(t, []event.Kind{event.Connecting, event.Sending}, e.events.Kinds())

	inv.Reply(100, "", "", nil)
	assert.Equal(t, Status1xxReceived, s.Status())
	assert.False(t, e.events.Has(event.Progress), "100 не порождает progress")

	answer := mediatest.SDP("sendrecv")
	inv.Reply(183, remoteTag, sipmsg.ContentTypeSDP, []byte(answer))
	progress, ok := e.events.Last(event.Progress)
	require.True(t, ok)
	assert.Equal(t, 183, progress.Code)
	assert.Equal(t, answer, progress.Info, "progress несет примененный ответ")
	conn := e.factory.Last()
	require.NotNil(t, conn.RemoteDescription())
	assert.Equal(t, answer, conn.RemoteDescription().SDP)
	require.NotNil(t, s.Dialog(), "ранний диалог")

	ok200 := siptest.Response(inv.Req, 200, remoteTag, "", nil)
	inv.Respond(ok200)
	inv.Respond(ok200)

	assert.Equal(t, StatusConfirmed, s.Status())
	acks := e.tr.Acks()
	require.Len(t, acks, 2, "повтор 2xx подтверждается заново")
	assert.Same(t, acks[0], acks[1], "тот же ACK")
	assert.Equal(t, inv.Req.CSeq, acks[1].CSeq)
	assert.Equal(t, remoteTag, acks[1].ToTag)
	assert.Equal(t, 1, e.events.Count(event.Accepted))
	assert.Equal(t, 1, e.events.Count(event.Confirmed))
	confirmed, _ := e.events.Last(event.Confirmed)
	assert.Equal(t, event.Local, confirmed.Originator)
}

func TestOutboundMissingAnswer(t *testing.T) {
	e := newEnv(t)
	s, inv := e.call(CallOptions{Audio: true})

	inv.Reply(200, remoteTag, "", nil)

	assert.Equal(t, StatusTerminated, s.Status())
	assert.Equal(t, string(CauseMissingSDP), e.cause(event.Failed))
	assert.Len(t, e.tr.Acks(), 1)
	bye := e.tr.Last(sipmsg.BYE)
	require.NotNil(t, bye)
	assert.Contains(t, bye.Req.Headers.Get("Reason"), "cause=400")
}

func TestOutboundBadAnswer(t *testing.T) {
	e := newEnv(t)
	e.factory.Faults = mediatest.Faults{SetRemote: true}
	s, inv := e.call(CallOptions{Audio: true})

	inv.Reply(200, remoteTag, sipmsg.ContentTypeSDP, []byte(mediatest.SDP("sendrecv")))

	assert.True(t, s.IsTerminated())
	assert.Equal(t, string(CauseBadMediaDescription), e.cause(event.Failed))
	assert.Equal(t, 1, e.tr.Count(sipmsg.BYE))
}

func TestOutboundRejected(t *testing.T) {
	cases := []struct {
		code  int
		cause Cause
	}{
		{486, CauseBusy},
		{404, CauseNotFound},
		{603, CauseRejected},
		{488, CauseIncompatibleSDP},
	}
	for _, tc := range cases {
		e := newEnv(t)
		s, inv := e.call(CallOptions{Audio: true})
		inv.Reply(tc.code, remoteTag, "", nil)

		assert.Equal(t, StatusTerminated, s.Status(), "code %d", tc.code)
		failed, ok := e.events.Last(event.Failed)
		require.True(t, ok)
		assert.Equal(t, string(tc.cause), failed.Cause, "code %d", tc.code)
		assert.Equal(t, event.Remote, failed.Originator)
		assert.Equal(t, tc.code, failed.Code)
		assert.True(t, e.factory.Last().Closed(), "соединение закрыто")
		assert.Empty(t, e.m.Sessions())
	}
}

func TestOutboundTimeoutAndTransportError(t *testing.T) {
	e := newEnv(t)
	_, inv := e.call(CallOptions{})
	inv.Timeout()
	assert.Equal(t, string(CauseRequestTimeout), e.cause(event.Failed))

	e = newEnv(t)
	_, inv = e.call(CallOptions{})
	inv.TransportError(assert.AnError)
	assert.Equal(t, string(CauseConnectionError), e.cause(event.Failed))
}

func TestInvalidTarget(t *testing.T) {
	e := newEnv(t)
	_, err := e.m.Call(context.Background(), "tel:+123", CallOptions{})
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Equal(t, 0, e.tr.Count(sipmsg.INVITE))
	assert.Empty(t, e.m.Sessions())
}

func TestMediaAccessDenied(t *testing.T) {
	e := newEnv(t)
	e.capturer.Err = assert.AnError
	s, err := e.m.Call(context.Background(), target, CallOptions{Audio: true})
	require.Error(t, err)
	require.NotNil(t, s)
	assert.True(t, s.IsTerminated())
	assert.Equal(t, string(CauseUserDeniedMediaAcces), e.cause(event.Failed))
	assert.Equal(t, 0, e.tr.Count(sipmsg.INVITE))
}

func TestCancelBeforeProvisionalIsDeferred(t *testing.T) {
	e := newEnv(t)
	s, inv := e.call(CallOptions{Audio: true})

	require.NoError(t, s.Terminate(TerminateOptions{}))
	assert.Equal(t, StatusCanceled, s.Status())
	assert.Equal(t, string(CauseCanceled), e.cause(event.Failed))
	canceled, _ := inv.Canceled()
	assert.False(t, canceled, "CANCEL до первого 1xx не отправляется")

	inv.Reply(180, remoteTag, "", nil)
	canceled, _ = inv.Canceled()
	assert.True(t, canceled, "CANCEL после 1xx")
	assert.False(t, e.events.Has(event.Progress))

	// 2xx, обогнавший CANCEL, подтверждается и закрывается
	inv.Reply(200, remoteTag, sipmsg.ContentTypeSDP, []byte(mediatest.SDP("sendrecv")))
	assert.Len(t, e.tr.Acks(), 1)
	assert.Equal(t, 1, e.tr.Count(sipmsg.BYE))
	assert.Equal(t, StatusCanceled, s.Status())
}

func TestCancelWithReason(t *testing.T) {
	e := newEnv(t)
	s, inv := e.call(CallOptions{Audio: true})
	inv.Reply(180, remoteTag, "", nil)

	require.NoError(t, s.Terminate(TerminateOptions{Code: 480, Reason: "Gone"}))
	canceled, headers := inv.Canceled()
	require.True(t, canceled)
	assert.Contains(t, headers.Get("Reason"), "cause=480")

	assert.ErrorIs(t, s.Terminate(TerminateOptions{}), ErrTerminated)
}

func TestTerminateRejectsBadCode(t *testing.T) {
	e := newEnv(t)
	s, _ := e.call(CallOptions{})
	assert.ErrorIs(t, s.Terminate(TerminateOptions{Code: 150}), ErrInvalidCode)
	assert.False(t, s.IsTerminated())
}

func TestForkedSecond2xxIsClosed(t *testing.T) {
	e := newEnv(t)
	s, inv := e.confirmed(CallOptions{Audio: true})

	inv.Reply(200, "other-fork", sipmsg.ContentTypeSDP, []byte(mediatest.SDP("sendrecv")))

	assert.Equal(t, StatusConfirmed, s.Status())
	assert.Len(t, e.tr.Acks(), 2)
	bye := e.tr.Last(sipmsg.BYE)
	require.NotNil(t, bye)
	assert.Equal(t, "other-fork", bye.Req.ToTag)
	assert.Equal(t, remoteTag, s.Dialog().Key().RemoteTag)
}

func TestForked2xxRetransmissionIsAckedOnly(t *testing.T) {
	e := newEnv(t)
	s, inv := e.confirmed(CallOptions{Audio: true})

	fork := siptest.Response(inv.Req, 200, "other-fork", sipmsg.ContentTypeSDP, []byte(mediatest.SDP("sendrecv")))
	inv.Respond(fork)
	inv.Respond(fork)

	acks := e.tr.Acks()
	require.Len(t, acks, 3)
	assert.Equal(t, "other-fork", acks[2].ToTag)
	assert.Equal(t, 1, e.tr.Count(sipmsg.BYE), "BYE лишней ветви один раз")
	assert.Equal(t, StatusConfirmed, s.Status())
}

func TestLocalBye(t *testing.T) {
	e := newEnv(t)
	s, _ := e.confirmed(CallOptions{Audio: true})

	require.NoError(t, s.Terminate(TerminateOptions{Code: 200, Reason: "Call completed"}))

	assert.Equal(t, StatusTerminated, s.Status())
	bye := e.tr.Last(sipmsg.BYE)
	require.NotNil(t, bye)
	assert.Equal(t, remoteTag, bye.Req.ToTag)
	ended, ok := e.events.Last(event.Ended)
	require.True(t, ok)
	assert.Equal(t, string(CauseBye), ended.Cause)
	assert.Equal(t, event.Local, ended.Originator)
	assert.Empty(t, e.m.Sessions())
	for _, tr := range e.capturer.Streams()[0].Tracks() {
		assert.True(t, tr.(*mediatest.Track).Stopped(), "локальные треки остановлены")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("done не закрыт")
	}
}

func TestRemoteBye(t *testing.T) {
	e := newEnv(t)
	s, inv := e.confirmed(CallOptions{Audio: true})

	tx := siptest.NewServerTx()
	e.m.HandleRequest(inDialog(inv, sipmsg.BYE, 1, "", nil), tx)

	assert.Equal(t, []int{200}, tx.Codes())
	assert.Equal(t, StatusTerminated, s.Status())
	ended, _ := e.events.Last(event.Ended)
	assert.Equal(t, event.Remote, ended.Originator)
	assert.Equal(t, 0, e.tr.Count(sipmsg.BYE))

	// диалог больше не маршрутизируется
	tx = siptest.NewServerTx()
	e.m.HandleRequest(inDialog(inv, sipmsg.INFO, 2, "text/plain", []byte("x")), tx)
	assert.Equal(t, []int{481}, tx.Codes())
}

func TestMediaFailureEndsSession(t *testing.T) {
	e := newEnv(t)
	s, _ := e.confirmed(CallOptions{Audio: true})

	e.factory.Last().EmitState(media.StateFailed)

	e.eventually(s.IsTerminated, "завершение по отказу медиа")
	assert.Equal(t, string(CauseRTPTimeout), e.cause(event.Ended))
	assert.Equal(t, 1, e.tr.Count(sipmsg.BYE))
}
