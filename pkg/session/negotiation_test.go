package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/media/mediatest"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
	"github.com/arzzra/sfu_phone/pkg/sipmsg/siptest"
)

// reinvites re-INVITE, отправленные внутри диалога
func reinvites(tr *siptest.Transport) []*siptest.Sent {
	var out []*siptest.Sent
	for _, s := range tr.Sent(sipmsg.INVITE) {
		if s.Req.ToTag != "" {
			out = append(out, s)
		}
	}
	return out
}

func TestHoldUnhold(t *testing.T) {
	e := newEnv(t)
	e.answerInDialog(200)
	s, _ := e.confirmed(CallOptions{Audio: true})
	ctx := context.Background()

	require.NoError(t, s.Hold(ctx, RenegotiateOptions{}))
	local, remote := s.IsOnHold()
	assert.True(t, local)
	assert.False(t, remote)
	require.Len(t, reinvites(e.tr), 1)
	assert.Contains(t, string(reinvites(e.tr)[0].Req.Body), "a=sendonly")
	assert.Len(t, e.tr.Acks(), 2, "ACK на 2xx re-INVITE")
	assert.False(t, audioEnabled(s), "на удержании звук не передается")
	hold, ok := e.events.Last(event.Hold)
	require.True(t, ok)
	assert.Equal(t, event.Local, hold.Originator)

	assert.ErrorIs(t, s.Hold(ctx, RenegotiateOptions{}), ErrAlreadyHeld)
	require.Len(t, reinvites(e.tr), 1, "повторное удержание не отправляет запрос")

	require.NoError(t, s.Unhold(ctx, RenegotiateOptions{}))
	assert.True(t, audioEnabled(s))
	assert.ErrorIs(t, s.Unhold(ctx, RenegotiateOptions{}), ErrNotHeld)
	assert.Equal(t, StatusConfirmed, s.Status())
}

func TestHoldWithUpdate(t *testing.T) {
	e := newEnv(t)
	e.answerInDialog(200)
	s, _ := e.confirmed(CallOptions{Audio: true})

	require.NoError(t, s.Hold(context.Background(), RenegotiateOptions{UseUpdate: true}))
	update := e.tr.Last(sipmsg.UPDATE)
	require.NotNil(t, update)
	assert.Contains(t, string(update.Req.Body), "a=sendonly")
	assert.Len(t, e.tr.Acks(), 1, "UPDATE не подтверждается ACK")
}

func TestMuteSurvivesUnhold(t *testing.T) {
	e := newEnv(t)
	e.answerInDialog(200)
	s, _ := e.confirmed(CallOptions{Audio: true})
	ctx := context.Background()

	require.NoError(t, s.Hold(ctx, RenegotiateOptions{}))
	require.NoError(t, s.Mute(MuteOptions{}))
	muted, ok := e.events.Last(event.Muted)
	require.True(t, ok)
	assert.True(t, muted.Audio)
	assert.False(t, muted.Video)

	require.NoError(t, s.Unhold(ctx, RenegotiateOptions{}))
	assert.False(t, audioEnabled(s), "выключенный звук остается выключенным после снятия удержания")

	require.NoError(t, s.Hold(ctx, RenegotiateOptions{}))
	require.NoError(t, s.Unmute(MuteOptions{Audio: true}))
	assert.False(t, audioEnabled(s), "на удержании включение звука не начинает передачу")

	require.NoError(t, s.Unhold(ctx, RenegotiateOptions{}))
	assert.True(t, audioEnabled(s))
	audio, video := s.IsMuted()
	assert.False(t, audio)
	assert.False(t, video)
}

func TestMuteIsIdempotent(t *testing.T) {
	e := newEnv(t)
	s, _ := e.confirmed(CallOptions{Audio: true, Video: true})

	require.NoError(t, s.Mute(MuteOptions{Audio: true, Video: true}))
	require.NoError(t, s.Mute(MuteOptions{Video: true}))
	assert.Equal(t, 1, e.events.Count(event.Muted))

	require.NoError(t, s.Unmute(MuteOptions{Video: true}))
	unmuted, ok := e.events.Last(event.Unmuted)
	require.True(t, ok)
	assert.True(t, unmuted.Video)
	assert.False(t, unmuted.Audio)
}

func TestHoldFailureEndsSession(t *testing.T) {
	e := newEnv(t)
	e.answerInDialog(488)
	s, _ := e.confirmed(CallOptions{Audio: true})

	var failure error
	err := s.Hold(context.Background(), RenegotiateOptions{OnFailure: func(err error) { failure = err }})

	require.Error(t, err)
	assert.Error(t, failure)
	assert.True(t, e.events.Has(event.HoldFailed))
	e.eventually(s.IsTerminated, "сессия завершена после отказа")
	assert.Equal(t, string(CauseDialogError), e.cause(event.Ended))
	assert.Equal(t, 1, e.tr.Count(sipmsg.BYE))
}

func TestHoldRequiresConfirmed(t *testing.T) {
	e := newEnv(t)
	s, _ := e.call(CallOptions{Audio: true})
	assert.ErrorIs(t, s.Hold(context.Background(), RenegotiateOptions{}), ErrInvalidState)
}

func TestRemoteReinviteHold(t *testing.T) {
	e := newEnv(t)
	s, inv := e.confirmed(CallOptions{Audio: true})

	tx := siptest.NewServerTx()
	e.m.HandleRequest(inDialog(inv, sipmsg.INVITE, 1, sipmsg.ContentTypeSDP, []byte(mediatest.SDP("sendonly"))), tx)

	e.eventually(func() bool { return len(tx.Codes()) == 1 }, "ответ на re-INVITE")
	ok := tx.Last()
	require.Equal(t, 200, ok.StatusCode)
	assert.Contains(t, string(ok.Body), "a=recvonly")
	assert.Equal(t, StatusWaitingForAck, s.Status())
	assert.True(t, e.events.Has(event.ReInvite))
	hold, found := e.events.Last(event.Hold)
	require.True(t, found)
	assert.Equal(t, event.Remote, hold.Originator)
	_, remote := s.IsOnHold()
	assert.True(t, remote)
	assert.False(t, audioEnabled(s))

	e.m.HandleRequest(inDialog(inv, sipmsg.ACK, 1, "", nil), nil)
	assert.Equal(t, StatusConfirmed, s.Status())
	assert.Equal(t, 1, e.events.Count(event.Confirmed), "confirmed только для первого ACK")
}

func TestGlareIsRejected(t *testing.T) {
	e := newEnv(t)
	s, tx, invite := e.incoming("call-glare", sipmsg.ContentTypeSDP, []byte(mediatest.SDP("sendrecv")))
	require.NoError(t, s.Answer(context.Background(), AnswerOptions{Audio: true}))
	localTag := tx.Last().ToTag

	reTx := siptest.NewServerTx()
	e.m.HandleRequest(fromCaller(invite, localTag, sipmsg.INVITE, 2, sipmsg.ContentTypeSDP, []byte(mediatest.SDP("sendrecv"))), reTx)

	assert.Equal(t, []int{491}, reTx.Codes())
	assert.Equal(t, StatusWaitingForAck, s.Status())
}

func TestRemoteOfferRejectedKeepsSession(t *testing.T) {
	e := newEnv(t)
	s, inv := e.confirmed(CallOptions{Audio: true})
	e.factory.Last().SetFaults(mediatest.Faults{SetRemote: true})

	tx := siptest.NewServerTx()
	e.m.HandleRequest(inDialog(inv, sipmsg.UPDATE, 1, sipmsg.ContentTypeSDP, []byte(mediatest.SDP("sendrecv"))), tx)

	e.eventually(func() bool { return len(tx.Codes()) == 1 }, "ответ на UPDATE")
	assert.Equal(t, 488, tx.Last().StatusCode)
	assert.Equal(t, StatusConfirmed, s.Status())

	// следующее предложение снова принимается
	e.factory.Last().SetFaults(mediatest.Faults{})
	tx = siptest.NewServerTx()
	e.m.HandleRequest(inDialog(inv, sipmsg.UPDATE, 2, sipmsg.ContentTypeSDP, []byte(mediatest.SDP("sendrecv"))), tx)
	e.eventually(func() bool { return len(tx.Codes()) == 1 }, "ответ на второй UPDATE")
	assert.Equal(t, 200, tx.Last().StatusCode)
}

func TestInDialogValidation(t *testing.T) {
	e := newEnv(t)
	_, inv := e.confirmed(CallOptions{Audio: true})

	tx := siptest.NewServerTx()
	e.m.HandleRequest(inDialog(inv, sipmsg.INFO, 5, "text/plain", []byte("a")), tx)
	assert.Equal(t, []int{200}, tx.Codes())

	tx = siptest.NewServerTx()
	e.m.HandleRequest(inDialog(inv, sipmsg.INFO, 4, "text/plain", []byte("b")), tx)
	assert.Equal(t, []int{500}, tx.Codes(), "CSeq меньше последнего")

	tx = siptest.NewServerTx()
	e.m.HandleRequest(inDialog(inv, sipmsg.UPDATE, 6, "text/plain", []byte("c")), tx)
	assert.Equal(t, []int{415}, tx.Codes())

	tx = siptest.NewServerTx()
	e.m.HandleRequest(inDialog(inv, "MESSAGE", 7, "text/plain", []byte("d")), tx)
	assert.Equal(t, []int{405}, tx.Codes())
	assert.Contains(t, tx.Last().Headers.Get("Allow"), sipmsg.UPDATE)
}
