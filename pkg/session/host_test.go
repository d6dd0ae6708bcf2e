package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/media/mediatest"
	"github.com/arzzra/sfu_phone/pkg/plugin"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
	"github.com/arzzra/sfu_phone/pkg/sipmsg/siptest"
)

const legTag = "leg-tag"

// withScreenShare добавляет сессиям плагин демонстрации экрана и
// возвращает созданные экземпляры
func withScreenShare(shares *[]*plugin.ScreenShare) func(*Config) {
	return func(c *Config) {
		c.Sources = func() []plugin.StreamSource {
			share := plugin.NewScreenShare(plugin.ScreenShareConfig{
				Room:        1234,
				Display:     "screen",
				Debounce:    10 * time.Millisecond,
				StopTimeout: time.Second,
			})
			*shares = append(*shares, share)
			return []plugin.StreamSource{share}
		}
	}
}

// answerLegs отвечает на INVITE отдельных диалогов туннеля ответом SFU на
// attach; остальное как answerInDialog
func (e *env) answerLegs() {
	e.answerInDialog(200)
	inDialog := e.tr.Auto
	e.tr.Auto = func(req *sipmsg.Request) *sipmsg.Response {
		if req.Method == sipmsg.INVITE && req.ToTag == "" &&
			sipmsg.BaseContentType(req.ContentType) == janus.ContentType {
			return siptest.Response(req, 200, legTag, janus.ContentType, e.sfu.AttachReply(req.Body))
		}
		return inDialog(req)
	}
}

// legInvites INVITE отдельных диалогов туннеля
func legInvites(tr *siptest.Transport) []*siptest.Sent {
	var out []*siptest.Sent
	for _, s := range tr.Sent(sipmsg.INVITE) {
		if sipmsg.BaseContentType(s.Req.ContentType) == janus.ContentType {
			out = append(out, s)
		}
	}
	return out
}

func byesIn(tr *siptest.Transport, callID string) []*sipmsg.Request {
	var out []*sipmsg.Request
	for _, req := range sentIn(tr, callID) {
		if req.Method == sipmsg.BYE {
			out = append(out, req)
		}
	}
	return out
}

// sentIn запросы внутри диалога с указанным Call-ID в порядке отправки
func sentIn(tr *siptest.Transport, callID string) []*sipmsg.Request {
	var out []*sipmsg.Request
	for _, s := range tr.Sent("") {
		if s.Req.CallID == callID {
			out = append(out, s.Req)
		}
	}
	return out
}

func TestScreenShareLeg(t *testing.T) {
	var shares []*plugin.ScreenShare
	e := newEnv(t, withScreenShare(&shares))
	e.answerLegs()
	s, inv := e.confirmed(CallOptions{Audio: true})
	require.Len(t, shares, 1)
	share := shares[0]
	assert.Contains(t, s.Plugins(), plugin.ScreenShareName)

	require.NoError(t, s.TogglePlugin(context.Background(), plugin.ScreenShareName, true))
	assert.True(t, share.Running())
	assert.True(t, e.events.Has(event.PluginStart(plugin.ScreenShareName)))

	legs := legInvites(e.tr)
	require.Len(t, legs, 1)
	leg := legs[0].Req
	assert.NotEqual(t, inv.Req.CallID, leg.CallID, "отдельный диалог")
	assert.Equal(t, 1, e.sfu.Count(janus.TypeAttach))

	acked := false
	for _, ack := range e.tr.Acks() {
		if ack.CallID == leg.CallID {
			acked = true
		}
	}
	assert.True(t, acked, "ACK на 2xx диалога туннеля")

	joins := e.sfu.Requests(janus.RequestJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, sipmsg.SUBSCRIBE, joins[0].Method)
	assert.Equal(t, janus.RolePublisher, joins[0].Headers.Get(janus.HeaderRole))

	conn := e.factory.Last()
	e.eventually(func() bool { return conn.RemoteDescription() != nil }, "ответ SFU на configure")
	assert.Equal(t, media.SDPAnswer, conn.RemoteDescription().Type)
	assert.Equal(t, 1, e.sfu.Count(janus.RequestConfigure))

	require.NoError(t, s.TogglePlugin(context.Background(), plugin.ScreenShareName, false))
	assert.False(t, share.Running())
	assert.True(t, conn.Closed())

	// detach уходит раньше BYE
	detach, bye := -1, -1
	for i, req := range sentIn(e.tr, leg.CallID) {
		switch {
		case req.Method == sipmsg.BYE:
			bye = i
		case req.Method == sipmsg.INFO && strings.Contains(string(req.Body), `"janus":"detach"`):
			detach = i
		}
	}
	assert.Equal(t, 1, e.sfu.Count(janus.TypeDetach))
	require.GreaterOrEqual(t, detach, 0, "detach диалога туннеля")
	require.GreaterOrEqual(t, bye, 0, "BYE диалога туннеля")
	assert.Less(t, detach, bye)
	assert.Empty(t, byesIn(e.tr, inv.Req.CallID), "основной диалог не завершен")
	assert.Equal(t, StatusConfirmed, s.Status())

	stop, ok := e.events.Last(event.PluginStop(plugin.ScreenShareName))
	require.True(t, ok)
	assert.Equal(t, event.Local, stop.Originator)
}

func TestScreenShareLegEndedByRemote(t *testing.T) {
	var shares []*plugin.ScreenShare
	e := newEnv(t, withScreenShare(&shares))
	e.answerLegs()
	s, _ := e.confirmed(CallOptions{Audio: true})
	share := shares[0]

	require.NoError(t, s.TogglePlugin(context.Background(), plugin.ScreenShareName, true))
	conn := e.factory.Last()
	stream := share.Stream()
	require.NotNil(t, stream)
	leg := legInvites(e.tr)[0].Req

	bye := siptest.Incoming{
		Method:  sipmsg.BYE,
		CallID:  leg.CallID,
		FromTag: legTag,
		ToTag:   leg.FromTag,
		CSeq:    1,
	}.Build()
	tx := siptest.NewServerTx()
	e.m.HandleRequest(bye, tx)
	assert.Equal(t, []int{200}, tx.Codes())

	e.eventually(func() bool { return e.events.Has(event.PluginStop(plugin.ScreenShareName)) }, "плагин остановлен после BYE")
	stop, _ := e.events.Last(event.PluginStop(plugin.ScreenShareName))
	assert.Equal(t, event.Remote, stop.Originator)
	assert.False(t, share.Running())
	assert.Nil(t, share.Stream())
	assert.True(t, conn.Closed())
	for _, tr := range stream.Tracks() {
		assert.True(t, tr.(*mediatest.Track).Stopped())
	}
	assert.Equal(t, 0, e.tr.Count(sipmsg.BYE), "закрытый удаленной стороной диалог не завершается повторно")
	assert.Equal(t, StatusConfirmed, s.Status())

	// запрос в закрытый диалог туннеля
	info := siptest.Incoming{
		Method: sipmsg.INFO, CallID: leg.CallID, FromTag: legTag, ToTag: leg.FromTag, CSeq: 2,
	}.Build()
	infoTx := siptest.NewServerTx()
	e.m.HandleRequest(info, infoTx)
	assert.Equal(t, []int{481}, infoTx.Codes())

	require.NoError(t, s.TogglePlugin(context.Background(), plugin.ScreenShareName, true))
	assert.True(t, share.Running())
	assert.Len(t, legInvites(e.tr), 2)
}

func TestScreenShareLegAttachFailure(t *testing.T) {
	var shares []*plugin.ScreenShare
	e := newEnv(t, withScreenShare(&shares))
	e.answerLegs()
	s, _ := e.confirmed(CallOptions{Audio: true})
	inDialog := e.tr.Auto
	e.tr.Auto = func(req *sipmsg.Request) *sipmsg.Response {
		if req.Method == sipmsg.INVITE && req.ToTag == "" {
			return siptest.Response(req, 200, legTag, janus.ContentType, []byte(`{"janus":"error","error":{"code":403,"reason":"denied"}}`))
		}
		return inDialog(req)
	}

	err := s.TogglePlugin(context.Background(), plugin.ScreenShareName, true)
	require.Error(t, err)
	assert.False(t, shares[0].Running())

	leg := legInvites(e.tr)[0].Req
	e.eventually(func() bool { return len(sentIn(e.tr, leg.CallID)) == 2 }, "BYE диалога без handle")
	assert.Equal(t, sipmsg.BYE, sentIn(e.tr, leg.CallID)[1].Method)
	assert.Equal(t, StatusConfirmed, s.Status())
	assert.False(t, e.events.Has(event.PluginStart(plugin.ScreenShareName)))
}
