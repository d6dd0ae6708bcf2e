package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/janus/janustest"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/media/mediatest"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
	"github.com/arzzra/sfu_phone/pkg/sipmsg/siptest"
)

const (
	target    = "sip:bob@127.0.0.1:5070"
	remoteTag = "remote-tag"
	waitFor   = 2 * time.Second
	tick      = 5 * time.Millisecond
)

// env окружение сессии: записывающий транспорт, тестовый медиа движок и
// тестовый SFU
type env struct {
	t        *testing.T
	tr       *siptest.Transport
	factory  *mediatest.Factory
	capturer *mediatest.Capturer
	sfu      *janustest.SFU
	events   *event.Recorder
	m        *Manager
}

func newEnv(t *testing.T, tune ...func(*Config)) *env {
	e := &env{
		t:        t,
		tr:       siptest.New(),
		factory:  &mediatest.Factory{Candidates: 1},
		capturer: &mediatest.Capturer{},
		sfu:      janustest.New(),
		events:   &event.Recorder{},
	}
	cfg := Config{
		Transport:       e.tr,
		Factory:         e.factory,
		Capturer:        e.capturer,
		Sink:            e.events,
		LocalURI:        "sip:alice@127.0.0.1:5060",
		Contact:         "sip:alice@127.0.0.1:5060",
		UserAgent:       "sfu_phone-test",
		T1:              10 * time.Millisecond,
		T2:              40 * time.Millisecond,
		TimerH:          200 * time.Millisecond,
		NoAnswerTimeout: time.Minute,
		ICETimeout:      200 * time.Millisecond,
		SFUTimeout:      time.Second,
		Debounce:        10 * time.Millisecond,
		Room:            1234,
	}
	for _, fn := range tune {
		fn(&cfg)
	}
	e.m = NewManager(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = e.m.Close(ctx)
	})
	return e
}

// answerInDialog автоматически отвечает на запросы внутри диалога:
// re-INVITE/UPDATE с телом получают SDP ответ, сообщения SFU - ответ SFU
func (e *env) answerInDialog(code int) {
	e.tr.Auto = func(req *sipmsg.Request) *sipmsg.Response {
		if req.ToTag == "" {
			return nil
		}
		switch {
		case sipmsg.BaseContentType(req.ContentType) == janus.ContentType:
			body, err := e.sfu.Handle(req.Method, req.Headers, req.Body)
			if err != nil {
				return siptest.Response(req, 500, "", "", nil)
			}
			return siptest.Response(req, 200, "", janus.ContentType, body)
		case req.Method == sipmsg.INVITE || req.Method == sipmsg.UPDATE:
			if code != 200 {
				return siptest.Response(req, code, "", "", nil)
			}
			if !req.HasBody() {
				return siptest.Response(req, 200, "", "", nil)
			}
			return siptest.Response(req, 200, "", sipmsg.ContentTypeSDP, []byte(mediatest.SDP("sendrecv")))
		}
		return siptest.Response(req, 200, "", "", nil)
	}
}

// call начинает исходящий вызов и возвращает сессию и отправленный INVITE
func (e *env) call(opts CallOptions) (*Session, *siptest.Sent) {
	s, err := e.m.Call(context.Background(), target, opts)
	require.NoError(e.t, err)
	inv := e.tr.Last(sipmsg.INVITE)
	require.NotNil(e.t, inv)
	return s, inv
}

// confirmed устанавливает исходящий вызов до CONFIRMED
func (e *env) confirmed(opts CallOptions, headers ...sipmsg.Header) (*Session, *siptest.Sent) {
	s, inv := e.call(opts)
	res := siptest.Response(inv.Req, 200, remoteTag, sipmsg.ContentTypeSDP, []byte(mediatest.SDP("sendrecv")))
	res.WithHeaders(headers...)
	inv.Respond(res)
	require.Equal(e.t, StatusConfirmed, s.Status())
	return s, inv
}

// inDialog формирует запрос удаленной стороны внутри диалога исходящей
// сессии
func inDialog(inv *siptest.Sent, method string, cseq uint32, contentType string, body []byte, headers ...sipmsg.Header) *sipmsg.Request {
	return siptest.Incoming{
		Method:      method,
		CallID:      inv.Req.CallID,
		FromTag:     remoteTag,
		ToTag:       inv.Req.FromTag,
		CSeq:        cseq,
		Headers:     headers,
		ContentType: contentType,
		Body:        body,
	}.Build()
}

// incoming доставляет входящий INVITE и возвращает созданную сессию
func (e *env) incoming(callID string, contentType string, body []byte) (*Session, *siptest.ServerTx, *sipmsg.Request) {
	req := siptest.Incoming{
		Method:      sipmsg.INVITE,
		CallID:      callID,
		FromTag:     "caller-tag",
		ContentType: contentType,
		Body:        body,
	}.Build()
	tx := siptest.NewServerTx()
	e.m.HandleRequest(req, tx)
	ev, ok := e.events.Last(event.NewSession)
	require.True(e.t, ok, "newSession")
	s, ok := ev.Payload.(*Session)
	require.True(e.t, ok)
	return s, tx, req
}

func (e *env) eventually(cond func() bool, msg string) {
	require.Eventually(e.t, cond, waitFor, tick, msg)
}

func (e *env) cause(kind event.Kind) string {
	ev, ok := e.events.Last(kind)
	require.True(e.t, ok, "event %s", kind)
	return ev.Cause
}

func audioEnabled(s *Session) bool {
	tracks := s.LocalStream().TracksOf(media.KindAudio)
	if len(tracks) == 0 {
		return false
	}
	return tracks[0].Enabled()
}
