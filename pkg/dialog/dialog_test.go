package dialog

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sfu_phone/pkg/sipmsg"
	"github.com/arzzra/sfu_phone/pkg/sipmsg/siptest"
)

func outgoingInvite() *sipmsg.Request {
	return &sipmsg.Request{
		Method:  sipmsg.INVITE,
		URI:     "sip:bob@example.com",
		From:    "sip:alice@example.com",
		FromTag: "alice-tag",
		To:      "sip:bob@example.com",
		CallID:  "call-1",
		CSeq:    1,
		Contact: "sip:alice@10.0.0.1:5060",
	}
}

func TestUACDialogFromProvisional(t *testing.T) {
	invite := outgoingInvite()
	res := siptest.Response(invite, 180, "bob-tag", "", nil)
	res.RecordRoute = []string{"<sip:p1;lr>", "<sip:p2;lr>"}

	d, err := NewUAC(invite, res)
	require.NoError(t, err)

	assert.Equal(t, StateEarly, d.State())
	assert.Equal(t, Key{CallID: "call-1", LocalTag: "alice-tag", RemoteTag: "bob-tag"}, d.Key())
	assert.Equal(t, []string{"<sip:p2;lr>", "<sip:p1;lr>"}, d.Routes())
	assert.Equal(t, "sip:remote@127.0.0.1:5070", d.RemoteTarget())

	var transitions []State
	d.OnStateChange(func(_, to State) { transitions = append(transitions, to) })

	ok := siptest.Response(invite, 200, "bob-tag", "", nil)
	ok.Contact = "sip:bob@10.0.0.2"
	require.NoError(t, d.Update(ok))
	assert.Equal(t, StateConfirmed, d.State())
	assert.Equal(t, "sip:bob@10.0.0.2", d.RemoteTarget())

	// повторный 2xx не меняет состояние
	require.NoError(t, d.Update(ok))
	assert.Equal(t, []State{StateConfirmed}, transitions)
}

func TestUACDialogRequiresToTag(t *testing.T) {
	invite := outgoingInvite()
	_, err := NewUAC(invite, siptest.Response(invite, 180, "", "", nil))
	assert.True(t, errors.Is(err, ErrMissingTag))
}

func TestUpdateRejectsForeignTag(t *testing.T) {
	invite := outgoingInvite()
	d, err := NewUAC(invite, siptest.Response(invite, 180, "bob-tag", "", nil))
	require.NoError(t, err)

	err = d.Update(siptest.Response(invite, 200, "other-fork", "", nil))
	assert.True(t, errors.Is(err, ErrMismatch))
	assert.Equal(t, StateEarly, d.State())
}

func TestNewRequestIncrementsCSeq(t *testing.T) {
	invite := outgoingInvite()
	d, err := NewUAC(invite, siptest.Response(invite, 200, "bob-tag", "", nil))
	require.NoError(t, err)

	bye, err := d.NewRequest(sipmsg.BYE, sipmsg.Headers{}.Add("Reason", "x"), "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), bye.CSeq)
	assert.Equal(t, "alice-tag", bye.FromTag)
	assert.Equal(t, "bob-tag", bye.ToTag)
	assert.Equal(t, "x", bye.Header("Reason"))

	ack := d.NewAck(1, "", nil)
	assert.Equal(t, uint32(1), ack.CSeq)
	assert.Equal(t, sipmsg.ACK, ack.Method)
	assert.Equal(t, uint32(2), d.LocalSeq(), "ACK не расходует CSeq")

	d.Terminate()
	d.Terminate()
	_, err = d.NewRequest(sipmsg.INFO, nil, "", nil)
	assert.True(t, errors.Is(err, ErrTerminated))
}

func TestUASDialogReceive(t *testing.T) {
	invite := siptest.Incoming{Method: sipmsg.INVITE, CallID: "call-2", FromTag: "remote", CSeq: 10}.Build()
	d, err := NewUAS(invite, "local", "sip:me@10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, StateEarly, d.State())
	assert.Equal(t, RoleUAS, d.Role())

	require.NoError(t, d.Confirm())
	assert.Equal(t, StateConfirmed, d.State())

	info := siptest.Incoming{Method: sipmsg.INFO, CallID: "call-2", FromTag: "remote", ToTag: "local", CSeq: 11}.Build()
	require.NoError(t, d.Receive(info))
	assert.Equal(t, uint32(11), d.RemoteSeq())

	stale := siptest.Incoming{Method: sipmsg.INFO, CallID: "call-2", FromTag: "remote", ToTag: "local", CSeq: 11}.Build()
	assert.True(t, errors.Is(d.Receive(stale), ErrOutOfOrder))

	ack := siptest.Incoming{Method: sipmsg.ACK, CallID: "call-2", FromTag: "remote", ToTag: "local", CSeq: 10}.Build()
	assert.NoError(t, d.Receive(ack))

	foreign := siptest.Incoming{Method: sipmsg.BYE, CallID: "call-2", FromTag: "remote", ToTag: "other", CSeq: 12}.Build()
	assert.ErrorIs(t, d.Receive(foreign), ErrMismatch)

	req, err := d.NewRequest(sipmsg.BYE, nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "local", req.FromTag)
	assert.Equal(t, "remote", req.ToTag)
	assert.Equal(t, "sip:remote@127.0.0.1:5070", req.URI)
}

func TestKeyFromMessages(t *testing.T) {
	req := siptest.Incoming{Method: sipmsg.BYE, CallID: "c", FromTag: "r", ToTag: "l"}.Build()
	assert.Equal(t, Key{CallID: "c", LocalTag: "l", RemoteTag: "r"}, KeyFromRequest(req))

	res := siptest.Response(outgoingInvite(), 200, "bob-tag", "", nil)
	assert.Equal(t, Key{CallID: "call-1", LocalTag: "alice-tag", RemoteTag: "bob-tag"}, KeyFromResponse(res))
}

func TestTimerHelpers(t *testing.T) {
	assert.Equal(t, 2*TimerT1, NextRetransmit(TimerT1, TimerT2))
	assert.Equal(t, TimerT2, NextRetransmit(3*time.Second, TimerT2))
	assert.Equal(t, 45*time.Second, RefreshInterval(90*time.Second))
	assert.Equal(t, 99*time.Second, ExpiryInterval(90*time.Second))
	assert.Equal(t, 32*time.Second, TimerH)
}

func TestIDs(t *testing.T) {
	assert.Len(t, NewTag(), 16)
	assert.Len(t, NewCallID(), 32)
	assert.NotEqual(t, NewTag(), NewTag())
}
