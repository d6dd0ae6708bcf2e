package sipmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionExpires(t *testing.T) {
	se, err := ParseSessionExpires("1800;refresher=uac")
	require.NoError(t, err)
	assert.Equal(t, uint32(1800), se.Delta)
	assert.Equal(t, RefresherUAC, se.Refresher)
	assert.Equal(t, "1800;refresher=uac", se.String())

	se, err = ParseSessionExpires(" 90 ")
	require.NoError(t, err)
	assert.Equal(t, uint32(90), se.Delta)
	assert.Equal(t, RefresherNone, se.Refresher)

	_, err = ParseSessionExpires("abc")
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestHeadersCaseInsensitive(t *testing.T) {
	h := Headers{}.Add("Content-Type", "application/sdp").Add("X-A", "1").Add("x-a", "2")
	assert.Equal(t, "application/sdp", h.Get("content-type"))
	assert.True(t, h.Has("CONTENT-TYPE"))
	assert.Equal(t, []string{"1", "2"}, h.Values("X-A"))
	assert.Equal(t, "", h.Get("Missing"))
}

func TestCancelReason(t *testing.T) {
	assert.Equal(t, `SIP ;cause=486 ;text="Busy Here"`, CancelReason(486, ""))
	assert.Equal(t, `SIP ;cause=487 ;text="bye"`, CancelReason(487, "bye"))
}

func TestExtractURI(t *testing.T) {
	assert.Equal(t, "sip:bob@example.com", ExtractURI(`"Bob" <sip:bob@example.com>;tag=abc`))
	assert.Equal(t, "sip:bob@example.com", ExtractURI("sip:bob@example.com;tag=abc"))
	assert.Equal(t, "sips", URIScheme("SIPS:alice@example.com"))
	assert.Equal(t, "", URIScheme("alice"))
}

func TestSipfrag(t *testing.T) {
	code, reason, err := ParseSipfrag([]byte("SIP/2.0 180 Ringing\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 180, code)
	assert.Equal(t, "Ringing", reason)

	code, _, err = ParseSipfrag(Sipfrag(200, ""))
	require.NoError(t, err)
	assert.Equal(t, 200, code)

	_, _, err = ParseSipfrag([]byte("garbage"))
	assert.ErrorIs(t, err, ErrMalformedSipfrag)
}

func TestParseEvent(t *testing.T) {
	ev := ParseEvent("refer;id=17")
	assert.Equal(t, "refer", ev.Package)
	assert.Equal(t, "17", ev.ID)
	assert.Equal(t, "application/sdp", BaseContentType("Application/SDP; charset=utf-8"))
}
