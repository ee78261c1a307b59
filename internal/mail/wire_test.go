package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
)

func TestEncodeParseReqRoundTrip(t *testing.T) {
	req := ReqFrame{
		UUID: "u1", FromUser: "u0", FromBBS: "B0", ToUser: "u4", ToBBS: "B4",
		Hop: 2, NumParts: 1, Route: []string{"B0", "B1"},
	}
	frame, err := Parse(EncodeReq(req))
	require.NoError(t, err)
	assert.Equal(t, FrameReq, frame.Type)
	assert.Equal(t, req, frame.Req)
}

func TestEncodeParseAckNak(t *testing.T) {
	frame, err := Parse(EncodeAck("u1"))
	require.NoError(t, err)
	assert.Equal(t, FrameAck, frame.Type)

	frame, err = Parse(EncodeNak("u1", "NOUSER"))
	require.NoError(t, err)
	assert.Equal(t, FrameNak, frame.Type)
	assert.Equal(t, "NOUSER", frame.Reason)
}

func TestEncodeParseDatRoundTrip(t *testing.T) {
	frame, err := Parse(EncodeDat("u1", 2, 3, "hello|world"))
	require.NoError(t, err)
	assert.Equal(t, FrameDat, frame.Type)
	assert.Equal(t, 2, frame.Dat.Part)
	assert.Equal(t, 3, frame.Dat.Total)
	assert.Equal(t, "hello|world", frame.Dat.Payload)
}

func TestEncodeParseDlv(t *testing.T) {
	frame, err := Parse(EncodeDlv("u1", "u0", "B0"))
	require.NoError(t, err)
	assert.Equal(t, FrameDlv, frame.Type)
	assert.Equal(t, "u0@B0", frame.DlvTo)
}

func TestParseRejectsIncompatibleProto(t *testing.T) {
	_, err := Parse("FQ51|1|MAILACK|u1|OK")
	assert.ErrorIs(t, err, bbserr.ErrIncompatibleProto)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse("advBBS|1|MAILREQ|u1")
	assert.ErrorIs(t, err, bbserr.ErrMalformedFrame)
}

func TestIsMailFrame(t *testing.T) {
	assert.True(t, IsMailFrame("advBBS|1|MAILREQ|u1|a|B0|b|B1|1|1|B0"))
	assert.False(t, IsMailFrame("advBBS|1|RAP_PING|1000"))
}

func TestParseAddress(t *testing.T) {
	user, bbs := ParseAddress("u4@B4")
	assert.Equal(t, "u4", user)
	assert.Equal(t, "B4", bbs)

	user, bbs = ParseAddress("local")
	assert.Equal(t, "local", user)
	assert.Equal(t, "", bbs)
}
