package pickit

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameBuildEncodesPreamble(t *testing.T) {
	f := Frame{
		Type:   TypeUpload,
		Params: []byte{0x01, 0x02, 0x03, 0x04},
		Script: []byte{0xAA, 0xBB},
	}
	buf := f.Build()

	require.Len(t, buf, 24+4+2)
	assert.Equal(t, TypeUpload, binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf[4:8]))
	assert.Equal(t, uint32(len(buf)), binary.LittleEndian.Uint32(buf[8:12]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf[12:16]), "payload length is 0 with no Data")
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(buf[16:20]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(buf[20:24]))
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, buf[24:28])
	assert.Equal(t, []byte{0xAA, 0xBB}, buf[28:30])
}

func TestFrameBuildDerivesPayloadLenFromData(t *testing.T) {
	f := Frame{Type: TypeUpload, Data: []byte{1, 2, 3}}
	buf := f.Build()
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(buf[12:16]))
	assert.Equal(t, buf[24:27], []byte{1, 2, 3})
}

func TestScriptDoneFrameIsFixedSixteenBytes(t *testing.T) {
	buf := ScriptDoneFrame()
	require.Len(t, buf, 16)
	assert.Equal(t, TypeScriptDone, binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(buf[8:12]), "total length is 16 for script-done frames")
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf[12:16]), "payload length is 0 for script-done frames")
}

func TestParseReplyRequiresFixedHeader(t *testing.T) {
	_, err := ParseReply(make([]byte, 10))
	assert.Error(t, err)
}

func TestParseReplyOK(t *testing.T) {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], replyMagic)
	binary.LittleEndian.PutUint32(buf[16:20], 0)
	reply, err := ParseReply(buf)
	require.NoError(t, err)
	assert.True(t, reply.OK())
}

func TestParseReplyErrorCode(t *testing.T) {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], replyMagic)
	binary.LittleEndian.PutUint32(buf[16:20], 0x44)
	reply, err := ParseReply(buf)
	require.NoError(t, err)
	assert.False(t, reply.OK())
	assert.Equal(t, uint32(0x44), reply.ErrorCode)
}
