package pickit

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avr-go/avrprog/part"
)

// jtagReply builds a 22-byte JTAG program-commands reply: a 20-byte
// header followed by a 16-bit status word.
func jtagReply(status uint16) []byte {
	buf := make([]byte, 22)
	binary.LittleEndian.PutUint32(buf[0:4], replyMagic)
	binary.LittleEndian.PutUint32(buf[16:20], 0)
	buf[20] = byte(status)
	buf[21] = byte(status >> 8)
	return buf
}

func lfuseRegion() *part.MemoryRegion {
	return &part.MemoryRegion{Name: "lfuse", Kind: part.KindFuseI, Offset: 0}
}

func TestReadFuseJTAGPollsUntilBitNineSet(t *testing.T) {
	dev := &fakeDevice{replies: [][]byte{
		jtagReply(0),      // opcode select
		jtagReply(0),      // enter fuse bit read
		jtagReply(0),      // poll attempt 1: not ready
		jtagReply(0x2FF),  // poll attempt 2: ready, fuse value 0xFF
	}}
	e := &Engine{mode: part.ModeJTAG, dev: dev, scripts: ScriptSet{SlotJtagProgCommands: []byte{0x01}}}

	data, err := e.PagedLoad(&part.Part{}, lfuseRegion(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF}, data)
}

func TestReadFuseJTAGTimesOutAfterTenPolls(t *testing.T) {
	replies := make([][]byte, 0, 12)
	replies = append(replies, jtagReply(0), jtagReply(0)) // opcode select + enter fuse bit read
	for i := 0; i < jtagFusePollBound; i++ {
		replies = append(replies, jtagReply(0))
	}
	dev := &fakeDevice{replies: replies}
	e := &Engine{mode: part.ModeJTAG, dev: dev, scripts: ScriptSet{SlotJtagProgCommands: []byte{0x01}}}

	_, err := e.readFuseJTAG(lfuseRegion())
	assert.Error(t, err)
}

func TestWriteFuseJTAGSelectsOpcodeByRegionOffset(t *testing.T) {
	dev := &fakeDevice{replies: [][]byte{
		jtagReply(0),     // opcode select
		jtagReply(0),     // enter fuse write
		jtagReply(0x200), // poll: ready
	}}
	e := &Engine{mode: part.ModeJTAG, dev: dev, scripts: ScriptSet{SlotJtagProgCommands: []byte{0x01}}}

	hfuse := &part.MemoryRegion{Name: "hfuse", Kind: part.KindFuseI, Offset: 1}
	_, err := e.PagedWrite(&part.Part{}, hfuse, 0, []byte{0xD9})
	require.NoError(t, err)

	require.Len(t, dev.sent, 3)
	opcodeFrame := dev.sent[0]
	paramsOff := preambleLen
	word := binary.LittleEndian.Uint16(opcodeFrame[paramsOff : paramsOff+2])
	assert.Equal(t, jtagOpcodeHFuse, word)
}

func TestReadChipRevFallsBackToProdsigWhenNoCalibrationScript(t *testing.T) {
	calReply := make([]byte, 23)
	binary.LittleEndian.PutUint32(calReply[0:4], replyMagic)
	binary.LittleEndian.PutUint32(calReply[16:20], 0)
	copy(calReply[20:], []byte{0x00, 0x00, 0x55}) // third ISP response byte carries the value

	dev := &fakeDevice{replies: [][]byte{calReply}}
	e := &Engine{mode: part.ModeISP, dev: dev, scripts: ScriptSet{SlotIspEnableProgramming: []byte{0x01}}}

	rev, err := e.ReadChipRev(&part.Part{})
	require.NoError(t, err)
	assert.Equal(t, byte(0x55), rev)
}
