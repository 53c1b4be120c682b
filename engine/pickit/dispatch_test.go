package pickit

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avr-go/avrprog/internal/obslog"
	"github.com/avr-go/avrprog/part"
)

// fakeDevice is a minimal transport.Device that records every frame
// sent and answers Recv with either a queued scripted reply or a
// synthesized OK header padded to the requested length.
type fakeDevice struct {
	sent    [][]byte
	replies [][]byte
}

func (f *fakeDevice) Send(p []byte) error {
	f.sent = append(f.sent, append([]byte(nil), p...))
	return nil
}

func (f *fakeDevice) Recv(buf []byte) (int, error) {
	if len(f.replies) > 0 {
		r := f.replies[0]
		f.replies = f.replies[1:]
		return copy(buf, r), nil
	}
	okHeader(buf)
	return len(buf), nil
}

func (f *fakeDevice) Drain(display bool) error         { return nil }
func (f *fakeDevice) SetTimeout(d time.Duration) error  { return nil }
func (f *fakeDevice) Close() error                      { return nil }

func okHeader(buf []byte) {
	if len(buf) < 20 {
		return
	}
	binary.LittleEndian.PutUint32(buf[0:4], replyMagic)
	binary.LittleEndian.PutUint32(buf[16:20], 0)
}

func flashRegion() *part.MemoryRegion {
	return &part.MemoryRegion{Name: "flash", Kind: part.KindFlash}
}

func TestPagedWriteElidesAllFFFlashPageWithoutSending(t *testing.T) {
	dev := &fakeDevice{}
	e := &Engine{dev: dev, scripts: ScriptSet{SlotWriteProgmem: []byte{0x01}}}
	data := make([]byte, 64)
	for i := range data {
		data[i] = 0xFF
	}
	n, err := e.PagedWrite(&part.Part{}, flashRegion(), 0, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Empty(t, dev.sent, "an all-0xFF flash page must not be transacted")
}

func TestPagedWriteSendsNonFFFlashPage(t *testing.T) {
	dataReply := make([]byte, 20)
	binary.LittleEndian.PutUint32(dataReply[0:4], replyMagic)
	binary.LittleEndian.PutUint32(dataReply[16:20], 0)

	statusKeyReply := make([]byte, 20+4)
	binary.LittleEndian.PutUint32(statusKeyReply[0:4], replyMagic)
	binary.LittleEndian.PutUint32(statusKeyReply[16:20], 0)
	copy(statusKeyReply[20:], []byte("NONE"))

	dev := &fakeDevice{replies: [][]byte{dataReply, statusKeyReply}}
	e := &Engine{dev: dev, scripts: ScriptSet{SlotWriteProgmem: []byte{0x01}}}
	data := []byte{0x01, 0x02, 0x03}
	n, err := e.PagedWrite(&part.Part{}, flashRegion(), 0, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	require.Len(t, dev.sent, 3, "data frame, STATUS_KEY query and SCRIPT_DONE must all be sent")
}

func TestPagedLoadReturnsRequestedBytes(t *testing.T) {
	dev := &fakeDevice{}
	reply := make([]byte, 20+4)
	binary.LittleEndian.PutUint32(reply[0:4], replyMagic)
	binary.LittleEndian.PutUint32(reply[16:20], 0)
	copy(reply[20:], []byte{0xDE, 0xAD, 0xBE, 0xEF})
	dev.replies = [][]byte{reply}

	e := &Engine{dev: dev, scripts: ScriptSet{SlotReadProgmem: []byte{0x01}}}
	got, err := e.PagedLoad(&part.Part{}, flashRegion(), 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, got)
}

func TestReadSigBytesCachesAfterFirstRead(t *testing.T) {
	dev := &fakeDevice{}
	reply := make([]byte, 23)
	binary.LittleEndian.PutUint32(reply[0:4], replyMagic)
	binary.LittleEndian.PutUint32(reply[16:20], 0)
	copy(reply[20:], []byte{0x1E, 0x93, 0x0B})
	dev.replies = [][]byte{reply}

	e := &Engine{dev: dev, scripts: ScriptSet{SlotGetDeviceID: []byte{0x01}}, log: obslog.Nop()}
	p := &part.Part{}

	sig1, err := e.ReadSigBytes(p)
	require.NoError(t, err)
	assert.Equal(t, [3]byte{0x1E, 0x93, 0x0B}, sig1)
	require.Len(t, dev.sent, 2, "first read must transact get-device-id then the closing SCRIPT_DONE")

	sig2, err := e.ReadSigBytes(p)
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)
	assert.Len(t, dev.sent, 2, "cached read must not transact again")
}

func TestProgramEnableIsIdempotentWhenAlreadyProgramming(t *testing.T) {
	dev := &fakeDevice{}
	e := &Engine{dev: dev, programming: true}
	err := e.ProgramEnable(&part.Part{})
	require.NoError(t, err)
	assert.Empty(t, dev.sent, "already-programming engine must not re-run EnterProgMode")
}
