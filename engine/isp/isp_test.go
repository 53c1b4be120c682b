package isp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avr-go/avrprog/part"
)

type fakeLink struct {
	entered, left int
	transacts     [][4]byte
	replies       [][4]byte
	replyIdx      int
	memory        map[uint32]byte
}

func newFakeLink() *fakeLink {
	return &fakeLink{memory: map[uint32]byte{}}
}

func (f *fakeLink) EnterProgramming() error { f.entered++; return nil }
func (f *fakeLink) LeaveProgramming() error { f.left++; return nil }
func (f *fakeLink) Close() error            { return nil }

func (f *fakeLink) Transact(opcode [4]byte) ([4]byte, error) {
	f.transacts = append(f.transacts, opcode)
	if f.replyIdx < len(f.replies) {
		r := f.replies[f.replyIdx]
		f.replyIdx++
		return r, nil
	}
	// default: echo programEnableOp's sync byte (shifted one position,
	// matching the SPI shift-register delay ProgramEnable checks for)
	if opcode == programEnableOp {
		return [4]byte{0x00, 0xAC, 0x53, 0x00}, nil
	}
	return [4]byte{0, 0, 0, 0}, nil
}

func flashRegion() *part.MemoryRegion {
	return &part.MemoryRegion{
		Name: "flash",
		Kind: part.KindFlash,
		ReadOp: part.Opcode{
			Template: [4]byte{0x20, 0, 0, 0},
			AddrMask: [4]byte{0, 0x01, 0xFF, 0},
		},
		WriteOp: part.Opcode{
			Template: [4]byte{0x40, 0, 0, 0},
			AddrMask: [4]byte{0, 0x01, 0xFF, 0},
			DataMask: [4]byte{0, 0, 0, 0xFF},
		},
	}
}

func TestProgramEnableIsIdempotentWhenAlreadyProgramming(t *testing.T) {
	link := newFakeLink()
	e := &Engine{link: link, programming: true}
	require.NoError(t, e.ProgramEnable(&part.Part{}))
	assert.Zero(t, link.entered, "already-programming engine must not re-enter")
}

func TestProgramEnableSyncsOnFirstTry(t *testing.T) {
	link := newFakeLink()
	e := New()
	e.link = link
	require.NoError(t, e.ProgramEnable(&part.Part{}))
	assert.Equal(t, 1, link.entered)
	assert.True(t, e.programming)
}

func TestPagedWriteElidesAllFFFlashPage(t *testing.T) {
	link := newFakeLink()
	e := New()
	e.link = link
	data := make([]byte, 16)
	for i := range data {
		data[i] = 0xFF
	}
	n, err := e.PagedWrite(&part.Part{}, flashRegion(), 0, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Empty(t, link.transacts, "an all-0xFF flash page must not be transacted")
}

func TestPagedWriteTransactsNonFFFlashPage(t *testing.T) {
	link := newFakeLink()
	e := New()
	e.link = link
	data := []byte{0x01, 0x02}
	n, err := e.PagedWrite(&part.Part{}, flashRegion(), 0, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.NotEmpty(t, link.transacts)
}

func TestPagedLoadReadsOneOpcodeExchangePerByte(t *testing.T) {
	link := newFakeLink()
	link.replies = [][4]byte{{0, 0, 0, 0xAA}, {0, 0, 0, 0xBB}, {0, 0, 0, 0xCC}}
	e := New()
	e.link = link
	got, err := e.PagedLoad(&part.Part{}, flashRegion(), 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, got)
	assert.Len(t, link.transacts, 3)
}

func TestReadSigBytesIssuesThreeExchanges(t *testing.T) {
	link := newFakeLink()
	link.replies = [][4]byte{{0, 0, 0, 0x1E}, {0, 0, 0, 0x93}, {0, 0, 0, 0x0B}}
	e := New()
	e.link = link
	sig, err := e.ReadSigBytes(&part.Part{})
	require.NoError(t, err)
	assert.Equal(t, [3]byte{0x1E, 0x93, 0x0B}, sig)
}
