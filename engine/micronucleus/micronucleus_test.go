package micronucleus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avr-go/avrprog/part"
)

type fakeControlDevice struct {
	infoReply []byte
	programs  [][]byte
	transfers []struct{ value, index uint16 }
	starts    int
}

func (f *fakeControlDevice) Send(p []byte) error              { return nil }
func (f *fakeControlDevice) Recv(buf []byte) (int, error)     { return 0, nil }
func (f *fakeControlDevice) Drain(display bool) error         { return nil }
func (f *fakeControlDevice) SetTimeout(d time.Duration) error { return nil }
func (f *fakeControlDevice) Close() error                     { return nil }

func (f *fakeControlDevice) Control(rType, request uint8, value, index uint16, data []byte) (int, error) {
	switch request {
	case cmdInfo:
		n := copy(data, f.infoReply)
		return n, nil
	case cmdTransfer:
		f.transfers = append(f.transfers, struct{ value, index uint16 }{value, index})
		return 0, nil
	case cmdProgram:
		f.programs = append(f.programs, append([]byte(nil), data...))
		return len(data), nil
	case cmdStart:
		f.starts++
		return 0, nil
	}
	return 0, nil
}

func flashRegion(pageSize uint32) *part.MemoryRegion {
	return &part.MemoryRegion{Name: "flash", Kind: part.KindFlash, PageSize: pageSize, Size: 8192}
}

func newTestEngine(infoReply []byte) (*Engine, *fakeControlDevice) {
	dev := &fakeControlDevice{infoReply: infoReply}
	e := New()
	_ = e.Open(dev)
	info, err := e.probeInfo()
	if err == nil {
		e.info = info
	}
	return e, dev
}

func v1InfoReply(flashSize uint16, pageSize, writeSleepMs byte) []byte {
	return []byte{byte(flashSize >> 8), byte(flashSize), pageSize, writeSleepMs}
}

func TestProbeInfoDecodesV1FourByteReply(t *testing.T) {
	e, _ := newTestEngine(v1InfoReply(6*1024, 64, 10))
	assert.Equal(t, 1, e.info.version)
	assert.Equal(t, uint16(6*1024), e.info.flashSize)
	assert.Equal(t, byte(64), e.info.pageSize)
}

func TestProbeInfoDecodesV2SixByteReplyWithFastErase(t *testing.T) {
	reply := []byte{0x17, 0x70, 64, 0x80 | 5, 0x93, 0x0B}
	e, _ := newTestEngine(reply)
	require.Equal(t, 2, e.info.version)
	assert.True(t, e.info.fastErase)
	assert.Equal(t, byte(5), e.info.writeSleepMs)
	assert.Equal(t, byte(0x93), e.info.sig1)
	assert.Equal(t, byte(0x0B), e.info.sig2)
}

func TestPagedWritePatchesFirstPageResetVector(t *testing.T) {
	e, dev := newTestEngine(v1InfoReply(1024, 64, 1))
	region := flashRegion(64)
	page := make([]byte, 64)
	page[0], page[1] = 0x11, 0x22 // arbitrary original reset instruction

	_, err := e.PagedWrite(&part.Part{}, region, 0, page)
	require.NoError(t, err)
	require.Len(t, dev.programs, 1)

	written := dev.programs[0]
	assert.NotEqual(t, byte(0x11), written[0], "reset vector must be overwritten on the first page")
	assert.Equal(t, byte(0x11), e.savedReset[0])
	assert.Equal(t, byte(0x22), e.savedReset[1])
	assert.True(t, e.haveSaved)
}

func TestPagedWriteRestoresSavedResetOnLastApplicationPage(t *testing.T) {
	e, dev := newTestEngine(v1InfoReply(128, 64, 1))
	region := flashRegion(64)

	first := make([]byte, 64)
	first[0], first[1] = 0xAB, 0xCD
	_, err := e.PagedWrite(&part.Part{}, region, 0, first)
	require.NoError(t, err)

	last := make([]byte, 64)
	for i := range last {
		last[i] = 0xFF
	}
	lastPageStart := uint32(e.info.flashSize) - uint32(region.PageSize)
	_, err = e.PagedWrite(&part.Part{}, region, lastPageStart, last)
	require.NoError(t, err)

	require.Len(t, dev.programs, 2)
	writtenLast := dev.programs[1]
	off := int(uint32(e.info.flashSize)-4) - int(lastPageStart)
	assert.Equal(t, byte(0xAB), writtenLast[off])
	assert.Equal(t, byte(0xCD), writtenLast[off+1])
}

func TestProgramDisableIssuesStartOnceLastPageWritten(t *testing.T) {
	e, dev := newTestEngine(v1InfoReply(128, 64, 1))
	region := flashRegion(64)

	first := make([]byte, 64)
	_, err := e.PagedWrite(&part.Part{}, region, 0, first)
	require.NoError(t, err)
	require.NoError(t, e.ProgramDisable(&part.Part{}))
	assert.Equal(t, 0, dev.starts, "Start must not fire before the last page is written")

	last := make([]byte, 64)
	for i := range last {
		last[i] = 0xFF
	}
	lastPageStart := uint32(e.info.flashSize) - uint32(region.PageSize)
	_, err = e.PagedWrite(&part.Part{}, region, lastPageStart, last)
	require.NoError(t, err)

	require.NoError(t, e.ProgramDisable(&part.Part{}))
	assert.Equal(t, 1, dev.starts, "Start must fire once the last page is written")

	require.NoError(t, e.ProgramDisable(&part.Part{}))
	assert.Equal(t, 1, dev.starts, "a second ProgramDisable must not re-issue Start")
}

func TestPagedWriteRejectsNonFlashRegion(t *testing.T) {
	e, _ := newTestEngine(v1InfoReply(1024, 64, 1))
	region := &part.MemoryRegion{Name: "eeprom", Kind: part.KindEEPROM}
	_, err := e.PagedWrite(&part.Part{}, region, 0, []byte{1})
	assert.Error(t, err)
}

func TestPagedLoadUnsupported(t *testing.T) {
	e, _ := newTestEngine(v1InfoReply(1024, 64, 1))
	_, err := e.PagedLoad(&part.Part{}, flashRegion(64), 0, 1)
	assert.Error(t, err)
}
