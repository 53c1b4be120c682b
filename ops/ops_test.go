package ops

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avr-go/avrprog/internal/avrctx"
	"github.com/avr-go/avrprog/internal/obslog"
	"github.com/avr-go/avrprog/internal/progress"
	"github.com/avr-go/avrprog/part"
	"github.com/avr-go/avrprog/programmer"
	"github.com/avr-go/avrprog/transport"
)

// fakeEngine is an in-memory programmer.Engine backing a byte slice,
// used to drive Driver's Read/Write/Verify/Erase without any real
// transport.
type fakeEngine struct {
	mem          []byte
	eraseCount   int
	writeCalls   []uint32
	readCalls    []uint32
}

func newFakeEngine(size int) *fakeEngine {
	m := make([]byte, size)
	for i := range m {
		m[i] = 0xFF
	}
	return &fakeEngine{mem: m}
}

func (f *fakeEngine) Name() string                   { return "fake" }
func (f *fakeEngine) Setup(cx *avrctx.Context) error  { return nil }
func (f *fakeEngine) Teardown() error                 { return nil }
func (f *fakeEngine) Open(dev transport.Device) error { return nil }
func (f *fakeEngine) Close() error                     { return nil }
func (f *fakeEngine) ParseExtParams(params []programmer.ExtParam) error { return nil }
func (f *fakeEngine) Initialize(p *part.Part) error               { return nil }
func (f *fakeEngine) ProgramEnable(p *part.Part) error            { return nil }
func (f *fakeEngine) ProgramDisable(p *part.Part) error           { return nil }
func (f *fakeEngine) ChipErase(p *part.Part) error {
	f.eraseCount++
	for i := range f.mem {
		f.mem[i] = 0xFF
	}
	return nil
}

func (f *fakeEngine) PagedLoad(p *part.Part, region *part.MemoryRegion, addr uint32, n int) ([]byte, error) {
	f.readCalls = append(f.readCalls, addr)
	out := make([]byte, n)
	copy(out, f.mem[int(addr):int(addr)+n])
	return out, nil
}

func (f *fakeEngine) PagedWrite(p *part.Part, region *part.MemoryRegion, addr uint32, data []byte) (int, error) {
	f.writeCalls = append(f.writeCalls, addr)
	copy(f.mem[addr:], data)
	return len(data), nil
}

func (f *fakeEngine) ReadByte(p *part.Part, region *part.MemoryRegion, addr uint32) (byte, error) {
	return f.mem[addr], nil
}
func (f *fakeEngine) WriteByte(p *part.Part, region *part.MemoryRegion, addr uint32, v byte) error {
	f.mem[addr] = v
	return nil
}
func (f *fakeEngine) ReadSigBytes(p *part.Part) ([3]byte, error)   { return [3]byte{}, nil }
func (f *fakeEngine) ReadSIB(p *part.Part) ([32]byte, error)       { return [32]byte{}, nil }
func (f *fakeEngine) ReadChipRev(p *part.Part) (byte, error)       { return 0, nil }
func (f *fakeEngine) SetSCKPeriod(period time.Duration) (time.Duration, error) {
	return period, nil
}
func (f *fakeEngine) SetVTarget(volts float64) error    { return nil }
func (f *fakeEngine) GetVTarget() (float64, error)      { return 0, nil }
func (f *fakeEngine) PrintParms(sink func(string))      {}

// fakeImage is an in-memory fileio.ReadWriter.
type fakeImage struct {
	data []byte
}

func (im *fakeImage) ReadInto(buf []byte, base uint32) (int, error) {
	n := copy(buf, im.data)
	return n, nil
}

func (im *fakeImage) WriteFrom(buf []byte, base uint32) error {
	im.data = append([]byte(nil), buf...)
	return nil
}

func newTestDriver(eng *fakeEngine) *Driver {
	cx := avrctx.New(obslog.Nop())
	session := programmer.NewSession(cx, eng)
	bars := progress.NewGroup(io.Discard, true)
	return NewDriver(session, obslog.Nop(), bars)
}

func flashRegion(size uint32) *part.MemoryRegion {
	return &part.MemoryRegion{Name: "flash", Kind: part.KindFlash, Size: size, PageSize: 16}
}

func TestDriverWriteElidesAllFFPagesAndWritesOthers(t *testing.T) {
	eng := newFakeEngine(32)
	d := newTestDriver(eng)
	region := flashRegion(32)

	src := &fakeImage{data: []byte{1, 2, 3}}
	n, err := d.Write(&part.Part{}, region, src)
	require.NoError(t, err)
	assert.Equal(t, 16, n, "only the transacted page's bytes are counted as written")
	assert.Len(t, eng.writeCalls, 1, "only the non-FF first page should transact")
}

func TestDriverReadRoundTripsThroughFileio(t *testing.T) {
	eng := newFakeEngine(16)
	copy(eng.mem, []byte{0xAA, 0xBB, 0xCC})
	d := newTestDriver(eng)
	region := flashRegion(16)

	dst := &fakeImage{}
	err := d.Read(&part.Part{}, region, dst)
	require.NoError(t, err)
	assert.Equal(t, eng.mem, dst.data)
}

func TestDriverVerifyReportsFirstMismatch(t *testing.T) {
	eng := newFakeEngine(16)
	copy(eng.mem, []byte{1, 2, 3, 4})
	d := newTestDriver(eng)
	region := flashRegion(16)

	want := &fakeImage{data: []byte{1, 2, 9, 4}}
	result, err := d.Verify(&part.Part{}, region, want)
	require.NoError(t, err)
	assert.False(t, result.Match)
	assert.Equal(t, uint32(2), result.MismatchAddr)
	assert.Equal(t, byte(9), result.MismatchWant)
	assert.Equal(t, byte(3), result.MismatchGot)
}

func TestDriverVerifyMatch(t *testing.T) {
	eng := newFakeEngine(8)
	d := newTestDriver(eng)
	region := flashRegion(8)

	want := &fakeImage{data: eng.mem}
	result, err := d.Verify(&part.Part{}, region, want)
	require.NoError(t, err)
	assert.True(t, result.Match)
}

func TestDriverEraseResetsMemoryAndCountsCall(t *testing.T) {
	eng := newFakeEngine(8)
	eng.mem[0] = 0x00
	d := newTestDriver(eng)

	require.NoError(t, d.Erase(&part.Part{}))
	assert.Equal(t, 1, eng.eraseCount)
	assert.Equal(t, byte(0xFF), eng.mem[0])
}
