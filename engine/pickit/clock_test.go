package pickit

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avr-go/avrprog/part"
)

// okReply builds a minimal reply: an n-byte buffer carrying the fixed
// 20-byte header, with tail appended after it.
func okReply(n int, tail ...byte) []byte {
	buf := make([]byte, n+len(tail))
	binary.LittleEndian.PutUint32(buf[0:4], replyMagic)
	binary.LittleEndian.PutUint32(buf[16:20], 0)
	copy(buf[n:], tail)
	return buf
}

func TestPrepareUPDIClockCapsBelowLowVoltageThreshold(t *testing.T) {
	e := &Engine{mode: part.ModeUPDI, measuredVcc: 2.5, scripts: ScriptSet{}}
	rate, err := e.prepareUPDIClock(500_000)
	require.NoError(t, err)
	assert.Equal(t, uint32(updiLowVoltageCap), rate)
}

func TestPrepareUPDIClockClampsToMinAndMax(t *testing.T) {
	// the clamped maximum is above 225kHz, so it runs the handshake
	dev := &fakeDevice{replies: [][]byte{
		okReply(20),                 // applySpeed(100kHz)
		okReply(20),                 // writeCSreg
		okReply(20, updiClkSelHigh), // readCSreg
	}}
	e := &Engine{mode: part.ModeUPDI, measuredVcc: 5.0, scripts: ScriptSet{
		SlotSetSpeed:   []byte{0x01},
		SlotWriteCSreg: []byte{0x02},
		SlotReadCSreg:  []byte{0x03},
	}, dev: dev}
	rate, err := e.prepareUPDIClock(10)
	require.NoError(t, err)
	assert.Equal(t, uint32(updiClockMin), rate)

	rate, err = e.prepareUPDIClock(10_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint32(updiClockMax), rate)
}

func TestPrepareUPDIClockAboveCapRunsHandshake(t *testing.T) {
	dev := &fakeDevice{replies: [][]byte{
		okReply(20),                // applySpeed(100kHz)
		okReply(20),                // writeCSreg
		okReply(20, updiClkSelHigh), // readCSreg
	}}
	e := &Engine{mode: part.ModeUPDI, measuredVcc: 5.0, scripts: ScriptSet{
		SlotSetSpeed:   []byte{0x01},
		SlotWriteCSreg: []byte{0x02},
		SlotReadCSreg:  []byte{0x03},
	}, dev: dev}
	rate, err := e.prepareUPDIClock(500_000)
	require.NoError(t, err)
	assert.Equal(t, uint32(500_000), rate)
	require.Len(t, dev.sent, 3)
}

func TestPrepareUPDIClockHandshakeFailsOnReadbackMismatch(t *testing.T) {
	dev := &fakeDevice{replies: [][]byte{
		okReply(20),        // applySpeed(100kHz)
		okReply(20),        // writeCSreg
		okReply(20, 0x00),  // readCSreg: wrong value
	}}
	e := &Engine{mode: part.ModeUPDI, measuredVcc: 5.0, scripts: ScriptSet{
		SlotSetSpeed:   []byte{0x01},
		SlotWriteCSreg: []byte{0x02},
		SlotReadCSreg:  []byte{0x03},
	}, dev: dev}
	_, err := e.prepareUPDIClock(500_000)
	assert.Error(t, err)
}

func TestNegotiateClockLeavesUPDIUncappedAboveThreshold(t *testing.T) {
	e := &Engine{mode: part.ModeUPDI, measuredVcc: 5.0, scripts: ScriptSet{}}
	err := e.negotiateClock(&part.Part{})
	require.NoError(t, err)
	assert.Equal(t, defaultClock[part.ModeUPDI], e.clock)
}

func TestNegotiateClockNonUPDIModeUnaffectedByVoltage(t *testing.T) {
	e := &Engine{mode: part.ModeISP, measuredVcc: 1.0, scripts: ScriptSet{}}
	err := e.negotiateClock(&part.Part{})
	require.NoError(t, err)
	assert.Equal(t, defaultClock[part.ModeISP], e.clock)
}

func TestSetSCKPeriodRejectsNonPositive(t *testing.T) {
	e := &Engine{mode: part.ModeISP, scripts: ScriptSet{}}
	_, err := e.SetSCKPeriod(0)
	assert.Error(t, err)
}

func TestSetSCKPeriodCapsUPDIBelowLowVoltageThreshold(t *testing.T) {
	e := &Engine{mode: part.ModeUPDI, measuredVcc: 2.0, scripts: ScriptSet{}}
	period, err := e.SetSCKPeriod(time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, uint32(updiLowVoltageCap), e.clock)
	assert.Equal(t, time.Second/time.Duration(updiLowVoltageCap), period)
}
