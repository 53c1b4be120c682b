package dfu

import (
	"time"

	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeControlDevice struct {
	statusReply []byte
	controls    []controlCall
}

type controlCall struct {
	rType, request uint8
	value, index   uint16
	data           []byte
}

func (f *fakeControlDevice) Send(p []byte) error               { return nil }
func (f *fakeControlDevice) Recv(buf []byte) (int, error)      { return 0, nil }
func (f *fakeControlDevice) Drain(display bool) error          { return nil }
func (f *fakeControlDevice) SetTimeout(d time.Duration) error  { return nil }
func (f *fakeControlDevice) Close() error                      { return nil }

func (f *fakeControlDevice) Control(rType, request uint8, value, index uint16, data []byte) (int, error) {
	f.controls = append(f.controls, controlCall{rType, request, value, index, append([]byte(nil), data...)})
	if request == reqGetStatus {
		copy(data, f.statusReply)
		return len(f.statusReply), nil
	}
	return len(data), nil
}

func newTestEngine(status DeviceStatus) (*Engine, *fakeControlDevice) {
	dev := &fakeControlDevice{statusReply: encodeStatus(status)}
	e := New()
	_ = e.Open(dev)
	return e, dev
}

func encodeStatus(st DeviceStatus) []byte {
	ms := uint32(st.PollTimeout / time.Millisecond)
	return []byte{byte(st.Status), byte(ms), byte(ms >> 8), byte(ms >> 16), byte(st.State), st.StringIndex}
}

func TestGetStatusDecodesFixedSixByteReply(t *testing.T) {
	e, _ := newTestEngine(DeviceStatus{Status: StatusOK, PollTimeout: 5 * time.Millisecond, State: StateDfuIdle})
	st, err := e.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusOK, st.Status)
	assert.Equal(t, StateDfuIdle, st.State)
	assert.Equal(t, 5*time.Millisecond, st.PollTimeout)
}

func TestDownloadSleepsOutReportedPollTimeout(t *testing.T) {
	e, _ := newTestEngine(DeviceStatus{Status: StatusOK, PollTimeout: 30 * time.Millisecond, State: StateDfuDnloadIdle})
	start := time.Now()
	_, err := e.Download([]byte{0xAA})
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestDownloadUsesMonotonicIndexAcrossCalls(t *testing.T) {
	e, dev := newTestEngine(DeviceStatus{Status: StatusOK, State: StateDfuDnloadIdle})
	_, err := e.Download([]byte{1})
	require.NoError(t, err)
	_, err = e.Download([]byte{2})
	require.NoError(t, err)

	var indices []uint16
	for _, c := range dev.controls {
		if c.request == reqDnload {
			indices = append(indices, c.index)
		}
	}
	require.Len(t, indices, 2)
	assert.Less(t, indices[0], indices[1])
}

func TestDownloadReportsDeviceError(t *testing.T) {
	e, _ := newTestEngine(DeviceStatus{Status: StatusErrWrite, State: StateDfuError})
	_, err := e.Download([]byte{1})
	assert.Error(t, err)
}
