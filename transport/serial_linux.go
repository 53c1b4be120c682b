package transport

import (
	"sync/atomic"
	"syscall"
	"time"

	"github.com/daedaluz/fdev/poll"

	"github.com/avr-go/avrprog/internal/avrerr"
)

// serialDevice is the OS-serial transport variant (spec §4.1,
// §6.1 "OS path"). It wraps a raw tty file descriptor the way the
// teacher's Port type did, but exposes the Device contract instead of
// a termios-centric API, and additionally exposes the RS-232 control
// lines (DTR/RTS/CTS) for the ISP bit-bang backend in engine/isp.
type serialDevice struct {
	fd      int
	closed  atomic.Bool
	timeout time.Duration
}

func openSerial(ps PortSpec, params OpenParams) (Device, error) {
	fd, err := syscall.Open(ps.Path, syscall.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, avrerr.New(avrerr.NotFound, "open "+ps.Path, err)
	}
	// Best effort: a second programmer instance on the same port is a
	// user error, not a race this module needs to arbitrate, but
	// TIOCEXCL makes the failure immediate and legible instead of a
	// silently corrupted byte stream shared between two openers.
	_ = setExclusive(fd)

	attrs, err := getAttr2(fd)
	if err != nil {
		syscall.Close(fd)
		return nil, avrerr.New(avrerr.IoFailure, "TCGETS2 "+ps.Path, err)
	}
	attrs.makeRaw()
	attrs.setCustomSpeed(115200)
	if err := setAttr2(fd, attrs); err != nil {
		syscall.Close(fd)
		return nil, avrerr.New(avrerr.IoFailure, "TCSETS2 "+ps.Path, err)
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &serialDevice{fd: fd, timeout: timeout}, nil
}

// SetBaud reconfigures the line speed without reopening the port,
// used by engines that negotiate clock after Open (spec §4.3
// set_sck_period on serial-emulated ISP links).
func (d *serialDevice) SetBaud(baud uint32) error {
	attrs, err := getAttr2(d.fd)
	if err != nil {
		return avrerr.New(avrerr.IoFailure, "TCGETS2", err)
	}
	attrs.setCustomSpeed(baud)
	if err := setAttr2(d.fd, attrs); err != nil {
		return avrerr.New(avrerr.IoFailure, "TCSETS2", err)
	}
	return nil
}

func (d *serialDevice) Send(p []byte) error {
	if d.closed.Load() {
		return avrerr.Sentinel(avrerr.IoFailure)
	}
	n, err := syscall.Write(d.fd, p)
	if err != nil {
		return avrerr.New(avrerr.IoFailure, "write", err)
	}
	if n != len(p) {
		return avrerr.New(avrerr.ShortWrite, "", nil)
	}
	return nil
}

func (d *serialDevice) Recv(buf []byte) (int, error) {
	if d.closed.Load() {
		return 0, avrerr.Sentinel(avrerr.IoFailure)
	}
	if err := poll.WaitInput(d.fd, d.timeout); err != nil {
		return 0, avrerr.New(avrerr.Timeout, "read timeout", err)
	}
	n, err := syscall.Read(d.fd, buf)
	if err != nil {
		return n, avrerr.New(avrerr.IoFailure, "read", err)
	}
	return n, nil
}

func (d *serialDevice) Drain(display bool) error {
	scratch := make([]byte, 256)
	for {
		if err := poll.WaitInput(d.fd, 50*time.Millisecond); err != nil {
			return nil
		}
		n, err := syscall.Read(d.fd, scratch)
		if err != nil || n == 0 {
			return nil
		}
		_ = display
	}
}

func (d *serialDevice) SetTimeout(dur time.Duration) error {
	d.timeout = dur
	return nil
}

func (d *serialDevice) Close() error {
	if d.closed.Swap(true) {
		return avrerr.Sentinel(avrerr.IoFailure)
	}
	return syscall.Close(d.fd)
}

// SetModemLines, GetModemLines, EnableModemLines and DisableModemLines
// expose the DTR/RTS/CTS control lines directly, for the ISP
// bit-bang backend (engine/isp) that drives SCK/MOSI/RESET over them
// instead of UART framing.
func (d *serialDevice) SetModemLines(line ModemLine) error {
	return setModemLines(d.fd, line)
}

func (d *serialDevice) GetModemLines() (ModemLine, error) {
	return getModemLines(d.fd)
}

func (d *serialDevice) EnableModemLines(line ModemLine) error {
	return enableModemLines(d.fd, line)
}

func (d *serialDevice) DisableModemLines(line ModemLine) error {
	return disableModemLines(d.fd, line)
}

// BitBangPort is the capability engine/isp needs from a serial
// transport to drive ISP over DTR/RTS/CTS. Open's serialDevice
// satisfies it; callers obtain one via OpenBitBang.
type BitBangPort interface {
	Device
	SetModemLines(line ModemLine) error
	GetModemLines() (ModemLine, error)
	EnableModemLines(line ModemLine) error
	DisableModemLines(line ModemLine) error
}

// OpenBitBang opens path as a raw serial-bitbang link: no baud
// negotiation is meaningful since nothing is framed over UART, only
// the modem control lines are driven.
func OpenBitBang(path string) (BitBangPort, error) {
	dev, err := openSerial(PortSpec{Kind: PortSerial, Path: path}, OpenParams{})
	if err != nil {
		return nil, err
	}
	return dev.(*serialDevice), nil
}
