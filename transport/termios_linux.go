package transport

import (
	"fmt"
	"strings"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

// Linux termios ioctl request numbers. Pseudoterminal-pair ioctls
// (TIOCGPTN/TIOCSPTLCK/TIOCGPTPEER) are deliberately absent: nothing in
// this module opens a PTY, only real tty devices and parallel ports.
var (
	tcgets  = uintptr(0x5401)
	tcsets  = uintptr(0x5402)
	tcsetsw = uintptr(0x5403)
	tcsetsf = uintptr(0x5404)

	tcgets2  = ioctl.IOR('T', 0x2A, unsafe.Sizeof(Termios2{}))
	tcsets2  = ioctl.IOW('T', 0x2B, unsafe.Sizeof(Termios2{}))
	tcsetsw2 = ioctl.IOW('T', 0x2C, unsafe.Sizeof(Termios2{}))
	tcsetsf2 = ioctl.IOW('T', 0x2D, unsafe.Sizeof(Termios2{}))

	tiocgserial = uintptr(0x541E)
	tiocsserial = uintptr(0x541F)

	tcsbrk  = uintptr(0x5409)
	tcsbrkp = uintptr(0x5425)

	tiocsbrk = uintptr(0x5427)
	tioccbrk = uintptr(0x5428)

	tcflsh = uintptr(0x540B)
	tcxonc = uintptr(0x540A)

	tiocmget = uintptr(0x5415)
	tiocmbis = uintptr(0x5416)
	tiocmbic = uintptr(0x5417)
	tiocmset = uintptr(0x5418)

	tiocexcl = uintptr(0x540C)
	tiocnxcl = uintptr(0x540D)
)

// Termios is the classic struct termios layout used by TCGETS/TCSETS.
type Termios struct {
	Iflag IFlag
	Oflag OFlag
	Cflag CFlag
	Lflag LFlag
	Line  byte
	Cc    [19]byte
}

// Termios2 is the Linux-specific extension (TCGETS2/TCSETS2) that adds
// BOTHER and arbitrary-integer input/output speeds, needed to drive a
// bit-banged ISP link at a non-standard baud.
type Termios2 struct {
	Iflag  IFlag
	Oflag  OFlag
	Cflag  CFlag
	Lflag  LFlag
	Line   byte
	Cc     [19]byte
	ISpeed uint32
	OSpeed uint32
}

type IFlag uint32
type OFlag uint32
type CFlag uint32
type LFlag uint32

const (
	IGNBRK = IFlag(0000001)
	BRKINT = IFlag(0000002)
	IGNPAR = IFlag(0000004)
	PARMRK = IFlag(0000010)
	ISTRIP = IFlag(0000040)
	INLCR  = IFlag(0000100)
	IGNCR  = IFlag(0000200)
	ICRNL  = IFlag(0000400)
	IXON   = IFlag(0002000)
)

const (
	OPOST = OFlag(0000001)
)

const (
	CBAUD   = CFlag(0010017)
	CSIZE   = CFlag(0000060)
	CS8     = CFlag(0000060)
	CSTOPB  = CFlag(0000100)
	CREAD   = CFlag(0000200)
	PARENB  = CFlag(0000400)
	PARODD  = CFlag(0001000)
	HUPCL   = CFlag(0002000)
	CLOCAL  = CFlag(0004000)
	CBAUDEX = CFlag(0010000)
	BOTHER  = CFlag(0010000)

	B9600    = CFlag(0000015)
	B19200   = CFlag(0000016)
	B38400   = CFlag(0000017)
	B57600   = CFlag(0010001)
	B115200  = CFlag(0010002)
	B230400  = CFlag(0010003)
)

const (
	ISIG   = LFlag(0000001)
	ICANON = LFlag(0000002)
	ECHO   = LFlag(0000010)
	ECHONL = LFlag(0000100)
	IEXTEN = LFlag(0100000)
)

const (
	VMIN  = 6
	VTIME = 5
)

type Queue uint32

const (
	TCIFLUSH Queue = iota
	TCOFLUSH
	TCIOFLUSH
)

// ModemLine names one of the RS-232 control lines a serial-bitbang ISP
// backend toggles to emulate SCK/MOSI/RESET, mirroring the handful of
// real avrdude programmer types ("ponyser", "dasa", "dasa3") that
// bit-bang ISP entirely over DTR/RTS/CTS with no UART framing at all.
type ModemLine int

const (
	TIOCM_DTR  = ModemLine(0x002)
	TIOCM_RTS  = ModemLine(0x004)
	TIOCM_CTS  = ModemLine(0x020)
	TIOCM_CAR  = ModemLine(0x040)
	TIOCM_DSR  = ModemLine(0x100)
)

func (m ModemLine) String() string {
	names := map[ModemLine]string{TIOCM_DTR: "DTR", TIOCM_RTS: "RTS", TIOCM_CTS: "CTS", TIOCM_CAR: "CAR", TIOCM_DSR: "DSR"}
	var flags []string
	for bit := ModemLine(1); bit <= TIOCM_DSR; bit <<= 1 {
		if m&bit != 0 {
			if n, ok := names[bit]; ok {
				flags = append(flags, n)
			}
		}
	}
	return fmt.Sprintf("[%s]", strings.Join(flags, "|"))
}

func (attrs *Termios2) makeRaw() {
	attrs.Iflag &= ^(IGNBRK | BRKINT | PARMRK | ISTRIP | INLCR | IGNCR | ICRNL | IXON)
	attrs.Oflag &= ^(OPOST)
	attrs.Lflag &= ^(ECHO | ECHONL | ICANON | ISIG | IEXTEN)
	attrs.Cflag &= ^(CSIZE | PARENB)
	attrs.Cflag |= CS8
	attrs.Cflag |= CREAD | CLOCAL
	attrs.Cc[VMIN] = 0
	attrs.Cc[VTIME] = 0
}

func (attrs *Termios2) setCustomSpeed(speed uint32) {
	attrs.Cflag &= ^(CBAUD)
	attrs.Cflag |= BOTHER
	attrs.ISpeed = speed
	attrs.OSpeed = speed
}

func getAttr2(fd int) (*Termios2, error) {
	attrs := &Termios2{}
	if err := ioctl.Ioctl(fd, tcgets2, uintptr(unsafe.Pointer(attrs))); err != nil {
		return nil, err
	}
	return attrs, nil
}

func setAttr2(fd int, attrs *Termios2) error {
	return ioctl.Ioctl(fd, tcsets2, uintptr(unsafe.Pointer(attrs)))
}

func setModemLines(fd int, line ModemLine) error {
	return ioctl.Ioctl(fd, tiocmset, uintptr(unsafe.Pointer(&line)))
}

func getModemLines(fd int) (ModemLine, error) {
	var line ModemLine
	err := ioctl.Ioctl(fd, tiocmget, uintptr(unsafe.Pointer(&line)))
	return line, err
}

func enableModemLines(fd int, line ModemLine) error {
	return ioctl.Ioctl(fd, tiocmbis, uintptr(unsafe.Pointer(&line)))
}

func disableModemLines(fd int, line ModemLine) error {
	return ioctl.Ioctl(fd, tiocmbic, uintptr(unsafe.Pointer(&line)))
}

func flush(fd int, q Queue) error {
	return ioctl.Ioctl(fd, tcflsh, uintptr(q))
}

func setExclusive(fd int) error {
	return ioctl.Ioctl(fd, tiocexcl, 0)
}
