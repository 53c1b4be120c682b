package transport

import (
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	"periph.io/x/conn/v3/gpio"

	"github.com/avr-go/avrprog/internal/avrerr"
)

// Parallel-port ppdev ioctls (linux/ppdev.h). PPCLAIM/PPRELEASE
// arbitrate the port against the kernel's parport subsystem so two
// processes can't bit-bang the same header at once.
const ppIOCMagic = 'p'

var (
	ppClaim     = ioctl.IO(ppIOCMagic, 0x8b)
	ppRelease   = ioctl.IO(ppIOCMagic, 0x8c)
	ppRStatus   = ioctl.IOR(ppIOCMagic, 0x81, 1)
	ppRControl  = ioctl.IOR(ppIOCMagic, 0x83, 1)
	ppWControl  = ioctl.IOW(ppIOCMagic, 0x84, 1)
	ppRData     = ioctl.IOR(ppIOCMagic, 0x85, 1)
	ppWData     = ioctl.IOW(ppIOCMagic, 0x86, 1)
)

// Register names one of the three 8-bit registers the parallel port
// exposes (spec §6.3).
type Register int

const (
	RegData Register = iota
	RegStatus
	RegControl
)

// Bit operations on a register, per spec §6.3.
type BitOp int

const (
	BitSet BitOp = iota
	BitClear
	BitToggle
	BitPulse // set then clear, leaving the bit clear
	BitGet
)

// ParallelPort is the ppdev-backed parallel-port transport variant
// (spec §4.1 "parallel-port-ioctl"), used as the physical link for the
// legacy ISP bit-bang engine. Pin roles follow spec §6.3: D0=Vcc,
// D1=SCK, D2=MOSI, D3=RESET (data register bits 0-3), MISO=status bit
// ACK (0x40).
type ParallelPort struct {
	fd     int
	closed atomic.Bool
}

func openParallel(ps PortSpec, params OpenParams) (Device, error) {
	path := ps.Path
	if !strings.HasPrefix(path, "/dev/") {
		// Bare "lptN" or a hex I/O base: map to the Nth ppdev node.
		// This module never programs raw I/O ports directly (no CAP_SYS_RAWIO
		// story that doesn't already go through ppdev), so a bare hex
		// address selects /dev/parport0 — the common single-port case.
		n := 0
		if strings.HasPrefix(strings.ToLower(path), "lpt") {
			if v, err := strconv.Atoi(path[3:]); err == nil && v > 0 {
				n = v - 1
			}
		}
		path = "/dev/parport" + strconv.Itoa(n)
	}
	fd, err := syscall.Open(path, syscall.O_RDWR, 0)
	if err != nil {
		return nil, avrerr.New(avrerr.NotFound, "open "+path, err)
	}
	if err := ioctl.Ioctl(fd, ppClaim, 0); err != nil {
		syscall.Close(fd)
		return nil, avrerr.New(avrerr.IoFailure, "PPCLAIM "+path, err)
	}
	return &ParallelPort{fd: fd}, nil
}

func (p *ParallelPort) readReg(r Register) (byte, error) {
	var v byte
	var req uintptr
	switch r {
	case RegData:
		req = ppRData
	case RegStatus:
		req = ppRStatus
	case RegControl:
		req = ppRControl
	}
	err := ioctl.Ioctl(p.fd, req, uintptr(unsafe.Pointer(&v)))
	return v, err
}

func (p *ParallelPort) writeReg(r Register, v byte) error {
	var req uintptr
	switch r {
	case RegData:
		req = ppWData
	case RegControl:
		req = ppWControl
	default:
		return avrerr.New(avrerr.Unsupported, "status register is read-only", nil)
	}
	return ioctl.Ioctl(p.fd, req, uintptr(unsafe.Pointer(&v)))
}

// Bit applies op to bit mask within register r. BitGet ignores the
// write path and returns the current level as a gpio.Level so callers
// driving SCK/MOSI/RESET can treat the parallel port like any other
// periph.io GPIO-shaped pin.
func (p *ParallelPort) Bit(r Register, mask byte, op BitOp) (gpio.Level, error) {
	cur, err := p.readReg(r)
	if err != nil {
		return gpio.Low, err
	}
	switch op {
	case BitGet:
		return gpio.Level(cur&mask != 0), nil
	case BitSet:
		return gpio.High, p.writeReg(r, cur|mask)
	case BitClear:
		return gpio.Low, p.writeReg(r, cur&^mask)
	case BitToggle:
		return gpio.Level(cur&mask == 0), p.writeReg(r, cur^mask)
	case BitPulse:
		if err := p.writeReg(r, cur|mask); err != nil {
			return gpio.Low, err
		}
		time.Sleep(time.Microsecond)
		return gpio.Low, p.writeReg(r, cur&^mask)
	}
	return gpio.Low, avrerr.New(avrerr.Unsupported, "unknown bit op", nil)
}

// Status/control bit masks used by the ISP bit-bang engine.
const (
	DataVcc   = byte(1 << 0)
	DataSCK   = byte(1 << 1)
	DataMOSI  = byte(1 << 2)
	DataReset = byte(1 << 3)
	StatusACK = byte(1 << 6) // MISO, pin 10
)

func (p *ParallelPort) Send(buf []byte) error {
	return avrerr.New(avrerr.Unsupported, "parallel port has no framed send channel; use Bit", nil)
}

func (p *ParallelPort) Recv(buf []byte) (int, error) {
	return 0, avrerr.New(avrerr.Unsupported, "parallel port has no framed recv channel; use Bit", nil)
}

func (p *ParallelPort) Drain(display bool) error { return nil }

func (p *ParallelPort) SetTimeout(time.Duration) error { return nil }

func (p *ParallelPort) Close() error {
	if p.closed.Swap(true) {
		return avrerr.Sentinel(avrerr.IoFailure)
	}
	_ = ioctl.Ioctl(p.fd, ppRelease, 0)
	return syscall.Close(p.fd)
}
