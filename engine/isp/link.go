// Package isp implements the legacy 4-byte SPI-style ISP engine (C5):
// a bit-bang or spidev-backed link that issues the classic Programming
// Enable / Chip Erase / Read-Program-Memory / Write-Program-Memory
// opcode family directly, with no script layer
// between the engine and the wire.
package isp

import (
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/avr-go/avrprog/internal/avrerr"
	"github.com/avr-go/avrprog/transport"
	"github.com/avr-go/avrprog/transport/spibang"
)

// link is the narrow capability the ISP engine needs from whichever
// physical backend it was opened against: exchange a 4-byte opcode
// for a 4-byte reply, and assert/release RESET around the exchange.
type link interface {
	EnterProgramming() error
	LeaveProgramming() error
	Transact(opcode [4]byte) ([4]byte, error)
	Close() error
}

// spiLink adapts transport/spibang.Link, which already satisfies this
// shape one-for-one.
type spiLink struct {
	*spibang.Link
}

// parallelLink bit-bangs the four-wire ISP protocol over a ppdev
// parallel port: D1=SCK, D2=MOSI, D3=RESET, status ACK (0x40)=MISO.
// Each opcode byte is clocked MSB-first on the rising edge of SCK, the
// classic AVR ISP timing every parallel-port programmer in the wild
// uses (STK200/Dasa/etc dongles).
type parallelLink struct {
	port *transport.ParallelPort
}

func newParallelLink(port *transport.ParallelPort) *parallelLink {
	return &parallelLink{port: port}
}

func (l *parallelLink) EnterProgramming() error {
	if _, err := l.port.Bit(transport.RegData, transport.DataReset, transport.BitSet); err != nil {
		return err
	}
	time.Sleep(20 * time.Millisecond)
	return nil
}

func (l *parallelLink) LeaveProgramming() error {
	_, err := l.port.Bit(transport.RegData, transport.DataReset, transport.BitClear)
	return err
}

func (l *parallelLink) Transact(opcode [4]byte) ([4]byte, error) {
	var reply [4]byte
	for i, out := range opcode {
		in, err := l.clockByte(out)
		if err != nil {
			return reply, err
		}
		reply[i] = in
	}
	return reply, nil
}

// clockByte shifts one byte out MSB-first and the MISO response in,
// toggling SCK low-high for each bit (spec §6.4's 4-byte opcode/reply
// exchange, realized at the wire level).
func (l *parallelLink) clockByte(out byte) (byte, error) {
	var in byte
	for bit := 7; bit >= 0; bit-- {
		level := transport.BitClear
		if out&(1<<uint(bit)) != 0 {
			level = transport.BitSet
		}
		if _, err := l.port.Bit(transport.RegData, transport.DataMOSI, level); err != nil {
			return 0, err
		}
		if _, err := l.port.Bit(transport.RegData, transport.DataSCK, transport.BitSet); err != nil {
			return 0, err
		}
		miso, err := l.port.Bit(transport.RegStatus, transport.StatusACK, transport.BitGet)
		if err != nil {
			return 0, err
		}
		if miso == gpio.High {
			in |= 1 << uint(bit)
		}
		if _, err := l.port.Bit(transport.RegData, transport.DataSCK, transport.BitClear); err != nil {
			return 0, err
		}
	}
	return in, nil
}

func (l *parallelLink) Close() error {
	_ = l.LeaveProgramming()
	return l.port.Close()
}

// serialBitBangLink bit-bangs ISP over a serial port's modem control
// lines (avrdude's "serbb" style): RTS=SCK, DTR=MOSI, CTS=MISO in.
// DTR and RTS are the only lines a PC UART can drive; RESET is
// expected to be supplied by the programming cable itself (a DSR-
// derived level shift, as the common homebrew serbb cables do), so
// the engine only toggles it as a courtesy best-effort signal rather
// than relying on it.
type serialBitBangLink struct {
	port transport.BitBangPort
}

func newSerialBitBangLink(port transport.BitBangPort) *serialBitBangLink {
	return &serialBitBangLink{port: port}
}

func (l *serialBitBangLink) EnterProgramming() error {
	if err := l.port.EnableModemLines(transport.TIOCM_DSR); err != nil {
		return err
	}
	time.Sleep(20 * time.Millisecond)
	return nil
}

func (l *serialBitBangLink) LeaveProgramming() error {
	return l.port.DisableModemLines(transport.TIOCM_DSR)
}

func (l *serialBitBangLink) Transact(opcode [4]byte) ([4]byte, error) {
	var reply [4]byte
	for i, out := range opcode {
		in, err := l.clockByte(out)
		if err != nil {
			return reply, err
		}
		reply[i] = in
	}
	return reply, nil
}

func (l *serialBitBangLink) clockByte(out byte) (byte, error) {
	var in byte
	for bit := 7; bit >= 0; bit-- {
		if out&(1<<uint(bit)) != 0 {
			if err := l.port.EnableModemLines(transport.TIOCM_DTR); err != nil {
				return 0, err
			}
		} else {
			if err := l.port.DisableModemLines(transport.TIOCM_DTR); err != nil {
				return 0, err
			}
		}
		if err := l.port.EnableModemLines(transport.TIOCM_RTS); err != nil {
			return 0, err
		}
		lines, err := l.port.GetModemLines()
		if err != nil {
			return 0, err
		}
		if lines&transport.TIOCM_CTS != 0 {
			in |= 1 << uint(bit)
		}
		if err := l.port.DisableModemLines(transport.TIOCM_RTS); err != nil {
			return 0, err
		}
	}
	return in, nil
}

func (l *serialBitBangLink) Close() error {
	_ = l.LeaveProgramming()
	return l.port.Close()
}

func openLink(spec string, params transport.OpenParams) (link, error) {
	ps, err := transport.ParsePortSpec(spec)
	if err != nil {
		return nil, err
	}
	switch ps.Kind {
	case transport.PortParallel:
		dev, err := transport.Open(spec, params)
		if err != nil {
			return nil, err
		}
		pp, ok := dev.(*transport.ParallelPort)
		if !ok {
			return nil, avrerr.New(avrerr.WrongMode, "parallel spec did not resolve to a ParallelPort", nil)
		}
		return newParallelLink(pp), nil
	case transport.PortSerial:
		bb, err := transport.OpenBitBang(ps.Path)
		if err != nil {
			return nil, err
		}
		return newSerialBitBangLink(bb), nil
	default:
		return nil, avrerr.New(avrerr.Unsupported, "isp engine needs a parallel, serial-bitbang, or spi port spec", nil)
	}
}

// OpenSPI opens the spidev-backed ISP link directly, bypassing
// transport.Open since spibang isn't one of the three PortKind variants
// (it has no vid/pid/serial addressing, only a device path and a GPIO
// reset line name).
func OpenSPI(cfg spibang.Config) (link, error) {
	l, err := spibang.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &spiLink{Link: l}, nil
}
