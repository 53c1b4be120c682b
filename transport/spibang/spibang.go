// Package spibang is the SPI-backed ISP link: a spidev-connected
// programmer wired directly to the target's SPI pins (MOSI/MISO/SCK)
// with a GPIO line driving RESET, used by engine/isp when the host has
// a native SPI controller instead of a bit-banged parallel port.
package spibang

import (
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/avr-go/avrprog/internal/avrerr"
)

// Link is the four-byte transaction primitive the ISP bit-serial
// engine drives (spec §6.4): each call clocks out exactly one 4-byte
// ISP opcode and clocks in the target's 4-byte response.
type Link struct {
	conn  spi.Conn
	reset gpio.PinIO
	port  spi.PortCloser
}

// Config selects the spidev path, clock speed and the GPIO line used
// for RESET. AVR ISP clocks at or below 1/4 of the target's clock;
// a zero Speed selects 200 kHz.
type Config struct {
	Path      string // e.g. "/dev/spidev0.0", or "" to let spireg pick the default port
	Speed     physic.Frequency
	ResetName string // periph.io pin name, e.g. "GPIO25"
}

var hostInitialized bool

// Open claims an SPI port and a GPIO line for RESET, and drives RESET
// high (target held in reset) until LeaveProgramming or Close drives
// it low.
func Open(cfg Config) (*Link, error) {
	if !hostInitialized {
		if _, err := host.Init(); err != nil {
			return nil, avrerr.New(avrerr.IoFailure, "periph host init", err)
		}
		hostInitialized = true
	}

	port, err := spireg.Open(cfg.Path)
	if err != nil {
		return nil, avrerr.New(avrerr.NotFound, "open spi port "+cfg.Path, err)
	}
	speed := cfg.Speed
	if speed == 0 {
		speed = 200 * physic.KiloHertz
	}
	conn, err := port.Connect(speed, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, avrerr.New(avrerr.IoFailure, "spi connect", err)
	}

	resetPin := gpio.INVALID
	if cfg.ResetName != "" {
		p := gpioreg.ByName(cfg.ResetName)
		if p == nil {
			port.Close()
			return nil, avrerr.New(avrerr.NotFound, "reset pin "+cfg.ResetName+" not found", nil)
		}
		if err := p.Out(gpio.High); err != nil {
			port.Close()
			return nil, avrerr.New(avrerr.IoFailure, "assert reset", err)
		}
		resetPin = p
	}

	return &Link{conn: conn, reset: resetPin, port: port}, nil
}

// EnterProgramming asserts RESET, waits the settle time, then
// releases the SPI clock idle state — the ISP entry sequence the
// bit-serial engine expects from any link implementation.
func (l *Link) EnterProgramming() error {
	if l.reset == gpio.INVALID {
		return nil
	}
	if err := l.reset.Out(gpio.High); err != nil {
		return avrerr.New(avrerr.IoFailure, "assert reset", err)
	}
	time.Sleep(20 * time.Millisecond)
	return nil
}

// LeaveProgramming releases RESET so the target resumes normal
// execution.
func (l *Link) LeaveProgramming() error {
	if l.reset == gpio.INVALID {
		return nil
	}
	return l.reset.Out(gpio.Low)
}

// Transact clocks out opcode and returns the target's 4-byte reply,
// per spec §6.4's bit-exact opcode contract.
func (l *Link) Transact(opcode [4]byte) ([4]byte, error) {
	var reply [4]byte
	if err := l.conn.Tx(opcode[:], reply[:]); err != nil {
		return reply, avrerr.New(avrerr.IoFailure, "spi transact", err)
	}
	return reply, nil
}

func (l *Link) Close() error {
	if l.reset != gpio.INVALID {
		_ = l.reset.Out(gpio.Low)
	}
	if l.port != nil {
		return l.port.Close()
	}
	return nil
}
