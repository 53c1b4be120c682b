// Package programmer defines the capability contract every engine
// (ISP, PICkit, Micronucleus, DFU) implements, and the guarded session
// that drives a programming run through it.
package programmer

import (
	"time"

	"github.com/avr-go/avrprog/internal/avrerr"
	"github.com/avr-go/avrprog/internal/avrctx"
	"github.com/avr-go/avrprog/part"
	"github.com/avr-go/avrprog/transport"
)

// Phase tracks where a session sits in the lifecycle of §3.3: a
// session moves forward through these states and Close folds back to
// Closed regardless of which phase it was interrupted in.
type Phase int

const (
	PhaseClosed Phase = iota
	PhaseOpen
	PhaseResponsive
	PhaseReady
	PhaseProgramming
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseOpen:
		return "open"
	case PhaseResponsive:
		return "responsive"
	case PhaseReady:
		return "ready"
	case PhaseProgramming:
		return "programming"
	default:
		return "unknown"
	}
}

// ExtParam is one engine-specific -x knob (spec §4.3 parse_ext_params,
// §6.2).
type ExtParam struct {
	Key   string
	Value string
	Help  bool
}

// Engine is the capability every programmer implementation provides.
// Where a capability doesn't apply to a given engine, the method
// returns an avrerr.Unsupported error — no engine needs to implement
// every corner of this contract with real behavior. The operations
// driver does not single that error out: it logs it and returns it
// like any other, ending the verb.
type Engine interface {
	// Name identifies the engine for logging ("pickit", "isp",
	// "micronucleus", "dfu").
	Name() string

	// Setup/Teardown allocate and release per-programmer state that
	// outlives any single Open/Close pair (e.g. a libusb context).
	Setup(cx *avrctx.Context) error
	Teardown() error

	// Open binds the engine to a transport device; Close releases it.
	// Close must be safe to call from any phase.
	Open(dev transport.Device) error
	Close() error

	// ParseExtParams applies engine-specific -x knobs (§4.3, §6.2).
	// Unknown keys are reported as avrerr.Unsupported, not silently
	// ignored, so a typo'd knob surfaces immediately.
	ParseExtParams(params []ExtParam) error

	// Initialize brings the engine from Responsive to Ready: clock
	// negotiation, power policy, signature/SIB read. Returns
	// avrerr.NotResponding if the target never syncs.
	Initialize(p *part.Part) error

	// Enable/Disable are the Ready<->Programming transitions.
	// Idempotent within a phase — calling Enable while already
	// Programming with the same part is a no-op, not an error.
	ProgramEnable(p *part.Part) error
	ProgramDisable(p *part.Part) error

	// ChipErase issues the engine's erase, waits chip_erase_delay, and
	// re-issues ProgramEnable (an erased device usually resets its
	// lock bits and needs renegotiation). Invalidates cached scalar
	// metadata.
	ChipErase(p *part.Part) error

	// PagedLoad/PagedWrite move n bytes at addr relative to the
	// region's base, in region.PageSize units for paged memories,
	// returning the byte count actually transferred. PagedWrite must
	// elide an all-0xFF source page instead of issuing a flash write.
	PagedLoad(p *part.Part, region *part.MemoryRegion, addr uint32, n int) ([]byte, error)
	PagedWrite(p *part.Part, region *part.MemoryRegion, addr uint32, data []byte) (int, error)

	ReadByte(p *part.Part, region *part.MemoryRegion, addr uint32) (byte, error)
	WriteByte(p *part.Part, region *part.MemoryRegion, addr uint32, v byte) error

	ReadSigBytes(p *part.Part) ([3]byte, error)
	ReadSIB(p *part.Part) ([32]byte, error)
	ReadChipRev(p *part.Part) (byte, error)

	// SetSCKPeriod negotiates the engine clock and returns the rate it
	// actually settled on, which may differ from the request.
	SetSCKPeriod(period time.Duration) (time.Duration, error)

	SetVTarget(volts float64) error
	GetVTarget() (float64, error)

	// PrintParms reports the engine's negotiated parameters (clock,
	// measured Vcc where it has one) to sink in the engine's own
	// format. No engine in this module reports a measured current.
	PrintParms(sink func(string))
}

// Session wraps an Engine with the guarded scope described in spec
// §9: regardless of how the scope is left (normal completion, error,
// panic recovery upstream), Close() always attempts EndProgramming
// before releasing the transport and, if the engine reported a
// target voltage, calls SetVTarget(0) before the transport goes away.
//
// Open question 1 is resolved here: EndProgramming is called whenever
// the session is at or past PhaseProgramming, unconditionally of how
// Close was reached. The power-off step runs when GetVTarget returned
// a non-zero reading right after ProgramEnable; that reading does not
// tell a programmer-supplied voltage from an external supply, so an
// externally powered target gets the SetVTarget(0) call too.
type Session struct {
	cx      *avrctx.Context
	engine  Engine
	part    *part.Part
	phase   Phase
	poweredVtarget bool
}

// NewSession constructs a session bound to engine; callers still call
// Open to bind a transport.
func NewSession(cx *avrctx.Context, engine Engine) *Session {
	return &Session{cx: cx, engine: engine, phase: PhaseClosed}
}

func (s *Session) Phase() Phase { return s.phase }

func (s *Session) Engine() Engine { return s.engine }

// Open binds dev and advances the session to PhaseOpen.
func (s *Session) Open(dev transport.Device) error {
	if s.phase != PhaseClosed {
		return avrerr.New(avrerr.WrongMode, "session already open", nil)
	}
	if err := s.engine.Open(dev); err != nil {
		return err
	}
	s.phase = PhaseOpen
	return nil
}

// Initialize advances Open -> Responsive -> Ready via the engine's
// own Initialize, which is responsible for the intermediate
// Responsive handshake (spec §4.4.1 for PICkit; other engines may
// fold Responsive and Ready together).
func (s *Session) Initialize(p *part.Part) error {
	if s.phase != PhaseOpen {
		return avrerr.New(avrerr.WrongMode, "session not open", nil)
	}
	s.phase = PhaseResponsive
	if err := s.engine.Initialize(p); err != nil {
		return err
	}
	s.part = p
	s.phase = PhaseReady
	return nil
}

// ProgramEnable advances Ready -> Programming. It is idempotent: if
// the session is already Programming against the same part, this is
// a no-op per the §4.3 contract.
func (s *Session) ProgramEnable() error {
	if s.phase == PhaseProgramming {
		return nil
	}
	if s.phase != PhaseReady {
		return avrerr.New(avrerr.WrongMode, "session not ready", nil)
	}
	if err := s.engine.ProgramEnable(s.part); err != nil {
		return err
	}
	s.phase = PhaseProgramming
	if v, err := s.engine.GetVTarget(); err == nil && v > 0 {
		s.poweredVtarget = true
	}
	return nil
}

// ProgramDisable folds Programming back to Ready.
func (s *Session) ProgramDisable() error {
	if s.phase != PhaseProgramming {
		return nil
	}
	err := s.engine.ProgramDisable(s.part)
	s.phase = PhaseReady
	return err
}

// Close unconditionally attempts EndProgramming when the session ever
// reached PhaseProgramming, calls SetVTarget(0) if GetVTarget read a
// non-zero voltage after ProgramEnable, then releases the transport. The first error
// encountered is returned but every step still runs.
func (s *Session) Close() error {
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if s.phase == PhaseProgramming {
		record(s.engine.ProgramDisable(s.part))
	}
	if s.poweredVtarget {
		record(s.engine.SetVTarget(0))
	}
	record(s.engine.Close())
	s.phase = PhaseClosed
	return first
}
