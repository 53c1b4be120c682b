package pickit

import (
	"fmt"

	"github.com/avr-go/avrprog/internal/avrerr"
)

// SetVTarget drives the onboard regulator to volts, or forces power
// off when volts is 0 (used by Session.Close's de-energise step).
func (e *Engine) SetVTarget(volts float64) error {
	if volts == 0 {
		if err := e.forcePowerOff(); err != nil {
			return err
		}
		e.power = powerNone
		e.regulatedV = 0
		return nil
	}
	if err := e.setRegulator(volts); err != nil {
		return err
	}
	e.power = powerInternal
	e.regulatedV = volts
	return nil
}

// GetVTarget measures Vtarg afresh on every call. It reports
// avrerr.WrongMode if the engine has no open device.
func (e *Engine) GetVTarget() (float64, error) {
	if e.dev == nil {
		return 0, avrerr.New(avrerr.WrongMode, "engine not open", nil)
	}
	return e.readVtarg()
}

// PrintParms reports the negotiated clock and measured Vcc in the
// engine's own format, mirroring the "-p" diagnostic dump other
// engines implement against their own telemetry.
func (e *Engine) PrintParms(sink func(string)) {
	sink(fmt.Sprintf("Vtarg         : %.2f V", e.measuredVcc))
	sink(fmt.Sprintf("SCK period    : %d Hz", e.clock))
	if e.info.appVersion != "" {
		sink(fmt.Sprintf("Firmware      : %s", e.info.appVersion))
	}
	if e.info.serial != "" {
		sink(fmt.Sprintf("Serial number : %s", e.info.serial))
	}
}
