// Package avrerr defines the error kinds shared by every transport and
// programmer engine. It generalizes the wrap/unwrap shape of a plain
// Go error with the Kind taxonomy the programmer contract reports
// against, so callers can branch on Kind without parsing messages.
package avrerr

import "fmt"

// Kind classifies an error into one of the families the operations
// driver knows how to react to: continue to the next region, abort the
// session, or surface a sticky per-session condition.
type Kind string

const (
	// Transport-level faults. The engine never sees these directly
	// without classifying them first.
	NotFound   Kind = "transport.not_found"
	IoFailure  Kind = "transport.io_failure"
	Timeout    Kind = "transport.timeout"
	ShortRead  Kind = "transport.short_read"
	ShortWrite Kind = "transport.short_write"

	// Protocol-level faults, raised by an engine's framing layer.
	BadResponse      Kind = "protocol.bad_response"
	BadChecksum      Kind = "protocol.bad_checksum"
	UnexpectedLength Kind = "protocol.unexpected_length"
	FramingError     Kind = "protocol.framing_error"

	// Device-level faults.
	NotResponding   Kind = "device.not_responding"
	DeviceLocked    Kind = "device.locked"
	WrongMode       Kind = "device.wrong_mode"
	BadSignature    Kind = "device.bad_signature"
	PowerOutOfRange Kind = "device.power_out_of_range"

	// Operation-level faults, raised by the operations driver or an
	// engine's memory dispatch.
	Unsupported        Kind = "operation.unsupported"
	InvalidAddress     Kind = "operation.invalid_address"
	InvalidSize        Kind = "operation.invalid_size"
	InvalidMemory      Kind = "operation.invalid_memory"
	WriteVerifyFailed  Kind = "operation.write_verify_failed"
	OperationTimeout   Kind = "operation.timeout"

	// Fatal: the session cannot continue without user intervention.
	PowerCycleRequired Kind = "fatal.power_cycle_required"
	Recovered          Kind = "fatal.recovered"

	UserAbort Kind = "user_abort"
)

// Err is the concrete error type every package in this module returns.
// It mirrors the teacher's {msg, err} wrapping shape and adds Kind plus
// an optional PICkit numeric reply code for engines that decode one.
type Err struct {
	Kind Kind
	Msg  string
	Err  error

	// PICkitCode is non-zero when this error originated from decoding
	// a PICkit reply-code byte (spec §7). Zero for every other engine.
	PICkitCode int
}

func (e *Err) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.PICkitCode != 0 {
		msg = fmt.Sprintf("%s (pickit code 0x%02X: %s)", msg, e.PICkitCode, PICkitCodeString(e.PICkitCode))
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Err) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, avrerr.Sentinel(kind)) match by Kind alone.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Err with the given kind, optional message and
// optional wrapped cause.
func New(kind Kind, msg string, cause error) *Err {
	return &Err{Kind: kind, Msg: msg, Err: cause}
}

// Sentinel builds a bare *Err suitable only for errors.Is comparisons
// (e.g. errors.Is(err, avrerr.Sentinel(avrerr.DeviceLocked))).
func Sentinel(kind Kind) *Err {
	return &Err{Kind: kind}
}

// FromPICkitCode builds an *Err for a decoded PICkit reply code,
// classifying it into the shared Kind taxonomy.
func FromPICkitCode(code int) *Err {
	kind := Unsupported
	switch code {
	case 0x00:
		return nil
	case 0x20, 0x22:
		kind = NotResponding
	case 0x44:
		kind = DeviceLocked
	case 0x51:
		kind = NotResponding
	case 0x52, 0x53, 0x54:
		kind = PowerOutOfRange
	case 0x70, 0x71:
		kind = IoFailure
	case 0x90, 0x91:
		kind = Unsupported
	case 0x10:
		kind = NotResponding
	}
	return &Err{Kind: kind, Msg: PICkitCodeString(code), PICkitCode: code}
}

// pickitCodes is the normative table from spec §7, §4.4.2. An engine
// MUST accept any code not listed here too; PICkitCodeString falls back to a
// hex rendering so unknown codes are still surfaced to the user.
var pickitCodes = map[int]string{
	0x00: "NoError",
	0x10: "DwPhy",
	0x20: "NoDeviceFound",
	0x22: "NoTargetPower",
	0x44: "OcdLocked",
	0x51: "NoResponseCheckConnections",
	0x52: "NoVoutSet",
	0x53: "VoutError",
	0x54: "VtgTooLowForFeature",
	0x70: "ReadError",
	0x71: "WriteError",
	0x90: "NotSupported",
	0x91: "NotImplemented",
}

// PICkitCodeString renders a PICkit reply code per the §7 table,
// falling back to a hex form for codes not in the normative excerpt.
func PICkitCodeString(code int) string {
	if s, ok := pickitCodes[code]; ok {
		return s
	}
	return fmt.Sprintf("Unknown(0x%02X)", code)
}
