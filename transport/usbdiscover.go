package transport

import "fmt"

// USBIdentity is the subset of USB descriptor fields the discovery
// paths in usb_bulk.go and usb_hid.go both need to log or report in
// errors, kept in one place so the two variants describe a device the
// same way.
type USBIdentity struct {
	VID, PID uint16
	Serial   string
	Bus      int
	Address  int
}

func (id USBIdentity) String() string {
	if id.Serial != "" {
		return fmt.Sprintf("usb %04x:%04x serial=%s", id.VID, id.PID, id.Serial)
	}
	return fmt.Sprintf("usb %04x:%04x bus=%d addr=%d", id.VID, id.PID, id.Bus, id.Address)
}

// matchesSpec reports whether id satisfies the selection fields of ps,
// applying the same precedence Open uses: vid+pid, then pid-only, then
// serial suffix, then bus:device, then "any".
func matchesSpec(id USBIdentity, ps PortSpec) bool {
	switch {
	case ps.HasVID && ps.HasPID:
		return id.VID == ps.VID && id.PID == ps.PID
	case ps.HasPID:
		return id.PID == ps.PID
	case ps.Serial != "":
		return hasSuffixRunes(id.Serial, ps.Serial)
	case ps.HasBusDevice:
		return id.Bus == ps.Bus && id.Address == ps.Device
	default:
		return true
	}
}

func hasSuffixRunes(a, b string) bool {
	if len(b) > len(a) {
		return false
	}
	return a[len(a)-len(b):] == b
}
