// Package avrctx carries the per-process state that the original tool
// kept in a global mutable "cx" struct: the logging sink, an
// interned-string cache for the small set of strings an engine reuses
// across a session (serial numbers, SIB text, firmware info), and a
// scratch buffer reused across USB enumeration attempts. One Context
// is created per programmer session and passed by pointer; the only
// other package-level mutable state in this module is spibang's
// one-time host-initialisation flag.
package avrctx

import "github.com/avr-go/avrprog/internal/obslog"

// Interner deduplicates short-lived strings an engine would otherwise
// allocate repeatedly (device serial numbers read on every retry,
// SIB text re-derived on every ReadSIB cache check).
type Interner struct {
	seen map[string]string
}

// NewInterner returns an empty Interner.
func NewInterner() *Interner {
	return &Interner{seen: make(map[string]string)}
}

// Intern returns the canonical copy of s, recording it on first sight.
func (c *Interner) Intern(s string) string {
	if v, ok := c.seen[s]; ok {
		return v
	}
	c.seen[s] = s
	return s
}

// Context bundles the resources an Engine needs that aren't part of
// its own per-session state: logging, string interning, and a reusable
// scratch buffer for USB control-transfer and enumeration calls so
// repeated retries don't churn allocations.
type Context struct {
	Log      *obslog.Logger
	Strings  *Interner
	usbBuf   []byte
}

// New builds a Context with the given logger (or obslog.Nop() if nil).
func New(log *obslog.Logger) *Context {
	if log == nil {
		log = obslog.Nop()
	}
	return &Context{
		Log:     log,
		Strings: NewInterner(),
		usbBuf:  make([]byte, 0, 512),
	}
}

// USBScratch returns a reusable byte buffer at least n bytes long. The
// buffer is invalidated by the next call to USBScratch; callers must
// not retain it past their own enumeration call.
func (c *Context) USBScratch(n int) []byte {
	if cap(c.usbBuf) < n {
		c.usbBuf = make([]byte, n)
	}
	return c.usbBuf[:n]
}
