package pickit

import "github.com/avr-go/avrprog/internal/avrerr"

var errShortReply = avrerr.New(avrerr.ShortRead, "reply shorter than fixed header", nil)

// errFromReplyCode classifies a reply's error code into the shared
// Kind taxonomy via avrerr.FromPICkitCode, returning nil for a
// zero/no-error code.
func errFromReplyCode(code uint32) error {
	if code == 0 {
		return nil
	}
	return avrerr.FromPICkitCode(int(code))
}
