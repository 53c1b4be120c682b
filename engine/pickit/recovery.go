package pickit

import (
	"github.com/avr-go/avrprog/internal/avrerr"
	"github.com/avr-go/avrprog/part"
)

// recover implements the transparent recovery sequence of spec §4.4.5:
// on a data-channel send/recv failure the engine issues script-done,
// leaves programming mode, re-enters it, and only then reports a
// retryable condition to the caller. Any step failing along the way
// escalates to a fatal power-cycle-required error instead.
func (e *Engine) recover(p *part.Part) error {
	if err := e.issueScriptDone(); err != nil {
		return avrerr.New(avrerr.PowerCycleRequired, "recovery: script-done failed", err)
	}
	if err := e.ProgramDisable(p); err != nil {
		return avrerr.New(avrerr.PowerCycleRequired, "recovery: exit programming mode failed", err)
	}
	if err := e.ProgramEnable(p); err != nil {
		return avrerr.New(avrerr.PowerCycleRequired, "recovery: re-enter programming mode failed", err)
	}
	return avrerr.New(avrerr.Recovered, "session recovered; retry requested", nil)
}

func (e *Engine) issueScriptDone() error {
	if err := e.dev.Send(ScriptDoneFrame()); err != nil {
		return err
	}
	buf := make([]byte, 16)
	_, err := e.dev.Recv(buf)
	return err
}

// finishUpload issues the closing SCRIPT_DONE cmd+response every
// successful UPLOAD transaction requires (spec §4.4.2). A failure
// here is itself a data-channel fault, so it hands off to the same
// transparent recovery sequence a send/recv error would.
func (e *Engine) finishUpload(p *part.Part) error {
	if err := e.issueScriptDone(); err != nil {
		return e.recover(p)
	}
	return nil
}

// finishDownload issues the closing STATUS_KEY query for
// "ERROR_STATUS_KEY" (expecting "NONE") followed by SCRIPT_DONE that
// every successful DOWNLOAD transaction requires (spec §4.4.2).
func (e *Engine) finishDownload(p *part.Part) error {
	if err := e.checkStatusKey(); err != nil {
		return e.recover(p)
	}
	return e.finishUpload(p)
}

// checkStatusKey queries "ERROR_STATUS_KEY" and confirms the target
// reports "NONE" before the caller proceeds to SCRIPT_DONE.
func (e *Engine) checkStatusKey() error {
	key := append([]byte("ERROR_STATUS_KEY"), 0)
	frame := Frame{Type: TypeStatusKey, Params: key}.Build()
	if err := e.dev.Send(frame); err != nil {
		return err
	}
	buf := make([]byte, 64)
	n, err := e.dev.Recv(buf)
	if err != nil {
		return err
	}
	if n < 20 {
		return errShortReply
	}
	reply, err := ParseReply(buf[:20])
	if err != nil {
		return err
	}
	if !reply.OK() {
		return errFromReplyCode(reply.ErrorCode)
	}
	if value := string(trimZero(buf[20:n])); value != "NONE" {
		return avrerr.New(avrerr.BadResponse, "status key ERROR_STATUS_KEY != NONE, got "+value, nil)
	}
	return nil
}
