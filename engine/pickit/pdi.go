package pickit

import (
	"github.com/avr-go/avrprog/internal/avrerr"
)

// xmega PDI NVM controller command codes and status bit (spec
// §4.4.4). NVM_CMD write-page-and-erase is the single-step
// "erase-and-write" variant so the micro-script doesn't need a
// separate erase pass per page.
const (
	pdiNvmCmdWritePage uint16 = 0x17
	pdiNvmStatusBusy   uint16 = 0x80
	pdiNvmPollBound           = 100
)

// pdiWriteFlashPage implements the xmega PDI flash-write micro-script
// of spec §4.4.4: set the NVM command register, load the page buffer
// over a repeat-counted exchange, trigger the erase-and-write, then
// poll the NVM status register's busy bit bounded at 100 iterations.
func (e *Engine) pdiWriteFlashPage(addr uint32, data []byte) error {
	if err := e.pdiSetNvmCommand(pdiNvmCmdWritePage); err != nil {
		return err
	}
	if err := e.pdiLoadPageBuffer(addr, data); err != nil {
		return err
	}
	if err := e.pdiTriggerWrite(addr); err != nil {
		return err
	}
	return e.pdiPollBusy()
}

// pdiExchange issues one CMD frame against the PdiNvmProgram script
// carrying a sub-command opcode and an address/data parameter block,
// returning the 16-bit status word the controller echoes back.
func (e *Engine) pdiExchange(opcode uint16, params []byte) (uint16, error) {
	script, ok := e.scripts[SlotPdiNvmProgram]
	if !ok {
		return 0, avrerr.New(avrerr.Unsupported, "no PdiNvmProgram script bound", nil)
	}
	full := make([]byte, 2+len(params))
	full[0] = byte(opcode)
	full[1] = byte(opcode >> 8)
	copy(full[2:], params)
	frame := Frame{Type: TypeCmd, Params: full, Script: script}.Build()
	if err := e.dev.Send(frame); err != nil {
		return 0, avrerr.New(avrerr.IoFailure, "pdi nvm program send", err)
	}
	buf := make([]byte, 22)
	n, err := e.dev.Recv(buf)
	if err != nil {
		return 0, avrerr.New(avrerr.IoFailure, "pdi nvm program recv", err)
	}
	if n < 22 {
		return 0, errShortReply
	}
	reply, err := ParseReply(buf[:20])
	if err != nil {
		return 0, err
	}
	if !reply.OK() {
		return 0, errFromReplyCode(reply.ErrorCode)
	}
	return uint16(buf[20]) | uint16(buf[21])<<8, nil
}

// pdiSetNvmCommand writes the NVM controller's CMD register.
func (e *Engine) pdiSetNvmCommand(cmd uint16) error {
	_, err := e.pdiExchange(0x0001, []byte{byte(cmd)})
	return err
}

// pdiLoadPageBuffer loads data into the flash page buffer a word at a
// time, starting at addr, using a repeat-counted exchange so the
// micro-script doesn't round-trip once per byte.
func (e *Engine) pdiLoadPageBuffer(addr uint32, data []byte) error {
	params := make([]byte, 4+1+len(data))
	params[0] = byte(addr)
	params[1] = byte(addr >> 8)
	params[2] = byte(addr >> 16)
	params[3] = byte(addr >> 24)
	params[4] = byte(len(data))
	copy(params[5:], data)
	_, err := e.pdiExchange(0x0002, params)
	return err
}

// pdiTriggerWrite issues the erase-and-write trigger at addr.
func (e *Engine) pdiTriggerWrite(addr uint32) error {
	params := []byte{byte(addr), byte(addr >> 8), byte(addr >> 16), byte(addr >> 24)}
	_, err := e.pdiExchange(0x0003, params)
	return err
}

// pdiPollBusy polls the NVM status register's busy bit (bit 7) until
// it clears, bounded at 100 iterations (spec §4.4.4).
func (e *Engine) pdiPollBusy() error {
	for i := 0; i < pdiNvmPollBound; i++ {
		status, err := e.pdiExchange(0x0004, nil)
		if err != nil {
			return err
		}
		if status&pdiNvmStatusBusy == 0 {
			return nil
		}
	}
	return avrerr.New(avrerr.OperationTimeout, "pdi flash write did not complete", nil)
}
