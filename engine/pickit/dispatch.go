package pickit

import (
	"encoding/binary"

	"github.com/avr-go/avrprog/internal/avrerr"
	"github.com/avr-go/avrprog/part"
)

// readSlotFor and writeSlotFor implement the per-memory dispatch table
// of spec §4.4.3: which script slot services a given region, keyed on
// its semantic Kind rather than its name.
func (e *Engine) readSlotFor(region *part.MemoryRegion) (Slot, bool) {
	switch region.Kind {
	case part.KindFlash, part.KindApplication, part.KindApptable:
		return SlotReadProgmem, e.scripts.has(SlotReadProgmem)
	case part.KindBoot:
		return SlotReadBootMem, e.scripts.has(SlotReadBootMem)
	case part.KindEEPROM:
		return SlotReadDataEEmem, e.scripts.has(SlotReadDataEEmem)
	case part.KindFuseI:
		return SlotReadConfigmemFuse, e.scripts.has(SlotReadConfigmemFuse)
	case part.KindLock:
		return SlotReadConfigmemLock, e.scripts.has(SlotReadConfigmemLock)
	case part.KindSIB:
		return SlotReadSIB, e.scripts.has(SlotReadSIB)
	case part.KindSignature:
		return SlotGetDeviceID, e.scripts.has(SlotGetDeviceID)
	case part.KindCalibration:
		return SlotReadCalibrationByte, e.scripts.has(SlotReadCalibrationByte)
	case part.KindSigrow, part.KindProdsig, part.KindSernum, part.KindTempsense:
		return SlotReadIDmem, e.scripts.has(SlotReadIDmem)
	default:
		return SlotReadMem8, e.scripts.has(SlotReadMem8)
	}
}

func (e *Engine) writeSlotFor(region *part.MemoryRegion) (Slot, bool) {
	switch region.Kind {
	case part.KindFlash, part.KindApplication, part.KindApptable:
		return SlotWriteProgmem, e.scripts.has(SlotWriteProgmem)
	case part.KindBoot:
		return SlotWriteBootMem, e.scripts.has(SlotWriteBootMem)
	case part.KindEEPROM:
		return SlotWriteDataEEmem, e.scripts.has(SlotWriteDataEEmem)
	case part.KindFuseI:
		return SlotWriteConfigmemFuse, e.scripts.has(SlotWriteConfigmemFuse)
	case part.KindLock:
		return SlotWriteConfigmemLock, e.scripts.has(SlotWriteConfigmemLock)
	case part.KindSigrow, part.KindProdsig, part.KindSernum, part.KindTempsense:
		return SlotWriteIDmem, e.scripts.has(SlotWriteIDmem)
	default:
		return SlotWriteMem8, e.scripts.has(SlotWriteMem8)
	}
}

// ProgramEnable runs the chosen EnterProgMode variant (plain, HV-on-
// UPDI, or HV-on-reset per selectEnterProgModeSlot) and caches the
// signature and, for UPDI parts, the SIB (spec §4.4.1 steps 7-8).
func (e *Engine) ProgramEnable(p *part.Part) error {
	if e.programming {
		return nil
	}
	slot := e.selectEnterProgModeSlot(p)
	if err := e.runEnterProgMode(slot); err != nil {
		return err
	}
	e.programming = true
	e.sigCached = false
	e.sibCached = false
	if _, err := e.ReadSigBytes(p); err != nil {
		e.log.Warning("signature read failed after entering programming mode")
	}
	if p.SupportsMode(part.ModeUPDI) {
		if _, err := e.ReadSIB(p); err != nil {
			e.log.Warning("sib read failed after entering programming mode")
		}
	}
	return nil
}

// ProgramDisable runs ExitProgMode, tolerating its absence: some
// script tables omit it for devices that reset cleanly on bus idle.
func (e *Engine) ProgramDisable(p *part.Part) error {
	e.programming = false
	if !e.scripts.has(SlotExitProgMode) {
		return nil
	}
	frame := Frame{Type: TypeCmd, Script: e.scripts[SlotExitProgMode]}.Build()
	if err := e.dev.Send(frame); err != nil {
		return avrerr.New(avrerr.IoFailure, "exit programming mode send", err)
	}
	buf := make([]byte, 64)
	n, err := e.dev.Recv(buf)
	if err != nil {
		return avrerr.New(avrerr.IoFailure, "exit programming mode recv", err)
	}
	reply, err := ParseReply(buf[:n])
	if err != nil {
		return err
	}
	if !reply.OK() {
		return errFromReplyCode(reply.ErrorCode)
	}
	return nil
}

// ChipErase runs EraseChip and invalidates the cached signature and
// SIB, then re-enters programming mode since an erase typically resets
// lock bits and some targets drop off the bus (spec programmer
// contract on ChipErase).
func (e *Engine) ChipErase(p *part.Part) error {
	script, ok := e.scripts[SlotEraseChip]
	if !ok {
		return avrerr.New(avrerr.Unsupported, "no EraseChip script for this part", nil)
	}
	frame := Frame{Type: TypeCmd, Script: script}.Build()
	if err := e.dev.Send(frame); err != nil {
		return avrerr.New(avrerr.IoFailure, "chip erase send", err)
	}
	buf := make([]byte, 64)
	n, err := e.dev.Recv(buf)
	if err != nil {
		return avrerr.New(avrerr.IoFailure, "chip erase recv", err)
	}
	reply, err := ParseReply(buf[:n])
	if err != nil {
		return err
	}
	if !reply.OK() {
		return errFromReplyCode(reply.ErrorCode)
	}
	e.sigCached = false
	e.sibCached = false
	return e.ProgramEnable(p)
}

// addrLenParams encodes a little-endian (address, length) pair, the
// UPLOAD/DOWNLOAD parameter shape used by every paged memory script.
func addrLenParams(addr uint32, n int) []byte {
	params := make([]byte, 8)
	binary.LittleEndian.PutUint32(params[0:4], addr)
	binary.LittleEndian.PutUint32(params[4:8], uint32(n))
	return params
}

// PagedLoad issues an UPLOAD frame (device-to-host, per spec §4.4.2's
// "N bytes from data-IN") and returns the n bytes of memory at addr
// relative to region's base, closing the transaction with SCRIPT_DONE.
// A calibration read with no bound script is served from the cached
// prodsig block instead; a fuse read with no bound script falls back
// to the mode's dedicated sub-protocol (spec §4.4.3, §4.4.4).
func (e *Engine) PagedLoad(p *part.Part, region *part.MemoryRegion, addr uint32, n int) ([]byte, error) {
	if region.Kind == part.KindCalibration && !e.scripts.has(SlotReadCalibrationByte) {
		return e.readCalibrationFromProdsig(p, region, addr, n)
	}
	slot, ok := e.readSlotFor(region)
	if !ok {
		if region.Kind == part.KindFuseI {
			return e.readFuseFallback(p, region, n)
		}
		return nil, avrerr.New(avrerr.Unsupported, "no read script for "+region.Name, nil)
	}
	frame := Frame{Type: TypeUpload, Params: addrLenParams(addr, n), Script: e.scripts[slot]}.Build()
	recv := e.dev.Recv
	send := e.dev.Send
	if e.bulk != nil {
		send = e.bulk.BulkSend
		recv = e.bulk.BulkRecv
	}
	if err := send(frame); err != nil {
		return nil, e.recover(p)
	}
	buf := make([]byte, 20+n)
	got := 0
	for got < len(buf) {
		k, err := recv(buf[got:])
		if err != nil {
			return nil, e.recover(p)
		}
		if k == 0 {
			break
		}
		got += k
	}
	if got < 20 {
		return nil, errShortReply
	}
	reply, err := ParseReply(buf[:20])
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return nil, errFromReplyCode(reply.ErrorCode)
	}
	if got < 20+n {
		return nil, avrerr.New(avrerr.ShortRead, "paged load returned fewer bytes than requested", nil)
	}
	if err := e.finishUpload(p); err != nil {
		return nil, err
	}
	return buf[20 : 20+n], nil
}

// PagedWrite issues a DOWNLOAD frame (host-to-device, per spec
// §4.4.2's "N bytes to data-OUT") carrying data as the frame payload,
// eliding an all-0xFF flash page outright rather than transacting a
// no-op write, and closing a real transaction with the STATUS_KEY +
// SCRIPT_DONE sequence. A flash write on xmega PDI/JTAG with no bound
// script runs the PDI NVM micro-script instead; a fuse write with no
// bound script falls back to the mode's dedicated sub-protocol (spec
// §4.4.4).
func (e *Engine) PagedWrite(p *part.Part, region *part.MemoryRegion, addr uint32, data []byte) (int, error) {
	if region.IsInFlash() && isAllFF(data) {
		return len(data), nil
	}
	slot, ok := e.writeSlotFor(region)
	if !ok {
		if region.IsInFlash() && (e.mode == part.ModePDI || e.mode == part.ModeXMegaJTAG) {
			if err := e.pdiWriteFlashPage(region.Offset+addr, data); err != nil {
				return 0, err
			}
			return len(data), nil
		}
		if region.Kind == part.KindFuseI {
			return e.writeFuseFallback(p, region, data)
		}
		return 0, avrerr.New(avrerr.Unsupported, "no write script for "+region.Name, nil)
	}
	frame := Frame{Type: TypeDownload, Params: addrLenParams(addr, len(data)), Script: e.scripts[slot], Data: data}.Build()
	send := e.dev.Send
	recv := e.dev.Recv
	if e.bulk != nil {
		send = e.bulk.BulkSend
		recv = e.bulk.BulkRecv
	}
	if err := send(frame); err != nil {
		return 0, e.recover(p)
	}
	buf := make([]byte, 64)
	n, err := recv(buf)
	if err != nil {
		return 0, e.recover(p)
	}
	if n < 20 {
		return 0, errShortReply
	}
	reply, err := ParseReply(buf[:n])
	if err != nil {
		return 0, err
	}
	if !reply.OK() {
		return 0, errFromReplyCode(reply.ErrorCode)
	}
	if err := e.finishDownload(p); err != nil {
		return 0, err
	}
	return len(data), nil
}

func isAllFF(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}

// ReadByte and WriteByte are single-byte conveniences built on top of
// PagedLoad/PagedWrite for callers (e.g. fuse editing) that don't want
// to round-trip a whole page.
func (e *Engine) ReadByte(p *part.Part, region *part.MemoryRegion, addr uint32) (byte, error) {
	data, err := e.PagedLoad(p, region, addr, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (e *Engine) WriteByte(p *part.Part, region *part.MemoryRegion, addr uint32, v byte) error {
	_, err := e.PagedWrite(p, region, addr, []byte{v})
	return err
}

// ReadSigBytes issues GetDeviceID and caches the result for the
// lifetime of the current programming-mode entry (spec's signature-
// caching testable property).
func (e *Engine) ReadSigBytes(p *part.Part) ([3]byte, error) {
	if e.sigCached {
		return e.sigCache, nil
	}
	script, ok := e.scripts[SlotGetDeviceID]
	if !ok {
		return [3]byte{}, avrerr.New(avrerr.Unsupported, "no GetDeviceID script for this part", nil)
	}
	frame := Frame{Type: TypeUpload, Params: addrLenParams(0, 3), Script: script}.Build()
	if err := e.dev.Send(frame); err != nil {
		return [3]byte{}, avrerr.New(avrerr.IoFailure, "get device id send", err)
	}
	buf := make([]byte, 23)
	n, err := e.dev.Recv(buf)
	if err != nil {
		return [3]byte{}, avrerr.New(avrerr.IoFailure, "get device id recv", err)
	}
	if n < 23 {
		return [3]byte{}, errShortReply
	}
	reply, err := ParseReply(buf[:20])
	if err != nil {
		return [3]byte{}, err
	}
	if !reply.OK() {
		return [3]byte{}, errFromReplyCode(reply.ErrorCode)
	}
	var sig [3]byte
	copy(sig[:], buf[20:23])
	if err := e.finishUpload(p); err != nil {
		return [3]byte{}, err
	}
	e.sigCache = sig
	e.sigCached = true
	if e.sigCache != p.ExpectedSignature {
		e.log.Warning("signature mismatch")
	}
	return e.sigCache, nil
}

// ReadSIB issues ReadSIB and caches the 32-byte system information
// block for the lifetime of the current programming-mode entry.
func (e *Engine) ReadSIB(p *part.Part) ([32]byte, error) {
	if e.sibCached {
		return e.sibCache, nil
	}
	script, ok := e.scripts[SlotReadSIB]
	if !ok {
		return [32]byte{}, avrerr.New(avrerr.Unsupported, "no ReadSIB script for this part", nil)
	}
	frame := Frame{Type: TypeUpload, Params: addrLenParams(0, 32), Script: script}.Build()
	if err := e.dev.Send(frame); err != nil {
		return [32]byte{}, avrerr.New(avrerr.IoFailure, "read sib send", err)
	}
	buf := make([]byte, 52)
	n, err := e.dev.Recv(buf)
	if err != nil {
		return [32]byte{}, avrerr.New(avrerr.IoFailure, "read sib recv", err)
	}
	if n < 52 {
		return [32]byte{}, errShortReply
	}
	reply, err := ParseReply(buf[:20])
	if err != nil {
		return [32]byte{}, err
	}
	if !reply.OK() {
		return [32]byte{}, errFromReplyCode(reply.ErrorCode)
	}
	var sib [32]byte
	copy(sib[:], buf[20:52])
	if err := e.finishUpload(p); err != nil {
		return [32]byte{}, err
	}
	e.sibCache = sib
	e.sibCached = true
	return e.sibCache, nil
}

// ReadChipRev reads the calibration/revision byte via
// ReadCalibrationByte where the script table offers one, else falls
// back to the first cached prodsig byte (spec §4.4.3).
func (e *Engine) ReadChipRev(p *part.Part) (byte, error) {
	script, ok := e.scripts[SlotReadCalibrationByte]
	if !ok {
		if err := e.ensureProdsig(p, 0, 1); err != nil {
			return 0, err
		}
		return e.prodsig[0], nil
	}
	frame := Frame{Type: TypeUpload, Params: addrLenParams(0, 1), Script: script}.Build()
	if err := e.dev.Send(frame); err != nil {
		return 0, avrerr.New(avrerr.IoFailure, "read chip rev send", err)
	}
	buf := make([]byte, 21)
	n, err := e.dev.Recv(buf)
	if err != nil {
		return 0, avrerr.New(avrerr.IoFailure, "read chip rev recv", err)
	}
	if n < 21 {
		return 0, errShortReply
	}
	reply, err := ParseReply(buf[:20])
	if err != nil {
		return 0, err
	}
	if !reply.OK() {
		return 0, errFromReplyCode(reply.ErrorCode)
	}
	v := buf[20]
	if err := e.finishUpload(p); err != nil {
		return 0, err
	}
	return v, nil
}
