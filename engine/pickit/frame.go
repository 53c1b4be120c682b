package pickit

import "encoding/binary"

// Frame type tags (spec §3.1). Values are little-endian u32s on the
// wire; the unusual-looking constants for upload/download come
// straight from the normative layout, not a typo. Naming is from the
// device's point of view: an UPLOAD moves N bytes from the target's
// data-IN to the host (a read), a DOWNLOAD moves N bytes from the
// host to the target's data-OUT (a write).
const (
	TypeCmd        uint32 = 0x00000100
	TypeUpload     uint32 = 0x80000102
	TypeDownload   uint32 = 0x0C000101
	TypeScriptDone uint32 = 0x00000103
	TypeStatusKey  uint32 = 0x00000105
)

const preambleLen = 24

// Frame is one PICkit command/response unit: a 24-byte preamble
// followed by parameter bytes, script bytes, and (for a DOWNLOAD
// carrying a page to write) the raw payload bytes (spec §3.1). Data is
// empty for every CMD/UPLOAD frame; the payload length is derived from it
// rather than set independently, so callers never need to keep the
// two in sync by hand.
type Frame struct {
	Type   uint32
	Params []byte
	Script []byte
	Data   []byte
}

// Build encodes the frame's 24-byte preamble followed by its
// parameter, script and payload bytes, per spec §3.1 and the worked
// example in §8 scenario 3.
func (f Frame) Build() []byte {
	total := preambleLen + len(f.Params) + len(f.Script) + len(f.Data)
	out := make([]byte, total)
	binary.LittleEndian.PutUint32(out[0:4], f.Type)
	binary.LittleEndian.PutUint32(out[4:8], 0)
	binary.LittleEndian.PutUint32(out[8:12], uint32(total))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(f.Data)))
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(f.Params)))
	binary.LittleEndian.PutUint32(out[20:24], uint32(len(f.Script)))
	off := preambleLen
	copy(out[off:off+len(f.Params)], f.Params)
	off += len(f.Params)
	copy(out[off:off+len(f.Script)], f.Script)
	off += len(f.Script)
	copy(out[off:], f.Data)
	return out
}

// ScriptDoneFrame builds the fixed 16-byte SCRIPT_DONE command: type,
// reserved, a total length of 16, and a zero payload length — no
// parameter/script length fields at all, distinct from the general
// 24-byte preamble (spec §8's "for script-done frames, total length
// is 16 and payload length is 0").
func ScriptDoneFrame() []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint32(out[0:4], TypeScriptDone)
	binary.LittleEndian.PutUint32(out[4:8], 0)
	binary.LittleEndian.PutUint32(out[8:12], 16)
	binary.LittleEndian.PutUint32(out[12:16], 0)
	return out
}

// Reply is a parsed response preamble: every reply's first u32 MUST
// be 0x0D, and the error code lives at byte offset 16 (spec §4.4.2).
type Reply struct {
	Magic     uint32
	ErrorCode uint32
	Raw       []byte
}

const replyMagic uint32 = 0x0000000D

// ParseReply validates and decodes a reply's fixed header. buf must
// be at least 20 bytes (through the error-code field).
func ParseReply(buf []byte) (Reply, error) {
	if len(buf) < 20 {
		return Reply{}, errShortReply
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	code := binary.LittleEndian.Uint32(buf[16:20])
	return Reply{Magic: magic, ErrorCode: code, Raw: buf}, nil
}

// OK reports whether the reply carries the expected magic and a
// zero error code.
func (r Reply) OK() bool {
	return r.Magic == replyMagic && r.ErrorCode == 0
}
