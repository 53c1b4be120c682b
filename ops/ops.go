// Package ops implements the operations driver: the four top-level
// verbs (read, write, verify, erase) that page data through a
// programmer.Engine, independent of which engine or file format is
// in play.
package ops

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/avr-go/avrprog/fileio"
	"github.com/avr-go/avrprog/internal/avrerr"
	"github.com/avr-go/avrprog/internal/obslog"
	"github.com/avr-go/avrprog/internal/progress"
	"github.com/avr-go/avrprog/part"
	"github.com/avr-go/avrprog/programmer"
)

// Driver ties a session to a logger and a progress group; every
// top-level verb logs its outcome, and Read, Write and Verify each
// report a progress bar sized to the region.
type Driver struct {
	session *programmer.Session
	log     *obslog.Logger
	bars    *progress.Group
}

func NewDriver(session *programmer.Session, log *obslog.Logger, bars *progress.Group) *Driver {
	return &Driver{session: session, log: log, bars: bars}
}

// VerifyResult reports the outcome of Verify: Match is false iff a
// byte-wise mismatch was found, in which case MismatchAddr and
// MismatchGot/MismatchWant are populated.
type VerifyResult struct {
	Match         bool
	MismatchAddr  uint32
	MismatchWant  byte
	MismatchGot   byte
}

// Read fills region.Size bytes (0xFF-padded) by repeated PagedLoad
// calls and writes the result through dst.
func (d *Driver) Read(p *part.Part, region *part.MemoryRegion, dst fileio.Writer) error {
	buf := make([]byte, region.Size)
	for i := range buf {
		buf[i] = 0xFF
	}

	bar := d.bars.Region(region.Name+" read", int64(region.Size))
	defer bar.Abort()

	readSize := int(region.ReadSize)
	if readSize == 0 {
		readSize = int(region.Size)
	}
	cursor := uint32(0)
	for cursor < region.Size {
		chunk := readSize
		if remaining := region.Size - cursor; uint32(chunk) > remaining {
			chunk = int(remaining)
		}
		data, err := d.session.Engine().PagedLoad(p, region, cursor, chunk)
		if err != nil {
			d.log.Error("read failed", zap.String("region", region.Name), zap.Uint32("addr", cursor), zap.Error(err))
			return err
		}
		copy(buf[cursor:], data)
		cursor += uint32(chunk)
		bar.IncrBy(chunk)
	}
	d.log.Notice("read complete", zap.String("region", region.Name), zap.Uint32("bytes", region.Size))
	return dst.WriteFrom(buf, region.Offset)
}

// Write reads region.Size bytes (0xFF-padded) from src, then issues
// PagedWrite per page, eliding any page that is entirely 0xFF on
// flash memories (spec §4.7).
func (d *Driver) Write(p *part.Part, region *part.MemoryRegion, src fileio.Reader) (int, error) {
	buf := make([]byte, region.Size)
	for i := range buf {
		buf[i] = 0xFF
	}
	if _, err := src.ReadInto(buf, region.Offset); err != nil {
		return 0, err
	}

	pageSize := int(region.PageSize)
	if pageSize == 0 {
		pageSize = int(region.Size)
	}
	bar := d.bars.Region(region.Name+" write", int64(region.Size))
	defer bar.Abort()

	written := 0
	for off := 0; off < len(buf); off += pageSize {
		end := off + pageSize
		if end > len(buf) {
			end = len(buf)
		}
		page := buf[off:end]
		if region.IsInFlash() && allFF(page) {
			bar.IncrBy(len(page))
			continue
		}
		n, err := d.session.Engine().PagedWrite(p, region, uint32(off), page)
		if err != nil {
			d.log.Error("write failed", zap.String("region", region.Name), zap.Int("addr", off), zap.Error(err))
			return written, err
		}
		written += n
		bar.IncrBy(len(page))
	}
	d.log.Notice("write complete", zap.String("region", region.Name), zap.Int("bytes", written))
	return written, nil
}

// Verify reads region back into a scratch buffer and compares it
// byte-wise against want, reporting the first mismatch.
func (d *Driver) Verify(p *part.Part, region *part.MemoryRegion, want fileio.Reader) (VerifyResult, error) {
	wantBuf := make([]byte, region.Size)
	for i := range wantBuf {
		wantBuf[i] = 0xFF
	}
	if _, err := want.ReadInto(wantBuf, region.Offset); err != nil {
		return VerifyResult{}, err
	}

	gotBuf := make([]byte, region.Size)
	for i := range gotBuf {
		gotBuf[i] = 0xFF
	}
	bar := d.bars.Region(region.Name+" verify", int64(region.Size))
	defer bar.Abort()

	readSize := int(region.ReadSize)
	if readSize == 0 {
		readSize = int(region.Size)
	}
	cursor := uint32(0)
	for cursor < region.Size {
		chunk := readSize
		if remaining := region.Size - cursor; uint32(chunk) > remaining {
			chunk = int(remaining)
		}
		data, err := d.session.Engine().PagedLoad(p, region, cursor, chunk)
		if err != nil {
			return VerifyResult{}, err
		}
		copy(gotBuf[cursor:], data)
		cursor += uint32(chunk)
		bar.IncrBy(chunk)
	}

	if bytes.Equal(gotBuf, wantBuf) {
		d.log.Notice("verify ok", zap.String("region", region.Name))
		return VerifyResult{Match: true}, nil
	}
	for i := range gotBuf {
		if gotBuf[i] != wantBuf[i] {
			d.log.Warning("verify mismatch", zap.String("region", region.Name), zap.Int("addr", i), zap.Uint8("want", wantBuf[i]), zap.Uint8("got", gotBuf[i]))
			return VerifyResult{
				Match:        false,
				MismatchAddr: region.Offset + uint32(i),
				MismatchWant: wantBuf[i],
				MismatchGot:  gotBuf[i],
			}, nil
		}
	}
	return VerifyResult{}, avrerr.New(avrerr.WriteVerifyFailed, "mismatch detected but not located", nil)
}

// Erase issues a single chip erase.
func (d *Driver) Erase(p *part.Part) error {
	d.log.Notice("chip erase", zap.String("part", p.ID()))
	return d.session.Engine().ChipErase(p)
}

func allFF(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}
