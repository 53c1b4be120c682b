package fileio

import (
	"os"

	"github.com/avr-go/avrprog/internal/avrerr"
)

// Raw is the trivial binary passthrough: the file's bytes map
// directly onto the region buffer from its start; base is ignored. No framing, no
// checksum — the base case every other image format builds on.
type Raw struct {
	Path string
}

func NewRaw(path string) *Raw {
	return &Raw{Path: path}
}

func (r *Raw) ReadInto(buf []byte, base uint32) (int, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return 0, avrerr.New(avrerr.NotFound, "open "+r.Path, err)
	}
	defer f.Close()
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return 0, avrerr.New(avrerr.IoFailure, "read "+r.Path, err)
	}
	_ = base // raw images have no internal addressing; base only matters for hex/srec
	return n, nil
}

func (r *Raw) WriteFrom(buf []byte, base uint32) error {
	f, err := os.Create(r.Path)
	if err != nil {
		return avrerr.New(avrerr.IoFailure, "create "+r.Path, err)
	}
	defer f.Close()
	_ = base
	if _, err := f.Write(buf); err != nil {
		return avrerr.New(avrerr.IoFailure, "write "+r.Path, err)
	}
	return nil
}
