package fileio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIHexRoundTripPreservesBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.hex")

	want := make([]byte, 130)
	for i := range want {
		want[i] = byte(i * 7)
	}

	h := NewIHex(path)
	require.NoError(t, h.WriteFrom(want, 0))

	got := make([]byte, len(want))
	n, err := h.ReadInto(got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, want, got)
}

func TestIHexRoundTripAcrossExtendedLinearBoundary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.hex")

	const base = 0x10000 - 8
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	h := NewIHex(path)
	require.NoError(t, h.WriteFrom(want, base))

	got := make([]byte, len(want))
	n, err := h.ReadInto(got, base)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, want, got)
}

func TestIHexReadIntoRejectsBadChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.hex")
	require.NoError(t, os.WriteFile(path, []byte(":04000000DEADBEEF00\n:00000001FF\n"), 0o644))

	h := NewIHex(path)
	buf := make([]byte, 4)
	_, err := h.ReadInto(buf, 0)
	assert.Error(t, err)
}
