package mmu

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"ramparse/internal/memimage"
)

// physMem is a single writable segment used to lay out page tables.
type physMem struct {
	base uint64
	buf  []byte
}

func newPhysMem(base, size uint64) *physMem {
	return &physMem{base: base, buf: make([]byte, size)}
}

func (m *physMem) put32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(m.buf[addr-m.base:], v)
}

func (m *physMem) put64(addr uint64, v uint64) {
	binary.LittleEndian.PutUint64(m.buf[addr-m.base:], v)
}

// image shares buf, so later puts are visible through the image.
func (m *physMem) image(t *testing.T) *memimage.Image {
	t.Helper()
	im, err := memimage.New([]memimage.Segment{{
		Name:  "ddr",
		Start: m.base,
		End:   m.base + uint64(len(m.buf)),
		Data:  m.buf,
	}})
	require.NoError(t, err)
	return im
}

func collect(t *testing.T, tr Translator) []Mapping {
	t.Helper()
	var out []Mapping
	require.NoError(t, tr.Walk(func(m Mapping) bool {
		out = append(out, m)
		return true
	}))
	return out
}
