package mmu

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramparse/internal/dumperr"
)

const (
	v7Root = 0x80004000
	v7L2   = 0x8000c000
)

func buildARMv7(t *testing.T) (*physMem, *ARMv7Short) {
	t.Helper()
	m := newPhysMem(0x80000000, 0x10000)

	// 1 MB section: 0xc00xxxxx -> 0x800xxxxx
	m.put32(v7Root+0xc00*4, 0x80000000|0x2|0xc00)
	// second-level table for 0xc01xxxxx
	m.put32(v7Root+0xc01*4, v7L2|0x1)
	m.put32(v7L2+0x05*4, 0x80123000|0x2)
	for j := uint64(0x10); j < 0x20; j++ {
		m.put32(v7L2+j*4, 0x80230000|0x1)
	}
	// supersection: 0xd0xxxxxx -> 0x2_81xxxxxx
	for i := uint64(0xd00); i < 0xd10; i++ {
		m.put32(v7Root+i*4, 0x81000000|0x2<<20|1<<18|0x2)
	}
	// reserved type
	m.put32(v7Root+0xe01*4, 0x3)

	tr, err := NewARMv7(m.image(t), v7Root)
	require.NoError(t, err)
	return m, tr
}

func TestARMv7Translate(t *testing.T) {
	_, tr := buildARMv7(t)

	tests := []struct {
		name string
		va   uint64
		pa   uint64
		size uint64
	}{
		{"section", 0xc0012345, 0x80012345, sectionSize},
		{"small page", 0xc0105abc, 0x80123abc, smallPageSize},
		{"large page", 0xc0111234, 0x80231234, largePageSize},
		{"large page last copy", 0xc011fffc, 0x8023fffc, largePageSize},
		{"supersection", 0xd0abcdef, 0x281abcdef, supersectionSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pa, ok := tr.VirtToPhys(tt.va, true)
			require.True(t, ok)
			assert.Equal(t, tt.pa, pa)

			m, err := tr.Translate(tt.va)
			require.NoError(t, err)
			assert.Equal(t, tt.size, m.Size)
			assert.Equal(t, tt.pa, m.Resolve(tt.va))
		})
	}
}

func TestARMv7Failures(t *testing.T) {
	_, tr := buildARMv7(t)

	_, err := tr.Translate(0xe0000000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dumperr.ErrUnavailable))
	var te *dumperr.TranslationError
	assert.False(t, errors.As(err, &te), "a fault is not a bad descriptor")

	_, err = tr.Translate(0xe0100000)
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 1, te.Level)

	// l2 fault inside a mapped table
	_, ok := tr.VirtToPhys(0xc0100000, true)
	assert.False(t, ok)

	_, ok = tr.VirtToPhys(0x1_0000_0000, true)
	assert.False(t, ok)
}

func TestARMv7RoundTrip(t *testing.T) {
	_, tr := buildARMv7(t)
	for off := uint64(0); off < smallPageSize; off += 0x3c {
		pa, ok := tr.VirtToPhys(0xc0105000+off, true)
		require.True(t, ok)
		assert.Equal(t, 0x80123000+off, pa)
	}
}

func TestARMv7Walk(t *testing.T) {
	_, tr := buildARMv7(t)
	ms := collect(t, tr)
	require.Len(t, ms, 4)

	assert.Equal(t, uint64(0xc0000000), ms[0].Virt)
	assert.Equal(t, Block, ms[0].Kind)

	assert.Equal(t, uint64(0xc0105000), ms[1].Virt)
	assert.Equal(t, uint64(smallPageSize), ms[1].Size)

	assert.Equal(t, uint64(0xc0110000), ms[2].Virt)
	assert.Equal(t, uint64(0x80230000), ms[2].Phys)
	assert.True(t, ms[2].Contiguous)

	assert.Equal(t, uint64(0xd0000000), ms[3].Virt)
	assert.Equal(t, uint64(0x281000000), ms[3].Phys)
	assert.Equal(t, uint64(supersectionSize), ms[3].Size)
}

func TestARMv7RootNotCaptured(t *testing.T) {
	m := newPhysMem(0x80000000, 0x1000)
	_, err := NewARMv7(m.image(t), 0x90000000)
	assert.Error(t, err)
}
