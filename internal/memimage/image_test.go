package memimage

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func twoSegments(t *testing.T) *Image {
	t.Helper()
	im, err := New([]Segment{
		{Name: "hi", Start: 0x3000, End: 0x4000, Data: fill(0x1000, 0xbb)},
		{Name: "lo", Start: 0x1000, End: 0x2000, Data: fill(0x1000, 0xaa)},
	})
	require.NoError(t, err)
	return im
}

func TestReadPhysical(t *testing.T) {
	im := twoSegments(t)

	tests := []struct {
		name string
		addr uint64
		n    uint64
		ok   bool
		want byte
	}{
		{"whole first segment", 0x1000, 0x1000, true, 0xaa},
		{"inside second segment", 0x3100, 0x10, true, 0xbb},
		{"straddles gap", 0x1f00, 0x200, false, 0},
		{"starts in gap", 0x2800, 4, false, 0},
		{"past last segment", 0x3ffc, 8, false, 0},
		{"below first segment", 0x0ff0, 4, false, 0},
		{"zero length inside", 0x1004, 0, true, 0},
		{"overflowing length", 0x1000, ^uint64(0), false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, ok := im.ReadPhysical(tt.addr, tt.n)
			require.Equal(t, tt.ok, ok)
			if !ok {
				assert.Nil(t, b)
				return
			}
			require.Len(t, b, int(tt.n))
			for _, c := range b {
				assert.Equal(t, tt.want, c)
			}
		})
	}
}

func TestAdjacentSegmentsDoNotJoin(t *testing.T) {
	im, err := New([]Segment{
		{Name: "a", Start: 0x0, End: 0x10, Data: fill(0x10, 1)},
		{Name: "b", Start: 0x10, End: 0x20, Data: fill(0x10, 2)},
	})
	require.NoError(t, err)

	_, ok := im.ReadPhysical(0xc, 8)
	assert.False(t, ok)
	v, ok := im.ReadU32(0x10)
	require.True(t, ok)
	assert.Equal(t, uint32(0x02020202), v)
}

func TestReadIntegersLittleEndian(t *testing.T) {
	data := []byte{0x78, 0x56, 0x34, 0x12, 0xf0, 0xde, 0xbc, 0x9a}
	im, err := New([]Segment{{Name: "s", Start: 0x80000000, End: 0x80000008, Data: data}})
	require.NoError(t, err)

	u8, ok := im.ReadU8(0x80000000)
	require.True(t, ok)
	assert.Equal(t, uint8(0x78), u8)

	u16, ok := im.ReadU16(0x80000000)
	require.True(t, ok)
	assert.Equal(t, uint16(0x5678), u16)

	u32, ok := im.ReadU32(0x80000004)
	require.True(t, ok)
	assert.Equal(t, uint32(0x9abcdef0), u32)

	u64, ok := im.ReadU64(0x80000000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x9abcdef012345678), u64)

	_, ok = im.ReadU64(0x80000004)
	assert.False(t, ok)
}

func TestNewRejectsBadLayouts(t *testing.T) {
	tests := []struct {
		name string
		segs []Segment
	}{
		{"no segments", nil},
		{"overlap", []Segment{
			{Name: "a", Start: 0x0, End: 0x20, Data: fill(0x20, 0)},
			{Name: "b", Start: 0x10, End: 0x30, Data: fill(0x20, 0)},
		}},
		{"size mismatch", []Segment{{Name: "a", Start: 0x0, End: 0x20, Data: fill(0x10, 0)}}},
		{"empty range", []Segment{{Name: "a", Start: 0x10, End: 0x10}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.segs)
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dump/DDRCS0.BIN", fill(0x2000, 0x11), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/dump/OCIMEM.BIN", fill(0x100, 0x22), 0o644))

	im, err := Load(fs, []Spec{
		{File: "/dump/DDRCS0.BIN", Start: 0x80000000, End: 0x80001000},
		{File: "/dump/OCIMEM.BIN", Start: 0x14680000},
	})
	require.NoError(t, err)
	defer im.Close()

	segs := im.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, "OCIMEM.BIN", segs[0].Name)
	assert.Equal(t, uint64(0x14680100), segs[0].End)
	assert.Equal(t, uint64(0x1100), im.Size())

	b, ok := im.ReadU8(0x80000fff)
	require.True(t, ok)
	assert.Equal(t, uint8(0x11), b)
	assert.False(t, im.Contains(0x80001000))
}

func TestLoadShortFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "short.bin", fill(0x10, 0), 0o644))

	_, err := Load(fs, []Spec{{File: "short.bin", Start: 0, End: 0x100}})
	assert.ErrorContains(t, err, "range needs")

	_, err = Load(fs, []Spec{{File: "missing.bin", Start: 0}})
	assert.Error(t, err)
}
