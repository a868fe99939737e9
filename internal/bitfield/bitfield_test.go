package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMask(t *testing.T) {
	tests := []struct {
		msb, lsb uint
		want     uint64
	}{
		{7, 0, 0xff},
		{31, 20, 0xfff00000},
		{39, 12, 0xfffffff000},
		{63, 0, ^uint64(0)},
		{63, 60, 0xf000000000000000},
		{0, 0, 1},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, Mask(tt.msb, tt.lsb), "Mask(%d,%d)", tt.msb, tt.lsb)
	}
}

func TestRegisterGetSet(t *testing.T) {
	hi := Range("hi", 15, 8)
	lo := Range("lo", 7, 0)
	r := New(0x1234, hi, lo)

	assert.Equal(t, uint64(0x12), r.Get(hi))
	assert.Equal(t, uint64(0x34), r.Get(lo))

	r.Set(hi, 0xab)
	assert.Equal(t, uint64(0xab34), r.Value())

	// wider than the field: only the low 8 bits land
	r.Set(lo, 0x1ff)
	assert.Equal(t, uint64(0xabff), r.Value())
}

func TestRegisterEqual(t *testing.T) {
	f := Range("f", 3, 0)
	a := New(0xf5, f)
	b := New(0x05, f)
	assert.True(t, a.Equal(b), "bits outside the declared fields are ignored")

	c := New(0x06, f)
	assert.False(t, a.Equal(c))

	d := New(0x05, f, Bit("x", 7))
	assert.False(t, b.Equal(d), "different field sets")

	var nilReg *Register
	assert.False(t, a.Equal(nilReg))
}

func TestRegisterString(t *testing.T) {
	r := New(0x3, Bit("valid", 0), Range("type", 1, 0))
	assert.Equal(t, "value: 0x3 {type[1:0]=>0x3, valid[0:0]=>0x1}", r.String())
}

func TestRangePanicsOnInvertedBounds(t *testing.T) {
	assert.Panics(t, func() { Range("bad", 1, 4) })
}
