package disasm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeARM(t *testing.T) {
	// push {fp, lr}; mov r0, #1
	code := []byte{
		0x00, 0x48, 0x2d, 0xe9,
		0x01, 0x00, 0xa0, 0xe3,
	}
	s := Decode(false, 0xc0008000, code)
	require.Len(t, s, 2)
	assert.Equal(t, uint64(0xc0008004), s[1].VA)
	assert.Equal(t, "mov", s[1].Op)
	assert.Contains(t, strings.ToLower(s[1].Text), "r0")
	assert.Equal(t, [4]byte{0x01, 0x00, 0xa0, 0xe3}, s[1].Raw)
}

func TestDecodeARM64(t *testing.T) {
	// ret; nop
	code := []byte{0xc0, 0x03, 0x5f, 0xd6, 0x1f, 0x20, 0x03, 0xd5, 0xff}
	s := Decode(true, 0xffffff8008080000, code)
	require.Len(t, s, 2)
	assert.Equal(t, "ret", s[0].Op)
	assert.Equal(t, "nop", s[1].Op)

	lines := s.Lines(0xffffff8008080004)
	assert.True(t, strings.HasPrefix(lines[0], "   ffffff8008080000"))
	assert.True(t, strings.HasPrefix(lines[1], "=> ffffff8008080004"))
}
