// Package disasm decodes the ARM and AArch64 instructions around a
// program counter for backtrace listings.
package disasm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
)

// Inst is a simplified decoded instruction.
type Inst struct {
	VA   uint64  // virtual address of instruction
	Text string  // GNU syntax disassembly
	Op   string  // mnemonic in lowercase
	Raw  [4]byte // raw encoding
}

// Stream is a linear sequence of instructions.
type Stream []Inst

// Decode disassembles code loaded at va. Words that do not decode are kept
// as .word directives so addresses stay aligned.
func Decode(arm64 bool, va uint64, code []byte) Stream {
	out := make(Stream, 0, len(code)/4)
	for i := 0; i+4 <= len(code); i += 4 {
		in := Inst{VA: va + uint64(i)}
		copy(in.Raw[:], code[i:i+4])
		if arm64 {
			if d, err := arm64asm.Decode(code[i : i+4]); err == nil {
				in.Text, in.Op = arm64asm.GNUSyntax(d), strings.ToLower(d.Op.String())
			}
		} else {
			if d, err := armasm.Decode(code[i:i+4], armasm.ModeARM); err == nil {
				in.Text, in.Op = armasm.GNUSyntax(d), strings.ToLower(d.Op.String())
			}
		}
		if in.Text == "" {
			in.Text = fmt.Sprintf(".word 0x%08x", binary.LittleEndian.Uint32(in.Raw[:]))
			in.Op = ".word"
		}
		out = append(out, in)
	}
	return out
}

// Lines renders s one instruction per line, marking the one at mark.
func (s Stream) Lines(mark uint64) []string {
	lines := make([]string, len(s))
	for i, in := range s {
		arrow := "  "
		if in.VA == mark {
			arrow = "=>"
		}
		lines[i] = fmt.Sprintf("%s %x  %s", arrow, in.VA, in.Text)
	}
	return lines
}
