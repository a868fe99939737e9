package unwind

import (
	"log/slog"

	"github.com/pkg/errors"

	"ramparse/internal/bitfield"
)

// Core register numbers.
const (
	FP = 11
	SP = 13
	LR = 14
	PC = 15
)

// Opcode word headers of the compact personality routines.
var (
	personality = bitfield.Range("personality", 31, 24)
	extraWords  = bitfield.Range("words", 23, 16)
)

var errRefuse = errors.New("refuse to unwind")

// TableUnwinder steps through 32-bit ARM frames using the kernel's EHABI
// unwind index.
type TableUnwinder struct {
	mem        Memory
	index      *Index
	threadSize uint64
}

var _ Stepper = (*TableUnwinder)(nil)

func NewTableUnwinder(mem Memory, index *Index, threadSize uint64) *TableUnwinder {
	return &TableUnwinder{mem: mem, index: index, threadSize: threadSize}
}

// RegisterFile is the virtual register set the opcodes operate on.
type RegisterFile [16]uint32

// control is the opcode interpreter for one frame.
type control struct {
	mem     Memory
	vrs     RegisterFile
	insn    uint64
	byteIdx int
	entries int
	low     uint64
	high    uint64
}

func (c *control) nextByte() (uint32, error) {
	if c.entries <= 0 {
		return 0, errors.New("opcode stream exhausted")
	}
	w, ok := c.mem.ReadU32(c.insn)
	if !ok {
		return 0, errors.Errorf("opcode word at 0x%x not captured", c.insn)
	}
	b := (w >> (uint(c.byteIdx) * 8)) & 0xff
	if c.byteIdx == 0 {
		c.insn += 4
		c.entries--
		c.byteIdx = 3
	} else {
		c.byteIdx--
	}
	return b, nil
}

func (c *control) pop(vsp *uint32, reg int) error {
	v, ok := c.mem.ReadU32(uint64(*vsp))
	if !ok {
		return errors.Errorf("stack word at 0x%x not captured", *vsp)
	}
	c.vrs[reg] = v
	*vsp += 4
	return nil
}

// popMask pops the registers whose bits are set in mask, starting at
// register first.
func (c *control) popMask(vsp *uint32, mask uint32, first int) error {
	for reg := first; mask != 0; reg, mask = reg+1, mask>>1 {
		if mask&1 == 0 {
			continue
		}
		if err := c.pop(vsp, reg); err != nil {
			return err
		}
	}
	return nil
}

func (c *control) uleb128() (uint32, error) {
	var (
		v     uint32
		shift uint
	)
	for {
		b, err := c.nextByte()
		if err != nil {
			return 0, err
		}
		v |= (b & 0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
		if shift > 28 {
			return 0, errors.New("uleb128 operand too long")
		}
	}
}

// exec runs one opcode.
func (c *control) exec() error {
	insn, err := c.nextByte()
	if err != nil {
		return err
	}
	vsp := c.vrs[SP]
	writeSP := true

	switch {
	case insn&0xc0 == 0x00:
		vsp += (insn&0x3f)<<2 + 4
	case insn&0xc0 == 0x40:
		vsp -= (insn&0x3f)<<2 + 4
	case insn&0xf0 == 0x80:
		lo, err := c.nextByte()
		if err != nil {
			return err
		}
		mask := (insn<<8 | lo) & 0x0fff
		if mask == 0 {
			return errRefuse
		}
		// popping SP replaces vsp
		writeSP = mask&(1<<(SP-4)) == 0
		if err := c.popMask(&vsp, mask, 4); err != nil {
			return err
		}
	case insn&0xf0 == 0x90 && insn&0x0d != 0x0d:
		vsp = c.vrs[insn&0x0f]
	case insn&0xf0 == 0xa0:
		if err := c.popMask(&vsp, uint32(1)<<(insn&0x07+1)-1, 4); err != nil {
			return err
		}
		if insn&0x08 != 0 {
			if err := c.pop(&vsp, LR); err != nil {
				return err
			}
		}
	case insn == 0xb0:
		if c.vrs[PC] == 0 {
			c.vrs[PC] = c.vrs[LR]
		}
		c.entries = 0
	case insn == 0xb1:
		mask, err := c.nextByte()
		if err != nil {
			return err
		}
		if mask == 0 || mask&0xf0 != 0 {
			return errors.Errorf("spare encoding 0xb1 0x%02x", mask)
		}
		if err := c.popMask(&vsp, mask, 0); err != nil {
			return err
		}
	case insn == 0xb2:
		uleb, err := c.uleb128()
		if err != nil {
			return err
		}
		vsp += 0x204 + uleb<<2
	default:
		return errors.Errorf("unhandled opcode 0x%02x", insn)
	}

	if writeSP {
		c.vrs[SP] = vsp
	}
	return nil
}

// opcodeStream locates the opcodes for e.
func (u *TableUnwinder) opcodeStream(e IndexEntry) (uint64, error) {
	switch {
	case e.Insn == cantUnwind:
		return 0, errors.New("function marked cannot-unwind")
	case e.Insn&0x80000000 == 0:
		return prel31ToAddr(e.Addr+4, e.Insn), nil
	case e.Insn&0xff000000 == 0x80000000:
		return e.Addr + 4, nil
	}
	return 0, errors.Errorf("unsupported personality in index word 0x%08x", e.Insn)
}

func (u *TableUnwinder) bounds(f Frame, b Bounds) (uint64, uint64) {
	if b.known() {
		return b.Low, b.High
	}
	return f.SP, alignUp(f.SP, u.threadSize) + u.threadSize
}

// Step unwinds f by one frame.
func (u *TableUnwinder) Step(f Frame, b Bounds) (Frame, error) {
	slog.Debug("Unwind", "state", Searching, "pc", hexAddr(f.PC))
	e, ok := u.index.Find(f.PC)
	if !ok {
		return Frame{}, fail(f.PC, "no unwind index entry")
	}
	insn, err := u.opcodeStream(e)
	if err != nil {
		return Frame{}, fail(f.PC, "%v", err)
	}

	c := &control{mem: u.mem, insn: insn}
	c.low, c.high = u.bounds(f, b)
	c.vrs[FP] = uint32(f.FP)
	c.vrs[SP] = uint32(f.SP)
	c.vrs[LR] = uint32(f.LR)

	w, ok := u.mem.ReadU32(insn)
	if !ok {
		return Frame{}, fail(f.PC, "opcode word at 0x%x not captured", insn)
	}
	switch personality.Extract(uint64(w)) {
	case 0x80:
		c.byteIdx, c.entries = 2, 1
	case 0x81:
		c.byteIdx, c.entries = 1, 1+int(extraWords.Extract(uint64(w)))
	default:
		return Frame{}, fail(f.PC, "unsupported personality word 0x%08x", w)
	}

	slog.Debug("Unwind", "state", Executing, "pc", hexAddr(f.PC), "func", hexAddr(e.Func), "opcodes", hexAddr(insn))
	for c.entries > 0 {
		if err := c.exec(); err != nil {
			return Frame{}, fail(f.PC, "%v", err)
		}
		if sp := uint64(c.vrs[SP]); sp < c.low || sp >= c.high {
			return Frame{}, fail(f.PC, "sp 0x%x left stack [0x%x, 0x%x)", sp, c.low, c.high)
		}
	}

	if c.vrs[PC] == 0 {
		c.vrs[PC] = c.vrs[LR]
	}
	if uint64(c.vrs[PC]) == f.PC {
		return Frame{}, fail(f.PC, "pc did not change")
	}
	next := Frame{
		FP: uint64(c.vrs[FP]),
		SP: uint64(c.vrs[SP]),
		LR: uint64(c.vrs[LR]),
		PC: uint64(c.vrs[PC]),
	}
	slog.Debug("Unwind", "state", Resolved, "frame", next)
	return next, nil
}
