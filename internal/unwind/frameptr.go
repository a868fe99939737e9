package unwind

// FramePointer32 follows the APCS frame chain: the words below fp hold the
// caller's fp, sp and pc.
type FramePointer32 struct {
	mem        Memory
	threadSize uint64
}

var _ Stepper = (*FramePointer32)(nil)

func NewFramePointer32(mem Memory, threadSize uint64) *FramePointer32 {
	return &FramePointer32{mem: mem, threadSize: threadSize}
}

func (u *FramePointer32) Step(f Frame, b Bounds) (Frame, error) {
	low, high := f.SP, alignUp(f.SP, u.threadSize)
	if b.known() {
		low, high = b.Low, b.High
	}
	fp := f.FP
	if fp < low+12 || fp+4 >= high {
		return Frame{}, fail(f.PC, "fp 0x%x outside stack [0x%x, 0x%x)", fp, low, high)
	}

	var words [3]uint32
	for i := range words {
		v, ok := u.mem.ReadU32(fp - 12 + uint64(i)*4)
		if !ok {
			return Frame{}, fail(f.PC, "frame record at 0x%x not captured", fp-12)
		}
		words[i] = v
	}
	next := Frame{FP: uint64(words[0]), SP: uint64(words[1]), PC: uint64(words[2])}
	if next.PC == f.PC {
		return Frame{}, fail(f.PC, "pc did not change")
	}
	return next, nil
}

// FramePointer64 follows the AArch64 frame record chain: fp points at the
// saved {fp, lr} pair of the caller.
type FramePointer64 struct {
	mem        Memory
	threadSize uint64
}

var _ Stepper = (*FramePointer64)(nil)

func NewFramePointer64(mem Memory, threadSize uint64) *FramePointer64 {
	return &FramePointer64{mem: mem, threadSize: threadSize}
}

func (u *FramePointer64) Step(f Frame, b Bounds) (Frame, error) {
	low, high := f.SP, alignUp(f.SP, u.threadSize)
	if b.known() {
		low, high = b.Low, b.High
	}
	fp := f.FP
	if fp < low || fp >= high || fp&0xf != 0 {
		return Frame{}, fail(f.PC, "fp 0x%x outside stack [0x%x, 0x%x) or misaligned", fp, low, high)
	}
	nfp, ok1 := u.mem.ReadU64(fp)
	npc, ok2 := u.mem.ReadU64(fp + 8)
	if !ok1 || !ok2 {
		return Frame{}, fail(f.PC, "frame record at 0x%x not captured", fp)
	}
	next := Frame{FP: nfp, SP: fp + 0x10, PC: npc}
	if next.PC == f.PC {
		return Frame{}, fail(f.PC, "pc did not change")
	}
	return next, nil
}
