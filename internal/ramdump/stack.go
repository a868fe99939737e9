package ramdump

import (
	"log/slog"

	"ramparse/internal/dumperr"
	"ramparse/internal/mmu"
	"ramparse/internal/unwind"
)

// Stepper picks the unwinder for the dump: the EHABI tables when the
// kernel has an unwind index, frame records otherwise.
func (d *Dump) Stepper() unwind.Stepper {
	if d.stepper != nil {
		return d.stepper
	}
	ts := d.opts.ThreadSize
	switch {
	case d.opts.Arch == mmu.ARMv8:
		d.stepper = unwind.NewFramePointer64(d, ts)
	default:
		d.stepper = unwind.NewFramePointer32(d, ts)
		start, err1 := d.oracle.AddressOf("__start_unwind_idx")
		stop, err2 := d.oracle.AddressOf("__stop_unwind_idx")
		if err1 != nil || err2 != nil {
			slog.Debug("No unwind index, using frame pointers")
			break
		}
		idx, err := unwind.LoadIndex(d, start, stop, d.opts.AbsoluteIndex)
		if err != nil {
			slog.Warn("Unwind index unusable, using frame pointers", "start", hexAddr(start), "err", err)
			break
		}
		d.stepper = unwind.NewTableUnwinder(d, idx, ts)
	}
	return d.stepper
}

// Backtrace starts unwinding at start.
func (d *Dump) Backtrace(start unwind.Frame, b unwind.Bounds) *unwind.Backtrace {
	return unwind.NewBacktrace(d.Stepper(), start, b, d.opts.MaxDepth)
}

// StackBounds is the task's kernel stack.
func (d *Dump) StackBounds(t Task) unwind.Bounds {
	if t.Stack == 0 {
		return unwind.Bounds{}
	}
	return unwind.Bounds{Low: t.Stack, High: t.Stack + d.opts.ThreadSize}
}

// SavedFrame returns the registers saved when t was last switched out.
// On arm they live in thread_info at the stack base, on arm64 in
// task_struct.thread.
func (d *Dump) SavedFrame(t Task) (unwind.Frame, error) {
	var base uint64
	var ctxType string
	if d.opts.Arch.Is64() {
		off, err := d.oracle.FieldOffset("struct task_struct", "thread.cpu_context")
		if err != nil {
			return unwind.Frame{}, err
		}
		base, ctxType = t.Addr+off, "struct cpu_context"
	} else {
		off, err := d.oracle.FieldOffset("struct thread_info", "cpu_context")
		if err != nil {
			return unwind.Frame{}, err
		}
		base, ctxType = t.Stack+off, "struct cpu_context_save"
	}

	var regs [3]uint64
	for i, name := range []string{"fp", "sp", "pc"} {
		off, err := d.oracle.FieldOffset(ctxType, name)
		if err != nil {
			return unwind.Frame{}, err
		}
		v, ok := d.ReadPointer(base + off)
		if !ok {
			return unwind.Frame{}, dumperr.Unavailablef("saved %s of task 0x%x at 0x%x", name, t.Addr, base+off)
		}
		regs[i] = v
	}
	return unwind.Frame{FP: regs[0], SP: regs[1], PC: regs[2]}, nil
}

// TaskBacktrace unwinds a sleeping task from its saved registers.
func (d *Dump) TaskBacktrace(t Task) (*unwind.Backtrace, error) {
	f, err := d.SavedFrame(t)
	if err != nil {
		return nil, err
	}
	return d.Backtrace(f, d.StackBounds(t)), nil
}
