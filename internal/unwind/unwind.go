// Package unwind reconstructs call stacks from a memory snapshot, either
// from the kernel's ARM EHABI unwind tables or by following saved frame
// pointers.
package unwind

import (
	"fmt"
)

// Memory reads kernel virtual memory.
type Memory interface {
	ReadU32(va uint64) (uint32, bool)
	ReadU64(va uint64) (uint64, bool)
}

// Frame is the register state of one stack frame.
type Frame struct {
	FP uint64
	SP uint64
	LR uint64
	PC uint64
}

func (f Frame) String() string {
	return fmt.Sprintf("pc=0x%x lr=0x%x sp=0x%x fp=0x%x", f.PC, f.LR, f.SP, f.FP)
}

// State is where the unwinding of one frame stands.
type State int

const (
	Searching State = iota
	Executing
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Searching:
		return "searching"
	case Executing:
		return "executing"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Failure explains why a frame could not be unwound.
type Failure struct {
	PC     uint64
	Reason string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("cannot unwind from 0x%x: %s", f.PC, f.Reason)
}

func fail(pc uint64, format string, args ...any) *Failure {
	return &Failure{PC: pc, Reason: fmt.Sprintf(format, args...)}
}

// Bounds is the stack of the thread being unwound, [Low, High). The zero
// value means the bounds are derived from each frame's SP and the thread
// size.
type Bounds struct {
	Low  uint64
	High uint64
}

func (b Bounds) known() bool { return b.High != 0 }

// Complete fills in whichever end is missing from the other and the thread
// size. Zero bounds stay zero.
func (b Bounds) Complete(threadSize uint64) Bounds {
	switch {
	case b.Low != 0 && b.High == 0:
		b.High = b.Low + threadSize
	case b.High != 0 && b.Low == 0:
		b.Low = b.High - threadSize
	}
	return b
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Stepper computes the caller's frame from f.
type Stepper interface {
	Step(f Frame, b Bounds) (Frame, error)
}

// DefaultMaxDepth bounds a backtrace when no limit is given.
const DefaultMaxDepth = 64

// Backtrace yields frames lazily, starting with the initial frame. It
// cannot be restarted.
type Backtrace struct {
	stepper Stepper
	bounds  Bounds
	cur     Frame
	started bool
	state   State
	err     error
	depth   int
	max     int
}

func NewBacktrace(s Stepper, start Frame, b Bounds, maxDepth int) *Backtrace {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Backtrace{stepper: s, bounds: b, cur: start, state: Searching, max: maxDepth}
}

// Next returns the next frame, or false once unwinding stopped.
func (bt *Backtrace) Next() (Frame, bool) {
	if !bt.started {
		bt.started = true
		bt.state = Resolved
		bt.depth = 1
		return bt.cur, true
	}
	if bt.state == Failed {
		return Frame{}, false
	}
	if bt.depth >= bt.max {
		bt.state = Failed
		bt.err = fail(bt.cur.PC, "depth limit %d reached", bt.max)
		return Frame{}, false
	}
	f, err := bt.stepper.Step(bt.cur, bt.bounds)
	if err != nil {
		bt.state = Failed
		bt.err = err
		return Frame{}, false
	}
	bt.cur = f
	bt.depth++
	bt.state = Resolved
	return f, true
}

// State is Resolved while frames are produced and Failed after the last.
func (bt *Backtrace) State() State { return bt.state }

// Err is the reason unwinding stopped.
func (bt *Backtrace) Err() error { return bt.err }

// Frames drains the backtrace.
func (bt *Backtrace) Frames() []Frame {
	var out []Frame
	for {
		f, ok := bt.Next()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
