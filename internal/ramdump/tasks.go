package ramdump

import (
	"math/bits"

	"github.com/pkg/errors"

	"ramparse/internal/dumperr"
)

const taskCommLen = 16

// Task is the part of a task_struct the analyzer reports.
type Task struct {
	Addr  uint64
	PID   uint32
	Comm  string
	State uint32
	// Stack is the base of the kernel stack.
	Stack uint64
}

var stateLetters = []byte("SDTtXZPI")

// StateLetter is the ps-style letter for the task state.
func (t Task) StateLetter() string {
	switch {
	case t.State == 0:
		return "R"
	case t.State == 0x402:
		return "I"
	}
	i := bits.TrailingZeros32(t.State)
	if i < len(stateLetters) {
		return string(stateLetters[i])
	}
	return "?"
}

func (d *Dump) fieldU32(addr uint64, typ, field string) (uint32, error) {
	off, err := d.oracle.FieldOffset(typ, field)
	if err != nil {
		return 0, err
	}
	v, ok := d.ReadU32(addr + off)
	if !ok {
		return 0, dumperr.Unavailablef("%s.%s at 0x%x", typ, field, addr+off)
	}
	return v, nil
}

// ReadTask decodes the task_struct at addr.
func (d *Dump) ReadTask(addr uint64) (Task, error) {
	const ts = "struct task_struct"
	t := Task{Addr: addr}
	var err error
	if t.PID, err = d.fieldU32(addr, ts, "pid"); err != nil {
		return t, err
	}
	commOff, err := d.oracle.FieldOffset(ts, "comm")
	if err != nil {
		return t, err
	}
	if t.Comm, err = d.ReadCString(addr+commOff, taskCommLen); err != nil {
		return t, err
	}
	// Newer kernels renamed state to __state.
	if t.State, err = d.fieldU32(addr, ts, "__state"); err != nil {
		if t.State, err = d.fieldU32(addr, ts, "state"); err != nil {
			return t, err
		}
	}
	if t.Stack, err = d.ReadField(addr, ts, "stack"); err != nil {
		return t, err
	}
	return t, nil
}

// Tasks visits init_task and then every process on its tasks list. A
// task that cannot be decoded is reported with only its address set.
func (d *Dump) Tasks(visit func(Task, error) bool) (int, error) {
	initTask, err := d.oracle.AddressOf("init_task")
	if err != nil {
		return 0, errors.Wrap(err, "locate init_task")
	}
	tasksOff, err := d.oracle.FieldOffset("struct task_struct", "tasks")
	if err != nil {
		return 0, err
	}
	if !visit(d.ReadTask(initTask)) {
		return 1, nil
	}
	n, err := d.WalkList(initTask+tasksOff, "struct task_struct", "tasks", false, func(addr uint64) bool {
		return visit(d.ReadTask(addr))
	})
	return n + 1, err
}
