package ramdump

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramparse/internal/dumperr"
	"ramparse/internal/memimage"
	"ramparse/internal/mmu"
	"ramparse/internal/oracle"
	"ramparse/internal/unwind"
)

const (
	physBase   = 0x80000000
	physSize   = 0x100000
	pageOffset = 0xc0000000
	l1Table    = 0xc0004000

	initTask = 0xc0010000
	taskA    = 0xc0010100
	taskB    = 0xc0010200
	stackA   = 0xc0020000
	rbRoot   = 0xc0030000
)

// kernel is a 1 MB arm32 dump whose linear map is one section.
type kernel struct {
	buf []byte
}

func (k *kernel) put32(va uint64, v uint32) {
	binary.LittleEndian.PutUint32(k.buf[va-pageOffset:], v)
}

func (k *kernel) putString(va uint64, s string) {
	copy(k.buf[va-pageOffset:], s+"\x00")
}

func testOracle() *oracle.Static {
	return &oracle.Static{
		Offsets: map[string]map[string]uint64{
			"struct list_head":        {"next": 0, "prev": 4},
			"struct rb_root":          {"rb_node": 0},
			"struct rb_node":          {"rb_right": 4, "rb_left": 8},
			"struct vm_area":          {"rb": 0x10},
			"struct thread_info":      {"cpu_context": 0x1c},
			"struct cpu_context_save": {"fp": 0x1c, "sp": 0x20, "pc": 0x24},
			"struct task_struct": {
				"stack": 0x04, "state": 0x08, "tasks": 0x10, "pid": 0x20, "comm": 0x30,
			},
		},
		Sizes: map[string]uint64{"struct task_struct": 0x100},
		Addresses: map[string]uint64{
			"swapper_pg_dir": l1Table,
			"init_task":      initTask,
			"__schedule":     0xc0008000,
			"do_idle":        0xc0008200,
		},
		Lengths: map[string]uint64{"__schedule": 0x200, "do_idle": 0x200},
	}
}

func newKernel(t *testing.T) (*kernel, *Dump) {
	t.Helper()
	k := &kernel{buf: make([]byte, physSize)}
	// sections: 0xc0000000 -> captured RAM, 0xc0100000 -> beyond the dump
	k.put32(l1Table+0xc00*4, physBase|0x402)
	k.put32(l1Table+0xc01*4, (physBase+physSize)|0x402)

	task := func(addr uint64, pid uint32, comm string, state uint32, stack uint64, next, prev uint64) {
		k.put32(addr+0x04, uint32(stack))
		k.put32(addr+0x08, state)
		k.put32(addr+0x10, uint32(next+0x10))
		k.put32(addr+0x14, uint32(prev+0x10))
		k.put32(addr+0x20, pid)
		k.putString(addr+0x30, comm)
	}
	task(initTask, 0, "swapper/0", 0, 0, taskA, taskB)
	task(taskA, 1, "init", 1, stackA, taskB, initTask)
	task(taskB, 2, "kthreadd-with-a-long-name", 2, 0, initTask, taskA)

	// saved context of taskA and its APCS frames
	k.put32(stackA+0x1c+0x1c, 0xc0021f40)
	k.put32(stackA+0x1c+0x20, 0xc0021f00)
	k.put32(stackA+0x1c+0x24, 0xc0008100)
	k.put32(0xc0021f40-12, 0xc0021f80)
	k.put32(0xc0021f40-8, 0xc0021f50)
	k.put32(0xc0021f40-4, 0xc0008240)
	k.put32(0xc0021f80-12, 0)
	k.put32(0xc0021f80-8, 0xc0021f90)
	k.put32(0xc0021f80-4, 0xc0008300)

	im, err := memimage.New([]memimage.Segment{{Name: "ddr", Start: physBase, End: physBase + physSize, Data: k.buf}})
	require.NoError(t, err)
	d, err := Open(im, testOracle(), Options{
		Arch:       mmu.ARMv7,
		PhysOffset: physBase,
		PageOffset: pageOffset,
		ThreadSize: 0x2000,
	})
	require.NoError(t, err)
	return k, d
}

func TestOpenFindsPageTable(t *testing.T) {
	_, d := newKernel(t)
	assert.Equal(t, uint64(0x80004000), d.VirtToPhysLinear(l1Table))
	assert.Equal(t, uint64(l1Table), d.PhysToVirt(0x80004000))

	pa, ok := d.Translate(0xc0012345)
	require.True(t, ok)
	assert.Equal(t, uint64(0x80012345), pa)
	assert.Equal(t, uint64(4), d.PointerSize())
}

func TestOpenErrors(t *testing.T) {
	im, err := memimage.New([]memimage.Segment{{Name: "ddr", Start: physBase, End: physBase + 0x1000, Data: make([]byte, 0x1000)}})
	require.NoError(t, err)

	_, err = Open(im, &oracle.Static{}, Options{Arch: mmu.ARMv7, ThreadSize: 0x2000})
	assert.True(t, errors.Is(err, dumperr.ErrUnavailable))

	_, err = Open(im, &oracle.Static{}, Options{Arch: mmu.ARMv7, ThreadSize: 0x3000, PageTable: physBase})
	assert.Error(t, err)
}

func TestReadVirt(t *testing.T) {
	k, d := newKernel(t)
	k.put32(0xc0010ffe, 0xddccbbaa)

	v, ok := d.ReadU32(0xc0010ffe)
	require.True(t, ok)
	assert.Equal(t, uint32(0xddccbbaa), v)

	_, err := d.ReadVirt(0xd0000000, 4)
	assert.True(t, errors.Is(err, dumperr.ErrUnavailable))

	_, err = d.ReadVirt(0xc00ffffc, 8)
	assert.True(t, errors.Is(err, dumperr.ErrUnavailable), "second half lies outside the capture")

	s, err := d.ReadCString(taskB+0x30, taskCommLen)
	require.NoError(t, err)
	assert.Equal(t, "kthreadd-with-a-", s)
}

func TestStructureHelpers(t *testing.T) {
	_, d := newKernel(t)

	base, err := d.ContainerOf(taskA+0x10, "struct task_struct", "tasks")
	require.NoError(t, err)
	assert.Equal(t, uint64(taskA), base)

	pid, err := d.SiblingFieldAddr(taskA+0x10, "struct task_struct", "tasks", "pid")
	require.NoError(t, err)
	assert.Equal(t, uint64(taskA+0x20), pid)

	next, err := d.ArrayIndex(initTask, "struct task_struct", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(taskA), next)

	stack, err := d.ReadField(taskA, "struct task_struct", "stack")
	require.NoError(t, err)
	assert.Equal(t, uint64(stackA), stack)
}

func TestTasks(t *testing.T) {
	_, d := newKernel(t)

	var got []Task
	n, err := d.Tasks(func(task Task, err error) bool {
		require.NoError(t, err)
		got = append(got, task)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, got, 3)
	assert.Equal(t, Task{Addr: initTask, PID: 0, Comm: "swapper/0"}, got[0])
	assert.Equal(t, Task{Addr: taskA, PID: 1, Comm: "init", State: 1, Stack: stackA}, got[1])
	assert.Equal(t, "R", got[0].StateLetter())
	assert.Equal(t, "S", got[1].StateLetter())
	assert.Equal(t, "D", got[2].StateLetter())

	var reversed []uint64
	_, err = d.WalkList(initTask+0x10, "struct task_struct", "tasks", true, func(addr uint64) bool {
		reversed = append(reversed, addr)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{taskB, taskA}, reversed)
}

func TestTasksCorruptList(t *testing.T) {
	k, d := newKernel(t)
	k.put32(taskB+0x10, taskA+0x10)

	_, err := d.Tasks(func(Task, error) bool { return true })
	var ce *dumperr.CorruptError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(taskA+0x10), ce.Addr)
}

func TestWalkRbTree(t *testing.T) {
	k, d := newKernel(t)
	node := func(i int) uint64 { return rbRoot + 0x100*uint64(i) + 0x10 }
	k.put32(rbRoot, uint32(node(2)))
	k.put32(node(2)+8, uint32(node(1)))
	k.put32(node(2)+4, uint32(node(3)))

	var got []uint64
	n, err := d.WalkRbTree(rbRoot, "struct vm_area", "rb", func(a uint64) bool {
		got = append(got, a)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []uint64{rbRoot + 0x100, rbRoot + 0x200, rbRoot + 0x300}, got)
}

func TestTaskBacktrace(t *testing.T) {
	_, d := newKernel(t)
	task, err := d.ReadTask(taskA)
	require.NoError(t, err)

	f, err := d.SavedFrame(task)
	require.NoError(t, err)
	assert.Equal(t, unwind.Frame{FP: 0xc0021f40, SP: 0xc0021f00, PC: 0xc0008100}, f)
	assert.Equal(t, unwind.Bounds{Low: stackA, High: stackA + 0x2000}, d.StackBounds(task))

	_, ok := d.Stepper().(*unwind.FramePointer32)
	assert.True(t, ok, "no unwind index symbols")

	bt, err := d.TaskBacktrace(task)
	require.NoError(t, err)
	var pcs []string
	for _, fr := range bt.Frames() {
		pcs = append(pcs, d.Describe(fr.PC))
	}
	assert.Equal(t, []string{"__schedule+0x100", "do_idle+0x40", "do_idle+0x100"}, pcs)
	assert.Equal(t, unwind.Failed, bt.State())
	var fail *unwind.Failure
	assert.True(t, errors.As(bt.Err(), &fail))

	assert.Equal(t, 3, d.symbols.Len())
	assert.Equal(t, "0x10", d.Describe(0x10))
}
