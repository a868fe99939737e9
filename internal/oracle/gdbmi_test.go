package oracle

import (
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramparse/internal/dumperr"
)

type miReply struct {
	console []string
	class   string
	payload map[string]interface{}
}

// fakeMI plays back canned result records keyed by command line. Unknown
// commands get an error record, as gdb does for unknown symbols.
type fakeMI struct {
	replies map[string]miReply
	notify  func(map[string]interface{})
	sent    []string
	exited  bool
}

func (f *fakeMI) Send(operation string, arguments ...string) (map[string]interface{}, error) {
	if len(arguments) > 0 {
		return nil, errors.Errorf("unexpected arguments %q", arguments)
	}
	f.sent = append(f.sent, operation)
	r, ok := f.replies[operation]
	if !ok {
		return map[string]interface{}{
			"class":   "error",
			"payload": map[string]interface{}{"msg": "No symbol in current context."},
		}, nil
	}
	for _, c := range r.console {
		f.notify(map[string]interface{}{"type": "console", "payload": c + "\n"})
	}
	rec := map[string]interface{}{"class": r.class}
	if r.payload != nil {
		rec["payload"] = r.payload
	}
	return rec, nil
}

func (f *fakeMI) Exit() error {
	f.exited = true
	return nil
}

func eval(expr string) string {
	return "data-evaluate-expression " + strconv.Quote(expr)
}

func cli(command string) string {
	return "interpreter-exec console " + strconv.Quote(command)
}

func value(v string) miReply {
	return miReply{class: "done", payload: map[string]interface{}{"value": v}}
}

func printed(lines ...string) miReply {
	return miReply{class: "done", console: lines}
}

func startFake(t *testing.T, replies map[string]miReply) (*GDB, *fakeMI) {
	t.Helper()
	g := newGDB()
	f := &fakeMI{replies: replies, notify: g.onRecord}
	g.mi = f
	t.Cleanup(func() {
		require.NoError(t, g.Close())
		assert.True(t, f.exited)
	})
	return g, f
}

func TestGDBFieldOffsetIsMemoized(t *testing.T) {
	g, f := startFake(t, map[string]miReply{
		eval("(unsigned long)&((struct task_struct *)0)->tasks"): value("472"),
	})

	for range 3 {
		off, err := g.FieldOffset("struct task_struct", "tasks")
		require.NoError(t, err)
		assert.Equal(t, uint64(0x1d8), off)
	}
	assert.Len(t, f.sent, 1)
}

func TestGDBQueries(t *testing.T) {
	g, _ := startFake(t, map[string]miReply{
		eval("sizeof(struct list_head)"):    value("16"),
		eval("(unsigned long)&init_task"):   value("3248507712"),
		eval("nr_cpu_ids"):                  value("8"),
		eval("(enum task_state)0"):          value("TASK_RUNNING"),
		eval("(enum task_state)1"):          value("TASK_INTERRUPTIBLE"),
		cli("show version"):                 printed("GNU gdb (GDB) 14.2", "Copyright (C) 2023"),
		cli("info line *0xc0101234"):        printed(`Line 42 of "kernel/sched/core.c" starts at address 0xc0101230 <__schedule+48>.`),
		cli("info line *0xdead"):            printed("No line number information available for address 0xdead"),
		eval("(unsigned long)&empty_value"): value(""),
	})

	size, err := g.SizeOf("struct list_head")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10), size)

	addr, err := g.AddressOf("init_task")
	require.NoError(t, err)
	assert.Equal(t, uint64(0xc1a04b40), addr)

	n, err := g.ValueOf("nr_cpu_ids")
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	names, err := g.EnumLookup("task_state", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"TASK_RUNNING", "TASK_INTERRUPTIBLE"}, names)

	v, err := g.Version()
	require.NoError(t, err)
	assert.Equal(t, "GNU gdb (GDB) 14.2", v)

	line, ok := g.LineInfo(0xc0101234)
	require.True(t, ok)
	assert.Equal(t, `Line 42 of "kernel/sched/core.c"`, line)
	_, ok = g.LineInfo(0xdead)
	assert.False(t, ok)

	_, err = g.AddressOf("empty_value")
	assert.True(t, errors.Is(err, dumperr.ErrUnavailable))
}

func TestGDBErrorsAreUnavailable(t *testing.T) {
	g, _ := startFake(t, nil)

	_, err := g.AddressOf("no_such_symbol")
	require.Error(t, err)
	assert.True(t, errors.Is(err, dumperr.ErrUnavailable))
	assert.Contains(t, err.Error(), "No symbol in current context.")

	_, err = g.EnumLookup("missing", 1)
	assert.True(t, errors.Is(err, dumperr.ErrUnavailable))
}

func TestGDBSymbolAt(t *testing.T) {
	g, _ := startFake(t, map[string]miReply{
		cli("info symbol 0xc0101234"): printed("__schedule + 52 in section .text"),
		cli("info symbol 0xbf001008"): printed("wlan_probe + 8 in section .text of /lib/modules/wlan.ko"),
		cli("info symbol 0xc0800000"): printed("init_task in section .data of /out/vmlinux"),
		cli("info symbol 0x10"):       printed("No symbol matches 0x10."),
	})

	s, err := g.SymbolAt(0xc0101234)
	require.NoError(t, err)
	assert.Equal(t, Symbol{Name: "__schedule", Offset: 52, Section: ".text", Addr: 0xc0101234}, s)
	assert.Equal(t, "__schedule+0x34", s.String())

	s, err = g.SymbolAt(0xbf001008)
	require.NoError(t, err)
	assert.Equal(t, "wlan", s.Module)
	assert.Equal(t, "wlan_probe+0x8 [wlan]", s.String())

	s, err = g.SymbolAt(0xc0800000)
	require.NoError(t, err)
	assert.Equal(t, "", s.Module)
	assert.Equal(t, ".data", s.Section)
	assert.Equal(t, uint64(0), s.Offset)

	_, err = g.SymbolAt(0x10)
	assert.True(t, errors.Is(err, dumperr.ErrUnavailable))
}

func TestGDBConsoleIsPerCommand(t *testing.T) {
	g, _ := startFake(t, map[string]miReply{
		cli("show version"):           printed("GNU gdb (GDB) 14.2"),
		cli("info symbol 0xc0101234"): printed("__schedule + 52 in section .text"),
	})
	g.onRecord(map[string]interface{}{"type": "console", "payload": "stray output\n"})
	g.onRecord(map[string]interface{}{"type": "log", "payload": "ignored\n"})

	s, err := g.SymbolAt(0xc0101234)
	require.NoError(t, err)
	assert.Equal(t, "__schedule", s.Name)

	v, err := g.Version()
	require.NoError(t, err)
	assert.Equal(t, "GNU gdb (GDB) 14.2", v)
}

func TestGDBAddSymbolFile(t *testing.T) {
	g, f := startFake(t, map[string]miReply{
		cli("add-symbol-file /tmp/wlan.ko 0xbf100000"): printed("add symbol table from file \"/tmp/wlan.ko\" at"),
		cli("add-symbol-file /tmp/bad.ko 0xbf000000"): {
			class:   "error",
			payload: map[string]interface{}{"msg": "/tmp/bad.ko: No such file or directory."},
		},
	})

	require.NoError(t, g.AddSymbolFile("/tmp/wlan.ko", 0xbf100000))
	err := g.AddSymbolFile("/tmp/bad.ko", 0xbf000000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No such file or directory")
	assert.Contains(t, f.sent, cli("add-symbol-file /tmp/wlan.ko 0xbf100000"))
}
