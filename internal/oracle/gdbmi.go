package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	gdbmi "github.com/cyrus-and/gdb"
	"github.com/pkg/errors"

	"ramparse/internal/dumperr"
)

// miSession is the part of the gdb/MI client used here.
type miSession interface {
	Send(operation string, arguments ...string) (map[string]interface{}, error)
	Exit() error
}

type miResult struct {
	class   string
	payload map[string]interface{}
	// lines is the console stream printed while the command ran.
	lines []string
}

func (r miResult) msg() string {
	if m, ok := r.payload["msg"].(string); ok {
		return m
	}
	return strings.Join(r.lines, "; ")
}

// GDB answers type and symbol questions from a gdb process driven over the
// machine interface. Every command's result is remembered, so repeated
// questions never reach the debugger.
type GDB struct {
	mi   miSession
	stop func() bool

	mu      sync.Mutex
	console strings.Builder

	cache map[string]miResult
}

var _ Oracle = (*GDB)(nil)

func newGDB() *GDB {
	return &GDB{cache: make(map[string]miResult)}
}

// OpenGDB starts gdbPath on vmlinux. Cancelling ctx makes the debugger exit.
func OpenGDB(ctx context.Context, gdbPath, vmlinux string) (*GDB, error) {
	g := newGDB()
	mi, err := gdbmi.NewCmd([]string{gdbPath, vmlinux}, g.onRecord)
	if err != nil {
		return nil, errors.Wrapf(err, "start %s", gdbPath)
	}
	g.mi = mi
	if ctx != nil {
		g.stop = context.AfterFunc(ctx, func() { _ = mi.Exit() })
	}
	slog.Debug("Started gdb", "path", gdbPath, "vmlinux", vmlinux)
	return g, nil
}

// onRecord collects console stream records. The client delivers them before
// the result record of the command that printed them.
func (g *GDB) onRecord(rec map[string]interface{}) {
	if rec["type"] != "console" {
		return
	}
	if s, ok := rec["payload"].(string); ok {
		g.mu.Lock()
		g.console.WriteString(s)
		g.mu.Unlock()
	}
}

func (g *GDB) takeConsole() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.console.String()
	g.console.Reset()
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimRight(l, "\r"); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// Close makes gdb exit.
func (g *GDB) Close() error {
	if g.stop != nil && !g.stop() {
		return nil
	}
	return g.mi.Exit()
}

// run sends one complete MI command line, without the leading dash.
func (g *GDB) run(cmd string) (miResult, error) {
	if r, ok := g.cache[cmd]; ok {
		return r, nil
	}
	g.takeConsole()
	rec, err := g.mi.Send(cmd)
	if err != nil {
		return miResult{}, errors.Wrapf(err, "send %q", cmd)
	}
	r := miResult{lines: g.takeConsole()}
	r.class, _ = rec["class"].(string)
	r.payload, _ = rec["payload"].(map[string]interface{})
	g.cache[cmd] = r
	return r, nil
}

func (g *GDB) evaluate(expr string) (string, error) {
	r, err := g.run("data-evaluate-expression " + strconv.Quote(expr))
	if err != nil {
		return "", err
	}
	if r.class != "done" {
		return "", dumperr.Unavailablef("gdb %s: %s", expr, r.msg())
	}
	v, ok := r.payload["value"].(string)
	if !ok {
		return "", dumperr.Unavailablef("gdb %s: no value", expr)
	}
	return v, nil
}

func (g *GDB) evaluateUint(expr string) (uint64, error) {
	v, err := g.evaluate(expr)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return 0, dumperr.Unavailablef("gdb %s: empty value", expr)
	}
	n, err := strconv.ParseUint(fields[0], 0, 64)
	if err != nil {
		return 0, dumperr.Unavailablef("gdb %s: %q is not a number", expr, v)
	}
	return n, nil
}

// cli runs a console command and returns its output lines.
func (g *GDB) cli(command string) (miResult, error) {
	r, err := g.run("interpreter-exec console " + strconv.Quote(command))
	if err != nil {
		return miResult{}, err
	}
	if r.class != "done" {
		return r, dumperr.Unavailablef("gdb %q: %s", command, r.msg())
	}
	return r, nil
}

func (g *GDB) FieldOffset(typ, field string) (uint64, error) {
	return g.evaluateUint(fmt.Sprintf("(unsigned long)&((%s *)0)->%s", typ, field))
}

func (g *GDB) SizeOf(typ string) (uint64, error) {
	return g.evaluateUint(fmt.Sprintf("sizeof(%s)", typ))
}

func (g *GDB) AddressOf(symbol string) (uint64, error) {
	return g.evaluateUint(fmt.Sprintf("(unsigned long)&%s", symbol))
}

// ValueOf evaluates an integer expression such as a kernel variable.
func (g *GDB) ValueOf(expr string) (int64, error) {
	v, err := g.evaluate(expr)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return 0, dumperr.Unavailablef("gdb %s: %q is not a number", expr, v)
	}
	return n, nil
}

func (g *GDB) EnumLookup(enum string, count int) ([]string, error) {
	table := make([]string, 0, count)
	for i := 0; i < count; i++ {
		v, err := g.evaluate(fmt.Sprintf("(enum %s)%d", enum, i))
		if err != nil {
			return nil, err
		}
		table = append(table, v)
	}
	return table, nil
}

// parseSymbolInfo reads "name [+ off] in section sec [of /path/mod.ko]".
func parseSymbolInfo(addr uint64, line string) (Symbol, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 || parts[0] == "No" {
		return Symbol{}, dumperr.Unavailablef("no symbol at 0x%x", addr)
	}
	if len(parts) < 2 {
		return Symbol{}, errors.Errorf("unexpected symbol info %q", line)
	}
	s := Symbol{Name: parts[0], Addr: addr}
	if parts[1] == "+" && len(parts) > 2 {
		off, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return Symbol{}, errors.Wrapf(err, "symbol offset in %q", line)
		}
		s.Offset = off
	}
	for i, p := range parts {
		switch p {
		case "section":
			if i+1 < len(parts) {
				s.Section = parts[i+1]
			}
		case "of":
			if i+1 < len(parts) {
				path := parts[len(parts)-1]
				mod := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				if !strings.Contains(mod, "vmlinux") {
					s.Module = mod
				}
			}
		}
	}
	return s, nil
}

func (g *GDB) SymbolAt(addr uint64) (Symbol, error) {
	r, err := g.cli(fmt.Sprintf("info symbol 0x%x", addr))
	if err != nil {
		return Symbol{}, err
	}
	if len(r.lines) != 1 {
		return Symbol{}, dumperr.Unavailablef("info symbol 0x%x: %d lines", addr, len(r.lines))
	}
	s, err := parseSymbolInfo(addr, r.lines[0])
	if err != nil {
		return Symbol{}, err
	}
	s.Name = Demangle(s.Name)
	return s, nil
}

var lineInfo = regexp.MustCompile(`Line \d+ of ".*"`)

// LineInfo returns gdb's "Line N of file" description for addr.
func (g *GDB) LineInfo(addr uint64) (string, bool) {
	r, err := g.cli(fmt.Sprintf("info line *0x%x", addr))
	if err != nil {
		return "", false
	}
	for _, l := range r.lines {
		if m := lineInfo.FindString(l); m != "" {
			return m, true
		}
	}
	return "", false
}

// AddSymbolFile loads a module's debug symbols at its text address.
func (g *GDB) AddSymbolFile(ko string, text uint64) error {
	if _, err := g.cli(fmt.Sprintf("add-symbol-file %s 0x%x", ko, text)); err != nil {
		return errors.Wrapf(err, "add-symbol-file %s", ko)
	}
	return nil
}

// Version returns the first line of "show version".
func (g *GDB) Version() (string, error) {
	r, err := g.cli("show version")
	if err != nil {
		return "", err
	}
	if len(r.lines) == 0 {
		return "", dumperr.Unavailablef("gdb version")
	}
	return r.lines[0], nil
}
