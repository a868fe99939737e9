package oracle

import (
	"debug/elf"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"ramparse/internal/dumperr"
)

type loadSeg struct {
	vaddr, off, filesz uint64
}

type elfSym struct {
	name    string
	addr    uint64
	size    uint64
	section string
}

// symbolTable is a vmlinux symbol table sorted by address.
type symbolTable struct {
	byAddr []elfSym
	byName map[string]uint64
	// exactUnsized limits symbols of unknown size to their first byte.
	exactUnsized bool
}

func newSymbolTable(syms []elfSym) *symbolTable {
	t := &symbolTable{byName: make(map[string]uint64, len(syms))}
	for _, s := range syms {
		if s.addr == 0 || s.name == "" || isMappingSymbol(s.name) {
			continue
		}
		t.byAddr = append(t.byAddr, s)
		if _, dup := t.byName[s.name]; !dup {
			t.byName[s.name] = s.addr
		}
	}
	sort.SliceStable(t.byAddr, func(i, j int) bool { return t.byAddr[i].addr < t.byAddr[j].addr })
	return t
}

// ARM mapping symbols mark code/data transitions and are not names.
func isMappingSymbol(name string) bool {
	if len(name) < 2 || name[0] != '$' {
		return false
	}
	switch name[1] {
	case 'a', 'd', 't', 'x':
		return len(name) == 2 || name[2] == '.'
	}
	return false
}

func (t *symbolTable) lookup(addr uint64) (Symbol, bool) {
	i := sort.Search(len(t.byAddr), func(i int) bool { return t.byAddr[i].addr > addr })
	if i == 0 {
		return Symbol{}, false
	}
	s := t.byAddr[i-1]
	switch {
	case s.size > 0 && addr-s.addr >= s.size:
		return Symbol{}, false
	case s.size == 0 && t.exactUnsized && addr != s.addr:
		return Symbol{}, false
	}
	return Symbol{Name: Demangle(s.name), Offset: addr - s.addr, Section: s.section, Addr: addr}, true
}

// ELFImage is a vmlinux opened for its symbol table and loadable contents.
// It can answer symbol questions but not type layout ones.
type ELFImage struct {
	Path  string
	file  *elf.File
	data  []byte
	loads []loadSeg
	syms  *symbolTable
}

var _ Oracle = (*ELFImage)(nil)

// OpenELF maps path and reads its .symtab.
func OpenELF(path string) (*ELFImage, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open elf")
	}
	of, err := os.Open(path)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "open file")
	}
	defer of.Close()
	fi, err := of.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat file")
	}
	data, err := unix.Mmap(int(of.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap file")
	}

	im := &ELFImage{Path: path, file: f, data: data}
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			im.loads = append(im.loads, loadSeg{vaddr: p.Vaddr, off: p.Off, filesz: p.Filesz})
		}
	}

	raw, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		im.Close()
		return nil, errors.Wrap(err, "read .symtab")
	}
	syms := make([]elfSym, 0, len(raw))
	for _, s := range raw {
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
		default:
			continue
		}
		var sec string
		if int(s.Section) > 0 && int(s.Section) < len(f.Sections) {
			sec = f.Sections[s.Section].Name
		}
		syms = append(syms, elfSym{name: s.Name, addr: s.Value, size: s.Size, section: sec})
	}
	im.syms = newSymbolTable(syms)
	return im, nil
}

// Close unmaps the image.
func (im *ELFImage) Close() error {
	var err error
	if im.data != nil {
		err = unix.Munmap(im.data)
		im.data = nil
	}
	if im.file != nil {
		if cerr := im.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		im.file = nil
	}
	return err
}

// Machine is the ELF e_machine of the image.
func (im *ELFImage) Machine() elf.Machine { return im.file.Machine }

func (im *ELFImage) vaToOff(va uint64) (uint64, bool) {
	for _, l := range im.loads {
		if va >= l.vaddr && va < l.vaddr+l.filesz {
			return l.off + (va - l.vaddr), true
		}
	}
	return 0, false
}

// ReadVA returns n bytes of the file image at va, used when kernel text
// was not captured in the dump.
func (im *ELFImage) ReadVA(va uint64, n int) ([]byte, bool) {
	off, ok := im.vaToOff(va)
	if !ok || n < 0 || off+uint64(n) > uint64(len(im.data)) {
		return nil, false
	}
	return im.data[off : off+uint64(n)], true
}

func (im *ELFImage) FieldOffset(typ, field string) (uint64, error) {
	return 0, dumperr.Unavailablef("%s: no type information for %s.%s", im.Path, typ, field)
}

func (im *ELFImage) SizeOf(typ string) (uint64, error) {
	return 0, dumperr.Unavailablef("%s: no type information for %s", im.Path, typ)
}

func (im *ELFImage) EnumLookup(enum string, _ int) ([]string, error) {
	return nil, dumperr.Unavailablef("%s: no type information for enum %s", im.Path, enum)
}

func (im *ELFImage) AddressOf(symbol string) (uint64, error) {
	if a, ok := im.syms.byName[strings.TrimPrefix(symbol, "&")]; ok {
		return a, nil
	}
	return 0, dumperr.Unavailablef("%s: no symbol %s", im.Path, symbol)
}

func (im *ELFImage) SymbolAt(addr uint64) (Symbol, error) {
	if s, ok := im.syms.lookup(addr); ok {
		return s, nil
	}
	return Symbol{}, dumperr.Unavailablef("no symbol at 0x%x", addr)
}
