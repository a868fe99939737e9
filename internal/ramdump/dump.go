// Package ramdump is an analysis session over one captured memory image:
// it translates kernel virtual addresses, reads typed values and
// answers structure and stack questions with help from a symbol oracle.
package ramdump

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"ramparse/internal/dumperr"
	"ramparse/internal/memimage"
	"ramparse/internal/mmu"
	"ramparse/internal/oracle"
	"ramparse/internal/unwind"
)

const (
	pageSize       = 0x1000
	symbolCacheLen = 4096
)

// Options is the kernel memory geometry of the dump.
type Options struct {
	Arch   mmu.Arch
	VABits uint
	TxSz   uint
	// PhysOffset and PageOffset place the linear map: PageOffset maps
	// to PhysOffset.
	PhysOffset uint64
	PageOffset uint64
	// KimageVOffset is the arm64 kernel image delta used for addresses
	// below the linear map.
	KimageVOffset uint64
	// PageTable is the physical root; zero looks up swapper_pg_dir.
	PageTable     uint64
	ThreadSize    uint64
	AbsoluteIndex bool
	MaxDepth      int
}

// Dump is a read-only analysis session.
type Dump struct {
	opts   Options
	mem    *memimage.Image
	oracle oracle.Oracle
	mmu    mmu.Translator

	stepper unwind.Stepper
	symbols *lru.Cache[uint64, oracle.Symbol]
}

// Open builds the page-table translator for mem. The image and oracle stay
// owned by the caller.
func Open(mem *memimage.Image, o oracle.Oracle, opts Options) (*Dump, error) {
	if opts.ThreadSize == 0 || opts.ThreadSize&(opts.ThreadSize-1) != 0 {
		return nil, errors.Errorf("thread size 0x%x is not a power of two", opts.ThreadSize)
	}
	cache, err := lru.New[uint64, oracle.Symbol](symbolCacheLen)
	if err != nil {
		return nil, errors.Wrap(err, "symbol cache")
	}
	d := &Dump{opts: opts, mem: mem, oracle: o, symbols: cache}

	root := opts.PageTable
	if root == 0 {
		va, err := o.AddressOf("swapper_pg_dir")
		if err != nil {
			return nil, errors.Wrap(err, "locate kernel page table")
		}
		root = d.VirtToPhysLinear(va)
		if opts.Arch == mmu.ARMv7LPAE && opts.TxSz == 2 {
			// TTBR1 skips the pgd and the first three pmd tables
			root += 4096 * (1 + 3)
		}
	}
	d.mmu, err = mmu.New(mem, mmu.Geometry{
		Arch:   opts.Arch,
		Root:   root,
		TxSz:   opts.TxSz,
		VABits: opts.VABits,
		Upper:  opts.Arch == mmu.ARMv8,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "page table at 0x%x", root)
	}
	slog.Debug("Opened dump", "arch", opts.Arch, "root", hexAddr(root), "segments", len(mem.Segments()))
	return d, nil
}

func (d *Dump) Options() Options           { return d.opts }
func (d *Dump) Image() *memimage.Image     { return d.mem }
func (d *Dump) Oracle() oracle.Oracle      { return d.oracle }
func (d *Dump) Translator() mmu.Translator { return d.mmu }

// PointerSize is 8 on arm64 and 4 otherwise.
func (d *Dump) PointerSize() uint64 {
	if d.opts.Arch.Is64() {
		return 8
	}
	return 4
}

// Translate resolves va through the page tables.
func (d *Dump) Translate(va uint64) (uint64, bool) {
	return d.mmu.VirtToPhys(va, true)
}

// VirtToPhysLinear converts a linear-map or kernel-image address without
// the page tables.
func (d *Dump) VirtToPhysLinear(va uint64) uint64 {
	if d.opts.Arch.Is64() && d.opts.KimageVOffset != 0 && va < d.opts.PageOffset {
		return va - d.opts.KimageVOffset
	}
	return va - d.opts.PageOffset + d.opts.PhysOffset
}

// PhysToVirt is the inverse of the linear map.
func (d *Dump) PhysToVirt(pa uint64) uint64 {
	return pa - d.opts.PhysOffset + d.opts.PageOffset
}

// ReadVirt reads n bytes at va, translating each page separately. The
// result is a copy.
func (d *Dump) ReadVirt(va, n uint64) ([]byte, error) {
	out := make([]byte, 0, n)
	for n > 0 {
		chunk := min(pageSize-va%pageSize, n)
		pa, ok := d.mmu.VirtToPhys(va, true)
		if !ok {
			return nil, dumperr.Unavailablef("va 0x%x not mapped", va)
		}
		b, ok := d.mem.ReadPhysical(pa, chunk)
		if !ok {
			return nil, dumperr.Unavailablef("va 0x%x (pa 0x%x) not captured", va, pa)
		}
		out = append(out, b...)
		va += chunk
		n -= chunk
	}
	return out, nil
}

func (d *Dump) ReadU32(va uint64) (uint32, bool) {
	b, err := d.ReadVirt(va, 4)
	if err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (d *Dump) ReadU64(va uint64) (uint64, bool) {
	b, err := d.ReadVirt(va, 8)
	if err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// ReadPointer reads a native pointer.
func (d *Dump) ReadPointer(va uint64) (uint64, bool) {
	if d.opts.Arch.Is64() {
		return d.ReadU64(va)
	}
	v, ok := d.ReadU32(va)
	return uint64(v), ok
}

// ReadCString reads a NUL terminated string of at most limit bytes.
func (d *Dump) ReadCString(va uint64, limit int) (string, error) {
	b, err := d.ReadVirt(va, uint64(limit))
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

// ContainerOf maps a member address back to its enclosing structure.
func (d *Dump) ContainerOf(ptr uint64, typ, member string) (uint64, error) {
	return oracle.ContainerOf(d.oracle, ptr, typ, member)
}

func (d *Dump) SiblingFieldAddr(ptr uint64, parent, member, sibling string) (uint64, error) {
	return oracle.SiblingFieldAddr(d.oracle, ptr, parent, member, sibling)
}

func (d *Dump) ArrayIndex(base uint64, typ string, i int) (uint64, error) {
	return oracle.ArrayIndex(d.oracle, base, typ, i)
}

// ReadField reads the pointer-sized field of the typ at addr.
func (d *Dump) ReadField(addr uint64, typ, field string) (uint64, error) {
	off, err := d.oracle.FieldOffset(typ, field)
	if err != nil {
		return 0, err
	}
	v, ok := d.ReadPointer(addr + off)
	if !ok {
		return 0, dumperr.Unavailablef("%s.%s at 0x%x", typ, field, addr+off)
	}
	return v, nil
}

// Symbolize returns the symbol covering addr. Answers are kept in a
// bounded cache.
func (d *Dump) Symbolize(addr uint64) (oracle.Symbol, error) {
	if s, ok := d.symbols.Get(addr); ok {
		return s, nil
	}
	s, err := d.oracle.SymbolAt(addr)
	if err != nil {
		return oracle.Symbol{}, err
	}
	d.symbols.Add(addr, s)
	return s, nil
}

// Describe renders addr as symbol+offset, or bare hex when unknown.
func (d *Dump) Describe(addr uint64) string {
	s, err := d.Symbolize(addr)
	if err != nil {
		return hexAddr(addr)
	}
	return s.String()
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
