package mmu

import (
	"log/slog"

	"ramparse/internal/bitfield"
	"ramparse/internal/dumperr"
)

const (
	contiguousRun = 16
	lastLevel     = 3
)

var longType = bitfield.Range("type", 1, 0)

// levelShift is the lowest input address bit resolved at level with a 4 KB
// granule: 39, 30, 21 and 12 for levels 0 to 3.
func levelShift(level int) uint {
	return 12 + 9*uint(lastLevel-level)
}

// longTables is the walk shared by the LPAE and ARMv8 formats. They differ
// only in output address width, input width and the start level.
type longTables struct {
	mem  PhysReader
	root uint64
	// oaMSB is the top output address bit: 39 for LPAE, 47 for ARMv8.
	oaMSB uint
	// vaBits is the input address width translated by root.
	vaBits uint
	// inBits is the width of the whole input space: 32 for LPAE, 64 for ARMv8.
	inBits uint
	start  int
	// minBlock is the first level on which block descriptors are legal.
	minBlock int
	// upper places the table at the top of the input space (TTBR1).
	upper bool
}

func newLongTables(mem PhysReader, root uint64, oaMSB, vaBits, inBits uint, minBlock int, upper bool) *longTables {
	t := &longTables{mem: mem, oaMSB: oaMSB, vaBits: vaBits, inBits: inBits, minBlock: minBlock, upper: upper}
	t.start = lastLevel
	for t.start > 0 && vaBits > levelShift(t.start)+9 {
		t.start--
	}
	t.root = root & bitfield.Mask(oaMSB, t.rootAlign())
	return t
}

// rootAlign is the number of low address bits the first table is
// aligned to: three bits per descriptor plus the index width.
func (t *longTables) rootAlign() uint {
	msb, lsb := t.indexBits(t.start)
	return msb - lsb + 1 + 3
}

func (t *longTables) indexBits(level int) (uint, uint) {
	lsb := levelShift(level)
	if level == t.start {
		return t.vaBits - 1, lsb
	}
	return lsb + 8, lsb
}

func (t *longTables) entries(level int) int {
	msb, lsb := t.indexBits(level)
	return 1 << (msb - lsb + 1)
}

func (t *longTables) descAddr(table, index uint64) uint64 {
	return table | index<<3
}

// longOutputAddress keeps the output address bits of desc above split and
// takes the bits below it from va.
func longOutputAddress(desc, va uint64, oaMSB, split uint) uint64 {
	return desc&bitfield.Mask(oaMSB, split) | va&(uint64(1)<<split-1)
}

func (t *longTables) nextTable(desc uint64) uint64 {
	return desc & bitfield.Mask(t.oaMSB, 12)
}

// classify decodes the type bits for level. A non-nil error marks a
// present descriptor whose type is not allowed there.
func (t *longTables) classify(va, desc uint64, level int) (Kind, error) {
	switch longType.Extract(desc) {
	case 1:
		if level == lastLevel {
			return Invalid, &dumperr.TranslationError{VA: va, Level: level, Raw: desc, Reason: "reserved descriptor type at last level"}
		}
		if level < t.minBlock {
			return Invalid, &dumperr.TranslationError{VA: va, Level: level, Raw: desc, Reason: "block not permitted at this level"}
		}
		return Block, nil
	case 3:
		if level == lastLevel {
			return Page, nil
		}
		return Table, nil
	}
	return Invalid, nil
}

func (t *longTables) leaf(desc, va uint64, level int, kind Kind) Mapping {
	split := levelShift(level)
	size := uint64(1) << split
	virt := va &^ (size - 1)
	return Mapping{
		Virt:       virt,
		Phys:       longOutputAddress(desc, virt, t.oaMSB, split),
		Size:       size,
		Level:      level,
		Kind:       kind,
		Contiguous: attrContiguous.Extract(desc) == 1,
		Attrs:      longAttributes(desc),
	}
}

// region returns the bits above vaBits that every translated address must
// carry: all set for the upper half, all clear for the lower one.
func (t *longTables) region() (mask, want uint64) {
	if t.vaBits >= t.inBits {
		return 0, 0
	}
	mask = bitfield.Mask(t.inBits-1, t.vaBits)
	if t.upper {
		want = mask
	}
	return mask, want
}

func (t *longTables) inRange(va uint64) bool {
	if t.inBits < 64 && va>>t.inBits != 0 {
		return false
	}
	mask, want := t.region()
	return va&mask == want
}

func (t *longTables) translate(va uint64) (Mapping, error) {
	if !t.inRange(va) {
		return Mapping{}, dumperr.Unavailablef("0x%x: outside the %d-bit range of this table", va, t.vaBits)
	}
	table := t.root
	for level := t.start; level <= lastLevel; level++ {
		msb, lsb := t.indexBits(level)
		addr := t.descAddr(table, bitfield.Bits(va, msb, lsb))
		desc, ok := t.mem.ReadU64(addr)
		if !ok {
			return Mapping{}, dumperr.Unavailablef("level %d descriptor at 0x%x not captured", level, addr)
		}
		kind, err := t.classify(va, desc, level)
		if err != nil {
			return Mapping{}, err
		}
		switch kind {
		case Invalid:
			return Mapping{}, dumperr.Unavailablef("0x%x: level %d fault", va, level)
		case Table:
			table = t.nextTable(desc)
		default:
			m := t.leaf(desc, va, level, kind)
			m.Virt = t.canonical(m.Virt)
			return m, nil
		}
	}
	return Mapping{}, dumperr.Unavailablef("0x%x: no leaf", va)
}

func (t *longTables) canonical(va uint64) uint64 {
	_, want := t.region()
	return va | want
}

func (t *longTables) walk(fn func(Mapping) bool) error {
	t.walkTable(t.root, t.start, 0, fn)
	return nil
}

func (t *longTables) walkTable(table uint64, level int, base uint64, fn func(Mapping) bool) bool {
	shift := levelShift(level)
	n := t.entries(level)
	for i := 0; i < n; i++ {
		addr := t.descAddr(table, uint64(i))
		desc, ok := t.mem.ReadU64(addr)
		if !ok {
			continue
		}
		va := base | uint64(i)<<shift
		kind, err := t.classify(va, desc, level)
		if err != nil {
			slog.Debug("Skipping bad descriptor", "addr", hexAddr(addr), "error", err)
			continue
		}
		switch kind {
		case Invalid:
			continue
		case Table:
			if !t.walkTable(t.nextTable(desc), level+1, va, fn) {
				return false
			}
			continue
		}

		m := t.leaf(desc, va, level, kind)
		if m.Contiguous && i%contiguousRun == 0 && i+contiguousRun <= n {
			m.Size *= contiguousRun
			m.Phys &^= m.Size - 1
			i += contiguousRun - 1
		}
		m.Virt = t.canonical(m.Virt)
		if !fn(m) {
			return false
		}
	}
	return true
}
