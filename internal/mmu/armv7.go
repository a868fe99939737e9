package mmu

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"ramparse/internal/bitfield"
	"ramparse/internal/dumperr"
)

const (
	l1Entries = 4096
	l2Entries = 256

	sectionSize      = 1 << 20
	supersectionSize = 16 << 20
	largePageSize    = 64 << 10
	smallPageSize    = 4 << 10
)

var (
	sdType         = bitfield.Range("type", 1, 0)
	sdSupersection = bitfield.Bit("supersection", 18)
	sdSectionBase  = bitfield.Range("base", 31, 20)
	sdSuperBase    = bitfield.Range("base", 31, 24)
	sdSuperExt1    = bitfield.Range("ext1", 23, 20) // PA[35:32]
	sdSuperExt2    = bitfield.Range("ext2", 8, 5)   // PA[39:36]
	sdTableBase    = bitfield.Range("base", 31, 10)
	sdSmallBase    = bitfield.Range("base", 31, 12)
	sdLargeBase    = bitfield.Range("base", 31, 16)

	sdL1Index = bitfield.Range("l1", 31, 20)
	sdL2Index = bitfield.Range("l2", 19, 12)

	// section and supersection attributes
	secB   = bitfield.Bit("b", 2)
	secC   = bitfield.Bit("c", 3)
	secXN  = bitfield.Bit("xn", 4)
	secDom = bitfield.Range("domain", 8, 5)
	secAP  = bitfield.Range("ap", 11, 10)
	secTEX = bitfield.Range("tex", 14, 12)
	secAPX = bitfield.Bit("apx", 15)
	secS   = bitfield.Bit("s", 16)
	secNG  = bitfield.Bit("ng", 17)
	secNS  = bitfield.Bit("ns", 19)

	// small page attributes; large pages move XN and TEX
	pgXN      = bitfield.Bit("xn", 0)
	pgB       = bitfield.Bit("b", 2)
	pgC       = bitfield.Bit("c", 3)
	pgAP      = bitfield.Range("ap", 5, 4)
	pgTEX     = bitfield.Range("tex", 8, 6)
	pgAPX     = bitfield.Bit("apx", 9)
	pgS       = bitfield.Bit("s", 10)
	pgNG      = bitfield.Bit("ng", 11)
	lpgTEX    = bitfield.Range("tex", 14, 12)
	lpgXN     = bitfield.Bit("xn", 15)
	sectionAt = []bitfield.Field{secB, secC, secXN, secAP, secTEX, secAPX, secS, secNG, secNS}
	smallAt   = []bitfield.Field{pgXN, pgB, pgC, pgAP, pgTEX, pgAPX, pgS, pgNG}
	largeAt   = []bitfield.Field{lpgXN, pgB, pgC, pgAP, lpgTEX, pgAPX, pgS, pgNG}
)

func shortAttributes(desc uint32, fields []bitfield.Field) Attributes {
	return Attributes{reg: bitfield.New(uint64(desc), fields...)}
}

func (a Attributes) shortString() string {
	var parts []string
	for _, f := range a.reg.Fields() {
		v := a.reg.Get(f)
		if f.Width() == 1 {
			if v == 1 {
				parts = append(parts, strings.ToUpper(f.Name))
			}
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%d", strings.ToUpper(f.Name), v))
	}
	return strings.Join(parts, ",")
}

type l2Table struct {
	base    uint64
	entries [l2Entries]uint32
	present [l2Entries]bool
}

// ARMv7Short walks ARMv7 short-descriptor tables. Both table levels are
// read once at construction.
type ARMv7Short struct {
	cached
	root    uint64
	l1      [l1Entries]uint32
	present [l1Entries]bool
	l2      map[int]*l2Table
}

var _ Translator = (*ARMv7Short)(nil)

// NewARMv7 reads the 16 KB first-level table at root and every second
// level table it references.
func NewARMv7(mem PhysReader, root uint64) (*ARMv7Short, error) {
	root &^= 0x3fff
	t := &ARMv7Short{cached: cached{NewCache()}, root: root, l2: make(map[int]*l2Table)}

	var captured int
	for i := 0; i < l1Entries; i++ {
		d, ok := mem.ReadU32(root + uint64(i)*4)
		if !ok {
			continue
		}
		captured++
		t.l1[i], t.present[i] = d, true
		if sdType.Extract(uint64(d)) != 1 {
			continue
		}
		l2 := &l2Table{base: sdTableBase.Extract(uint64(d)) << 10}
		for j := 0; j < l2Entries; j++ {
			l2.entries[j], l2.present[j] = mem.ReadU32(l2.base + uint64(j)*4)
		}
		t.l2[i] = l2
	}
	if captured == 0 {
		return nil, errors.Errorf("first-level table at 0x%x not captured", root)
	}
	slog.Debug("Loaded short-descriptor tables", "root", hexAddr(root), "l1", captured, "l2", len(t.l2))
	return t, nil
}

func (t *ARMv7Short) Arch() Arch { return ARMv7 }

func (t *ARMv7Short) VirtToPhys(va uint64, useCache bool) (uint64, bool) {
	return t.cache.resolve(va, useCache, t.Translate)
}

// shortOutputAddress rebuilds the physical address from a leaf descriptor.
func shortOutputAddress(desc uint32, kind shortLeaf, va uint64) uint64 {
	d := uint64(desc)
	switch kind {
	case leafSection:
		return sdSectionBase.Extract(d)<<20 | bitfield.Bits(va, 19, 0)
	case leafSupersection:
		return sdSuperBase.Extract(d)<<24 |
			sdSuperExt1.Extract(d)<<32 |
			sdSuperExt2.Extract(d)<<36 |
			bitfield.Bits(va, 23, 0)
	case leafLarge:
		return sdLargeBase.Extract(d)<<16 | bitfield.Bits(va, 15, 0)
	default:
		return sdSmallBase.Extract(d)<<12 | bitfield.Bits(va, 11, 0)
	}
}

type shortLeaf int

const (
	leafSection shortLeaf = iota
	leafSupersection
	leafLarge
	leafSmall
)

func (k shortLeaf) size() uint64 {
	switch k {
	case leafSection:
		return sectionSize
	case leafSupersection:
		return supersectionSize
	case leafLarge:
		return largePageSize
	}
	return smallPageSize
}

func (k shortLeaf) mapping(desc uint32, va uint64, level int) Mapping {
	size := k.size()
	m := Mapping{
		Virt:       va &^ (size - 1),
		Size:       size,
		Level:      level,
		Kind:       Page,
		Contiguous: k == leafSupersection || k == leafLarge,
	}
	m.Phys = shortOutputAddress(desc, k, m.Virt)
	switch k {
	case leafSection, leafSupersection:
		m.Kind = Block
		m.Attrs = shortAttributes(desc, sectionAt)
		if k == leafSection {
			m.Attrs.reg.Declare(secDom)
		}
	case leafLarge:
		m.Attrs = shortAttributes(desc, largeAt)
	default:
		m.Attrs = shortAttributes(desc, smallAt)
	}
	return m
}

func (t *ARMv7Short) Translate(va uint64) (Mapping, error) {
	if va>>32 != 0 {
		return Mapping{}, dumperr.Unavailablef("0x%x is wider than 32 bits", va)
	}
	i := int(sdL1Index.Extract(va))
	if !t.present[i] {
		return Mapping{}, dumperr.Unavailablef("l1 entry %d for 0x%x not captured", i, va)
	}
	d := t.l1[i]
	switch sdType.Extract(uint64(d)) {
	case 0:
		return Mapping{}, dumperr.Unavailablef("0x%x: l1 fault", va)
	case 1:
		return t.translateL2(va, i)
	case 2:
		if sdSupersection.Extract(uint64(d)) == 1 {
			return leafSupersection.mapping(d, va, 1), nil
		}
		return leafSection.mapping(d, va, 1), nil
	}
	return Mapping{}, &dumperr.TranslationError{VA: va, Level: 1, Raw: uint64(d), Reason: "reserved first-level type"}
}

func (t *ARMv7Short) translateL2(va uint64, i int) (Mapping, error) {
	l2 := t.l2[i]
	j := int(sdL2Index.Extract(va))
	if l2 == nil || !l2.present[j] {
		return Mapping{}, dumperr.Unavailablef("l2 entry %d for 0x%x not captured", j, va)
	}
	d := l2.entries[j]
	switch sdType.Extract(uint64(d)) {
	case 0:
		return Mapping{}, dumperr.Unavailablef("0x%x: l2 fault", va)
	case 1:
		return leafLarge.mapping(d, va, 2), nil
	default:
		return leafSmall.mapping(d, va, 2), nil
	}
}

// Walk reports sections and pages in virtual order. The sixteen copies of
// a supersection or large page descriptor are reported once.
func (t *ARMv7Short) Walk(fn func(Mapping) bool) error {
	for i := 0; i < l1Entries; i++ {
		if !t.present[i] {
			continue
		}
		d := t.l1[i]
		va := uint64(i) << 20
		switch sdType.Extract(uint64(d)) {
		case 1:
			if !t.walkL2(i, va, fn) {
				return nil
			}
		case 2:
			kind := leafSection
			if sdSupersection.Extract(uint64(d)) == 1 {
				kind = leafSupersection
				i |= 0xf
			}
			if !fn(kind.mapping(d, va, 1)) {
				return nil
			}
		}
	}
	return nil
}

func (t *ARMv7Short) walkL2(i int, base uint64, fn func(Mapping) bool) bool {
	l2 := t.l2[i]
	if l2 == nil {
		return true
	}
	for j := 0; j < l2Entries; j++ {
		if !l2.present[j] {
			continue
		}
		d := l2.entries[j]
		va := base | uint64(j)<<12
		var m Mapping
		switch sdType.Extract(uint64(d)) {
		case 0:
			continue
		case 1:
			m = leafLarge.mapping(d, va, 2)
			j |= 0xf
		default:
			m = leafSmall.mapping(d, va, 2)
		}
		if !fn(m) {
			return false
		}
	}
	return true
}
