package unwind

import (
	"log/slog"
	"sort"

	"ramparse/internal/dumperr"
)

// entrySize is the size of one .ARM.exidx entry.
const entrySize = 8

// cantUnwind marks a function that must not be unwound through.
const cantUnwind = 1

// IndexEntry is one .ARM.exidx entry.
type IndexEntry struct {
	// Addr is where the entry itself lives.
	Addr uint64
	// Offset is the prel31 reference to the function, or its address in
	// absolute tables.
	Offset uint32
	Insn   uint32
	// Func is the resolved function start.
	Func uint64
}

// Index is a loaded unwind index table.
type Index struct {
	start    uint64
	entries  []IndexEntry
	origin   int
	absolute bool
}

// prel31ToAddr resolves the 31-bit place-relative offset stored at ptr.
func prel31ToAddr(ptr uint64, word uint32) uint64 {
	off := int32(word<<1) >> 1
	return uint64(uint32(int32(uint32(ptr)) + off))
}

// LoadIndex reads the entries in [start, stop). Kernels before 3.4 store
// absolute function addresses; pass absolute for those.
func LoadIndex(mem Memory, start, stop uint64, absolute bool) (*Index, error) {
	if stop <= start {
		return nil, dumperr.Unavailablef("empty unwind index [0x%x, 0x%x)", start, stop)
	}
	n := (stop - start) / entrySize
	ix := &Index{start: start, entries: make([]IndexEntry, 0, n), absolute: absolute}
	for i := uint64(0); i < n; i++ {
		addr := start + i*entrySize
		off, ok1 := mem.ReadU32(addr)
		insn, ok2 := mem.ReadU32(addr + 4)
		if !ok1 || !ok2 {
			return nil, dumperr.Unavailablef("unwind index entry at 0x%x", addr)
		}
		e := IndexEntry{Addr: addr, Offset: off, Insn: insn, Func: uint64(off)}
		if !absolute {
			e.Func = prel31ToAddr(addr, off)
		}
		ix.entries = append(ix.entries, e)
	}
	ix.origin = ix.findOrigin()
	slog.Debug("Loaded unwind index", "entries", len(ix.entries), "origin", ix.origin, "absolute", absolute)
	return ix, nil
}

// findOrigin returns the first entry with a non-negative offset. Entries
// before it describe code below the index, entries after it code above.
func (ix *Index) findOrigin() int {
	if ix.absolute {
		return 0
	}
	return sort.Search(len(ix.entries), func(i int) bool {
		return ix.entries[i].Offset < 0x40000000
	})
}

func (ix *Index) Len() int { return len(ix.entries) }

// Find returns the entry covering pc.
func (ix *Index) Find(pc uint64) (IndexEntry, bool) {
	lo, hi := 0, len(ix.entries)
	if !ix.absolute {
		if pc < ix.start {
			hi = ix.origin
		} else {
			lo = ix.origin
		}
	}
	part := ix.entries[lo:hi]
	i := sort.Search(len(part), func(i int) bool { return part[i].Func > pc })
	if i == 0 {
		return IndexEntry{}, false
	}
	return part[i-1], true
}
