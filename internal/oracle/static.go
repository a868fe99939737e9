package oracle

import (
	"ramparse/internal/dumperr"
)

// Static answers from fixed tables, typically filled from the config file
// for dumps whose vmlinux is unavailable.
type Static struct {
	// Offsets is keyed by type then field.
	Offsets   map[string]map[string]uint64
	Sizes     map[string]uint64
	Addresses map[string]uint64

	// Lengths are symbol sizes in bytes. SymbolAt only resolves addresses
	// inside a symbol whose length is known, or its exact start.
	Lengths map[string]uint64
	Enums   map[string][]string

	syms *symbolTable
}

var _ Oracle = (*Static)(nil)

func (s *Static) FieldOffset(typ, field string) (uint64, error) {
	if off, ok := s.Offsets[typ][field]; ok {
		return off, nil
	}
	return 0, dumperr.Unavailablef("no offset for %s.%s", typ, field)
}

func (s *Static) SizeOf(typ string) (uint64, error) {
	if n, ok := s.Sizes[typ]; ok {
		return n, nil
	}
	return 0, dumperr.Unavailablef("no size for %s", typ)
}

func (s *Static) AddressOf(symbol string) (uint64, error) {
	if a, ok := s.Addresses[symbol]; ok {
		return a, nil
	}
	return 0, dumperr.Unavailablef("no address for %s", symbol)
}

func (s *Static) EnumLookup(enum string, count int) ([]string, error) {
	names, ok := s.Enums[enum]
	if !ok || len(names) < count {
		return nil, dumperr.Unavailablef("enum %s has %d known values, want %d", enum, len(names), count)
	}
	return names[:count], nil
}

func (s *Static) SymbolAt(addr uint64) (Symbol, error) {
	if s.syms == nil {
		syms := make([]elfSym, 0, len(s.Addresses))
		for name, a := range s.Addresses {
			syms = append(syms, elfSym{name: name, addr: a, size: s.Lengths[name]})
		}
		s.syms = newSymbolTable(syms)
		s.syms.exactUnsized = true
	}
	if sym, ok := s.syms.lookup(addr); ok {
		return sym, nil
	}
	return Symbol{}, dumperr.Unavailablef("no symbol at 0x%x", addr)
}
