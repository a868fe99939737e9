// Package oracle answers type layout and symbol questions about the kernel
// image a ramdump was taken from.
package oracle

import (
	"fmt"
)

// Symbol is the nearest symbol at or below an address.
type Symbol struct {
	Name    string
	Offset  uint64
	Section string
	// Module is the loadable module defining the symbol, empty for the
	// kernel image itself.
	Module string
	Addr   uint64
}

func (s Symbol) String() string {
	out := s.Name
	if s.Offset != 0 {
		out += fmt.Sprintf("+0x%x", s.Offset)
	}
	if s.Module != "" {
		out += " [" + s.Module + "]"
	}
	return out
}

// Oracle is the type and symbol source. Facts that cannot be answered
// are reported with dumperr.ErrUnavailable.
type Oracle interface {
	// FieldOffset returns the byte offset of field inside typ. typ is
	// spelled as in C, e.g. "struct task_struct".
	FieldOffset(typ, field string) (uint64, error)
	SizeOf(typ string) (uint64, error)
	AddressOf(symbol string) (uint64, error)
	// EnumLookup returns the names of the enum values 0..count-1.
	EnumLookup(enum string, count int) ([]string, error)
	SymbolAt(addr uint64) (Symbol, error)
}

// ContainerOf returns the address of the typ that embeds member at ptr.
func ContainerOf(o Oracle, ptr uint64, typ, member string) (uint64, error) {
	off, err := o.FieldOffset(typ, member)
	if err != nil {
		return 0, err
	}
	return ptr - off, nil
}

// SiblingFieldAddr returns the address of sibling inside the parent
// structure whose member lives at ptr.
func SiblingFieldAddr(o Oracle, ptr uint64, parent, member, sibling string) (uint64, error) {
	base, err := ContainerOf(o, ptr, parent, member)
	if err != nil {
		return 0, err
	}
	off, err := o.FieldOffset(parent, sibling)
	if err != nil {
		return 0, err
	}
	return base + off, nil
}

// ArrayIndex returns the address of element i of an array of typ at base.
func ArrayIndex(o Oracle, base uint64, typ string, i int) (uint64, error) {
	size, err := o.SizeOf(typ)
	if err != nil {
		return 0, err
	}
	return base + size*uint64(i), nil
}
