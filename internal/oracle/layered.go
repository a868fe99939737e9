package oracle

import (
	"github.com/pkg/errors"

	"ramparse/internal/dumperr"
)

// Layered asks each oracle in turn and returns the first answer. Only
// unavailable facts fall through; any other error stops the lookup.
type Layered []Oracle

var _ Oracle = Layered(nil)

func firstOf[T any](l Layered, what string, ask func(Oracle) (T, error)) (T, error) {
	var zero T
	var last error
	for _, o := range l {
		v, err := ask(o)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, dumperr.ErrUnavailable) {
			return zero, err
		}
		last = err
	}
	if last == nil {
		last = dumperr.Unavailablef("%s: no oracle configured", what)
	}
	return zero, last
}

func (l Layered) FieldOffset(typ, field string) (uint64, error) {
	return firstOf(l, typ+"."+field, func(o Oracle) (uint64, error) { return o.FieldOffset(typ, field) })
}

func (l Layered) SizeOf(typ string) (uint64, error) {
	return firstOf(l, typ, func(o Oracle) (uint64, error) { return o.SizeOf(typ) })
}

func (l Layered) AddressOf(symbol string) (uint64, error) {
	return firstOf(l, symbol, func(o Oracle) (uint64, error) { return o.AddressOf(symbol) })
}

func (l Layered) EnumLookup(enum string, count int) ([]string, error) {
	return firstOf(l, enum, func(o Oracle) ([]string, error) { return o.EnumLookup(enum, count) })
}

func (l Layered) SymbolAt(addr uint64) (Symbol, error) {
	return firstOf(l, "symbol", func(o Oracle) (Symbol, error) { return o.SymbolAt(addr) })
}
