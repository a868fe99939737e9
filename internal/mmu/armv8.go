package mmu

import (
	"github.com/pkg/errors"
)

// ARMv8Tables walks AArch64 tables with a 4 KB granule and 48-bit output
// addresses, using as many of the four levels as the VA width needs.
type ARMv8Tables struct {
	cached
	tables *longTables
}

var _ Translator = (*ARMv8Tables)(nil)

func NewARMv8(mem PhysReader, root uint64, vaBits uint, upper bool) (*ARMv8Tables, error) {
	if vaBits < 25 || vaBits > 48 {
		return nil, errors.Errorf("unsupported VA width %d", vaBits)
	}
	return &ARMv8Tables{
		cached: cached{NewCache()},
		tables: newLongTables(mem, root, 47, vaBits, 64, 1, upper),
	}, nil
}

func (t *ARMv8Tables) Arch() Arch { return ARMv8 }

// Levels is the number of table levels walked.
func (t *ARMv8Tables) Levels() int { return lastLevel - t.tables.start + 1 }

func (t *ARMv8Tables) VirtToPhys(va uint64, useCache bool) (uint64, bool) {
	return t.cache.resolve(va, useCache, t.Translate)
}

func (t *ARMv8Tables) Translate(va uint64) (Mapping, error) {
	return t.tables.translate(va)
}

func (t *ARMv8Tables) Walk(fn func(Mapping) bool) error {
	return t.tables.walk(fn)
}
