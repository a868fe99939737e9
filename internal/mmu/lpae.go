package mmu

import (
	"github.com/pkg/errors"
)

// LPAE walks ARMv7 long-descriptor tables with 40-bit output addresses.
type LPAE struct {
	cached
	tables *longTables
	txsz   uint
}

var _ Translator = (*LPAE)(nil)

// NewLPAE returns a translator for the kernel table at root. txsz is
// TTBCR.T1SZ: the table maps the top 2^(32-txsz) bytes of the address
// space, and the walk starts at level 1 or level 2 accordingly.
func NewLPAE(mem PhysReader, root uint64, txsz uint) (*LPAE, error) {
	if _, err := lpaeSplit(txsz); err != nil {
		return nil, err
	}
	return &LPAE{
		cached: cached{NewCache()},
		tables: newLongTables(mem, root, 39, 32-txsz, 32, 1, true),
		txsz:   txsz,
	}, nil
}

// lpaeSplit returns the alignment of the first-level table for txsz.
func lpaeSplit(txsz uint) (uint, error) {
	if 32-int(txsz) > 30 {
		n := 5 - int(txsz)
		if n < 4 || n > 5 {
			return 0, errors.Errorf("txsz %d: first-level split %d out of range", txsz, n)
		}
		return uint(n), nil
	}
	n := 14 - int(txsz)
	if n < 7 || n > 12 {
		return 0, errors.Errorf("txsz %d: second-level split %d out of range", txsz, n)
	}
	return uint(n), nil
}

func (t *LPAE) Arch() Arch { return ARMv7LPAE }

// StartLevel is 1 or 2 depending on txsz.
func (t *LPAE) StartLevel() int { return t.tables.start }

func (t *LPAE) VirtToPhys(va uint64, useCache bool) (uint64, bool) {
	return t.cache.resolve(va, useCache, t.Translate)
}

func (t *LPAE) Translate(va uint64) (Mapping, error) {
	return t.tables.translate(va)
}

func (t *LPAE) Walk(fn func(Mapping) bool) error {
	return t.tables.walk(fn)
}
