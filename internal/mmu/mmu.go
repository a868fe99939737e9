// Package mmu translates kernel virtual addresses to physical addresses by
// walking the page tables captured in a ramdump.
//
// Three table formats are supported: the ARMv7 short-descriptor format,
// the ARMv7 long-descriptor format (LPAE) and the ARMv8 4 KB granule
// format. A translator is bound to one page-table root and owns its own
// translation cache.
package mmu

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// PhysReader is the physical memory a translator walks. *memimage.Image
// implements it.
type PhysReader interface {
	ReadU32(addr uint64) (uint32, bool)
	ReadU64(addr uint64) (uint64, bool)
}

// Arch selects the page-table format.
type Arch int

const (
	ARMv7 Arch = iota + 1
	ARMv7LPAE
	ARMv8
)

func (a Arch) String() string {
	switch a {
	case ARMv7:
		return "armv7"
	case ARMv7LPAE:
		return "armv7-lpae"
	case ARMv8:
		return "armv8"
	}
	return fmt.Sprintf("arch(%d)", int(a))
}

// ParseArch accepts the names used in layout files.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "arm", "armv7", "arm32":
		return ARMv7, nil
	case "arm-lpae", "armv7-lpae", "lpae":
		return ARMv7LPAE, nil
	case "arm64", "armv8", "aarch64":
		return ARMv8, nil
	}
	return 0, errors.Errorf("unknown architecture %q", s)
}

// Is64 reports whether pointers are 8 bytes wide.
func (a Arch) Is64() bool { return a == ARMv8 }

// Kind is the decoded type of a translation table descriptor.
type Kind int

const (
	Invalid Kind = iota
	Block
	Table
	Page
)

func (k Kind) String() string {
	switch k {
	case Block:
		return "block"
	case Table:
		return "table"
	case Page:
		return "page"
	}
	return "invalid"
}

// Translator maps virtual addresses through one page-table root.
type Translator interface {
	Arch() Arch
	// VirtToPhys returns the physical address for va. With useCache false
	// the tables are walked again; the result is still remembered if va
	// had no cached answer yet.
	VirtToPhys(va uint64, useCache bool) (uint64, bool)
	// Translate walks the tables for va without the cache and returns the
	// leaf mapping. Every failure matches dumperr.ErrUnavailable.
	Translate(va uint64) (Mapping, error)
	// Walk calls fn for each leaf mapping in ascending virtual order until
	// fn returns false.
	Walk(fn func(Mapping) bool) error
	CacheStats() CacheStats
}

// Geometry describes a page-table root.
type Geometry struct {
	Arch Arch
	// Root is the physical address of the first-level table.
	Root uint64
	// TxSz is TTBCR.T1SZ for LPAE.
	TxSz uint
	// VABits is the virtual address width for ARMv8.
	VABits uint
	// Upper marks an ARMv8 table that maps the TTBR1 half.
	Upper bool
}

// New returns the translator for g.
func New(mem PhysReader, g Geometry) (Translator, error) {
	switch g.Arch {
	case ARMv7:
		return NewARMv7(mem, g.Root)
	case ARMv7LPAE:
		return NewLPAE(mem, g.Root, g.TxSz)
	case ARMv8:
		return NewARMv8(mem, g.Root, g.VABits, g.Upper)
	}
	return nil, errors.Errorf("no translator for %s", g.Arch)
}
