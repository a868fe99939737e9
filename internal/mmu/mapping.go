package mmu

import (
	"fmt"
	"strings"

	"ramparse/internal/bitfield"
)

// Mapping is a resolved leaf: Size bytes at Virt map to Phys.
type Mapping struct {
	Virt  uint64
	Phys  uint64
	Size  uint64
	Level int
	Kind  Kind
	// Contiguous is set when the entry carries the contiguous hint or,
	// for short descriptors, is one of the replicated large page or
	// supersection encodings.
	Contiguous bool
	Attrs      Attributes
}

// Resolve returns the physical address of va inside m.
func (m Mapping) Resolve(va uint64) uint64 {
	return m.Phys + (va - m.Virt)
}

func (m Mapping) End() uint64 { return m.Virt + m.Size }

func (m Mapping) String() string {
	s := fmt.Sprintf("[0x%x-0x%x] -> [0x%x-0x%x] %s L%d", m.Virt, m.End(), m.Phys, m.Phys+m.Size, m.Kind, m.Level)
	if m.Contiguous {
		s += " contiguous"
	}
	if a := m.Attrs.String(); a != "" {
		s += " " + a
	}
	return s
}

// Long-descriptor leaf attribute fields.
var (
	attrSoftware   = bitfield.Range("software", 58, 55)
	attrXN         = bitfield.Bit("xn", 54)
	attrPXN        = bitfield.Bit("pxn", 53)
	attrContiguous = bitfield.Bit("contiguous", 52)
	attrNG         = bitfield.Bit("ng", 11)
	attrAF         = bitfield.Bit("af", 10)
	attrSH         = bitfield.Range("sh", 9, 8)
	attrAP         = bitfield.Range("ap", 7, 6)
	attrNS         = bitfield.Bit("ns", 5)
	attrIndx       = bitfield.Range("attrindx", 4, 2)

	longAttrFields = []bitfield.Field{
		attrSoftware, attrXN, attrPXN, attrContiguous, attrNG,
		attrAF, attrSH, attrAP, attrNS, attrIndx,
	}
)

// Attributes are the permission and memory type bits of a leaf.
type Attributes struct {
	reg  *bitfield.Register
	long bool
}

func longAttributes(desc uint64) Attributes {
	return Attributes{reg: bitfield.New(desc, longAttrFields...), long: true}
}

// Raw exposes the decoded register; nil for mappings without attributes.
func (a Attributes) Raw() *bitfield.Register { return a.reg }

func (a Attributes) Equal(o Attributes) bool {
	if a.reg == nil || o.reg == nil {
		return a.reg == nil && o.reg == nil
	}
	return a.long == o.long && a.reg.Equal(o.reg)
}

func (a Attributes) String() string {
	if a.reg == nil {
		return ""
	}
	if a.long {
		return a.longString()
	}
	return a.shortString()
}

func (a Attributes) longString() string {
	r := a.reg
	var parts []string
	if r.Get(attrXN) == 1 {
		parts = append(parts, "XN")
	}
	if r.Get(attrPXN) == 1 {
		parts = append(parts, "PXN")
	}
	if r.Get(attrContiguous) == 1 {
		parts = append(parts, "Contiguous")
	}
	if r.Get(attrNG) == 1 {
		parts = append(parts, "nG")
	}
	if r.Get(attrAF) == 1 {
		parts = append(parts, "AF")
	}
	switch r.Get(attrSH) {
	case 0:
		parts = append(parts, "Non-Shareable")
	case 2:
		parts = append(parts, "Outer Shareable")
	case 3:
		parts = append(parts, "Inner Shareable")
	default:
		parts = append(parts, "Invalid Shareability")
	}
	switch r.Get(attrAP) {
	case 0:
		parts = append(parts, "R/W@PL1")
	case 1:
		parts = append(parts, "R/W")
	case 2:
		parts = append(parts, "R/O@PL1")
	case 3:
		parts = append(parts, "R/O")
	}
	if r.Get(attrNS) == 1 {
		parts = append(parts, "NS")
	}
	parts = append(parts, fmt.Sprintf("AI=0x%x", r.Get(attrIndx)))
	if sw := r.Get(attrSoftware); sw != 0 {
		parts = append(parts, fmt.Sprintf("SW=0x%x", sw))
	}
	return strings.Join(parts, ",")
}

// Coalesce merges neighbouring mappings that are adjacent in both address
// spaces and carry equal attributes. The input must be in virtual order.
func Coalesce(ms []Mapping) []Mapping {
	if len(ms) == 0 {
		return nil
	}
	out := make([]Mapping, 0, len(ms))
	cur := ms[0]
	for _, m := range ms[1:] {
		if cur.End() == m.Virt && cur.Phys+cur.Size == m.Phys && cur.Attrs.Equal(m.Attrs) {
			cur.Size += m.Size
			cur.Contiguous = cur.Contiguous && m.Contiguous
			continue
		}
		out = append(out, cur)
		cur = m
	}
	return append(out, cur)
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
