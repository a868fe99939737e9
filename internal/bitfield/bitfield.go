// Package bitfield decodes named bit ranges of hardware descriptor words.
package bitfield

import (
	"fmt"
	"sort"
	"strings"
)

// Mask returns a value with bits msb..lsb set.
func Mask(msb, lsb uint) uint64 {
	if msb >= 63 {
		return ^uint64(0) << lsb
	}
	return (uint64(1)<<(msb+1) - 1) &^ (uint64(1)<<lsb - 1)
}

// Bits extracts bits msb..lsb of v, right aligned.
func Bits(v uint64, msb, lsb uint) uint64 {
	return (v & Mask(msb, lsb)) >> lsb
}

// Field names an inclusive bit range.
type Field struct {
	Name string
	MSB  uint
	LSB  uint
}

// Bit returns a single-bit field.
func Bit(name string, n uint) Field {
	return Field{Name: name, MSB: n, LSB: n}
}

// Range returns a field spanning msb..lsb.
func Range(name string, msb, lsb uint) Field {
	if msb < lsb {
		panic(fmt.Sprintf("bitfield %q: msb %d below lsb %d", name, msb, lsb))
	}
	return Field{Name: name, MSB: msb, LSB: lsb}
}

func (f Field) Mask() uint64 { return Mask(f.MSB, f.LSB) }

func (f Field) Width() uint { return f.MSB - f.LSB + 1 }

func (f Field) Extract(v uint64) uint64 { return Bits(v, f.MSB, f.LSB) }

// Insert clears the field in v and stores x there. Bits of x wider than
// the field are dropped.
func (f Field) Insert(v, x uint64) uint64 {
	return (v &^ f.Mask()) | ((x << f.LSB) & f.Mask())
}

func (f Field) String() string {
	return fmt.Sprintf("%s[%d:%d]", f.Name, f.MSB, f.LSB)
}

// Register is a raw value together with the set of fields it was declared
// with. Two registers compare equal when they declare the same fields and
// every field decodes to the same value.
type Register struct {
	value  uint64
	fields map[string]Field
}

// New returns a register holding value with the given fields declared.
func New(value uint64, fields ...Field) *Register {
	r := &Register{value: value, fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		r.Declare(f)
	}
	return r
}

// Declare adds f to the field set. Redeclaring a name replaces it.
func (r *Register) Declare(f Field) {
	r.fields[f.Name] = f
}

func (r *Register) Value() uint64 { return r.value }

// Get decodes f. The field does not have to be declared.
func (r *Register) Get(f Field) uint64 {
	return f.Extract(r.value)
}

// Set stores x into f.
func (r *Register) Set(f Field, x uint64) {
	r.value = f.Insert(r.value, x)
}

// Fields returns the declared fields ordered from the most significant bit.
func (r *Register) Fields() []Field {
	out := make([]Field, 0, len(r.fields))
	for _, f := range r.fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MSB != out[j].MSB {
			return out[i].MSB > out[j].MSB
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (r *Register) Equal(o *Register) bool {
	if r == nil || o == nil {
		return r == o
	}
	if len(r.fields) != len(o.fields) {
		return false
	}
	for name, f := range r.fields {
		of, ok := o.fields[name]
		if !ok || of != f {
			return false
		}
		if f.Extract(r.value) != f.Extract(o.value) {
			return false
		}
	}
	return true
}

func (r *Register) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "value: 0x%x {", r.value)
	for i, f := range r.Fields() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=>0x%x", f, f.Extract(r.value))
	}
	b.WriteString("}")
	return b.String()
}
