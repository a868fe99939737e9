// Package memimage holds the physical memory captured in a ramdump as a set
// of disjoint segments and answers bounded physical reads against it.
package memimage

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Segment is one captured physical region. End is exclusive.
type Segment struct {
	Name  string
	Start uint64
	End   uint64
	Data  []byte
}

func (s *Segment) Size() uint64 { return s.End - s.Start }

func (s *Segment) contains(addr uint64) bool {
	return s.Start <= addr && addr < s.End
}

func (s *Segment) containsRange(addr, n uint64) bool {
	if !s.contains(addr) {
		return false
	}
	end := addr + n
	if end < addr {
		return false
	}
	return end <= s.End
}

func (s *Segment) slice(addr, n uint64) []byte {
	off := addr - s.Start
	return s.Data[off : off+n : off+n]
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s [0x%x, 0x%x)", s.Name, s.Start, s.End)
}

// Image is the immutable set of captured segments.
type Image struct {
	segs    []Segment
	closers []io.Closer
}

// New validates segs and returns an Image over them. Segments are sorted
// by start address; any overlap, size mismatch or an empty set is an error.
func New(segs []Segment) (*Image, error) {
	if len(segs) == 0 {
		return nil, errors.New("memory image has no segments")
	}
	sorted := make([]Segment, len(segs))
	copy(sorted, segs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i := range sorted {
		s := &sorted[i]
		if s.End <= s.Start {
			return nil, errors.Errorf("segment %s: empty or inverted range", s)
		}
		if uint64(len(s.Data)) != s.Size() {
			return nil, errors.Errorf("segment %s: have %d bytes, range needs %d", s, len(s.Data), s.Size())
		}
		if i > 0 && sorted[i-1].End > s.Start {
			return nil, errors.Errorf("segment %s overlaps %s", s, &sorted[i-1])
		}
	}
	return &Image{segs: sorted}, nil
}

func (im *Image) findSegment(addr uint64) *Segment {
	i := sort.Search(len(im.segs), func(i int) bool { return im.segs[i].End > addr })
	if i == len(im.segs) || !im.segs[i].contains(addr) {
		return nil
	}
	return &im.segs[i]
}

// ReadPhysical returns the n bytes at addr. It fails when any byte of the
// range falls outside a single segment, including ranges that straddle a
// gap or two adjacent segments. The slice aliases the image.
func (im *Image) ReadPhysical(addr, n uint64) ([]byte, bool) {
	s := im.findSegment(addr)
	if s == nil || !s.containsRange(addr, n) {
		return nil, false
	}
	return s.slice(addr, n), true
}

// Contains reports whether addr was captured.
func (im *Image) Contains(addr uint64) bool {
	return im.findSegment(addr) != nil
}

func (im *Image) ReadU8(addr uint64) (uint8, bool) {
	b, ok := im.ReadPhysical(addr, 1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (im *Image) ReadU16(addr uint64) (uint16, bool) {
	b, ok := im.ReadPhysical(addr, 2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (im *Image) ReadU32(addr uint64) (uint32, bool) {
	b, ok := im.ReadPhysical(addr, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (im *Image) ReadU64(addr uint64) (uint64, bool) {
	b, ok := im.ReadPhysical(addr, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// Segments returns the segments in address order.
func (im *Image) Segments() []Segment {
	out := make([]Segment, len(im.segs))
	copy(out, im.segs)
	return out
}

// Size is the number of captured bytes.
func (im *Image) Size() uint64 {
	var n uint64
	for i := range im.segs {
		n += im.segs[i].Size()
	}
	return n
}

// Close releases mapped segment files. The image must not be used after.
func (im *Image) Close() error {
	var first error
	for _, c := range im.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	im.closers = nil
	return first
}
