// Package walk iterates kernel linked structures (list_head lists and
// rb_node trees) inside a memory snapshot. Every walk keeps its own set of
// visited addresses so that corrupted links end the walk instead of
// looping forever.
package walk

// PointerReader reads one pointer-sized word at a kernel virtual address.
type PointerReader interface {
	ReadPointer(va uint64) (uint64, bool)
}

// PointerReaderFunc adapts a function to PointerReader.
type PointerReaderFunc func(va uint64) (uint64, bool)

func (f PointerReaderFunc) ReadPointer(va uint64) (uint64, bool) { return f(va) }

type visitedSet map[uint64]struct{}

// add reports false if addr was already present.
func (s visitedSet) add(addr uint64) bool {
	if _, ok := s[addr]; ok {
		return false
	}
	s[addr] = struct{}{}
	return true
}
