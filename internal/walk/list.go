package walk

import (
	"log/slog"

	"ramparse/internal/dumperr"
)

// ListLayout holds the offsets needed to follow a list_head chain.
type ListLayout struct {
	// Next and Prev are the offsets of the link pointers inside list_head.
	Next uint64
	Prev uint64
	// Container is the offset of the list_head member inside the
	// enclosing structure; visitors receive node addresses with it
	// subtracted.
	Container uint64
}

// ListWalker follows circular doubly linked lists from their head.
type ListWalker struct {
	Mem    PointerReader
	Layout ListLayout
}

// Walk visits every node reachable through next pointers from the list
// head at head, stopping when the chain returns to head. It returns the
// number of nodes visited. A repeated node or a null link ends the walk
// with a *dumperr.CorruptError; an unreadable link with ErrUnavailable.
// visit may return false to stop early without error.
func (w *ListWalker) Walk(head uint64, visit func(node uint64) bool) (int, error) {
	return w.walk(head, w.Layout.Next, visit)
}

// WalkReverse is Walk over prev pointers, starting at the tail.
func (w *ListWalker) WalkReverse(head uint64, visit func(node uint64) bool) (int, error) {
	return w.walk(head, w.Layout.Prev, visit)
}

func (w *ListWalker) walk(head, linkOff uint64, visit func(uint64) bool) (int, error) {
	seen := visitedSet{head: {}}
	count := 0

	cur, ok := w.Mem.ReadPointer(head + linkOff)
	if !ok {
		return 0, dumperr.Unavailablef("list head 0x%x", head)
	}
	for cur != head {
		if cur == 0 {
			return count, w.corrupt(head, cur, count, "null link")
		}
		if !seen.add(cur) {
			return count, w.corrupt(head, cur, count, "cycle")
		}
		count++
		if !visit(cur - w.Layout.Container) {
			return count, nil
		}
		next, ok := w.Mem.ReadPointer(cur + linkOff)
		if !ok {
			return count, dumperr.Unavailablef("list link at 0x%x", cur+linkOff)
		}
		cur = next
	}
	return count, nil
}

func (w *ListWalker) corrupt(head, addr uint64, count int, reason string) error {
	slog.Warn("Corrupt list", "head", hexAddr(head), "at", hexAddr(addr), "visited", count, "reason", reason)
	return &dumperr.CorruptError{Addr: addr, Visited: count, Reason: reason}
}
