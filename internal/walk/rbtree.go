package walk

import (
	"fmt"
	"log/slog"

	"ramparse/internal/dumperr"
)

// RbLayout holds the child pointer offsets of struct rb_node.
type RbLayout struct {
	Left  uint64
	Right uint64
}

// RbTreeWalker visits the nodes of a red-black tree in order.
type RbTreeWalker struct {
	Mem    PointerReader
	Layout RbLayout
}

// Walk visits the tree rooted at root in left, self, right order. A child
// that was already visited is treated as corrupt: its subtree is skipped,
// the remaining nodes are still visited and the walk then returns a
// *dumperr.CorruptError. Unreadable child pointers end their branch and
// are reported as ErrUnavailable if nothing worse was found.
func (w *RbTreeWalker) Walk(root uint64, visit func(node uint64) bool) (int, error) {
	if root == 0 {
		return 0, nil
	}
	var (
		seen    = visitedSet{root: {}}
		stack   []uint64
		count   int
		corrupt *dumperr.CorruptError
		lost    error
	)

	// child reads the pointer at node+off and returns it if the walk
	// should descend into it.
	child := func(node, off uint64) (uint64, bool) {
		c, ok := w.Mem.ReadPointer(node + off)
		if !ok {
			if lost == nil {
				lost = dumperr.Unavailablef("rb_node child at 0x%x", node+off)
			}
			return 0, false
		}
		if c == 0 {
			return 0, false
		}
		if !seen.add(c) {
			slog.Warn("Corrupt rbtree", "root", hexAddr(root), "node", hexAddr(node), "child", hexAddr(c))
			if corrupt == nil {
				corrupt = &dumperr.CorruptError{Addr: c, Reason: "node linked twice"}
			}
			return 0, false
		}
		return c, true
	}

	cur, hasCur := root, true
	for hasCur || len(stack) > 0 {
		for hasCur {
			stack = append(stack, cur)
			cur, hasCur = child(cur, w.Layout.Left)
		}
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		count++
		if !visit(node) {
			return count, nil
		}
		cur, hasCur = child(node, w.Layout.Right)
	}

	if corrupt != nil {
		corrupt.Visited = count
		return count, corrupt
	}
	return count, lost
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
