package ramdump

import (
	"ramparse/internal/walk"
)

func (d *Dump) listLayout(typ, member string) (walk.ListLayout, error) {
	next, err := d.oracle.FieldOffset("struct list_head", "next")
	if err != nil {
		return walk.ListLayout{}, err
	}
	prev, err := d.oracle.FieldOffset("struct list_head", "prev")
	if err != nil {
		return walk.ListLayout{}, err
	}
	var container uint64
	if typ != "" {
		if container, err = d.oracle.FieldOffset(typ, member); err != nil {
			return walk.ListLayout{}, err
		}
	}
	return walk.ListLayout{Next: next, Prev: prev, Container: container}, nil
}

// WalkList visits the entries of the list whose head is at head. With typ
// and member set, visit receives the enclosing typ addresses; otherwise
// the list_head addresses themselves.
func (d *Dump) WalkList(head uint64, typ, member string, reverse bool, visit func(uint64) bool) (int, error) {
	layout, err := d.listLayout(typ, member)
	if err != nil {
		return 0, err
	}
	w := &walk.ListWalker{Mem: walk.PointerReaderFunc(d.ReadPointer), Layout: layout}
	if reverse {
		return w.WalkReverse(head, visit)
	}
	return w.Walk(head, visit)
}

// WalkRbTree visits the tree of the struct rb_root at root in key order.
func (d *Dump) WalkRbTree(root uint64, typ, member string, visit func(uint64) bool) (int, error) {
	left, err := d.oracle.FieldOffset("struct rb_node", "rb_left")
	if err != nil {
		return 0, err
	}
	right, err := d.oracle.FieldOffset("struct rb_node", "rb_right")
	if err != nil {
		return 0, err
	}
	var container uint64
	if typ != "" {
		if container, err = d.oracle.FieldOffset(typ, member); err != nil {
			return 0, err
		}
	}
	first, err := d.ReadField(root, "struct rb_root", "rb_node")
	if err != nil {
		return 0, err
	}
	w := &walk.RbTreeWalker{Mem: walk.PointerReaderFunc(d.ReadPointer), Layout: walk.RbLayout{Left: left, Right: right}}
	return w.Walk(first, func(node uint64) bool { return visit(node - container) })
}
