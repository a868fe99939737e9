package walk

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramparse/internal/dumperr"
)

// words is a sparse pointer-sized memory.
type words map[uint64]uint64

func (w words) ReadPointer(va uint64) (uint64, bool) {
	v, ok := w[va]
	return v, ok
}

const (
	listHead  = 0x1000
	nodeBase  = 0x2000
	nodeSize  = 0x40
	memberOff = 0x10
)

// nodeAddr is the list_head member of node i, numbered from 1.
func nodeAddr(i int) uint64 {
	return nodeBase + uint64(i)*nodeSize + memberOff
}

// buildList links n nodes after the head with next at 0 and prev at 8.
func buildList(n int) words {
	mem := words{}
	link := func(a, b uint64) {
		mem[a] = b
		mem[b+8] = a
	}
	prev := uint64(listHead)
	for i := 1; i <= n; i++ {
		link(prev, nodeAddr(i))
		prev = nodeAddr(i)
	}
	link(prev, listHead)
	return mem
}

func newListWalker(mem words) *ListWalker {
	return &ListWalker{Mem: mem, Layout: ListLayout{Next: 0, Prev: 8, Container: memberOff}}
}

func TestListWalkCount(t *testing.T) {
	for _, n := range []int{0, 1, 5, 64} {
		w := newListWalker(buildList(n))

		var got []uint64
		count, err := w.Walk(listHead, func(node uint64) bool {
			got = append(got, node)
			return true
		})
		require.NoError(t, err)
		assert.Equal(t, n, count)
		require.Len(t, got, n)
		for i, node := range got {
			assert.Equal(t, nodeBase+uint64(i+1)*nodeSize, node)
		}
	}
}

func TestListWalkReverse(t *testing.T) {
	w := newListWalker(buildList(4))
	var got []uint64
	count, err := w.WalkReverse(listHead, func(node uint64) bool {
		got = append(got, node)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.Equal(t, []uint64{
		nodeBase + 4*nodeSize, nodeBase + 3*nodeSize, nodeBase + 2*nodeSize, nodeBase + 1*nodeSize,
	}, got)
}

func TestListWalkCycle(t *testing.T) {
	const n = 10
	for k := 2; k <= n; k++ {
		for j := 1; j < k; j++ {
			mem := buildList(n)
			mem[nodeAddr(k)] = nodeAddr(j)
			w := newListWalker(mem)

			visits := 0
			count, err := w.Walk(listHead, func(uint64) bool {
				visits++
				return true
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, dumperr.ErrCorruptStructure))
			assert.Equal(t, k, visits, "k=%d j=%d", k, j)
			assert.Equal(t, k, count)

			var ce *dumperr.CorruptError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, nodeAddr(j), ce.Addr)
		}
	}
}

func TestListWalkNullAndUnreadable(t *testing.T) {
	mem := buildList(3)
	mem[nodeAddr(2)] = 0
	count, err := newListWalker(mem).Walk(listHead, func(uint64) bool { return true })
	assert.True(t, errors.Is(err, dumperr.ErrCorruptStructure))
	assert.Equal(t, 2, count)

	mem = buildList(3)
	delete(mem, nodeAddr(2))
	count, err = newListWalker(mem).Walk(listHead, func(uint64) bool { return true })
	assert.True(t, errors.Is(err, dumperr.ErrUnavailable))
	assert.Equal(t, 2, count)

	_, err = newListWalker(words{}).Walk(listHead, func(uint64) bool { return true })
	assert.True(t, errors.Is(err, dumperr.ErrUnavailable))
}

func TestListWalkStopsEarly(t *testing.T) {
	w := newListWalker(buildList(8))
	count, err := w.Walk(listHead, func(node uint64) bool {
		return node != nodeBase+3*nodeSize
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

const (
	rbLeft  = 0x10
	rbRight = 0x8
)

// rbNode places key k at a distinct address.
func rbNode(k int) uint64 { return 0x8000 + uint64(k)*0x20 }

func buildTree(mem words, key int, left, right int) {
	if left != 0 {
		mem[rbNode(key)+rbLeft] = rbNode(left)
	} else {
		mem[rbNode(key)+rbLeft] = 0
	}
	if right != 0 {
		mem[rbNode(key)+rbRight] = rbNode(right)
	} else {
		mem[rbNode(key)+rbRight] = 0
	}
}

func balancedTree() words {
	mem := words{}
	buildTree(mem, 4, 2, 6)
	buildTree(mem, 2, 1, 3)
	buildTree(mem, 6, 5, 7)
	for _, leaf := range []int{1, 3, 5, 7} {
		buildTree(mem, leaf, 0, 0)
	}
	return mem
}

func keyOf(node uint64) int { return int((node - 0x8000) / 0x20) }

func TestRbTreeInOrder(t *testing.T) {
	w := &RbTreeWalker{Mem: balancedTree(), Layout: RbLayout{Left: rbLeft, Right: rbRight}}
	var keys []int
	count, err := w.Walk(rbNode(4), func(node uint64) bool {
		keys = append(keys, keyOf(node))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, keys)
}

func TestRbTreeCorruptSubtree(t *testing.T) {
	mem := balancedTree()
	// 3 claims 2 as its right child, which closes a cycle
	buildTree(mem, 3, 0, 2)
	w := &RbTreeWalker{Mem: mem, Layout: RbLayout{Left: rbLeft, Right: rbRight}}

	var keys []int
	count, err := w.Walk(rbNode(4), func(node uint64) bool {
		keys = append(keys, keyOf(node))
		return true
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dumperr.ErrCorruptStructure))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, keys, "the rest of the tree is still visited")
	assert.Equal(t, 7, count)
}

func TestRbTreeEmptyAndUnreadable(t *testing.T) {
	w := &RbTreeWalker{Mem: words{}, Layout: RbLayout{Left: rbLeft, Right: rbRight}}
	count, err := w.Walk(0, func(uint64) bool { return true })
	require.NoError(t, err)
	assert.Zero(t, count)

	mem := balancedTree()
	delete(mem, rbNode(6)+rbLeft)
	w.Mem = mem
	var keys []int
	_, err = w.Walk(rbNode(4), func(node uint64) bool {
		keys = append(keys, keyOf(node))
		return true
	})
	assert.True(t, errors.Is(err, dumperr.ErrUnavailable))
	assert.Equal(t, []int{1, 2, 3, 4, 6, 7}, keys)
}
