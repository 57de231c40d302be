package corelog

import (
	"reflect"
	"testing"
)

func TestTreeIndex(t *testing.T) {
	cases := []struct {
		depth, offset, want uint64
	}{
		{0, 0, 0}, {0, 1, 2}, {0, 2, 4},
		{1, 0, 1}, {1, 1, 5}, {1, 2, 9},
		{2, 0, 3}, {2, 1, 11}, {2, 2, 19},
		{3, 0, 7}, {3, 1, 23},
	}
	for _, c := range cases {
		if got := treeIndex(c.depth, c.offset); got != c.want {
			t.Errorf("treeIndex(%d, %d) = %d, want %d", c.depth, c.offset, got, c.want)
		}
	}
}

func TestTreeDepthOffset(t *testing.T) {
	depths := map[uint64]uint64{0: 0, 2: 0, 4: 0, 1: 1, 5: 1, 9: 1, 3: 2, 11: 2, 7: 3}
	for i, want := range depths {
		if got := treeDepth(i); got != want {
			t.Errorf("treeDepth(%d) = %d, want %d", i, got, want)
		}
	}
	offsets := map[uint64]uint64{0: 0, 2: 1, 4: 2, 1: 0, 5: 1, 9: 2, 3: 0, 11: 1, 7: 0}
	for i, want := range offsets {
		if got := treeOffset(i); got != want {
			t.Errorf("treeOffset(%d) = %d, want %d", i, got, want)
		}
	}
}

func TestTreeParentSibling(t *testing.T) {
	parents := map[uint64]uint64{0: 1, 2: 1, 4: 5, 6: 5, 1: 3, 5: 3, 3: 7, 11: 7}
	for i, want := range parents {
		if got := treeParent(i); got != want {
			t.Errorf("treeParent(%d) = %d, want %d", i, got, want)
		}
	}
	siblings := map[uint64]uint64{0: 2, 2: 0, 4: 6, 6: 4, 1: 5, 5: 1, 3: 11, 11: 3}
	for i, want := range siblings {
		if got := treeSibling(i); got != want {
			t.Errorf("treeSibling(%d) = %d, want %d", i, got, want)
		}
	}
}

func TestTreeChildren(t *testing.T) {
	if _, ok := leftChild(0); ok {
		t.Error("leaf 0 should have no left child")
	}
	if _, ok := rightChild(4); ok {
		t.Error("leaf 4 should have no right child")
	}
	childCases := []struct{ i, left, right uint64 }{
		{1, 0, 2}, {5, 4, 6}, {3, 1, 5}, {7, 3, 11}, {11, 9, 13},
	}
	for _, c := range childCases {
		l, ok := leftChild(c.i)
		if !ok || l != c.left {
			t.Errorf("leftChild(%d) = %d, %v, want %d", c.i, l, ok, c.left)
		}
		r, ok := rightChild(c.i)
		if !ok || r != c.right {
			t.Errorf("rightChild(%d) = %d, %v, want %d", c.i, r, ok, c.right)
		}
	}

	// Children round-trip through their parent.
	for _, i := range []uint64{1, 3, 5, 7, 9, 11, 23} {
		l, _ := leftChild(i)
		r, _ := rightChild(i)
		if treeParent(l) != i || treeParent(r) != i {
			t.Errorf("children of %d do not point back: parent(%d)=%d parent(%d)=%d",
				i, l, treeParent(l), r, treeParent(r))
		}
		if treeSibling(l) != r {
			t.Errorf("sibling(%d) = %d, want %d", l, treeSibling(l), r)
		}
	}
}

func TestTreeSpans(t *testing.T) {
	cases := []struct{ i, left, right uint64 }{
		{0, 0, 0}, {4, 4, 4},
		{1, 0, 2}, {5, 4, 6},
		{3, 0, 6}, {11, 8, 14},
		{7, 0, 14}, {23, 16, 30},
	}
	for _, c := range cases {
		if got := leftSpan(c.i); got != c.left {
			t.Errorf("leftSpan(%d) = %d, want %d", c.i, got, c.left)
		}
		if got := rightSpan(c.i); got != c.right {
			t.Errorf("rightSpan(%d) = %d, want %d", c.i, got, c.right)
		}
	}
}

func TestFullRoots(t *testing.T) {
	cases := []struct {
		i    uint64
		want []uint64
	}{
		{0, nil},
		{2, []uint64{0}},
		{4, []uint64{1}},
		{6, []uint64{1, 4}},
		{8, []uint64{3}},
		{10, []uint64{3, 8}},
		{12, []uint64{3, 9}},
		{14, []uint64{3, 9, 12}},
		{16, []uint64{7}},
		{18, []uint64{7, 16}},
	}
	for _, c := range cases {
		if got := fullRoots(c.i); !reflect.DeepEqual(got, c.want) {
			t.Errorf("fullRoots(%d) = %v, want %v", c.i, got, c.want)
		}
	}

	// The spans of the full roots tile the leaf row exactly.
	for leaves := uint64(1); leaves <= 64; leaves++ {
		var next uint64
		for _, root := range fullRoots(2 * leaves) {
			if leftSpan(root) != next {
				t.Fatalf("leaves=%d: root %d starts at %d, want %d",
					leaves, root, leftSpan(root), next)
			}
			next = rightSpan(root) + 2
		}
		if next != 2*leaves {
			t.Fatalf("leaves=%d: roots cover up to %d, want %d", leaves, next, 2*leaves)
		}
	}
}
