package corelog

import "math/bits"

// Flat-tree addressing. A binary tree is laid over the entries as a flat
// list of integer indexes, leaves at even positions, parents interleaved:
//
//	      3
//	  1       5
//	0   2   4   6  ...
//
// Entry k is leaf index 2k. Parent, child and sibling of any index are
// closed-form arithmetic on the index, so no pointer tree is ever stored.

// treeIndex returns the index of the node at depth and offset.
func treeIndex(depth, offset uint64) uint64 {
	return offset<<(depth+1) | (1<<depth - 1)
}

// treeDepth returns the depth of a node. Leaves have depth 0.
func treeDepth(i uint64) uint64 {
	// Count trailing ones of the binary representation.
	return uint64(bits.TrailingZeros64(^i))
}

// treeOffset returns the horizontal offset of a node within its depth.
func treeOffset(i uint64) uint64 {
	if i&1 == 0 {
		return i / 2
	}
	return i >> (treeDepth(i) + 1)
}

// treeParent returns the parent index of a node.
func treeParent(i uint64) uint64 {
	return treeIndex(treeDepth(i)+1, treeOffset(i)>>1)
}

// treeSibling returns the index of the other child of the node's parent.
func treeSibling(i uint64) uint64 {
	depth := treeDepth(i)
	return treeIndex(depth, treeOffset(i)^1)
}

// leftChild returns the left child of an interior node.
// The second return is false for leaves.
func leftChild(i uint64) (uint64, bool) {
	depth := treeDepth(i)
	if depth == 0 {
		return 0, false
	}
	return treeIndex(depth-1, treeOffset(i)<<1), true
}

// rightChild returns the right child of an interior node.
// The second return is false for leaves.
func rightChild(i uint64) (uint64, bool) {
	depth := treeDepth(i)
	if depth == 0 {
		return 0, false
	}
	return treeIndex(depth-1, treeOffset(i)<<1+1), true
}

// leftSpan returns the leftmost leaf index the node spans.
func leftSpan(i uint64) uint64 {
	depth := treeDepth(i)
	if depth == 0 {
		return i
	}
	return treeOffset(i) * (2 << depth)
}

// rightSpan returns the rightmost leaf index the node spans.
func rightSpan(i uint64) uint64 {
	depth := treeDepth(i)
	if depth == 0 {
		return i
	}
	return (treeOffset(i)+1)*(2<<depth) - 2
}

// fullRoots returns, left to right, the roots of the maximal complete
// subtrees covering the first i/2 leaves. i must be an even (leaf-row) index.
func fullRoots(i uint64) []uint64 {
	var roots []uint64
	remaining := i / 2
	var offset uint64
	for remaining > 0 {
		factor := uint64(1)
		for factor*2 <= remaining {
			factor *= 2
		}
		roots = append(roots, offset+factor-1)
		offset += 2 * factor
		remaining -= factor
	}
	return roots
}
