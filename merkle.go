package corelog

import (
	"encoding/binary"
	"fmt"
)

// NodeSize is the serialized size of a tree Node in the tree region.
const NodeSize = 8 + 8 + HashSize

// Node is one node of the flat merkle tree: its flat-tree index, the total
// byte length of the entries it spans, and its content hash.
type Node struct {
	Index  uint64
	Length uint64
	Hash   [HashSize]byte
}

// encode serializes the Node as little-endian index || length || hash.
func (n Node) encode() []byte {
	buf := make([]byte, NodeSize)
	binary.LittleEndian.PutUint64(buf[0:8], n.Index)
	binary.LittleEndian.PutUint64(buf[8:16], n.Length)
	copy(buf[16:], n.Hash[:])
	return buf
}

// decodeNode deserializes a Node written by encode.
func decodeNode(buf []byte) (Node, error) {
	if len(buf) != NodeSize {
		return Node{}, fmt.Errorf("%w: node record is %d bytes, want %d",
			ErrProtocolViolation, len(buf), NodeSize)
	}
	var n Node
	n.Index = binary.LittleEndian.Uint64(buf[0:8])
	n.Length = binary.LittleEndian.Uint64(buf[8:16])
	copy(n.Hash[:], buf[16:])
	return n, nil
}

// merkle grows a flat merkle tree incrementally. It only retains the roots
// of the maximal complete subtrees; appending a leaf collapses completed
// sibling pairs bottom-up, so each append touches O(log n) nodes and the
// whole structure never needs rehashing.
type merkle struct {
	roots  []Node
	blocks uint64
}

// newMerkle reconstructs a merkle stream from persisted root nodes.
func newMerkle(roots []Node) merkle {
	var blocks uint64
	if len(roots) > 0 {
		last := roots[len(roots)-1]
		blocks = 1 + rightSpan(last.Index)/2
	}
	return merkle{roots: roots, blocks: blocks}
}

// next appends a leaf hash and returns every node created by the append:
// the leaf itself plus any parents completed by it, in creation order.
func (m *merkle) next(leafHash [HashSize]byte, length uint64) []Node {
	leaf := Node{
		Index:  2 * m.blocks,
		Length: length,
		Hash:   leafHash,
	}
	m.blocks++
	m.roots = append(m.roots, leaf)
	created := []Node{leaf}

	for len(m.roots) > 1 {
		left := m.roots[len(m.roots)-2]
		right := m.roots[len(m.roots)-1]
		if treeParent(left.Index) != treeParent(right.Index) {
			break
		}
		parent := Node{
			Index:  treeParent(left.Index),
			Length: left.Length + right.Length,
			Hash:   hashParent(left, right),
		}
		m.roots = m.roots[:len(m.roots)-2]
		m.roots = append(m.roots, parent)
		created = append(created, parent)
	}
	return created
}

// rootHash computes the signable aggregate over the current root set.
func (m *merkle) rootHash() [HashSize]byte {
	return hashRoots(m.roots)
}

// clone returns an independent copy, used to trial an append before
// committing it.
func (m *merkle) clone() merkle {
	roots := make([]Node, len(m.roots))
	copy(roots, m.roots)
	return merkle{roots: roots, blocks: m.blocks}
}
