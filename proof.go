package corelog

import (
	"crypto/ed25519"
	"fmt"
)

// Proof lets a reader recompute the signed aggregate root from a single
// entry without the full tree: the sibling hashes along the entry's path to
// its subtree root, plus the remaining full-subtree roots of the log.
type Proof struct {
	// Index of the entry the proof is for.
	Index uint32
	// Siblings along the path, ordered leaf to root.
	Siblings []Node
	// Roots of the other maximal complete subtrees, left to right.
	Roots []Node
}

// Proof builds a proof for the entry at index, rooted at the current
// aggregate root. Pair it with RootSignature for transport.
func (c *Core) Proof(index uint32) (Proof, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	length := c.merkle.blocks
	if uint64(index) >= length {
		return Proof{}, fmt.Errorf("%w: index %d, length %d",
			ErrOutOfRange, index, length)
	}

	proof := Proof{Index: index}

	// Climb from the leaf while the parent's span is fully inside the log;
	// every sibling on the way is the root of a complete, persisted subtree.
	i := 2 * uint64(index)
	for {
		parent := treeParent(i)
		if rightSpan(parent) > 2*(length-1) {
			break
		}
		sib, err := c.readTreeNode(treeSibling(i))
		if err != nil {
			return Proof{}, err
		}
		proof.Siblings = append(proof.Siblings, sib)
		i = parent
	}

	// i is now one of the full roots; ship the others alongside.
	for _, idx := range fullRoots(2 * length) {
		if idx == i {
			continue
		}
		node, err := c.readTreeNode(idx)
		if err != nil {
			return Proof{}, err
		}
		proof.Roots = append(proof.Roots, node)
	}
	return proof, nil
}

// Verify checks that data is the authentic entry at index of the log
// identified by public, using a proof and a root signature for the log
// length the proof was generated at. It recomputes the aggregate root from
// the entry bytes and the proof and checks the signature over it.
//
// Verify is a pure function: no I/O, no mutation. It rejects proofs with
// missing, duplicated or out-of-order siblings deterministically.
func Verify(public ed25519.PublicKey, index uint32, data []byte, proof Proof, rootSignature []byte) error {
	if proof.Index != index {
		return fmt.Errorf("%w: proof is for index %d, want %d",
			ErrVerification, proof.Index, index)
	}

	cur := Node{
		Index:  2 * uint64(index),
		Length: uint64(len(data)),
		Hash:   hashLeaf(data),
	}
	for _, sib := range proof.Siblings {
		if sib.Index != treeSibling(cur.Index) {
			return fmt.Errorf("%w: sibling %d out of order, want %d",
				ErrVerification, sib.Index, treeSibling(cur.Index))
		}
		parent := Node{
			Index:  treeParent(cur.Index),
			Length: cur.Length + sib.Length,
		}
		if sib.Index < cur.Index {
			parent.Hash = hashParent(sib, cur)
		} else {
			parent.Hash = hashParent(cur, sib)
		}
		cur = parent
	}

	roots, err := mergeRoots(proof.Roots, cur)
	if err != nil {
		return err
	}
	return verifyHash(public, hashRoots(roots), rootSignature)
}

// mergeRoots inserts the recomputed root into the supplied root set by index
// order and checks the result is exactly the full-root set of some length.
// This binds the proof to a single well-formed tree shape: a proof cannot
// smuggle in extra roots or omit one.
func mergeRoots(others []Node, computed Node) ([]Node, error) {
	roots := make([]Node, 0, len(others)+1)
	inserted := false
	for _, r := range others {
		if r.Index == computed.Index {
			return nil, fmt.Errorf("%w: duplicate root %d",
				ErrVerification, r.Index)
		}
		if !inserted && computed.Index < r.Index {
			roots = append(roots, computed)
			inserted = true
		}
		roots = append(roots, r)
	}
	if !inserted {
		roots = append(roots, computed)
	}

	var leaves uint64
	for _, r := range roots {
		leaves += (rightSpan(r.Index)-leftSpan(r.Index))/2 + 1
	}
	want := fullRoots(2 * leaves)
	if len(want) != len(roots) {
		return nil, fmt.Errorf("%w: malformed root set", ErrVerification)
	}
	for i, idx := range want {
		if roots[i].Index != idx {
			return nil, fmt.Errorf("%w: root %d out of place, want index %d",
				ErrVerification, roots[i].Index, idx)
		}
	}
	return roots, nil
}
