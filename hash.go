package corelog

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the size in bytes of all tree hashes (BLAKE2b-256 output).
const HashSize = 32

// Domain separation prefixes guard against second-preimage attacks:
// a leaf hash can never be reinterpreted as a parent or root hash.
const (
	leafType   byte = 0x00
	parentType byte = 0x01
	rootType   byte = 0x02
)

// hashLeaf hashes entry bytes into a leaf hash.
func hashLeaf(data []byte) [HashSize]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{leafType})
	h.Write(le64(uint64(len(data))))
	h.Write(data)
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// hashParent combines two sibling nodes into their parent hash.
func hashParent(left, right Node) [HashSize]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{parentType})
	h.Write(le64(left.Length + right.Length))
	h.Write(left.Hash[:])
	h.Write(right.Hash[:])
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// hashRoots aggregates the full-root node set into the signable root hash.
// The byte lengths of each subtree are mixed in, binding the hash to the
// exact log length it was computed for.
func hashRoots(roots []Node) [HashSize]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{rootType})
	for _, node := range roots {
		h.Write(le64(node.Length))
		h.Write(node.Hash[:])
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

func le64(n uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	return buf[:]
}
