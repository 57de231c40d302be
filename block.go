package corelog

import (
	"encoding/binary"
	"fmt"
)

// BlockSize is the serialized size of a block record in the blocks region.
const BlockSize = 8 + 4 + 2*SignatureSize

// BlockSignature carries the two attestations for an entry: Data signs the
// entry's leaf hash, Tree signs the aggregate root hash of the log as of the
// entry's append. They are verified independently; neither subsumes the other.
type BlockSignature struct {
	Data []byte
	Tree []byte
}

// block records where an entry's bytes live in the data region and the
// signatures that authenticate it.
type block struct {
	offset    uint64
	length    uint32
	signature BlockSignature
}

// encode serializes the block record as little-endian
// offset || length || dataSig || treeSig.
func (b block) encode() ([]byte, error) {
	if len(b.signature.Data) != SignatureSize || len(b.signature.Tree) != SignatureSize {
		return nil, fmt.Errorf("%w: signature is not %d bytes",
			ErrProtocolViolation, SignatureSize)
	}
	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint64(buf[0:8], b.offset)
	binary.LittleEndian.PutUint32(buf[8:12], b.length)
	copy(buf[12:12+SignatureSize], b.signature.Data)
	copy(buf[12+SignatureSize:], b.signature.Tree)
	return buf, nil
}

// decodeBlock deserializes a block record written by encode.
func decodeBlock(buf []byte) (block, error) {
	if len(buf) != BlockSize {
		return block{}, fmt.Errorf("%w: block record is %d bytes, want %d",
			ErrProtocolViolation, len(buf), BlockSize)
	}
	var b block
	b.offset = binary.LittleEndian.Uint64(buf[0:8])
	b.length = binary.LittleEndian.Uint32(buf[8:12])
	b.signature.Data = append([]byte(nil), buf[12:12+SignatureSize]...)
	b.signature.Tree = append([]byte(nil), buf[12+SignatureSize:]...)
	return b, nil
}
