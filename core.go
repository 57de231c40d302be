// Package corelog implements a single-writer append-only log verified by a
// flat merkle tree with signed roots, replicated peer-to-peer over an
// authenticated encrypted channel.
package corelog

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// MaxLength is the maximum number of entries in a Core.
const MaxLength = 1<<32 - 1

// MaxEntrySize is the maximum size of a single appended entry.
const MaxEntrySize = 4 * 1024 * 1024

// Core is an append-only, single-writer, verifiable log.
//
// To read and verify entries only the log's public key is needed; appending
// requires the secret key. The single-writer invariant is enforced by key
// custody, not locking: without the secret key no peer can extend the log
// undetectably, because every entry carries signatures any verifier checks.
//
// A Core persists through three Storage regions: entry bytes (data), fixed
// size per-entry records (blocks), and tree nodes addressed by flat-tree
// index (tree). Each region is a flat byte range with fixed internal offsets.
type Core struct {
	mu sync.RWMutex

	data   Storage
	blocks Storage
	tree   Storage

	merkle merkle
	public ed25519.PublicKey
	secret ed25519.PrivateKey

	byteLength uint64
}

// NewCore opens a Core over the given storage regions, recovering any
// persisted state. secret may be nil for a read-only (verifying) core.
func NewCore(data, blocks, tree Storage, public ed25519.PublicKey, secret ed25519.PrivateKey) (*Core, error) {
	if len(public) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is not %d bytes",
			ErrVerification, ed25519.PublicKeySize)
	}

	c := &Core{
		data:   data,
		blocks: blocks,
		tree:   tree,
		public: public,
		secret: secret,
	}

	blockBytes, err := blocks.Len()
	if err != nil {
		return nil, fmt.Errorf("recover length: %w", err)
	}
	length := blockBytes / BlockSize

	var roots []Node
	for _, idx := range fullRoots(2 * length) {
		node, err := c.readTreeNode(idx)
		if err != nil {
			return nil, fmt.Errorf("recover root %d: %w", idx, err)
		}
		roots = append(roots, node)
	}
	c.merkle = newMerkle(roots)
	for _, root := range roots {
		c.byteLength += root.Length
	}
	return c, nil
}

// PublicKey returns the log's public key.
func (c *Core) PublicKey() ed25519.PublicKey { return c.public }

// Writable reports whether this Core holds the secret key.
func (c *Core) Writable() bool { return c.secret != nil }

// Len returns the number of entries in the Core.
func (c *Core) Len() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint32(c.merkle.blocks)
}

// IsEmpty reports whether the Core has no entries.
func (c *Core) IsEmpty() bool { return c.Len() == 0 }

// ByteLength returns the total byte length of all entries.
func (c *Core) ByteLength() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byteLength
}

// Append writes a new entry, signs the entry's leaf hash and the resulting
// aggregate root, and returns the entry's index. Requires the secret key.
// Any previously issued root signature is invalidated by the append.
func (c *Core) Append(data []byte) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.secret == nil {
		return 0, ErrNoSecretKey
	}
	if len(data) > MaxEntrySize {
		return 0, fmt.Errorf("%w: entry of %d bytes exceeds max %d",
			ErrOutOfRange, len(data), MaxEntrySize)
	}
	if c.merkle.blocks >= MaxLength {
		return 0, fmt.Errorf("%w: log is full", ErrOutOfRange)
	}

	leaf := hashLeaf(data)
	trial := c.merkle.clone()
	created := trial.next(leaf, uint64(len(data)))
	sig := BlockSignature{
		Data: signHash(c.secret, leaf),
		Tree: signHash(c.secret, trial.rootHash()),
	}

	index := uint32(c.merkle.blocks)
	if err := c.persist(index, data, sig, trial, created); err != nil {
		return 0, err
	}
	return index, nil
}

// AppendVerified writes an entry received from a peer. Both signatures are
// checked against the public key before anything touches storage: the data
// signature over the entry's leaf hash, and the tree signature over the
// aggregate root the log would have after this append. On any mismatch the
// entry is rejected with ErrVerification and no state changes.
func (c *Core) AppendVerified(data []byte, sig BlockSignature) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(data) > MaxEntrySize {
		return fmt.Errorf("%w: entry of %d bytes exceeds max %d",
			ErrOutOfRange, len(data), MaxEntrySize)
	}
	if c.merkle.blocks >= MaxLength {
		return fmt.Errorf("%w: log is full", ErrOutOfRange)
	}

	leaf := hashLeaf(data)
	if err := verifyHash(c.public, leaf, sig.Data); err != nil {
		return fmt.Errorf("data signature: %w", err)
	}
	trial := c.merkle.clone()
	created := trial.next(leaf, uint64(len(data)))
	if err := verifyHash(c.public, trial.rootHash(), sig.Tree); err != nil {
		return fmt.Errorf("tree signature: %w", err)
	}

	return c.persist(uint32(c.merkle.blocks), data, sig, trial, created)
}

// persist commits one append: entry bytes, new tree nodes, then the block
// record last. The blocks region is the commit point; recovery derives the
// log length from it, so a crash mid-append leaves only unreferenced bytes.
func (c *Core) persist(index uint32, data []byte, sig BlockSignature, trial merkle, created []Node) error {
	if err := c.data.Write(c.byteLength, data); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	for _, node := range created {
		if err := c.tree.Write(node.Index*NodeSize, node.encode()); err != nil {
			return fmt.Errorf("write tree node %d: %w", node.Index, err)
		}
	}
	rec := block{
		offset:    c.byteLength,
		length:    uint32(len(data)),
		signature: sig,
	}
	buf, err := rec.encode()
	if err != nil {
		return err
	}
	if err := c.blocks.Write(uint64(index)*BlockSize, buf); err != nil {
		return fmt.Errorf("write block record: %w", err)
	}

	c.merkle = trial
	c.byteLength += uint64(len(data))
	return nil
}

// Get returns the entry at index along with its signatures.
func (c *Core) Get(index uint32) ([]byte, BlockSignature, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.get(index)
}

func (c *Core) get(index uint32) ([]byte, BlockSignature, error) {
	if uint64(index) >= c.merkle.blocks {
		return nil, BlockSignature{}, fmt.Errorf("%w: index %d, length %d",
			ErrOutOfRange, index, c.merkle.blocks)
	}
	rec, err := c.readBlock(index)
	if err != nil {
		return nil, BlockSignature{}, err
	}
	data, err := c.data.Read(rec.offset, uint64(rec.length))
	if err != nil {
		return nil, BlockSignature{}, fmt.Errorf("read entry %d: %w", index, err)
	}
	return data, rec.signature, nil
}

// Head returns the most recently appended entry and its index.
func (c *Core) Head() ([]byte, BlockSignature, uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.merkle.blocks == 0 {
		return nil, BlockSignature{}, 0, fmt.Errorf("%w: log is empty", ErrOutOfRange)
	}
	index := uint32(c.merkle.blocks - 1)
	data, sig, err := c.get(index)
	return data, sig, index, err
}

// RootSignature returns the signature over the current aggregate root, valid
// for the exact current length only. It is readable without the secret key:
// the newest entry's tree signature is exactly this signature.
func (c *Core) RootSignature() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.merkle.blocks == 0 {
		return nil, fmt.Errorf("%w: log is empty", ErrOutOfRange)
	}
	rec, err := c.readBlock(uint32(c.merkle.blocks - 1))
	if err != nil {
		return nil, err
	}
	return rec.signature.Tree, nil
}

// Sign produces a fresh signature over the current length and aggregate
// root. Requires the secret key.
func (c *Core) Sign() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.secret == nil {
		return nil, ErrNoSecretKey
	}
	return signHash(c.secret, c.merkle.rootHash()), nil
}

// Truncate rolls the log back to newLength entries, discarding everything
// beyond and invalidating the cached root and signature.
func (c *Core) Truncate(newLength uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	length := c.merkle.blocks
	if uint64(newLength) > length {
		return fmt.Errorf("%w: truncate to %d, length %d",
			ErrOutOfRange, newLength, length)
	}
	if uint64(newLength) == length {
		return nil
	}

	var roots []Node
	var byteLength uint64
	for _, idx := range fullRoots(2 * uint64(newLength)) {
		node, err := c.readTreeNode(idx)
		if err != nil {
			return fmt.Errorf("read root %d: %w", idx, err)
		}
		roots = append(roots, node)
		byteLength += node.Length
	}

	var treeBytes uint64
	if newLength > 0 {
		treeBytes = (2*uint64(newLength) - 1) * NodeSize
	}
	if err := c.tree.Truncate(treeBytes); err != nil {
		return fmt.Errorf("truncate tree: %w", err)
	}
	if err := c.blocks.Truncate(uint64(newLength) * BlockSize); err != nil {
		return fmt.Errorf("truncate blocks: %w", err)
	}
	if err := c.data.Truncate(byteLength); err != nil {
		return fmt.Errorf("truncate data: %w", err)
	}

	c.merkle = newMerkle(roots)
	c.byteLength = byteLength
	return nil
}

// Flush makes all pending writes durable across the three regions.
func (c *Core) Flush() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return multierr.Combine(
		c.data.Flush(),
		c.blocks.Flush(),
		c.tree.Flush(),
	)
}

// Close flushes and releases the underlying storage.
func (c *Core) Close() error {
	err := c.Flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	return multierr.Combine(
		err,
		c.data.Close(),
		c.blocks.Close(),
		c.tree.Close(),
	)
}

func (c *Core) readBlock(index uint32) (block, error) {
	buf, err := c.blocks.Read(uint64(index)*BlockSize, BlockSize)
	if err != nil {
		return block{}, fmt.Errorf("read block record %d: %w", index, err)
	}
	return decodeBlock(buf)
}

func (c *Core) readTreeNode(index uint64) (Node, error) {
	buf, err := c.tree.Read(index*NodeSize, NodeSize)
	if err != nil {
		return Node{}, fmt.Errorf("read tree node %d: %w", index, err)
	}
	return decodeNode(buf)
}
