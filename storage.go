package corelog

// Storage is a randomly addressable range of bytes.
// It is the only persistence contract the core depends on; memory, file and
// SQLite adapters are provided, and implementations can be swapped freely.
//
// All operations are fallible. Reads past the current end must return an
// error rather than zero-filled bytes; Write beyond the end extends the
// range. No buffering semantics are assumed beyond what Flush specifies.
type Storage interface {
	// Read returns length bytes starting at offset.
	Read(offset, length uint64) ([]byte, error)

	// Write puts data at offset, extending the range if needed.
	Write(offset uint64, data []byte) error

	// Delete zeroes the given range without shrinking the length.
	Delete(offset, length uint64) error

	// Truncate shrinks or extends the range to exactly length bytes.
	Truncate(length uint64) error

	// Len reports the current length of the range.
	Len() (uint64, error)

	// IsEmpty reports whether the range holds no bytes.
	IsEmpty() (bool, error)

	// Flush makes prior writes durable.
	Flush() error

	// Close releases the backing resources.
	Close() error
}
