package corelog

// CoreIterator walks a log's entries sequentially from a start index.
//
// Next does not consume past the end: once it reports false the iterator
// stays at the same index, so it can be resumed after more entries arrive
// (for example while the log is still replicating).
type CoreIterator struct {
	core  *Core
	index uint32
}

// NewCoreIterator returns an iterator over core positioned at start.
func NewCoreIterator(core *Core, start uint32) *CoreIterator {
	return &CoreIterator{core: core, index: start}
}

// Next returns the next entry and its index. It reports false at the end
// of the log or when the entry cannot be read.
func (it *CoreIterator) Next() (uint32, []byte, bool) {
	data, _, err := it.core.Get(it.index)
	if err != nil {
		return it.index, nil, false
	}
	index := it.index
	it.index++
	return index, data, true
}

// Index returns the position the next call to Next will read.
func (it *CoreIterator) Index() uint32 { return it.index }
