package corelog

import (
	"fmt"
	"sync"
)

const defaultPageSize = 1024 * 1024

// memoryStorage keeps the byte range in fixed-size pages so sparse writes
// at large offsets do not allocate the whole prefix.
type memoryStorage struct {
	mu       sync.RWMutex
	pageSize uint64
	pages    map[uint64][]byte
	length   uint64
}

// NewMemoryStorage returns an in-memory Storage with a 1 MiB page size.
func NewMemoryStorage() Storage {
	return NewMemoryStoragePaged(defaultPageSize)
}

// NewMemoryStoragePaged returns an in-memory Storage with a custom page size.
func NewMemoryStoragePaged(pageSize uint64) Storage {
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	return &memoryStorage{
		pageSize: pageSize,
		pages:    make(map[uint64][]byte),
	}
}

func (m *memoryStorage) page(n uint64) []byte {
	p, ok := m.pages[n]
	if !ok {
		p = make([]byte, m.pageSize)
		m.pages[n] = p
	}
	return p
}

func (m *memoryStorage) Write(offset uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := offset
	for len(data) > 0 {
		p := m.page(pos / m.pageSize)
		off := pos % m.pageSize
		n := copy(p[off:], data)
		data = data[n:]
		pos += uint64(n)
	}
	if pos > m.length {
		m.length = pos
	}
	return nil
}

func (m *memoryStorage) Read(offset, length uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if offset+length > m.length {
		return nil, fmt.Errorf("%w: read [%d,%d) beyond length %d",
			ErrOutOfRange, offset, offset+length, m.length)
	}
	out := make([]byte, length)
	pos := offset
	for got := uint64(0); got < length; {
		p, ok := m.pages[pos/m.pageSize]
		off := pos % m.pageSize
		n := m.pageSize - off
		if n > length-got {
			n = length - got
		}
		if ok {
			copy(out[got:got+n], p[off:off+n])
		}
		got += n
		pos += n
	}
	return out, nil
}

func (m *memoryStorage) Delete(offset, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := offset
	end := offset + length
	for pos < end {
		p, ok := m.pages[pos/m.pageSize]
		off := pos % m.pageSize
		n := m.pageSize - off
		if n > end-pos {
			n = end - pos
		}
		if ok {
			for i := off; i < off+n; i++ {
				p[i] = 0
			}
		}
		pos += n
	}
	return nil
}

func (m *memoryStorage) Truncate(length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if length < m.length {
		// Zero the tail of the boundary page and drop pages past it,
		// so a later extension reads back zeroes.
		boundary := length / m.pageSize
		if p, ok := m.pages[boundary]; ok {
			for i := length % m.pageSize; i < m.pageSize; i++ {
				p[i] = 0
			}
		}
		for n := range m.pages {
			if n > boundary {
				delete(m.pages, n)
			}
		}
	}
	m.length = length
	return nil
}

func (m *memoryStorage) Len() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.length, nil
}

func (m *memoryStorage) IsEmpty() (bool, error) {
	n, err := m.Len()
	return n == 0, err
}

func (m *memoryStorage) Flush() error { return nil }

func (m *memoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = make(map[uint64][]byte)
	m.length = 0
	return nil
}
