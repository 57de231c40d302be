package corelog

import (
	"fmt"
	"os"
	"sync"
)

// fileStorage maps the byte range onto a single file using pread/pwrite.
type fileStorage struct {
	mu   sync.Mutex
	file *os.File
}

// OpenFileStorage opens (or creates) path as a Storage.
func OpenFileStorage(path string) (Storage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	return &fileStorage{file: f}, nil
}

func (s *fileStorage) Write(offset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("%w: write at %d: %v", ErrStorage, offset, err)
	}
	return nil
}

func (s *fileStorage) Read(offset, length uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fi, err := s.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat: %v", ErrStorage, err)
	}
	if offset+length > uint64(fi.Size()) {
		return nil, fmt.Errorf("%w: read [%d,%d) beyond length %d",
			ErrOutOfRange, offset, offset+length, fi.Size())
	}
	out := make([]byte, length)
	if _, err := s.file.ReadAt(out, int64(offset)); err != nil {
		return nil, fmt.Errorf("%w: read at %d: %v", ErrStorage, offset, err)
	}
	return out, nil
}

func (s *fileStorage) Delete(offset, length uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fi, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat: %v", ErrStorage, err)
	}
	end := offset + length
	if end > uint64(fi.Size()) {
		end = uint64(fi.Size())
	}
	if offset >= end {
		return nil
	}
	zeroes := make([]byte, end-offset)
	if _, err := s.file.WriteAt(zeroes, int64(offset)); err != nil {
		return fmt.Errorf("%w: zero at %d: %v", ErrStorage, offset, err)
	}
	return nil
}

func (s *fileStorage) Truncate(length uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Truncate(int64(length)); err != nil {
		return fmt.Errorf("%w: truncate to %d: %v", ErrStorage, length, err)
	}
	return nil
}

func (s *fileStorage) Len() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fi, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %v", ErrStorage, err)
	}
	return uint64(fi.Size()), nil
}

func (s *fileStorage) IsEmpty() (bool, error) {
	n, err := s.Len()
	return n == 0, err
}

func (s *fileStorage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrStorage, err)
	}
	return nil
}

func (s *fileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
