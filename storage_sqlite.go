package corelog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

const sqlitePageSize = 4096

// sqliteStorage maps the byte range onto fixed-size pages in a SQLite table.
// Useful where a single crash-safe file with transactional writes is wanted.
type sqliteStorage struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLiteStorage opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteStorage(dsn string) (Storage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, dsn, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrStorage, err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: set %s: %v", ErrStorage, p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS pages (
  pno  INTEGER PRIMARY KEY,
  data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
  id     INTEGER PRIMARY KEY CHECK(id=1),
  length INTEGER NOT NULL
);
INSERT OR IGNORE INTO meta (id, length) VALUES (1, 0);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: schema: %v", ErrStorage, err)
	}
	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) withTx(fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return nil
}

func (s *sqliteStorage) readPage(ctx context.Context, tx *sql.Tx, pno uint64) ([]byte, error) {
	var data []byte
	err := tx.QueryRowContext(ctx,
		`SELECT data FROM pages WHERE pno = ?`, pno).Scan(&data)
	switch {
	case err == sql.ErrNoRows:
		return make([]byte, sqlitePageSize), nil
	case err != nil:
		return nil, fmt.Errorf("%w: read page %d: %v", ErrStorage, pno, err)
	}
	return data, nil
}

func (s *sqliteStorage) writePage(ctx context.Context, tx *sql.Tx, pno uint64, data []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO pages (pno, data) VALUES (?, ?)
		 ON CONFLICT(pno) DO UPDATE SET data = excluded.data`, pno, data)
	if err != nil {
		return fmt.Errorf("%w: write page %d: %v", ErrStorage, pno, err)
	}
	return nil
}

func (s *sqliteStorage) length(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var n uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT length FROM meta WHERE id = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: read length: %v", ErrStorage, err)
	}
	return n, nil
}

func (s *sqliteStorage) setLength(ctx context.Context, tx *sql.Tx, n uint64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE meta SET length = ? WHERE id = 1`, n); err != nil {
		return fmt.Errorf("%w: set length: %v", ErrStorage, err)
	}
	return nil
}

func (s *sqliteStorage) Write(offset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		pos := offset
		for len(data) > 0 {
			pno := pos / sqlitePageSize
			off := pos % sqlitePageSize
			page, err := s.readPage(ctx, tx, pno)
			if err != nil {
				return err
			}
			n := copy(page[off:], data)
			if err := s.writePage(ctx, tx, pno, page); err != nil {
				return err
			}
			data = data[n:]
			pos += uint64(n)
		}
		length, err := s.length(ctx, tx)
		if err != nil {
			return err
		}
		if pos > length {
			return s.setLength(ctx, tx, pos)
		}
		return nil
	})
}

func (s *sqliteStorage) Read(offset, length uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, length)
	err := s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		total, err := s.length(ctx, tx)
		if err != nil {
			return err
		}
		if offset+length > total {
			return fmt.Errorf("%w: read [%d,%d) beyond length %d",
				ErrOutOfRange, offset, offset+length, total)
		}
		pos := offset
		for got := uint64(0); got < length; {
			page, err := s.readPage(ctx, tx, pos/sqlitePageSize)
			if err != nil {
				return err
			}
			off := pos % sqlitePageSize
			n := uint64(copy(out[got:], page[off:]))
			got += n
			pos += n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStorage) Delete(offset, length uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		pos := offset
		end := offset + length
		for pos < end {
			pno := pos / sqlitePageSize
			off := pos % sqlitePageSize
			n := uint64(sqlitePageSize) - off
			if n > end-pos {
				n = end - pos
			}
			page, err := s.readPage(ctx, tx, pno)
			if err != nil {
				return err
			}
			for i := off; i < off+n; i++ {
				page[i] = 0
			}
			if err := s.writePage(ctx, tx, pno, page); err != nil {
				return err
			}
			pos += n
		}
		return nil
	})
}

func (s *sqliteStorage) Truncate(length uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		boundary := length / sqlitePageSize
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pages WHERE pno > ?`, boundary); err != nil {
			return fmt.Errorf("%w: drop pages: %v", ErrStorage, err)
		}
		page, err := s.readPage(ctx, tx, boundary)
		if err != nil {
			return err
		}
		for i := length % sqlitePageSize; i < sqlitePageSize; i++ {
			page[i] = 0
		}
		if err := s.writePage(ctx, tx, boundary, page); err != nil {
			return err
		}
		return s.setLength(ctx, tx, length)
	})
}

func (s *sqliteStorage) Len() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n uint64
	err := s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		var err error
		n, err = s.length(ctx, tx)
		return err
	})
	return n, err
}

func (s *sqliteStorage) IsEmpty() (bool, error) {
	n, err := s.Len()
	return n == 0, err
}

func (s *sqliteStorage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(FULL);`); err != nil {
		return fmt.Errorf("%w: checkpoint: %v", ErrStorage, err)
	}
	return nil
}

func (s *sqliteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
