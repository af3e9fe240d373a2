// Package blockstore reads and writes fixed-size blocks of a backing file.
package blockstore

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/S1riyS/naivefs/internal/storage"
)

// Store addresses blocks by id at offset id*BlockSize. It keeps no state of
// its own, so positioned reads and writes of distinct blocks may run
// concurrently.
type Store struct {
	rwa    storage.ReadWriterAt
	closer io.Closer
}

func New(rwa storage.ReadWriterAt) *Store {
	s := &Store{rwa: rwa}
	if c, ok := rwa.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Open opens the blockfile at path, creating an empty one if it is missing.
func Open(path string) (*Store, error) {
	const op = "blockstore.Open"

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return New(f), nil
}

func offsetOf(id storage.BlockID) int64 {
	return int64(id) * storage.BlockSize
}

// ReadBlock fills buf with block id. The part of the block lying beyond the
// end of the backing file reads as zeros.
func (s *Store) ReadBlock(id storage.BlockID, buf []byte) error {
	const op = "blockstore.Store.ReadBlock"

	if len(buf) < storage.BlockSize {
		return fmt.Errorf("%s: buffer of %d bytes: %w", op, len(buf), storage.ErrInvalid)
	}
	buf = buf[:storage.BlockSize]

	n, err := s.rwa.ReadAt(buf, offsetOf(id))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: block `%d`: %w: %v", op, id, storage.ErrCorrupted, err)
	}
	clear(buf[n:])
	return nil
}

// WriteBlock writes exactly one block. Any failure, including a short write,
// is reported as corruption since nothing can roll it back.
func (s *Store) WriteBlock(id storage.BlockID, buf []byte) error {
	const op = "blockstore.Store.WriteBlock"

	if len(buf) < storage.BlockSize {
		return fmt.Errorf("%s: buffer of %d bytes: %w", op, len(buf), storage.ErrInvalid)
	}

	n, err := s.rwa.WriteAt(buf[:storage.BlockSize], offsetOf(id))
	if err != nil {
		return fmt.Errorf("%s: block `%d`: %w: %v", op, id, storage.ErrCorrupted, err)
	}
	if n != storage.BlockSize {
		return fmt.Errorf("%s: block `%d`: short write of %d bytes: %w", op, id, n, storage.ErrCorrupted)
	}
	return nil
}

func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
