// Package storage holds the types and error kinds shared by the layers of the
// on-disk engine: the block store, the allocation table and the file engine.
package storage

import (
	"errors"
	"io"
)

// BlockID indexes both the block store and the allocation table.
type BlockID uint32

const (
	BlockSize      = 4096
	InitBlockCount = 1024

	// MaxNameLen is the longest name a directory entry may hold.
	MaxNameLen = 255

	// RootBlock is the first block of the root directory. It is never freed.
	RootBlock BlockID = 0

	FatableFileName   = "fatable.naivedisk"
	BlockfileFileName = "blockfile.naivedisk"
)

// GrowthFactor is applied to the block count whenever the free chain cannot
// satisfy an allocation.
const GrowthFactor = 1.5

// ReadWriterAt is the backing device of both the table and the block store.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// Faults. Once one of these surfaces the mount must stop serving requests.
var (
	ErrCorrupted = errors.New("storage corrupted")
	ErrExhausted = errors.New("descriptor table exhausted")
)

// Expected negative outcomes.
var (
	ErrNotFound      = errors.New("no such entry")
	ErrExists        = errors.New("entry already exists")
	ErrNotDir        = errors.New("not a directory")
	ErrIsDir         = errors.New("is a directory")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrBadDescriptor = errors.New("bad file descriptor")
	ErrTruncateGrow  = errors.New("truncate cannot grow a file")
	ErrTooLarge      = errors.New("file too large")
	ErrInvalidName   = errors.New("invalid file name")
	ErrNameTooLong   = errors.New("file name too long")
	ErrInvalid       = errors.New("invalid argument")
)

// IsFault reports whether err means the on-disk state can no longer be trusted.
func IsFault(err error) bool {
	return errors.Is(err, ErrCorrupted) || errors.Is(err, ErrExhausted)
}
