package engine

import (
	"fmt"

	"github.com/S1riyS/naivefs/internal/storage"
)

// OpenFile returns a descriptor for the file whose chain starts at first.
// Opening a file that is already open shares its descriptor. A block whose
// header was scrubbed on release reports storage.ErrNotFound.
func (e *Engine) OpenFile(first storage.BlockID) (fd Fileno, err error) {
	const op = "engine.Engine.OpenFile"
	if err := e.healthy(); err != nil {
		return 0, err
	}
	defer func() { err = e.track(err) }()

	// the header is read under the table lock so that it cannot be released
	// between the read and the insert
	e.fds.mu.Lock()
	defer e.fds.mu.Unlock()
	if fd, ok := e.fds.acquireLocked(first); ok {
		return fd, nil
	}

	blk := make([]byte, storage.BlockSize)
	if err := e.store.ReadBlock(first, blk); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	md := decodeMetadata(blk)
	switch {
	case md.FirstBlock == first:
	case md.FirstBlock == storage.RootBlock:
		return 0, fmt.Errorf("%s: no file starts at `%d`: %w", op, first, storage.ErrNotFound)
	default:
		return 0, fmt.Errorf(
			"%s: block `%d` holds metadata of `%d`: %w",
			op, first, md.FirstBlock, storage.ErrCorrupted,
		)
	}

	fd, _, err = e.fds.insertLocked(md)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return fd, nil
}

// CloseFile drops one reference to fd. The last reference flushes the
// metadata, or frees the chain if the file was unlinked while open.
func (e *Engine) CloseFile(fd Fileno) (err error) {
	const op = "engine.Engine.CloseFile"
	if err := e.healthy(); err != nil {
		return err
	}
	defer func() { err = e.track(err) }()

	e.fds.mu.Lock()
	defer e.fds.mu.Unlock()

	d, err := e.fds.getLocked(fd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	d.refs--
	if d.refs > 0 {
		return nil
	}
	e.fds.removeLocked(fd)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unlinked {
		err = e.releaseChain(d.md.FirstBlock)
	} else {
		err = e.flushLocked(d)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Metadata returns a copy of the metadata of fd.
func (e *Engine) Metadata(fd Fileno) (FileMetadata, error) {
	const op = "engine.Engine.Metadata"
	if err := e.healthy(); err != nil {
		return FileMetadata{}, err
	}

	d, err := e.fds.get(fd)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("%s: %w", op, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.md, nil
}

// SetMetadata replaces the timestamps of fd. The layout fields (first block,
// block count, size and mode) must be left as they are: size only changes
// through Write and Truncate.
func (e *Engine) SetMetadata(fd Fileno, md FileMetadata) (err error) {
	const op = "engine.Engine.SetMetadata"
	if err := e.healthy(); err != nil {
		return err
	}
	defer func() { err = e.track(err) }()

	d, err := e.fds.get(fd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if md.FirstBlock != d.md.FirstBlock ||
		md.BlockCount != d.md.BlockCount ||
		md.Size != d.md.Size ||
		md.Mode != d.md.Mode {
		return fmt.Errorf("%s: layout of `%d` cannot change: %w", op, d.md.FirstBlock, storage.ErrInvalid)
	}
	d.md.CreateTime = md.CreateTime
	d.md.AccessTime = md.AccessTime
	d.md.ModifyTime = md.ModifyTime

	if err := e.flushLocked(d); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Read copies up to len(buf) bytes starting at off into buf and returns how
// many were copied. Reading at or past the end of the file returns 0.
func (e *Engine) Read(fd Fileno, buf []byte, off uint32) (n int, err error) {
	const op = "engine.Engine.Read"
	if err := e.healthy(); err != nil {
		return 0, err
	}
	defer func() { err = e.track(err) }()

	d, err := e.fds.get(fd)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.md.AccessTime = e.now()
	n, err = e.readLocked(d, buf, uint64(off))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// Write stores data at off, growing the file and its chain as needed.
func (e *Engine) Write(fd Fileno, data []byte, off uint32) (n int, err error) {
	const op = "engine.Engine.Write"
	if err := e.healthy(); err != nil {
		return 0, err
	}
	defer func() { err = e.track(err) }()

	d, err := e.fds.get(fd)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err = e.writeLocked(d, data, uint64(off))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// Truncate shrinks the file to size bytes and frees the blocks it no longer
// needs. Growing a file this way is refused with storage.ErrTruncateGrow and
// leaves it untouched.
func (e *Engine) Truncate(fd Fileno, size uint32) (err error) {
	const op = "engine.Engine.Truncate"
	if err := e.healthy(); err != nil {
		return err
	}
	defer func() { err = e.track(err) }()

	d, err := e.fds.get(fd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := e.truncateLocked(d, size); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (e *Engine) readLocked(d *descriptor, buf []byte, off uint64) (int, error) {
	size := uint64(d.md.Size)
	if off >= size || len(buf) == 0 {
		return 0, nil
	}
	end := min(off+uint64(len(buf)), size)

	blk := make([]byte, storage.BlockSize)
	err := e.walk(d.md.FirstBlock, off, end, func(id storage.BlockID, lo, hi int, at uint64) error {
		if hi-lo == storage.BlockSize {
			return e.store.ReadBlock(id, buf[at:at+storage.BlockSize])
		}
		if err := e.store.ReadBlock(id, blk); err != nil {
			return err
		}
		copy(buf[at:], blk[lo:hi])
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(end - off), nil
}

func (e *Engine) writeLocked(d *descriptor, data []byte, off uint64) (int, error) {
	now := e.now()
	d.md.AccessTime = now
	if len(data) == 0 {
		return 0, nil
	}

	end := off + uint64(len(data))
	if end > MaxFileSize {
		return 0, fmt.Errorf("%d bytes at offset %d: %w", len(data), off, storage.ErrTooLarge)
	}
	d.md.ModifyTime = now

	oldSize := uint64(d.md.Size)
	if end > oldSize {
		if need := blocksFor(end); need > d.md.BlockCount {
			head, err := e.table.Acquire(need - d.md.BlockCount)
			if err != nil {
				return 0, err
			}
			if err := e.table.Merge(d.md.FirstBlock, head); err != nil {
				return 0, err
			}
			d.md.BlockCount = need
		}
		d.md.Size = uint32(end)
	}
	if err := e.flushLocked(d); err != nil {
		return 0, err
	}

	// freed blocks are not scrubbed, so a hole must not expose old data
	if off > oldSize {
		if err := e.zeroLocked(d, oldSize, off); err != nil {
			return 0, err
		}
	}

	blk := make([]byte, storage.BlockSize)
	err := e.walk(d.md.FirstBlock, off, end, func(id storage.BlockID, lo, hi int, at uint64) error {
		if hi-lo == storage.BlockSize {
			return e.store.WriteBlock(id, data[at:at+storage.BlockSize])
		}
		if err := e.store.ReadBlock(id, blk); err != nil {
			return err
		}
		copy(blk[lo:hi], data[at:])
		return e.store.WriteBlock(id, blk)
	})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func (e *Engine) zeroLocked(d *descriptor, from, to uint64) error {
	blk := make([]byte, storage.BlockSize)
	zeros := make([]byte, storage.BlockSize)
	return e.walk(d.md.FirstBlock, from, to, func(id storage.BlockID, lo, hi int, _ uint64) error {
		if hi-lo == storage.BlockSize {
			return e.store.WriteBlock(id, zeros)
		}
		if err := e.store.ReadBlock(id, blk); err != nil {
			return err
		}
		clear(blk[lo:hi])
		return e.store.WriteBlock(id, blk)
	})
}

func (e *Engine) truncateLocked(d *descriptor, size uint32) error {
	if size > d.md.Size {
		return fmt.Errorf("%d to %d bytes: %w", d.md.Size, size, storage.ErrTruncateGrow)
	}

	if need := blocksFor(uint64(size)); need < d.md.BlockCount {
		if err := e.table.TruncateAt(d.md.FirstBlock, need); err != nil {
			return err
		}
		d.md.BlockCount = need
	}
	d.md.Size = size
	d.md.ModifyTime = e.now()
	return e.flushLocked(d)
}

// walk calls fn for every block covering the payload range [off, end), in
// chain order. lo and hi bound the part of the block inside the range and at
// is the distance of that part from off. The first and last blocks are
// usually partial, every block in between is whole.
func (e *Engine) walk(
	first storage.BlockID,
	off, end uint64,
	fn func(id storage.BlockID, lo, hi int, at uint64) error,
) error {
	if off >= end {
		return nil
	}

	idx, _ := position(off)
	id, err := e.table.NextN(first, idx)
	if err != nil {
		return err
	}

	for pos := off; ; {
		_, in := position(pos)
		n := min(uint64(storage.BlockSize-in), end-pos)
		if err := fn(id, in, in+int(n), pos-off); err != nil {
			return err
		}
		pos += n
		if pos >= end {
			return nil
		}

		next, err := e.table.Next(id)
		if err != nil {
			return err
		}
		if next == id {
			return fmt.Errorf("chain from `%d` ends before offset %d: %w", first, pos, storage.ErrCorrupted)
		}
		id = next
	}
}

// flushLocked writes d's metadata into the header of its first block.
func (e *Engine) flushLocked(d *descriptor) error {
	blk := make([]byte, storage.BlockSize)
	if err := e.store.ReadBlock(d.md.FirstBlock, blk); err != nil {
		return err
	}
	encodeMetadata(blk, d.md)
	return e.store.WriteBlock(d.md.FirstBlock, blk)
}

// writeFirstBlock initializes the first block of a fresh chain: header
// followed by zeros.
func (e *Engine) writeFirstBlock(md FileMetadata) error {
	blk := make([]byte, storage.BlockSize)
	encodeMetadata(blk, md)
	return e.store.WriteBlock(md.FirstBlock, blk)
}

// releaseFile frees the chain of a file that has lost its directory entry.
// If the file is still open the chain lives until its last CloseFile.
func (e *Engine) releaseFile(first storage.BlockID) error {
	e.fds.mu.Lock()
	defer e.fds.mu.Unlock()

	if fd, ok := e.fds.byBlock[first]; ok {
		e.fds.slots[fd].unlinked = true
		return nil
	}
	return e.releaseChain(first)
}

// releaseChain zeroes the first block of a file, header included, and frees
// its chain. A released first block therefore never passes the header check
// in OpenFile. Callers hold fds.mu.
func (e *Engine) releaseChain(first storage.BlockID) error {
	if err := e.store.WriteBlock(first, make([]byte, storage.BlockSize)); err != nil {
		return err
	}
	return e.table.Release(first)
}
