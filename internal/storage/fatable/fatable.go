// Package fatable implements the block allocation table: an array of
// successor ids, mirrored to disk, that strings blocks into chains.
//
// Every block belongs either to the single free chain or to exactly one
// allocated chain. The tail of a chain is marked by a successor of itself,
// so "end of chain" never collides with a link to block 0.
package fatable

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/S1riyS/naivefs/internal/storage"
)

const (
	headerSize = 12
	entrySize  = 4
)

// Metadata is the table header persisted at offset 0 of the fatable file.
type Metadata struct {
	BlockCount     uint32
	FreeBlockCount uint32
	FirstFree      storage.BlockID
}

// Table is safe for concurrent use. Mutations take the write lock, lookups
// the read lock, and every write to the backing file happens while one of
// them is held so that a persisted snapshot is never torn by a mutation.
type Table struct {
	mu     sync.RWMutex
	fileMu sync.Mutex

	rwa    storage.ReadWriterAt
	closer io.Closer

	meta Metadata
	next []storage.BlockID
}

func newTable(rwa storage.ReadWriterAt) *Table {
	t := &Table{rwa: rwa}
	if c, ok := rwa.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// Open loads the fatable at path or creates a fresh one when the file is
// missing or empty. created reports which of the two happened.
func Open(path string) (t *Table, created bool, err error) {
	const op = "fatable.Open"

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	if info.Size() == 0 {
		t, err = Create(f, storage.InitBlockCount)
		created = true
	} else {
		t, err = Load(f)
	}
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return t, created, nil
}

// Create initializes a table of blockCount blocks. Block 0 is a one-block
// chain reserved for the root directory; every other block is free.
func Create(rwa storage.ReadWriterAt, blockCount uint32) (*Table, error) {
	const op = "fatable.Create"

	if blockCount < 2 {
		return nil, fmt.Errorf("%s: %d blocks: %w", op, blockCount, storage.ErrInvalid)
	}

	t := newTable(rwa)
	t.meta = Metadata{
		BlockCount:     blockCount,
		FreeBlockCount: blockCount - 1,
		FirstFree:      1,
	}
	t.next = make([]storage.BlockID, blockCount)
	t.next[storage.RootBlock] = storage.RootBlock
	for i := uint32(1); i < blockCount-1; i++ {
		t.next[i] = storage.BlockID(i + 1)
	}
	t.next[blockCount-1] = storage.BlockID(blockCount - 1)

	if err := t.Sync(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return t, nil
}

// Load reads a table previously written by Create. A short file or an entry
// pointing outside the table is reported as corruption.
func Load(rwa storage.ReadWriterAt) (*Table, error) {
	const op = "fatable.Load"

	header := make([]byte, headerSize)
	if n, err := rwa.ReadAt(header, 0); n < headerSize {
		return nil, fmt.Errorf("%s: header is %d bytes: %w: %v", op, n, storage.ErrCorrupted, err)
	}

	t := newTable(rwa)
	t.meta = decodeHeader(header)
	if t.meta.BlockCount == 0 ||
		t.meta.FreeBlockCount >= t.meta.BlockCount ||
		uint32(t.meta.FirstFree) >= t.meta.BlockCount {
		return nil, fmt.Errorf("%s: bad header %+v: %w", op, t.meta, storage.ErrCorrupted)
	}

	raw := make([]byte, int64(t.meta.BlockCount)*entrySize)
	if n, err := rwa.ReadAt(raw, headerSize); n < len(raw) {
		return nil, fmt.Errorf(
			"%s: table is %d of %d bytes: %w: %v",
			op, n, len(raw), storage.ErrCorrupted, err,
		)
	}

	t.next = make([]storage.BlockID, t.meta.BlockCount)
	for i := range t.next {
		id := storage.BlockID(binary.LittleEndian.Uint32(raw[i*entrySize:]))
		if uint32(id) >= t.meta.BlockCount {
			return nil, fmt.Errorf("%s: entry `%d` is `%d`: %w", op, i, id, storage.ErrCorrupted)
		}
		t.next[i] = id
	}
	return t, nil
}

// Stats returns a snapshot of the table header.
func (t *Table) Stats() Metadata {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta
}

// Next returns the successor of id. A chain tail returns itself.
func (t *Table) Next(id storage.BlockID) (storage.BlockID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextLocked(id)
}

// NextN follows n links from id. Reaching the tail of the chain before n
// links have been followed is an error: callers only ask for positions that
// the file's block count says exist.
func (t *Table) NextN(id storage.BlockID, n uint32) (storage.BlockID, error) {
	const op = "fatable.Table.NextN"

	t.mu.RLock()
	defer t.mu.RUnlock()

	cur := id
	for i := uint32(0); i < n; i++ {
		next, err := t.nextLocked(cur)
		if err != nil {
			return 0, err
		}
		if next == cur {
			return 0, fmt.Errorf(
				"%s: chain from `%d` ends after %d of %d links: %w",
				op, id, i, n, storage.ErrCorrupted,
			)
		}
		cur = next
	}
	return cur, nil
}

// ChainLength counts the blocks of the chain starting at head.
func (t *Table) ChainLength(head storage.BlockID) (uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, length, err := t.tailLocked(head)
	return length, err
}

// Acquire detaches a chain of size blocks from the free list and returns its
// head, growing the table first if the free list is too short.
func (t *Table) Acquire(size uint32) (storage.BlockID, error) {
	const op = "fatable.Table.Acquire"

	if size == 0 {
		return 0, fmt.Errorf("%s: zero-length chain: %w", op, storage.ErrInvalid)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// the free list must never be emptied entirely: its tail is what a later
	// release or expansion links onto
	for size >= t.meta.FreeBlockCount {
		if err := t.expandLocked(); err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
	}

	head := t.meta.FirstFree
	tail := head
	for i := uint32(1); i < size; i++ {
		next, err := t.nextLocked(tail)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		tail = next
	}
	firstFree, err := t.nextLocked(tail)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if firstFree == tail {
		return 0, fmt.Errorf(
			"%s: free chain shorter than its count %d: %w",
			op, t.meta.FreeBlockCount, storage.ErrCorrupted,
		)
	}

	t.next[tail] = tail
	t.meta.FirstFree = firstFree
	t.meta.FreeBlockCount -= size

	if err := t.persistLocked(tail); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return head, nil
}

// Release returns the whole chain starting at head to the front of the free
// list.
func (t *Table) Release(head storage.BlockID) error {
	const op = "fatable.Table.Release"

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.releaseLocked(head); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Merge appends the chain starting at head2 to the chain starting at head1.
func (t *Table) Merge(head1, head2 storage.BlockID) error {
	const op = "fatable.Table.Merge"

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.nextLocked(head2); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	tail, _, err := t.tailLocked(head1)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	t.next[tail] = head2

	if err := t.persistLocked(tail); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// TruncateAt keeps the first keep blocks of the chain starting at head and
// releases the rest.
func (t *Table) TruncateAt(head storage.BlockID, keep uint32) error {
	const op = "fatable.Table.TruncateAt"

	if keep == 0 {
		return fmt.Errorf("%s: keep 0 blocks of `%d`: %w", op, head, storage.ErrInvalid)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tail := head
	for i := uint32(1); i < keep; i++ {
		next, err := t.nextLocked(tail)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if next == tail {
			return fmt.Errorf(
				"%s: chain from `%d` has %d blocks, want at least %d: %w",
				op, head, i, keep, storage.ErrCorrupted,
			)
		}
		tail = next
	}

	suffix, err := t.nextLocked(tail)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if suffix == tail {
		return nil
	}

	t.next[tail] = tail
	if err := t.releaseLocked(suffix); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := t.persistLocked(tail); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Check audits the table. No block may be the successor of two different
// blocks, every chain must end in a self-loop, every block must belong to
// some chain, and the free chain must hold exactly FreeBlockCount blocks.
func (t *Table) Check() error {
	const op = "fatable.Table.Check"

	t.mu.RLock()
	defer t.mu.RUnlock()

	indegree := make([]uint8, t.meta.BlockCount)
	for i, next := range t.next {
		if uint32(next) >= t.meta.BlockCount {
			return fmt.Errorf("%s: entry `%d` is `%d`: %w", op, i, next, storage.ErrCorrupted)
		}
		if next == storage.BlockID(i) {
			continue
		}
		indegree[next]++
		if indegree[next] > 1 {
			return fmt.Errorf("%s: block `%d` linked twice: %w", op, next, storage.ErrCorrupted)
		}
	}

	if indegree[t.meta.FirstFree] != 0 {
		return fmt.Errorf(
			"%s: free head `%d` is linked from another chain: %w",
			op, t.meta.FirstFree, storage.ErrCorrupted,
		)
	}
	_, length, err := t.tailLocked(t.meta.FirstFree)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if length != t.meta.FreeBlockCount {
		return fmt.Errorf(
			"%s: free chain has %d blocks, header says %d: %w",
			op, length, t.meta.FreeBlockCount, storage.ErrCorrupted,
		)
	}

	// heads are the blocks nothing links to; a cycle has none
	var chained uint32
	for i, in := range indegree {
		if in != 0 {
			continue
		}
		_, length, err := t.tailLocked(storage.BlockID(i))
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		chained += length
	}
	if chained != t.meta.BlockCount {
		return fmt.Errorf(
			"%s: %d of %d blocks lie on a cycle: %w",
			op, t.meta.BlockCount-chained, t.meta.BlockCount, storage.ErrCorrupted,
		)
	}
	return nil
}

// Sync rewrites the whole table.
func (t *Table) Sync() error {
	const op = "fatable.Table.Sync"

	t.mu.RLock()
	defer t.mu.RUnlock()

	buf := make([]byte, headerSize+len(t.next)*entrySize)
	encodeHeader(buf, t.meta)
	for i, next := range t.next {
		binary.LittleEndian.PutUint32(buf[headerSize+i*entrySize:], uint32(next))
	}

	t.fileMu.Lock()
	defer t.fileMu.Unlock()
	if _, err := t.rwa.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("%s: %w: %v", op, storage.ErrCorrupted, err)
	}
	return nil
}

func (t *Table) Close() error {
	const op = "fatable.Table.Close"

	if err := t.Sync(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if t.closer != nil {
		if err := t.closer.Close(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

func (t *Table) nextLocked(id storage.BlockID) (storage.BlockID, error) {
	const op = "fatable.Table.next"

	if uint32(id) >= t.meta.BlockCount {
		return 0, fmt.Errorf("%s: block `%d` out of range: %w", op, id, storage.ErrCorrupted)
	}
	next := t.next[id]
	if uint32(next) >= t.meta.BlockCount {
		return 0, fmt.Errorf("%s: bad entry `%d` -> `%d`: %w", op, id, next, storage.ErrCorrupted)
	}
	return next, nil
}

// tailLocked walks to the self-loop ending the chain at head. A walk longer
// than the table means the chain is cyclic.
func (t *Table) tailLocked(head storage.BlockID) (storage.BlockID, uint32, error) {
	const op = "fatable.Table.tail"

	tail, length := head, uint32(1)
	for {
		next, err := t.nextLocked(tail)
		if err != nil {
			return 0, 0, err
		}
		if next == tail {
			return tail, length, nil
		}
		tail = next
		length++
		if length > t.meta.BlockCount {
			return 0, 0, fmt.Errorf("%s: chain from `%d` never ends: %w", op, head, storage.ErrCorrupted)
		}
	}
}

func (t *Table) releaseLocked(head storage.BlockID) error {
	if head == storage.RootBlock {
		return fmt.Errorf("root block cannot be released: %w", storage.ErrInvalid)
	}

	tail, length, err := t.tailLocked(head)
	if err != nil {
		return err
	}
	if t.meta.FreeBlockCount == 0 {
		t.next[tail] = tail
	} else {
		t.next[tail] = t.meta.FirstFree
	}
	t.meta.FirstFree = head
	t.meta.FreeBlockCount += length

	return t.persistLocked(tail)
}

// expandLocked grows the table by GrowthFactor. The new blocks form one chain
// that is pushed onto the front of the free list.
func (t *Table) expandLocked() error {
	const op = "fatable.Table.expand"

	oldCount := t.meta.BlockCount
	grown := math.Floor(float64(oldCount) * storage.GrowthFactor)
	if grown > math.MaxUint32 {
		return fmt.Errorf("%s: %d blocks: %w", op, oldCount, storage.ErrTooLarge)
	}
	newCount := uint32(grown)
	if newCount <= oldCount {
		newCount = oldCount + 1
	}

	next := make([]storage.BlockID, newCount)
	copy(next, t.next)
	for i := oldCount; i < newCount-1; i++ {
		next[i] = storage.BlockID(i + 1)
	}
	if t.meta.FreeBlockCount == 0 {
		next[newCount-1] = storage.BlockID(newCount - 1)
	} else {
		next[newCount-1] = t.meta.FirstFree
	}

	t.next = next
	t.meta.FirstFree = storage.BlockID(oldCount)
	t.meta.FreeBlockCount += newCount - oldCount
	t.meta.BlockCount = newCount

	if err := t.persistRangeLocked(oldCount, newCount); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// persistLocked writes the header and the given entries.
func (t *Table) persistLocked(ids ...storage.BlockID) error {
	t.fileMu.Lock()
	defer t.fileMu.Unlock()

	if err := t.writeHeaderLocked(); err != nil {
		return err
	}
	entry := make([]byte, entrySize)
	for _, id := range ids {
		binary.LittleEndian.PutUint32(entry, uint32(t.next[id]))
		if _, err := t.rwa.WriteAt(entry, entryOffset(uint32(id))); err != nil {
			return fmt.Errorf("writing entry `%d`: %w: %v", id, storage.ErrCorrupted, err)
		}
	}
	return nil
}

// persistRangeLocked writes the header and the entries in [from, to).
func (t *Table) persistRangeLocked(from, to uint32) error {
	t.fileMu.Lock()
	defer t.fileMu.Unlock()

	buf := make([]byte, int64(to-from)*entrySize)
	for i := from; i < to; i++ {
		binary.LittleEndian.PutUint32(buf[(i-from)*entrySize:], uint32(t.next[i]))
	}
	if _, err := t.rwa.WriteAt(buf, entryOffset(from)); err != nil {
		return fmt.Errorf("writing entries [%d, %d): %w: %v", from, to, storage.ErrCorrupted, err)
	}
	return t.writeHeaderLocked()
}

func (t *Table) writeHeaderLocked() error {
	header := make([]byte, headerSize)
	encodeHeader(header, t.meta)
	if _, err := t.rwa.WriteAt(header, 0); err != nil {
		return fmt.Errorf("writing header: %w: %v", storage.ErrCorrupted, err)
	}
	return nil
}

func entryOffset(id uint32) int64 {
	return headerSize + int64(id)*entrySize
}

func encodeHeader(buf []byte, m Metadata) {
	binary.LittleEndian.PutUint32(buf[0:], m.BlockCount)
	binary.LittleEndian.PutUint32(buf[4:], m.FreeBlockCount)
	binary.LittleEndian.PutUint32(buf[8:], uint32(m.FirstFree))
}

func decodeHeader(buf []byte) Metadata {
	return Metadata{
		BlockCount:     binary.LittleEndian.Uint32(buf[0:]),
		FreeBlockCount: binary.LittleEndian.Uint32(buf[4:]),
		FirstFree:      storage.BlockID(binary.LittleEndian.Uint32(buf[8:])),
	}
}
