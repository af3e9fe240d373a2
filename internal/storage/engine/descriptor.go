package engine

import (
	"fmt"
	"sync"

	"github.com/S1riyS/naivefs/internal/storage"
)

// Fileno is a handle to an open file.
type Fileno int32

// FilenoTableSize bounds the number of files open at once.
const FilenoTableSize = 65536

// A descriptor's mu is taken before descriptorTable.mu. The reverse order is
// only allowed once the descriptor has no references left.
type descriptor struct {
	// mu guards md.
	mu sync.Mutex
	md FileMetadata

	// refs and unlinked are guarded by descriptorTable.mu.
	refs     int
	unlinked bool
}

// descriptorTable hands out at most one descriptor per first block. Repeated
// opens of the same file share it through the reference count.
type descriptorTable struct {
	mu       sync.Mutex
	slots    []*descriptor
	free     []Fileno
	byBlock  map[storage.BlockID]Fileno
	capacity int
}

func newDescriptorTable(capacity int) *descriptorTable {
	return &descriptorTable{
		byBlock:  make(map[storage.BlockID]Fileno),
		capacity: capacity,
	}
}

// get returns the live descriptor behind fd.
func (t *descriptorTable) get(fd Fileno) (*descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getLocked(fd)
}

func (t *descriptorTable) getLocked(fd Fileno) (*descriptor, error) {
	if fd < 0 || int(fd) >= len(t.slots) || t.slots[fd] == nil {
		return nil, fmt.Errorf("fileno `%d`: %w", fd, storage.ErrBadDescriptor)
	}
	return t.slots[fd], nil
}

// acquireLocked bumps the reference count of the descriptor already open for
// block, if any.
func (t *descriptorTable) acquireLocked(block storage.BlockID) (Fileno, bool) {
	fd, ok := t.byBlock[block]
	if !ok {
		return 0, false
	}
	t.slots[fd].refs++
	return fd, true
}

// insertLocked stores md in a free slot with one reference.
func (t *descriptorTable) insertLocked(md FileMetadata) (Fileno, *descriptor, error) {
	var fd Fileno
	switch {
	case len(t.free) > 0:
		fd = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
	case len(t.slots) < t.capacity:
		fd = Fileno(len(t.slots))
		t.slots = append(t.slots, nil)
	default:
		return 0, nil, fmt.Errorf("%d files open: %w", t.capacity, storage.ErrExhausted)
	}

	d := &descriptor{md: md, refs: 1}
	t.slots[fd] = d
	t.byBlock[md.FirstBlock] = fd
	return fd, d, nil
}

func (t *descriptorTable) removeLocked(fd Fileno) {
	d := t.slots[fd]
	t.slots[fd] = nil
	t.free = append(t.free, fd)
	if cur, ok := t.byBlock[d.md.FirstBlock]; ok && cur == fd {
		delete(t.byBlock, d.md.FirstBlock)
	}
}

// open returns the number of live descriptors.
func (t *descriptorTable) open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byBlock)
}
