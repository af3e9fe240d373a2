package fatable

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/S1riyS/naivefs/internal/storage"
)

func newTestTable(t *testing.T, blocks uint32) (*Table, *storage.Buffer) {
	t.Helper()
	rwa := storage.NewBuffer(nil)
	tbl, err := Create(rwa, blocks)
	require.NoError(t, err)
	return tbl, rwa
}

func TestCreateLayout(t *testing.T) {
	tbl, rwa := newTestTable(t, storage.InitBlockCount)

	require.Equal(t, Metadata{
		BlockCount:     storage.InitBlockCount,
		FreeBlockCount: storage.InitBlockCount - 1,
		FirstFree:      1,
	}, tbl.Stats())
	require.Equal(t, headerSize+storage.InitBlockCount*entrySize, rwa.Len())

	next, err := tbl.Next(storage.RootBlock)
	require.NoError(t, err)
	require.Equal(t, storage.RootBlock, next)

	last := storage.BlockID(storage.InitBlockCount - 1)
	next, err = tbl.Next(last)
	require.NoError(t, err)
	require.Equal(t, last, next)

	require.NoError(t, tbl.Check())
}

func TestCreateTooSmall(t *testing.T) {
	_, err := Create(storage.NewBuffer(nil), 1)
	require.ErrorIs(t, err, storage.ErrInvalid)
}

func TestAcquireRelease(t *testing.T) {
	tbl, _ := newTestTable(t, 64)
	before := tbl.Stats()

	head, err := tbl.Acquire(5)
	require.NoError(t, err)
	require.Equal(t, storage.BlockID(1), head)

	length, err := tbl.ChainLength(head)
	require.NoError(t, err)
	require.EqualValues(t, 5, length)

	tail, err := tbl.NextN(head, 4)
	require.NoError(t, err)
	next, err := tbl.Next(tail)
	require.NoError(t, err)
	require.Equal(t, tail, next, "tail must point at itself")

	require.Equal(t, before.FreeBlockCount-5, tbl.Stats().FreeBlockCount)
	require.NoError(t, tbl.Check())

	require.NoError(t, tbl.Release(head))
	require.Equal(t, before.FreeBlockCount, tbl.Stats().FreeBlockCount)
	require.Equal(t, head, tbl.Stats().FirstFree)
	require.NoError(t, tbl.Check())
}

func TestAcquireZero(t *testing.T) {
	tbl, _ := newTestTable(t, 8)
	_, err := tbl.Acquire(0)
	require.ErrorIs(t, err, storage.ErrInvalid)
}

func TestReleaseRoot(t *testing.T) {
	tbl, _ := newTestTable(t, 8)
	require.ErrorIs(t, tbl.Release(storage.RootBlock), storage.ErrInvalid)
}

func TestNextNPastTail(t *testing.T) {
	tbl, _ := newTestTable(t, 16)
	head, err := tbl.Acquire(2)
	require.NoError(t, err)

	_, err = tbl.NextN(head, 2)
	require.ErrorIs(t, err, storage.ErrCorrupted)
}

func TestMerge(t *testing.T) {
	tbl, _ := newTestTable(t, 32)

	a, err := tbl.Acquire(3)
	require.NoError(t, err)
	b, err := tbl.Acquire(4)
	require.NoError(t, err)

	require.NoError(t, tbl.Merge(a, b))
	length, err := tbl.ChainLength(a)
	require.NoError(t, err)
	require.EqualValues(t, 7, length)

	third, err := tbl.NextN(a, 3)
	require.NoError(t, err)
	require.Equal(t, b, third)
	require.NoError(t, tbl.Check())
}

func TestTruncateAt(t *testing.T) {
	tbl, _ := newTestTable(t, 32)
	free := tbl.Stats().FreeBlockCount

	head, err := tbl.Acquire(6)
	require.NoError(t, err)

	require.NoError(t, tbl.TruncateAt(head, 2))
	length, err := tbl.ChainLength(head)
	require.NoError(t, err)
	require.EqualValues(t, 2, length)
	require.Equal(t, free-2, tbl.Stats().FreeBlockCount)
	require.NoError(t, tbl.Check())

	// keeping at least the whole chain is a no-op
	require.NoError(t, tbl.TruncateAt(head, 2))
	require.ErrorIs(t, tbl.TruncateAt(head, 3), storage.ErrCorrupted)
	require.ErrorIs(t, tbl.TruncateAt(head, 0), storage.ErrInvalid)
}

func TestExpandWhenFreeListShort(t *testing.T) {
	tbl, _ := newTestTable(t, storage.InitBlockCount)

	// leave exactly one free block
	_, err := tbl.Acquire(storage.InitBlockCount - 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, tbl.Stats().FreeBlockCount)

	head, err := tbl.Acquire(1)
	require.NoError(t, err)

	meta := tbl.Stats()
	require.EqualValues(t, 1536, meta.BlockCount)
	require.EqualValues(t, 1536-storage.InitBlockCount, meta.FreeBlockCount)
	require.EqualValues(t, storage.InitBlockCount, head)
	require.NoError(t, tbl.Check())
}

func TestExpandRepeatsForLargeRequests(t *testing.T) {
	tbl, _ := newTestTable(t, 4)

	head, err := tbl.Acquire(20)
	require.NoError(t, err)

	length, err := tbl.ChainLength(head)
	require.NoError(t, err)
	require.EqualValues(t, 20, length)
	require.Greater(t, tbl.Stats().FreeBlockCount, uint32(0))
	require.NoError(t, tbl.Check())
}

func TestLoadRoundTrip(t *testing.T) {
	tbl, rwa := newTestTable(t, 64)

	a, err := tbl.Acquire(3)
	require.NoError(t, err)
	b, err := tbl.Acquire(2)
	require.NoError(t, err)
	require.NoError(t, tbl.Merge(a, b))
	_, err = tbl.Acquire(100)
	require.NoError(t, err)

	loaded, err := Load(rwa)
	require.NoError(t, err)
	require.Equal(t, tbl.Stats(), loaded.Stats())
	require.Equal(t, tbl.next, loaded.next)
	require.NoError(t, loaded.Check())
}

func TestLoadCorrupted(t *testing.T) {
	_, err := Load(storage.NewBuffer(make([]byte, 5)))
	require.ErrorIs(t, err, storage.ErrCorrupted)

	_, rwa := newTestTable(t, 8)
	raw := rwa.Bytes()
	binary.LittleEndian.PutUint32(raw[entryOffset(3):], 99)
	_, err = Load(storage.NewBuffer(raw))
	require.ErrorIs(t, err, storage.ErrCorrupted)

	_, rwa = newTestTable(t, 8)
	_, err = Load(storage.NewBuffer(rwa.Bytes()[:headerSize+8]))
	require.ErrorIs(t, err, storage.ErrCorrupted)
}

func TestCheckDetectsSharedSuccessor(t *testing.T) {
	tbl, _ := newTestTable(t, 16)
	a, err := tbl.Acquire(2)
	require.NoError(t, err)
	b, err := tbl.Acquire(2)
	require.NoError(t, err)

	second, err := tbl.Next(a)
	require.NoError(t, err)
	tbl.next[b] = second
	require.ErrorIs(t, tbl.Check(), storage.ErrCorrupted)
}

func TestCheckDetectsCycle(t *testing.T) {
	tbl, _ := newTestTable(t, 16)
	head, err := tbl.Acquire(2)
	require.NoError(t, err)
	require.NoError(t, tbl.Check())

	// close the chain on itself: no block is linked twice and none is a head
	second, err := tbl.Next(head)
	require.NoError(t, err)
	tbl.next[second] = head
	require.ErrorIs(t, tbl.Check(), storage.ErrCorrupted)
}

func TestOpenCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), storage.FatableFileName)

	tbl, created, err := Open(path)
	require.NoError(t, err)
	require.True(t, created)
	head, err := tbl.Acquire(10)
	require.NoError(t, err)
	require.NoError(t, tbl.Close())

	tbl, created, err = Open(path)
	require.NoError(t, err)
	require.False(t, created)
	defer tbl.Close()

	length, err := tbl.ChainLength(head)
	require.NoError(t, err)
	require.EqualValues(t, 10, length)
	require.NoError(t, tbl.Check())
}
