package engine

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/S1riyS/naivefs/internal/storage"
	"github.com/S1riyS/naivefs/internal/storage/blockstore"
	"github.com/S1riyS/naivefs/internal/storage/fatable"
)

var epoch = time.Unix(1700000000, 0)

type testImage struct {
	table *storage.Buffer
	store *storage.Buffer
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, testImage) {
	t.Helper()

	img := testImage{table: storage.NewBuffer(nil), store: storage.NewBuffer(nil)}
	tbl, err := fatable.Create(img.table, storage.InitBlockCount)
	require.NoError(t, err)

	opts = append([]Option{WithClock(func() time.Time { return epoch })}, opts...)
	e := New(tbl, blockstore.New(img.store), opts...)
	require.NoError(t, e.Format())
	return e, img
}

// reopen closes e and mounts the same buffers again.
func reopen(t *testing.T, e *Engine, img testImage) *Engine {
	t.Helper()
	require.NoError(t, e.Close())

	tbl, err := fatable.Load(img.table)
	require.NoError(t, err)
	return New(tbl, blockstore.New(img.store))
}

func createFile(t *testing.T, e *Engine, dir, name string, isDir bool) Fileno {
	t.Helper()
	rec, idx, err := e.Resolve(dir + "/" + name)
	require.NoError(t, err)
	defer rec.Release()
	require.Equal(t, name, SplitLast(dir+"/"+name, idx))

	fd, err := e.Create(rec.Fileno(), name, isDir)
	require.NoError(t, err)
	return fd
}

func TestFormatRoot(t *testing.T) {
	e, _ := newTestEngine(t)

	rec, err := e.OpenDir(storage.RootBlock)
	require.NoError(t, err)
	defer rec.Release()

	require.Equal(t, []DirEntry{
		{Block: storage.RootBlock, Name: "."},
		{Block: storage.RootBlock, Name: ".."},
	}, rec.Entries)

	md, err := e.Metadata(rec.Fileno())
	require.NoError(t, err)
	require.True(t, md.IsDir())
	require.EqualValues(t, 1, md.BlockCount)
	require.Equal(t, epoch, md.CreateTime)
	require.NoError(t, e.Check())
}

func TestReadWriteRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		off  uint32
		size int
	}{
		{"first block", 0, 100},
		{"last byte of first block", 4095, 1},
		{"across first boundary", 4050, 10},
		{"many blocks", 0, 5 * storage.BlockSize},
		{"unaligned many blocks", 1234, 3*storage.BlockSize + 17},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			fd := createFile(t, e, "", "f", false)

			data := make([]byte, tc.size)
			for i := range data {
				data[i] = byte(i*7 + 1)
			}
			n, err := e.Write(fd, data, tc.off)
			require.NoError(t, err)
			require.Equal(t, tc.size, n)

			md, err := e.Metadata(fd)
			require.NoError(t, err)
			end := uint64(tc.off) + uint64(tc.size)
			require.EqualValues(t, end, md.Size)
			require.Equal(t, blocksFor(end), md.BlockCount)

			got := make([]byte, tc.size)
			n, err = e.Read(fd, got, tc.off)
			require.NoError(t, err)
			require.Equal(t, tc.size, n)
			require.Equal(t, data, got)

			// the hole in front reads back as zeros
			hole := make([]byte, tc.off)
			n, err = e.Read(fd, hole, 0)
			require.NoError(t, err)
			require.EqualValues(t, tc.off, n)
			require.Equal(t, make([]byte, tc.off), hole)

			require.NoError(t, e.CloseFile(fd))
			require.NoError(t, e.Check())
		})
	}
}

func TestReadPastEnd(t *testing.T) {
	e, _ := newTestEngine(t)
	fd := createFile(t, e, "", "f", false)

	_, err := e.Write(fd, []byte("hello"), 0)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := e.Read(fd, buf, 3)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "lo", string(buf[:n]))

	n, err = e.Read(fd, buf, 5)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestHoleDoesNotExposeFreedData(t *testing.T) {
	e, _ := newTestEngine(t)

	fd := createFile(t, e, "", "old", false)
	_, err := e.Write(fd, bytes.Repeat([]byte{0xee}, 3*storage.BlockSize), 0)
	require.NoError(t, err)
	require.NoError(t, e.CloseFile(fd))

	root, err := e.OpenDir(storage.RootBlock)
	require.NoError(t, err)
	require.NoError(t, e.Unlink(root.Fileno(), "old"))
	require.NoError(t, root.Release())

	fd = createFile(t, e, "", "new", false)
	_, err = e.Write(fd, []byte{1}, 2*storage.BlockSize)
	require.NoError(t, err)

	got := make([]byte, 2*storage.BlockSize)
	_, err = e.Read(fd, got, 0)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 2*storage.BlockSize), got)
}

func TestTruncate(t *testing.T) {
	e, _ := newTestEngine(t)
	fd := createFile(t, e, "", "f", false)

	_, err := e.Write(fd, bytes.Repeat([]byte{1}, 3*storage.BlockSize), 0)
	require.NoError(t, err)
	free := e.Statfs().FreeBlocks

	require.NoError(t, e.Truncate(fd, 10))
	md, err := e.Metadata(fd)
	require.NoError(t, err)
	require.EqualValues(t, 10, md.Size)
	require.EqualValues(t, 1, md.BlockCount)
	require.Equal(t, free+3, e.Statfs().FreeBlocks)

	require.ErrorIs(t, e.Truncate(fd, 11), storage.ErrTruncateGrow)
	md, err = e.Metadata(fd)
	require.NoError(t, err)
	require.EqualValues(t, 10, md.Size)

	require.NoError(t, e.Truncate(fd, 0))
	require.NoError(t, e.CloseFile(fd))
	require.NoError(t, e.Check())
}

func TestTooLarge(t *testing.T) {
	e, _ := newTestEngine(t)
	fd := createFile(t, e, "", "f", false)

	_, err := e.Write(fd, []byte{1}, MaxFileSize)
	require.ErrorIs(t, err, storage.ErrTooLarge)
}

func TestMkdirContents(t *testing.T) {
	e, _ := newTestEngine(t)
	fd := createFile(t, e, "", "a", true)
	md, err := e.Metadata(fd)
	require.NoError(t, err)
	require.NoError(t, e.CloseFile(fd))

	rec, err := e.OpenDir(md.FirstBlock)
	require.NoError(t, err)
	defer rec.Release()
	require.Equal(t, []DirEntry{
		{Block: md.FirstBlock, Name: "."},
		{Block: storage.RootBlock, Name: ".."},
	}, rec.Entries)
}

func TestCreateExistsAndInvalid(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.CloseFile(createFile(t, e, "", "f", false)))

	root, err := e.OpenDir(storage.RootBlock)
	require.NoError(t, err)
	defer root.Release()

	_, err = e.Create(root.Fileno(), "f", false)
	require.ErrorIs(t, err, storage.ErrExists)

	for _, name := range []string{"", ".", "..", "a/b", "nul\x00"} {
		_, err = e.Create(root.Fileno(), name, false)
		require.ErrorIs(t, err, storage.ErrInvalidName, "name %q", name)
	}

	_, err = e.Create(root.Fileno(), strings.Repeat("x", storage.MaxNameLen+1), false)
	require.ErrorIs(t, err, storage.ErrNameTooLong)

	fd, err := e.Create(root.Fileno(), strings.Repeat("x", storage.MaxNameLen), true)
	require.NoError(t, err)
	require.NoError(t, e.CloseFile(fd))
	require.NoError(t, e.Check())
}

func TestCreateInRegularFile(t *testing.T) {
	e, _ := newTestEngine(t)
	fd := createFile(t, e, "", "f", false)

	_, err := e.Create(fd, "g", false)
	require.ErrorIs(t, err, storage.ErrNotDir)
}

func TestNestedFilePersists(t *testing.T) {
	e, img := newTestEngine(t)

	require.NoError(t, e.CloseFile(createFile(t, e, "", "a", true)))
	fd := createFile(t, e, "/a", "f", false)

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	_, err := e.Write(fd, data, 0)
	require.NoError(t, err)
	require.NoError(t, e.CloseFile(fd))

	e = reopen(t, e, img)
	defer e.Close()
	require.NoError(t, e.Check())

	rec, idx, err := e.Resolve("/a/f")
	require.NoError(t, err)
	defer rec.Release()

	i, ok := rec.Lookup(SplitLast("/a/f", idx))
	require.True(t, ok)
	fd, err = e.OpenFile(rec.Entries[i].Block)
	require.NoError(t, err)
	defer e.CloseFile(fd)

	md, err := e.Metadata(fd)
	require.NoError(t, err)
	require.EqualValues(t, 5000, md.Size)
	require.EqualValues(t, 2, md.BlockCount)

	got := make([]byte, 5000)
	n, err := e.Read(fd, got, 0)
	require.NoError(t, err)
	require.Equal(t, 5000, n)
	require.Equal(t, data, got)
}

func TestResolveErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.CloseFile(createFile(t, e, "", "f", false)))

	_, _, err := e.Resolve("relative")
	require.ErrorIs(t, err, storage.ErrInvalid)

	_, _, err = e.Resolve("/missing/x")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, _, err = e.Resolve("/f/x")
	require.ErrorIs(t, err, storage.ErrNotDir)

	rec, idx, err := e.Resolve("/")
	require.NoError(t, err)
	require.Equal(t, "", SplitLast("/", idx))
	require.NoError(t, rec.Release())

	require.Zero(t, e.Statfs().OpenFiles)
}

func TestOpenSharesDescriptor(t *testing.T) {
	e, _ := newTestEngine(t)
	fd := createFile(t, e, "", "f", false)
	md, err := e.Metadata(fd)
	require.NoError(t, err)

	again, err := e.OpenFile(md.FirstBlock)
	require.NoError(t, err)
	require.Equal(t, fd, again)
	require.Equal(t, 1, e.Statfs().OpenFiles)

	require.NoError(t, e.CloseFile(fd))
	_, err = e.Metadata(again)
	require.NoError(t, err, "one reference is still held")

	require.NoError(t, e.CloseFile(again))
	_, err = e.Metadata(again)
	require.ErrorIs(t, err, storage.ErrBadDescriptor)
	require.ErrorIs(t, e.CloseFile(again), storage.ErrBadDescriptor)
}

func TestUnlinkWhileOpen(t *testing.T) {
	e, _ := newTestEngine(t)
	free := e.Statfs().FreeBlocks

	fd := createFile(t, e, "", "f", false)
	_, err := e.Write(fd, bytes.Repeat([]byte{5}, 2*storage.BlockSize), 0)
	require.NoError(t, err)

	root, err := e.OpenDir(storage.RootBlock)
	require.NoError(t, err)
	require.NoError(t, e.Unlink(root.Fileno(), "f"))
	require.ErrorIs(t, e.Unlink(root.Fileno(), "f"), storage.ErrNotFound)
	require.NoError(t, root.Release())

	// still readable through the open descriptor
	got := make([]byte, 3)
	_, err = e.Read(fd, got, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 5, 5}, got)
	require.Less(t, e.Statfs().FreeBlocks, free)

	require.NoError(t, e.CloseFile(fd))
	require.Equal(t, free, e.Statfs().FreeBlocks)
	require.NoError(t, e.Check())
}

func TestUnlinkKeepsOtherEntries(t *testing.T) {
	e, _ := newTestEngine(t)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, e.CloseFile(createFile(t, e, "", name, false)))
	}

	root, err := e.OpenDir(storage.RootBlock)
	require.NoError(t, err)
	require.NoError(t, e.Unlink(root.Fileno(), "b"))
	require.NoError(t, root.Release())

	root, err = e.OpenDir(storage.RootBlock)
	require.NoError(t, err)
	defer root.Release()

	var names []string
	for _, entry := range root.Entries {
		names = append(names, entry.Name)
	}
	require.Equal(t, []string{".", "..", "a", "c"}, names)
}

func TestFilenoTableExhausted(t *testing.T) {
	e, _ := newTestEngine(t, WithFilenoTableSize(2))

	root, err := e.OpenDir(storage.RootBlock)
	require.NoError(t, err)
	defer root.Release()

	fd, err := e.Create(root.Fileno(), "a", false)
	require.NoError(t, err)
	free := e.Statfs().FreeBlocks

	_, err = e.Create(root.Fileno(), "b", false)
	require.ErrorIs(t, err, storage.ErrExhausted)
	require.Equal(t, free, e.Statfs().FreeBlocks)

	// exhaustion is not a corruption: the engine keeps serving
	require.NoError(t, e.CloseFile(fd))
	fd, err = e.Create(root.Fileno(), "b", false)
	require.NoError(t, err)
	require.NoError(t, e.CloseFile(fd))
}

func TestCorruptionDisablesEngine(t *testing.T) {
	e, img := newTestEngine(t)
	fd := createFile(t, e, "", "f", false)
	md, err := e.Metadata(fd)
	require.NoError(t, err)
	require.NoError(t, e.CloseFile(fd))

	// point the header of f at some other block
	blk := img.store.Bytes()[int(md.FirstBlock)*storage.BlockSize:][:storage.BlockSize]
	blk[0] = 0x7f
	_, err = img.store.WriteAt(blk, int64(md.FirstBlock)*storage.BlockSize)
	require.NoError(t, err)

	_, err = e.OpenFile(md.FirstBlock)
	require.ErrorIs(t, err, storage.ErrCorrupted)

	_, err = e.OpenDir(storage.RootBlock)
	require.ErrorIs(t, err, storage.ErrCorrupted)
}

func TestDecodeDirCorrupted(t *testing.T) {
	payload := EncodeDir([]DirEntry{{Block: 3, Name: "abc"}, {Block: 4, Name: "de"}})

	entries, err := DecodeDir(payload)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	_, err = DecodeDir(payload[:len(payload)-1])
	require.ErrorIs(t, err, storage.ErrCorrupted)

	_, err = DecodeDir(payload[:2])
	require.ErrorIs(t, err, storage.ErrCorrupted)
}

func TestSetMetadata(t *testing.T) {
	e, img := newTestEngine(t)
	fd := createFile(t, e, "", "f", false)

	md, err := e.Metadata(fd)
	require.NoError(t, err)
	later := epoch.Add(time.Hour)
	md.ModifyTime = later
	md.AccessTime = later
	require.NoError(t, e.SetMetadata(fd, md))

	md.Size = 100
	require.ErrorIs(t, e.SetMetadata(fd, md), storage.ErrInvalid)
	require.NoError(t, e.CloseFile(fd))

	e = reopen(t, e, img)
	defer e.Close()
	rec, idx, err := e.Resolve("/f")
	require.NoError(t, err)
	defer rec.Release()
	i, ok := rec.Lookup(SplitLast("/f", idx))
	require.True(t, ok)

	fd, err = e.OpenFile(rec.Entries[i].Block)
	require.NoError(t, err)
	defer e.CloseFile(fd)
	md, err = e.Metadata(fd)
	require.NoError(t, err)
	require.Equal(t, later, md.ModifyTime)
}

func TestMountFormatsOnce(t *testing.T) {
	dir := t.TempDir()

	e, err := Mount(dir)
	require.NoError(t, err)
	require.NoError(t, e.CloseFile(createFile(t, e, "", "keep", false)))
	require.NoError(t, e.Close())

	e, err = Mount(dir)
	require.NoError(t, err)
	defer e.Close()

	_, _, err = e.Resolve("/keep/x")
	require.ErrorIs(t, err, storage.ErrNotDir)
}

func TestOpenAfterUnlink(t *testing.T) {
	e, _ := newTestEngine(t)
	free := e.Statfs().FreeBlocks

	fd := createFile(t, e, "", "f", false)
	md, err := e.Metadata(fd)
	require.NoError(t, err)
	require.NoError(t, e.CloseFile(fd))

	root, err := e.OpenDir(storage.RootBlock)
	require.NoError(t, err)
	require.NoError(t, e.Unlink(root.Fileno(), "f"))
	require.NoError(t, root.Release())

	_, err = e.OpenFile(md.FirstBlock)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Equal(t, free, e.Statfs().FreeBlocks)

	// a stale open neither disables the engine nor touches the free chain
	fd = createFile(t, e, "", "g", false)
	_, err = e.Write(fd, bytes.Repeat([]byte{1}, 2*storage.BlockSize), 0)
	require.NoError(t, err)
	require.NoError(t, e.CloseFile(fd))
	require.NoError(t, e.Check())
}

func TestOpenAfterUnlinkWhileOpen(t *testing.T) {
	e, _ := newTestEngine(t)

	fd := createFile(t, e, "", "f", false)
	md, err := e.Metadata(fd)
	require.NoError(t, err)

	root, err := e.OpenDir(storage.RootBlock)
	require.NoError(t, err)
	require.NoError(t, e.Unlink(root.Fileno(), "f"))
	require.NoError(t, root.Release())
	require.NoError(t, e.Check())

	require.NoError(t, e.CloseFile(fd))
	_, err = e.OpenFile(md.FirstBlock)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCheckDetectsLeakedChain(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.CloseFile(createFile(t, e, "", "f", false)))
	require.NoError(t, e.Check())

	_, err := e.table.Acquire(3)
	require.NoError(t, err)
	require.ErrorIs(t, e.Check(), storage.ErrCorrupted)
}

func TestCheckDetectsEntryOnFreeBlock(t *testing.T) {
	e, _ := newTestEngine(t)
	fd := createFile(t, e, "", "f", false)
	md, err := e.Metadata(fd)
	require.NoError(t, err)
	require.NoError(t, e.CloseFile(fd))

	// free the chain behind the entry's back
	e.fds.mu.Lock()
	require.NoError(t, e.releaseChain(md.FirstBlock))
	e.fds.mu.Unlock()

	require.ErrorIs(t, e.Check(), storage.ErrCorrupted)
}

func TestConcurrentOperations(t *testing.T) {
	const workers = 16
	e, _ := newTestEngine(t)
	free := e.Statfs().FreeBlocks

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			name := fmt.Sprintf("f%d", i)
			want := bytes.Repeat([]byte{byte(i)}, 2*storage.BlockSize+i)

			root, err := e.OpenDir(storage.RootBlock)
			if err != nil {
				return err
			}
			defer root.Release()

			fd, err := e.Create(root.Fileno(), name, i%4 == 0)
			if err != nil {
				return err
			}
			if i%4 != 0 {
				if _, err := e.Write(fd, want, 0); err != nil {
					return err
				}
				got := make([]byte, len(want))
				if _, err := e.Read(fd, got, 0); err != nil {
					return err
				}
				if !bytes.Equal(want, got) {
					return fmt.Errorf("%s: read back different bytes", name)
				}
				if err := e.Truncate(fd, uint32(i)); err != nil {
					return err
				}
			}
			if err := e.CloseFile(fd); err != nil {
				return err
			}
			if _, err := e.ReadDir(root.Fileno()); err != nil {
				return err
			}
			return e.Unlink(root.Fileno(), name)
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, e.Check())
	require.Equal(t, free, e.Statfs().FreeBlocks)
	require.Zero(t, e.Statfs().OpenFiles)

	root, err := e.OpenDir(storage.RootBlock)
	require.NoError(t, err)
	defer root.Release()
	require.Len(t, root.Entries, 2)
}

func TestCloseReleasesUnlinkedFiles(t *testing.T) {
	e, img := newTestEngine(t)
	free := e.Statfs().FreeBlocks

	kept := createFile(t, e, "", "kept", false)
	_, err := e.Write(kept, []byte("stays"), 0)
	require.NoError(t, err)
	gone := createFile(t, e, "", "gone", false)
	_, err = e.Write(gone, bytes.Repeat([]byte{1}, 2*storage.BlockSize), 0)
	require.NoError(t, err)

	root, err := e.OpenDir(storage.RootBlock)
	require.NoError(t, err)
	require.NoError(t, e.Unlink(root.Fileno(), "gone"))
	require.NoError(t, root.Release())

	// both descriptors are still open when the engine closes
	e = reopen(t, e, img)
	defer e.Close()
	require.NoError(t, e.Check())
	require.Equal(t, free-1, e.Statfs().FreeBlocks)

	rec, idx, err := e.Resolve("/kept")
	require.NoError(t, err)
	defer rec.Release()
	i, ok := rec.Lookup(SplitLast("/kept", idx))
	require.True(t, ok)
	fd, err := e.OpenFile(rec.Entries[i].Block)
	require.NoError(t, err)
	defer e.CloseFile(fd)

	got := make([]byte, 5)
	_, err = e.Read(fd, got, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("stays"), got)
}
