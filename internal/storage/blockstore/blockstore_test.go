package blockstore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/S1riyS/naivefs/internal/storage"
)

type failingWriterAt struct {
	*storage.Buffer
	short bool
}

func (f failingWriterAt) WriteAt(data []byte, off int64) (int, error) {
	if f.short {
		return len(data) / 2, nil
	}
	return 0, errors.New("disk on fire")
}

func TestReadPastEndZeroFills(t *testing.T) {
	s := New(storage.NewBuffer(bytes.Repeat([]byte{0xff}, 100)))

	buf := bytes.Repeat([]byte{0xaa}, storage.BlockSize)
	require.NoError(t, s.ReadBlock(0, buf))
	require.Equal(t, bytes.Repeat([]byte{0xff}, 100), buf[:100])
	require.Equal(t, make([]byte, storage.BlockSize-100), buf[100:])

	buf = bytes.Repeat([]byte{0xaa}, storage.BlockSize)
	require.NoError(t, s.ReadBlock(7, buf))
	require.Equal(t, make([]byte, storage.BlockSize), buf)
}

func TestWriteThenRead(t *testing.T) {
	rwa := storage.NewBuffer(nil)
	s := New(rwa)

	blk := bytes.Repeat([]byte{3}, storage.BlockSize)
	require.NoError(t, s.WriteBlock(2, blk))
	require.Equal(t, 3*storage.BlockSize, rwa.Len())

	got := make([]byte, storage.BlockSize)
	require.NoError(t, s.ReadBlock(2, got))
	require.Equal(t, blk, got)

	require.NoError(t, s.ReadBlock(1, got))
	require.Equal(t, make([]byte, storage.BlockSize), got)
}

func TestShortBuffer(t *testing.T) {
	s := New(storage.NewBuffer(nil))
	require.ErrorIs(t, s.ReadBlock(0, make([]byte, 10)), storage.ErrInvalid)
	require.ErrorIs(t, s.WriteBlock(0, make([]byte, 10)), storage.ErrInvalid)
}

func TestWriteFailureIsCorruption(t *testing.T) {
	blk := make([]byte, storage.BlockSize)

	s := New(failingWriterAt{Buffer: storage.NewBuffer(nil)})
	require.ErrorIs(t, s.WriteBlock(0, blk), storage.ErrCorrupted)

	s = New(failingWriterAt{Buffer: storage.NewBuffer(nil), short: true})
	require.ErrorIs(t, s.WriteBlock(0, blk), storage.ErrCorrupted)
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), storage.BlockfileFileName)

	s, err := Open(path)
	require.NoError(t, err)
	blk := bytes.Repeat([]byte{9}, storage.BlockSize)
	require.NoError(t, s.WriteBlock(1, blk))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got := make([]byte, storage.BlockSize)
	require.NoError(t, s.ReadBlock(1, got))
	require.Equal(t, blk, got)
}
