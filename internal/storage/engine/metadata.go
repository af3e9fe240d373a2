package engine

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/S1riyS/naivefs/internal/storage"
)

// Mode tells regular files and directories apart.
type Mode uint32

const (
	ModeRegular   Mode = 0
	ModeDirectory Mode = 1
)

func (m Mode) String() string {
	if m == ModeDirectory {
		return "directory"
	}
	return "regular"
}

// HeaderSize is the size of the metadata header that opens the first block
// of every file. Payload starts right after it.
const HeaderSize = 40

// MaxFileSize keeps every payload offset, header included, within 32 bits.
const MaxFileSize = math.MaxUint32 - HeaderSize

// FileMetadata is the header stored in the first block of a file's chain.
type FileMetadata struct {
	FirstBlock storage.BlockID
	BlockCount uint32
	Size       uint32
	Mode       Mode
	CreateTime time.Time
	AccessTime time.Time
	ModifyTime time.Time
}

func (m FileMetadata) IsDir() bool {
	return m.Mode == ModeDirectory
}

func encodeMetadata(buf []byte, m FileMetadata) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(m.FirstBlock))
	binary.LittleEndian.PutUint32(buf[4:], m.BlockCount)
	binary.LittleEndian.PutUint32(buf[8:], m.Size)
	binary.LittleEndian.PutUint32(buf[12:], uint32(m.Mode))
	binary.LittleEndian.PutUint64(buf[16:], uint64(m.CreateTime.Unix()))
	binary.LittleEndian.PutUint64(buf[24:], uint64(m.AccessTime.Unix()))
	binary.LittleEndian.PutUint64(buf[32:], uint64(m.ModifyTime.Unix()))
}

func decodeMetadata(buf []byte) FileMetadata {
	return FileMetadata{
		FirstBlock: storage.BlockID(binary.LittleEndian.Uint32(buf[0:])),
		BlockCount: binary.LittleEndian.Uint32(buf[4:]),
		Size:       binary.LittleEndian.Uint32(buf[8:]),
		Mode:       Mode(binary.LittleEndian.Uint32(buf[12:])),
		CreateTime: time.Unix(int64(binary.LittleEndian.Uint64(buf[16:])), 0),
		AccessTime: time.Unix(int64(binary.LittleEndian.Uint64(buf[24:])), 0),
		ModifyTime: time.Unix(int64(binary.LittleEndian.Uint64(buf[32:])), 0),
	}
}

// position maps a payload offset onto a chain position and an offset inside
// that block. The header only lives in block 0, so adding its size before
// dividing gives the right answer for every block.
func position(off uint64) (idx uint32, in int) {
	abs := off + HeaderSize
	return uint32(abs / storage.BlockSize), int(abs % storage.BlockSize)
}

// blocksFor returns the chain length a file of size bytes occupies.
func blocksFor(size uint64) uint32 {
	idx, _ := position(size)
	return idx + 1
}
