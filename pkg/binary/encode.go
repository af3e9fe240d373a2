package binary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/http"

	"github.com/S1riyS/naivefs/internal/models"
)

// DirentNameSize is the fixed width of a name on the wire, NUL padding included.
const DirentNameSize = 256

func EncodeNodeMeta(meta *models.NodeMeta) ([]byte, error) {
	buf := new(bytes.Buffer)

	fields := []struct {
		name  string
		value any
	}{
		{"ino", meta.Ino},
		{"parent_ino", meta.ParentIno},
		{"type", int16(meta.Type)},
		{"mode", meta.Mode},
		{"size", meta.Size},
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f.value); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", f.name, err)
		}
	}

	return buf.Bytes(), nil
}

func EncodeDirent(dirent *models.Dirent) ([]byte, error) {
	if len(dirent.Name) >= DirentNameSize {
		return nil, fmt.Errorf("failed to encode name: `%s` is longer than %d bytes", dirent.Name, DirentNameSize-1)
	}

	buf := new(bytes.Buffer)

	name := make([]byte, DirentNameSize)
	copy(name, dirent.Name)
	buf.Write(name)

	if err := binary.Write(buf, binary.LittleEndian, dirent.Ino); err != nil {
		return nil, fmt.Errorf("failed to encode ino: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, int16(dirent.Type)); err != nil {
		return nil, fmt.Errorf("failed to encode type: %w", err)
	}

	return buf.Bytes(), nil
}

// EncodeStatfs writes the six counters as little-endian u64 in field order.
func EncodeStatfs(stats *models.Statfs) ([]byte, error) {
	buf := new(bytes.Buffer)

	values := []uint64{
		stats.BlockSize,
		stats.Blocks,
		stats.FreeBlocks,
		stats.UsedBlocks,
		stats.OpenFiles,
		stats.MaxFileSize,
	}
	if err := binary.Write(buf, binary.LittleEndian, values); err != nil {
		return nil, fmt.Errorf("failed to encode statfs: %w", err)
	}

	return buf.Bytes(), nil
}

// WriteResponse sends the int64 return code followed by data.
func WriteResponse(w http.ResponseWriter, code int64, data []byte) error {
	body := make([]byte, 8, 8+len(data))
	binary.LittleEndian.PutUint64(body, uint64(code))
	body = append(body, data...)

	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)

	_, err := w.Write(body)
	return err
}

func WriteUint32Response(w http.ResponseWriter, code int64, value uint32) error {
	return WriteResponse(w, code, binary.LittleEndian.AppendUint32(nil, value))
}

func WriteInt64Response(w http.ResponseWriter, code int64, value int64) error {
	return WriteResponse(w, code, binary.LittleEndian.AppendUint64(nil, uint64(value)))
}
