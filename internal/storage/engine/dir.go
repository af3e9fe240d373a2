package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/S1riyS/naivefs/internal/storage"
)

// DirEntry links a name to the first block of a file.
type DirEntry struct {
	Block storage.BlockID
	Name  string
}

// DirRecord is the decoded content of a directory. A record obtained from
// OpenDir owns a descriptor of the directory until Release is called.
type DirRecord struct {
	Entries []DirEntry

	engine *Engine
	fd     Fileno
	owned  bool
}

// Fileno returns the descriptor the record was read from.
func (r *DirRecord) Fileno() Fileno {
	return r.fd
}

// Lookup returns the index of the entry called name.
func (r *DirRecord) Lookup(name string) (int, bool) {
	for i, entry := range r.Entries {
		if entry.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Release closes the descriptor owned by the record, if any. It is safe to
// call more than once.
func (r *DirRecord) Release() error {
	if !r.owned {
		return nil
	}
	r.owned = false
	return r.engine.CloseFile(r.fd)
}

// EncodeDir serializes entries as a directory payload: a u32 entry count
// followed by a u32 block id and a NUL-terminated name per entry.
func EncodeDir(entries []DirEntry) []byte {
	var buf bytes.Buffer
	buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(entries))))
	for _, entry := range entries {
		buf.Write(encodeEntry(entry))
	}
	return buf.Bytes()
}

func encodeEntry(entry DirEntry) []byte {
	b := make([]byte, 0, 4+len(entry.Name)+1)
	b = binary.LittleEndian.AppendUint32(b, uint32(entry.Block))
	b = append(b, entry.Name...)
	return append(b, 0)
}

// DecodeDir parses a directory payload. Running out of bytes before the
// declared number of entries has been read means the directory is corrupted.
func DecodeDir(payload []byte) ([]DirEntry, error) {
	const op = "engine.DecodeDir"

	if len(payload) < 4 {
		return nil, fmt.Errorf("%s: payload of %d bytes: %w", op, len(payload), storage.ErrCorrupted)
	}
	count := binary.LittleEndian.Uint32(payload)
	rest := payload[4:]

	// every entry takes at least five bytes
	if uint64(count)*5 > uint64(len(rest)) {
		return nil, fmt.Errorf(
			"%s: %d entries in %d bytes: %w",
			op, count, len(rest), storage.ErrCorrupted,
		)
	}

	entries := make([]DirEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < 5 {
			return nil, fmt.Errorf("%s: entry %d of %d truncated: %w", op, i, count, storage.ErrCorrupted)
		}
		block := storage.BlockID(binary.LittleEndian.Uint32(rest))
		rest = rest[4:]

		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			return nil, fmt.Errorf("%s: entry %d of %d unterminated: %w", op, i, count, storage.ErrCorrupted)
		}
		entries = append(entries, DirEntry{Block: block, Name: string(rest[:end])})
		rest = rest[end+1:]
	}
	return entries, nil
}

// ReadDir decodes the directory open as fd. The returned record does not own
// fd.
func (e *Engine) ReadDir(fd Fileno) (rec *DirRecord, err error) {
	const op = "engine.Engine.ReadDir"
	if err := e.healthy(); err != nil {
		return nil, err
	}
	defer func() { err = e.track(err) }()

	d, err := e.fds.get(fd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.md.AccessTime = e.now()
	entries, err := e.readDirLocked(d)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &DirRecord{Entries: entries, engine: e, fd: fd}, nil
}

// OpenDir opens the directory whose chain starts at first and decodes it.
// The caller must Release the record.
func (e *Engine) OpenDir(first storage.BlockID) (*DirRecord, error) {
	const op = "engine.Engine.OpenDir"

	fd, err := e.OpenFile(first)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	rec, err := e.ReadDir(fd)
	if err != nil {
		e.CloseFile(fd)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	rec.owned = true
	return rec, nil
}

// Create makes a new regular file or directory called name inside the
// directory open as dirFd and returns a descriptor of it. A new directory
// starts with "." pointing at itself and ".." pointing at its parent.
func (e *Engine) Create(dirFd Fileno, name string, isDir bool) (fd Fileno, err error) {
	const op = "engine.Engine.Create"
	if err := e.healthy(); err != nil {
		return 0, err
	}
	defer func() { err = e.track(err) }()

	if err := ValidateName(name); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	parent, err := e.fds.get(dirFd)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	// the parent stays locked until the entry is in place so two creates of
	// the same name cannot both pass the existence check
	parent.mu.Lock()
	defer parent.mu.Unlock()

	entries, err := e.readDirLocked(parent)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if slices.ContainsFunc(entries, func(entry DirEntry) bool { return entry.Name == name }) {
		return 0, fmt.Errorf("%s: `%s` in `%d`: %w", op, name, parent.md.FirstBlock, storage.ErrExists)
	}

	head, err := e.table.Acquire(1)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	now := e.now()
	md := FileMetadata{
		FirstBlock: head,
		BlockCount: 1,
		Mode:       ModeRegular,
		CreateTime: now,
		AccessTime: now,
		ModifyTime: now,
	}
	if isDir {
		md.Mode = ModeDirectory
	}
	if err := e.writeFirstBlock(md); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	e.fds.mu.Lock()
	fd, child, err := e.fds.insertLocked(md)
	e.fds.mu.Unlock()
	if err != nil {
		if relErr := e.table.Release(head); relErr != nil {
			return 0, fmt.Errorf("%s: %w", op, relErr)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	entry := DirEntry{Block: head, Name: name}
	if err := e.appendEntryLocked(parent, entry, uint32(len(entries))); err != nil {
		e.fds.mu.Lock()
		e.fds.removeLocked(fd)
		e.fds.mu.Unlock()
		return 0, fmt.Errorf("%s: %w", op, errors.Join(err, e.table.Release(head)))
	}

	if isDir {
		child.mu.Lock()
		defer child.mu.Unlock()
		payload := EncodeDir([]DirEntry{
			{Block: head, Name: "."},
			{Block: parent.md.FirstBlock, Name: ".."},
		})
		if _, err := e.writeLocked(child, payload, 0); err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
	}
	return fd, nil
}

// Unlink removes the entry called name from the directory open as dirFd and
// frees the file it pointed at. The remaining entries are rewritten in full.
// Callers decide beforehand whether removing a directory is allowed.
func (e *Engine) Unlink(dirFd Fileno, name string) (err error) {
	const op = "engine.Engine.Unlink"
	if err := e.healthy(); err != nil {
		return err
	}
	defer func() { err = e.track(err) }()

	if err := ValidateName(name); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	parent, err := e.fds.get(dirFd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()

	entries, err := e.readDirLocked(parent)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	idx := slices.IndexFunc(entries, func(entry DirEntry) bool { return entry.Name == name })
	if idx < 0 {
		return fmt.Errorf("%s: `%s` in `%d`: %w", op, name, parent.md.FirstBlock, storage.ErrNotFound)
	}
	target := entries[idx].Block
	if target == storage.RootBlock {
		return fmt.Errorf("%s: `%s` points at the root: %w", op, name, storage.ErrCorrupted)
	}

	payload := EncodeDir(slices.Delete(entries, idx, idx+1))
	if _, err := e.writeLocked(parent, payload, 0); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := e.truncateLocked(parent, uint32(len(payload))); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := e.releaseFile(target); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ValidateName rejects names that cannot be stored in a directory, that are
// longer than storage.MaxNameLen bytes or that would shadow the "." and ".."
// entries.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("`%s`: %w", name, storage.ErrInvalidName)
	}
	if len(name) > storage.MaxNameLen {
		return fmt.Errorf("%d bytes: %w", len(name), storage.ErrNameTooLong)
	}
	return nil
}

func (e *Engine) readDirLocked(d *descriptor) ([]DirEntry, error) {
	if !d.md.IsDir() {
		return nil, fmt.Errorf("`%d`: %w", d.md.FirstBlock, storage.ErrNotDir)
	}
	payload := make([]byte, d.md.Size)
	if _, err := e.readLocked(d, payload, 0); err != nil {
		return nil, err
	}
	return DecodeDir(payload)
}

// appendEntryLocked writes entry at the end of the directory payload and
// bumps the stored entry count from count to count+1.
func (e *Engine) appendEntryLocked(d *descriptor, entry DirEntry, count uint32) error {
	if _, err := e.writeLocked(d, encodeEntry(entry), uint64(d.md.Size)); err != nil {
		return err
	}
	_, err := e.writeLocked(d, binary.LittleEndian.AppendUint32(nil, count+1), 0)
	return err
}
