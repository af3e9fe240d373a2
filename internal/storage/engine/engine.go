// Package engine is the file layer of naivefs. It owns the allocation table,
// the block store and the table of open files, and maps byte ranges of files
// and directories onto block chains.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/S1riyS/naivefs/internal/storage"
	"github.com/S1riyS/naivefs/internal/storage/blockstore"
	"github.com/S1riyS/naivefs/internal/storage/fatable"
	"github.com/S1riyS/naivefs/pkg/logging/slogext"
)

// Engine is one mounted image. All methods are safe for concurrent use.
//
// Once an operation reports storage.ErrCorrupted the engine refuses every
// further request with the same error: there is no journal to recover from.
type Engine struct {
	table *fatable.Table
	store *blockstore.Store
	fds   *descriptorTable

	logger *slog.Logger
	now    func() time.Time

	failMu sync.Mutex
	failed error
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithFilenoTableSize bounds the number of simultaneously open files.
func WithFilenoTableSize(n int) Option {
	return func(e *Engine) { e.fds = newDescriptorTable(n) }
}

func New(table *fatable.Table, store *blockstore.Store, opts ...Option) *Engine {
	e := &Engine{
		table:  table,
		store:  store,
		fds:    newDescriptorTable(FilenoTableSize),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mount opens the image stored in dir, creating and formatting it when the
// fatable does not exist yet.
func Mount(dir string, opts ...Option) (*Engine, error) {
	const op = "engine.Mount"

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	table, created, err := fatable.Open(filepath.Join(dir, storage.FatableFileName))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	store, err := blockstore.Open(filepath.Join(dir, storage.BlockfileFileName))
	if err != nil {
		table.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	e := New(table, store, opts...)
	if created {
		e.logger.Info("Formatting new image", slog.String("dir", dir))
		if err := e.Format(); err != nil {
			e.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	e.logger.Debug("Mounted image",
		slog.String("dir", dir),
		slog.Any("table", table.Stats()),
	)
	return e, nil
}

// Format writes an empty root directory into block 0. The table must already
// reserve block 0 as a one-block chain, as fatable.Create does.
func (e *Engine) Format() (err error) {
	const op = "engine.Engine.Format"
	defer func() { err = e.track(err) }()

	now := e.now()
	md := FileMetadata{
		FirstBlock: storage.RootBlock,
		BlockCount: 1,
		Mode:       ModeDirectory,
		CreateTime: now,
		AccessTime: now,
		ModifyTime: now,
	}
	if err := e.writeFirstBlock(md); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	fd, err := e.OpenFile(storage.RootBlock)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer e.CloseFile(fd)

	d, err := e.fds.get(fd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	payload := EncodeDir([]DirEntry{
		{Block: storage.RootBlock, Name: "."},
		{Block: storage.RootBlock, Name: ".."},
	})
	if _, err := e.writeLocked(d, payload, 0); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Stats describes space usage for statfs.
type Stats struct {
	BlockSize  uint32
	Blocks     uint32
	FreeBlocks uint32
	UsedBlocks uint32
	OpenFiles  int
}

func (e *Engine) Statfs() Stats {
	meta := e.table.Stats()
	return Stats{
		BlockSize:  storage.BlockSize,
		Blocks:     meta.BlockCount,
		FreeBlocks: meta.FreeBlockCount,
		UsedBlocks: meta.BlockCount - meta.FreeBlockCount,
		OpenFiles:  e.fds.open(),
	}
}

// Close flushes the metadata of every file still open, then syncs and closes
// the table and the block store. Descriptors are invalid afterwards.
func (e *Engine) Close() error {
	const op = "engine.Engine.Close"

	var errs []error
	if e.healthy() == nil {
		type closing struct {
			d        *descriptor
			unlinked bool
		}
		var open []closing

		e.fds.mu.Lock()
		for fd, d := range e.fds.slots {
			if d == nil {
				continue
			}
			open = append(open, closing{d: d, unlinked: d.unlinked})
			e.fds.removeLocked(Fileno(fd))
		}
		e.fds.mu.Unlock()

		// descriptors still referenced may be locked by a caller waiting on
		// fds.mu, so they are only locked once fds.mu is dropped
		for _, c := range open {
			c.d.mu.Lock()
			if c.unlinked {
				errs = append(errs, e.releaseChain(c.d.md.FirstBlock))
			} else {
				errs = append(errs, e.flushLocked(c.d))
			}
			c.d.mu.Unlock()
		}
		errs = append(errs, e.table.Close())
	}
	errs = append(errs, e.store.Close())

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Check audits the allocation table and then walks the directory tree,
// verifying that each file's header agrees with its chain and that every
// block not on the free chain belongs to a reachable file.
func (e *Engine) Check() (err error) {
	const op = "engine.Engine.Check"
	if err := e.healthy(); err != nil {
		return err
	}
	defer func() { err = e.track(err) }()

	if err := e.table.Check(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	seen := map[storage.BlockID]bool{}
	var used uint32
	var walk func(id storage.BlockID, path string) error
	walk = func(id storage.BlockID, path string) error {
		if seen[id] {
			return fmt.Errorf("%s: `%s` reached twice: %w", op, path, storage.ErrCorrupted)
		}
		seen[id] = true

		fd, err := e.OpenFile(id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: `%s` points at free block `%d`: %w", op, path, id, storage.ErrCorrupted)
		}
		if err != nil {
			return fmt.Errorf("%s: `%s`: %w", op, path, err)
		}
		defer e.CloseFile(fd)

		md, err := e.Metadata(fd)
		if err != nil {
			return err
		}
		length, err := e.table.ChainLength(id)
		if err != nil {
			return fmt.Errorf("%s: `%s`: %w", op, path, err)
		}
		if length != md.BlockCount || md.BlockCount != blocksFor(uint64(md.Size)) {
			return fmt.Errorf(
				"%s: `%s` has %d blocks in its chain, %d in its header and %d bytes: %w",
				op, path, length, md.BlockCount, md.Size, storage.ErrCorrupted,
			)
		}
		used += length
		if !md.IsDir() {
			return nil
		}

		rec, err := e.ReadDir(fd)
		if err != nil {
			return fmt.Errorf("%s: `%s`: %w", op, path, err)
		}
		for _, entry := range rec.Entries {
			if entry.Name == "." || entry.Name == ".." {
				continue
			}
			if err := walk(entry.Block, filepath.Join(path, entry.Name)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(storage.RootBlock, "/"); err != nil {
		return err
	}
	unlinked, err := e.unlinkedBlocks()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	used += unlinked

	stats := e.table.Stats()
	if used+stats.FreeBlockCount != stats.BlockCount {
		return fmt.Errorf(
			"%s: %d blocks in files and %d free, table has %d: %w",
			op, used, stats.FreeBlockCount, stats.BlockCount, storage.ErrCorrupted,
		)
	}
	return nil
}

// unlinkedBlocks counts the blocks held by files that lost their entry but
// are still open.
func (e *Engine) unlinkedBlocks() (uint32, error) {
	e.fds.mu.Lock()
	defer e.fds.mu.Unlock()

	var total uint32
	for _, d := range e.fds.slots {
		if d == nil || !d.unlinked {
			continue
		}
		length, err := e.table.ChainLength(d.md.FirstBlock)
		if err != nil {
			return 0, err
		}
		total += length
	}
	return total, nil
}

// healthy returns the fault that disabled the engine, if any.
func (e *Engine) healthy() error {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	if e.failed != nil {
		return fmt.Errorf("engine disabled: %w", e.failed)
	}
	return nil
}

// track disables the engine when err reports corruption and passes err
// through unchanged.
func (e *Engine) track(err error) error {
	if err == nil || !errors.Is(err, storage.ErrCorrupted) {
		return err
	}
	e.failMu.Lock()
	defer e.failMu.Unlock()
	if e.failed == nil {
		e.failed = err
		e.logger.Error("Image corrupted, refusing further requests", slogext.Err(err))
	}
	return err
}
