package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/S1riyS/naivefs/internal/models"
	"github.com/S1riyS/naivefs/internal/storage"
	"github.com/S1riyS/naivefs/internal/storage/engine"
	"github.com/S1riyS/naivefs/pkg/logging"
	"github.com/S1riyS/naivefs/pkg/logging/slogext"
)

const (
	VTFS_ROOT_INO  = 1000
	VTFS_ROOT_MODE = 0777
)

// InoOf maps a first block onto the ino exposed to clients.
func InoOf(block storage.BlockID) int64 {
	return VTFS_ROOT_INO + int64(block)
}

// BlockOf is the inverse of InoOf.
func BlockOf(ino int64) (storage.BlockID, bool) {
	block := ino - VTFS_ROOT_INO
	if block < 0 || block > int64(^uint32(0)) {
		return 0, false
	}
	return storage.BlockID(block), true
}

// Volume is a mounted image together with the files handed out to clients
// since it was mounted. Inos that were never returned by a lookup, a create
// or a directory listing are unknown and treated as missing, so that a
// client cannot make the engine read a block that does not start a file.
type Volume struct {
	Token  string
	Dir    string
	Engine *engine.Engine

	mu      sync.RWMutex
	parents map[storage.BlockID]storage.BlockID
}

func newVolume(token, dir string, e *engine.Engine) *Volume {
	return &Volume{
		Token:   token,
		Dir:     dir,
		Engine:  e,
		parents: map[storage.BlockID]storage.BlockID{storage.RootBlock: storage.RootBlock},
	}
}

func (v *Volume) remember(block, parent storage.BlockID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.parents[block] = parent
}

func (v *Volume) forget(block storage.BlockID) {
	if block == storage.RootBlock {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.parents, block)
}

// parentOf returns the directory block was found in.
func (v *Volume) parentOf(block storage.BlockID) (storage.BlockID, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	parent, ok := v.parents[block]
	return parent, ok
}

// lookupIno returns the block behind ino if it is a known file.
func (v *Volume) lookupIno(ino int64) (storage.BlockID, bool) {
	block, ok := BlockOf(ino)
	if !ok {
		return 0, false
	}
	_, ok = v.parentOf(block)
	return block, ok
}

// knownBlock resolves ino on the volume of token.
func knownBlock(ctx context.Context, fsRepo FilesystemRepository, token string, ino int64) (*Volume, storage.BlockID, error) {
	v, err := fsRepo.Volume(ctx, token)
	if err != nil {
		return nil, 0, err
	}
	block, ok := v.lookupIno(ino)
	if !ok {
		return nil, 0, fmt.Errorf("ino `%d`: %w", ino, storage.ErrNotFound)
	}
	return v, block, nil
}

type FilesystemRepository interface {
	Create(ctx context.Context, token string) (*models.Filesystem, error)
	Get(ctx context.Context, token string) (*models.Filesystem, error)
	GetOrCreate(ctx context.Context, token string) (*models.Filesystem, error)
	Volume(ctx context.Context, token string) (*Volume, error)
	Statfs(ctx context.Context, token string) (*models.Statfs, error)
	CloseAll(ctx context.Context) error
}

type filesystemRepository struct {
	dataDir string
	opts    []engine.Option

	mu      sync.Mutex
	volumes map[string]*Volume
}

// NewFilesystemRepository keeps every volume under its own directory of
// dataDir, named after the volume token.
func NewFilesystemRepository(dataDir string, opts ...engine.Option) FilesystemRepository {
	return &filesystemRepository{
		dataDir: dataDir,
		opts:    opts,
		volumes: make(map[string]*Volume),
	}
}

func (r *filesystemRepository) Create(ctx context.Context, token string) (*models.Filesystem, error) {
	const op = "repository.filesystemRepository.Create"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.existsLocked(token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if exists {
		return nil, fmt.Errorf("%s: volume `%s`: %w", op, token, storage.ErrExists)
	}

	v, err := r.mountLocked(ctx, token)
	if err != nil {
		logger.Error("Failed to create filesystem", slogext.Err(err), slog.String("token", token))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return describe(v)
}

// Get returns nil when the volume has never been created.
func (r *filesystemRepository) Get(ctx context.Context, token string) (*models.Filesystem, error) {
	const op = "repository.filesystemRepository.Get"

	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.existsLocked(token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return nil, nil
	}

	v, err := r.mountLocked(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return describe(v)
}

func (r *filesystemRepository) GetOrCreate(ctx context.Context, token string) (*models.Filesystem, error) {
	const op = "repository.filesystemRepository.GetOrCreate"

	v, err := r.Volume(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return describe(v)
}

// Volume returns the mounted volume, mounting and formatting it on first use.
func (r *filesystemRepository) Volume(ctx context.Context, token string) (*Volume, error) {
	const op = "repository.filesystemRepository.Volume"

	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.mountLocked(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}

func (r *filesystemRepository) Statfs(ctx context.Context, token string) (*models.Statfs, error) {
	const op = "repository.filesystemRepository.Statfs"

	v, err := r.Volume(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	stats := v.Engine.Statfs()
	return &models.Statfs{
		BlockSize:   uint64(stats.BlockSize),
		Blocks:      uint64(stats.Blocks),
		FreeBlocks:  uint64(stats.FreeBlocks),
		UsedBlocks:  uint64(stats.UsedBlocks),
		OpenFiles:   uint64(stats.OpenFiles),
		MaxFileSize: engine.MaxFileSize,
	}, nil
}

// CloseAll unmounts every volume. The repository can be used again
// afterwards; volumes are mounted anew on demand.
func (r *filesystemRepository) CloseAll(ctx context.Context) error {
	const op = "repository.filesystemRepository.CloseAll"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for token, v := range r.volumes {
		if err := v.Engine.Close(); err != nil {
			logger.Error("Failed to close volume", slogext.Err(err), slog.String("token", token))
			errs = append(errs, err)
		}
		delete(r.volumes, token)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *filesystemRepository) dirOf(token string) (string, error) {
	if err := engine.ValidateName(token); err != nil {
		return "", fmt.Errorf("volume token: %w", err)
	}
	return filepath.Join(r.dataDir, token), nil
}

func (r *filesystemRepository) existsLocked(token string) (bool, error) {
	if _, ok := r.volumes[token]; ok {
		return true, nil
	}
	dir, err := r.dirOf(token)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(dir, storage.FatableFileName))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (r *filesystemRepository) mountLocked(ctx context.Context, token string) (*Volume, error) {
	if v, ok := r.volumes[token]; ok {
		return v, nil
	}
	dir, err := r.dirOf(token)
	if err != nil {
		return nil, err
	}

	e, err := engine.Mount(dir, r.opts...)
	if err != nil {
		return nil, err
	}

	logging.GetLoggerFromContext(ctx).Info("Mounted volume", slog.String("token", token), slog.String("dir", dir))
	v := newVolume(token, dir, e)
	r.volumes[token] = v
	return v, nil
}

func describe(v *Volume) (*models.Filesystem, error) {
	fd, err := v.Engine.OpenFile(storage.RootBlock)
	if err != nil {
		return nil, err
	}
	defer v.Engine.CloseFile(fd)

	md, err := v.Engine.Metadata(fd)
	if err != nil {
		return nil, err
	}
	return &models.Filesystem{
		Token:    v.Token,
		Dir:      v.Dir,
		RootIno:  VTFS_ROOT_INO,
		CreateAt: md.CreateTime,
	}, nil
}
