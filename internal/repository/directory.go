package repository

import (
	"context"
	"fmt"

	"github.com/S1riyS/naivefs/internal/models"
	"github.com/S1riyS/naivefs/internal/storage"
	"github.com/S1riyS/naivefs/internal/storage/engine"
)

type DirectoryRepository interface {
	Lookup(ctx context.Context, token string, parentIno int64, name string) (int64, error)
	CreateEntry(ctx context.Context, token string, parentIno int64, name string, nodeType models.NodeType) (int64, error)
	DeleteEntry(ctx context.Context, token string, parentIno int64, name string) error
	GetEntries(ctx context.Context, token string, parentIno int64) ([]models.Dirent, error)
	GetEntryByOffset(ctx context.Context, token string, parentIno int64, offset uint64) (*models.Dirent, error)
	IsEmpty(ctx context.Context, token string, dirIno int64) (bool, error)
	Exists(ctx context.Context, token string, parentIno int64, name string) (bool, error)
	Resolve(ctx context.Context, token string, path string) (int64, string, error)
}

type directoryRepository struct {
	fsRepo FilesystemRepository
}

func NewDirectoryRepository(fsRepo FilesystemRepository) DirectoryRepository {
	return &directoryRepository{fsRepo: fsRepo}
}

// Lookup returns 0 when the directory has no entry called name.
func (r *directoryRepository) Lookup(ctx context.Context, token string, parentIno int64, name string) (int64, error) {
	const op = "repository.directoryRepository.Lookup"

	v, rec, err := r.openDir(ctx, token, parentIno)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer rec.Release()

	i, ok := rec.Lookup(name)
	if !ok {
		return 0, nil
	}
	block := rec.Entries[i].Block
	if name != "." && name != ".." {
		parent, _ := BlockOf(parentIno)
		v.remember(block, parent)
	}
	return InoOf(block), nil
}

// CreateEntry creates an empty file or directory and returns its ino.
func (r *directoryRepository) CreateEntry(
	ctx context.Context,
	token string,
	parentIno int64,
	name string,
	nodeType models.NodeType,
) (int64, error) {
	const op = "repository.directoryRepository.CreateEntry"

	v, parent, err := knownBlock(ctx, r.fsRepo, token, parentIno)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var block storage.BlockID
	err = withFile(v, parent, func(dirFd engine.Fileno) error {
		fd, err := v.Engine.Create(dirFd, name, nodeType == models.NodeTypeDir)
		if err != nil {
			return err
		}
		defer v.Engine.CloseFile(fd)

		md, err := v.Engine.Metadata(fd)
		if err != nil {
			return err
		}
		block = md.FirstBlock
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	v.remember(block, parent)
	return InoOf(block), nil
}

func (r *directoryRepository) DeleteEntry(ctx context.Context, token string, parentIno int64, name string) error {
	const op = "repository.directoryRepository.DeleteEntry"

	v, rec, err := r.openDir(ctx, token, parentIno)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer rec.Release()

	i, ok := rec.Lookup(name)
	if !ok {
		return fmt.Errorf("%s: `%s`: %w", op, name, storage.ErrNotFound)
	}
	block := rec.Entries[i].Block

	if err := v.Engine.Unlink(rec.Fileno(), name); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	v.forget(block)
	return nil
}

// GetEntries lists a directory in storage order, without "." and "..".
func (r *directoryRepository) GetEntries(ctx context.Context, token string, parentIno int64) ([]models.Dirent, error) {
	const op = "repository.directoryRepository.GetEntries"

	v, rec, err := r.openDir(ctx, token, parentIno)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rec.Release()

	parent, _ := BlockOf(parentIno)
	entries := make([]models.Dirent, 0, len(rec.Entries))
	for _, entry := range rec.Entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}

		var md engine.FileMetadata
		err := withFile(v, entry.Block, func(fd engine.Fileno) error {
			md, err = v.Engine.Metadata(fd)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("%s: `%s`: %w", op, entry.Name, err)
		}

		v.remember(entry.Block, parent)
		entries = append(entries, models.Dirent{
			Name: entry.Name,
			Ino:  InoOf(entry.Block),
			Type: nodeType(md.Mode),
		})
	}
	return entries, nil
}

// GetEntryByOffset returns nil past the last entry.
func (r *directoryRepository) GetEntryByOffset(
	ctx context.Context,
	token string,
	parentIno int64,
	offset uint64,
) (*models.Dirent, error) {
	const op = "repository.directoryRepository.GetEntryByOffset"

	entries, err := r.GetEntries(ctx, token, parentIno)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if offset >= uint64(len(entries)) {
		return nil, nil
	}
	return &entries[offset], nil
}

func (r *directoryRepository) IsEmpty(ctx context.Context, token string, dirIno int64) (bool, error) {
	const op = "repository.directoryRepository.IsEmpty"

	_, rec, err := r.openDir(ctx, token, dirIno)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	defer rec.Release()

	for _, entry := range rec.Entries {
		if entry.Name != "." && entry.Name != ".." {
			return false, nil
		}
	}
	return true, nil
}

func (r *directoryRepository) Exists(ctx context.Context, token string, parentIno int64, name string) (bool, error) {
	ino, err := r.Lookup(ctx, token, parentIno, name)
	if err != nil {
		return false, err
	}
	return ino != 0, nil
}

// Resolve walks an absolute path and returns the ino of the directory holding
// its last component together with that component. The component is empty
// for "/" and for paths ending in a slash.
func (r *directoryRepository) Resolve(ctx context.Context, token string, path string) (int64, string, error) {
	const op = "repository.directoryRepository.Resolve"

	v, err := r.fsRepo.Volume(ctx, token)
	if err != nil {
		return 0, "", fmt.Errorf("%s: %w", op, err)
	}

	rec, idx, err := v.Engine.Resolve(path)
	if err != nil {
		return 0, "", fmt.Errorf("%s: %w", op, err)
	}
	defer rec.Release()

	md, err := v.Engine.Metadata(rec.Fileno())
	if err != nil {
		return 0, "", fmt.Errorf("%s: %w", op, err)
	}
	if i, ok := rec.Lookup(".."); ok {
		v.remember(md.FirstBlock, rec.Entries[i].Block)
	}
	return InoOf(md.FirstBlock), engine.SplitLast(path, idx), nil
}

func (r *directoryRepository) openDir(ctx context.Context, token string, ino int64) (*Volume, *engine.DirRecord, error) {
	v, block, err := knownBlock(ctx, r.fsRepo, token, ino)
	if err != nil {
		return nil, nil, err
	}
	rec, err := v.Engine.OpenDir(block)
	if err != nil {
		return nil, nil, err
	}
	return v, rec, nil
}
