package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/S1riyS/naivefs/internal/models"
	"github.com/S1riyS/naivefs/internal/storage"
	"github.com/S1riyS/naivefs/internal/storage/engine"
)

type InodeRepository interface {
	Get(ctx context.Context, token string, ino int64) (*models.Inode, error)
	IsDir(ctx context.Context, token string, ino int64) (bool, error)
	IsFile(ctx context.Context, token string, ino int64) (bool, error)
	SetTimes(ctx context.Context, token string, ino int64, atime, mtime time.Time) error
}

type inodeRepository struct {
	fsRepo FilesystemRepository
}

func NewInodeRepository(fsRepo FilesystemRepository) InodeRepository {
	return &inodeRepository{fsRepo: fsRepo}
}

// Get returns nil when ino is not a known file of the volume.
func (r *inodeRepository) Get(ctx context.Context, token string, ino int64) (*models.Inode, error) {
	const op = "repository.inodeRepository.Get"

	v, err := r.fsRepo.Volume(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	block, ok := v.lookupIno(ino)
	if !ok {
		return nil, nil
	}

	var md engine.FileMetadata
	err = withFile(v, block, func(fd engine.Fileno) error {
		md, err = v.Engine.Metadata(fd)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	parent, _ := v.parentOf(block)
	inode := &models.Inode{
		Ino:        ino,
		ParentIno:  InoOf(parent),
		Token:      token,
		Type:       nodeType(md.Mode),
		Mode:       VTFS_ROOT_MODE,
		Size:       int64(md.Size),
		Blocks:     md.BlockCount,
		RefCount:   1,
		CreateTime: md.CreateTime,
		AccessTime: md.AccessTime,
		ModifyTime: md.ModifyTime,
	}
	if md.IsDir() {
		inode.RefCount = 2
	}
	return inode, nil
}

func (r *inodeRepository) IsDir(ctx context.Context, token string, ino int64) (bool, error) {
	inode, err := r.Get(ctx, token, ino)
	if err != nil || inode == nil {
		return false, err
	}
	return inode.Type == models.NodeTypeDir, nil
}

func (r *inodeRepository) IsFile(ctx context.Context, token string, ino int64) (bool, error) {
	inode, err := r.Get(ctx, token, ino)
	if err != nil || inode == nil {
		return false, err
	}
	return inode.Type == models.NodeTypeFile, nil
}

// SetTimes replaces the access and modification times. A zero time keeps
// the stored one.
func (r *inodeRepository) SetTimes(ctx context.Context, token string, ino int64, atime, mtime time.Time) error {
	const op = "repository.inodeRepository.SetTimes"

	v, err := r.fsRepo.Volume(ctx, token)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	block, ok := v.lookupIno(ino)
	if !ok {
		return fmt.Errorf("%s: ino `%d`: %w", op, ino, storage.ErrNotFound)
	}

	err = withFile(v, block, func(fd engine.Fileno) error {
		md, err := v.Engine.Metadata(fd)
		if err != nil {
			return err
		}
		if !atime.IsZero() {
			md.AccessTime = atime
		}
		if !mtime.IsZero() {
			md.ModifyTime = mtime
		}
		return v.Engine.SetMetadata(fd, md)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// withFile runs fn with block open and closes it afterwards.
func withFile(v *Volume, block storage.BlockID, fn func(fd engine.Fileno) error) (err error) {
	fd, err := v.Engine.OpenFile(block)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := v.Engine.CloseFile(fd); err == nil {
			err = closeErr
		}
	}()
	return fn(fd)
}

func nodeType(mode engine.Mode) models.NodeType {
	if mode == engine.ModeDirectory {
		return models.NodeTypeDir
	}
	return models.NodeTypeFile
}
