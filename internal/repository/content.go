package repository

import (
	"context"
	"fmt"

	"github.com/S1riyS/naivefs/internal/storage/engine"
)

type ContentRepository interface {
	GetRange(ctx context.Context, token string, ino int64, offset uint32, length int) ([]byte, error)
	Write(ctx context.Context, token string, ino int64, offset uint32, data []byte) (int, error)
	Truncate(ctx context.Context, token string, ino int64, size uint32) error
}

type contentRepository struct {
	fsRepo FilesystemRepository
}

func NewContentRepository(fsRepo FilesystemRepository) ContentRepository {
	return &contentRepository{fsRepo: fsRepo}
}

// GetRange returns at most length bytes starting at offset. The result is
// short at the end of the file.
func (r *contentRepository) GetRange(ctx context.Context, token string, ino int64, offset uint32, length int) ([]byte, error) {
	const op = "repository.contentRepository.GetRange"

	v, block, err := knownBlock(ctx, r.fsRepo, token, ino)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	buf := make([]byte, length)
	var n int
	err = withFile(v, block, func(fd engine.Fileno) error {
		n, err = v.Engine.Read(fd, buf, offset)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return buf[:n], nil
}

func (r *contentRepository) Write(ctx context.Context, token string, ino int64, offset uint32, data []byte) (int, error) {
	const op = "repository.contentRepository.Write"

	v, block, err := knownBlock(ctx, r.fsRepo, token, ino)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var n int
	err = withFile(v, block, func(fd engine.Fileno) error {
		n, err = v.Engine.Write(fd, data, offset)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// Truncate sets the size of the file. Growing it appends zeros.
func (r *contentRepository) Truncate(ctx context.Context, token string, ino int64, size uint32) error {
	const op = "repository.contentRepository.Truncate"

	v, block, err := knownBlock(ctx, r.fsRepo, token, ino)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = withFile(v, block, func(fd engine.Fileno) error {
		md, err := v.Engine.Metadata(fd)
		if err != nil {
			return err
		}
		if size <= md.Size {
			return v.Engine.Truncate(fd, size)
		}
		// the engine zero-fills everything between the old end and the new byte
		_, err = v.Engine.Write(fd, []byte{0}, size-1)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
