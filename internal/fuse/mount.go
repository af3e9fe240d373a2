package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/S1riyS/naivefs/internal/service"
)

type MountOptions struct {
	Debug      bool
	AllowOther bool
	// AttrTimeout is how long the kernel may cache attributes and entries.
	AttrTimeout time.Duration
}

// Mount serves the volume token at mountpoint. The caller waits on and
// unmounts the returned server.
func Mount(
	ctx context.Context,
	mountpoint string,
	svc service.FileSystemService,
	token string,
	logger *slog.Logger,
	opts MountOptions,
) (*gofuse.Server, error) {
	const op = "fuse.Mount"

	root, err := NewRoot(ctx, svc, token, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	timeout := opts.AttrTimeout
	server, err := fs.Mount(mountpoint, root, &fs.Options{
		MountOptions: gofuse.MountOptions{
			Debug:      opts.Debug,
			AllowOther: opts.AllowOther,
			FsName:     "naivefs:" + token,
			Name:       "naivefs",
		},
		AttrTimeout:  &timeout,
		EntryTimeout: &timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return server, nil
}
