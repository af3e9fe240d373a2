// Package fuse exposes one volume of the dispatcher service as a FUSE
// filesystem.
package fuse

import (
	"context"
	"errors"
	"log/slog"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/S1riyS/naivefs/internal/models"
	"github.com/S1riyS/naivefs/internal/service"
	"github.com/S1riyS/naivefs/internal/storage"
	"github.com/S1riyS/naivefs/pkg/logging"
)

// Volume is the state shared by every node of a mount.
type Volume struct {
	svc    service.FileSystemService
	token  string
	logger *slog.Logger
}

// Node is a file or directory of the mounted volume.
type Node struct {
	fs.Inode

	vol *Volume
	ino int64
}

var (
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeReader    = (*Node)(nil)
	_ fs.NodeWriter    = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeStatfser  = (*Node)(nil)
)

// NewRoot returns the root node of token, creating the volume on first use.
func NewRoot(ctx context.Context, svc service.FileSystemService, token string, logger *slog.Logger) (*Node, error) {
	vol := &Volume{svc: svc, token: token, logger: logger}

	root, err := svc.GetRoot(vol.ctx(ctx), token)
	if err != nil {
		return nil, err
	}
	return &Node{vol: vol, ino: root.Ino}, nil
}

func (v *Volume) ctx(ctx context.Context) context.Context {
	return logging.MakeContextWithLogger(ctx, v.logger)
}

func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	meta, err := n.vol.svc.Lookup(n.vol.ctx(ctx), n.vol.token, n.ino, name)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.child(ctx, meta, out), 0
}

func (n *Node) Getattr(ctx context.Context, _ fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	meta, err := n.vol.svc.Stat(n.vol.ctx(ctx), n.vol.token, n.ino)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(meta, &out.Attr)
	return 0
}

// Setattr handles truncation and time changes. Ownership and permission
// changes are accepted and ignored.
func (n *Node) Setattr(ctx context.Context, _ fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	ctx = n.vol.ctx(ctx)

	if size, ok := in.GetSize(); ok {
		if err := n.vol.svc.Truncate(ctx, n.vol.token, n.ino, int64(size)); err != nil {
			return toErrno(err)
		}
	}

	atime, setA := in.GetATime()
	mtime, setM := in.GetMTime()
	if setA || setM {
		if !setA {
			atime = time.Time{}
		}
		if !setM {
			mtime = time.Time{}
		}
		if err := n.vol.svc.Touch(ctx, n.vol.token, n.ino, atime, mtime); err != nil {
			return toErrno(err)
		}
	}

	return n.Getattr(ctx, nil, out)
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dirents, err := n.vol.svc.ReadDir(n.vol.ctx(ctx), n.vol.token, n.ino)
	if err != nil {
		return nil, toErrno(err)
	}

	entries := make([]gofuse.DirEntry, 0, len(dirents))
	for _, d := range dirents {
		entries = append(entries, gofuse.DirEntry{
			Name: d.Name,
			Ino:  uint64(d.Ino),
			Mode: typeBits(d.Type),
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Open keeps no per-handle state; O_TRUNC empties the file.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_TRUNC != 0 {
		if err := n.vol.svc.Truncate(n.vol.ctx(ctx), n.vol.token, n.ino, 0); err != nil {
			return nil, 0, toErrno(err)
		}
	}
	return nil, 0, 0
}

func (n *Node) Read(ctx context.Context, _ fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	read, err := n.vol.svc.Read(n.vol.ctx(ctx), n.vol.token, n.ino, dest, off)
	if err != nil {
		return nil, toErrno(err)
	}
	return gofuse.ReadResultData(dest[:read]), 0
}

func (n *Node) Write(ctx context.Context, _ fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	written, err := n.vol.svc.Write(n.vol.ctx(ctx), n.vol.token, n.ino, data, uint64(len(data)), off)
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(written), 0
}

func (n *Node) Create(
	ctx context.Context,
	name string,
	flags uint32,
	mode uint32,
	out *gofuse.EntryOut,
) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	meta, err := n.vol.svc.CreateFile(n.vol.ctx(ctx), n.vol.token, n.ino, name, mode)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	return n.child(ctx, meta, out), nil, 0, 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	meta, err := n.vol.svc.CreateDir(n.vol.ctx(ctx), n.vol.token, n.ino, name, mode)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.child(ctx, meta, out), 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.vol.svc.Unlink(n.vol.ctx(ctx), n.vol.token, n.ino, name))
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.vol.svc.Rmdir(n.vol.ctx(ctx), n.vol.token, n.ino, name))
}

func (n *Node) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	stats, err := n.vol.svc.Statfs(n.vol.ctx(ctx), n.vol.token)
	if err != nil {
		return toErrno(err)
	}

	out.Bsize = uint32(stats.BlockSize)
	out.Frsize = uint32(stats.BlockSize)
	out.Blocks = stats.Blocks
	out.Bfree = stats.FreeBlocks
	out.Bavail = stats.FreeBlocks
	out.Files = stats.UsedBlocks
	out.NameLen = storage.MaxNameLen
	return 0
}

func (n *Node) child(ctx context.Context, meta *models.NodeMeta, out *gofuse.EntryOut) *fs.Inode {
	fillAttr(meta, &out.Attr)
	node := &Node{vol: n.vol, ino: meta.Ino}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: typeBits(meta.Type), Ino: uint64(meta.Ino)})
}

func fillAttr(meta *models.NodeMeta, out *gofuse.Attr) {
	out.Ino = uint64(meta.Ino)
	out.Mode = meta.Mode
	out.Size = uint64(meta.Size)
	out.Nlink = meta.Nlink
	out.Blksize = storage.BlockSize
	out.Blocks = (out.Size + 511) / 512
	out.SetTimes(&meta.Atime, &meta.Mtime, &meta.Ctime)
}

func typeBits(t models.NodeType) uint32 {
	if t == models.NodeTypeDir {
		return gofuse.S_IFDIR
	}
	return gofuse.S_IFREG
}

// toErrno maps a service error onto its errno. Anything else is an I/O error.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var serviceErr *service.ServiceError
	if errors.As(err, &serviceErr) {
		return syscall.Errno(serviceErr.Code)
	}
	return syscall.EIO
}
