package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/S1riyS/naivefs/internal/models"
	"github.com/S1riyS/naivefs/internal/pkg/kerrors"
	"github.com/S1riyS/naivefs/internal/repository"
	"github.com/S1riyS/naivefs/internal/storage/engine"
	"github.com/S1riyS/naivefs/pkg/logging"
)

const (
	VTFS_ROOT_INO = repository.VTFS_ROOT_INO

	S_IFDIR = 0o040000 // Directory
	S_IFREG = 0o100000 // Regular file

	S_IRWXUGO = 0o0777 // Read, write, execute for owner, group, others
)

type FileSystemService interface {
	Init(ctx context.Context, token string) error
	GetRoot(ctx context.Context, token string) (*models.NodeMeta, error)
	Lookup(ctx context.Context, token string, parentIno int64, name string) (*models.NodeMeta, error)
	LookupPath(ctx context.Context, token string, path string) (*models.NodeMeta, error)
	Stat(ctx context.Context, token string, ino int64) (*models.NodeMeta, error)
	IterateDir(ctx context.Context, token string, dirIno int64, offset *uint64) (*models.Dirent, error)
	ReadDir(ctx context.Context, token string, dirIno int64) ([]models.Dirent, error)
	CreateFile(ctx context.Context, token string, parentIno int64, name string, mode uint32) (*models.NodeMeta, error)
	Unlink(ctx context.Context, token string, parentIno int64, name string) error
	CreateDir(ctx context.Context, token string, parentIno int64, name string, mode uint32) (*models.NodeMeta, error)
	Rmdir(ctx context.Context, token string, parentIno int64, name string) error
	Read(ctx context.Context, token string, ino int64, buffer []byte, offset int64) (int64, error)
	Write(ctx context.Context, token string, ino int64, data []byte, length uint64, offset int64) (int64, error)
	Truncate(ctx context.Context, token string, ino int64, size int64) error
	Link(ctx context.Context, token string, targetIno int64, parentIno int64, name string) error
	CountLinks(ctx context.Context, token string, ino int64) (uint32, error)
	Statfs(ctx context.Context, token string) (*models.Statfs, error)
	Touch(ctx context.Context, token string, ino int64, atime, mtime time.Time) error
	Close(ctx context.Context) error
}

type fileSystemService struct {
	fsRepo      repository.FilesystemRepository
	inodeRepo   repository.InodeRepository
	dirRepo     repository.DirectoryRepository
	contentRepo repository.ContentRepository
}

func NewFileSystemService(
	fsRepo repository.FilesystemRepository,
	inodeRepo repository.InodeRepository,
	dirRepo repository.DirectoryRepository,
	contentRepo repository.ContentRepository,
) FileSystemService {
	return &fileSystemService{
		fsRepo:      fsRepo,
		inodeRepo:   inodeRepo,
		dirRepo:     dirRepo,
		contentRepo: contentRepo,
	}
}

func (s *fileSystemService) Init(ctx context.Context, token string) error {
	const op = "service.fileSystemService.Init"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Init filesystem", slog.String("token", token))

	fs, err := s.fsRepo.Get(ctx, token)
	if err != nil {
		return fail(logger, "Failed to get filesystem", fmt.Errorf("%s: %w", op, err))
	}
	if fs != nil {
		logger.Debug("Filesystem already exists", slog.String("token", token))
		return newError(kerrors.EEXIST, "filesystem already exists")
	}

	fs, err = s.fsRepo.Create(ctx, token)
	if err != nil {
		return fail(logger, "Failed to create filesystem", fmt.Errorf("%s: %w", op, err))
	}

	logger.Debug("Filesystem initialized successfully",
		slog.String("token", token),
		slog.String("dir", fs.Dir),
	)
	return nil
}

func (s *fileSystemService) GetRoot(ctx context.Context, token string) (*models.NodeMeta, error) {
	const op = "service.fileSystemService.GetRoot"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("GetRoot", slog.String("token", token))

	if _, err := s.fsRepo.GetOrCreate(ctx, token); err != nil {
		return nil, fail(logger, "Failed to get or create filesystem", fmt.Errorf("%s: %w", op, err))
	}
	return s.Stat(ctx, token, VTFS_ROOT_INO)
}

func (s *fileSystemService) Stat(ctx context.Context, token string, ino int64) (*models.NodeMeta, error) {
	const op = "service.fileSystemService.Stat"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	inode, err := s.inodeRepo.Get(ctx, token, ino)
	if err != nil {
		return nil, fail(logger, "Failed to get inode", fmt.Errorf("%s: %w", op, err))
	}
	if inode == nil {
		logger.Debug("Inode not found", slog.Int64("ino", ino))
		return nil, newError(kerrors.ENOENT, "inode not found")
	}
	return nodeMeta(inode), nil
}

func (s *fileSystemService) Lookup(ctx context.Context, token string, parentIno int64, name string) (*models.NodeMeta, error) {
	const op = "service.fileSystemService.Lookup"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Lookup",
		slog.String("token", token),
		slog.Int64("parent_ino", parentIno),
		slog.String("name", name),
	)

	if err := s.requireDir(ctx, logger, token, parentIno); err != nil {
		return nil, err
	}

	ino, err := s.dirRepo.Lookup(ctx, token, parentIno, name)
	if err != nil {
		return nil, fail(logger, "Failed to lookup directory entry", fmt.Errorf("%s: %w", op, err))
	}
	if ino == 0 {
		logger.Debug("Entry not found", slog.Int64("parent_ino", parentIno), slog.String("name", name))
		return nil, newError(kerrors.ENOENT, "file not found")
	}

	meta, err := s.Stat(ctx, token, ino)
	if err != nil {
		return nil, err
	}

	logger.Debug("Lookup successful",
		slog.String("name", name),
		slog.Int64("ino", meta.Ino),
		slog.Int("type", int(meta.Type)),
		slog.Int64("size", meta.Size),
	)
	return meta, nil
}

// LookupPath resolves an absolute path from the root of the volume.
func (s *fileSystemService) LookupPath(ctx context.Context, token string, path string) (*models.NodeMeta, error) {
	const op = "service.fileSystemService.LookupPath"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("LookupPath", slog.String("token", token), slog.String("path", path))

	parentIno, name, err := s.dirRepo.Resolve(ctx, token, path)
	if err != nil {
		return nil, fail(logger, "Failed to resolve path", fmt.Errorf("%s: %w", op, err))
	}
	if name == "" {
		return s.Stat(ctx, token, parentIno)
	}
	return s.Lookup(ctx, token, parentIno, name)
}

// IterateDir returns the entry at *offset and advances it. "." and ".." are
// not listed.
func (s *fileSystemService) IterateDir(ctx context.Context, token string, dirIno int64, offset *uint64) (*models.Dirent, error) {
	const op = "service.fileSystemService.IterateDir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("IterateDir",
		slog.String("token", token),
		slog.Int64("dir_ino", dirIno),
		slog.Uint64("offset", *offset),
	)

	if err := s.requireDir(ctx, logger, token, dirIno); err != nil {
		return nil, err
	}

	dirent, err := s.dirRepo.GetEntryByOffset(ctx, token, dirIno, *offset)
	if err != nil {
		return nil, fail(logger, "Failed to get entry by offset", fmt.Errorf("%s: %w", op, err))
	}
	if dirent == nil {
		logger.Debug("No more entries", slog.Int64("dir_ino", dirIno), slog.Uint64("offset", *offset))
		return nil, newError(kerrors.ENOENT, "no more entries")
	}

	*offset++
	return dirent, nil
}

func (s *fileSystemService) ReadDir(ctx context.Context, token string, dirIno int64) ([]models.Dirent, error) {
	const op = "service.fileSystemService.ReadDir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("ReadDir", slog.String("token", token), slog.Int64("dir_ino", dirIno))

	if err := s.requireDir(ctx, logger, token, dirIno); err != nil {
		return nil, err
	}

	entries, err := s.dirRepo.GetEntries(ctx, token, dirIno)
	if err != nil {
		return nil, fail(logger, "Failed to list directory", fmt.Errorf("%s: %w", op, err))
	}
	return entries, nil
}

// CreateFile creates an empty regular file. Permission bits are not stored:
// every node reports mode 0777.
func (s *fileSystemService) CreateFile(ctx context.Context, token string, parentIno int64, name string, mode uint32) (*models.NodeMeta, error) {
	const op = "service.fileSystemService.CreateFile"
	return s.create(ctx, op, token, parentIno, name, mode, models.NodeTypeFile)
}

func (s *fileSystemService) CreateDir(ctx context.Context, token string, parentIno int64, name string, mode uint32) (*models.NodeMeta, error) {
	const op = "service.fileSystemService.CreateDir"
	return s.create(ctx, op, token, parentIno, name, mode, models.NodeTypeDir)
}

func (s *fileSystemService) create(
	ctx context.Context,
	op string,
	token string,
	parentIno int64,
	name string,
	mode uint32,
	nodeType models.NodeType,
) (*models.NodeMeta, error) {
	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Create",
		slog.String("token", token),
		slog.Int64("parent_ino", parentIno),
		slog.String("name", name),
		slog.Uint64("mode", uint64(mode)),
		slog.Int("type", int(nodeType)),
	)

	if err := s.requireDir(ctx, logger, token, parentIno); err != nil {
		return nil, err
	}

	ino, err := s.dirRepo.CreateEntry(ctx, token, parentIno, name, nodeType)
	if err != nil {
		return nil, fail(logger, "Failed to create entry", fmt.Errorf("%s: %w", op, err))
	}

	meta, err := s.Stat(ctx, token, ino)
	if err != nil {
		return nil, err
	}

	logger.Debug("Created successfully",
		slog.String("name", name),
		slog.Int64("ino", meta.Ino),
		slog.Int64("parent_ino", meta.ParentIno),
	)
	return meta, nil
}

func (s *fileSystemService) Unlink(ctx context.Context, token string, parentIno int64, name string) error {
	const op = "service.fileSystemService.Unlink"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Unlink",
		slog.String("token", token),
		slog.Int64("parent_ino", parentIno),
		slog.String("name", name),
	)

	target, err := s.Lookup(ctx, token, parentIno, name)
	if err != nil {
		return err
	}
	if target.Type != models.NodeTypeFile {
		logger.Debug("Cannot unlink directory", slog.Int64("ino", target.Ino))
		return newError(kerrors.EISDIR, "cannot unlink directory")
	}

	if err := s.dirRepo.DeleteEntry(ctx, token, parentIno, name); err != nil {
		return fail(logger, "Failed to unlink file", fmt.Errorf("%s: %w", op, err))
	}

	logger.Debug("File unlinked successfully", slog.String("name", name), slog.Int64("ino", target.Ino))
	return nil
}

func (s *fileSystemService) Rmdir(ctx context.Context, token string, parentIno int64, name string) error {
	const op = "service.fileSystemService.Rmdir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Rmdir",
		slog.String("token", token),
		slog.Int64("parent_ino", parentIno),
		slog.String("name", name),
	)

	if name == "." || name == ".." {
		return newError(kerrors.EPERM, "cannot remove dot entries")
	}

	target, err := s.Lookup(ctx, token, parentIno, name)
	if err != nil {
		return err
	}
	if target.Type != models.NodeTypeDir {
		logger.Debug("Not a directory", slog.Int64("ino", target.Ino))
		return newError(kerrors.ENOTDIR, "not a directory")
	}
	if target.Ino == VTFS_ROOT_INO {
		logger.Debug("Attempt to remove root directory")
		return newError(kerrors.EPERM, "cannot remove root directory")
	}

	isEmpty, err := s.dirRepo.IsEmpty(ctx, token, target.Ino)
	if err != nil {
		return fail(logger, "Failed to check if directory is empty", fmt.Errorf("%s: %w", op, err))
	}
	if !isEmpty {
		logger.Debug("Directory not empty", slog.Int64("ino", target.Ino))
		return newError(kerrors.ENOTEMPTY, "directory not empty")
	}

	if err := s.dirRepo.DeleteEntry(ctx, token, parentIno, name); err != nil {
		return fail(logger, "Failed to remove directory", fmt.Errorf("%s: %w", op, err))
	}

	logger.Debug("Directory removed successfully", slog.String("name", name), slog.Int64("ino", target.Ino))
	return nil
}

func (s *fileSystemService) Read(ctx context.Context, token string, ino int64, buffer []byte, offset int64) (int64, error) {
	const op = "service.fileSystemService.Read"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Read",
		slog.String("token", token),
		slog.Int64("ino", ino),
		slog.Int64("offset", offset),
		slog.Int("buffer_len", len(buffer)),
	)

	if offset < 0 {
		logger.Debug("Invalid offset", slog.Int64("offset", offset))
		return 0, newError(kerrors.EINVAL, "invalid offset")
	}

	inode, err := s.regularFile(ctx, logger, token, ino)
	if err != nil {
		return 0, err
	}

	available := inode.Size - offset
	if available <= 0 {
		logger.Debug("EOF reached", slog.Int64("file_size", inode.Size), slog.Int64("offset", offset))
		return 0, nil
	}
	toRead := min(int64(len(buffer)), available)

	data, err := s.contentRepo.GetRange(ctx, token, ino, uint32(offset), int(toRead))
	if err != nil {
		return 0, fail(logger, "Failed to read file content", fmt.Errorf("%s: %w", op, err))
	}
	copy(buffer, data)

	logger.Debug("Read successful", slog.Int64("ino", ino), slog.Int("bytes_read", len(data)))
	return int64(len(data)), nil
}

func (s *fileSystemService) Write(ctx context.Context, token string, ino int64, data []byte, length uint64, offset int64) (int64, error) {
	const op = "service.fileSystemService.Write"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Write",
		slog.String("token", token),
		slog.Int64("ino", ino),
		slog.Int64("offset", offset),
		slog.Uint64("length", length),
	)

	if length > uint64(len(data)) {
		logger.Debug("Length exceeds buffer size",
			slog.Uint64("length", length),
			slog.Int("buffer_size", len(data)),
		)
		return 0, newError(kerrors.EINVAL, "length exceeds buffer size")
	}
	if offset < 0 {
		logger.Debug("Invalid offset", slog.Int64("offset", offset))
		return 0, newError(kerrors.EINVAL, "invalid offset")
	}
	if uint64(offset)+length > engine.MaxFileSize {
		logger.Debug("File too large", slog.Int64("offset", offset), slog.Uint64("length", length))
		return 0, newError(kerrors.EFBIG, "file too large")
	}

	if _, err := s.regularFile(ctx, logger, token, ino); err != nil {
		return 0, err
	}

	written, err := s.contentRepo.Write(ctx, token, ino, uint32(offset), data[:length])
	if err != nil {
		return 0, fail(logger, "Failed to write file", fmt.Errorf("%s: %w", op, err))
	}

	logger.Debug("Write successful", slog.Int64("ino", ino), slog.Int("bytes_written", written))
	return int64(written), nil
}

// Truncate sets the size of a regular file, cutting it or padding it with
// zeros.
func (s *fileSystemService) Truncate(ctx context.Context, token string, ino int64, size int64) error {
	const op = "service.fileSystemService.Truncate"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Truncate",
		slog.String("token", token),
		slog.Int64("ino", ino),
		slog.Int64("size", size),
	)

	if size < 0 {
		return newError(kerrors.EINVAL, "invalid size")
	}
	if size > engine.MaxFileSize {
		return newError(kerrors.EFBIG, "file too large")
	}

	if _, err := s.regularFile(ctx, logger, token, ino); err != nil {
		return err
	}

	if err := s.contentRepo.Truncate(ctx, token, ino, uint32(size)); err != nil {
		return fail(logger, "Failed to truncate file", fmt.Errorf("%s: %w", op, err))
	}
	return nil
}

// Link always fails: the on-disk format has no link counts.
func (s *fileSystemService) Link(ctx context.Context, token string, targetIno int64, parentIno int64, name string) error {
	const op = "service.fileSystemService.Link"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Link refused",
		slog.String("token", token),
		slog.Int64("target_ino", targetIno),
		slog.Int64("parent_ino", parentIno),
		slog.String("name", name),
	)
	return newError(kerrors.EPERM, "hard links are not supported")
}

func (s *fileSystemService) CountLinks(ctx context.Context, token string, ino int64) (uint32, error) {
	meta, err := s.Stat(ctx, token, ino)
	if err != nil {
		return 0, err
	}
	return meta.Nlink, nil
}

func (s *fileSystemService) Statfs(ctx context.Context, token string) (*models.Statfs, error) {
	const op = "service.fileSystemService.Statfs"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	stats, err := s.fsRepo.Statfs(ctx, token)
	if err != nil {
		return nil, fail(logger, "Failed to get filesystem stats", fmt.Errorf("%s: %w", op, err))
	}
	return stats, nil
}

// Touch sets the access and modification times of ino. A zero time leaves
// the stored value alone.
func (s *fileSystemService) Touch(ctx context.Context, token string, ino int64, atime, mtime time.Time) error {
	const op = "service.fileSystemService.Touch"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if _, err := s.Stat(ctx, token, ino); err != nil {
		return err
	}
	if err := s.inodeRepo.SetTimes(ctx, token, ino, atime, mtime); err != nil {
		return fail(logger, "Failed to set times", fmt.Errorf("%s: %w", op, err))
	}
	return nil
}

// Close unmounts every volume.
func (s *fileSystemService) Close(ctx context.Context) error {
	return s.fsRepo.CloseAll(ctx)
}

func (s *fileSystemService) requireDir(ctx context.Context, logger *slog.Logger, token string, ino int64) error {
	meta, err := s.Stat(ctx, token, ino)
	if err != nil {
		return err
	}
	if meta.Type != models.NodeTypeDir {
		logger.Debug("Not a directory", slog.Int64("ino", ino))
		return newError(kerrors.ENOTDIR, "not a directory")
	}
	return nil
}

func (s *fileSystemService) regularFile(ctx context.Context, logger *slog.Logger, token string, ino int64) (*models.NodeMeta, error) {
	meta, err := s.Stat(ctx, token, ino)
	if err != nil {
		return nil, err
	}
	if meta.Type != models.NodeTypeFile {
		logger.Debug("Is a directory, not a file", slog.Int64("ino", ino))
		return nil, newError(kerrors.EISDIR, "is a directory")
	}
	return meta, nil
}

func nodeMeta(inode *models.Inode) *models.NodeMeta {
	mode := inode.Mode
	switch inode.Type {
	case models.NodeTypeDir:
		mode = S_IFDIR | (mode & S_IRWXUGO)
	case models.NodeTypeFile:
		mode = S_IFREG | (mode & S_IRWXUGO)
	}

	return &models.NodeMeta{
		Ino:       inode.Ino,
		ParentIno: inode.ParentIno,
		Type:      inode.Type,
		Mode:      mode,
		Size:      inode.Size,
		Nlink:     uint32(inode.RefCount),
		Atime:     inode.AccessTime,
		Mtime:     inode.ModifyTime,
		Ctime:     inode.CreateTime,
	}
}
