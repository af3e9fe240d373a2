package models

import "time"

type NodeType int16

const (
	NodeTypeDir  NodeType = 0 // VTFS_NODE_DIR
	NodeTypeFile NodeType = 1 // VTFS_NODE_FILE
)

type NodeMeta struct {
	Ino       int64     `json:"ino"`
	ParentIno int64     `json:"parent_ino"`
	Type      NodeType  `json:"type"`
	Mode      uint32    `json:"mode"` // umode_t
	Size      int64     `json:"size"`
	Nlink     uint32    `json:"nlink"`
	Atime     time.Time `json:"atime"`
	Mtime     time.Time `json:"mtime"`
	Ctime     time.Time `json:"ctime"`
}

type Dirent struct {
	Name string   `json:"name"`
	Ino  int64    `json:"ino"`
	Type NodeType `json:"type"`
}

// Inode is the header of a file as stored in its first block, addressed by
// ino instead of block id.
type Inode struct {
	Ino        int64
	ParentIno  int64
	Token      string
	Type       NodeType
	Mode       uint32
	Size       int64
	Blocks     uint32
	RefCount   int
	CreateTime time.Time
	AccessTime time.Time
	ModifyTime time.Time
}

// Filesystem is one mounted volume.
type Filesystem struct {
	Token    string
	Dir      string
	RootIno  int64
	CreateAt time.Time
}

type Statfs struct {
	BlockSize   uint64 `json:"block_size"`
	Blocks      uint64 `json:"blocks"`
	FreeBlocks  uint64 `json:"free_blocks"`
	UsedBlocks  uint64 `json:"used_blocks"`
	OpenFiles   uint64 `json:"open_files"`
	MaxFileSize uint64 `json:"max_file_size"`
}
