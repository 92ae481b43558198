// Package posixstat defines the POSIX stat representation shared by the
// metadata cache and the FS operation layer, independent of the go-fuse
// wire type so the core does not import github.com/hanwen/go-fuse outside
// of internal/fuseglue.
package posixstat

import (
	"os"
	"strconv"
)

// Mode bits and defaults used when translating backend object metadata to a
// POSIX stat struct.
const (
	ModeIFDIR = 0040000
	ModeIFREG = 0100000

	DefFileMode = 0644
	DefDirMode  = 0755

	// FileBlockSize is the block size used to compute blksize/blocks for
	// regular files.
	FileBlockSize = 4096
	// DirSize is the synthetic size reported for directories.
	DirSize = 4096
)

// Stat is the POSIX attribute struct filled from backend object metadata.
// Atime is intentionally absent: Mtime substitutes for it since no separate
// atime is maintained.
type Stat struct {
	Ino     uint64
	Mode    uint32
	Size    int64
	Blksize int64
	Blocks  int64
	Nlink   uint32
	UID     uint32
	GID     uint32
	Mtime   int64 // unix seconds
}

// ObjectKind distinguishes a backend data object from a collection.
type ObjectKind int

const (
	KindDataObject ObjectKind = iota
	KindCollection
)

// FromObjectMeta builds a Stat the way getattr does:
// regular files get IFREG|(mode if mode>=0100 else DefFileMode), size from
// the backend, blksize/blocks derived from FileBlockSize, nlink=1;
// directories get IFDIR|DefDirMode, size=DirSize, nlink=2. The owning
// process's uid/gid are used since the backend does not map to local users.
func FromObjectMeta(kind ObjectKind, dataID string, size int64, backendMode uint32, mtimeUnix int64) Stat {
	s := Stat{
		Ino:   parseDataID(dataID),
		Mtime: mtimeUnix,
		UID:   uint32(os.Getuid()),
		GID:   uint32(os.Getgid()),
	}
	switch kind {
	case KindCollection:
		s.Mode = ModeIFDIR | DefDirMode
		s.Size = DirSize
		s.Nlink = 2
	default:
		mode := uint32(DefFileMode)
		if backendMode >= 0100 {
			mode = backendMode
		}
		s.Mode = ModeIFREG | mode
		s.Size = size
		s.Blksize = FileBlockSize
		s.Blocks = size/FileBlockSize + 1
		s.Nlink = 1
	}
	return s
}

// parseDataID parses the backend's numeric data-id string into an inode
// number; a malformed id (never expected from a well-behaved backend) maps
// to 0 rather than panicking.
func parseDataID(dataID string) uint64 {
	n, err := strconv.ParseUint(dataID, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
