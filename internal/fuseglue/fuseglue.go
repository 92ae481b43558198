// Package fuseglue adapts the FS operation layer to github.com/hanwen/go-fuse/v2's
// node/file-handle callback model: a single Node type covers both the mount
// root and every other inode, since each already carries its own absolute
// backend path.
package fuseglue

import (
	"context"
	"encoding/binary"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cyverse/irodsfs-core/internal/fsops"
	"github.com/cyverse/irodsfs-core/internal/handles"
	"github.com/cyverse/irodsfs-core/internal/pathutil"
	"github.com/cyverse/irodsfs-core/internal/posixstat"

	"github.com/cyverse/irodsfs-core/internal/ferrors"
)

// Node is one inode in the mounted tree, identified by its absolute backend
// path.
type Node struct {
	fs.Inode
	ops  *fsops.Ops
	path string
	ttl  time.Duration
}

// NewRoot builds the root Node of the mount, rooted at workdir.
func NewRoot(ops *fsops.Ops, workdir string, ttl time.Duration) *Node {
	if workdir == "" {
		workdir = "/"
	}
	return &Node{ops: ops, path: workdir, ttl: ttl}
}

func (n *Node) child(name string) *Node {
	return &Node{ops: n.ops, path: pathutil.Join(n.path, name), ttl: n.ttl}
}

func errnoFrom(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return syscall.Errno(-ferrors.ToErrno(err))
}

func fillAttr(out *fuse.Attr, st posixstat.Stat) {
	out.Ino = st.Ino
	out.Size = uint64(st.Size)
	out.Blocks = uint64(st.Blocks)
	out.Mtime = uint64(st.Mtime)
	out.Atime = uint64(st.Mtime)
	out.Ctime = uint64(st.Mtime)
	out.Mode = st.Mode
	out.Nlink = st.Nlink
	out.Owner = fuse.Owner{Uid: st.UID, Gid: st.GID}
	out.Blksize = uint32(st.Blksize)
}

// Getattr implements fs.NodeGetattrer.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, err := n.ops.GetAttr(ctx, n.path)
	if err != nil {
		return errnoFrom(err)
	}
	fillAttr(&out.Attr, st)
	out.SetTimeout(n.ttl)
	return 0
}

// Setattr implements fs.NodeSetattrer, covering truncate (ftruncate/truncate)
// and chmod; other attribute changes the backend does not model (owner,
// timestamps) are accepted without effect.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if in.Valid&fuse.FATTR_SIZE != 0 {
		if err := n.ops.Truncate(ctx, n.path, int64(in.Size)); err != nil {
			return errnoFrom(err)
		}
	}
	if in.Valid&fuse.FATTR_MODE != 0 {
		if err := n.ops.Chmod(ctx, n.path, in.Mode); err != nil {
			return errnoFrom(err)
		}
	}

	st, err := n.ops.GetAttr(ctx, n.path)
	if err != nil {
		return errnoFrom(err)
	}
	fillAttr(&out.Attr, st)
	out.SetTimeout(n.ttl)
	return 0
}

// Lookup implements fs.NodeLookuper.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := n.child(name)
	st, err := n.ops.GetAttr(ctx, child.path)
	if err != nil {
		return nil, errnoFrom(err)
	}

	fillAttr(&out.Attr, st)
	out.SetEntryTimeout(n.ttl)
	out.SetAttrTimeout(n.ttl)

	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode, Ino: st.Ino})
	return inode, 0
}

// Opendir implements fs.NodeOpendirer as a pure permission check; the
// actual listing happens in Readdir.
func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	d, err := n.ops.OpenDir(ctx, n.path)
	if err != nil {
		return errnoFrom(err)
	}
	return errnoFrom(n.ops.CloseDir(ctx, d))
}

// dirStream adapts a pre-collected entry list to fs.DirStream.
type dirStream struct {
	entries []fuse.DirEntry
	idx     int
}

func (s *dirStream) HasNext() bool { return s.idx < len(s.entries) }

func (s *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if !s.HasNext() {
		return fuse.DirEntry{}, syscall.ENOENT
	}
	e := s.entries[s.idx]
	s.idx++
	return e, 0
}

func (s *dirStream) Close() {}

// Readdir implements fs.NodeReaddirer: it opens (possibly from cache),
// collects every entry along with its attributes, and closes the handle
// before returning, since go-fuse drives the whole listing through the
// returned DirStream rather than incremental handle calls.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	d, err := n.ops.OpenDir(ctx, n.path)
	if err != nil {
		return nil, errnoFrom(err)
	}
	defer n.ops.CloseDir(ctx, d)

	var entries []fuse.DirEntry
	walkErr := n.ops.ReadDir(ctx, d, func(name string) bool {
		childPath := pathutil.Join(n.path, name)
		st, statErr := n.ops.GetAttr(ctx, childPath)
		mode := st.Mode
		ino := st.Ino
		if statErr != nil {
			mode = posixstat.ModeIFREG | posixstat.DefFileMode
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: mode, Ino: ino})
		return true
	})
	if walkErr != nil {
		return nil, errnoFrom(walkErr)
	}
	return &dirStream{entries: entries}, 0
}

// Open implements fs.NodeOpener.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	f, err := n.ops.Open(ctx, n.path, int(flags))
	if err != nil {
		return nil, 0, errnoFrom(err)
	}
	return &fileHandle{ops: n.ops, f: f}, 0, 0
}

// Create implements fs.NodeCreater.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	child := n.child(name)
	if err := n.ops.Create(ctx, child.path, mode); err != nil {
		return nil, nil, 0, errnoFrom(err)
	}

	f, err := n.ops.Open(ctx, child.path, int(flags))
	if err != nil {
		return nil, nil, 0, errnoFrom(err)
	}

	st, err := n.ops.GetAttr(ctx, child.path)
	if err != nil {
		return nil, nil, 0, errnoFrom(err)
	}
	fillAttr(&out.Attr, st)
	out.SetEntryTimeout(n.ttl)
	out.SetAttrTimeout(n.ttl)

	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode, Ino: st.Ino})
	return inode, &fileHandle{ops: n.ops, f: f}, 0, 0
}

// Mkdir implements fs.NodeMkdirer.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := n.child(name)
	if err := n.ops.Mkdir(ctx, child.path); err != nil {
		return nil, errnoFrom(err)
	}

	st, err := n.ops.GetAttr(ctx, child.path)
	if err != nil {
		return nil, errnoFrom(err)
	}
	fillAttr(&out.Attr, st)
	out.SetEntryTimeout(n.ttl)
	out.SetAttrTimeout(n.ttl)

	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode, Ino: st.Ino})
	return inode, 0
}

// Unlink implements fs.NodeUnlinker.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoFrom(n.ops.Unlink(ctx, n.child(name).path))
}

// Rmdir implements fs.NodeRmdirer.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoFrom(n.ops.Rmdir(ctx, n.child(name).path))
}

// Rename implements fs.NodeRenamer.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	oldPath := n.child(name).path

	var newPath string
	if np, ok := newParent.(*Node); ok {
		newPath = np.child(newName).path
	} else {
		newPath = pathutil.Join(n.path, newName)
	}

	return errnoFrom(n.ops.Rename(ctx, oldPath, newPath))
}

// fileHandle adapts a handles.FileHandle to go-fuse's FileXxxx interfaces.
type fileHandle struct {
	ops *fsops.Ops
	f   *handles.FileHandle
}

// Read implements fs.FileReader.
func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := fh.ops.Read(ctx, fh.f, off, dest)
	if err != nil {
		return nil, errnoFrom(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write implements fs.FileWriter.
func (fh *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := fh.ops.Write(ctx, fh.f, off, data)
	if err != nil {
		return 0, errnoFrom(err)
	}
	return uint32(n), 0
}

// Flush implements fs.FileFlusher.
func (fh *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return errnoFrom(fh.ops.Flush(ctx, fh.f))
}

// Release implements fs.FileReleaser.
func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	return errnoFrom(fh.ops.Close(ctx, fh.f))
}

// reportWireSize is the encoded byte length of an ioctl SHOW_CONNECTIONS
// reply: four little-endian uint32 counters.
const reportWireSize = 16

// Ioctl implements fs.FileIoctler, exposing the maintenance ioctl
// (RESET_METADATA_CACHE, SHOW_CONNECTIONS) to userspace tools.
func (fh *fileHandle) Ioctl(ctx context.Context, cmd uint32, arg uint64, input []byte, output []byte) (int32, syscall.Errno) {
	rep, err := fh.ops.Ioctl(int(cmd))
	if err != nil {
		return 0, errnoFrom(err)
	}
	if cmd == fsops.IoctlShowConnections {
		if len(output) < reportWireSize {
			return 0, errnoFrom(ferrors.BufferTooSmall())
		}
		binary.LittleEndian.PutUint32(output[0:4], uint32(rep.InUseShortOp))
		binary.LittleEndian.PutUint32(output[4:8], uint32(rep.InUseGeneral))
		binary.LittleEndian.PutUint32(output[8:12], uint32(rep.InUseOnetime))
		binary.LittleEndian.PutUint32(output[12:16], uint32(rep.Free))
		return reportWireSize, 0
	}
	return 0, 0
}
