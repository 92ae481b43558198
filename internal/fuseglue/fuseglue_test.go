package fuseglue

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse/irodsfs-core/internal/backend"
	"github.com/cyverse/irodsfs-core/internal/backend/fake"
	"github.com/cyverse/irodsfs-core/internal/connpool"
	"github.com/cyverse/irodsfs-core/internal/corelog"
	"github.com/cyverse/irodsfs-core/internal/fsops"
	"github.com/cyverse/irodsfs-core/internal/handles"
	"github.com/cyverse/irodsfs-core/internal/metadatacache"
	"github.com/cyverse/irodsfs-core/internal/timersvc"
)

func newTestRoot(t *testing.T) (*Node, *fake.Backend) {
	t.Helper()
	fb := fake.New()
	fb.SeedCollection("/zone/home/u")
	fb.SeedObject("/zone/home/u/a", []byte("hello world"), 0644, 1000)

	timer := timersvc.New(time.Millisecond)
	pool := connpool.New(fb, backend.DialOptions{}, connpool.Config{
		MaxConn: 4, ConnTimeoutSec: 100, ConnKeepAliveSec: 100, ConnCheckIntervalSec: 100, APITimeoutSec: 5,
	}, corelog.Discard, timer)
	reg := handles.New(pool)
	cache := metadatacache.New(5 * time.Second)
	ops := fsops.New(pool, reg, cache, fsops.Config{ConnReuse: false, CacheMetadata: true}, corelog.Discard)

	root := NewRoot(ops, "/zone/home/u", time.Second)
	return root, fb
}

func TestGetattrFillsAttrFromBackend(t *testing.T) {
	root, _ := newTestRoot(t)
	ctx := context.Background()

	var out fuse.AttrOut
	errno := root.Getattr(ctx, nil, &out)
	require.Equal(t, syscall.Errno(0), errno)
	assert.EqualValues(t, 4096, out.Attr.Size, "root is a directory; size reflects the synthetic directory size convention")
	assert.NotZero(t, out.Attr.Mode)
}

func TestGetattrMissingPathReturnsNoEnt(t *testing.T) {
	root, _ := newTestRoot(t)
	child := root.child("missing")

	var out fuse.AttrOut
	errno := child.Getattr(context.Background(), nil, &out)
	assert.Equal(t, syscall.ENOENT, errno)
}

// Lookup's success path calls n.NewInode, which needs a live mount to back
// its inode-tree bookkeeping; only the error path (no inode built) is safe
// to exercise against a bare, unmounted root.
func TestLookupMissingChildReturnsNoEnt(t *testing.T) {
	root, _ := newTestRoot(t)
	var out fuse.EntryOut
	inode, errno := root.Lookup(context.Background(), "missing", &out)
	assert.Nil(t, inode)
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestReaddirListsEntriesWithAttrs(t *testing.T) {
	root, _ := newTestRoot(t)
	ctx := context.Background()

	stream, errno := root.Readdir(ctx)
	require.Equal(t, syscall.Errno(0), errno)

	var names []string
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Equal(t, syscall.Errno(0), errno)
		names = append(names, e.Name)
		assert.NotZero(t, e.Mode)
	}
	assert.Equal(t, []string{"a"}, names)
}

func TestOpenAndReadThroughFileHandle(t *testing.T) {
	root, _ := newTestRoot(t)
	ctx := context.Background()

	child := root.child("a")
	fh, _, errno := child.Open(ctx, syscall.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)

	f := fh.(*fileHandle)
	buf := make([]byte, 64)
	res, errno := f.Read(ctx, buf, 0)
	require.Equal(t, syscall.Errno(0), errno)

	data, status := res.Bytes(buf)
	require.True(t, status.Ok())
	assert.Equal(t, "hello world", string(data))

	assert.Equal(t, syscall.Errno(0), f.Release(ctx))
}

func TestRmdirUnlinkRename(t *testing.T) {
	root, fb := newTestRoot(t)
	ctx := context.Background()

	fb.SeedCollection("/zone/home/u/sub")
	assert.Equal(t, syscall.Errno(0), root.Rmdir(ctx, "sub"))

	assert.Equal(t, syscall.Errno(0), root.Rename(ctx, "a", root, "renamed", 0))

	var out fuse.AttrOut
	assert.Equal(t, syscall.ENOENT, root.child("a").Getattr(ctx, nil, &out))
	assert.Equal(t, syscall.Errno(0), root.child("renamed").Getattr(ctx, nil, &out))

	assert.Equal(t, syscall.Errno(0), root.Unlink(ctx, "renamed"))
}

func TestSetattrTruncateAndChmod(t *testing.T) {
	root, _ := newTestRoot(t)
	ctx := context.Background()
	child := root.child("a")

	in := &fuse.SetAttrIn{}
	in.Valid = fuse.FATTR_SIZE
	in.Size = 5
	var out fuse.AttrOut
	errno := child.Setattr(ctx, nil, in, &out)
	require.Equal(t, syscall.Errno(0), errno)
	assert.EqualValues(t, 5, out.Attr.Size)

	in2 := &fuse.SetAttrIn{}
	in2.Valid = fuse.FATTR_MODE
	in2.Mode = 0600
	errno = child.Setattr(ctx, nil, in2, &out)
	require.Equal(t, syscall.Errno(0), errno)
}

func TestIoctlShowConnectionsEncodesReport(t *testing.T) {
	root, _ := newTestRoot(t)
	ctx := context.Background()
	child := root.child("a")

	handle, _, errno := child.Open(ctx, syscall.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)
	f := handle.(*fileHandle)

	out := make([]byte, reportWireSize)
	n, errno := f.Ioctl(ctx, fsops.IoctlShowConnections, 0, nil, out)
	require.Equal(t, syscall.Errno(0), errno)
	assert.EqualValues(t, reportWireSize, n)

	assert.Equal(t, syscall.Errno(0), f.Release(ctx))
}

func TestIoctlShowConnectionsBufferTooSmall(t *testing.T) {
	root, _ := newTestRoot(t)
	ctx := context.Background()
	child := root.child("a")

	handle, _, errno := child.Open(ctx, syscall.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)
	f := handle.(*fileHandle)

	out := make([]byte, 2)
	_, errno = f.Ioctl(ctx, fsops.IoctlShowConnections, 0, nil, out)
	assert.NotEqual(t, syscall.Errno(0), errno)

	assert.Equal(t, syscall.Errno(0), f.Release(ctx))
}
