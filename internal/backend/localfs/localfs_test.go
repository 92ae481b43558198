package localfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cyverse/irodsfs-core/internal/backend"
)

func newTestSession(t *testing.T) (backend.Session, string) {
	t.Helper()
	root := t.TempDir()
	d := Dialer{Root: root}
	sess, err := d.Dial(context.Background(), backend.DialOptions{})
	require.NoError(t, err)
	return sess, root
}

func TestObjStatReportsFileAndCollection(t *testing.T) {
	sess, root := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("hello"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))

	info, err := sess.ObjStat(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.False(t, info.IsCollection)

	dinfo, err := sess.ObjStat(ctx, "/sub")
	require.NoError(t, err)
	assert.True(t, dinfo.IsCollection)
}

func TestObjStatMissingIsNotFound(t *testing.T) {
	sess, _ := newTestSession(t)
	_, err := sess.ObjStat(context.Background(), "/missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestDataObjCreateWriteReadRoundTrip(t *testing.T) {
	sess, _ := newTestSession(t)
	ctx := context.Background()

	fd, err := sess.DataObjCreate(ctx, "/a", 0644)
	require.NoError(t, err)

	n, err := sess.DataObjWrite(ctx, fd, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	require.NoError(t, sess.DataObjClose(ctx, fd))

	fd2, err := sess.DataObjOpen(ctx, "/a", os.O_RDONLY)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err = sess.DataObjRead(ctx, fd2, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))
	require.NoError(t, sess.DataObjClose(ctx, fd2))
}

func TestDataObjLseekRepositionsReads(t *testing.T) {
	sess, _ := newTestSession(t)
	ctx := context.Background()

	fd, err := sess.DataObjCreate(ctx, "/a", 0644)
	require.NoError(t, err)
	_, err = sess.DataObjWrite(ctx, fd, []byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, sess.DataObjClose(ctx, fd))

	fd2, err := sess.DataObjOpen(ctx, "/a", os.O_RDONLY)
	require.NoError(t, err)

	off, err := sess.DataObjLseek(ctx, fd2, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, off)

	buf := make([]byte, 3)
	n, err := sess.DataObjRead(ctx, fd2, buf)
	require.NoError(t, err)
	assert.Equal(t, "567", string(buf[:n]))
	require.NoError(t, sess.DataObjClose(ctx, fd2))
}

func TestCollCreateRmCollAndNotEmpty(t *testing.T) {
	sess, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, sess.CollCreate(ctx, "/d"))
	fd, err := sess.DataObjCreate(ctx, "/d/child", 0644)
	require.NoError(t, err)
	require.NoError(t, sess.DataObjClose(ctx, fd))

	err = sess.RmColl(ctx, "/d")
	assert.ErrorIs(t, err, backend.ErrNotEmpty)

	require.NoError(t, sess.DataObjUnlink(ctx, "/d/child"))
	require.NoError(t, sess.RmColl(ctx, "/d"))
}

func TestOpenCollectionReadCollectionLists(t *testing.T) {
	sess, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, sess.CollCreate(ctx, "/d"))
	for _, name := range []string{"/d/a", "/d/b"} {
		fd, err := sess.DataObjCreate(ctx, name, 0644)
		require.NoError(t, err)
		require.NoError(t, sess.DataObjClose(ctx, fd))
	}

	h, err := sess.OpenCollection(ctx, "/d")
	require.NoError(t, err)

	var names []string
	for {
		entries, eof, err := sess.ReadCollection(ctx, h)
		require.NoError(t, err)
		for _, e := range entries {
			names = append(names, e.Name)
		}
		if eof {
			break
		}
	}
	require.NoError(t, sess.CloseCollection(ctx, h))
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestDataObjRenameAndTruncate(t *testing.T) {
	sess, _ := newTestSession(t)
	ctx := context.Background()

	fd, err := sess.DataObjCreate(ctx, "/a", 0644)
	require.NoError(t, err)
	_, err = sess.DataObjWrite(ctx, fd, []byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, sess.DataObjClose(ctx, fd))

	require.NoError(t, sess.DataObjRename(ctx, "/a", "/b"))
	_, err = sess.ObjStat(ctx, "/a")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, sess.DataObjTruncate(ctx, "/b", 5))
	info, err := sess.ObjStat(ctx, "/b")
	require.NoError(t, err)
	assert.EqualValues(t, 5, info.Size)
}

func TestModDataObjMetaChangesMode(t *testing.T) {
	sess, _ := newTestSession(t)
	ctx := context.Background()

	fd, err := sess.DataObjCreate(ctx, "/a", 0644)
	require.NoError(t, err)
	require.NoError(t, sess.DataObjClose(ctx, fd))

	require.NoError(t, sess.ModDataObjMeta(ctx, "/a", 0600))
	info, err := sess.ObjStat(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), os.FileMode(info.Mode)&os.ModePerm)
}

func TestIsNotEmptyClassifiesErrno(t *testing.T) {
	assert.True(t, isNotEmpty(unix.ENOTEMPTY))
	assert.False(t, isNotEmpty(unix.ENOENT))
}
