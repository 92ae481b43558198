// Package fsops implements the FS operation layer: one function per kernel
// upcall, each driving the RPC envelope (acquire -> lock -> call -> stamp
// last-activity -> reconnect-and-retry-once on a transient wire error ->
// unlock -> translate errno -> release) and the per-operation cache
// maintenance contract.
package fsops

import (
	"context"
	"syscall"

	"github.com/cyverse/irodsfs-core/internal/backend"
	"github.com/cyverse/irodsfs-core/internal/connpool"
	"github.com/cyverse/irodsfs-core/internal/corelog"
	"github.com/cyverse/irodsfs-core/internal/ferrors"
	"github.com/cyverse/irodsfs-core/internal/handles"
	"github.com/cyverse/irodsfs-core/internal/metadatacache"
	"github.com/cyverse/irodsfs-core/internal/pathutil"
	"github.com/cyverse/irodsfs-core/internal/posixstat"
)

// Ioctl command codes for the maintenance ioctl.
const (
	IoctlResetMetadataCache = 1
	IoctlShowConnections    = 2
)

// Config mirrors the subset of config.Config the FS operation layer needs,
// kept local the way connpool.Config is, so this package does not import
// internal/config.
type Config struct {
	ConnReuse       bool
	CacheMetadata   bool // !NoCacheMetadata
}

// Ops is the FS operation layer, bound to one pool/registry/cache triple for
// the life of a mount.
type Ops struct {
	pool  *connpool.Pool
	reg   *handles.Registry
	cache *metadatacache.Cache
	cfg   Config
	log   *corelog.Sink
}

// New builds an Ops.
func New(pool *connpool.Pool, reg *handles.Registry, cache *metadatacache.Cache, cfg Config, log *corelog.Sink) *Ops {
	if log == nil {
		log = corelog.Discard
	}
	return &Ops{pool: pool, reg: reg, cache: cache, cfg: cfg, log: log}
}

func (o *Ops) shortOpClass() connpool.Class {
	if o.cfg.ConnReuse {
		return connpool.ShortOp
	}
	return connpool.Onetime
}

func (o *Ops) fileIOClass() connpool.Class {
	if o.cfg.ConnReuse {
		return connpool.FileIO
	}
	return connpool.Onetime
}

// shortOpEnvelope acquires a connection of the short-op class, runs fn under
// the connection's lock with the transient-retry policy, and always
// releases the connection before returning.
func (o *Ops) shortOpEnvelope(ctx context.Context, fn func(sess backend.Session) error) error {
	conn, err := o.pool.Acquire(ctx, o.shortOpClass())
	if err != nil {
		return ferrors.AcquireFailure(err)
	}
	defer o.pool.Release(ctx, conn)

	o.pool.Lock(conn)
	defer o.pool.Unlock(conn)
	return rpcRetryErr(ctx, o.pool, conn, fn)
}

// rpcRetryErr runs fn once, and on a transient wire error reconnects once
// and retries fn once more. The caller must already hold conn's lock.
func rpcRetryErr(ctx context.Context, pool *connpool.Pool, conn *connpool.Conn, fn func(backend.Session) error) error {
	_, err := rpcRetry(ctx, pool, conn, func(sess backend.Session) (struct{}, error) {
		return struct{}{}, fn(sess)
	})
	return err
}

// rpcRetry is rpcRetryErr generalized over a typed RPC result, for callers
// like read/write/lseek that need the returned value alongside the error.
// The caller must already hold conn's lock.
func rpcRetry[T any](ctx context.Context, pool *connpool.Pool, conn *connpool.Conn, fn func(backend.Session) (T, error)) (T, error) {
	var zero T

	result, err := fn(conn.Session())
	pool.UpdateLastActTime(conn, false)
	if err != nil && conn.Session().IsReadMsgError(err) {
		if rErr := pool.Reconnect(ctx, conn); rErr != nil {
			return zero, ferrors.TransientWire(rErr, "reconnect")
		}
		result, err = fn(conn.Session())
		pool.UpdateLastActTime(conn, false)
		if err != nil && conn.Session().IsReadMsgError(err) {
			return zero, ferrors.TransientWire(err, "retry")
		}
	}
	if err != nil {
		return zero, ferrors.FromBackend(err, "rpc")
	}
	return result, nil
}

func isReadOnly(flags int) bool {
	return flags&syscall.O_ACCMODE == syscall.O_RDONLY
}

// GetAttr consults the stat cache, then the parent-directory
// negative-cache short circuit, then falls through to the backend RPC.
func (o *Ops) GetAttr(ctx context.Context, path string) (posixstat.Stat, error) {
	if o.cfg.CacheMetadata {
		o.cache.ClearExpiredStat(false)
		if s, ok := o.cache.GetStat(path); ok {
			return s, nil
		}

		o.cache.ClearExpiredDir(false)
		dir, _ := pathutil.Split(path)
		if o.cache.DirFresh(dir) && !o.cache.CheckExistenceOfDirEntry(path) {
			return posixstat.Stat{}, ferrors.NotFound(path)
		}
	}

	var info backend.ObjectInfo
	err := o.shortOpEnvelope(ctx, func(sess backend.Session) error {
		var e error
		info, e = sess.ObjStat(ctx, path)
		return e
	})
	if err != nil {
		return posixstat.Stat{}, err
	}

	kind := posixstat.KindDataObject
	if info.IsCollection {
		kind = posixstat.KindCollection
	}
	stat := posixstat.FromObjectMeta(kind, info.DataID, info.Size, info.Mode, info.ModTimeUnix)
	if o.cfg.CacheMetadata {
		o.cache.PutStat(path, stat)
	}
	return stat, nil
}

// Open opens path for the given POSIX flags, binding the resulting handle
// to a freshly acquired FILE_IO (or one-time) connection for its lifetime.
func (o *Ops) Open(ctx context.Context, path string, flags int) (*handles.FileHandle, error) {
	conn, err := o.pool.Acquire(ctx, o.fileIOClass())
	if err != nil {
		return nil, ferrors.AcquireFailure(err)
	}

	f, err := o.reg.OpenFile(ctx, conn, path, flags)
	if err != nil {
		o.pool.Release(ctx, conn)
		return nil, err
	}

	if o.cfg.CacheMetadata && !isReadOnly(flags) {
		o.cache.RemoveStat(path)
	}
	return f, nil
}

// Close closes f and releases its bound connection back to the pool.
func (o *Ops) Close(ctx context.Context, f *handles.FileHandle) error {
	readOnly := isReadOnly(f.Flags())
	path := f.Path()
	conn := f.Conn()

	err := o.reg.CloseFile(ctx, f)
	o.pool.Release(ctx, conn)
	if err != nil {
		return err
	}

	if o.cfg.CacheMetadata && !readOnly {
		o.cache.RemoveStat(path)
	}
	return nil
}

// Read reads up to len(buf) bytes at off from f, repositioning first if the
// handle's last known file pointer does not already sit at off.
func (o *Ops) Read(ctx context.Context, f *handles.FileHandle, off int64, buf []byte) (int, error) {
	f.Lock()
	defer f.Unlock()

	conn := f.Conn()
	o.pool.Lock(conn)
	defer o.pool.Unlock(conn)

	if f.LastFilePointerLocked() != off {
		newOff, err := rpcRetry(ctx, o.pool, conn, func(sess backend.Session) (int64, error) {
			return sess.DataObjLseek(ctx, f.Bfd(), off)
		})
		if err != nil {
			return 0, err
		}
		if newOff != off {
			return 0, ferrors.NotFound(f.Path())
		}
	}

	n, err := rpcRetry(ctx, o.pool, conn, func(sess backend.Session) (int, error) {
		return sess.DataObjRead(ctx, f.Bfd(), buf)
	})
	if err != nil {
		return 0, err
	}
	f.SetLastFilePointerLocked(off + int64(n))
	return n, nil
}

// Write writes data at off to f, repositioning first as Read does, and
// invalidates nothing itself: the stat cache was already dropped at Open
// for any non-read-only handle.
func (o *Ops) Write(ctx context.Context, f *handles.FileHandle, off int64, data []byte) (int, error) {
	f.Lock()
	defer f.Unlock()

	conn := f.Conn()
	o.pool.Lock(conn)
	defer o.pool.Unlock(conn)

	if f.LastFilePointerLocked() != off {
		newOff, err := rpcRetry(ctx, o.pool, conn, func(sess backend.Session) (int64, error) {
			return sess.DataObjLseek(ctx, f.Bfd(), off)
		})
		if err != nil {
			return 0, err
		}
		if newOff != off {
			return 0, ferrors.NotFound(f.Path())
		}
	}

	n, err := rpcRetry(ctx, o.pool, conn, func(sess backend.Session) (int, error) {
		return sess.DataObjWrite(ctx, f.Bfd(), data)
	})
	if err != nil {
		return 0, err
	}
	f.SetLastFilePointerLocked(off + int64(n))
	return n, nil
}

// Flush closes and reopens f's backend descriptor in place to force a
// write-back, and drops any cached stat for the file since its size/mtime
// may have changed on the backend.
func (o *Ops) Flush(ctx context.Context, f *handles.FileHandle) error {
	if err := o.reg.ReopenFile(ctx, f); err != nil {
		return err
	}
	if o.cfg.CacheMetadata {
		o.cache.RemoveStat(f.Path())
	}
	return nil
}

// Create creates path with mode and immediately closes the resulting
// descriptor; a subsequent Open is expected to actually use the file.
func (o *Ops) Create(ctx context.Context, path string, mode uint32) error {
	err := o.shortOpEnvelope(ctx, func(sess backend.Session) error {
		fd, e := sess.DataObjCreate(ctx, path, mode)
		if e != nil {
			return e
		}
		return sess.DataObjClose(ctx, fd)
	})
	if err != nil {
		return err
	}

	if o.cfg.CacheMetadata {
		o.cache.RemoveStat(path)
		dir, name := pathutil.Split(path)
		o.cache.AddDirEntryIfFresh(dir, name)
	}
	return nil
}

// Unlink removes the data object at path.
func (o *Ops) Unlink(ctx context.Context, path string) error {
	err := o.shortOpEnvelope(ctx, func(sess backend.Session) error {
		return sess.DataObjUnlink(ctx, path)
	})
	if err != nil {
		return err
	}

	if o.cfg.CacheMetadata {
		o.cache.RemoveStat(path)
		o.cache.RemoveDirEntry2(path)
	}
	return nil
}

// Mkdir creates a collection at path.
func (o *Ops) Mkdir(ctx context.Context, path string) error {
	err := o.shortOpEnvelope(ctx, func(sess backend.Session) error {
		return sess.CollCreate(ctx, path)
	})
	if err != nil {
		return err
	}

	if o.cfg.CacheMetadata {
		o.cache.RemoveStat(path)
		o.cache.RemoveDir(path)
		dir, name := pathutil.Split(path)
		o.cache.AddDirEntryIfFresh(dir, name)
	}
	return nil
}

// Rmdir removes the collection at path. A backend report that the
// collection is not empty is returned without touching the cache, so a
// failed rmdir never evicts a listing that is still accurate.
func (o *Ops) Rmdir(ctx context.Context, path string) error {
	err := o.shortOpEnvelope(ctx, func(sess backend.Session) error {
		return sess.RmColl(ctx, path)
	})
	if err != nil {
		return err
	}

	if o.cfg.CacheMetadata {
		o.cache.RemoveStat(path)
		o.cache.RemoveDir(path)
		dir, name := pathutil.Split(path)
		o.cache.RemoveDirEntry(dir, name)
	}
	return nil
}

// Rename moves a data object or collection from from to to.
func (o *Ops) Rename(ctx context.Context, from, to string) error {
	err := o.shortOpEnvelope(ctx, func(sess backend.Session) error {
		return sess.DataObjRename(ctx, from, to)
	})
	if err != nil {
		return err
	}

	if o.cfg.CacheMetadata {
		o.cache.RemoveStat(from)
		o.cache.RemoveStat(to)
		o.cache.RemoveDir(from)
		o.cache.RemoveDir(to)
		fdir, fname := pathutil.Split(from)
		o.cache.RemoveDirEntry(fdir, fname)
		tdir, tname := pathutil.Split(to)
		o.cache.AddDirEntryIfFresh(tdir, tname)
	}
	return nil
}

// Truncate resizes the data object at path.
func (o *Ops) Truncate(ctx context.Context, path string, size int64) error {
	err := o.shortOpEnvelope(ctx, func(sess backend.Session) error {
		return sess.DataObjTruncate(ctx, path, size)
	})
	if err != nil {
		return err
	}
	if o.cfg.CacheMetadata {
		o.cache.RemoveStat(path)
	}
	return nil
}

// Chmod updates the mode of the data object at path.
func (o *Ops) Chmod(ctx context.Context, path string, mode uint32) error {
	err := o.shortOpEnvelope(ctx, func(sess backend.Session) error {
		return sess.ModDataObjMeta(ctx, path, mode)
	})
	if err != nil {
		return err
	}
	if o.cfg.CacheMetadata {
		o.cache.RemoveStat(path)
	}
	return nil
}

// OpenDir opens path for listing, preferring a fresh cached entry list over
// a live collection iterator.
func (o *Ops) OpenDir(ctx context.Context, path string) (*handles.DirHandle, error) {
	if o.cfg.CacheMetadata {
		if buf, n, ok := o.cache.GetDirEntry(path); ok {
			return o.reg.OpenDirWithCache(path, buf, n), nil
		}
	}

	conn, err := o.pool.Acquire(ctx, o.fileIOClass())
	if err != nil {
		return nil, ferrors.AcquireFailure(err)
	}
	d, err := o.reg.OpenDir(ctx, conn, path)
	if err != nil {
		o.pool.Release(ctx, conn)
		return nil, err
	}
	return d, nil
}

// CloseDir closes d, releasing its bound connection if it has one.
func (o *Ops) CloseDir(ctx context.Context, d *handles.DirHandle) error {
	err := o.reg.CloseDir(ctx, d)
	if d.Conn() != nil {
		o.pool.Release(ctx, d.Conn())
	}
	return err
}

// EntryFunc receives one directory entry name during ReadDir; a false
// return stops the walk early.
type EntryFunc func(name string) bool

// ReadDir walks d, either replaying its cached NUL-separated entry buffer
// or iterating the backend collection live. In the live case it also
// repopulates the stat and dir-entry caches as it goes, warming the cache
// for a subsequent listing.
func (o *Ops) ReadDir(ctx context.Context, d *handles.DirHandle, fn EntryFunc) error {
	if d.IsCached() {
		buf, n := d.CachedEntries()
		for _, name := range splitNulNames(buf[:n]) {
			if name == "" {
				continue
			}
			if !fn(name) {
				return nil
			}
		}
		return nil
	}

	if o.cfg.CacheMetadata {
		o.cache.DropDirIfExpired(d.Path())
	}

	conn := d.Conn()
	for {
		o.pool.Lock(conn)
		res, err := rpcRetry(ctx, o.pool, conn, func(sess backend.Session) (readCollectionResult, error) {
			e, eof, err := sess.ReadCollection(ctx, d.BackendHandle())
			return readCollectionResult{entries: e, eof: eof}, err
		})
		o.pool.Unlock(conn)
		if err != nil {
			return err
		}

		for _, e := range res.entries {
			if o.cfg.CacheMetadata {
				kind := posixstat.KindDataObject
				if e.Info.IsCollection {
					kind = posixstat.KindCollection
				}
				stat := posixstat.FromObjectMeta(kind, e.Info.DataID, e.Info.Size, e.Info.Mode, e.Info.ModTimeUnix)
				o.cache.PutStat2(d.Path(), e.Name, stat)
				o.cache.AddDirEntry(d.Path(), e.Name)
			}
			if !fn(e.Name) {
				return nil
			}
		}
		if res.eof {
			return nil
		}
	}
}

type readCollectionResult struct {
	entries []backend.Entry
	eof     bool
}

func splitNulNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			names = append(names, string(buf[start:i]))
			start = i + 1
		}
	}
	return names
}

// CacheDir populates the directory entry cache for path by iterating the
// backend collection fully, without returning a handle, for a
// readahead/prefetch pass ahead of a future readdir.
func (o *Ops) CacheDir(ctx context.Context, path string) error {
	if !o.cfg.CacheMetadata {
		return nil
	}

	conn, err := o.pool.Acquire(ctx, o.fileIOClass())
	if err != nil {
		return ferrors.AcquireFailure(err)
	}
	defer o.pool.Release(ctx, conn)

	o.pool.Lock(conn)
	bh, err := rpcRetry(ctx, o.pool, conn, func(sess backend.Session) (int, error) {
		return sess.OpenCollection(ctx, path)
	})
	o.pool.Unlock(conn)
	if err != nil {
		return err
	}

	o.cache.RemoveDir(path)
	for {
		o.pool.Lock(conn)
		res, err := rpcRetry(ctx, o.pool, conn, func(sess backend.Session) (readCollectionResult, error) {
			e, eof, err := sess.ReadCollection(ctx, bh)
			return readCollectionResult{entries: e, eof: eof}, err
		})
		o.pool.Unlock(conn)
		if err != nil {
			o.pool.Lock(conn)
			_ = conn.Session().CloseCollection(ctx, bh)
			o.pool.Unlock(conn)
			return err
		}

		for _, e := range res.entries {
			kind := posixstat.KindDataObject
			if e.Info.IsCollection {
				kind = posixstat.KindCollection
			}
			stat := posixstat.FromObjectMeta(kind, e.Info.DataID, e.Info.Size, e.Info.Mode, e.Info.ModTimeUnix)
			o.cache.PutStat2(path, e.Name, stat)
			o.cache.AddDirEntry(path, e.Name)
		}
		if res.eof {
			break
		}
	}

	o.pool.Lock(conn)
	_ = conn.Session().CloseCollection(ctx, bh)
	o.pool.Unlock(conn)
	return nil
}

// Report is the ioctl SHOW_CONNECTIONS payload, re-exported from connpool so
// callers need not import it directly.
type Report = connpool.Report

// Ioctl dispatches the maintenance ioctl: RESET_METADATA_CACHE drops every
// cache entry, SHOW_CONNECTIONS returns a pool usage snapshot, anything
// else is EINVAL.
func (o *Ops) Ioctl(cmd int) (Report, error) {
	switch cmd {
	case IoctlResetMetadataCache:
		o.cache.Clear()
		return Report{}, nil
	case IoctlShowConnections:
		return o.pool.Report(), nil
	default:
		return Report{}, ferrors.InvalidArgument("unrecognized ioctl command %d", cmd)
	}
}
