// Package handles implements the open-handle registry: file and directory
// handles, each keyed by a monotonic id and bound to a pooled connection
// for its lifetime.
package handles

import (
	"context"
	"sync"

	"github.com/cyverse/irodsfs-core/internal/connpool"
	"github.com/cyverse/irodsfs-core/internal/ferrors"
)

// FileHandle is an open data-object handle.
type FileHandle struct {
	id    uint64
	conn  *connpool.Conn
	bfd   int
	path  string
	flags int

	mu              sync.Mutex
	lastFilePointer int64 // -1 when unknown
}

func (f *FileHandle) ID() uint64             { return f.id }
func (f *FileHandle) Conn() *connpool.Conn   { return f.conn }
func (f *FileHandle) Bfd() int               { return f.bfd }
func (f *FileHandle) Path() string           { return f.path }
func (f *FileHandle) Flags() int             { return f.flags }

// LastFilePointer returns the offset of the last successful sequential
// position, or -1 if unknown.
func (f *FileHandle) LastFilePointer() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFilePointer
}

func (f *FileHandle) setLastFilePointer(off int64) {
	f.mu.Lock()
	f.lastFilePointer = off
	f.mu.Unlock()
}

// Lock acquires the handle's per-handle writer lock.
func (f *FileHandle) Lock() { f.mu.Lock() }

// Unlock releases the handle's per-handle writer lock.
func (f *FileHandle) Unlock() { f.mu.Unlock() }

// LastFilePointerLocked is LastFilePointer for a caller that already holds
// f's lock (read/write in the FS operation layer serialize a whole
// lseek-then-transfer sequence under one Lock/Unlock pair).
func (f *FileHandle) LastFilePointerLocked() int64 { return f.lastFilePointer }

// SetLastFilePointerLocked is the already-locked counterpart of
// LastFilePointerLocked.
func (f *FileHandle) SetLastFilePointerLocked(off int64) { f.lastFilePointer = off }

// DirHandle is an open collection-listing handle. Exactly one of
// {conn+backendHandle, cachedEntries} is populated.
type DirHandle struct {
	id   uint64
	conn *connpool.Conn // nil when served from cache
	bh   int            // backend collection iterator handle, valid iff conn != nil
	path string

	mu            sync.Mutex
	cachedEntries []byte
	cachedLen     int
}

func (d *DirHandle) ID() uint64           { return d.id }
func (d *DirHandle) Conn() *connpool.Conn { return d.conn }
func (d *DirHandle) BackendHandle() int   { return d.bh }
func (d *DirHandle) Path() string         { return d.path }

// CachedEntries returns the NUL-separated serialized entry buffer and its
// length, when this handle was opened from cache.
func (d *DirHandle) CachedEntries() ([]byte, int) {
	return d.cachedEntries, d.cachedLen
}

// IsCached reports whether this handle was opened from cache (no backend
// connection bound).
func (d *DirHandle) IsCached() bool { return d.conn == nil }

func (d *DirHandle) Lock()   { d.mu.Lock() }
func (d *DirHandle) Unlock() { d.mu.Unlock() }

type idCounters struct {
	mu       sync.Mutex
	nextFile uint64
	nextDir  uint64
}

func (c *idCounters) file() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextFile++
	return c.nextFile
}

func (c *idCounters) dir() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextDir++
	return c.nextDir
}

// Registry is the open-handle registry. Use New to construct one.
type Registry struct {
	pool *connpool.Pool
	ids  idCounters

	filesMu sync.RWMutex
	files   map[uint64]*FileHandle

	dirsMu sync.RWMutex
	dirs   map[uint64]*DirHandle
}

// New builds a Registry bound to pool, which it uses for lock(C)/reconnect(C)
// during the open/reopen transient-error envelope.
func New(pool *connpool.Pool) *Registry {
	return &Registry{
		pool:  pool,
		files: make(map[uint64]*FileHandle),
		dirs:  make(map[uint64]*DirHandle),
	}
}

// OpenFile opens path on the backend through c and registers a new
// FileHandle. On a transient wire error, c is reconnected once and the
// open retried.
func (r *Registry) OpenFile(ctx context.Context, c *connpool.Conn, path string, flags int) (*FileHandle, error) {
	r.pool.Lock(c)
	bfd, err := c.Session().DataObjOpen(ctx, path, flags)
	r.pool.UpdateLastActTime(c, false)
	if err != nil && c.Session().IsReadMsgError(err) {
		if rErr := r.pool.Reconnect(ctx, c); rErr != nil {
			r.pool.Unlock(c)
			return nil, ferrors.TransientWire(rErr, "openFile/reconnect")
		}
		bfd, err = c.Session().DataObjOpen(ctx, path, flags)
	}
	r.pool.Unlock(c)
	if err != nil {
		return nil, ferrors.FromBackend(err, "openFile")
	}

	f := &FileHandle{
		id:              r.ids.file(),
		conn:            c,
		bfd:             bfd,
		path:            path,
		flags:           flags,
		lastFilePointer: -1,
	}

	r.filesMu.Lock()
	r.files[f.id] = f
	r.filesMu.Unlock()

	return f, nil
}

// ReopenFile closes and reopens f's backend descriptor in place, preserving
// f's id and connection binding and clearing its lastFilePointer.
func (r *Registry) ReopenFile(ctx context.Context, f *FileHandle) error {
	f.Lock()
	defer f.Unlock()

	c := f.conn
	r.pool.Lock(c)
	_ = c.Session().DataObjClose(ctx, f.bfd)

	bfd, err := c.Session().DataObjOpen(ctx, f.path, f.flags)
	r.pool.UpdateLastActTime(c, false)
	if err != nil && c.Session().IsReadMsgError(err) {
		if rErr := r.pool.Reconnect(ctx, c); rErr != nil {
			r.pool.Unlock(c)
			return ferrors.TransientWire(rErr, "reopenFile/reconnect")
		}
		bfd, err = c.Session().DataObjOpen(ctx, f.path, f.flags)
	}
	r.pool.Unlock(c)
	if err != nil {
		return ferrors.FromBackend(err, "reopenFile")
	}

	f.bfd = bfd
	f.lastFilePointer = -1
	return nil
}

// OpenDir opens a live backend collection iterator for path through c.
func (r *Registry) OpenDir(ctx context.Context, c *connpool.Conn, path string) (*DirHandle, error) {
	r.pool.Lock(c)
	bh, err := c.Session().OpenCollection(ctx, path)
	r.pool.UpdateLastActTime(c, false)
	if err != nil && c.Session().IsReadMsgError(err) {
		if rErr := r.pool.Reconnect(ctx, c); rErr != nil {
			r.pool.Unlock(c)
			return nil, ferrors.TransientWire(rErr, "openDir/reconnect")
		}
		bh, err = c.Session().OpenCollection(ctx, path)
	}
	r.pool.Unlock(c)
	if err != nil {
		return nil, ferrors.FromBackend(err, "openDir")
	}

	d := &DirHandle{id: r.ids.dir(), conn: c, bh: bh, path: path}
	r.dirsMu.Lock()
	r.dirs[d.id] = d
	r.dirsMu.Unlock()
	return d, nil
}

// OpenDirWithCache registers a DirHandle served entirely from the cached
// entry buffer, with no backend connection bound.
func (r *Registry) OpenDirWithCache(path string, entries []byte, length int) *DirHandle {
	d := &DirHandle{id: r.ids.dir(), path: path, cachedEntries: entries, cachedLen: length}
	r.dirsMu.Lock()
	r.dirs[d.id] = d
	r.dirsMu.Unlock()
	return d
}

// CloseFile removes f from the registry and closes its backend descriptor,
// with a best-effort single retry on a transient close error. It does not
// release f's connection; the FS operation layer does that since it is the
// side that originally acquired the connection.
func (r *Registry) CloseFile(ctx context.Context, f *FileHandle) error {
	r.filesMu.Lock()
	delete(r.files, f.id)
	r.filesMu.Unlock()

	c := f.conn
	r.pool.Lock(c)
	err := c.Session().DataObjClose(ctx, f.bfd)
	if err != nil && c.Session().IsReadMsgError(err) {
		if rErr := r.pool.Reconnect(ctx, c); rErr == nil {
			err = c.Session().DataObjClose(ctx, f.bfd)
		}
	}
	r.pool.Unlock(c)
	if err != nil {
		return ferrors.FromBackend(err, "closeFile")
	}
	return nil
}

// CloseDir removes d from the registry and closes its backend iterator, if
// any.
func (r *Registry) CloseDir(ctx context.Context, d *DirHandle) error {
	r.dirsMu.Lock()
	delete(r.dirs, d.id)
	r.dirsMu.Unlock()

	if d.conn == nil {
		return nil
	}

	c := d.conn
	r.pool.Lock(c)
	err := c.Session().CloseCollection(ctx, d.bh)
	if err != nil && c.Session().IsReadMsgError(err) {
		if rErr := r.pool.Reconnect(ctx, c); rErr == nil {
			err = c.Session().CloseCollection(ctx, d.bh)
		}
	}
	r.pool.Unlock(c)
	if err != nil {
		return ferrors.FromBackend(err, "closeDir")
	}
	return nil
}

// SetLastFilePointer updates f.lastFilePointer under f's lock. The fsops
// read and write paths already hold that lock and use
// SetLastFilePointerLocked instead.
func (r *Registry) SetLastFilePointer(f *FileHandle, off int64) {
	f.setLastFilePointer(off)
}
