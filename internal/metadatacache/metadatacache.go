// Package metadatacache implements the metadata cache: a path -> stat map
// and a directory-path -> entry-list map, each under its own lock, with
// TTL-based expiration.
package metadatacache

import (
	"bytes"
	"sync"
	"time"

	"github.com/cyverse/irodsfs-core/internal/pathutil"
	"github.com/cyverse/irodsfs-core/internal/posixstat"
)

type statEntry struct {
	stat      posixstat.Stat
	timestamp time.Time
}

type dirEntry struct {
	names     []string
	timestamp time.Time
}

// Cache is the metadata cache. The zero value is not usable; use New.
type Cache struct {
	ttl time.Duration

	statMu sync.Mutex
	stat   map[string]*statEntry

	dirMu          sync.Mutex
	dir            map[string]*dirEntry
	lastStatSweep  time.Time
	lastDirSweep   time.Time
}

// New builds a Cache with the given entry TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:  ttl,
		stat: make(map[string]*statEntry),
		dir:  make(map[string]*dirEntry),
	}
}

// PutStat replaces any prior stat entry at p with s, stamped with now.
func (c *Cache) PutStat(p string, s posixstat.Stat) {
	c.statMu.Lock()
	defer c.statMu.Unlock()
	c.stat[p] = &statEntry{stat: s, timestamp: pathutil.Now()}
}

// PutStat2 is PutStat(join(dir,name), s).
func (c *Cache) PutStat2(dir, name string, s posixstat.Stat) {
	c.PutStat(pathutil.Join(dir, name), s)
}

// GetStat returns (stat, true) on a fresh hit; an expired entry is removed
// and (zero, false) is returned, same as a plain miss.
func (c *Cache) GetStat(p string) (posixstat.Stat, bool) {
	c.statMu.Lock()
	defer c.statMu.Unlock()

	e, ok := c.stat[p]
	if !ok {
		return posixstat.Stat{}, false
	}
	if pathutil.SecondsSince(e.timestamp) > int64(c.ttl.Seconds()) {
		delete(c.stat, p)
		return posixstat.Stat{}, false
	}
	return e.stat, true
}

// RemoveStat removes any stat entry at p. Idempotent: a miss is a no-op.
func (c *Cache) RemoveStat(p string) {
	c.statMu.Lock()
	defer c.statMu.Unlock()
	delete(c.stat, p)
}

// ClearExpiredStat sweeps the stat map for expired entries. Unless force is
// set, the sweep is skipped if less than ttl/2 has elapsed since the last
// sweep.
func (c *Cache) ClearExpiredStat(force bool) {
	c.statMu.Lock()
	defer c.statMu.Unlock()

	if !force && pathutil.SecondsSince(c.lastStatSweep) < int64(c.ttl.Seconds())/2 {
		return
	}
	c.lastStatSweep = pathutil.Now()

	ttlSec := int64(c.ttl.Seconds())
	for p, e := range c.stat {
		if pathutil.SecondsSince(e.timestamp) > ttlSec {
			delete(c.stat, p)
		}
	}
}

// AddDirEntry ensures a (possibly empty) dir-entry list exists at p and
// appends name to it. Duplicates are not suppressed.
func (c *Cache) AddDirEntry(p, name string) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()
	c.addDirEntryLocked(p, name)
}

func (c *Cache) addDirEntryLocked(p, name string) {
	e, ok := c.dir[p]
	if !ok {
		e = &dirEntry{timestamp: pathutil.Now()}
		c.dir[p] = e
	}
	e.names = append(e.names, name)
}

// AddDirEntryIfFresh is a no-op unless a non-expired dir entry already
// exists for p.
func (c *Cache) AddDirEntryIfFresh(p, name string) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	e, ok := c.dir[p]
	if !ok || pathutil.SecondsSince(e.timestamp) > int64(c.ttl.Seconds()) {
		return
	}
	e.names = append(e.names, name)
}

// AddDirEntryIfFresh2 splits fullPath into (dir, name) and calls
// AddDirEntryIfFresh.
func (c *Cache) AddDirEntryIfFresh2(fullPath string) {
	dir, name := pathutil.Split(fullPath)
	c.AddDirEntryIfFresh(dir, name)
}

// GetDirEntry returns the fresh entry list at p, serialized as
// NUL-terminated names: the returned length includes the trailing NUL of
// the last name, and an empty list serializes to a single NUL byte. The
// second return is false on a miss or expiry, in which case the byte slice
// is nil.
func (c *Cache) GetDirEntry(p string) ([]byte, int, bool) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	e, ok := c.dir[p]
	if !ok || pathutil.SecondsSince(e.timestamp) > int64(c.ttl.Seconds()) {
		return nil, 0, false
	}

	var buf bytes.Buffer
	if len(e.names) == 0 {
		buf.WriteByte(0)
	} else {
		for _, n := range e.names {
			buf.WriteString(n)
			buf.WriteByte(0)
		}
	}
	b := buf.Bytes()
	return b, len(b), true
}

// CheckExistenceOfDirEntry reports whether a fresh entry exists for
// dirname(p) that contains basename(p) among its children.
func (c *Cache) CheckExistenceOfDirEntry(p string) bool {
	dir, name := pathutil.Split(p)

	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	e, ok := c.dir[dir]
	if !ok || pathutil.SecondsSince(e.timestamp) > int64(c.ttl.Seconds()) {
		return false
	}
	for _, n := range e.names {
		if n == name {
			return true
		}
	}
	return false
}

// DirFresh reports whether a non-expired dir entry exists for p, without
// regard to its contents. Used by getattr to distinguish "no cached
// listing, go ask the backend" from "cached listing exists and doesn't
// mention this name".
func (c *Cache) DirFresh(p string) bool {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	e, ok := c.dir[p]
	if !ok {
		return false
	}
	return pathutil.SecondsSince(e.timestamp) <= int64(c.ttl.Seconds())
}

// DropDirIfExpired removes p's dir entry if it has expired, and is a no-op
// otherwise. Used by readdir to clear a stale cache before a live listing,
// without disturbing a still-fresh one.
func (c *Cache) DropDirIfExpired(p string) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	e, ok := c.dir[p]
	if !ok {
		return
	}
	if pathutil.SecondsSince(e.timestamp) > int64(c.ttl.Seconds()) {
		delete(c.dir, p)
	}
}

// RemoveDir drops the entire dir-entry list for p. Idempotent.
func (c *Cache) RemoveDir(p string) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()
	delete(c.dir, p)
}

// RemoveDirEntry removes name from p's entry list if present. It is
// idempotent and always succeeds, including on a vacuous removal: evicting
// an entry that is already gone from the cache is not a caller-visible
// failure.
func (c *Cache) RemoveDirEntry(p, name string) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	e, ok := c.dir[p]
	if !ok {
		return
	}
	for i, n := range e.names {
		if n == name {
			e.names = append(e.names[:i], e.names[i+1:]...)
			return
		}
	}
}

// RemoveDirEntry2 splits fullPath into (dir, name) and calls
// RemoveDirEntry.
func (c *Cache) RemoveDirEntry2(fullPath string) {
	dir, name := pathutil.Split(fullPath)
	c.RemoveDirEntry(dir, name)
}

// ClearExpiredDir sweeps the dir map for expired entries, with the same
// force/half-TTL throttle as ClearExpiredStat.
func (c *Cache) ClearExpiredDir(force bool) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	if !force && pathutil.SecondsSince(c.lastDirSweep) < int64(c.ttl.Seconds())/2 {
		return
	}
	c.lastDirSweep = pathutil.Now()

	ttlSec := int64(c.ttl.Seconds())
	for p, e := range c.dir {
		if pathutil.SecondsSince(e.timestamp) > ttlSec {
			delete(c.dir, p)
		}
	}
}

// Clear drops every stat and dir entry. Each map is cleared under its own
// lock; the two locks are never held simultaneously.
func (c *Cache) Clear() {
	c.statMu.Lock()
	c.stat = make(map[string]*statEntry)
	c.statMu.Unlock()

	c.dirMu.Lock()
	c.dir = make(map[string]*dirEntry)
	c.dirMu.Unlock()
}
