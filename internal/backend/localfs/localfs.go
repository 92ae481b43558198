// Package localfs implements backend.Dialer/backend.Session against a local
// directory tree: open/seek/read/write/lstat/mkdir/remove/rename calls
// routed through the backend.Session surface instead of directly backing
// FUSE callbacks. The real wire protocol to a remote object store is an
// external collaborator outside this repo's scope; this package is the
// reference Session a deployment without one can run against, and the
// concrete seam cmd/irodsfs wires by default.
package localfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/cyverse/irodsfs-core/internal/backend"
)

// Dialer serves Root as the backend object tree.
type Dialer struct {
	Root string
}

// Dial implements backend.Dialer.
func (d Dialer) Dial(ctx context.Context, opts backend.DialOptions) (backend.Session, error) {
	root := d.Root
	if root == "" {
		root = "/"
	}
	return &session{
		root:  root,
		fds:   map[int]*os.File{},
		colls: map[int]*dirHandle{},
	}, nil
}

type dirHandle struct {
	path    string
	entries []string
}

type session struct {
	root string

	mu       sync.Mutex
	fds      map[int]*os.File
	nextFd   int32
	colls    map[int]*dirHandle
	nextColl int32

	ticket string
}

func (s *session) local(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

func (s *session) Connect(ctx context.Context) error { return nil }

func (s *session) Login(ctx context.Context) error { return nil }

func (s *session) SetSessionTicket(ctx context.Context, ticket string) error {
	s.ticket = ticket
	return nil
}

func (s *session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fd, f := range s.fds {
		f.Close()
		delete(s.fds, fd)
	}
	return nil
}

// translateErr maps an os/syscall error to the sentinel taxonomy
// internal/ferrors.FromBackend recognizes; anything else is returned as-is
// and becomes a generic KindBackendErrno at that boundary.
func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return backend.ErrNotFound
	case isNotEmpty(err):
		return backend.ErrNotEmpty
	default:
		return err
	}
}

func isNotEmpty(err error) bool {
	var errno unix.Errno
	return errors.As(err, &errno) && errno == unix.ENOTEMPTY
}

func (s *session) ObjStat(ctx context.Context, path string) (backend.ObjectInfo, error) {
	fi, err := os.Lstat(s.local(path))
	if err != nil {
		return backend.ObjectInfo{}, translateErr(err)
	}
	var ino uint64
	if st, ok := fi.Sys().(*unix.Stat_t); ok {
		ino = st.Ino
	}
	return backend.ObjectInfo{
		DataID:       strconv.FormatUint(ino, 10),
		Size:         fi.Size(),
		Mode:         uint32(fi.Mode().Perm()),
		ModTimeUnix:  fi.ModTime().Unix(),
		IsCollection: fi.IsDir(),
	}, nil
}

func (s *session) track(f *os.File) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd := int(atomic.AddInt32(&s.nextFd, 1))
	s.fds[fd] = f
	return fd
}

func (s *session) fileFor(fd int) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fds[fd]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return f, nil
}

func (s *session) DataObjOpen(ctx context.Context, path string, flags int) (int, error) {
	f, err := os.OpenFile(s.local(path), flags, 0644)
	if err != nil {
		return 0, translateErr(err)
	}
	return s.track(f), nil
}

func (s *session) DataObjClose(ctx context.Context, fd int) error {
	s.mu.Lock()
	f, ok := s.fds[fd]
	delete(s.fds, fd)
	s.mu.Unlock()
	if !ok {
		return backend.ErrNotFound
	}
	return f.Close()
}

func (s *session) DataObjRead(ctx context.Context, fd int, buf []byte) (int, error) {
	f, err := s.fileFor(fd)
	if err != nil {
		return 0, err
	}
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return n, translateErr(err)
	}
	return n, nil
}

func (s *session) DataObjWrite(ctx context.Context, fd int, data []byte) (int, error) {
	f, err := s.fileFor(fd)
	if err != nil {
		return 0, err
	}
	n, err := f.Write(data)
	if err != nil {
		return n, translateErr(err)
	}
	return n, nil
}

func (s *session) DataObjLseek(ctx context.Context, fd int, offset int64) (int64, error) {
	f, err := s.fileFor(fd)
	if err != nil {
		return 0, err
	}
	n, err := f.Seek(offset, io.SeekStart)
	if err != nil {
		return 0, translateErr(err)
	}
	return n, nil
}

func (s *session) DataObjCreate(ctx context.Context, path string, mode uint32) (int, error) {
	f, err := os.OpenFile(s.local(path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(mode))
	if err != nil {
		return 0, translateErr(err)
	}
	return s.track(f), nil
}

func (s *session) DataObjUnlink(ctx context.Context, path string) error {
	return translateErr(os.Remove(s.local(path)))
}

func (s *session) DataObjTruncate(ctx context.Context, path string, size int64) error {
	return translateErr(os.Truncate(s.local(path), size))
}

func (s *session) DataObjRename(ctx context.Context, from, to string) error {
	return translateErr(os.Rename(s.local(from), s.local(to)))
}

func (s *session) CollCreate(ctx context.Context, path string) error {
	err := os.Mkdir(s.local(path), 0755)
	if os.IsExist(err) {
		return nil
	}
	return translateErr(err)
}

func (s *session) RmColl(ctx context.Context, path string) error {
	return translateErr(os.Remove(s.local(path)))
}

func (s *session) OpenCollection(ctx context.Context, path string) (int, error) {
	entries, err := os.ReadDir(s.local(path))
	if err != nil {
		return 0, translateErr(err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()
	h := int(atomic.AddInt32(&s.nextColl, 1))
	s.colls[h] = &dirHandle{path: path, entries: names}
	return h, nil
}

func (s *session) ReadCollection(ctx context.Context, handle int) ([]backend.Entry, bool, error) {
	s.mu.Lock()
	d, ok := s.colls[handle]
	s.mu.Unlock()
	if !ok {
		return nil, true, backend.ErrNotFound
	}
	if len(d.entries) == 0 {
		return nil, true, nil
	}

	name := d.entries[0]
	s.mu.Lock()
	d.entries = d.entries[1:]
	eof := len(d.entries) == 0
	s.mu.Unlock()

	fi, err := os.Lstat(filepath.Join(s.local(d.path), name))
	if err != nil {
		return nil, eof, translateErr(err)
	}
	var ino uint64
	if st, ok := fi.Sys().(*unix.Stat_t); ok {
		ino = st.Ino
	}
	childPath := d.path
	if childPath != "/" {
		childPath += "/"
	}
	childPath += name

	entry := backend.Entry{
		Name: name,
		Info: backend.ObjectInfo{
			DataID:       strconv.FormatUint(ino, 10),
			Size:         fi.Size(),
			Mode:         uint32(fi.Mode().Perm()),
			ModTimeUnix:  fi.ModTime().Unix(),
			IsCollection: fi.IsDir(),
		},
	}
	return []backend.Entry{entry}, eof, nil
}

func (s *session) CloseCollection(ctx context.Context, handle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.colls, handle)
	return nil
}

func (s *session) ModDataObjMeta(ctx context.Context, path string, mode uint32) error {
	return translateErr(os.Chmod(s.local(path), fs.FileMode(mode)))
}

// IsReadMsgError always reports false: a local filesystem has no wire-level
// transient failures for the pool's reconnect-and-retry policy to recover
// from.
func (s *session) IsReadMsgError(err error) bool { return false }
