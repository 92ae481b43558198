// Package fake provides a deterministic in-memory backend.Session used by
// every other package's tests in place of a live iRODS server. It is not a
// production wire client; it exists purely to exercise the core's pool,
// handle-registry, cache and FS-op-layer logic against known data, the way
// grailbio-base/file/loopbackfs stands in for a real filesystem in that
// repo's tests.
package fake

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cyverse/irodsfs-core/internal/backend"
)

type object struct {
	data []byte
	mode uint32
	mtime int64
	isCollection bool
}

// Backend is a shared in-memory object tree plus the open file/collection
// descriptor tables, acting as the Dialer for any number of Sessions
// against the same data — analogous to how a real backend's sessions all
// observe the same remote server state.
type Backend struct {
	mu      sync.Mutex
	objects map[string]*object

	fds     map[int]*openFile
	nextFd  int32

	colls    map[int]*openColl
	nextColl int32

	connectFailures int32 // number of times the NEXT Connect should fail

	// transientOnce marks RPC keys ("op:path") that should fail once with
	// ErrTransient, then succeed on retry.
	transientOnce map[string]bool

	sessionCounter int32
}

type openFile struct {
	path   string
	offset int64
}

type openColl struct {
	path   string
	cursor int
}

// New builds an empty Backend with just the root collection "/".
func New() *Backend {
	b := &Backend{
		objects:       map[string]*object{"/": {isCollection: true}},
		fds:           map[int]*openFile{},
		colls:         map[int]*openColl{},
		transientOnce: map[string]bool{},
	}
	return b
}

// Dial implements backend.Dialer.
func (b *Backend) Dial(ctx context.Context, opts backend.DialOptions) (backend.Session, error) {
	id := atomic.AddInt32(&b.sessionCounter, 1)
	return &session{backend: b, id: id, ticket: opts.Ticket}, nil
}

// SeedCollection creates a collection at path (and any missing ancestors)
// without going through the RPC surface, for test setup.
func (b *Backend) SeedCollection(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = &object{isCollection: true}
	for i := len(path) - 1; i > 0; i-- {
		if path[i] != '/' {
			continue
		}
		if _, ok := b.objects[path[:i]]; !ok {
			b.objects[path[:i]] = &object{isCollection: true}
		}
	}
}

// SeedObject creates a data object at path with the given contents.
func (b *Backend) SeedObject(path string, data []byte, mode uint32, mtime int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte(nil), data...)
	b.objects[path] = &object{data: cp, mode: mode, mtime: mtime}
}

// FailNextConnect makes the next n Connect calls fail.
func (b *Backend) FailNextConnect(n int) {
	atomic.StoreInt32(&b.connectFailures, int32(n))
}

// FailOnce marks (op, path) to fail with backend.ErrTransient exactly once.
func (b *Backend) FailOnce(op, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transientOnce[op+":"+path] = true
}

func (b *Backend) consumeTransient(op, path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := op + ":" + path
	if b.transientOnce[key] {
		delete(b.transientOnce, key)
		return true
	}
	return false
}

type session struct {
	backend *Backend
	id      int32
	ticket  string
}

func (s *session) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.backend.connectFailures) > 0 {
		atomic.AddInt32(&s.backend.connectFailures, -1)
		return backend.ErrTransient
	}
	return nil
}

func (s *session) Login(ctx context.Context) error { return nil }

func (s *session) SetSessionTicket(ctx context.Context, ticket string) error {
	s.ticket = ticket
	return nil
}

func (s *session) Disconnect(ctx context.Context) error { return nil }

func (s *session) ObjStat(ctx context.Context, path string) (backend.ObjectInfo, error) {
	if s.backend.consumeTransient("ObjStat", path) {
		return backend.ObjectInfo{}, backend.ErrTransient
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	o, ok := s.backend.objects[path]
	if !ok {
		return backend.ObjectInfo{}, backend.ErrNotFound
	}
	return backend.ObjectInfo{
		DataID:       dataIDFor(path),
		Size:         int64(len(o.data)),
		Mode:         o.mode,
		ModTimeUnix:  o.mtime,
		IsCollection: o.isCollection,
	}, nil
}

func dataIDFor(path string) string {
	// Deterministic pseudo data-id derived from the path, large enough to
	// look like a real catalog id, stable across calls for the same path.
	h := uint64(14695981039346656037)
	for i := 0; i < len(path); i++ {
		h ^= uint64(path[i])
		h *= 1099511628211
	}
	return strconv.FormatUint(h%1_000_000_000, 10)
}

func (s *session) DataObjOpen(ctx context.Context, path string, flags int) (int, error) {
	if s.backend.consumeTransient("DataObjOpen", path) {
		return 0, backend.ErrTransient
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	o, ok := s.backend.objects[path]
	if !ok || o.isCollection {
		return 0, backend.ErrNotFound
	}
	fd := int(atomic.AddInt32(&s.backend.nextFd, 1))
	s.backend.fds[fd] = &openFile{path: path}
	return fd, nil
}

func (s *session) DataObjClose(ctx context.Context, fd int) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	delete(s.backend.fds, fd)
	return nil
}

func (s *session) DataObjRead(ctx context.Context, fd int, buf []byte) (int, error) {
	if s.backend.consumeTransient("DataObjRead", strconv.Itoa(fd)) {
		return 0, backend.ErrTransient
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	f, ok := s.backend.fds[fd]
	if !ok {
		return 0, backend.ErrNotFound
	}
	o := s.backend.objects[f.path]
	if f.offset >= int64(len(o.data)) {
		return 0, nil
	}
	n := copy(buf, o.data[f.offset:])
	f.offset += int64(n)
	return n, nil
}

func (s *session) DataObjWrite(ctx context.Context, fd int, data []byte) (int, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	f, ok := s.backend.fds[fd]
	if !ok {
		return 0, backend.ErrNotFound
	}
	o := s.backend.objects[f.path]
	end := f.offset + int64(len(data))
	if end > int64(len(o.data)) {
		grown := make([]byte, end)
		copy(grown, o.data)
		o.data = grown
	}
	copy(o.data[f.offset:end], data)
	f.offset = end
	return len(data), nil
}

func (s *session) DataObjLseek(ctx context.Context, fd int, offset int64) (int64, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	f, ok := s.backend.fds[fd]
	if !ok {
		return 0, backend.ErrNotFound
	}
	f.offset = offset
	return offset, nil
}

func (s *session) DataObjCreate(ctx context.Context, path string, mode uint32) (int, error) {
	s.backend.mu.Lock()
	if _, exists := s.backend.objects[path]; !exists {
		s.backend.objects[path] = &object{mode: mode}
	}
	fd := int(atomic.AddInt32(&s.backend.nextFd, 1))
	s.backend.fds[fd] = &openFile{path: path}
	s.backend.mu.Unlock()
	return fd, nil
}

func (s *session) DataObjUnlink(ctx context.Context, path string) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if _, ok := s.backend.objects[path]; !ok {
		return backend.ErrNotFound
	}
	delete(s.backend.objects, path)
	return nil
}

func (s *session) DataObjTruncate(ctx context.Context, path string, size int64) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	o, ok := s.backend.objects[path]
	if !ok {
		return backend.ErrNotFound
	}
	if size <= int64(len(o.data)) {
		o.data = o.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, o.data)
		o.data = grown
	}
	return nil
}

func (s *session) DataObjRename(ctx context.Context, from, to string) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	o, ok := s.backend.objects[from]
	if !ok {
		return backend.ErrNotFound
	}
	delete(s.backend.objects, from)
	s.backend.objects[to] = o
	return nil
}

func (s *session) CollCreate(ctx context.Context, path string) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if _, exists := s.backend.objects[path]; exists {
		return nil
	}
	s.backend.objects[path] = &object{isCollection: true}
	return nil
}

func (s *session) RmColl(ctx context.Context, path string) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	o, ok := s.backend.objects[path]
	if !ok || !o.isCollection {
		return backend.ErrNotFound
	}
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	for p := range s.backend.objects {
		if p != path && len(p) > len(prefix) && p[:len(prefix)] == prefix {
			return backend.ErrNotEmpty
		}
	}
	delete(s.backend.objects, path)
	return nil
}

func (s *session) OpenCollection(ctx context.Context, path string) (int, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	o, ok := s.backend.objects[path]
	if !ok || !o.isCollection {
		return 0, backend.ErrNotFound
	}
	h := int(atomic.AddInt32(&s.backend.nextColl, 1))
	s.backend.colls[h] = &openColl{path: path}
	return h, nil
}

func (s *session) ReadCollection(ctx context.Context, handle int) ([]backend.Entry, bool, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	c, ok := s.backend.colls[handle]
	if !ok {
		return nil, true, backend.ErrNotFound
	}

	names := s.childNamesLocked(c.path)
	if c.cursor >= len(names) {
		return nil, true, nil
	}
	name := names[c.cursor]
	c.cursor++

	child := joinPath(c.path, name)
	o := s.backend.objects[child]
	entry := backend.Entry{
		Name: name,
		Info: backend.ObjectInfo{
			DataID:       dataIDFor(child),
			Size:         int64(len(o.data)),
			Mode:         o.mode,
			ModTimeUnix:  o.mtime,
			IsCollection: o.isCollection,
		},
	}
	return []backend.Entry{entry}, c.cursor >= len(names), nil
}

func (s *session) childNamesLocked(dir string) []string {
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}
	var names []string
	for p := range s.backend.objects {
		if p == dir || len(p) <= len(prefix) || p[:len(prefix)] != prefix {
			continue
		}
		rest := p[len(prefix):]
		if !contains(rest, '/') {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names
}

func contains(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func (s *session) CloseCollection(ctx context.Context, handle int) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	delete(s.backend.colls, handle)
	return nil
}

func (s *session) ModDataObjMeta(ctx context.Context, path string, mode uint32) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	o, ok := s.backend.objects[path]
	if !ok {
		return backend.ErrNotFound
	}
	o.mode = mode
	return nil
}

func (s *session) IsReadMsgError(err error) bool {
	return err == backend.ErrTransient
}

// NewTicket synthesizes an opaque ticket identifier, for exercising
// SetSessionTicket without a real ticket-issuing service.
func NewTicket() string {
	return uuid.NewString()
}
