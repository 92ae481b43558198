// Package backend defines the external collaborator interface consumed by
// the core: a long-lived authenticated session to the remote object store
// and the RPCs the connection pool, handle registry, and FS operation layer
// drive through it. Nothing about the backend's wire protocol is specified
// beyond what this interface exposes.
package backend

import "context"

// ObjectInfo is the subset of backend object/collection metadata the core
// needs to populate a posixstat.Stat.
type ObjectInfo struct {
	DataID    string // backend's numeric data-id, as a string
	Size      int64
	Mode      uint32
	ModTimeUnix int64
	IsCollection bool
}

// Entry is one child of a listed collection.
type Entry struct {
	Name string
	Info ObjectInfo
}

// DialOptions carries the backend session parameters: ticket and workdir,
// plus the connection target needed to actually open a session.
// Host/port/zone/user are read by the external driver (outside the core's
// tested contract) from environment or an irods environment file; the core
// only ever forwards them opaquely to Dial.
type DialOptions struct {
	Host    string
	Port    int
	Zone    string
	User    string
	Ticket  string
	Workdir string

	APITimeoutSec int
}

// Dialer creates new backend sessions. The connection pool is the only
// caller.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Session, error)
}

// Session is one authenticated channel to the backend. A Session is not
// safe for concurrent use; callers serialize access to it via the
// connection pool's per-connection lock.
type Session interface {
	// Connect establishes the transport-level connection.
	Connect(ctx context.Context) error
	// Login authenticates the already-connected transport.
	Login(ctx context.Context) error
	// SetSessionTicket applies a ticket to the session, if non-empty.
	SetSessionTicket(ctx context.Context, ticket string) error
	// Disconnect tears down the transport. A Session may be Connect-ed
	// again afterward (used by reconnect).
	Disconnect(ctx context.Context) error

	ObjStat(ctx context.Context, path string) (ObjectInfo, error)

	DataObjOpen(ctx context.Context, path string, flags int) (fd int, err error)
	DataObjClose(ctx context.Context, fd int) error
	DataObjRead(ctx context.Context, fd int, buf []byte) (n int, err error)
	DataObjWrite(ctx context.Context, fd int, data []byte) (n int, err error)
	DataObjLseek(ctx context.Context, fd int, offset int64) (newOffset int64, err error)
	DataObjCreate(ctx context.Context, path string, mode uint32) (fd int, err error)
	DataObjUnlink(ctx context.Context, path string) error
	DataObjTruncate(ctx context.Context, path string, size int64) error
	DataObjRename(ctx context.Context, from, to string) error

	CollCreate(ctx context.Context, path string) error
	RmColl(ctx context.Context, path string) error
	OpenCollection(ctx context.Context, path string) (handle int, err error)
	ReadCollection(ctx context.Context, handle int) (entries []Entry, eof bool, err error)
	CloseCollection(ctx context.Context, handle int) error

	ModDataObjMeta(ctx context.Context, path string, mode uint32) error

	// IsReadMsgError reports whether err is a transient wire error eligible
	// for the pool's reconnect-and-retry policy.
	IsReadMsgError(err error) bool
}
