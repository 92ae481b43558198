// Package ferrors models the internal error taxonomy and the boundary that
// translates it to a negative POSIX errno at the go-fuse boundary.
package ferrors

import (
	"syscall"

	"github.com/pkg/errors"

	"github.com/cyverse/irodsfs-core/internal/backend"
)

// Kind enumerates the internal error kinds.
type Kind int

const (
	// KindNone indicates success; zero value so an unset Kind is not an error.
	KindNone Kind = iota
	// KindTransientWire is an RPC failure identified as recoverable by
	// reconnecting (backend.Session.IsReadMsgError).
	KindTransientWire
	// KindNotFound is a backend report that the object does not exist.
	KindNotFound
	// KindNotEmpty is a collection-removal failure because it has children.
	KindNotEmpty
	// KindAcquireFailure is a pool that could not produce a usable
	// connection after one retry.
	KindAcquireFailure
	// KindBufferTooSmall is a path-helper signal of insufficient output
	// buffer space.
	KindBufferTooSmall
	// KindBackendErrno carries a POSIX errno encoded in an RPC status.
	KindBackendErrno
	// KindFatal is an authentication failure or malformed configuration
	// that should abort startup.
	KindFatal
	// KindInvalidArgument is a malformed request the FS operation layer
	// itself rejects, such as an unrecognized ioctl command.
	KindInvalidArgument
)

// Error is the wrapped form of a Kind, optionally carrying a raw backend
// status and a cause chain via github.com/pkg/errors.
type Error struct {
	Kind   Kind
	Status int
	Errno  syscall.Errno
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.Kind.String()
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// String names a Kind for logging.
func (k Kind) String() string {
	switch k {
	case KindTransientWire:
		return "transient-wire"
	case KindNotFound:
		return "not-found"
	case KindNotEmpty:
		return "not-empty"
	case KindAcquireFailure:
		return "acquire-failure"
	case KindBufferTooSmall:
		return "buffer-too-small"
	case KindBackendErrno:
		return "backend-errno"
	case KindFatal:
		return "fatal"
	case KindInvalidArgument:
		return "invalid-argument"
	default:
		return "none"
	}
}

// New wraps cause (which may be nil) as an Error of the given Kind.
func New(kind Kind, cause error, format string, args ...interface{}) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrapf(cause, format, args...)
	} else {
		wrapped = errors.Errorf(format, args...)
	}
	return &Error{Kind: kind, cause: wrapped}
}

// NotFound builds a KindNotFound error.
func NotFound(path string) *Error {
	return New(KindNotFound, nil, "not found: %s", path)
}

// NotEmpty builds a KindNotEmpty error.
func NotEmpty(path string) *Error {
	return New(KindNotEmpty, nil, "not empty: %s", path)
}

// TransientWire builds a KindTransientWire error.
func TransientWire(cause error, op string) *Error {
	return New(KindTransientWire, cause, "transient wire error during %s", op)
}

// AcquireFailure builds a KindAcquireFailure error.
func AcquireFailure(cause error) *Error {
	return New(KindAcquireFailure, cause, "connection pool could not acquire a usable connection")
}

// BufferTooSmall builds a KindBufferTooSmall error.
func BufferTooSmall() *Error {
	return New(KindBufferTooSmall, nil, "output buffer too small")
}

// BackendErrno wraps a raw POSIX errno returned by the backend.
func BackendErrno(errno syscall.Errno) *Error {
	e := New(KindBackendErrno, nil, "backend returned errno %d", int(errno))
	e.Errno = errno
	return e
}

// Fatal builds a KindFatal error for startup abort.
func Fatal(cause error, format string, args ...interface{}) *Error {
	return New(KindFatal, cause, format, args...)
}

// InvalidArgument builds a KindInvalidArgument error.
func InvalidArgument(format string, args ...interface{}) *Error {
	return New(KindInvalidArgument, nil, format, args...)
}

// FromBackend classifies a raw error returned by a backend.Session RPC into
// the taxonomy above. It is the one place callers should reach for when
// translating a backend sentinel error; anything unrecognized becomes
// KindBackendErrno wrapping EIO.
func FromBackend(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backend.ErrNotFound):
		return NotFound(op)
	case errors.Is(err, backend.ErrNotEmpty):
		return NotEmpty(op)
	default:
		return New(KindBackendErrno, err, "%s failed", op)
	}
}

// ToErrno maps err to the negative POSIX errno the FS op layer should
// return to the kernel upcall. A nil err maps to 0.
func ToErrno(err error) int {
	if err == nil {
		return 0
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return -int(syscall.EIO)
	}
	switch fe.Kind {
	case KindNotFound, KindTransientWire:
		return -int(syscall.ENOENT)
	case KindNotEmpty:
		return -int(syscall.ENOTEMPTY)
	case KindAcquireFailure:
		return -int(syscall.EIO)
	case KindBufferTooSmall:
		return -int(syscall.ENOBUFS)
	case KindInvalidArgument:
		return -int(syscall.EINVAL)
	case KindBackendErrno:
		if fe.Errno != 0 {
			return -int(fe.Errno)
		}
		return -int(syscall.EIO)
	default:
		return -int(syscall.EIO)
	}
}

// KindOf extracts the Kind of err, or KindNone if err is nil or not an
// *Error.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNone
}
