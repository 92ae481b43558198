package backend

import "errors"

// Sentinel errors a Session implementation returns so the FS operation
// layer (internal/fsops) can classify them without depending on a concrete
// backend implementation.
var (
	// ErrNotFound is returned when the referenced path does not exist.
	ErrNotFound = errors.New("backend: not found")
	// ErrNotEmpty is returned by RmColl when the collection has children.
	ErrNotEmpty = errors.New("backend: collection not empty")
	// ErrTransient is returned for a simulated transient wire failure; a
	// real Session instead returns whatever status IsReadMsgError
	// recognizes, this sentinel only exists for the in-tree fake.
	ErrTransient = errors.New("backend: transient wire error")
	// ErrAuthFailed is returned by Login on bad credentials; the core
	// treats this as ferrors.KindFatal and does not retry it.
	ErrAuthFailed = errors.New("backend: authentication failed")
)
