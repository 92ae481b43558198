package ferrors

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToErrnoMapping(t *testing.T) {
	assert.Equal(t, 0, ToErrno(nil))
	assert.Equal(t, -int(syscall.ENOENT), ToErrno(NotFound("/x")))
	assert.Equal(t, -int(syscall.ENOTEMPTY), ToErrno(NotEmpty("/d")))
	assert.Equal(t, -int(syscall.EIO), ToErrno(AcquireFailure(nil)))
	assert.Equal(t, -int(syscall.ENOBUFS), ToErrno(BufferTooSmall()))
	assert.Equal(t, -int(syscall.EPERM), ToErrno(BackendErrno(syscall.EPERM)))
}

func TestToErrnoUnknownDefaultsToEIO(t *testing.T) {
	assert.Equal(t, -int(syscall.EIO), ToErrno(assert.AnError))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(NotFound("/x")))
	assert.Equal(t, KindNone, KindOf(nil))
}
