package hostfs

import (
	"context"
	stderrors "errors"
	"syscall"

	"github.com/objectfs/b2fs/pkg/errors"
)

// Errno maps a core error onto the errno a host binding reports to the OS.
// A nil error maps to 0.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if stderrors.Is(err, context.Canceled) {
		return syscall.EINTR
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return syscall.ENOENT
	case errors.ErrCodeExists:
		return syscall.EEXIST
	case errors.ErrCodeNotDirectory:
		return syscall.ENOTDIR
	case errors.ErrCodeIsDirectory:
		return syscall.EISDIR
	case errors.ErrCodeNotEmpty:
		return syscall.ENOTEMPTY
	case errors.ErrCodeForbidden, errors.ErrCodeAuthenticationFailed, errors.ErrCodeAuthExpired:
		return syscall.EACCES
	case errors.ErrCodeInvalidRequest, errors.ErrCodeRangeNotSatisfiable:
		return syscall.EINVAL
	case errors.ErrCodeUnsupported:
		return syscall.ENOTSUP
	case errors.ErrCodeInvalidHandle:
		return syscall.EBADF
	case errors.ErrCodeTimeout:
		return syscall.ETIMEDOUT
	case errors.ErrCodeRateLimited:
		return syscall.EAGAIN
	case errors.ErrCodeStagingDirty:
		return syscall.EBUSY
	default:
		return syscall.EIO
	}
}
