package filesystem

import (
	"errors"
	"syscall"
)

// Namespace errors. Operations wrap these with context; match with errors.Is.
var (
	ErrOutOfResources        = errors.New("out of resources")
	ErrNoSpace               = errors.New("no space left")
	ErrAlreadyExists         = errors.New("already exists")
	ErrNotFound              = errors.New("not found")
	ErrDirectoryNotEmpty     = errors.New("directory not empty")
	ErrInvalidKindForReplace = errors.New("cannot replace node of a different kind")
	ErrInvalidOperation      = errors.New("invalid operation")
	ErrBusy                  = errors.New("busy")
	ErrNotDirectory          = errors.New("not a directory")
	ErrIsDirectory           = errors.New("is a directory")
	ErrNameTooLong           = errors.New("name too long")
	ErrReadOnly              = errors.New("read-only filesystem")
	ErrFileTooLarge          = errors.New("file too large")
	ErrOutOfRange            = errors.New("offset out of range")
	ErrUnmounted             = errors.New("filesystem unmounted")
)

var errnos = []struct {
	err   error
	errno syscall.Errno
}{
	{ErrNotFound, syscall.ENOENT},
	{ErrAlreadyExists, syscall.EEXIST},
	{ErrDirectoryNotEmpty, syscall.ENOTEMPTY},
	{ErrNotDirectory, syscall.ENOTDIR},
	{ErrIsDirectory, syscall.EISDIR},
	// rename(2) reports a kind mismatch from the point of view of the target
	{ErrInvalidKindForReplace, syscall.ENOTDIR},
	{ErrNameTooLong, syscall.ENAMETOOLONG},
	{ErrReadOnly, syscall.EROFS},
	{ErrFileTooLarge, syscall.EFBIG},
	{ErrOutOfRange, syscall.ENXIO},
	{ErrBusy, syscall.EBUSY},
	{ErrNoSpace, syscall.ENOSPC},
	{ErrOutOfResources, syscall.ENOMEM},
	{ErrInvalidOperation, syscall.EINVAL},
	{ErrUnmounted, syscall.EIO},
}

// ToErrno maps err to the errno a system call would report.
// Unknown errors map to EIO; nil maps to 0.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return syscall.EIO
}
