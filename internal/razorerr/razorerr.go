// Package razorerr defines the RAZORFS core error taxonomy and its mapping
// to host filesystem error codes.
package razorerr

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Sentinel errors returned by core operations. Callers compare with
// errors.Is; wrapped errors (via fmt.Errorf("...: %w", err)) preserve the
// chain.
var (
	ErrNotFound         = errors.New("razorfs: not found")
	ErrAlreadyExists    = errors.New("razorfs: already exists")
	ErrNotADirectory    = errors.New("razorfs: not a directory")
	ErrIsADirectory     = errors.New("razorfs: is a directory")
	ErrNotEmpty         = errors.New("razorfs: directory not empty")
	ErrTooManyLinks     = errors.New("razorfs: too many links")
	ErrNoSpace          = errors.New("razorfs: no space left")
	ErrInvalidArgument  = errors.New("razorfs: invalid argument")
	ErrIO               = errors.New("razorfs: io error")
	ErrCorruption       = errors.New("razorfs: corruption detected")
	ErrPermissionDenied = errors.New("razorfs: permission denied")
	ErrNotImplemented   = errors.New("razorfs: not implemented")
)

// Errno maps a core error to the host errno the adapter layer should
// surface. Errors not part of the taxonomy map to EIO, since an
// unrecognized failure is safest treated as an I/O error rather than
// silently succeeding.
func Errno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return unix.ENOENT
	case errors.Is(err, ErrAlreadyExists):
		return unix.EEXIST
	case errors.Is(err, ErrNotADirectory):
		return unix.ENOTDIR
	case errors.Is(err, ErrIsADirectory):
		return unix.EISDIR
	case errors.Is(err, ErrNotEmpty):
		return unix.ENOTEMPTY
	case errors.Is(err, ErrTooManyLinks):
		return unix.EMLINK
	case errors.Is(err, ErrNoSpace):
		return unix.ENOSPC
	case errors.Is(err, ErrInvalidArgument):
		return unix.EINVAL
	case errors.Is(err, ErrCorruption):
		return unix.EIO
	case errors.Is(err, ErrIO):
		return unix.EIO
	case errors.Is(err, ErrPermissionDenied):
		return unix.EACCES
	case errors.Is(err, ErrNotImplemented):
		return unix.ENOSYS
	default:
		return unix.EIO
	}
}
