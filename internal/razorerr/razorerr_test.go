package razorerr

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestErrnoMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want unix.Errno
	}{
		{"nil", nil, 0},
		{"not found", ErrNotFound, unix.ENOENT},
		{"wrapped not found", fmt.Errorf("lookup %q: %w", "/a", ErrNotFound), unix.ENOENT},
		{"already exists", ErrAlreadyExists, unix.EEXIST},
		{"not a directory", ErrNotADirectory, unix.ENOTDIR},
		{"is a directory", ErrIsADirectory, unix.EISDIR},
		{"not empty", ErrNotEmpty, unix.ENOTEMPTY},
		{"too many links", ErrTooManyLinks, unix.EMLINK},
		{"no space", ErrNoSpace, unix.ENOSPC},
		{"invalid argument", ErrInvalidArgument, unix.EINVAL},
		{"corruption", ErrCorruption, unix.EIO},
		{"io error", ErrIO, unix.EIO},
		{"permission denied", ErrPermissionDenied, unix.EACCES},
		{"not implemented", ErrNotImplemented, unix.ENOSYS},
		{"unknown", fmt.Errorf("boom"), unix.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Errno(tt.err); got != tt.want {
				t.Errorf("Errno(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
