package pty

import (
	"errors"
	"fmt"
	"syscall"
)

// Allocation errors. Fatal to session construction.
var (
	ErrAllocationFailed     = errors.New("pty allocation failed")
	ErrPermissionFailed     = errors.New("pty grant failed")
	ErrUnlockFailed         = errors.New("pty unlock failed")
	ErrHandleCreationFailed = errors.New("pty secondary open failed")
)

// Attachment errors.
var (
	// ErrAlreadyAttached is returned by Attach while another holder owns the child descriptor.
	ErrAlreadyAttached = errors.New("session already attached")

	// ErrNotAttached is returned by Detach when nothing is attached or the token is stale.
	ErrNotAttached = errors.New("session not attached")
)

var (
	// ErrInvalidEncoding is returned when text sent to the session is not valid UTF-8.
	ErrInvalidEncoding = errors.New("text is not valid UTF-8")

	// ErrNoPatterns is returned when Expect or Listen is called without patterns.
	ErrNoPatterns = errors.New("no patterns supplied")

	// ErrInvalidPattern is returned when a pattern does not compile.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrSessionClosed is returned by operations on a torn down session.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidSize is returned when a window dimension is zero.
	ErrInvalidSize = errors.New("invalid window size")

	// ErrIoctlFailed matches every *IoctlError.
	ErrIoctlFailed = errors.New("ioctl failed")

	// ErrNoShell is returned by DetectShell when no candidate is executable.
	ErrNoShell = errors.New("no shell found")

	ErrProcessNotStarted     = errors.New("process not started")
	ErrProcessAlreadyStarted = errors.New("process already started")
)

// IoctlError reports a failed terminal ioctl together with the OS error code.
type IoctlError struct {
	Op    string
	Errno syscall.Errno
}

func (e *IoctlError) Error() string {
	return fmt.Sprintf("%s: %v (errno %d)", e.Op, e.Errno, int(e.Errno))
}

// Code returns the raw OS error code.
func (e *IoctlError) Code() int {
	return int(e.Errno)
}

func (e *IoctlError) Unwrap() []error {
	return []error{ErrIoctlFailed, e.Errno}
}

// newIoctlError classifies err as an *IoctlError when it carries an errno.
func newIoctlError(op string, err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &IoctlError{Op: op, Errno: errno}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIoctlFailed, err)
}
