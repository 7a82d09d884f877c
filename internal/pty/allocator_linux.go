//go:build linux

package pty

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

const (
	ptmxPath = "/dev/ptmx"
	noctty   = unix.O_NOCTTY
)

// devptsAllocator allocates pairs through /dev/ptmx and devpts ioctls.
type devptsAllocator struct{}

func newPlatformAllocator() Allocator {
	return devptsAllocator{}
}

func (devptsAllocator) Open() (*os.File, error) {
	f, err := os.OpenFile(ptmxPath, os.O_RDWR|noctty, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	return f, nil
}

// GrantAndUnlock resolves the secondary's index and clears its lock.
// Ownership of the secondary is set by devpts itself, so the grant step
// only confirms the index can be read.
func (devptsAllocator) GrantAndUnlock(host *os.File) (string, error) {
	rc, err := host.SyscallConn()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPermissionFailed, err)
	}

	var (
		index     uint32
		grantErr  error
		unlockErr error
	)
	// Control keeps the descriptor in non-blocking mode, unlike Fd.
	err = rc.Control(func(fd uintptr) {
		index, grantErr = unix.IoctlGetUint32(int(fd), unix.TIOCGPTN)
		if grantErr != nil {
			return
		}
		unlockErr = unix.IoctlSetPointerInt(int(fd), unix.TIOCSPTLCK, 0)
	})
	switch {
	case err != nil:
		return "", fmt.Errorf("%w: %w", ErrPermissionFailed, err)
	case grantErr != nil:
		return "", fmt.Errorf("%w: %w", ErrPermissionFailed, grantErr)
	case unlockErr != nil:
		return "", fmt.Errorf("%w: %w", ErrUnlockFailed, unlockErr)
	}
	return "/dev/pts/" + strconv.FormatUint(uint64(index), 10), nil
}

func (devptsAllocator) OpenSecondary(path string) (*os.File, error) {
	return openSecondary(path)
}
