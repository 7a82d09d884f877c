package pty

import (
	"fmt"
	"os"
)

// Allocator creates pseudo-terminal pairs. The three steps mirror
// posix_openpt, grantpt/unlockpt/ptsname and the open of the secondary end.
type Allocator interface {
	// Open returns the host (primary) end of a fresh pair.
	Open() (*os.File, error)

	// GrantAndUnlock prepares the secondary end and returns its path.
	GrantAndUnlock(host *os.File) (string, error)

	// OpenSecondary opens the child end by path.
	OpenSecondary(path string) (*os.File, error)
}

// DefaultAllocator returns the allocator for the running platform.
func DefaultAllocator() Allocator {
	return newPlatformAllocator()
}

// allocate runs all three allocator steps. On failure every descriptor
// opened so far is released.
func allocate(a Allocator) (host, child *os.File, path string, err error) {
	host, err = a.Open()
	if err != nil {
		return nil, nil, "", err
	}

	path, err = a.GrantAndUnlock(host)
	if err != nil {
		host.Close()
		return nil, nil, "", err
	}

	child, err = a.OpenSecondary(path)
	if err != nil {
		host.Close()
		return nil, nil, "", err
	}
	return host, child, path, nil
}

func openSecondary(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|noctty, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrHandleCreationFailed, path, err)
	}
	return f, nil
}
