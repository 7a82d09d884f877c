//go:build !linux

package pty

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	ptylib "github.com/creack/pty"
)

const noctty = syscall.O_NOCTTY

// openptAllocator delegates to creack/pty, which performs open, grant,
// unlock and ptsname in one call. The secondary it opens is parked until
// OpenSecondary asks for it.
type openptAllocator struct {
	mu     sync.Mutex
	parked map[*os.File]*os.File // host -> secondary
}

func newPlatformAllocator() Allocator {
	return &openptAllocator{parked: make(map[*os.File]*os.File)}
}

func (a *openptAllocator) Open() (*os.File, error) {
	host, tty, err := ptylib.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	a.mu.Lock()
	a.parked[host] = tty
	a.mu.Unlock()
	return host, nil
}

func (a *openptAllocator) GrantAndUnlock(host *os.File) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tty, ok := a.parked[host]
	if !ok {
		return "", fmt.Errorf("%w: no secondary for %s", ErrPermissionFailed, host.Name())
	}
	return tty.Name(), nil
}

func (a *openptAllocator) OpenSecondary(path string) (*os.File, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for host, tty := range a.parked {
		if tty.Name() == path {
			delete(a.parked, host)
			return tty, nil
		}
	}
	return openSecondary(path)
}
