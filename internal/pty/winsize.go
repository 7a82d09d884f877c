package pty

import (
	"os"

	ptylib "github.com/creack/pty"
)

// WindowSize reads the terminal size from the host descriptor.
func (s *Session) WindowSize() (rows, cols uint16, err error) {
	if s.closing.Load() {
		return 0, 0, ErrSessionClosed
	}

	ws, err := ptylib.GetsizeFull(s.host)
	if err != nil {
		return 0, 0, newIoctlError("TIOCGWINSZ", err)
	}
	return ws.Rows, ws.Cols, nil
}

// SetWindowSize applies the size to both descriptors. The attached process
// receives SIGWINCH from the kernel.
func (s *Session) SetWindowSize(rows, cols uint16) error {
	if s.closing.Load() {
		return ErrSessionClosed
	}
	return setWindowSize(rows, cols, s.host, s.child)
}

func setWindowSize(rows, cols uint16, files ...*os.File) error {
	if rows == 0 || cols == 0 {
		return ErrInvalidSize
	}

	ws := &ptylib.Winsize{Rows: rows, Cols: cols}
	for _, f := range files {
		if err := ptylib.Setsize(f, ws); err != nil {
			return newIoctlError("TIOCSWINSZ", err)
		}
	}
	return nil
}
