package pty

import (
	"fmt"
)

// Spawn opens a session and attaches path run with args. An empty path runs
// the detected shell.
func Spawn(opts Options, path string, args ...string) (*Session, *Process, error) {
	if path == "" {
		shell, err := DetectShell("")
		if err != nil {
			return nil, nil, fmt.Errorf("shell detection failed: %w", err)
		}
		path = shell
	}

	sess, err := Open(opts)
	if err != nil {
		return nil, nil, err
	}

	proc := NewProcess(path, args...)
	if _, err := sess.AttachProcess(proc); err != nil {
		sess.Close()
		return nil, nil, err
	}
	return sess, proc, nil
}
