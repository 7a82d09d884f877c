package pty

import (
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"

	"github.com/PiranhaCodes/ptykit/internal/metrics"
)

// openTestSession allocates a real pseudo-terminal or skips the test.
func openTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := Open(opts)
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newPipeSession builds a session whose host is the read end of a pipe.
// Writes to the returned file arrive as chunks; closing it ends the stream.
func newPipeSession(t *testing.T, opts Options) (*Session, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	child, err := os.Open(os.DevNull)
	require.NoError(t, err)

	s := newSession(r, child, os.DevNull, opts)
	t.Cleanup(func() {
		w.Close()
		s.Close()
	})
	return s, w
}

func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

// makeRaw disables line discipline processing on the child side.
func makeRaw(t *testing.T, f *os.File) {
	t.Helper()
	rc, err := f.SyscallConn()
	require.NoError(t, err)

	var rawErr error
	err = rc.Control(func(fd uintptr) {
		_, rawErr = term.MakeRaw(int(fd))
	})
	require.NoError(t, err)
	require.NoError(t, rawErr)
}
