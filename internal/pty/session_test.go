package pty

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNewlineMode(t *testing.T) {
	tests := []struct {
		in      string
		want    NewlineMode
		wantErr bool
	}{
		{in: "", want: NewlineDefault},
		{in: "lf", want: NewlineDefault},
		{in: `\n`, want: NewlineDefault},
		{in: "cr", want: NewlineAlternate},
		{in: `\r`, want: NewlineAlternate},
		{in: "crlf", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseNewlineMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "\n", NewlineDefault.Terminator())
	assert.Equal(t, "\r", NewlineAlternate.Terminator())
	assert.Equal(t, "cr", NewlineAlternate.String())
}

func TestSendLineTerminator(t *testing.T) {
	tests := []struct {
		name string
		mode NewlineMode
		want string
	}{
		{name: "lf", mode: NewlineDefault, want: "hi\n"},
		{name: "cr", mode: NewlineAlternate, want: "hi\r"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestSession(t, Options{Newline: tt.mode})
			makeRaw(t, s.Child())

			require.NoError(t, s.SendLine("hi"))

			buf := make([]byte, len(tt.want))
			_, err := io.ReadFull(s.Child(), buf)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(buf))
		})
	}
}

func TestSendRejectsInvalidUTF8(t *testing.T) {
	s, _ := newPipeSession(t, Options{})
	assert.ErrorIs(t, s.Send("bad \xff"), ErrInvalidEncoding)
	assert.ErrorIs(t, s.SendLine("\xc3"), ErrInvalidEncoding)
}

func TestOpenAssignsChildPath(t *testing.T) {
	s := openTestSession(t, Options{})
	assert.NotEmpty(t, s.ID())
	assert.NotEmpty(t, s.ChildPath())
	assert.Equal(t, NewlineDefault, s.Newline())
	assert.False(t, s.IsAttached())
}

func TestWindowSize(t *testing.T) {
	s := openTestSession(t, Options{Rows: 30, Cols: 100})

	rows, cols, err := s.WindowSize()
	require.NoError(t, err)
	assert.Equal(t, uint16(30), rows)
	assert.Equal(t, uint16(100), cols)

	require.NoError(t, s.SetWindowSize(40, 120))
	rows, cols, err = s.WindowSize()
	require.NoError(t, err)
	assert.Equal(t, uint16(40), rows)
	assert.Equal(t, uint16(120), cols)

	assert.ErrorIs(t, s.SetWindowSize(0, 80), ErrInvalidSize)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.SetWindowSize(10, 10), ErrSessionClosed)
	_, _, err = s.WindowSize()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestWindowSizeOnNonTerminal(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	err = setWindowSize(10, 10, r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIoctlFailed)

	var ioctlErr *IoctlError
	if errors.As(err, &ioctlErr) {
		assert.Equal(t, "TIOCSWINSZ", ioctlErr.Op)
		assert.NotZero(t, ioctlErr.Code())
	}
}

func TestAttachDetach(t *testing.T) {
	s := openTestSession(t, Options{})

	tok, err := s.Attach()
	require.NoError(t, err)
	assert.True(t, s.IsAttached())

	_, err = s.Attach()
	assert.ErrorIs(t, err, ErrAlreadyAttached)

	detached := make(chan struct{})
	require.True(t, s.OnDetach(func() { close(detached) }))

	waited := make(chan error, 1)
	go func() { waited <- s.AwaitDetach(context.Background()) }()

	require.NoError(t, s.Detach(tok))
	<-detached
	require.NoError(t, <-waited)

	assert.ErrorIs(t, s.Detach(tok), ErrNotAttached)
	assert.NoError(t, s.AwaitDetach(context.Background()))
}

func TestAwaitDetachContext(t *testing.T) {
	s := openTestSession(t, Options{})
	_, err := s.Attach()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.AwaitDetach(ctx), context.DeadlineExceeded)
}

func TestAttachProcessDetachesOnExit(t *testing.T) {
	s := openTestSession(t, Options{})

	proc := NewProcess("/bin/sh", "-c", "exit 3")
	_, err := s.AttachProcess(proc)
	if err != nil {
		t.Skipf("cannot start /bin/sh: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.AwaitDetach(ctx))

	<-proc.Done()
	assert.Equal(t, 3, proc.ExitCode())
	require.Eventually(t, func() bool { return !s.IsAttached() }, time.Second, time.Millisecond)

	_, err = s.AttachProcess(proc)
	assert.ErrorIs(t, err, ErrProcessAlreadyStarted)
	assert.False(t, s.IsAttached())
}

func TestShellRoundTrip(t *testing.T) {
	s, proc, err := Spawn(Options{Rows: 24, Cols: 80}, "/bin/sh")
	if err != nil {
		t.Skipf("cannot spawn shell: %v", err)
	}
	defer s.Close()
	assert.True(t, s.IsAttached())

	ctx := context.Background()
	require.NoError(t, s.SendLine("echo $((40+2))"))
	res, err := s.Expect(ctx, []string{"42"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, MatchResult{Pattern: "42", Matched: true}, res)

	require.NoError(t, s.SendLine("exit"))
	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit")
	}
}

func TestCloseTerminatesProcess(t *testing.T) {
	s, proc, err := Spawn(Options{}, "/bin/sh", "-c", "sleep 30")
	if err != nil {
		t.Skipf("cannot spawn shell: %v", err)
	}

	require.NoError(t, s.Close())
	select {
	case <-proc.Done():
	default:
		t.Fatal("process still running after close")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("read loop still running after close")
	}
}

func TestProcessBeforeRun(t *testing.T) {
	p := NewProcess("/bin/true")
	assert.Equal(t, -1, p.PID())
	assert.Equal(t, -1, p.ExitCode())
	assert.ErrorIs(t, p.Terminate(), ErrProcessNotStarted)
	assert.True(t, strings.HasPrefix(p.Env[len(p.Env)-1], "TERM="))
}

func countFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot list descriptors: %v", err)
	}
	return len(entries)
}

func TestManySessionsDoNotLeak(t *testing.T) {
	m := newTestMetrics()

	// warm up the poller and allocator
	warm := openTestSession(t, Options{Metrics: m})
	require.NoError(t, warm.Close())

	before := countFDs(t)
	for i := 0; i < 256; i++ {
		s, err := Open(Options{Metrics: m})
		require.NoError(t, err)

		ch := expectAsync(t, s, context.Background(), []string{"never"}, Forever)
		require.NoError(t, s.Close())
		assert.False(t, await(t, ch).res.Matched)
		assert.Zero(t, s.Pending())
	}
	after := countFDs(t)

	assert.LessOrEqual(t, after, before+2)
	assert.Zero(t, testutil.ToFloat64(m.SessionsOpen))
	assert.Zero(t, testutil.ToFloat64(m.WaitersPending))
}

func TestDetectShell(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh missing")
	}

	shell, err := DetectShell("/bin/sh")
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", shell)

	t.Setenv("SHELL", "")
	shell, err = DetectShell("/nonexistent/shell")
	require.NoError(t, err)
	assert.NotEmpty(t, shell)
}

func TestDetectShellNone(t *testing.T) {
	saved := shellCandidates
	shellCandidates = []string{"/nonexistent/a"}
	defer func() { shellCandidates = saved }()
	t.Setenv("SHELL", "/nonexistent/b")

	_, err := DetectShell("")
	assert.ErrorIs(t, err, ErrNoShell)
}

func TestProcessExitEndsStream(t *testing.T) {
	s, proc, err := Spawn(Options{}, "/bin/sh", "-c", "exit 0")
	if err != nil {
		t.Skipf("cannot spawn shell: %v", err)
	}
	defer s.Close()

	<-proc.Done()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after process exit")
	}

	start := time.Now()
	res, err := s.Expect(context.Background(), []string{"never"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, NoMatch, res)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, s.Pending())
}

func TestProcessExitResolvesPendingExpect(t *testing.T) {
	s, _, err := Spawn(Options{}, "/bin/sh", "-c", "sleep 0.3")
	if err != nil {
		t.Skipf("cannot spawn shell: %v", err)
	}
	defer s.Close()

	ch := expectAsync(t, s, context.Background(), []string{"never"}, Forever)
	r := await(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, NoMatch, r.res)
}

func TestCloseReleasesAttachment(t *testing.T) {
	s := openTestSession(t, Options{})
	tok, err := s.Attach()
	require.NoError(t, err)

	handled := make(chan struct{})
	require.True(t, s.OnDetach(func() { close(handled) }))

	waited := make(chan error, 1)
	go func() { waited <- s.AwaitDetach(context.Background()) }()

	require.NoError(t, s.Close())
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("AwaitDetach still blocked after close")
	}
	<-handled

	assert.False(t, s.IsAttached())
	assert.ErrorIs(t, s.Detach(tok), ErrNotAttached)
}

func TestListenerMayCloseAsynchronously(t *testing.T) {
	s, w := newPipeSession(t, Options{})
	require.NoError(t, s.Listen([]string{"bye"}, func(string) { go s.Close() }))

	start := time.Now()
	feed(t, w, "bye")
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed from listener")
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestCancelledAwaitDetachUnregisters(t *testing.T) {
	s, _ := newPipeSession(t, Options{})
	_, err := s.Attach()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, s.AwaitDetach(ctx), context.Canceled)
	}

	s.guard.mu.Lock()
	defer s.guard.mu.Unlock()
	assert.Empty(t, s.guard.handlers)
}
