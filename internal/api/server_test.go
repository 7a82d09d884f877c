package api

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PiranhaCodes/ptykit/internal/pty"
)

type fakeSession struct {
	mu         sync.Mutex
	sent       []string
	rows, cols uint16
	transcript string
	lastWait   time.Duration
	blocked    int
}

func (f *fakeSession) ID() string        { return "sess-1" }
func (f *fakeSession) ChildPath() string { return "/dev/pts/9" }
func (f *fakeSession) IsAttached() bool  { return true }
func (f *fakeSession) Pending() int      { return 0 }

func (f *fakeSession) Send(text string) error {
	if text == "\xff" {
		return pty.ErrInvalidEncoding
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSession) sentSoFar() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeSession) waited() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastWait
}

func (f *fakeSession) blockedExpects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked
}

func (f *fakeSession) SendLine(text string) error {
	return f.Send(text + "\n")
}

func (f *fakeSession) Expect(ctx context.Context, patterns []string, timeout time.Duration) (pty.MatchResult, error) {
	f.mu.Lock()
	f.lastWait = timeout
	transcript := f.transcript
	f.mu.Unlock()

	p, ok, err := pty.Match(transcript, patterns)
	if err != nil {
		return pty.NoMatch, err
	}
	if !ok {
		if timeout < 0 {
			f.mu.Lock()
			f.blocked++
			f.mu.Unlock()
			<-ctx.Done()
			f.mu.Lock()
			f.blocked--
			f.mu.Unlock()
			return pty.NoMatch, ctx.Err()
		}
		return pty.NoMatch, nil
	}
	return pty.MatchResult{Pattern: p, Matched: true}, nil
}

func (f *fakeSession) WindowSize() (uint16, uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, f.cols, nil
}

func (f *fakeSession) SetWindowSize(rows, cols uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows, f.cols = rows, cols
	return nil
}

// startServer serves sess on a socket in a short temp dir; unix socket
// paths are limited to about 100 bytes.
func startServer(t *testing.T, sess Session) (*Server, *Client) {
	t.Helper()
	dir, err := os.MkdirTemp("", "ptk")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	socket := filepath.Join(dir, "s.sock")
	srv := NewServer(socket, sess, nil)
	require.NoError(t, srv.Listen())

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()
	t.Cleanup(func() {
		srv.Stop()
		assert.NoError(t, <-errc)
	})
	return srv, NewClient(socket)
}

func TestSendAndSendLine(t *testing.T) {
	sess := &fakeSession{}
	_, client := startServer(t, sess)

	require.NoError(t, client.Send("ls"))
	require.NoError(t, client.SendLine("pwd"))
	assert.Equal(t, []string{"ls", "pwd\n"}, sess.sentSoFar())

	err := client.Send("\xff")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send failed")
}

func TestExpect(t *testing.T) {
	sess := &fakeSession{transcript: "user@host:~$ "}
	srv, client := startServer(t, sess)
	srv.SetExpectTimeout(3 * time.Second)

	resp, err := client.Expect([]string{"password", `\$ $`}, 0)
	require.NoError(t, err)
	assert.Equal(t, ExpectResponse{Matched: true, Pattern: `\$ $`}, resp)
	assert.Equal(t, 3*time.Second, sess.waited())

	resp, err = client.Expect([]string{"nope"}, 250*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, resp.Matched)
	assert.Equal(t, 250*time.Millisecond, sess.waited())

	_, err = client.Expect(nil, time.Second)
	assert.ErrorContains(t, err, pty.ErrNoPatterns.Error())
}

func TestStopAbortsForeverExpect(t *testing.T) {
	sess := &fakeSession{}
	srv, client := startServer(t, sess)

	errc := make(chan error, 1)
	go func() {
		_, err := client.Expect([]string{"never"}, pty.Forever)
		errc <- err
	}()

	require.Eventually(t, func() bool {
		return sess.waited() == pty.Forever
	}, time.Second, time.Millisecond)

	srv.Stop()
	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expect not aborted by stop")
	}
}

func TestResizeAndSize(t *testing.T) {
	sess := &fakeSession{rows: 24, cols: 80}
	_, client := startServer(t, sess)

	size, err := client.Size()
	require.NoError(t, err)
	assert.Equal(t, SizeResponse{Rows: 24, Cols: 80}, size)

	require.NoError(t, client.Resize(50, 132))
	size, err = client.Size()
	require.NoError(t, err)
	assert.Equal(t, SizeResponse{Rows: 50, Cols: 132}, size)

	assert.Error(t, client.Resize(0, 80))
	assert.Error(t, client.Resize(70000, 80))
}

func TestStatus(t *testing.T) {
	_, client := startServer(t, &fakeSession{})

	status, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusResponse{ID: "sess-1", Child: "/dev/pts/9", Attached: true}, status)
}

func TestUnknownAction(t *testing.T) {
	_, client := startServer(t, &fakeSession{})

	err := client.do("explode", nil, nil)
	assert.ErrorContains(t, err, "unknown action: explode")
}

func TestServeRealSession(t *testing.T) {
	sess, _, err := pty.Spawn(pty.Options{Rows: 24, Cols: 80}, "/bin/sh")
	if err != nil {
		t.Skipf("cannot spawn shell: %v", err)
	}
	defer sess.Close()

	_, client := startServer(t, sess)

	require.NoError(t, client.SendLine("echo $((20+1))"))
	resp, err := client.Expect([]string{"21"}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Matched)

	status, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), status.ID)
	assert.True(t, status.Attached)
}

func TestClientHangupCancelsExpect(t *testing.T) {
	sess := &fakeSession{}
	_, client := startServer(t, sess)

	conn, err := net.Dial("unix", client.socketPath)
	require.NoError(t, err)

	data, err := json.Marshal(ExpectRequest{Patterns: []string{"never"}, TimeoutMs: -1})
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(conn).Encode(Request{Action: ActionExpect, Data: data}))

	require.Eventually(t, func() bool { return sess.blockedExpects() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return sess.blockedExpects() == 0 }, time.Second, time.Millisecond)
}

func TestHangupReleasesSessionWaiter(t *testing.T) {
	sess, err := pty.Open(pty.Options{})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer sess.Close()

	_, client := startServer(t, sess)
	conn, err := net.Dial("unix", client.socketPath)
	require.NoError(t, err)

	data, err := json.Marshal(ExpectRequest{Patterns: []string{"never"}, TimeoutMs: -1})
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(conn).Encode(Request{Action: ActionExpect, Data: data}))

	require.Eventually(t, func() bool { return sess.Pending() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return sess.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestExpectSubMillisecondTimeout(t *testing.T) {
	sess := &fakeSession{}
	_, client := startServer(t, sess)

	resp, err := client.Expect([]string{"nope"}, 500*time.Microsecond)
	require.NoError(t, err)
	assert.False(t, resp.Matched)
	assert.Equal(t, time.Millisecond, sess.waited())
}
