package pty

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PiranhaCodes/ptykit/internal/metrics"
)

const (
	defaultReadBufferSize = 4096

	// exitSettle is how long the read loop gets to deliver output queued by
	// a process that has exited.
	exitSettle = 50 * time.Millisecond
)

// NewlineMode selects the terminator appended by SendLine.
type NewlineMode int

const (
	// NewlineDefault terminates lines with "\n".
	NewlineDefault NewlineMode = iota
	// NewlineAlternate terminates lines with "\r".
	NewlineAlternate
)

// Terminator returns the line terminator for the mode.
func (m NewlineMode) Terminator() string {
	if m == NewlineAlternate {
		return "\r"
	}
	return "\n"
}

func (m NewlineMode) String() string {
	if m == NewlineAlternate {
		return "cr"
	}
	return "lf"
}

// ParseNewlineMode accepts "lf" or "cr" (and their escaped forms).
func ParseNewlineMode(s string) (NewlineMode, error) {
	switch s {
	case "", "lf", `\n`:
		return NewlineDefault, nil
	case "cr", `\r`:
		return NewlineAlternate, nil
	default:
		return NewlineDefault, fmt.Errorf("unknown newline mode %q", s)
	}
}

// Options configures a Session. The zero value is usable.
type Options struct {
	Newline NewlineMode

	// ReadBufferSize caps the size of one chunk. Defaults to 4096.
	ReadBufferSize int

	// Rows and Cols set the initial window size when both are non-zero.
	Rows uint16
	Cols uint16

	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Allocator Allocator
}

// Session owns one pseudo-terminal pair. The host end is read by a
// background loop that fans every chunk out to pending Expect calls and the
// active listener; the child end is handed to at most one attached process.
type Session struct {
	id        string
	host      *os.File
	child     *os.File
	childPath string
	newline   NewlineMode
	bufSize   int
	logger    *zap.Logger
	metrics   *metrics.Metrics

	guard    guard
	waiters  *registry
	listener atomic.Pointer[listener]

	procMu sync.Mutex
	proc   *Process

	writeMu   sync.Mutex
	ended     atomic.Bool
	endOnce   sync.Once
	stopped   chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	loopDone  chan struct{}
}

// Open allocates a pseudo-terminal pair and starts its read loop.
func Open(opts Options) (*Session, error) {
	alloc := opts.Allocator
	if alloc == nil {
		alloc = DefaultAllocator()
	}

	host, child, path, err := allocate(alloc)
	if err != nil {
		return nil, err
	}

	if opts.Rows > 0 && opts.Cols > 0 {
		if err := setWindowSize(opts.Rows, opts.Cols, host, child); err != nil {
			host.Close()
			child.Close()
			return nil, err
		}
	}

	return newSession(host, child, path, opts), nil
}

// newSession takes ownership of host and child and starts the read loop.
func newSession(host, child *os.File, childPath string, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bufSize := opts.ReadBufferSize
	if bufSize <= 0 {
		bufSize = defaultReadBufferSize
	}

	id := uuid.New().String()
	s := &Session{
		id:        id,
		host:      host,
		child:     child,
		childPath: childPath,
		newline:   opts.Newline,
		bufSize:   bufSize,
		logger:    logger.With(zap.String("session", id)),
		metrics:   opts.Metrics,
		waiters:   newRegistry(opts.Metrics),
		stopped:   make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	s.metrics.SessionOpened()
	go s.readLoop()

	s.logger.Info("session opened", zap.String("child", childPath))
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// ChildPath returns the path of the secondary device.
func (s *Session) ChildPath() string {
	return s.childPath
}

// Child returns the child descriptor. It stays owned by the session.
func (s *Session) Child() *os.File {
	return s.child
}

// Newline returns the session's newline mode.
func (s *Session) Newline() NewlineMode {
	return s.newline
}

// Done is closed once the stream has ended: the read loop stopped, the
// attached process exited, or the session was closed. Pending and later
// Expect calls resolve to NoMatch from then on.
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

// Attach mints a token for an external holder of the child descriptor.
func (s *Session) Attach() (Token, error) {
	if s.closing.Load() {
		return Token{}, ErrSessionClosed
	}
	tok, err := s.guard.attach()
	if err != nil {
		return Token{}, err
	}
	s.logger.Debug("attached")
	return tok, nil
}

// Detach releases the attachment held by tok and runs detach handlers in
// registration order.
func (s *Session) Detach(tok Token) error {
	if err := s.guard.detach(tok); err != nil {
		return err
	}
	s.logger.Debug("detached")
	return nil
}

// OnDetach registers h to run at the next detach. It reports false, and
// registers nothing, when the session is not attached.
func (s *Session) OnDetach(h func()) bool {
	_, ok := s.guard.onDetach(h)
	return ok
}

// IsAttached reports whether a token is currently held.
func (s *Session) IsAttached() bool {
	return s.guard.attached()
}

// AwaitDetach blocks until the current attachment is released. It returns
// immediately when nothing is attached.
func (s *Session) AwaitDetach(ctx context.Context) error {
	detached := make(chan struct{})
	id, ok := s.guard.onDetach(func() { close(detached) })
	if !ok {
		return nil
	}

	select {
	case <-detached:
		return nil
	case <-ctx.Done():
		s.guard.removeHandler(id)
		return ctx.Err()
	}
}

// AttachProcess attaches p, starts it on the child descriptor, and detaches
// automatically when it exits.
func (s *Session) AttachProcess(p *Process) (Token, error) {
	tok, err := s.Attach()
	if err != nil {
		return Token{}, err
	}

	if err := p.Run(s.child); err != nil {
		_ = s.guard.detach(tok)
		return Token{}, err
	}

	s.procMu.Lock()
	s.proc = p
	s.procMu.Unlock()

	s.logger.Info("process attached", zap.String("path", p.Path), zap.Int("pid", p.PID()))

	go func() {
		<-p.Done()
		s.procMu.Lock()
		if s.proc == p {
			s.proc = nil
		}
		s.procMu.Unlock()

		// already detached by the caller if this fails
		if err := s.Detach(tok); err == nil {
			s.logger.Info("process exited", zap.Int("pid", p.PID()), zap.Int("code", p.ExitCode()))
		}

		// The session holds the child open, so the host never reports EOF
		// on its own. Output written just before exit may still be queued.
		select {
		case <-time.After(exitSettle):
		case <-s.loopDone:
		}
		s.endStream("process exited")
	}()
	return tok, nil
}

// Send writes text to the host descriptor as-is.
func (s *Session) Send(text string) error {
	if !utf8.ValidString(text) {
		return ErrInvalidEncoding
	}
	return s.write([]byte(text))
}

// SendLine writes text followed by the session's line terminator.
func (s *Session) SendLine(text string) error {
	return s.Send(text + s.newline.Terminator())
}

func (s *Session) write(p []byte) error {
	if s.closing.Load() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.host.Write(p); err != nil {
		return fmt.Errorf("write host: %w", err)
	}
	return nil
}

// Pending returns the number of registered Expect waiters.
func (s *Session) Pending() int {
	return s.waiters.count()
}
