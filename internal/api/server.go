package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PiranhaCodes/ptykit/internal/pty"
)

// Session is the part of *pty.Session the server exposes.
type Session interface {
	ID() string
	ChildPath() string
	IsAttached() bool
	Pending() int
	Send(text string) error
	SendLine(text string) error
	Expect(ctx context.Context, patterns []string, timeout time.Duration) (pty.MatchResult, error)
	WindowSize() (rows, cols uint16, err error)
	SetWindowSize(rows, cols uint16) error
}

// Server handles UNIX socket connections for one session. Each connection
// carries a single request and its response.
type Server struct {
	socketPath     string
	session        Session
	logger         *zap.Logger
	expectTimeout  time.Duration
	listener       net.Listener
	stopChan       chan struct{}
	stopOnce       sync.Once
	ctx            context.Context
	cancelRequests context.CancelFunc
}

// NewServer creates a new server instance.
func NewServer(socketPath string, session Session, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:     socketPath,
		session:        session,
		logger:         logger.With(zap.String("socket", socketPath)),
		expectTimeout:  10 * time.Second,
		stopChan:       make(chan struct{}),
		ctx:            ctx,
		cancelRequests: cancel,
	}
}

// SetExpectTimeout sets the timeout used when a request leaves it at zero.
func (s *Server) SetExpectTimeout(d time.Duration) {
	s.expectTimeout = d
}

// Listen binds the socket, replacing a stale one.
func (s *Server) Listen() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}

	s.listener = listener
	s.logger.Info("server listening")
	return nil
}

// Start binds the socket if needed and accepts connections until Stop.
func (s *Server) Start() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

// Stop stops the server, aborts in-flight expects and removes the socket.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.cancelRequests()
		if s.listener != nil {
			s.listener.Close()
		}
		s.logger.Info("server stopped")
	})
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		s.reply(encoder, Response{Ok: false, Err: "invalid request: " + err.Error()})
		return
	}
	s.logger.Debug("request", zap.String("action", req.Action))

	// Requests are one per connection; the read only fails once the
	// client hangs up or the handler closes the connection.
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		var b [64]byte
		for {
			if _, err := conn.Read(b[:]); err != nil {
				cancel()
				return
			}
		}
	}()

	var resp Response
	switch req.Action {
	case ActionSend:
		resp = s.handleSend(req.Data, s.session.Send)
	case ActionSendLine:
		resp = s.handleSend(req.Data, s.session.SendLine)
	case ActionExpect:
		resp = s.handleExpect(ctx, req.Data)
	case ActionResize:
		resp = s.handleResize(req.Data)
	case ActionSize:
		resp = s.handleSize()
	case ActionStatus:
		resp = s.handleStatus()
	default:
		resp = Response{Ok: false, Err: "unknown action: " + req.Action}
	}
	s.reply(encoder, resp)
}

func (s *Server) reply(encoder *json.Encoder, resp Response) {
	if err := encoder.Encode(resp); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

func fail(err error) Response {
	return Response{Ok: false, Err: err.Error()}
}

func (s *Server) handleSend(data json.RawMessage, send func(string) error) Response {
	var req SendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return Response{Ok: false, Err: "invalid send request: " + err.Error()}
	}
	if err := send(req.Text); err != nil {
		return fail(err)
	}
	return Response{Ok: true}
}

func (s *Server) handleExpect(ctx context.Context, data json.RawMessage) Response {
	var req ExpectRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return Response{Ok: false, Err: "invalid expect request: " + err.Error()}
	}

	timeout := s.expectTimeout
	switch {
	case req.TimeoutMs < 0:
		timeout = pty.Forever
	case req.TimeoutMs > 0:
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	res, err := s.session.Expect(ctx, req.Patterns, timeout)
	if err != nil {
		return fail(err)
	}
	return Response{Ok: true, Data: ExpectResponse{Matched: res.Matched, Pattern: res.Pattern}}
}

func (s *Server) handleResize(data json.RawMessage) Response {
	var req ResizeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return Response{Ok: false, Err: "invalid resize request: " + err.Error()}
	}

	if req.Cols <= 0 || req.Rows <= 0 || req.Cols > 0xFFFF || req.Rows > 0xFFFF {
		return Response{Ok: false, Err: fmt.Sprintf("rows and cols must be in 1..65535, got %dx%d", req.Rows, req.Cols)}
	}

	if err := s.session.SetWindowSize(uint16(req.Rows), uint16(req.Cols)); err != nil {
		return fail(err)
	}
	return Response{Ok: true}
}

func (s *Server) handleSize() Response {
	rows, cols, err := s.session.WindowSize()
	if err != nil {
		return fail(err)
	}
	return Response{Ok: true, Data: SizeResponse{Rows: int(rows), Cols: int(cols)}}
}

func (s *Server) handleStatus() Response {
	return Response{
		Ok: true,
		Data: StatusResponse{
			ID:       s.session.ID(),
			Child:    s.session.ChildPath(),
			Attached: s.session.IsAttached(),
			Pending:  s.session.Pending(),
		},
	}
}
