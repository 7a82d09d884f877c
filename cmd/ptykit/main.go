// Command ptykit runs a program inside a pseudo-terminal session.
//
// Usage:
//
//	ptykit [-script file] [-socket path] [-raw] [-- program args...]
//
// Without -script the program's output is mirrored to stdout, stdin is
// forwarded to it, and the session is served on a control socket. With
// -script the chat script is run and the exit status reports its outcome.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/PiranhaCodes/ptykit/internal/api"
	"github.com/PiranhaCodes/ptykit/internal/config"
	"github.com/PiranhaCodes/ptykit/internal/logging"
	"github.com/PiranhaCodes/ptykit/internal/metrics"
	"github.com/PiranhaCodes/ptykit/internal/pty"
	"github.com/PiranhaCodes/ptykit/internal/script"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// run parses flags, sets up the session and returns the process exit code.
func run(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("ptykit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	scriptPath := fs.String("script", "", "Path to a YAML chat script")
	socketRaw := fs.String("socket", "", "Path to Unix socket (default $PTYKIT_SOCKET)")
	raw := fs.Bool("raw", false, "Put the local terminal in raw mode")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptykit: %v\n", err)
		return 1
	}
	if *socketRaw != "" {
		cfg.Server.Socket = *socketRaw
	}

	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptykit: logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer stopMetrics()
	}

	path := cfg.Session.Shell
	var progArgs []string
	if fs.NArg() > 0 {
		path, progArgs = fs.Arg(0), fs.Args()[1:]
	}

	sess, proc, err := pty.Spawn(cfg.SessionOptions(logger, m), path, progArgs...)
	if err != nil {
		logger.Error("failed to start session", zap.Error(err))
		return 1
	}
	defer sess.Close()

	if *scriptPath != "" {
		return runScript(ctx, sess, *scriptPath, cfg, logger)
	}
	return runInteractive(ctx, sess, proc, cfg, *raw, logger)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func runScript(ctx context.Context, sess *pty.Session, path string, cfg *config.Config, logger *zap.Logger) int {
	content, err := os.ReadFile(path)
	if err != nil {
		logger.Error("failed to read script", zap.String("path", path), zap.Error(err))
		return 1
	}

	sc, err := script.ParseWithTimeout(content, cfg.Session.ExpectTimeout)
	if err != nil {
		logger.Error("invalid script", zap.String("path", path), zap.Error(err))
		return 1
	}

	if err := sess.Listen([]string{`[\s\S]`}, mirror(os.Stdout)); err != nil {
		logger.Error("failed to mirror output", zap.Error(err))
		return 1
	}

	report, err := script.NewRunner(sess, logger).Run(ctx, sc)
	if err != nil {
		logger.Error("script failed", zap.Error(err), zap.Int("steps_run", len(report.Steps)))
		return 1
	}
	logger.Info("script finished", zap.Int("steps", len(report.Steps)))
	return 0
}

func runInteractive(ctx context.Context, sess *pty.Session, proc *pty.Process, cfg *config.Config, raw bool, logger *zap.Logger) int {
	if err := sess.Listen([]string{`[\s\S]`}, mirror(os.Stdout)); err != nil {
		logger.Error("failed to mirror output", zap.Error(err))
		return 1
	}

	stdinFd := int(os.Stdin.Fd())
	if raw && term.IsTerminal(stdinFd) {
		state, err := term.MakeRaw(stdinFd)
		if err != nil {
			logger.Error("failed to enter raw mode", zap.Error(err))
			return 1
		}
		defer term.Restore(stdinFd, state)
	}

	if term.IsTerminal(stdinFd) {
		stopResize := followWindowSize(sess, stdinFd, logger)
		defer stopResize()
	}

	socketPath, err := cfg.SocketPath()
	if err != nil {
		logger.Error("failed to expand socket path", zap.Error(err))
		return 1
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		logger.Error("failed to create socket directory", zap.Error(err))
		return 1
	}

	server := api.NewServer(socketPath, sess, logger)
	server.SetExpectTimeout(cfg.Session.ExpectTimeout)
	if err := server.Listen(); err != nil {
		logger.Error("failed to listen", zap.Error(err))
		return 1
	}
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}()
	defer func() {
		server.Stop()
		os.Remove(socketPath)
	}()

	go forwardInput(os.Stdin, sess, logger)

	select {
	case <-proc.Done():
		logger.Info("program exited", zap.Int("code", proc.ExitCode()))
		// let the last output drain before tearing down
		select {
		case <-sess.Done():
		case <-time.After(100 * time.Millisecond):
		}
		if code := proc.ExitCode(); code >= 0 {
			return code
		}
		return 1
	case <-ctx.Done():
		logger.Info("shutting down")
		return 130
	}
}

// mirror returns a listener callback that copies chunks to w.
func mirror(w io.Writer) func(string) {
	return func(text string) {
		io.WriteString(w, text)
	}
}

// forwardInput copies r into the session until r ends. Runes split across
// reads are held back until complete.
func forwardInput(r io.Reader, sess *pty.Session, logger *zap.Logger) {
	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			carry = nil

			if i := lastRuneStart(data); i < len(data) && !utf8.FullRune(data[i:]) {
				carry = append([]byte(nil), data[i:]...)
				data = data[:i]
			}

			if len(data) > 0 {
				if err := sess.Send(string(data)); err != nil {
					if errors.Is(err, pty.ErrSessionClosed) {
						return
					}
					logger.Debug("dropped input", zap.Error(err))
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func lastRuneStart(b []byte) int {
	for i := len(b) - 1; i >= 0 && i > len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			return i
		}
	}
	return len(b)
}

// followWindowSize copies the local terminal size into the session now and
// on every SIGWINCH.
func followWindowSize(sess *pty.Session, fd int, logger *zap.Logger) func() {
	apply := func() {
		cols, rows, err := term.GetSize(fd)
		if err != nil || rows <= 0 || cols <= 0 {
			return
		}
		if err := sess.SetWindowSize(uint16(rows), uint16(cols)); err != nil {
			logger.Debug("failed to resize", zap.Error(err))
		}
	}
	apply()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigs:
				apply()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
