package pty

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/PiranhaCodes/ptykit/internal/metrics"
)

// Forever disables the Expect timeout.
const Forever time.Duration = -1

// listener is the single persistent pattern handler of a session.
type listener struct {
	matcher *Matcher
	fn      func(text string)
}

// Expect blocks until a received chunk matches one of patterns, the timeout
// elapses, the stream ends, or ctx is done. A match resolves to the pattern
// that fired. Absence of a match is reported as NoMatch with a nil error;
// the error is non-nil only for bad patterns, a closed session, or ctx.
//
// A negative timeout (see Forever) waits without a deadline.
func (s *Session) Expect(ctx context.Context, patterns []string, timeout time.Duration) (MatchResult, error) {
	m, err := NewMatcher(patterns)
	if err != nil {
		return NoMatch, err
	}
	if s.closing.Load() {
		return NoMatch, ErrSessionClosed
	}

	w := s.waiters.add(m)
	// endStream marks ended before draining, so a waiter added after the
	// drain sees the flag here.
	if s.ended.Load() {
		s.waiters.resolve(w.id, NoMatch)
	}

	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-w.sink:
		return s.finish(res, nil)
	case <-expired:
		if _, ok := s.waiters.take(w.id); ok {
			return s.finish(NoMatch, nil)
		}
		// the read loop won the race; its result is already buffered
		return s.finish(<-w.sink, nil)
	case <-ctx.Done():
		if _, ok := s.waiters.take(w.id); ok {
			s.metrics.ExpectDone(metrics.OutcomeCancelled)
			return NoMatch, ctx.Err()
		}
		return s.finish(<-w.sink, nil)
	}
}

func (s *Session) finish(res MatchResult, err error) (MatchResult, error) {
	if res.Matched {
		s.metrics.ExpectDone(metrics.OutcomeMatch)
	} else {
		s.metrics.ExpectDone(metrics.OutcomeNoMatch)
	}
	return res, err
}

// Listen installs fn as the session's listener, replacing any previous one.
// fn runs on the read loop for every chunk that matches patterns and
// receives the raw chunk text, not the pattern.
//
// fn must not call Close or Expect synchronously: both wait on the read
// loop that is running fn. Start a goroutine for them instead.
func (s *Session) Listen(patterns []string, fn func(text string)) error {
	if fn == nil {
		return errors.New("listen: nil callback")
	}
	m, err := NewMatcher(patterns)
	if err != nil {
		return err
	}
	s.listener.Store(&listener{matcher: m, fn: fn})
	return nil
}

// StopListening removes the active listener, if any.
func (s *Session) StopListening() {
	s.listener.Store(nil)
}

// readLoop reads the host descriptor until it ends or the session closes.
// The goroutine parks in the runtime poller while the descriptor is idle.
func (s *Session) readLoop() {
	defer close(s.loopDone)

	var dec chunkDecoder
	buf := make([]byte, s.bufSize)
	for {
		n, err := s.host.Read(buf)
		if n > 0 {
			s.dispatch(&dec, buf[:n])
		}

		if err != nil {
			if !isEndOfStream(err) && !s.closing.Load() {
				s.logger.Warn("host read failed", zap.Error(err))
			}
			break
		}
		if n == 0 {
			break
		}
	}

	s.endStream("end of stream")
}

// dispatch offers one chunk to every pending waiter, then to the listener.
func (s *Session) dispatch(dec *chunkDecoder, chunk []byte) {
	text, ok := dec.decode(chunk)
	if !ok {
		s.metrics.ChunkRead(len(chunk), metrics.ChunkDropped)
		s.logger.Debug("dropped undecodable chunk", zap.Int("bytes", len(chunk)))
		return
	}
	if text == "" {
		// only a partial rune so far
		return
	}
	s.metrics.ChunkRead(len(chunk), metrics.ChunkDispatched)

	for _, w := range s.waiters.snapshot() {
		if pattern, ok := w.matcher.Match(text); ok {
			s.waiters.resolve(w.id, MatchResult{Pattern: pattern, Matched: true})
		}
	}

	if l := s.listener.Load(); l != nil {
		if _, ok := l.matcher.Match(text); ok {
			s.metrics.ListenerMatched()
			l.fn(text)
		}
	}
}

// endStream resolves every pending waiter with NoMatch and closes Done.
// Only the first call does anything.
func (s *Session) endStream(reason string) {
	s.endOnce.Do(func() {
		s.ended.Store(true)
		n := s.waiters.drain()
		if !s.closing.Load() {
			s.logger.Debug(reason, zap.Int("released_waiters", n))
		}
		close(s.stopped)
	})
}

// isEndOfStream reports errors that mean the other side is gone: EOF, EIO
// from a primary whose secondary closed, or our own Close.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, os.ErrClosed)
}

// chunkDecoder turns raw chunks into UTF-8 text. A rune split across two
// reads is carried into the next chunk; a chunk with invalid bytes is
// dropped whole. An empty string with ok=true means everything was carried.
type chunkDecoder struct {
	carry []byte
}

func (d *chunkDecoder) decode(chunk []byte) (string, bool) {
	data := chunk
	if len(d.carry) > 0 {
		data = append(d.carry, chunk...)
		d.carry = nil
	}

	cut := incompleteSuffix(data)
	if cut < len(data) {
		d.carry = append([]byte(nil), data[cut:]...)
		data = data[:cut]
	}

	if len(data) == 0 {
		return "", true
	}
	if !utf8.Valid(data) {
		d.carry = nil
		return "", false
	}
	return string(data), true
}

// incompleteSuffix returns the index where a truncated trailing rune starts,
// or len(b) if b ends on a rune boundary.
func incompleteSuffix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i > len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			return len(b)
		}
	}
	return len(b)
}
