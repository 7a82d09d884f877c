package pty

import (
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// terminateGrace is how long an attached process gets between SIGTERM and SIGKILL.
	terminateGrace = 2 * time.Second

	// loopStopTimeout bounds the wait for the read loop after the host closes.
	loopStopTimeout = 5 * time.Second
)

// Close tears the session down: it terminates an attached process, stops
// the read loop, releases both descriptors, releases any attachment (running
// its detach handlers) and resolves pending waiters with NoMatch. Close
// failures are logged, never returned. Only the first call does any work.
func (s *Session) Close() error {
	s.closeOnce.Do(s.teardown)
	return nil
}

func (s *Session) teardown() {
	s.closing.Store(true)
	s.logger.Debug("closing session")

	s.procMu.Lock()
	proc := s.proc
	s.procMu.Unlock()
	if proc != nil {
		s.terminate(proc)
	}

	// Closing the host wakes the read loop out of the poller before the
	// child goes away.
	err := s.host.Close()
	select {
	case <-s.loopDone:
	case <-time.After(loopStopTimeout):
		s.logger.Warn("read loop did not stop")
	}
	err = multierr.Append(err, s.child.Close())
	if err != nil {
		s.logger.Warn("failed to release descriptors", zap.Error(err))
	}

	s.StopListening()
	s.endStream("closed")
	s.waiters.drain()
	if s.guard.release() {
		s.logger.Debug("attachment released by close")
	}
	s.metrics.SessionClosed()
	s.logger.Info("session closed")
}

// terminate sends SIGTERM and escalates to SIGKILL after terminateGrace.
func (s *Session) terminate(p *Process) {
	select {
	case <-p.Done():
		return
	default:
	}

	if err := p.Terminate(); err != nil {
		s.logger.Warn("failed to send SIGTERM", zap.Int("pid", p.PID()), zap.Error(err))
	}

	select {
	case <-p.Done():
	case <-time.After(terminateGrace):
		if err := p.Kill(); err != nil {
			s.logger.Warn("failed to kill process", zap.Int("pid", p.PID()), zap.Error(err))
		}
		<-p.Done()
	}
}
