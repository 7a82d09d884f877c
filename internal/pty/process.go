package pty

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
)

// Process is a program to run with a session's child descriptor as its
// controlling terminal and standard streams.
type Process struct {
	Path string
	Args []string

	// Env defaults to the parent environment plus TERM=xterm-256color.
	Env []string
	Dir string

	started  atomic.Bool
	done     chan struct{}
	exitCode atomic.Int32

	mu      sync.Mutex
	cmd     *exec.Cmd
	exitErr error
}

// NewProcess describes path run with args. Nothing starts until Run.
func NewProcess(path string, args ...string) *Process {
	p := &Process{
		Path: path,
		Args: args,
		Env:  append(os.Environ(), "TERM=xterm-256color"),
		done: make(chan struct{}),
	}
	p.exitCode.Store(-1)
	return p
}

// Run binds child to stdin, stdout and stderr, makes it the controlling
// terminal of a new session, and starts the program.
func (p *Process) Run(child *os.File) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrProcessAlreadyStarted
	}

	cmd := exec.Command(p.Path, p.Args...)
	cmd.Env = p.Env
	cmd.Dir = p.Dir
	cmd.Stdin = child
	cmd.Stdout = child
	cmd.Stderr = child
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}

	if err := cmd.Start(); err != nil {
		p.started.Store(false)
		return fmt.Errorf("start %s: %w", p.Path, err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	go p.wait(cmd)
	return nil
}

func (p *Process) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	p.exitCode.Store(int32(code))
	close(p.done)
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns -1 until the process exits, or if it died from a signal.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the error from waiting on the process.
func (p *Process) ExitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *Process) osProcess() *os.Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return nil
	}
	return p.cmd.Process
}

// PID returns the process id, or -1 before Run.
func (p *Process) PID() int {
	proc := p.osProcess()
	if proc == nil {
		return -1
	}
	return proc.Pid
}

// Signal delivers sig to the process.
func (p *Process) Signal(sig os.Signal) error {
	proc := p.osProcess()
	if proc == nil {
		return ErrProcessNotStarted
	}
	return proc.Signal(sig)
}

// Terminate sends SIGTERM.
func (p *Process) Terminate() error {
	return p.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL.
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}
