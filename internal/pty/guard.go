package pty

import (
	"sync"

	"github.com/google/uuid"
)

// Token proves its holder is the process currently attached to a session's
// child descriptor. Tokens are compared by value and are never reused.
type Token struct {
	id uuid.UUID
}

// String returns the token in canonical UUID form.
func (t Token) String() string {
	return t.id.String()
}

// IsZero reports whether t was never minted.
func (t Token) IsZero() bool {
	return t.id == uuid.Nil
}

// guard is the exclusive attach/detach state machine of a Session.
type guard struct {
	mu       sync.Mutex
	held     Token
	handlers []detachHandler
	nextID   uint64
}

type detachHandler struct {
	id uint64
	fn func()
}

func (g *guard) attach() (Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held.IsZero() {
		return Token{}, ErrAlreadyAttached
	}
	g.held = Token{id: uuid.New()}
	return g.held, nil
}

// detach releases the held token. Handlers run after the lock is dropped so
// they may call back into the session.
func (g *guard) detach(t Token) error {
	g.mu.Lock()
	if g.held.IsZero() || t.IsZero() || g.held != t {
		g.mu.Unlock()
		return ErrNotAttached
	}
	handlers := g.resetLocked()
	g.mu.Unlock()

	runHandlers(handlers)
	return nil
}

// release drops whatever token is held, as if its owner had detached.
// It reports whether anything was attached.
func (g *guard) release() bool {
	g.mu.Lock()
	if g.held.IsZero() {
		g.mu.Unlock()
		return false
	}
	handlers := g.resetLocked()
	g.mu.Unlock()

	runHandlers(handlers)
	return true
}

func (g *guard) resetLocked() []detachHandler {
	g.held = Token{}
	handlers := g.handlers
	g.handlers = nil
	return handlers
}

func runHandlers(handlers []detachHandler) {
	for _, h := range handlers {
		h.fn()
	}
}

// onDetach registers h only while attached. The returned id removes it.
func (g *guard) onDetach(h func()) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held.IsZero() {
		return 0, false
	}
	g.nextID++
	g.handlers = append(g.handlers, detachHandler{id: g.nextID, fn: h})
	return g.nextID, true
}

// removeHandler unregisters a handler that has not run yet.
func (g *guard) removeHandler(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, h := range g.handlers {
		if h.id == id {
			g.handlers = append(g.handlers[:i], g.handlers[i+1:]...)
			return
		}
	}
}

func (g *guard) attached() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.held.IsZero()
}
