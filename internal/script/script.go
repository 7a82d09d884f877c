// Package script runs chat scripts: ordered send/expect dialogues against a
// pseudo-terminal session, described in YAML.
//
//	timeout: 5s
//	steps:
//	  - expect: ["login:"]
//	  - sendline: admin
//	  - expect: ["password:", "denied"]
//	    timeout: 2s
//	  - resize: {rows: 40, cols: 120}
//	  - sleep: 100ms
package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/PiranhaCodes/ptykit/internal/pty"
)

// DefaultTimeout applies to expect steps when neither the step nor the
// script sets one.
const DefaultTimeout = 10 * time.Second

// ErrExpectFailed is returned when a failing expect step sees no match.
var ErrExpectFailed = errors.New("expectation not met")

// Target is the session surface a script drives. *pty.Session satisfies it.
type Target interface {
	Send(text string) error
	SendLine(text string) error
	Expect(ctx context.Context, patterns []string, timeout time.Duration) (pty.MatchResult, error)
	SetWindowSize(rows, cols uint16) error
}

// Script is a parsed chat script.
type Script struct {
	Timeout string `yaml:"timeout,omitempty"`
	Steps   []Step `yaml:"steps"`

	timeout time.Duration
}

// Size is a window size.
type Size struct {
	Rows uint16 `yaml:"rows"`
	Cols uint16 `yaml:"cols"`
}

// Step is one action. Exactly one of Send, SendLine, Expect, Resize or
// Sleep is set.
type Step struct {
	Send     *string  `yaml:"send,omitempty"`
	SendLine *string  `yaml:"sendline,omitempty"`
	Expect   Patterns `yaml:"expect,omitempty"`
	Resize   *Size    `yaml:"resize,omitempty"`
	Sleep    string   `yaml:"sleep,omitempty"`

	// Timeout and Fail only apply to expect steps. Fail defaults to true.
	Timeout string `yaml:"timeout,omitempty"`
	Fail    *bool  `yaml:"fail,omitempty"`

	timeout time.Duration
	sleep   time.Duration
}

// Patterns accepts a single pattern or a list.
type Patterns []string

// UnmarshalYAML implements yaml.BytesUnmarshaler.
func (p *Patterns) UnmarshalYAML(b []byte) error {
	var v interface{}
	if err := yaml.Unmarshal(b, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*p = Patterns{v}
	case []interface{}:
		out := make(Patterns, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("expect pattern %v is not a string", item)
			}
			out = append(out, s)
		}
		*p = out
	default:
		return fmt.Errorf("expect must be a string or a list of strings, got %T", v)
	}
	return nil
}

// Action names the step's action.
func (s Step) Action() string {
	switch {
	case s.Send != nil:
		return "send"
	case s.SendLine != nil:
		return "sendline"
	case s.Expect != nil:
		return "expect"
	case s.Resize != nil:
		return "resize"
	case s.Sleep != "":
		return "sleep"
	default:
		return ""
	}
}

func (s Step) fails() bool {
	return s.Fail == nil || *s.Fail
}

// Parse decodes and validates a YAML chat script.
func Parse(content []byte) (*Script, error) {
	return ParseWithTimeout(content, DefaultTimeout)
}

// ParseWithTimeout is Parse with a different fallback for expect steps that
// set no timeout and scripts without a top-level timeout.
func ParseWithTimeout(content []byte, fallback time.Duration) (*Script, error) {
	var sc Script
	if err := yaml.UnmarshalWithOptions(content, &sc, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}

	sc.timeout = fallback
	if sc.Timeout != "" {
		d, err := time.ParseDuration(sc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("script timeout: %w", err)
		}
		sc.timeout = d
	}

	for i := range sc.Steps {
		if err := sc.Steps[i].validate(sc.timeout); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return &sc, nil
}

func (s *Step) validate(fallback time.Duration) error {
	n := 0
	for _, set := range []bool{s.Send != nil, s.SendLine != nil, s.Expect != nil, s.Resize != nil, s.Sleep != ""} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("want exactly one action, got %d", n)
	}

	if s.Action() != "expect" && (s.Timeout != "" || s.Fail != nil) {
		return errors.New("timeout and fail only apply to expect")
	}

	switch s.Action() {
	case "expect":
		if _, err := pty.NewMatcher(s.Expect); err != nil {
			return err
		}
		s.timeout = fallback
		if s.Timeout != "" {
			d, err := time.ParseDuration(s.Timeout)
			if err != nil {
				return fmt.Errorf("timeout: %w", err)
			}
			s.timeout = d
		}
	case "resize":
		if s.Resize.Rows == 0 || s.Resize.Cols == 0 {
			return pty.ErrInvalidSize
		}
	case "sleep":
		d, err := time.ParseDuration(s.Sleep)
		if err != nil {
			return fmt.Errorf("sleep: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("sleep: negative duration %s", d)
		}
		s.sleep = d
	}
	return nil
}

// StepResult records one executed step.
type StepResult struct {
	Index   int
	Action  string
	Pattern string
	Matched bool
	Elapsed time.Duration
}

// Report is the outcome of a run. Steps holds every step that executed,
// including the one that failed.
type Report struct {
	Steps []StepResult
}

// Failed returns the expect steps that saw no match.
func (r *Report) Failed() []StepResult {
	var out []StepResult
	for _, st := range r.Steps {
		if st.Action == "expect" && !st.Matched {
			out = append(out, st)
		}
	}
	return out
}

// Runner executes scripts against a target.
type Runner struct {
	target Target
	logger *zap.Logger
}

// NewRunner creates a runner. A nil logger discards output.
func NewRunner(target Target, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{target: target, logger: logger}
}

// Run executes sc against target with a no-op logger.
func Run(ctx context.Context, target Target, sc *Script) (*Report, error) {
	return NewRunner(target, nil).Run(ctx, sc)
}

// Run executes the steps in order and stops at the first error or failed
// expectation. The partial report is returned either way.
func (r *Runner) Run(ctx context.Context, sc *Script) (*Report, error) {
	report := &Report{Steps: make([]StepResult, 0, len(sc.Steps))}

	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		start := time.Now()
		res := StepResult{Index: i, Action: step.Action()}
		err := r.exec(ctx, step, &res)
		res.Elapsed = time.Since(start)
		report.Steps = append(report.Steps, res)

		if err != nil {
			r.logger.Warn("script step failed",
				zap.Int("step", i),
				zap.String("action", res.Action),
				zap.Error(err))
			return report, fmt.Errorf("step %d (%s): %w", i, res.Action, err)
		}
		r.logger.Debug("script step done",
			zap.Int("step", i),
			zap.String("action", res.Action),
			zap.Duration("elapsed", res.Elapsed))
	}
	return report, nil
}

func (r *Runner) exec(ctx context.Context, step Step, res *StepResult) error {
	switch res.Action {
	case "send":
		return r.target.Send(*step.Send)
	case "sendline":
		return r.target.SendLine(*step.SendLine)
	case "resize":
		return r.target.SetWindowSize(step.Resize.Rows, step.Resize.Cols)
	case "sleep":
		t := time.NewTimer(step.sleep)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case "expect":
		timeout := step.timeout
		if timeout == 0 && step.Timeout == "" {
			// step built in code rather than parsed
			timeout = DefaultTimeout
		}
		m, err := r.target.Expect(ctx, step.Expect, timeout)
		if err != nil {
			return err
		}
		res.Pattern = m.Pattern
		res.Matched = m.Matched
		if !m.Matched && step.fails() {
			return fmt.Errorf("%w: %q", ErrExpectFailed, []string(step.Expect))
		}
		return nil
	default:
		return errors.New("step has no action")
	}
}
